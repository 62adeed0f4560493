// Package ws is the WebSocket gateway: it authenticates connections, joins
// them to presence rooms and translates between the wire protocol and room
// operations.
package ws

import (
	"encoding/json"

	"atrium/api/internal/presence"
)

// Client-to-server message types.
const (
	MsgJoin        = "join"
	MsgHeartbeat   = "hb"
	MsgLockAcquire = "lock_acquire"
	MsgLockRelease = "lock_release"
	MsgMutation    = "mutation"
	MsgCursor      = "cursor"
	MsgLeave       = "leave"
)

// Server-to-client message types. Broadcasts (presence_delta,
// mutation_applied, cursor_update) are emitted by the rooms themselves.
const (
	MsgSnapshot         = "presence_snapshot"
	MsgLockGranted      = "lock_granted"
	MsgLockDenied       = "lock_denied"
	MsgMutationAccepted = "mutation_accepted"
	MsgMutationStale    = "mutation_stale"
	MsgError            = "error"
)

// ClientMessage is the envelope for everything a client sends. Fields beyond
// Type are interpreted per message type.
type ClientMessage struct {
	Type string `json:"type"`

	// join
	EntityType string `json:"entityType,omitempty"`
	EntityID   string `json:"entityId,omitempty"`

	// lock_acquire / lock_release
	Field string `json:"field,omitempty"`

	// mutation
	Op          string          `json:"op,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	BaseVersion uint64          `json:"baseVersion,omitempty"`

	// cursor
	X float64 `json:"x,omitempty"`
	Y float64 `json:"y,omitempty"`
}

type snapshotReply struct {
	Type     string            `json:"type"`
	Snapshot presence.Snapshot `json:"snapshot"`
}

type lockReply struct {
	Type      string `json:"type"`
	Field     string `json:"field"`
	OwnerID   string `json:"ownerId,omitempty"`
	OwnerName string `json:"ownerName,omitempty"`
}

type mutationReply struct {
	Type    string `json:"type"`
	Version uint64 `json:"version"`
}

type errorReply struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
