// Package presence tracks who is viewing and editing an entity: live viewer
// sets, field-level advisory locks with TTL expiry, and a monotonic version
// counter used to arbitrate concurrent graph mutations. All mutable state for
// one entity is owned by a single room goroutine.
package presence

import (
	"encoding/json"
	"time"
)

// EntityRef identifies a room. Tenant is part of the key: two tenants never
// share presence state for the same entity id.
type EntityRef struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Tenant string `json:"tenant"`
}

func (r EntityRef) Key() string {
	return r.Tenant + "/" + r.Type + "/" + r.ID
}

func (r EntityRef) Valid() bool {
	return r.Type != "" && r.ID != "" && r.Tenant != ""
}

// Session is one live connection of a user to one entity.
type Session struct {
	ID          string
	UserID      string
	UserName    string
	Entity      EntityRef
	ConnectedAt time.Time
}

type Viewer struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type LockInfo struct {
	Field     string    `json:"field"`
	OwnerID   string    `json:"ownerId"`
	OwnerName string    `json:"ownerName"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Snapshot is the full presence view of an entity, sent on join and mirrored
// to Redis for cross-node reads.
type Snapshot struct {
	Entity     EntityRef  `json:"entity"`
	Viewers    []Viewer   `json:"viewers"`
	Locks      []LockInfo `json:"locks"`
	Version    uint64     `json:"version"`
	StaleOwner string     `json:"staleOwner,omitempty"`
}

type OpType string

const (
	OpNodeUpsert OpType = "node_upsert"
	OpNodeDelete OpType = "node_delete"
	OpEdgeUpsert OpType = "edge_upsert"
	OpEdgeDelete OpType = "edge_delete"
	OpCursorMove OpType = "cursor_move"
)

func (op OpType) Valid() bool {
	switch op {
	case OpNodeUpsert, OpNodeDelete, OpEdgeUpsert, OpEdgeDelete, OpCursorMove:
		return true
	}
	return false
}

// Mutation is a client edit tagged with the version the client last observed.
// Cursor moves are exempt from the version check.
type Mutation struct {
	Op          OpType
	Payload     json.RawMessage
	BaseVersion uint64
}

type LockResult struct {
	Granted   bool
	Field     string
	OwnerID   string
	OwnerName string
}

type ApplyResult struct {
	Accepted bool
	Version  uint64
}

// Events broadcast to room subscribers. Seq is a per-room sequence number so
// receivers can detect reordering.

type DeltaEvent struct {
	Type     string   `json:"type"`
	Seq      uint64   `json:"seq"`
	Snapshot Snapshot `json:"snapshot"`
}

type MutationEvent struct {
	Type    string          `json:"type"`
	Seq     uint64          `json:"seq"`
	Op      OpType          `json:"opType"`
	Payload json.RawMessage `json:"payload"`
	Version uint64          `json:"version"`
	UserID  string          `json:"userId"`
}

type CursorEvent struct {
	Type     string  `json:"type"`
	Seq      uint64  `json:"seq"`
	UserID   string  `json:"userId"`
	UserName string  `json:"userName"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// Subscriber receives room broadcasts. Deliver must not block; slow receivers
// drop events and resynchronize from the next snapshot.
type Subscriber interface {
	Deliver(event any)
}

// Mirror replicates room state to shared storage so dashboard nodes that do
// not host the room can answer presence reads.
type Mirror interface {
	Sync(snapshot Snapshot)
	Clear(ref EntityRef)
}

// EventSink receives accepted mutations for the downstream event stream.
type EventSink interface {
	MutationApplied(ref EntityRef, op OpType, payload json.RawMessage, version uint64, userID string)
}
