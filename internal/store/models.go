package store

import (
	"encoding/json"
	"time"
)

const (
	ProposalPending  = "PENDING"
	ProposalApproved = "APPROVED"
	ProposalRejected = "REJECTED"
)

// Proposal is a pending request to promote a draft graph into a reviewed,
// versioned baseline. PENDING is the only non-terminal status.
type Proposal struct {
	ID              string
	Tenant          string
	EntityType      string
	EntityID        string
	BaselineVersion uint64
	Draft           json.RawMessage
	Diff            json.RawMessage
	Status          string
	AuthorID        string
	ReviewerID      string
	ReviewComment   string
	CreatedAt       time.Time
	DecidedAt       *time.Time
}

// VersionSnapshot is one immutable entry in the append-only history of a
// governed entity. Rows are never updated or deleted.
type VersionSnapshot struct {
	Tenant     string
	EntityType string
	EntityID   string
	Version    uint64
	Payload    json.RawMessage
	CreatedBy  string
	CreatedAt  time.Time
}
