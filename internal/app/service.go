package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"atrium/api/internal/auth"
	"atrium/api/internal/config"
	"atrium/api/internal/graph"
	"atrium/api/internal/presence"
	"atrium/api/internal/rbac"
	"atrium/api/internal/store"
	"atrium/api/internal/util"
)

// Session is an authenticated caller, REST or WebSocket alike.
type Session struct {
	UserID   string
	UserName string
	Role     string
	Tenant   string
	JTI      string
}

type dataStore interface {
	CreateProposal(context.Context, store.Proposal) error
	GetProposal(context.Context, string) (store.Proposal, error)
	GetPendingProposal(context.Context, string, string, string) (*store.Proposal, error)
	ListProposals(context.Context, string, string, string, string) ([]store.Proposal, error)
	DecideProposal(context.Context, string, string, string, string, *store.VersionSnapshot) error
	AppendSnapshot(context.Context, store.VersionSnapshot) error
	GetLatestSnapshot(context.Context, string, string, string) (store.VersionSnapshot, error)
	GetSnapshot(context.Context, string, string, string, uint64) (store.VersionSnapshot, error)
	ListSnapshots(context.Context, string, string, string, uint64, int) ([]store.VersionSnapshot, error)
	Ping(ctx context.Context) error
}

// presenceMirror answers presence reads for rooms hosted on other nodes.
type presenceMirror interface {
	Snapshot(ctx context.Context, ref presence.EntityRef) (presence.Snapshot, bool, error)
	Version(ctx context.Context, ref presence.EntityRef) (uint64, error)
	Ping(ctx context.Context) error
}

type snapshotArchiver interface {
	StoreSnapshot(ctx context.Context, ref presence.EntityRef, version uint64, payload []byte) error
}

type decisionPublisher interface {
	ProposalDecided(ref presence.EntityRef, proposalID, decision, actorID string)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	hub       *presence.Hub
	mirror    presenceMirror
	archiver  snapshotArchiver
	publisher decisionPublisher
}

func New(cfg config.Config, dataStore dataStore, hub *presence.Hub) *Service {
	return &Service{cfg: cfg, store: dataStore, hub: hub}
}

func (s *Service) WithMirror(mirror presenceMirror) *Service {
	s.mirror = mirror
	return s
}

func (s *Service) WithArchiver(archiver snapshotArchiver) *Service {
	s.archiver = archiver
	return s
}

func (s *Service) WithPublisher(publisher decisionPublisher) *Service {
	s.publisher = publisher
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingMirror reports Redis health. The first return is false when no mirror
// is configured, which readiness treats as a skipped check.
func (s *Service) PingMirror(ctx context.Context) (bool, error) {
	if s.mirror == nil {
		return false, nil
	}
	return true, s.mirror.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// SessionFromToken validates a bearer token minted by the identity provider.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		UserID:   claims.Sub,
		UserName: claims.Name,
		Role:     string(rbac.Normalize(claims.Role)),
		Tenant:   claims.Tenant,
		JTI:      claims.JTI,
	}, nil
}

// requireTenant rejects any operation whose entity is scoped to a different
// tenant than the caller's token.
func requireTenant(session Session, ref presence.EntityRef) error {
	if session.Tenant != ref.Tenant {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Entity belongs to a different tenant", nil)
	}
	return nil
}

// CreateProposal computes the structural diff of the draft against the
// latest approved snapshot and opens a PENDING proposal. Only one proposal
// may be in flight per entity.
func (s *Service) CreateProposal(ctx context.Context, session Session, ref presence.EntityRef, draft []byte) (store.Proposal, error) {
	if err := requireTenant(session, ref); err != nil {
		return store.Proposal{}, err
	}
	if !s.Can(session.Role, rbac.ActionPropose) {
		return store.Proposal{}, domainError(http.StatusForbidden, "FORBIDDEN", "Role may not create proposals", nil)
	}

	draftGraph, err := graph.Parse(draft)
	if err != nil {
		return store.Proposal{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Draft payload is not a valid graph", nil)
	}

	if existing, err := s.store.GetPendingProposal(ctx, ref.Tenant, ref.Type, ref.ID); err != nil {
		return store.Proposal{}, err
	} else if existing != nil {
		return store.Proposal{}, domainError(http.StatusConflict, "PROPOSAL_CONFLICT", "A proposal is already pending for this entity",
			map[string]any{"proposalId": existing.ID})
	}

	var baseline graph.Payload
	var baselineVersion uint64
	latest, err := s.store.GetLatestSnapshot(ctx, ref.Tenant, ref.Type, ref.ID)
	switch {
	case err == nil:
		baselineVersion = latest.Version
		baseline, err = graph.Parse(latest.Payload)
		if err != nil {
			return store.Proposal{}, err
		}
	case errors.Is(err, sql.ErrNoRows):
		// First proposal for this entity diffs against the empty graph.
	default:
		return store.Proposal{}, err
	}

	diff := graph.Compare(baseline, draftGraph)
	diffRaw, err := marshalDiff(diff)
	if err != nil {
		return store.Proposal{}, err
	}

	proposal := store.Proposal{
		ID:              util.NewID("prop"),
		Tenant:          ref.Tenant,
		EntityType:      ref.Type,
		EntityID:        ref.ID,
		BaselineVersion: baselineVersion,
		Draft:           draft,
		Diff:            diffRaw,
		Status:          store.ProposalPending,
		AuthorID:        session.UserID,
		CreatedAt:       time.Now(),
	}
	if err := s.store.CreateProposal(ctx, proposal); err != nil {
		if errors.Is(err, store.ErrPendingProposalExists) {
			return store.Proposal{}, domainError(http.StatusConflict, "PROPOSAL_CONFLICT", "A proposal is already pending for this entity", nil)
		}
		return store.Proposal{}, err
	}
	return proposal, nil
}

// Review decides a PENDING proposal. Approval appends the snapshot in the
// same transaction as the status flip; self-review is forbidden.
func (s *Service) Review(ctx context.Context, session Session, proposalID, decision, comment string) (store.Proposal, error) {
	if !s.Can(session.Role, rbac.ActionReview) {
		return store.Proposal{}, domainError(http.StatusForbidden, "FORBIDDEN", "Role may not review proposals", nil)
	}
	if decision != store.ProposalApproved && decision != store.ProposalRejected {
		return store.Proposal{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Decision must be APPROVED or REJECTED", nil)
	}

	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return store.Proposal{}, err
	}
	ref := presence.EntityRef{Type: proposal.EntityType, ID: proposal.EntityID, Tenant: proposal.Tenant}
	if err := requireTenant(session, ref); err != nil {
		return store.Proposal{}, err
	}
	if proposal.AuthorID == session.UserID {
		return store.Proposal{}, domainError(http.StatusForbidden, "FORBIDDEN", "Authors may not review their own proposal", nil)
	}
	if proposal.Status != store.ProposalPending {
		return store.Proposal{}, domainError(http.StatusConflict, "NOT_PENDING", "Proposal has already been decided", nil)
	}

	var snapshot *store.VersionSnapshot
	if decision == store.ProposalApproved {
		snapshot = &store.VersionSnapshot{
			Tenant:     proposal.Tenant,
			EntityType: proposal.EntityType,
			EntityID:   proposal.EntityID,
			Version:    proposal.BaselineVersion + 1,
			Payload:    proposal.Draft,
			CreatedBy:  proposal.AuthorID,
		}
	}

	if err := s.store.DecideProposal(ctx, proposalID, decision, session.UserID, comment, snapshot); err != nil {
		switch {
		case errors.Is(err, store.ErrNotPending):
			return store.Proposal{}, domainError(http.StatusConflict, "NOT_PENDING", "Proposal has already been decided", nil)
		case errors.Is(err, store.ErrVersionConflict):
			return store.Proposal{}, domainError(http.StatusConflict, "STALE", "Baseline advanced since the proposal was created", nil)
		}
		return store.Proposal{}, err
	}

	if snapshot != nil && s.archiver != nil {
		if err := s.archiver.StoreSnapshot(ctx, ref, snapshot.Version, snapshot.Payload); err != nil {
			log.Printf("archive snapshot %s v%d: %v", ref.Key(), snapshot.Version, err)
		}
	}
	if s.publisher != nil {
		s.publisher.ProposalDecided(ref, proposalID, decision, session.UserID)
	}

	return s.store.GetProposal(ctx, proposalID)
}

func (s *Service) ListProposals(ctx context.Context, session Session, ref presence.EntityRef, status string) ([]store.Proposal, error) {
	if err := requireTenant(session, ref); err != nil {
		return nil, err
	}
	if !s.Can(session.Role, rbac.ActionRead) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return s.store.ListProposals(ctx, ref.Tenant, ref.Type, ref.ID, status)
}

func (s *Service) ListVersions(ctx context.Context, session Session, ref presence.EntityRef, beforeVersion uint64, limit int) ([]store.VersionSnapshot, error) {
	if err := requireTenant(session, ref); err != nil {
		return nil, err
	}
	if !s.Can(session.Role, rbac.ActionRead) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return s.store.ListSnapshots(ctx, ref.Tenant, ref.Type, ref.ID, beforeVersion, limit)
}

// DiffVersions structurally compares two stored snapshots of one entity.
func (s *Service) DiffVersions(ctx context.Context, session Session, ref presence.EntityRef, fromVersion, toVersion uint64) (graph.Diff, error) {
	if err := requireTenant(session, ref); err != nil {
		return graph.Diff{}, err
	}
	if !s.Can(session.Role, rbac.ActionRead) {
		return graph.Diff{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	from, err := s.store.GetSnapshot(ctx, ref.Tenant, ref.Type, ref.ID, fromVersion)
	if err != nil {
		return graph.Diff{}, err
	}
	to, err := s.store.GetSnapshot(ctx, ref.Tenant, ref.Type, ref.ID, toVersion)
	if err != nil {
		return graph.Diff{}, err
	}

	fromGraph, err := graph.Parse(from.Payload)
	if err != nil {
		return graph.Diff{}, err
	}
	toGraph, err := graph.Parse(to.Payload)
	if err != nil {
		return graph.Diff{}, err
	}
	return graph.Compare(fromGraph, toGraph), nil
}

// PresenceSnapshot reads live presence: the local room when this node hosts
// it, otherwise the Redis mirror.
func (s *Service) PresenceSnapshot(ctx context.Context, session Session, ref presence.EntityRef) (presence.Snapshot, error) {
	if err := requireTenant(session, ref); err != nil {
		return presence.Snapshot{}, err
	}
	if !s.Can(session.Role, rbac.ActionRead) {
		return presence.Snapshot{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	snapshot := s.hub.Snapshot(ref)
	if len(snapshot.Viewers) > 0 || s.mirror == nil {
		return snapshot, nil
	}
	mirrored, ok, err := s.mirror.Snapshot(ctx, ref)
	if err != nil {
		log.Printf("presence mirror read %s: %v", ref.Key(), err)
		return snapshot, nil
	}
	if ok {
		return mirrored, nil
	}
	return snapshot, nil
}

func marshalDiff(diff graph.Diff) ([]byte, error) {
	raw, err := json.Marshal(diff)
	if err != nil {
		return nil, fmt.Errorf("marshal diff: %w", err)
	}
	return raw, nil
}
