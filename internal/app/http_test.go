package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"atrium/api/internal/auth"
	"atrium/api/internal/config"
	"atrium/api/internal/presence"
	"atrium/api/internal/store"
)

const testSecret = "test-secret"

func mintToken(t *testing.T, userID, name, role, tenant string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub:    userID,
		Name:   name,
		Role:   role,
		Tenant: tenant,
		JTI:    "jti-" + userID,
		Exp:    time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

// memoryStore backs HTTP tests with a single-entity in-memory history.
type memoryStore struct {
	fakeStore
	proposals map[string]store.Proposal
	snapshots []store.VersionSnapshot
}

func newMemoryStore() *memoryStore {
	m := &memoryStore{proposals: make(map[string]store.Proposal)}
	m.createProposalFn = func(_ context.Context, proposal store.Proposal) error {
		for _, existing := range m.proposals {
			if existing.Status == store.ProposalPending &&
				existing.Tenant == proposal.Tenant &&
				existing.EntityType == proposal.EntityType &&
				existing.EntityID == proposal.EntityID {
				return store.ErrPendingProposalExists
			}
		}
		m.proposals[proposal.ID] = proposal
		return nil
	}
	m.getProposalFn = func(_ context.Context, proposalID string) (store.Proposal, error) {
		proposal, ok := m.proposals[proposalID]
		if !ok {
			return store.Proposal{}, sql.ErrNoRows
		}
		return proposal, nil
	}
	m.getPendingProposalFn = func(_ context.Context, tenant, entityType, entityID string) (*store.Proposal, error) {
		for _, proposal := range m.proposals {
			if proposal.Status == store.ProposalPending &&
				proposal.Tenant == tenant && proposal.EntityType == entityType && proposal.EntityID == entityID {
				copied := proposal
				return &copied, nil
			}
		}
		return nil, nil
	}
	m.listProposalsFn = func(_ context.Context, tenant, entityType, entityID, status string) ([]store.Proposal, error) {
		var out []store.Proposal
		for _, proposal := range m.proposals {
			if proposal.Tenant != tenant || proposal.EntityType != entityType || proposal.EntityID != entityID {
				continue
			}
			if status != "" && proposal.Status != status {
				continue
			}
			out = append(out, proposal)
		}
		return out, nil
	}
	m.decideProposalFn = func(_ context.Context, proposalID, status, reviewerID, comment string, snapshot *store.VersionSnapshot) error {
		proposal, ok := m.proposals[proposalID]
		if !ok || proposal.Status != store.ProposalPending {
			return store.ErrNotPending
		}
		if snapshot != nil {
			var max uint64
			for _, existing := range m.snapshots {
				if existing.Version > max {
					max = existing.Version
				}
			}
			if snapshot.Version != max+1 {
				return store.ErrVersionConflict
			}
			m.snapshots = append(m.snapshots, *snapshot)
		}
		now := time.Now()
		proposal.Status = status
		proposal.ReviewerID = reviewerID
		proposal.ReviewComment = comment
		proposal.DecidedAt = &now
		m.proposals[proposalID] = proposal
		return nil
	}
	m.getLatestSnapshotFn = func(context.Context, string, string, string) (store.VersionSnapshot, error) {
		if len(m.snapshots) == 0 {
			return store.VersionSnapshot{}, sql.ErrNoRows
		}
		latest := m.snapshots[0]
		for _, snapshot := range m.snapshots[1:] {
			if snapshot.Version > latest.Version {
				latest = snapshot
			}
		}
		return latest, nil
	}
	m.getSnapshotFn = func(_ context.Context, _, _, _ string, version uint64) (store.VersionSnapshot, error) {
		for _, snapshot := range m.snapshots {
			if snapshot.Version == version {
				return snapshot, nil
			}
		}
		return store.VersionSnapshot{}, sql.ErrNoRows
	}
	m.listSnapshotsFn = func(context.Context, string, string, string, uint64, int) ([]store.VersionSnapshot, error) {
		return m.snapshots, nil
	}
	return m
}

func newHTTPTestServer(t *testing.T) (*httptest.Server, *memoryStore) {
	t.Helper()
	memory := newMemoryStore()
	hub := presence.NewHub(presence.RoomConfig{}, nil, nil)
	t.Cleanup(hub.Close)
	service := New(config.Config{JWTSecret: testSecret}, memory, hub)
	server := httptest.NewServer(NewHTTPServer(service, "*").Handler())
	t.Cleanup(server.Close)
	return server, memory
}

func doJSON(t *testing.T, method, url, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newHTTPTestServer(t)
	resp, payload := doJSON(t, http.MethodGet, server.URL+"/api/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if payload["ok"] != true {
		t.Fatalf("expected ok, got %+v", payload)
	}
}

func TestRequestsWithoutTokenUnauthorized(t *testing.T) {
	server, _ := newHTTPTestServer(t)
	resp, _ := doJSON(t, http.MethodGet, server.URL+"/api/entities/workflow/wf-1/proposals", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, server.URL+"/api/entities/workflow/wf-1/proposals", "garbage.token", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", resp.StatusCode)
	}
}

func TestProposalLifecycleOverHTTP(t *testing.T) {
	server, memory := newHTTPTestServer(t)
	author := mintToken(t, "u-author", "Ada", "editor", "acme")
	reviewer := mintToken(t, "u-reviewer", "Grace", "reviewer", "acme")

	base := server.URL + "/api/entities/workflow/wf-1"

	resp, payload := doJSON(t, http.MethodPost, base+"/proposals", author,
		`{"draft":{"nodes":[{"id":"n1","type":"task","label":"Start"}],"edges":[]}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create proposal: expected 201, got %d (%+v)", resp.StatusCode, payload)
	}
	proposal, ok := payload["proposal"].(map[string]any)
	if !ok {
		t.Fatalf("missing proposal in response: %+v", payload)
	}
	proposalID, _ := proposal["id"].(string)
	if proposalID == "" || proposal["status"] != "PENDING" {
		t.Fatalf("unexpected proposal payload: %+v", proposal)
	}

	// Second proposal for the same entity conflicts while the first is open.
	resp, payload = doJSON(t, http.MethodPost, base+"/proposals", author,
		`{"draft":{"nodes":[],"edges":[]}}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second proposal, got %d (%+v)", resp.StatusCode, payload)
	}
	if payload["code"] != "PROPOSAL_CONFLICT" {
		t.Fatalf("expected PROPOSAL_CONFLICT, got %+v", payload)
	}

	// The author cannot approve their own work.
	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/proposals/"+proposalID+"/review", author,
		`{"decision":"APPROVED"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 on self-review, got %d", resp.StatusCode)
	}

	resp, payload = doJSON(t, http.MethodPost, server.URL+"/api/proposals/"+proposalID+"/review", reviewer,
		`{"decision":"APPROVED","comment":"ship it"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("review: expected 200, got %d (%+v)", resp.StatusCode, payload)
	}
	proposal = payload["proposal"].(map[string]any)
	if proposal["status"] != "APPROVED" || proposal["reviewComment"] != "ship it" {
		t.Fatalf("unexpected decided proposal: %+v", proposal)
	}

	if len(memory.snapshots) != 1 || memory.snapshots[0].Version != 1 {
		t.Fatalf("expected one snapshot at version 1, got %+v", memory.snapshots)
	}

	// Deciding twice conflicts.
	resp, payload = doJSON(t, http.MethodPost, server.URL+"/api/proposals/"+proposalID+"/review", reviewer,
		`{"decision":"REJECTED"}`)
	if resp.StatusCode != http.StatusConflict || payload["code"] != "NOT_PENDING" {
		t.Fatalf("expected 409 NOT_PENDING, got %d (%+v)", resp.StatusCode, payload)
	}

	resp, payload = doJSON(t, http.MethodGet, base+"/versions", author, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list versions: expected 200, got %d", resp.StatusCode)
	}
	versions, _ := payload["versions"].([]any)
	if len(versions) != 1 {
		t.Fatalf("expected 1 version, got %+v", payload)
	}
}

func TestTenantIsolationOverHTTP(t *testing.T) {
	server, _ := newHTTPTestServer(t)
	outsider := mintToken(t, "u-out", "Eve", "admin", "globex")
	author := mintToken(t, "u-author", "Ada", "editor", "acme")

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/api/entities/workflow/wf-1/proposals", author,
		`{"draft":{"nodes":[],"edges":[]}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("seed proposal: got %d", resp.StatusCode)
	}

	// The outsider's token scopes every path to its own tenant, so the
	// acme proposal list is empty rather than leaked.
	resp, payload := doJSON(t, http.MethodGet, server.URL+"/api/entities/workflow/wf-1/proposals", outsider, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	proposals, _ := payload["proposals"].([]any)
	if len(proposals) != 0 {
		t.Fatalf("cross-tenant list must be empty, got %+v", proposals)
	}
}

func TestPresenceEndpointEmptyRoom(t *testing.T) {
	server, _ := newHTTPTestServer(t)
	viewer := mintToken(t, "u-view", "Vic", "viewer", "acme")

	resp, payload := doJSON(t, http.MethodGet, server.URL+"/api/entities/workflow/wf-9/presence", viewer, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	viewers, _ := payload["viewers"].([]any)
	if len(viewers) != 0 {
		t.Fatalf("expected no viewers, got %+v", viewers)
	}
}
