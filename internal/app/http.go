package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"atrium/api/internal/auth"
	"atrium/api/internal/presence"
	"atrium/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "proposals" && parts[3] == "review" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleReview(w, r, session, parts[2])
		return
	}

	if len(parts) >= 5 && parts[0] == "api" && parts[1] == "entities" {
		ref := presence.EntityRef{Type: parts[2], ID: parts[3], Tenant: session.Tenant}
		if !ref.Valid() {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid entity reference", nil)
			return
		}

		if len(parts) == 5 && parts[4] == "proposals" {
			switch r.Method {
			case http.MethodPost:
				s.handleCreateProposal(w, r, session, ref)
			case http.MethodGet:
				s.handleListProposals(w, r, session, ref)
			default:
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			}
			return
		}

		if len(parts) == 5 && parts[4] == "versions" && r.Method == http.MethodGet {
			s.handleListVersions(w, r, session, ref)
			return
		}

		if len(parts) == 8 && parts[4] == "versions" && parts[6] == "diff" && r.Method == http.MethodGet {
			s.handleDiffVersions(w, r, session, ref, parts[5], parts[7])
			return
		}

		if len(parts) == 5 && parts[4] == "presence" && r.Method == http.MethodGet {
			snapshot, err := s.service.PresenceSnapshot(r.Context(), session, ref)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, snapshot)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}

	if configured, err := s.service.PingMirror(ctx); configured {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
		} else {
			checks["redis"] = map[string]any{"status": "ok"}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleCreateProposal(w http.ResponseWriter, r *http.Request, session Session, ref presence.EntityRef) {
	var body struct {
		Draft json.RawMessage `json:"draft"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if len(body.Draft) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "draft is required", nil)
		return
	}
	proposal, err := s.service.CreateProposal(r.Context(), session, ref, body.Draft)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"proposal": proposalPayload(proposal)})
}

func (s *HTTPServer) handleListProposals(w http.ResponseWriter, r *http.Request, session Session, ref presence.EntityRef) {
	status := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))
	if status != "" && status != store.ProposalPending && status != store.ProposalApproved && status != store.ProposalRejected {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be PENDING, APPROVED or REJECTED", nil)
		return
	}
	proposals, err := s.service.ListProposals(r.Context(), session, ref, status)
	if err != nil {
		httpStatus, code, message, details := mapError(err)
		writeError(w, httpStatus, code, message, details)
		return
	}
	items := make([]map[string]any, 0, len(proposals))
	for _, proposal := range proposals {
		items = append(items, proposalPayload(proposal))
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": items})
}

func (s *HTTPServer) handleReview(w http.ResponseWriter, r *http.Request, session Session, proposalID string) {
	var body struct {
		Decision string `json:"decision"`
		Comment  string `json:"comment"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	decision := strings.ToUpper(strings.TrimSpace(body.Decision))
	proposal, err := s.service.Review(r.Context(), session, proposalID, decision, strings.TrimSpace(body.Comment))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposal": proposalPayload(proposal)})
}

func (s *HTTPServer) handleListVersions(w http.ResponseWriter, r *http.Request, session Session, ref presence.EntityRef) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	var before uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("before")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "before must be a version number", nil)
			return
		}
		before = parsed
	}

	snapshots, err := s.service.ListVersions(r.Context(), session, ref, before, limit)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	items := make([]map[string]any, 0, len(snapshots))
	for _, snapshot := range snapshots {
		items = append(items, snapshotPayload(snapshot))
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": items})
}

func (s *HTTPServer) handleDiffVersions(w http.ResponseWriter, r *http.Request, session Session, ref presence.EntityRef, rawFrom, rawTo string) {
	from, err := strconv.ParseUint(rawFrom, 10, 64)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "versions must be numbers", nil)
		return
	}
	to, err := strconv.ParseUint(rawTo, 10, 64)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "versions must be numbers", nil)
		return
	}
	diff, err := s.service.DiffVersions(r.Context(), session, ref, from, to)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from": from,
		"to":   to,
		"diff": diff,
	})
}

func proposalPayload(proposal store.Proposal) map[string]any {
	payload := map[string]any{
		"id":              proposal.ID,
		"entityType":      proposal.EntityType,
		"entityId":        proposal.EntityID,
		"baselineVersion": proposal.BaselineVersion,
		"draft":           proposal.Draft,
		"diff":            proposal.Diff,
		"status":          proposal.Status,
		"authorId":        proposal.AuthorID,
		"createdAt":       proposal.CreatedAt.UTC().Format(time.RFC3339),
	}
	if proposal.ReviewerID != "" {
		payload["reviewerId"] = proposal.ReviewerID
	}
	if proposal.ReviewComment != "" {
		payload["reviewComment"] = proposal.ReviewComment
	}
	if proposal.DecidedAt != nil {
		payload["decidedAt"] = proposal.DecidedAt.UTC().Format(time.RFC3339)
	}
	return payload
}

func snapshotPayload(snapshot store.VersionSnapshot) map[string]any {
	return map[string]any{
		"entityType": snapshot.EntityType,
		"entityId":   snapshot.EntityID,
		"version":    snapshot.Version,
		"payload":    snapshot.Payload,
		"createdBy":  snapshot.CreatedBy,
		"createdAt":  snapshot.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
