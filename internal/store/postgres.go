package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrPendingProposalExists enforces the single-proposal-in-flight rule.
	ErrPendingProposalExists = errors.New("a pending proposal already exists for this entity")
	// ErrNotPending is returned when deciding a proposal that is no longer PENDING.
	ErrNotPending = errors.New("proposal is not pending")
	// ErrVersionConflict is returned when an appended snapshot is not exactly
	// baseline+1. The store enforces this independently of the rooms.
	ErrVersionConflict = errors.New("snapshot version is not baseline+1")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateProposal(ctx context.Context, proposal Proposal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proposals (id, tenant, entity_type, entity_id, baseline_version, draft, diff, status, author_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, proposal.ID, proposal.Tenant, proposal.EntityType, proposal.EntityID,
		proposal.BaselineVersion, proposal.Draft, proposal.Diff, proposal.Status, proposal.AuthorID)
	if isUniqueViolation(err) {
		return ErrPendingProposalExists
	}
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	const query = `
		SELECT id, tenant, entity_type, entity_id, baseline_version, draft, diff,
		       status, author_id, reviewer_id, review_comment, created_at, decided_at
		FROM proposals WHERE id = $1
	`
	return scanProposal(s.db.QueryRowContext(ctx, query, proposalID))
}

// GetPendingProposal returns nil when no proposal is in flight for the entity.
func (s *PostgresStore) GetPendingProposal(ctx context.Context, tenant, entityType, entityID string) (*Proposal, error) {
	const query = `
		SELECT id, tenant, entity_type, entity_id, baseline_version, draft, diff,
		       status, author_id, reviewer_id, review_comment, created_at, decided_at
		FROM proposals
		WHERE tenant = $1 AND entity_type = $2 AND entity_id = $3 AND status = 'PENDING'
	`
	proposal, err := scanProposal(s.db.QueryRowContext(ctx, query, tenant, entityType, entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &proposal, nil
}

func (s *PostgresStore) ListProposals(ctx context.Context, tenant, entityType, entityID, status string) ([]Proposal, error) {
	query := `
		SELECT id, tenant, entity_type, entity_id, baseline_version, draft, diff,
		       status, author_id, reviewer_id, review_comment, created_at, decided_at
		FROM proposals
		WHERE tenant = $1 AND entity_type = $2 AND entity_id = $3
	`
	args := []any{tenant, entityType, entityID}
	if status != "" {
		query += ` AND status = $4`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var proposals []Proposal
	for rows.Next() {
		proposal, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, proposal)
	}
	return proposals, rows.Err()
}

// DecideProposal flips a PENDING proposal to its terminal status. When the
// decision is an approval, the snapshot is appended in the same transaction:
// both writes commit or neither does.
func (s *PostgresStore) DecideProposal(ctx context.Context, proposalID, status, reviewerID, comment string, snapshot *VersionSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin decide tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE proposals
		SET status = $2, reviewer_id = $3, review_comment = $4, decided_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`, proposalID, status, reviewerID, comment)
	if err != nil {
		return fmt.Errorf("update proposal status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("decide proposal: %w", err)
	}
	if affected == 0 {
		return ErrNotPending
	}

	if snapshot != nil {
		if err := appendSnapshot(ctx, tx, *snapshot); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit decide tx: %w", err)
	}
	return nil
}

// AppendSnapshot adds one snapshot outside of a proposal decision, e.g. when
// seeding version 1 from an initial import.
func (s *PostgresStore) AppendSnapshot(ctx context.Context, snapshot VersionSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := appendSnapshot(ctx, tx, snapshot); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	return nil
}

// appendSnapshot enforces compare-and-append: the insert only lands when the
// new version is exactly one past the current maximum for the entity.
func appendSnapshot(ctx context.Context, tx *sql.Tx, snapshot VersionSnapshot) error {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO version_snapshots (tenant, entity_type, entity_id, version, payload, created_by)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE $4 = (
			SELECT COALESCE(MAX(version), 0) + 1
			FROM version_snapshots
			WHERE tenant = $1 AND entity_type = $2 AND entity_id = $3
		)
	`, snapshot.Tenant, snapshot.EntityType, snapshot.EntityID, snapshot.Version, snapshot.Payload, snapshot.CreatedBy)
	if isUniqueViolation(err) {
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) GetLatestSnapshot(ctx context.Context, tenant, entityType, entityID string) (VersionSnapshot, error) {
	const query = `
		SELECT tenant, entity_type, entity_id, version, payload, created_by, created_at
		FROM version_snapshots
		WHERE tenant = $1 AND entity_type = $2 AND entity_id = $3
		ORDER BY version DESC
		LIMIT 1
	`
	return scanSnapshot(s.db.QueryRowContext(ctx, query, tenant, entityType, entityID))
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, tenant, entityType, entityID string, version uint64) (VersionSnapshot, error) {
	const query = `
		SELECT tenant, entity_type, entity_id, version, payload, created_by, created_at
		FROM version_snapshots
		WHERE tenant = $1 AND entity_type = $2 AND entity_id = $3 AND version = $4
	`
	return scanSnapshot(s.db.QueryRowContext(ctx, query, tenant, entityType, entityID, version))
}

// ListSnapshots pages newest-first. beforeVersion = 0 starts from the latest.
func (s *PostgresStore) ListSnapshots(ctx context.Context, tenant, entityType, entityID string, beforeVersion uint64, limit int) ([]VersionSnapshot, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := `
		SELECT tenant, entity_type, entity_id, version, payload, created_by, created_at
		FROM version_snapshots
		WHERE tenant = $1 AND entity_type = $2 AND entity_id = $3
	`
	args := []any{tenant, entityType, entityID}
	if beforeVersion > 0 {
		query += ` AND version < $4`
		args = append(args, beforeVersion)
	}
	query += fmt.Sprintf(` ORDER BY version DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []VersionSnapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (Proposal, error) {
	var proposal Proposal
	var reviewerID, reviewComment sql.NullString
	err := row.Scan(
		&proposal.ID, &proposal.Tenant, &proposal.EntityType, &proposal.EntityID,
		&proposal.BaselineVersion, &proposal.Draft, &proposal.Diff,
		&proposal.Status, &proposal.AuthorID, &reviewerID, &reviewComment,
		&proposal.CreatedAt, &proposal.DecidedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Proposal{}, err
		}
		return Proposal{}, fmt.Errorf("scan proposal: %w", err)
	}
	proposal.ReviewerID = reviewerID.String
	proposal.ReviewComment = reviewComment.String
	return proposal, nil
}

func scanSnapshot(row rowScanner) (VersionSnapshot, error) {
	var snapshot VersionSnapshot
	var createdAt time.Time
	err := row.Scan(
		&snapshot.Tenant, &snapshot.EntityType, &snapshot.EntityID,
		&snapshot.Version, &snapshot.Payload, &snapshot.CreatedBy, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return VersionSnapshot{}, err
		}
		return VersionSnapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}
	snapshot.CreatedAt = createdAt
	return snapshot, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
