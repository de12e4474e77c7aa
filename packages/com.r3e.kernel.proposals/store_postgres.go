package proposals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/kernel_layer/internal/engine/state"
	"github.com/R3E-Network/kernel_layer/internal/kernel"
)

const thresholdSettingKey = "approval_threshold"

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a PostgreSQL-backed proposal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: sqlx.NewDb(db, "postgres")}
}

const proposalColumns = `id, proxy_module, new_implementation, status, approval_count, description, proposer, proposed_at, approved_at, rejected_at, executed_at`

type proposalRow struct {
	ID                uint64               `db:"id"`
	ProxyModule       string               `db:"proxy_module"`
	NewImplementation string               `db:"new_implementation"`
	Status            state.ProposalStatus `db:"status"`
	ApprovalCount     int                  `db:"approval_count"`
	Description       string               `db:"description"`
	Proposer          string               `db:"proposer"`
	ProposedAt        time.Time            `db:"proposed_at"`
	ApprovedAt        sql.NullTime         `db:"approved_at"`
	RejectedAt        sql.NullTime         `db:"rejected_at"`
	ExecutedAt        sql.NullTime         `db:"executed_at"`
}

func (r proposalRow) toDomain() (Proposal, error) {
	proxy, err := kernel.ParseAddress(r.ProxyModule)
	if err != nil {
		return Proposal{}, fmt.Errorf("decode proxy %q: %w", r.ProxyModule, err)
	}
	impl, err := kernel.ParseAddress(r.NewImplementation)
	if err != nil {
		return Proposal{}, fmt.Errorf("decode implementation %q: %w", r.NewImplementation, err)
	}
	return Proposal{
		ID:                r.ID,
		ProxyModule:       proxy,
		NewImplementation: impl,
		Status:            r.Status,
		ApprovalCount:     r.ApprovalCount,
		Description:       r.Description,
		Proposer:          kernel.Principal(r.Proposer),
		ProposedAt:        r.ProposedAt.UTC(),
		ApprovedAt:        fromNullTime(r.ApprovedAt),
		RejectedAt:        fromNullTime(r.RejectedAt),
		ExecutedAt:        fromNullTime(r.ExecutedAt),
	}, nil
}

func (s *PostgresStore) InsertProposal(ctx context.Context, p Proposal) (Proposal, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Proposal{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := tx.GetContext(ctx, &p.ID, `SELECT COALESCE(MAX(id) + 1, 0) FROM kernel_proposals`); err != nil {
		return Proposal{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO kernel_proposals (`+proposalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, p.ID, kernel.FormatAddress(p.ProxyModule), kernel.FormatAddress(p.NewImplementation), p.Status,
		p.ApprovalCount, p.Description, p.Proposer, p.ProposedAt.UTC(),
		nullTime(p.ApprovedAt), nullTime(p.RejectedAt), nullTime(p.ExecutedAt)); err != nil {
		return Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return Proposal{}, err
	}
	return p, nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, id uint64) (Proposal, bool, error) {
	var row proposalRow
	err := s.db.GetContext(ctx, &row, `SELECT `+proposalColumns+` FROM kernel_proposals WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Proposal{}, false, nil
	}
	if err != nil {
		return Proposal{}, false, err
	}
	p, err := row.toDomain()
	return p, err == nil, err
}

func (s *PostgresStore) UpdateProposal(ctx context.Context, p Proposal) error {
	return updateProposal(ctx, s.db, p)
}

func updateProposal(ctx context.Context, db sqlx.ExecerContext, p Proposal) error {
	_, err := db.ExecContext(ctx, `
		UPDATE kernel_proposals
		SET status = $2, approval_count = $3, approved_at = $4, rejected_at = $5, executed_at = $6
		WHERE id = $1
	`, p.ID, p.Status, p.ApprovalCount, nullTime(p.ApprovedAt), nullTime(p.RejectedAt), nullTime(p.ExecutedAt))
	return err
}

func (s *PostgresStore) ListProposals(ctx context.Context, status state.ProposalStatus) ([]Proposal, error) {
	var rows []proposalRow
	var err error
	if status == state.ProposalUnknown {
		err = s.db.SelectContext(ctx, &rows, `SELECT `+proposalColumns+` FROM kernel_proposals ORDER BY id`)
	} else {
		err = s.db.SelectContext(ctx, &rows, `SELECT `+proposalColumns+` FROM kernel_proposals WHERE status = $1 ORDER BY id`, status)
	}
	if err != nil {
		return nil, err
	}
	out := make([]Proposal, 0, len(rows))
	for _, r := range rows {
		p, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *PostgresStore) CountProposals(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM kernel_proposals`)
	return n, err
}

func (s *PostgresStore) HasApproved(ctx context.Context, id uint64, approver kernel.Principal) (bool, error) {
	var ok bool
	err := s.db.GetContext(ctx, &ok, `
		SELECT EXISTS (
			SELECT 1 FROM kernel_proposal_approvals WHERE proposal_id = $1 AND approver = $2
		)
	`, id, approver)
	return ok, err
}

func (s *PostgresStore) RecordApproval(ctx context.Context, approver kernel.Principal, at time.Time, p Proposal) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO kernel_proposal_approvals (proposal_id, approver, approved_at)
		VALUES ($1, $2, $3)
	`, p.ID, approver, at.UTC()); err != nil {
		return err
	}
	if err := updateProposal(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) GetApprover(ctx context.Context, p kernel.Principal) (Approver, bool, error) {
	var a Approver
	err := s.db.GetContext(ctx, &a, `SELECT principal, added_at FROM kernel_approvers WHERE principal = $1`, p)
	if errors.Is(err, sql.ErrNoRows) {
		return Approver{}, false, nil
	}
	if err != nil {
		return Approver{}, false, err
	}
	a.AddedAt = a.AddedAt.UTC()
	return a, true, nil
}

func (s *PostgresStore) InsertApprover(ctx context.Context, a Approver) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kernel_approvers (principal, added_at)
		VALUES ($1, $2)
		ON CONFLICT (principal) DO NOTHING
	`, a.Principal, a.AddedAt.UTC())
	return err
}

func (s *PostgresStore) DeleteApprover(ctx context.Context, p kernel.Principal, threshold int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM kernel_approvers WHERE principal = $1`, p); err != nil {
		return err
	}
	if err := setThreshold(ctx, tx, threshold); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) ListApprovers(ctx context.Context) ([]Approver, error) {
	var out []Approver
	err := s.db.SelectContext(ctx, &out, `SELECT principal, added_at FROM kernel_approvers ORDER BY principal`)
	return out, err
}

func (s *PostgresStore) CountApprovers(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM kernel_approvers`)
	return n, err
}

func (s *PostgresStore) Threshold(ctx context.Context) (int, bool, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw, `
		SELECT value FROM kernel_settings WHERE component = $1 AND key = $2
	`, componentName, thresholdSettingKey)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("decode %s: %w", thresholdSettingKey, err)
	}
	return n, true, nil
}

func (s *PostgresStore) SetThreshold(ctx context.Context, n int) error {
	return setThreshold(ctx, s.db, n)
}

func setThreshold(ctx context.Context, db sqlx.ExecerContext, n int) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO kernel_settings (component, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (component, key) DO UPDATE SET value = EXCLUDED.value
	`, componentName, thresholdSettingKey, strconv.Itoa(n))
	return err
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

var _ Store = (*PostgresStore)(nil)
