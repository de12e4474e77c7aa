package validation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/kernel_layer/internal/kernel"
	core "github.com/R3E-Network/kernel_layer/system/framework/core"
)

const thresholdSettingKey = "threshold_percent"

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a PostgreSQL-backed validation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: sqlx.NewDb(db, "postgres")}
}

type ruleResultRow struct {
	Implementation string    `db:"implementation"`
	RuleID         uint64    `db:"rule_id"`
	Validator      string    `db:"validator"`
	Success        bool      `db:"success"`
	Details        string    `db:"details"`
	RecordedAt     time.Time `db:"recorded_at"`
}

type validationRow struct {
	Implementation string       `db:"implementation"`
	ApprovalCount  int          `db:"approval_count"`
	Vetoed         bool         `db:"vetoed"`
	ThresholdMet   bool         `db:"threshold_met"`
	IsValid        bool         `db:"is_valid"`
	CreatedAt      time.Time    `db:"created_at"`
	VetoedAt       sql.NullTime `db:"vetoed_at"`
	ValidatedAt    sql.NullTime `db:"validated_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

func (r validationRow) toDomain() (ImplementationValidation, error) {
	impl, err := kernel.ParseAddress(r.Implementation)
	if err != nil {
		return ImplementationValidation{}, fmt.Errorf("decode implementation %q: %w", r.Implementation, err)
	}
	v := ImplementationValidation{
		Implementation: impl,
		ApprovalCount:  r.ApprovalCount,
		Vetoed:         r.Vetoed,
		ThresholdMet:   r.ThresholdMet,
		IsValid:        r.IsValid,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	if r.VetoedAt.Valid {
		v.VetoedAt = r.VetoedAt.Time.UTC()
	}
	if r.ValidatedAt.Valid {
		v.ValidatedAt = r.ValidatedAt.Time.UTC()
	}
	return v, nil
}

func (s *PostgresStore) GetValidator(ctx context.Context, p kernel.Principal) (Validator, bool, error) {
	var v Validator
	err := s.db.GetContext(ctx, &v, `
		SELECT principal, type, added_at FROM kernel_validators WHERE principal = $1
	`, p)
	if errors.Is(err, sql.ErrNoRows) {
		return Validator{}, false, nil
	}
	if err != nil {
		return Validator{}, false, err
	}
	v.AddedAt = v.AddedAt.UTC()
	return v, true, nil
}

func (s *PostgresStore) InsertValidator(ctx context.Context, v Validator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kernel_validators (principal, type, added_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (principal) DO NOTHING
	`, v.Principal, v.Type, v.AddedAt.UTC())
	return err
}

func (s *PostgresStore) DeleteValidator(ctx context.Context, p kernel.Principal) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kernel_validators WHERE principal = $1`, p)
	return err
}

func (s *PostgresStore) ListValidators(ctx context.Context) ([]Validator, error) {
	var out []Validator
	err := s.db.SelectContext(ctx, &out, `
		SELECT principal, type, added_at FROM kernel_validators ORDER BY principal
	`)
	return out, err
}

func (s *PostgresStore) CountValidators(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM kernel_validators`)
	return n, err
}

const ruleColumns = `id, name, description, is_active, is_critical, created_at, updated_at`

func (s *PostgresStore) InsertRule(ctx context.Context, r Rule) (Rule, error) {
	err := s.db.GetContext(ctx, &r.ID, `
		INSERT INTO kernel_rules (name, name_key, description, is_active, is_critical, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, r.Name, core.NormalizeName(r.Name), r.Description, r.IsActive, r.IsCritical, r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	if err != nil {
		return Rule{}, err
	}
	return r, nil
}

func (s *PostgresStore) GetRule(ctx context.Context, id uint64) (Rule, bool, error) {
	return s.getRule(ctx, `SELECT `+ruleColumns+` FROM kernel_rules WHERE id = $1`, id)
}

func (s *PostgresStore) GetRuleByName(ctx context.Context, name string) (Rule, bool, error) {
	return s.getRule(ctx, `SELECT `+ruleColumns+` FROM kernel_rules WHERE name_key = $1`, core.NormalizeName(name))
}

func (s *PostgresStore) getRule(ctx context.Context, query string, arg interface{}) (Rule, bool, error) {
	var r Rule
	err := s.db.GetContext(ctx, &r, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return Rule{}, false, nil
	}
	if err != nil {
		return Rule{}, false, err
	}
	r.CreatedAt, r.UpdatedAt = r.CreatedAt.UTC(), r.UpdatedAt.UTC()
	return r, true, nil
}

func (s *PostgresStore) UpdateRule(ctx context.Context, r Rule) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE kernel_rules
		SET description = $2, is_active = $3, is_critical = $4, updated_at = $5
		WHERE id = $1
	`, r.ID, r.Description, r.IsActive, r.IsCritical, r.UpdatedAt.UTC())
	return err
}

func (s *PostgresStore) DeleteRule(ctx context.Context, id uint64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kernel_rules WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) ListRules(ctx context.Context) ([]Rule, error) {
	var out []Rule
	err := s.db.SelectContext(ctx, &out, `SELECT `+ruleColumns+` FROM kernel_rules ORDER BY id`)
	return out, err
}

func (s *PostgresStore) PutRuleResult(ctx context.Context, r RuleResult) error {
	return putRuleResult(ctx, s.db, r)
}

func (s *PostgresStore) RecordVeto(ctx context.Context, r RuleResult, v ImplementationValidation) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := putRuleResult(ctx, tx, r); err != nil {
		return err
	}
	if err := putValidation(ctx, tx, v); err != nil {
		return err
	}
	return tx.Commit()
}

func putRuleResult(ctx context.Context, db sqlx.ExecerContext, r RuleResult) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO kernel_rule_results (implementation, rule_id, validator, success, details, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (implementation, rule_id, validator)
		DO UPDATE SET success = EXCLUDED.success, details = EXCLUDED.details, recorded_at = EXCLUDED.recorded_at
	`, kernel.FormatAddress(r.Implementation), r.RuleID, r.Validator, r.Success, r.Details, r.RecordedAt.UTC())
	return err
}

func (s *PostgresStore) ListRuleResults(ctx context.Context, impl util.Uint160) ([]RuleResult, error) {
	var rows []ruleResultRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT implementation, rule_id, validator, success, details, recorded_at
		FROM kernel_rule_results
		WHERE implementation = $1
		ORDER BY rule_id, validator
	`, kernel.FormatAddress(impl)); err != nil {
		return nil, err
	}
	out := make([]RuleResult, 0, len(rows))
	for _, r := range rows {
		out = append(out, RuleResult{
			Implementation: impl,
			RuleID:         r.RuleID,
			Validator:      kernel.Principal(r.Validator),
			Success:        r.Success,
			Details:        r.Details,
			RecordedAt:     r.RecordedAt.UTC(),
		})
	}
	return out, nil
}

const validationColumns = `implementation, approval_count, vetoed, threshold_met, is_valid, created_at, vetoed_at, validated_at, updated_at`

func (s *PostgresStore) GetValidation(ctx context.Context, impl util.Uint160) (ImplementationValidation, bool, error) {
	var row validationRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+validationColumns+` FROM kernel_validations WHERE implementation = $1
	`, kernel.FormatAddress(impl))
	if errors.Is(err, sql.ErrNoRows) {
		return ImplementationValidation{}, false, nil
	}
	if err != nil {
		return ImplementationValidation{}, false, err
	}
	v, err := row.toDomain()
	return v, err == nil, err
}

func (s *PostgresStore) PutValidation(ctx context.Context, v ImplementationValidation) error {
	return putValidation(ctx, s.db, v)
}

func putValidation(ctx context.Context, db sqlx.ExecerContext, v ImplementationValidation) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO kernel_validations (`+validationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (implementation) DO UPDATE SET
			approval_count = EXCLUDED.approval_count,
			vetoed = EXCLUDED.vetoed,
			threshold_met = EXCLUDED.threshold_met,
			is_valid = EXCLUDED.is_valid,
			vetoed_at = EXCLUDED.vetoed_at,
			validated_at = EXCLUDED.validated_at,
			updated_at = EXCLUDED.updated_at
	`, kernel.FormatAddress(v.Implementation), v.ApprovalCount, v.Vetoed, v.ThresholdMet, v.IsValid,
		v.CreatedAt.UTC(), nullTime(v.VetoedAt), nullTime(v.ValidatedAt), v.UpdatedAt.UTC())
	return err
}

func (s *PostgresStore) ListValidations(ctx context.Context) ([]ImplementationValidation, error) {
	var rows []validationRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT `+validationColumns+` FROM kernel_validations ORDER BY implementation
	`); err != nil {
		return nil, err
	}
	out := make([]ImplementationValidation, 0, len(rows))
	for _, r := range rows {
		v, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *PostgresStore) HasApproved(ctx context.Context, impl util.Uint160, validator kernel.Principal) (bool, error) {
	var ok bool
	err := s.db.GetContext(ctx, &ok, `
		SELECT EXISTS (
			SELECT 1 FROM kernel_validation_approvals WHERE implementation = $1 AND validator = $2
		)
	`, kernel.FormatAddress(impl), validator)
	return ok, err
}

func (s *PostgresStore) RecordApproval(ctx context.Context, validator kernel.Principal, at time.Time, v ImplementationValidation) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO kernel_validation_approvals (implementation, validator, approved_at)
		VALUES ($1, $2, $3)
	`, kernel.FormatAddress(v.Implementation), validator, at.UTC()); err != nil {
		return err
	}
	if err := putValidation(ctx, tx, v); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) ThresholdPercent(ctx context.Context) (int, bool, error) {
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
	pct, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("decode %s: %w", thresholdSettingKey, err)
	}
	return pct, true, nil
}

func (s *PostgresStore) SetThresholdPercent(ctx context.Context, pct int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kernel_settings (component, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (component, key) DO UPDATE SET value = EXCLUDED.value
	`, componentName, thresholdSettingKey, strconv.Itoa(pct))
	return err
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

var _ Store = (*PostgresStore)(nil)
