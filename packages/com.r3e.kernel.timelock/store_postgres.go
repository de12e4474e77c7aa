package timelock

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

const delaySettingKey = "time_delay_seconds"

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a PostgreSQL-backed timelock store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: sqlx.NewDb(db, "postgres")}
}

const upgradeColumns = `id, proxy_module, new_implementation, scheduled_time, status, description, reference, created_at, executed_at, cancelled_at, emergency`

type upgradeRow struct {
	ID                uint64              `db:"id"`
	ProxyModule       string              `db:"proxy_module"`
	NewImplementation string              `db:"new_implementation"`
	ScheduledTime     time.Time           `db:"scheduled_time"`
	Status            state.UpgradeStatus `db:"status"`
	Description       string              `db:"description"`
	Reference         string              `db:"reference"`
	CreatedAt         time.Time           `db:"created_at"`
	ExecutedAt        sql.NullTime        `db:"executed_at"`
	CancelledAt       sql.NullTime        `db:"cancelled_at"`
	Emergency         bool                `db:"emergency"`
}

func (r upgradeRow) toDomain() (ScheduledUpgrade, error) {
	proxy, err := kernel.ParseAddress(r.ProxyModule)
	if err != nil {
		return ScheduledUpgrade{}, fmt.Errorf("decode proxy %q: %w", r.ProxyModule, err)
	}
	impl, err := kernel.ParseAddress(r.NewImplementation)
	if err != nil {
		return ScheduledUpgrade{}, fmt.Errorf("decode implementation %q: %w", r.NewImplementation, err)
	}
	return ScheduledUpgrade{
		ID:                r.ID,
		ProxyModule:       proxy,
		NewImplementation: impl,
		ScheduledTime:     r.ScheduledTime.UTC(),
		Status:            r.Status,
		Description:       r.Description,
		Reference:         r.Reference,
		CreatedAt:         r.CreatedAt.UTC(),
		ExecutedAt:        fromNullTime(r.ExecutedAt),
		CancelledAt:       fromNullTime(r.CancelledAt),
		Emergency:         r.Emergency,
	}, nil
}

func (s *PostgresStore) InsertUpgrade(ctx context.Context, u ScheduledUpgrade) (ScheduledUpgrade, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ScheduledUpgrade{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := tx.GetContext(ctx, &u.ID, `SELECT COALESCE(MAX(id) + 1, 0) FROM kernel_upgrades`); err != nil {
		return ScheduledUpgrade{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO kernel_upgrades (`+upgradeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, u.ID, kernel.FormatAddress(u.ProxyModule), kernel.FormatAddress(u.NewImplementation), u.ScheduledTime.UTC(),
		u.Status, u.Description, u.Reference, u.CreatedAt.UTC(),
		nullTime(u.ExecutedAt), nullTime(u.CancelledAt), u.Emergency); err != nil {
		return ScheduledUpgrade{}, err
	}
	if err := tx.Commit(); err != nil {
		return ScheduledUpgrade{}, err
	}
	return u, nil
}

func (s *PostgresStore) GetUpgrade(ctx context.Context, id uint64) (ScheduledUpgrade, bool, error) {
	var row upgradeRow
	err := s.db.GetContext(ctx, &row, `SELECT `+upgradeColumns+` FROM kernel_upgrades WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledUpgrade{}, false, nil
	}
	if err != nil {
		return ScheduledUpgrade{}, false, err
	}
	u, err := row.toDomain()
	return u, err == nil, err
}

func (s *PostgresStore) UpdateUpgrade(ctx context.Context, u ScheduledUpgrade) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE kernel_upgrades
		SET scheduled_time = $2, status = $3, executed_at = $4, cancelled_at = $5, emergency = $6
		WHERE id = $1
	`, u.ID, u.ScheduledTime.UTC(), u.Status, nullTime(u.ExecutedAt), nullTime(u.CancelledAt), u.Emergency)
	return err
}

func (s *PostgresStore) ListUpgrades(ctx context.Context, status state.UpgradeStatus) ([]ScheduledUpgrade, error) {
	if status == state.UpgradeUnknown {
		return s.selectUpgrades(ctx, `SELECT `+upgradeColumns+` FROM kernel_upgrades ORDER BY id`)
	}
	return s.selectUpgrades(ctx, `SELECT `+upgradeColumns+` FROM kernel_upgrades WHERE status = $1 ORDER BY id`, status)
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time) ([]ScheduledUpgrade, error) {
	return s.selectUpgrades(ctx, `
		SELECT `+upgradeColumns+` FROM kernel_upgrades
		WHERE status = $1 AND scheduled_time <= $2
		ORDER BY scheduled_time, id
	`, state.UpgradeScheduled, now.UTC())
}

func (s *PostgresStore) selectUpgrades(ctx context.Context, query string, args ...interface{}) ([]ScheduledUpgrade, error) {
	var rows []upgradeRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]ScheduledUpgrade, 0, len(rows))
	for _, r := range rows {
		u, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *PostgresStore) UpgradeByReference(ctx context.Context, reference string) (ScheduledUpgrade, bool, error) {
	var row upgradeRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+upgradeColumns+` FROM kernel_upgrades
		WHERE reference = $1 AND status <> $2
		ORDER BY id DESC LIMIT 1
	`, reference, state.UpgradeCancelled)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledUpgrade{}, false, nil
	}
	if err != nil {
		return ScheduledUpgrade{}, false, err
	}
	u, err := row.toDomain()
	return u, err == nil, err
}

func (s *PostgresStore) CountUpgrades(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM kernel_upgrades`)
	return n, err
}

func (s *PostgresStore) TimeDelay(ctx context.Context) (time.Duration, bool, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw, `
		SELECT value FROM kernel_settings WHERE component = $1 AND key = $2
	`, componentName, delaySettingKey)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("decode %s: %w", delaySettingKey, err)
	}
	return time.Duration(secs) * time.Second, true, nil
}

func (s *PostgresStore) SetTimeDelay(ctx context.Context, d time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kernel_settings (component, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (component, key) DO UPDATE SET value = EXCLUDED.value
	`, componentName, delaySettingKey, strconv.FormatInt(int64(d/time.Second), 10))
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
