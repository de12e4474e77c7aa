package timelock

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/kernel_layer/internal/engine/state"
	"github.com/R3E-Network/kernel_layer/internal/kernel"
	"github.com/R3E-Network/kernel_layer/pkg/testutil"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func upgradeRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "proxy_module", "new_implementation", "scheduled_time", "status", "description",
		"reference", "created_at", "executed_at", "cancelled_at", "emergency",
	})
}

func TestPostgresStore_InsertUpgrade(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Unix(0, 0).UTC()
	at := time.Unix(3600, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(id) + 1, 0) FROM kernel_upgrades")).
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO kernel_upgrades")).
		WithArgs(0, kernel.FormatAddress(testutil.Addr(1)), kernel.FormatAddress(testutil.Addr(2)), at,
			"scheduled", "bump", "proposal:0", created, nil, nil, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	u, err := store.InsertUpgrade(context.Background(), ScheduledUpgrade{
		ProxyModule:       testutil.Addr(1),
		NewImplementation: testutil.Addr(2),
		ScheduledTime:     at,
		Status:            state.UpgradeScheduled,
		Description:       "bump",
		Reference:         "proposal:0",
		CreatedAt:         created,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), u.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListDue(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Unix(4000, 0).UTC()
	at := time.Unix(3600, 0).UTC()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = $1 AND scheduled_time <= $2")).
		WithArgs("scheduled", now).
		WillReturnRows(upgradeRows().AddRow(1, kernel.FormatAddress(testutil.Addr(1)), kernel.FormatAddress(testutil.Addr(2)),
			at, "scheduled", "bump", "", time.Unix(0, 0), nil, nil, false))

	due, err := store.ListDue(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, uint64(1), due[0].ID)
	assert.Equal(t, state.UpgradeScheduled, due[0].Status)
	assert.Equal(t, at, due[0].ScheduledTime)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateUpgrade(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Unix(3600, 0).UTC()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE kernel_upgrades")).
		WithArgs(2, at, "cancelled", nil, at, false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpdateUpgrade(context.Background(), ScheduledUpgrade{
		ID: 2, ScheduledTime: at, Status: state.UpgradeCancelled, CancelledAt: at,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TimeDelayRoundTrip(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO kernel_settings")).
		WithArgs(componentName, delaySettingKey, "7200").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.SetTimeDelay(context.Background(), 2*time.Hour))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM kernel_settings")).
		WithArgs(componentName, delaySettingKey).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("7200"))
	d, ok, err := store.TimeDelay(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Hour, d)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpgradeByReference(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Unix(0, 0).UTC()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE reference = $1 AND status <> $2")).
		WithArgs("proposal:2", "cancelled").
		WillReturnRows(upgradeRows().AddRow(5, kernel.FormatAddress(testutil.Addr(1)), kernel.FormatAddress(testutil.Addr(2)),
			created, "executed", "bump", "proposal:2", created, created, nil, false))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE reference = $1 AND status <> $2")).
		WithArgs("proposal:3", "cancelled").
		WillReturnRows(upgradeRows())

	u, found, err := store.UpgradeByReference(context.Background(), "proposal:2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(5), u.ID)
	assert.Equal(t, state.UpgradeExecuted, u.Status)

	_, found, err = store.UpgradeByReference(context.Background(), "proposal:3")
	require.NoError(t, err)
	assert.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}
