package validation

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func TestPostgresStore_InsertRuleReturnsID(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Unix(10, 0).UTC()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO kernel_rules")).
		WithArgs("Audit", "audit", "", true, true, ts, ts).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	rule, err := store.InsertRule(context.Background(), Rule{Name: "Audit", IsActive: true, IsCritical: true, CreatedAt: ts, UpdatedAt: ts})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), rule.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordApprovalIsTransactional(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Unix(20, 0).UTC()
	impl := testutil.Addr(3)
	rec := ImplementationValidation{Implementation: impl, ApprovalCount: 1, CreatedAt: ts, UpdatedAt: ts}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO kernel_validation_approvals")).
		WithArgs(kernel.FormatAddress(impl), "v1", ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO kernel_validations")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.RecordApproval(context.Background(), "v1", ts, rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordApprovalRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Unix(20, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO kernel_validation_approvals")).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := store.RecordApproval(context.Background(), "v1", ts, ImplementationValidation{Implementation: testutil.Addr(3)})
	assert.ErrorIs(t, err, assert.AnError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordVetoRollsBackResult(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Unix(30, 0).UTC()
	impl := testutil.Addr(4)
	result := RuleResult{Implementation: impl, RuleID: 2, Validator: "v1", Details: "bad", RecordedAt: ts}
	rec := ImplementationValidation{Implementation: impl, Vetoed: true, VetoedAt: ts, CreatedAt: ts, UpdatedAt: ts}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO kernel_rule_results")).
		WithArgs(kernel.FormatAddress(impl), uint64(2), "v1", false, "bad", ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO kernel_validations")).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := store.RecordVeto(context.Background(), result, rec)
	assert.ErrorIs(t, err, assert.AnError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordVetoCommits(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Unix(30, 0).UTC()
	impl := testutil.Addr(4)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO kernel_rule_results")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO kernel_validations")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.RecordVeto(context.Background(),
		RuleResult{Implementation: impl, RuleID: 2, Validator: "v1", RecordedAt: ts},
		ImplementationValidation{Implementation: impl, Vetoed: true, CreatedAt: ts, UpdatedAt: ts})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetValidation(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Unix(30, 0).UTC()
	impl := testutil.Addr(4)

	mock.ExpectQuery(regexp.QuoteMeta("FROM kernel_validations")).
		WithArgs(kernel.FormatAddress(impl)).
		WillReturnRows(sqlmock.NewRows([]string{"implementation", "approval_count", "vetoed", "threshold_met", "is_valid", "created_at", "vetoed_at", "validated_at", "updated_at"}).
			AddRow(kernel.FormatAddress(impl), 3, false, true, true, ts, nil, ts, ts))

	v, ok, err := store.GetValidation(context.Background(), impl)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, v.Implementation.Equals(impl))
	assert.True(t, v.Accepted())
	assert.True(t, v.VetoedAt.IsZero())
	assert.Equal(t, ts, v.ValidatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ThresholdSetting(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM kernel_settings")).
		WithArgs("validation", "threshold_percent").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO kernel_settings")).
		WithArgs("validation", "threshold_percent", "75").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM kernel_settings")).
		WithArgs("validation", "threshold_percent").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("75"))

	_, ok, err := store.ThresholdPercent(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetThresholdPercent(ctx, 75))

	pct, ok, err := store.ThresholdPercent(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 75, pct)
	require.NoError(t, mock.ExpectationsWereMet())
}
