package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/kernel_layer/pkg/logger"
)

type keeperMetrics struct {
	mu       sync.Mutex
	executed int
	failed   int
	pending  map[string]int
}

func (m *keeperMetrics) RecordKeeperRun(_ time.Duration, executed, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executed += executed
	m.failed += failed
}

func (m *keeperMetrics) RecordPending(kind string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		m.pending = make(map[string]int)
	}
	m.pending[kind] = count
}

func TestKeeper_RunExecutesDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	p := f.approved(t, proxy, next)
	f.accept(t, next)
	_, err := f.orch.ScheduleApproved(ctx, manager, p.ID, module)
	require.NoError(t, err)

	m := &keeperMetrics{}
	k, err := NewKeeper(f.orch, "", m, logger.NewDiscard())
	require.NoError(t, err)

	report := k.Run(ctx)
	assert.Empty(t, report.Executed)
	assert.Equal(t, 1, m.pending["scheduled_upgrades"])

	f.Clock.Set(time.Unix(3600, 0))
	report = k.Run(ctx)
	assert.Len(t, report.Executed, 1)
	assert.Equal(t, 1, m.executed)
	assert.Equal(t, 0, m.pending["scheduled_upgrades"])
	assert.Equal(t, 0, m.pending["pending_proposals"])
	assert.Equal(t, 2, k.Runs())
}

func TestKeeper_RejectsBadSchedule(t *testing.T) {
	f := newFixture(t, nil)
	_, err := NewKeeper(f.orch, "every now and then", nil, logger.NewDiscard())
	assert.Error(t, err)
}

func TestKeeper_StartStop(t *testing.T) {
	f := newFixture(t, nil)
	k, err := NewKeeper(f.orch, "@every 1s", nil, logger.NewDiscard())
	require.NoError(t, err)
	assert.Equal(t, "upgrade-keeper", k.Name())

	require.NoError(t, k.Start(context.Background()))
	require.NoError(t, k.Start(context.Background()))
	assert.Eventually(t, func() bool { return k.Runs() > 0 }, 3*time.Second, 20*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, k.Stop(stopCtx))
	require.NoError(t, k.Stop(stopCtx))
}
