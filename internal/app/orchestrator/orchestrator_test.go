package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/kernel_layer/internal/engine/events"
	"github.com/R3E-Network/kernel_layer/internal/engine/state"
	"github.com/R3E-Network/kernel_layer/internal/kernel"
	"github.com/R3E-Network/kernel_layer/packages/com.r3e.kernel.dependencies"
	"github.com/R3E-Network/kernel_layer/packages/com.r3e.kernel.proposals"
	"github.com/R3E-Network/kernel_layer/packages/com.r3e.kernel.timelock"
	"github.com/R3E-Network/kernel_layer/packages/com.r3e.kernel.validation"
	"github.com/R3E-Network/kernel_layer/pkg/logger"
	"github.com/R3E-Network/kernel_layer/pkg/testutil"
	core "github.com/R3E-Network/kernel_layer/system/framework/core"
)

const (
	admin   = testutil.Admin
	manager = testutil.UpgradeManager
	module  = kernel.ModuleCode("TRSRY")
)

var (
	proxy   = testutil.Addr(1)
	current = testutil.Addr(2)
	next    = testutil.Addr(3)
)

type fixture struct {
	*testutil.Harness
	orch     *Orchestrator
	registry *kernel.MemoryRegistry
}

func newFixture(t *testing.T, applier kernel.Applier) *fixture {
	t.Helper()
	ctx := context.Background()
	h := testutil.NewHarness()
	log := logger.NewDiscard()

	registry := kernel.NewMemoryRegistry(h.Clock)
	require.NoError(t, registry.Register(module, proxy, current, "1.2.0"))
	require.NoError(t, registry.Register("MINTR", testutil.Addr(7), testutil.Addr(8), ""))
	if applier == nil {
		applier = registry
	}

	c := Components{
		Dependencies: dependencies.New(dependencies.NewMemoryStore(), h.Runtime, log),
		Validation:   validation.New(validation.NewMemoryStore(), h.Runtime, log),
		Proposals:    proposals.New(proposals.NewMemoryStore(), h.Runtime, log),
		Timelock:     timelock.New(timelock.NewMemoryStore(), h.Runtime, log, timelock.WithDefaultDelay(time.Hour)),
	}
	_, err := c.Proposals.AddApprover(ctx, admin, "p1")
	require.NoError(t, err)
	_, err = c.Validation.AddValidator(ctx, admin, "v1", validation.ValidatorSecurity)
	require.NoError(t, err)
	_, err = c.Dependencies.RegisterDependency(ctx, admin, module, "MINTR")
	require.NoError(t, err)

	return &fixture{
		Harness:  h,
		orch:     New(c, h.Runtime, registry, applier, log),
		registry: registry,
	}
}

// approved proposes and approves a swap of proxy to impl.
func (f *fixture) approved(t *testing.T, proxyAddr, impl util.Uint160) proposals.Proposal {
	t.Helper()
	ctx := context.Background()
	p, err := f.orch.Proposals.Propose(ctx, "p1", proxyAddr, impl, "treasury v2")
	require.NoError(t, err)
	p, err = f.orch.Proposals.Approve(ctx, "p1", p.ID)
	require.NoError(t, err)
	require.Equal(t, state.ProposalApproved, p.Status)
	return p
}

func (f *fixture) accept(t *testing.T, impl util.Uint160) {
	t.Helper()
	_, err := f.orch.Validation.ApproveImplementation(context.Background(), "v1", impl)
	require.NoError(t, err)
}

func TestScheduleApprovedThenExecuteDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	p := f.approved(t, proxy, next)
	f.accept(t, next)

	u, err := f.orch.ScheduleApproved(ctx, manager, p.ID, module)
	require.NoError(t, err)
	assert.Equal(t, "proposal:0", u.Reference)
	assert.Equal(t, "TRSRY: treasury v2", u.Description)
	assert.Equal(t, int64(3600), u.ScheduledTime.Unix())

	report, err := f.orch.ExecuteDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Executed)

	f.Clock.Set(time.Unix(3600, 0))
	report, err = f.orch.ExecuteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{u.ID}, report.Executed)
	assert.Empty(t, report.Failed)

	got, err := f.orch.Proposals.Proposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, state.ProposalExecuted, got.Status)

	rec, err := f.registry.Module(module)
	require.NoError(t, err)
	assert.Equal(t, next, rec.Implementation)
	assert.Equal(t, "1.2.1", rec.Version)

	applied := f.Events.RecentByType(events.EventImplementationApplied, 1)
	require.Len(t, applied, 1)
	assert.Equal(t, kernel.FormatAddress(proxy), applied[0].EntityID)
	assert.Equal(t, string(manager), applied[0].Actor)
}

func TestScheduleApproved_Gates(t *testing.T) {
	ctx := context.Background()

	t.Run("proposal pending", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.orch.Proposals.AddApprover(ctx, admin, "p2")
		require.NoError(t, err)
		require.NoError(t, f.orch.Proposals.SetThreshold(ctx, admin, 2))
		p, err := f.orch.Proposals.Propose(ctx, "p1", proxy, next, "")
		require.NoError(t, err)
		f.accept(t, next)

		_, err = f.orch.ScheduleApproved(ctx, manager, p.ID, module)
		assert.True(t, core.HasCode(err, core.CodeNotApproved))
	})

	t.Run("implementation not accepted", func(t *testing.T) {
		f := newFixture(t, nil)
		p := f.approved(t, proxy, next)

		_, err := f.orch.ScheduleApproved(ctx, manager, p.ID, module)
		assert.True(t, core.HasCode(err, core.CodeNotAccepted))
	})

	t.Run("proxy mismatch", func(t *testing.T) {
		f := newFixture(t, nil)
		p := f.approved(t, testutil.Addr(7), next)
		f.accept(t, next)

		_, err := f.orch.ScheduleApproved(ctx, manager, p.ID, module)
		assert.True(t, core.HasCode(err, core.CodeProxyMismatch))
	})

	t.Run("invalid dependency", func(t *testing.T) {
		f := newFixture(t, nil)
		p := f.approved(t, proxy, next)
		f.accept(t, next)
		_, err := f.orch.Dependencies.ValidateDependency(ctx, admin, module, "MINTR", false)
		require.NoError(t, err)

		_, err = f.orch.ScheduleApproved(ctx, manager, p.ID, module)
		assert.True(t, core.HasCode(err, core.CodeDependencyInvalid))
		assert.Contains(t, err.Error(), "TRSRY->MINTR")
	})

	t.Run("already scheduled", func(t *testing.T) {
		f := newFixture(t, nil)
		p := f.approved(t, proxy, next)
		f.accept(t, next)
		_, err := f.orch.ScheduleApproved(ctx, manager, p.ID, module)
		require.NoError(t, err)

		_, err = f.orch.ScheduleApproved(ctx, manager, p.ID, module)
		assert.True(t, core.HasCode(err, core.CodeAlreadyExists))
	})

	t.Run("caller without role", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.orch.ScheduleApproved(ctx, testutil.Outsider, 0, module)
		assert.True(t, core.IsForbidden(err))
	})

	t.Run("unknown proposal", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.orch.ScheduleApproved(ctx, admin, 42, "")
		assert.True(t, core.IsNotFound(err))
	})
}

func TestScheduleApproved_WithoutModuleSkipsRegistryChecks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	p := f.approved(t, testutil.Addr(7), next)
	f.accept(t, next)

	u, err := f.orch.ScheduleApproved(ctx, admin, p.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "treasury v2", u.Description)
}

func TestEmergencyExecute(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	p := f.approved(t, proxy, next)
	f.accept(t, next)
	u, err := f.orch.ScheduleApproved(ctx, manager, p.ID, module)
	require.NoError(t, err)

	_, err = f.orch.EmergencyExecute(ctx, admin, u.ID)
	assert.True(t, core.IsForbidden(err))

	u, err = f.orch.EmergencyExecute(ctx, testutil.EmergencyAdmin, u.ID)
	require.NoError(t, err)
	assert.True(t, u.Emergency)

	rec, err := f.registry.Module(module)
	require.NoError(t, err)
	assert.Equal(t, next, rec.Implementation)

	got, err := f.orch.Proposals.Proposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, state.ProposalExecuted, got.Status)
}

func TestExecute_TimelockStillApplies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	p := f.approved(t, proxy, next)
	f.accept(t, next)
	u, err := f.orch.ScheduleApproved(ctx, manager, p.ID, module)
	require.NoError(t, err)

	_, err = f.orch.Execute(ctx, admin, u.ID)
	assert.True(t, core.HasCode(err, core.CodeTimeDelayNotMet))
	_, err = f.orch.Execute(ctx, testutil.Outsider, u.ID)
	assert.True(t, core.IsForbidden(err))
}

func TestExecute_AppliesOnlyAfterTransition(t *testing.T) {
	ctx := context.Background()
	applier := &testutil.RecordingApplier{}
	f := newFixture(t, applier)
	p := f.approved(t, proxy, next)
	f.accept(t, next)
	u, err := f.orch.ScheduleApproved(ctx, manager, p.ID, module)
	require.NoError(t, err)

	_, err = f.orch.Execute(ctx, admin, u.ID)
	require.Error(t, err)
	_, err = f.orch.EmergencyExecute(ctx, admin, u.ID)
	require.Error(t, err)
	assert.Empty(t, applier.Calls())

	_, err = f.orch.EmergencyExecute(ctx, testutil.EmergencyAdmin, u.ID)
	require.NoError(t, err)
	got, err := f.orch.Timelock.Upgrade(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, state.UpgradeExecuted, got.Status)
	assert.Equal(t, []testutil.AppliedSwap{{Proxy: proxy, Implementation: next}}, applier.Calls())

	_, err = f.orch.EmergencyExecute(ctx, testutil.EmergencyAdmin, u.ID)
	require.Error(t, err)
	assert.Len(t, applier.Calls(), 1)
}

func TestExecuteDue_ApplyFailureReported(t *testing.T) {
	ctx := context.Background()
	applier := &testutil.RecordingApplier{Err: errors.New("proxy offline")}
	f := newFixture(t, applier)
	p := f.approved(t, proxy, next)
	f.accept(t, next)
	u, err := f.orch.ScheduleApproved(ctx, manager, p.ID, module)
	require.NoError(t, err)

	f.Clock.Set(time.Unix(7200, 0))
	report, err := f.orch.ExecuteDue(ctx)
	require.Error(t, err)
	assert.Contains(t, report.Failed[u.ID], "proxy offline")
	assert.Len(t, applier.Calls(), 1)

	failed := f.Events.RecentByType(events.EventImplementationApplyErr, 1)
	require.Len(t, failed, 1)
	assert.Equal(t, events.SeverityError, failed[0].Severity)
}

// barrierLookup holds every ProxyOf caller until parties callers arrived, so
// concurrent schedules all pass the early duplicate check together.
type barrierLookup struct {
	kernel.ProxyLookup
	arrived sync.WaitGroup
}

func (b *barrierLookup) ProxyOf(ctx context.Context, code kernel.ModuleCode) (util.Uint160, error) {
	b.arrived.Done()
	b.arrived.Wait()
	return b.ProxyLookup.ProxyOf(ctx, code)
}

func TestScheduleApproved_ConcurrentCallsScheduleOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	p := f.approved(t, proxy, next)
	f.accept(t, next)

	const callers = 2
	lookup := &barrierLookup{ProxyLookup: f.registry}
	lookup.arrived.Add(callers)
	f.orch.registry = lookup

	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.orch.ScheduleApproved(ctx, manager, p.ID, module)
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case core.HasCode(err, core.CodeAlreadyExists):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, dup)

	scheduled, err := f.orch.Timelock.List(ctx, state.UpgradeScheduled)
	require.NoError(t, err)
	assert.Len(t, scheduled, 1)
}
