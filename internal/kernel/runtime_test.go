package kernel

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/kernel_layer/internal/engine/events"
	"github.com/R3E-Network/kernel_layer/pkg/logger"
)

type opRecorder struct {
	calls []string
	errs  []error
}

func (r *opRecorder) RecordOperation(component, operation string, _ time.Duration, err error) {
	r.calls = append(r.calls, component+"."+operation)
	r.errs = append(r.errs, err)
}

func TestRuntime_RunPublishesAfterSuccess(t *testing.T) {
	sink := &recordingSink{}
	rec := &opRecorder{}
	clock := NewManualClock(time.Unix(100, 0))
	rt := Runtime{
		Authority: NewAuthority("admin"),
		Executor:  NewExecutor(WithExecutorLogger(logger.NewDiscard())),
		Clock:     clock,
		Events:    sink,
		Metrics:   rec,
	}

	published, err := rt.Run(context.Background(), "proposals", "approve", "p1", func(op *Op) error {
		assert.Equal(t, int64(100), op.Now.Unix())
		op.Record(events.NewEvent(events.EventProposalVote).Entity("0"))
		op.Record(events.NewEvent(events.EventProposalApproved).Entity("0").Transition("pending", "approved"))
		assert.Empty(t, sink.all(), "events must not be visible before the operation completes")
		return nil
	})
	require.NoError(t, err)
	require.Len(t, published, 2)

	got := sink.all()
	require.Len(t, got, 2)
	assert.Equal(t, "proposals", got[1].Component)
	assert.Equal(t, "p1", got[1].Actor)
	assert.Equal(t, int64(100), got[1].Timestamp.Unix())
	assert.Equal(t, []string{"proposals.approve"}, rec.calls)
}

func TestRuntime_RunDiscardsEventsOnFailure(t *testing.T) {
	sink := &recordingSink{}
	rt := Runtime{Events: sink, Executor: NewExecutor(WithExecutorLogger(logger.NewDiscard()))}.WithDefaults()

	boom := errors.New("boom")
	published, err := rt.Run(context.Background(), "timelock", "execute", "x", func(op *Op) error {
		op.Record(events.NewEvent(events.EventUpgradeExecuted))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, published)
	assert.Empty(t, sink.all())
}

// permitSink reports whether the executor permit was free while it emitted.
type permitSink struct {
	exec    *Executor
	mu      sync.Mutex
	permits []bool
}

func (s *permitSink) Emit(_ context.Context, _ events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	free := s.exec.View(ctx, func(context.Context) error { return nil }) == nil
	s.mu.Lock()
	s.permits = append(s.permits, free)
	s.mu.Unlock()
}

func TestRuntime_RunEmitsUnderPermit(t *testing.T) {
	exec := NewExecutor(WithExecutorLogger(logger.NewDiscard()))
	sink := &permitSink{exec: exec}
	rt := Runtime{Executor: exec, Events: sink}.WithDefaults()

	_, err := rt.Run(context.Background(), "timelock", "schedule", "m", func(op *Op) error {
		op.Record(events.NewEvent(events.EventUpgradeScheduled))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, sink.permits)
	assert.NoError(t, exec.View(context.Background(), func(context.Context) error { return nil }))
}

func TestRuntime_ConcurrentRunsEmitInExecutionOrder(t *testing.T) {
	sink := &recordingSink{}
	rt := Runtime{Events: sink, Executor: NewExecutor(WithExecutorLogger(logger.NewDiscard()))}.WithDefaults()

	const ops = 50
	var ran []string
	var wg sync.WaitGroup
	for i := 0; i < ops; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := rt.Run(context.Background(), "proposals", "propose", "p1", func(op *Op) error {
				id := strconv.Itoa(i)
				ran = append(ran, id)
				op.Record(events.NewEvent(events.EventProposalCreated).Entity(id))
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got := sink.all()
	require.Len(t, got, ops)
	for i, e := range got {
		assert.Equal(t, ran[i], e.EntityID)
	}
}

func TestRuntime_WithDefaults(t *testing.T) {
	rt := Runtime{}.WithDefaults()
	assert.NotNil(t, rt.Authority)
	assert.NotNil(t, rt.Executor)
	assert.NotNil(t, rt.Clock)
	assert.NotNil(t, rt.Events)
	assert.Error(t, rt.Authority.Require("x", "y", "anyone", RoleAdmin))
}
