package kernel

import (
	"context"
	"time"

	"github.com/R3E-Network/kernel_layer/internal/engine/events"
)

// OperationRecorder observes completed operations.
type OperationRecorder interface {
	RecordOperation(component, operation string, d time.Duration, err error)
}

// Runtime bundles the collaborators every pipeline component shares: one
// authority, one executor, one ledger clock and one event sink.
type Runtime struct {
	Authority *Authority
	Executor  *Executor
	Clock     Clock
	Events    events.Sink
	Metrics   OperationRecorder
}

// NewRuntime builds a runtime around authority with fresh defaults.
func NewRuntime(authority *Authority) Runtime {
	return Runtime{Authority: authority}.WithDefaults()
}

// WithDefaults fills unset collaborators.
func (r Runtime) WithDefaults() Runtime {
	if r.Clock == nil {
		r.Clock = NewLedgerClock()
	}
	if r.Authority == nil {
		r.Authority = NewAuthority("", WithAuthorityClock(r.Clock))
	}
	if r.Executor == nil {
		r.Executor = NewExecutor()
	}
	if r.Events == nil {
		r.Events = events.NoOpSink{}
	}
	return r
}

// Op is the scope of one running operation. Events recorded on it are
// published only after the operation returns without error.
type Op struct {
	Ctx    context.Context
	Now    time.Time
	Caller Principal

	component string
	pending   []events.Event
}

// Record queues an event stamped with the operation time, component and caller.
func (o *Op) Record(b *events.EventBuilder) {
	o.pending = append(o.pending, b.Component(o.component).Actor(o.Caller.String()).At(o.Now).Build())
}

// Events returns the queued events.
func (o *Op) Events() []events.Event {
	return o.pending
}

// Run executes fn as one serialized operation. The clock is read once so
// every timestamp written by the operation is identical. Events are emitted
// before the permit is released.
func (r Runtime) Run(ctx context.Context, component, operation string, caller Principal, fn func(op *Op) error) ([]events.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	var op *Op
	err := r.Executor.Do(ctx, component+"."+operation, func(opCtx context.Context) error {
		op = &Op{Ctx: opCtx, Now: r.Clock.Now(), Caller: caller, component: component}
		if err := fn(op); err != nil {
			return err
		}
		for _, e := range op.pending {
			r.Events.Emit(ctx, e)
		}
		return nil
	})
	if r.Metrics != nil {
		r.Metrics.RecordOperation(component, operation, time.Since(start), err)
	}
	if err != nil {
		return nil, err
	}
	return op.pending, nil
}

// View runs a read-only fn against a consistent snapshot.
func (r Runtime) View(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.Executor.View(ctx, fn)
}
