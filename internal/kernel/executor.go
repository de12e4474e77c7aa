package kernel

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/R3E-Network/kernel_layer/pkg/logger"
	core "github.com/R3E-Network/kernel_layer/system/framework/core"
)

// WaitRecorder observes how long operations wait for the writer permit.
type WaitRecorder interface {
	RecordExecutorWait(d time.Duration)
}

// Executor serializes every pipeline operation behind a single permit so
// that one operation fully completes before the next begins. The running
// operation is recorded on the context it receives; a nested Do on that
// context fails with Reentrant instead of deadlocking.
type Executor struct {
	permits chan struct{}
	log     *logger.Logger
	waits   WaitRecorder

	totalRun       int64
	totalReentrant int64
	totalAbandoned int64
}

// ExecutorStats holds executor counters.
type ExecutorStats struct {
	Run       int64 `json:"run"`
	Reentrant int64 `json:"reentrant"`
	Abandoned int64 `json:"abandoned"`
}

type runningKey struct{}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithWaitRecorder reports permit wait times to r.
func WithWaitRecorder(r WaitRecorder) ExecutorOption {
	return func(e *Executor) { e.waits = r }
}

// WithExecutorLogger sets the executor logger.
func WithExecutorLogger(log *logger.Logger) ExecutorOption {
	return func(e *Executor) { e.log = log }
}

// NewExecutor creates an executor with one permit.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		permits: make(chan struct{}, 1),
	}
	e.permits <- struct{}{}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logger.NewDefault("executor")
	}
	return e
}

// Do runs fn as one atomic operation named name.
func (e *Executor) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if running, ok := Running(ctx); ok {
		atomic.AddInt64(&e.totalReentrant, 1)
		e.log.WithField("operation", name).WithField("running", running).Warn("re-entrant operation rejected")
		return core.Conflict("kernel", "operation", name, core.CodeReentrant, running)
	}
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	atomic.AddInt64(&e.totalRun, 1)
	return fn(context.WithValue(ctx, runningKey{}, name))
}

// View runs a read-only fn. Inside a running operation it runs inline;
// otherwise it takes the permit so it never observes a half-applied write.
func (e *Executor) View(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := Running(ctx); ok {
		return fn(ctx)
	}
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()
	return fn(context.WithValue(ctx, runningKey{}, "view"))
}

// Running returns the name of the operation ctx belongs to, if any.
func Running(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	name, ok := ctx.Value(runningKey{}).(string)
	return name, ok
}

// Stats returns executor counters.
func (e *Executor) Stats() ExecutorStats {
	return ExecutorStats{
		Run:       atomic.LoadInt64(&e.totalRun),
		Reentrant: atomic.LoadInt64(&e.totalReentrant),
		Abandoned: atomic.LoadInt64(&e.totalAbandoned),
	}
}

func (e *Executor) acquire(ctx context.Context) error {
	start := time.Now()
	select {
	case <-e.permits:
	case <-ctx.Done():
		atomic.AddInt64(&e.totalAbandoned, 1)
		return ctx.Err()
	}
	if e.waits != nil {
		e.waits.RecordExecutorWait(time.Since(start))
	}
	return nil
}

func (e *Executor) release() {
	e.permits <- struct{}{}
}
