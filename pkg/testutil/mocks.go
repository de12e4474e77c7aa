// Package testutil provides common testing utilities and mock implementations
// for the pipeline components.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/kernel_layer/internal/engine/events"
	"github.com/R3E-Network/kernel_layer/internal/kernel"
	"github.com/R3E-Network/kernel_layer/pkg/logger"
)

// Well-known principals used across tests.
const (
	Admin          kernel.Principal = "admin"
	EmergencyAdmin kernel.Principal = "guardian"
	UpgradeManager kernel.Principal = "orchestrator"
	Outsider       kernel.Principal = "mallory"
)

// Harness is a runtime wired for deterministic tests: a manual clock starting
// at the Unix epoch and a ring buffer capturing every published event.
type Harness struct {
	Runtime kernel.Runtime
	Clock   *kernel.ManualClock
	Events  *events.RingBuffer
}

// NewHarness creates a harness whose authority gives Admin, EmergencyAdmin
// and UpgradeManager distinct principals.
func NewHarness() *Harness {
	clock := kernel.NewManualClock(time.Unix(0, 0))
	ring := events.NewRingBuffer(1024)
	auth := kernel.NewAuthority(Admin,
		kernel.WithHolder(kernel.RoleEmergencyAdmin, EmergencyAdmin),
		kernel.WithHolder(kernel.RoleUpgradeManager, UpgradeManager),
		kernel.WithAuthoritySink(ring),
		kernel.WithAuthorityClock(clock),
	)
	return &Harness{
		Runtime: kernel.Runtime{
			Authority: auth,
			Executor:  kernel.NewExecutor(kernel.WithExecutorLogger(logger.NewDiscard())),
			Clock:     clock,
			Events:    ring,
		},
		Clock:  clock,
		Events: ring,
	}
}

// EventTypes lists the types of captured events, oldest first.
func (h *Harness) EventTypes() []events.EventType {
	recent := h.Events.Recent(h.Events.Count())
	out := make([]events.EventType, len(recent))
	for i := range recent {
		out[len(recent)-1-i] = recent[i].Type
	}
	return out
}

// Addr builds a deterministic non-zero script hash.
func Addr(n byte) util.Uint160 {
	return util.Uint160{n, 0xAB}
}

// AppliedSwap is one recorded ApplyImplementation call.
type AppliedSwap struct {
	Proxy          util.Uint160
	Implementation util.Uint160
}

// RecordingApplier records implementation swaps, optionally failing.
type RecordingApplier struct {
	mu    sync.Mutex
	calls []AppliedSwap
	Err   error
}

// ApplyImplementation implements kernel.Applier.
func (a *RecordingApplier) ApplyImplementation(_ context.Context, proxy, implementation util.Uint160) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, AppliedSwap{Proxy: proxy, Implementation: implementation})
	return a.Err
}

// Calls returns the recorded swaps.
func (a *RecordingApplier) Calls() []AppliedSwap {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AppliedSwap(nil), a.calls...)
}

var _ kernel.Applier = (*RecordingApplier)(nil)
