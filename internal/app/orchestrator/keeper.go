package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/kernel_layer/internal/app/system"
	"github.com/R3E-Network/kernel_layer/internal/engine/state"
	"github.com/R3E-Network/kernel_layer/pkg/logger"
)

// DefaultKeeperSpec runs the keeper once a minute.
const DefaultKeeperSpec = "@every 1m"

// KeeperMetrics receives keeper observations.
type KeeperMetrics interface {
	RecordKeeperRun(duration time.Duration, executed, failed int)
	RecordPending(kind string, count int)
}

// Keeper executes due upgrades on a cron schedule.
type Keeper struct {
	orch    *Orchestrator
	spec    string
	metrics KeeperMetrics
	log     *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
	runs    int
}

var _ system.Service = (*Keeper)(nil)

// NewKeeper creates a keeper. An empty spec uses DefaultKeeperSpec.
func NewKeeper(orch *Orchestrator, spec string, m KeeperMetrics, log *logger.Logger) (*Keeper, error) {
	if log == nil {
		log = logger.NewDefault("upgrade-keeper")
	}
	if spec == "" {
		spec = DefaultKeeperSpec
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("parse keeper schedule %q: %w", spec, err)
	}
	return &Keeper{orch: orch, spec: spec, metrics: m, log: log}, nil
}

func (k *Keeper) Name() string { return "upgrade-keeper" }

func (k *Keeper) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(k.spec, func() { k.Run(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule keeper: %w", err)
	}
	c.Start()
	k.cron = c
	k.cancel = cancel
	k.running = true
	k.log.WithField("schedule", k.spec).Info("upgrade keeper started")
	return nil
}

func (k *Keeper) Stop(ctx context.Context) error {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return nil
	}
	c, cancel := k.cron, k.cancel
	k.running = false
	k.cron, k.cancel = nil, nil
	k.mu.Unlock()

	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	k.log.Info("upgrade keeper stopped")
	return nil
}

// Run performs one pass: execute everything due, then refresh the pending
// gauges.
func (k *Keeper) Run(ctx context.Context) Report {
	start := time.Now()
	report, err := k.orch.ExecuteDue(ctx)
	if err != nil {
		k.log.WithError(err).
			WithField("executed", len(report.Executed)).
			WithField("failed", len(report.Failed)).
			Warn("keeper run had failures")
	} else if len(report.Executed) > 0 {
		k.log.WithField("executed", len(report.Executed)).Info("keeper executed upgrades")
	}
	if k.metrics != nil {
		k.metrics.RecordKeeperRun(time.Since(start), len(report.Executed), len(report.Failed))
		k.recordPending(ctx)
	}
	k.mu.Lock()
	k.runs++
	k.mu.Unlock()
	return report
}

// Runs returns how many passes have completed.
func (k *Keeper) Runs() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.runs
}

func (k *Keeper) recordPending(ctx context.Context) {
	if scheduled, err := k.orch.Timelock.List(ctx, state.UpgradeScheduled); err == nil {
		k.metrics.RecordPending("scheduled_upgrades", len(scheduled))
	}
	if pending, err := k.orch.Proposals.List(ctx, state.ProposalPending); err == nil {
		k.metrics.RecordPending("pending_proposals", len(pending))
	}
}
