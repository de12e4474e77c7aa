// Package orchestrator drives an approved upgrade through the pipeline: it
// checks both consensus outcomes and the dependency graph, schedules the swap
// on the timelock, and applies it once the timelock releases it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/kernel_layer/internal/engine/events"
	"github.com/R3E-Network/kernel_layer/internal/engine/state"
	"github.com/R3E-Network/kernel_layer/internal/kernel"
	"github.com/R3E-Network/kernel_layer/packages/com.r3e.kernel.dependencies"
	"github.com/R3E-Network/kernel_layer/packages/com.r3e.kernel.proposals"
	"github.com/R3E-Network/kernel_layer/packages/com.r3e.kernel.timelock"
	"github.com/R3E-Network/kernel_layer/packages/com.r3e.kernel.validation"
	"github.com/R3E-Network/kernel_layer/pkg/logger"
	core "github.com/R3E-Network/kernel_layer/system/framework/core"
)

const (
	componentName   = "orchestrator"
	referencePrefix = "proposal:"
)

// Components are the four pipeline services the orchestrator coordinates.
type Components struct {
	Dependencies *dependencies.Service
	Validation   *validation.Service
	Proposals    *proposals.Service
	Timelock     *timelock.Service
}

// Orchestrator is the operator of the upgrade pipeline.
type Orchestrator struct {
	Components

	rt       kernel.Runtime
	registry kernel.ProxyLookup
	applier  kernel.Applier
	log      *logger.Logger
}

// New creates an orchestrator. registry may be nil, in which case the proxy
// check is skipped; applier may be nil, in which case executed upgrades are
// only recorded.
func New(c Components, rt kernel.Runtime, registry kernel.ProxyLookup, applier kernel.Applier, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.NewDefault(componentName)
	}
	return &Orchestrator{
		Components: c,
		rt:         rt.WithDefaults(),
		registry:   registry,
		applier:    applier,
		log:        log,
	}
}

// Clock returns the ledger clock the pipeline runs on.
func (o *Orchestrator) Clock() kernel.Clock { return o.rt.Clock }

// ScheduleApproved queues the implementation of an Approved proposal on the
// timelock. The implementation must be accepted by validation consensus and,
// when module is given, the proposal's proxy must front module and every
// dependency of module must be valid.
func (o *Orchestrator) ScheduleApproved(ctx context.Context, caller kernel.Principal, proposalID uint64, module kernel.ModuleCode) (timelock.ScheduledUpgrade, error) {
	if err := o.rt.Authority.Require(componentName, "scheduleApproved", caller, kernel.RoleAdmin, kernel.RoleUpgradeManager); err != nil {
		return timelock.ScheduledUpgrade{}, err
	}
	p, err := o.Proposals.Proposal(ctx, proposalID)
	if err != nil {
		return timelock.ScheduledUpgrade{}, err
	}
	switch p.Status {
	case state.ProposalApproved:
	case state.ProposalPending:
		return timelock.ScheduledUpgrade{}, core.Conflict(componentName, "proposal", p.Key(), core.CodeNotApproved, p.Status.String())
	case state.ProposalRejected:
		return timelock.ScheduledUpgrade{}, core.Conflict(componentName, "proposal", p.Key(), core.CodeAlreadyRejected, p.Status.String())
	default:
		return timelock.ScheduledUpgrade{}, core.Conflict(componentName, "proposal", p.Key(), core.CodeAlreadyExecuted, p.Status.String())
	}

	existing, err := o.upgradeFor(ctx, proposalID)
	if err != nil {
		return timelock.ScheduledUpgrade{}, err
	}
	if existing != nil {
		return timelock.ScheduledUpgrade{}, core.Conflict(componentName, "proposal", p.Key(), core.CodeAlreadyExists,
			"upgrade "+existing.Key()+" is "+existing.Status.String())
	}

	v, err := o.Validation.Validation(ctx, p.NewImplementation)
	if err != nil {
		return timelock.ScheduledUpgrade{}, err
	}
	if !v.Accepted() {
		reason := "approval threshold not met"
		if v.Vetoed {
			reason = "vetoed by a critical rule"
		}
		return timelock.ScheduledUpgrade{}, core.Conflict(componentName, "implementation",
			kernel.FormatAddress(p.NewImplementation), core.CodeNotAccepted, reason)
	}

	if module != "" {
		if err := module.Validate(); err != nil {
			return timelock.ScheduledUpgrade{}, err
		}
		if err := o.checkModule(ctx, module, p.ProxyModule); err != nil {
			return timelock.ScheduledUpgrade{}, err
		}
	}

	description := p.Description
	if module != "" {
		description = strings.TrimSpace(module.String() + ": " + description)
	}
	return o.Timelock.Schedule(ctx, o.manager(), p.ProxyModule, p.NewImplementation, description, referenceFor(proposalID))
}

func (o *Orchestrator) checkModule(ctx context.Context, module kernel.ModuleCode, proxy util.Uint160) error {
	if o.registry != nil {
		registered, err := o.registry.ProxyOf(ctx, module)
		if err != nil {
			return err
		}
		if !registered.Equals(proxy) {
			return core.Conflict(componentName, "module", module.String(), core.CodeProxyMismatch,
				"proposal targets "+kernel.FormatAddress(proxy)+", module is behind "+kernel.FormatAddress(registered))
		}
	}
	invalid, err := o.Dependencies.InvalidDependencies(ctx, module)
	if err != nil {
		return err
	}
	if len(invalid) > 0 {
		keys := make([]string, len(invalid))
		for i, e := range invalid {
			keys[i] = e.Key()
		}
		return core.Conflict(componentName, "module", module.String(), core.CodeDependencyInvalid,
			"invalid edges: "+strings.Join(keys, ", "))
	}
	return nil
}

// Report summarizes one ExecuteDue pass.
type Report struct {
	Executed []uint64          `json:"executed"`
	Failed   map[uint64]string `json:"failed,omitempty"`
}

// ExecuteDue executes every upgrade whose time has come. Failures of one
// upgrade do not stop the others; they are joined into the returned error.
func (o *Orchestrator) ExecuteDue(ctx context.Context) (Report, error) {
	report := Report{Failed: make(map[uint64]string)}
	due, err := o.Timelock.ListDue(ctx, o.rt.Clock.Now())
	if err != nil {
		return report, fmt.Errorf("list due upgrades: %w", err)
	}
	var errs []error
	for _, u := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := o.execute(ctx, u.ID); err != nil {
			report.Failed[u.ID] = err.Error()
			errs = append(errs, fmt.Errorf("upgrade %s: %w", u.Key(), err))
			continue
		}
		report.Executed = append(report.Executed, u.ID)
	}
	return report, errors.Join(errs...)
}

// Execute runs one due upgrade on behalf of caller.
func (o *Orchestrator) Execute(ctx context.Context, caller kernel.Principal, upgradeID uint64) (timelock.ScheduledUpgrade, error) {
	if err := o.rt.Authority.Require(componentName, "execute", caller, kernel.RoleAdmin, kernel.RoleUpgradeManager); err != nil {
		return timelock.ScheduledUpgrade{}, err
	}
	return o.execute(ctx, upgradeID)
}

// EmergencyExecute runs a scheduled upgrade immediately. caller must be the
// emergency admin; the timelock enforces it.
func (o *Orchestrator) EmergencyExecute(ctx context.Context, caller kernel.Principal, upgradeID uint64) (timelock.ScheduledUpgrade, error) {
	u, err := o.Timelock.ExecuteEmergency(ctx, caller, upgradeID)
	if err != nil {
		return timelock.ScheduledUpgrade{}, err
	}
	return u, o.finish(ctx, u)
}

func (o *Orchestrator) execute(ctx context.Context, upgradeID uint64) (timelock.ScheduledUpgrade, error) {
	u, err := o.Timelock.Execute(ctx, o.manager(), upgradeID)
	if err != nil {
		return timelock.ScheduledUpgrade{}, err
	}
	return u, o.finish(ctx, u)
}

// finish marks the linked proposal Executed and applies the swap.
func (o *Orchestrator) finish(ctx context.Context, u timelock.ScheduledUpgrade) error {
	var errs []error
	if id, ok := proposalOf(u.Reference); ok {
		if _, err := o.Proposals.Execute(ctx, o.manager(), id); err != nil && !core.HasCode(err, core.CodeAlreadyExecuted) {
			errs = append(errs, fmt.Errorf("execute proposal %d: %w", id, err))
		}
	}
	if err := o.apply(ctx, u); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) apply(ctx context.Context, u timelock.ScheduledUpgrade) error {
	if o.applier == nil {
		return nil
	}
	err := o.applier.ApplyImplementation(ctx, u.ProxyModule, u.NewImplementation)
	eventType := events.EventImplementationApplied
	if err != nil {
		eventType = events.EventImplementationApplyErr
	}
	events.NewEvent(eventType).
		Component(componentName).
		Entity(kernel.FormatAddress(u.ProxyModule)).
		Actor(o.manager().String()).
		At(o.rt.Clock.Now()).
		ErrorFrom(err).
		Metadata("upgrade_id", u.Key()).
		Metadata("new_implementation", kernel.FormatAddress(u.NewImplementation)).
		EmitTo(ctx, o.rt.Events)

	entry := o.log.WithField("upgrade_id", u.Key()).
		WithField("proxy_module", kernel.FormatAddress(u.ProxyModule))
	if err != nil {
		entry.WithError(err).Error("apply implementation failed")
		return fmt.Errorf("apply implementation: %w", err)
	}
	entry.Info("implementation applied")
	return nil
}

// upgradeFor finds a live or executed upgrade scheduled for proposalID.
func (o *Orchestrator) upgradeFor(ctx context.Context, proposalID uint64) (*timelock.ScheduledUpgrade, error) {
	u, found, err := o.Timelock.ByReference(ctx, referenceFor(proposalID))
	if err != nil || !found {
		return nil, err
	}
	return &u, nil
}

func (o *Orchestrator) manager() kernel.Principal {
	return o.rt.Authority.Holder(kernel.RoleUpgradeManager)
}

func referenceFor(proposalID uint64) string {
	return referencePrefix + strconv.FormatUint(proposalID, 10)
}

func proposalOf(reference string) (uint64, bool) {
	raw, ok := strings.CutPrefix(reference, referencePrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	return id, err == nil
}
