package timelock

import (
	"context"
	"fmt"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/kernel_layer/internal/engine/events"
	"github.com/R3E-Network/kernel_layer/internal/engine/state"
	"github.com/R3E-Network/kernel_layer/internal/kernel"
	"github.com/R3E-Network/kernel_layer/pkg/logger"
	core "github.com/R3E-Network/kernel_layer/system/framework/core"
)

// Service is the timelock scheduler component.
type Service struct {
	store        Store
	rt           kernel.Runtime
	defaultDelay time.Duration
	log          *logger.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithDefaultDelay sets the delay used until SetTimeDelay is called. Values
// below MinTimeDelay are raised to it.
func WithDefaultDelay(d time.Duration) Option {
	return func(s *Service) {
		if d < MinTimeDelay {
			d = MinTimeDelay
		}
		s.defaultDelay = d
	}
}

// New creates a timelock scheduler.
func New(store Store, rt kernel.Runtime, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault(componentName)
	}
	s := &Service{
		store:        store,
		rt:           rt.WithDefaults(),
		defaultDelay: DefaultTimeDelay,
		log:          log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule queues a swap to run no earlier than now plus the current delay.
// Only the upgrade manager may schedule. A non-empty reference may back at
// most one upgrade that is not cancelled.
func (s *Service) Schedule(ctx context.Context, caller kernel.Principal, proxy, impl util.Uint160, description, reference string) (ScheduledUpgrade, error) {
	var u ScheduledUpgrade
	err := s.run(ctx, "scheduleUpgrade", caller, func(op *kernel.Op) error {
		if err := s.rt.Authority.Require(componentName, "scheduleUpgrade", caller, kernel.RoleUpgradeManager); err != nil {
			return err
		}
		if err := kernel.RequireAddress(componentName, "proxy_module", proxy); err != nil {
			return err
		}
		if err := kernel.RequireAddress(componentName, "new_implementation", impl); err != nil {
			return err
		}
		if reference != "" {
			prior, found, err := s.store.UpgradeByReference(op.Ctx, reference)
			if err != nil {
				return fmt.Errorf("upgrade by reference: %w", err)
			}
			if found {
				return core.Conflict(componentName, "reference", reference, core.CodeAlreadyExists,
					"upgrade "+prior.Key()+" is "+prior.Status.String())
			}
		}
		delay, err := s.timeDelay(op.Ctx)
		if err != nil {
			return err
		}
		u, err = s.store.InsertUpgrade(op.Ctx, ScheduledUpgrade{
			ProxyModule:       proxy,
			NewImplementation: impl,
			ScheduledTime:     op.Now.Add(delay),
			Status:            state.UpgradeScheduled,
			Description:       description,
			Reference:         reference,
			CreatedAt:         op.Now,
		})
		if err != nil {
			return fmt.Errorf("insert upgrade: %w", err)
		}
		b := events.NewEvent(events.EventUpgradeScheduled).
			Entity(u.Key()).
			Transition("", state.UpgradeScheduled.String()).
			Metadata("scheduled_time", u.ScheduledTime.Format(time.RFC3339)).
			Metadata("new_implementation", kernel.FormatAddress(impl))
		if reference != "" {
			b.Metadata("reference", reference)
		}
		op.Record(b)
		return nil
	})
	if err != nil {
		return ScheduledUpgrade{}, err
	}
	return u, nil
}

// Execute runs a Scheduled upgrade once its time has come.
func (s *Service) Execute(ctx context.Context, caller kernel.Principal, id uint64) (ScheduledUpgrade, error) {
	var u ScheduledUpgrade
	err := s.run(ctx, "executeUpgrade", caller, func(op *kernel.Op) error {
		if err := s.rt.Authority.Require(componentName, "executeUpgrade", caller, kernel.RoleAdmin, kernel.RoleUpgradeManager); err != nil {
			return err
		}
		var err error
		if u, err = s.mustScheduled(op.Ctx, id); err != nil {
			return err
		}
		if op.Now.Before(u.ScheduledTime) {
			return core.Conflict(componentName, "upgrade", u.Key(), core.CodeTimeDelayNotMet,
				"scheduled for "+u.ScheduledTime.Format(time.RFC3339))
		}
		return s.execute(op, &u, false)
	})
	if err != nil {
		return ScheduledUpgrade{}, err
	}
	return u, nil
}

// ExecuteEmergency runs a Scheduled upgrade immediately, ignoring its time.
// Only the emergency admin may use it.
func (s *Service) ExecuteEmergency(ctx context.Context, caller kernel.Principal, id uint64) (ScheduledUpgrade, error) {
	var u ScheduledUpgrade
	err := s.run(ctx, "executeEmergencyUpgrade", caller, func(op *kernel.Op) error {
		if err := s.rt.Authority.Require(componentName, "executeEmergencyUpgrade", caller, kernel.RoleEmergencyAdmin); err != nil {
			return err
		}
		var err error
		if u, err = s.mustScheduled(op.Ctx, id); err != nil {
			return err
		}
		return s.execute(op, &u, true)
	})
	if err != nil {
		return ScheduledUpgrade{}, err
	}
	return u, nil
}

func (s *Service) execute(op *kernel.Op, u *ScheduledUpgrade, emergency bool) error {
	early := u.Remaining(op.Now)
	u.Status = state.UpgradeExecuted
	u.ExecutedAt = op.Now
	u.Emergency = emergency
	if err := s.store.UpdateUpgrade(op.Ctx, *u); err != nil {
		return fmt.Errorf("update upgrade: %w", err)
	}
	eventType := events.EventUpgradeExecuted
	if emergency {
		eventType = events.EventUpgradeEmergencyExecuted
	}
	b := events.NewEvent(eventType).
		Entity(u.Key()).
		Transition(state.UpgradeScheduled.String(), state.UpgradeExecuted.String()).
		Metadata("proxy_module", kernel.FormatAddress(u.ProxyModule)).
		Metadata("new_implementation", kernel.FormatAddress(u.NewImplementation))
	if emergency {
		b.Severity(events.SeverityWarning).Metadata("skipped_delay", early.String())
	}
	op.Record(b)
	return nil
}

// Cancel stops a Scheduled upgrade for good.
func (s *Service) Cancel(ctx context.Context, caller kernel.Principal, id uint64) (ScheduledUpgrade, error) {
	var u ScheduledUpgrade
	err := s.run(ctx, "cancelUpgrade", caller, func(op *kernel.Op) error {
		if err := s.rt.Authority.Require(componentName, "cancelUpgrade", caller, kernel.RoleAdmin); err != nil {
			return err
		}
		var err error
		if u, err = s.mustScheduled(op.Ctx, id); err != nil {
			return err
		}
		u.Status = state.UpgradeCancelled
		u.CancelledAt = op.Now
		if err := s.store.UpdateUpgrade(op.Ctx, u); err != nil {
			return fmt.Errorf("update upgrade: %w", err)
		}
		op.Record(events.NewEvent(events.EventUpgradeCancelled).
			Entity(u.Key()).
			Transition(state.UpgradeScheduled.String(), state.UpgradeCancelled.String()))
		return nil
	})
	if err != nil {
		return ScheduledUpgrade{}, err
	}
	return u, nil
}

// Delay pushes a Scheduled upgrade back by extra.
func (s *Service) Delay(ctx context.Context, caller kernel.Principal, id uint64, extra time.Duration) (ScheduledUpgrade, error) {
	var u ScheduledUpgrade
	err := s.run(ctx, "delayUpgrade", caller, func(op *kernel.Op) error {
		if err := s.rt.Authority.Require(componentName, "delayUpgrade", caller, kernel.RoleAdmin); err != nil {
			return err
		}
		if extra <= 0 {
			return core.Invalid(componentName, "extra_delay", extra.String(), core.CodeInvalidDelay, "must be positive")
		}
		var err error
		if u, err = s.mustScheduled(op.Ctx, id); err != nil {
			return err
		}
		previous := u.ScheduledTime
		u.ScheduledTime = u.ScheduledTime.Add(extra)
		if err := s.store.UpdateUpgrade(op.Ctx, u); err != nil {
			return fmt.Errorf("update upgrade: %w", err)
		}
		op.Record(events.NewEvent(events.EventUpgradeDelayed).
			Entity(u.Key()).
			Transition(previous.Format(time.RFC3339), u.ScheduledTime.Format(time.RFC3339)).
			Metadata("extra", extra.String()))
		return nil
	})
	if err != nil {
		return ScheduledUpgrade{}, err
	}
	return u, nil
}

// SetTimeDelay changes the delay applied to future Schedule calls.
func (s *Service) SetTimeDelay(ctx context.Context, caller kernel.Principal, d time.Duration) error {
	return s.run(ctx, "setTimeDelay", caller, func(op *kernel.Op) error {
		if err := s.rt.Authority.Require(componentName, "setTimeDelay", caller, kernel.RoleAdmin); err != nil {
			return err
		}
		if d < MinTimeDelay {
			return core.Invalid(componentName, "time_delay", d.String(), core.CodeInvalidDelay,
				"must be at least "+MinTimeDelay.String())
		}
		current, err := s.timeDelay(op.Ctx)
		if err != nil {
			return err
		}
		if err := s.store.SetTimeDelay(op.Ctx, d); err != nil {
			return fmt.Errorf("set time delay: %w", err)
		}
		op.Record(events.NewEvent(events.EventTimelockDelaySet).
			Entity("time_delay").
			Transition(current.String(), d.String()))
		return nil
	})
}

// Upgrade returns one scheduled upgrade.
func (s *Service) Upgrade(ctx context.Context, id uint64) (ScheduledUpgrade, error) {
	var u ScheduledUpgrade
	err := s.rt.View(ctx, func(ctx context.Context) error {
		var err error
		u, err = s.mustUpgrade(ctx, id)
		return err
	})
	return u, err
}

// List returns upgrades in id order. state.UpgradeUnknown lists all.
func (s *Service) List(ctx context.Context, status state.UpgradeStatus) ([]ScheduledUpgrade, error) {
	var out []ScheduledUpgrade
	err := s.rt.View(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.store.ListUpgrades(ctx, status)
		return err
	})
	return out, err
}

// ListDue returns the upgrades executable at now, earliest first.
func (s *Service) ListDue(ctx context.Context, now time.Time) ([]ScheduledUpgrade, error) {
	var out []ScheduledUpgrade
	err := s.rt.View(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.store.ListDue(ctx, now)
		return err
	})
	return out, err
}

// ByReference returns the newest upgrade scheduled under reference that was
// not cancelled.
func (s *Service) ByReference(ctx context.Context, reference string) (ScheduledUpgrade, bool, error) {
	var (
		u     ScheduledUpgrade
		found bool
	)
	err := s.rt.View(ctx, func(ctx context.Context) error {
		var err error
		u, found, err = s.store.UpgradeByReference(ctx, reference)
		return err
	})
	return u, found, err
}

// Count returns the next upgrade id.
func (s *Service) Count(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.rt.View(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.store.CountUpgrades(ctx)
		return err
	})
	return n, err
}

// TimeDelay returns the delay applied to new schedules.
func (s *Service) TimeDelay(ctx context.Context) (time.Duration, error) {
	var d time.Duration
	err := s.rt.View(ctx, func(ctx context.Context) error {
		var err error
		d, err = s.timeDelay(ctx)
		return err
	})
	return d, err
}

func (s *Service) mustUpgrade(ctx context.Context, id uint64) (ScheduledUpgrade, error) {
	u, ok, err := s.store.GetUpgrade(ctx, id)
	if err != nil {
		return ScheduledUpgrade{}, fmt.Errorf("get upgrade: %w", err)
	}
	if !ok {
		return ScheduledUpgrade{}, core.NotFound(componentName, "upgrade", upgradeKey(id))
	}
	return u, nil
}

// mustScheduled loads id and rejects terminal upgrades.
func (s *Service) mustScheduled(ctx context.Context, id uint64) (ScheduledUpgrade, error) {
	u, err := s.mustUpgrade(ctx, id)
	if err != nil {
		return ScheduledUpgrade{}, err
	}
	switch u.Status {
	case state.UpgradeScheduled:
		return u, nil
	case state.UpgradeCancelled:
		return ScheduledUpgrade{}, core.Conflict(componentName, "upgrade", u.Key(), core.CodeAlreadyCancelled, u.Status.String())
	default:
		return ScheduledUpgrade{}, core.Conflict(componentName, "upgrade", u.Key(), core.CodeAlreadyExecuted, u.Status.String())
	}
}

func (s *Service) timeDelay(ctx context.Context) (time.Duration, error) {
	d, ok, err := s.store.TimeDelay(ctx)
	if err != nil {
		return 0, fmt.Errorf("get time delay: %w", err)
	}
	if !ok {
		return s.defaultDelay, nil
	}
	return d, nil
}

func (s *Service) run(ctx context.Context, operation string, caller kernel.Principal, fn func(op *kernel.Op) error) error {
	published, err := s.rt.Run(ctx, componentName, operation, caller, fn)
	if err != nil {
		s.log.WithField("operation", operation).
			WithField("actor", caller.String()).
			WithField("code", string(core.CodeOf(err))).
			Debug("operation rejected")
		return err
	}
	for _, e := range published {
		s.log.WithField("entity_id", e.EntityID).
			WithField("actor", e.Actor).
			WithField("old_state", e.OldState).
			WithField("new_state", e.NewState).
			Info(string(e.Type))
	}
	return nil
}
