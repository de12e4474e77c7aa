package validation

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/kernel_layer/internal/engine/events"
	"github.com/R3E-Network/kernel_layer/internal/kernel"
	"github.com/R3E-Network/kernel_layer/pkg/logger"
	core "github.com/R3E-Network/kernel_layer/system/framework/core"
)

// Service is the validation consensus component.
type Service struct {
	store            Store
	rt               kernel.Runtime
	defaultThreshold int
	log              *logger.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithDefaultThreshold sets the percentage used until SetThresholdPercent
// is first called.
func WithDefaultThreshold(pct int) Option {
	return func(s *Service) { s.defaultThreshold = pct }
}

// New creates a validation consensus service.
func New(store Store, rt kernel.Runtime, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault(componentName)
	}
	s := &Service{
		store:            store,
		rt:               rt.WithDefaults(),
		defaultThreshold: DefaultThresholdPercent,
		log:              log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddValidator admits p to the panel.
func (s *Service) AddValidator(ctx context.Context, caller, p kernel.Principal, vt ValidatorType) (Validator, error) {
	var v Validator
	err := s.run(ctx, "addValidator", caller, func(op *kernel.Op) error {
		if err := s.rt.Authority.Require(componentName, "addValidator", caller, kernel.RoleAdmin); err != nil {
			return err
		}
		if p.IsZero() {
			return core.Invalid(componentName, "validator", "", core.CodeInvalidPrincipal, "is required")
		}
		t, err := ParseValidatorType(string(vt))
		if err != nil {
			return err
		}
		if _, exists, err := s.store.GetValidator(op.Ctx, p); err != nil {
			return fmt.Errorf("get validator: %w", err)
		} else if exists {
			return core.Conflict(componentName, "validator", p.String(), core.CodeAlreadyExists, "")
		}
		v = Validator{Principal: p, Type: t, AddedAt: op.Now}
		if err := s.store.InsertValidator(op.Ctx, v); err != nil {
			return fmt.Errorf("insert validator: %w", err)
		}
		op.Record(events.NewEvent(events.EventValidatorAdded).
			Entity(p.String()).
			Transition("", "active").
			Metadata("type", string(t)))
		return nil
	})
	if err != nil {
		return Validator{}, err
	}
	return v, nil
}

// RemoveValidator drops p from the panel. Votes already cast still count.
func (s *Service) RemoveValidator(ctx context.Context, caller, p kernel.Principal) error {
	return s.run(ctx, "removeValidator", caller, func(op *kernel.Op) error {
		if err := s.rt.Authority.Require(componentName, "removeValidator", caller, kernel.RoleAdmin); err != nil {
			return err
		}
		if _, exists, err := s.store.GetValidator(op.Ctx, p); err != nil {
			return fmt.Errorf("get validator: %w", err)
		} else if !exists {
			return core.NotFound(componentName, "validator", p.String())
		}
		if err := s.store.DeleteValidator(op.Ctx, p); err != nil {
			return fmt.Errorf("delete validator: %w", err)
		}
		op.Record(events.NewEvent(events.EventValidatorRemoved).
			Entity(p.String()).
			Transition("active", "removed"))
		return nil
	})
}

// AddRule creates an active rule.
func (s *Service) AddRule(ctx context.Context, caller kernel.Principal, spec RuleSpec) (Rule, error) {
	var rule Rule
	err := s.run(ctx, "addRule", caller, func(op *kernel.Op) error {
		if err := s.rt.Authority.Require(componentName, "addRule", caller, kernel.RoleAdmin); err != nil {
			return err
		}
		name, err := core.RequireText(componentName, "name", spec.Name)
		if err != nil {
			return err
		}
		if _, exists, err := s.store.GetRuleByName(op.Ctx, name); err != nil {
			return fmt.Errorf("get rule: %w", err)
		} else if exists {
			return core.Conflict(componentName, "rule", name, core.CodeAlreadyExists, "")
		}
		rule, err = s.store.InsertRule(op.Ctx, Rule{
			Name:        name,
			Description: spec.Description,
			IsActive:    true,
			IsCritical:  spec.IsCritical,
			CreatedAt:   op.Now,
			UpdatedAt:   op.Now,
		})
		if err != nil {
			return fmt.Errorf("insert rule: %w", err)
		}
		op.Record(events.NewEvent(events.EventRuleAdded).
			Entity(ruleKey(rule.ID)).
			Transition("", "active").
			Metadata("name", rule.Name).
			Metadata("critical", strconv.FormatBool(rule.IsCritical)))
		return nil
	})
	if err != nil {
		return Rule{}, err
	}
	return rule, nil
}

// UpdateRule changes a rule's description, activity or criticality.
func (s *Service) UpdateRule(ctx context.Context, caller kernel.Principal, id uint64, upd RuleUpdate) (Rule, error) {
	var rule Rule
	err := s.run(ctx, "updateRule", caller, func(op *kernel.Op) error {
		if err := s.rt.Authority.Require(componentName, "updateRule", caller, kernel.RoleAdmin); err != nil {
			return err
		}
		current, err := s.mustRule(op.Ctx, id)
		if err != nil {
			return err
		}
		rule = current
		if upd.Description != nil {
			rule.Description = *upd.Description
		}
		if upd.IsActive != nil {
			rule.IsActive = *upd.IsActive
		}
		if upd.IsCritical != nil {
			rule.IsCritical = *upd.IsCritical
		}
		rule.UpdatedAt = op.Now
		if err := s.store.UpdateRule(op.Ctx, rule); err != nil {
			return fmt.Errorf("update rule: %w", err)
		}
		op.Record(events.NewEvent(events.EventRuleUpdated).
			Entity(ruleKey(id)).
			Transition(activityLabel(current.IsActive), activityLabel(rule.IsActive)).
			Metadata("critical", strconv.FormatBool(rule.IsCritical)))
		return nil
	})
	if err != nil {
		return Rule{}, err
	}
	return rule, nil
}

// RemoveRule deletes a rule. Recorded results are kept.
func (s *Service) RemoveRule(ctx context.Context, caller kernel.Principal, id uint64) error {
	return s.run(ctx, "removeRule", caller, func(op *kernel.Op) error {
		if err := s.rt.Authority.Require(componentName, "removeRule", caller, kernel.RoleAdmin); err != nil {
			return err
		}
		rule, err := s.mustRule(op.Ctx, id)
		if err != nil {
			return err
		}
		if err := s.store.DeleteRule(op.Ctx, id); err != nil {
			return fmt.Errorf("delete rule: %w", err)
		}
		op.Record(events.NewEvent(events.EventRuleRemoved).
			Entity(ruleKey(id)).
			Transition(activityLabel(rule.IsActive), "removed"))
		return nil
	})
}

// SetThresholdPercent changes the approval percentage (1..100).
func (s *Service) SetThresholdPercent(ctx context.Context, caller kernel.Principal, pct int) error {
	return s.run(ctx, "setThresholdPercent", caller, func(op *kernel.Op) error {
		if err := s.rt.Authority.Require(componentName, "setThresholdPercent", caller, kernel.RoleAdmin); err != nil {
			return err
		}
		if pct < MinThresholdPercent || pct > MaxThresholdPercent {
			return core.Invalid(componentName, "threshold_percent", strconv.Itoa(pct), core.CodeInvalidThreshold, "must be between 1 and 100")
		}
		prev, err := s.thresholdPercent(op.Ctx)
		if err != nil {
			return err
		}
		if err := s.store.SetThresholdPercent(op.Ctx, pct); err != nil {
			return fmt.Errorf("set threshold: %w", err)
		}
		op.Record(events.NewEvent(events.EventValidationThresholdSet).
			Entity("threshold_percent").
			Transition(strconv.Itoa(prev), strconv.Itoa(pct)))
		return nil
	})
}

// ValidateRule records a validator's result for one rule. Inactive rules are
// skipped without error. A failed critical rule vetoes the implementation.
func (s *Service) ValidateRule(ctx context.Context, caller kernel.Principal, impl util.Uint160, ruleID uint64, success bool, details string) (Outcome, error) {
	var out Outcome
	err := s.run(ctx, "validateRule", caller, func(op *kernel.Op) error {
		if err := s.requireValidator(op.Ctx, "validateRule", caller); err != nil {
			return err
		}
		if err := kernel.RequireAddress(componentName, "implementation", impl); err != nil {
			return err
		}
		rule, err := s.mustRule(op.Ctx, ruleID)
		if err != nil {
			return err
		}
		record, err := s.validation(op.Ctx, impl)
		if err != nil {
			return err
		}
		if !rule.IsActive {
			out = Outcome{Skipped: true, Validation: record}
			return nil
		}

		result := RuleResult{
			Implementation: impl,
			RuleID:         rule.ID,
			Validator:      caller,
			Success:        success,
			Details:        details,
			RecordedAt:     op.Now,
		}
		implKey := kernel.FormatAddress(impl)
		resultEvent := events.NewEvent(events.EventRuleResult).
			Entity(implKey).
			Metadata("rule_id", ruleKey(rule.ID)).
			Metadata("success", strconv.FormatBool(success))

		if success || !rule.IsCritical {
			if err := s.store.PutRuleResult(op.Ctx, result); err != nil {
				return fmt.Errorf("put rule result: %w", err)
			}
			op.Record(resultEvent)
			out = Outcome{Result: result, Validation: record}
			return nil
		}

		before := record.Status()
		if record.CreatedAt.IsZero() {
			record.CreatedAt = op.Now
		}
		if !record.Vetoed {
			record.VetoedAt = op.Now
		}
		record.Vetoed = true
		record.IsValid = false
		record.UpdatedAt = op.Now
		if err := s.store.RecordVeto(op.Ctx, result, record); err != nil {
			return fmt.Errorf("record veto: %w", err)
		}
		op.Record(resultEvent)
		op.Record(events.NewEvent(events.EventCriticalRuleFailed).
			Severity(events.SeverityWarning).
			Entity(implKey).
			Transition(before.String(), record.Status().String()).
			Metadata("rule_id", ruleKey(rule.ID)).
			Metadata("rule", rule.Name))
		out = Outcome{Result: result, Validation: record}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// ApproveImplementation casts caller's vote. A repeat vote is a no-op.
func (s *Service) ApproveImplementation(ctx context.Context, caller kernel.Principal, impl util.Uint160) (ImplementationValidation, error) {
	var record ImplementationValidation
	err := s.run(ctx, "approveImplementation", caller, func(op *kernel.Op) error {
		if err := s.requireValidator(op.Ctx, "approveImplementation", caller); err != nil {
			return err
		}
		if err := kernel.RequireAddress(componentName, "implementation", impl); err != nil {
			return err
		}
		var err error
		if record, err = s.validation(op.Ctx, impl); err != nil {
			return err
		}
		voted, err := s.store.HasApproved(op.Ctx, impl, caller)
		if err != nil {
			return fmt.Errorf("has approved: %w", err)
		}
		if voted {
			return nil
		}

		validators, err := s.store.CountValidators(op.Ctx)
		if err != nil {
			return fmt.Errorf("count validators: %w", err)
		}
		pct, err := s.thresholdPercent(op.Ctx)
		if err != nil {
			return err
		}
		required := RequiredApprovals(validators, pct)

		before := record.Status()
		if record.CreatedAt.IsZero() {
			record.CreatedAt = op.Now
		}
		record.ApprovalCount++
		record.UpdatedAt = op.Now
		if record.ApprovalCount >= required {
			record.ThresholdMet = true
			if !record.IsValid {
				record.IsValid = true
				record.ValidatedAt = op.Now
			}
		}
		if err := s.store.RecordApproval(op.Ctx, caller, op.Now, record); err != nil {
			return fmt.Errorf("record approval: %w", err)
		}

		implKey := kernel.FormatAddress(impl)
		op.Record(events.NewEvent(events.EventImplementationVote).
			Entity(implKey).
			Metadata("approvals", strconv.Itoa(record.ApprovalCount)).
			Metadata("required", strconv.Itoa(required)))
		if after := record.Status(); after != before {
			op.Record(events.NewEvent(events.EventImplementationState).
				Entity(implKey).
				Transition(before.String(), after.String()))
		}
		return nil
	})
	if err != nil {
		return ImplementationValidation{}, err
	}
	return record, nil
}

// Validation returns the consensus state of impl; unknown implementations
// report an unvalidated zero record.
func (s *Service) Validation(ctx context.Context, impl util.Uint160) (ImplementationValidation, error) {
	var v ImplementationValidation
	err := s.rt.View(ctx, func(ctx context.Context) error {
		var err error
		v, err = s.validation(ctx, impl)
		return err
	})
	return v, err
}

// IsValid reports the current validity flag.
func (s *Service) IsValid(ctx context.Context, impl util.Uint160) (bool, error) {
	v, err := s.Validation(ctx, impl)
	return v.IsValid, err
}

// IsAccepted reports whether impl met the threshold without a veto.
func (s *Service) IsAccepted(ctx context.Context, impl util.Uint160) (bool, error) {
	v, err := s.Validation(ctx, impl)
	return v.Accepted(), err
}

// Validations lists every implementation with recorded activity.
func (s *Service) Validations(ctx context.Context) ([]ImplementationValidation, error) {
	var out []ImplementationValidation
	err := s.rt.View(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.store.ListValidations(ctx)
		return err
	})
	return out, err
}

// HasApproved reports whether validator voted for impl.
func (s *Service) HasApproved(ctx context.Context, impl util.Uint160, validator kernel.Principal) (bool, error) {
	var ok bool
	err := s.rt.View(ctx, func(ctx context.Context) error {
		var err error
		ok, err = s.store.HasApproved(ctx, impl, validator)
		return err
	})
	return ok, err
}

// RuleResults lists the latest result per rule and validator for impl.
func (s *Service) RuleResults(ctx context.Context, impl util.Uint160) ([]RuleResult, error) {
	var out []RuleResult
	err := s.rt.View(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.store.ListRuleResults(ctx, impl)
		return err
	})
	return out, err
}

// Validators lists the panel, optionally filtered by type.
func (s *Service) Validators(ctx context.Context, vt ValidatorType) ([]Validator, error) {
	var out []Validator
	err := s.rt.View(ctx, func(ctx context.Context) error {
		all, err := s.store.ListValidators(ctx)
		if err != nil {
			return err
		}
		for _, v := range all {
			if vt == "" || v.Type == vt {
				out = append(out, v)
			}
		}
		return nil
	})
	return out, err
}

// IsValidator reports panel membership.
func (s *Service) IsValidator(ctx context.Context, p kernel.Principal) (bool, error) {
	var ok bool
	err := s.rt.View(ctx, func(ctx context.Context) error {
		var err error
		_, ok, err = s.store.GetValidator(ctx, p)
		return err
	})
	return ok, err
}

// Rules lists every rule.
func (s *Service) Rules(ctx context.Context) ([]Rule, error) {
	var out []Rule
	err := s.rt.View(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.store.ListRules(ctx)
		return err
	})
	return out, err
}

// Rule returns one rule.
func (s *Service) Rule(ctx context.Context, id uint64) (Rule, error) {
	var r Rule
	err := s.rt.View(ctx, func(ctx context.Context) error {
		var err error
		r, err = s.mustRule(ctx, id)
		return err
	})
	return r, err
}

// ThresholdPercent returns the approval percentage.
func (s *Service) ThresholdPercent(ctx context.Context) (int, error) {
	var pct int
	err := s.rt.View(ctx, func(ctx context.Context) error {
		var err error
		pct, err = s.thresholdPercent(ctx)
		return err
	})
	return pct, err
}

// RequiredApprovals returns the approvals currently needed.
func (s *Service) RequiredApprovals(ctx context.Context) (int, error) {
	var required int
	err := s.rt.View(ctx, func(ctx context.Context) error {
		n, err := s.store.CountValidators(ctx)
		if err != nil {
			return err
		}
		pct, err := s.thresholdPercent(ctx)
		if err != nil {
			return err
		}
		required = RequiredApprovals(n, pct)
		return nil
	})
	return required, err
}

func (s *Service) requireValidator(ctx context.Context, operation string, caller kernel.Principal) error {
	_, ok, err := s.store.GetValidator(ctx, caller)
	if err != nil {
		return fmt.Errorf("get validator: %w", err)
	}
	if !ok {
		return core.Unauthorized(componentName, operation, caller.String(), "validator")
	}
	return nil
}

func (s *Service) mustRule(ctx context.Context, id uint64) (Rule, error) {
	r, ok, err := s.store.GetRule(ctx, id)
	if err != nil {
		return Rule{}, fmt.Errorf("get rule: %w", err)
	}
	if !ok {
		return Rule{}, core.NotFound(componentName, "rule", ruleKey(id))
	}
	return r, nil
}

func (s *Service) validation(ctx context.Context, impl util.Uint160) (ImplementationValidation, error) {
	v, ok, err := s.store.GetValidation(ctx, impl)
	if err != nil {
		return ImplementationValidation{}, fmt.Errorf("get validation: %w", err)
	}
	if !ok {
		return ImplementationValidation{Implementation: impl}, nil
	}
	return v, nil
}

func (s *Service) thresholdPercent(ctx context.Context) (int, error) {
	pct, ok, err := s.store.ThresholdPercent(ctx)
	if err != nil {
		return 0, fmt.Errorf("get threshold: %w", err)
	}
	if !ok {
		return s.defaultThreshold, nil
	}
	return pct, nil
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

func ruleKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func activityLabel(active bool) string {
	if active {
		return "active"
	}
	return "inactive"
}
