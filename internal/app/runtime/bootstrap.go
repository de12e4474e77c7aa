package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/R3E-Network/kernel_layer/internal/app/orchestrator"
	"github.com/R3E-Network/kernel_layer/internal/config"
	"github.com/R3E-Network/kernel_layer/internal/kernel"
	"github.com/R3E-Network/kernel_layer/packages/com.r3e.kernel.validation"
	"github.com/R3E-Network/kernel_layer/pkg/logger"
)

// bootstrap seeds each component from the pipeline file. A section is only
// applied while the matching store is empty, so restarts against Postgres keep
// whatever was changed at runtime.
func bootstrap(ctx context.Context, c orchestrator.Components, admin kernel.Principal, cfg config.PipelineConfig, log *logger.Logger) error {
	steps := []struct {
		name string
		fn   func(context.Context, orchestrator.Components, kernel.Principal, config.PipelineConfig) (int, error)
	}{
		{"approvers", seedApprovers},
		{"validators", seedValidators},
		{"rules", seedRules},
		{"dependencies", seedEdges},
	}
	for _, step := range steps {
		n, err := step.fn(ctx, c, admin, cfg)
		if err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
		if n > 0 {
			log.WithField("section", step.name).WithField("count", n).Info("seeded pipeline state")
		}
	}
	return nil
}

func seedApprovers(ctx context.Context, c orchestrator.Components, admin kernel.Principal, cfg config.PipelineConfig) (int, error) {
	existing, err := c.Proposals.Approvers(ctx)
	if err != nil || len(existing) > 0 || len(cfg.Proposals.Approvers) == 0 {
		return 0, err
	}
	for _, raw := range cfg.Proposals.Approvers {
		if _, err := c.Proposals.AddApprover(ctx, admin, principal(raw)); err != nil {
			return 0, err
		}
	}
	if cfg.Proposals.Threshold > 0 {
		if err := c.Proposals.SetThreshold(ctx, admin, cfg.Proposals.Threshold); err != nil {
			return 0, err
		}
	}
	return len(cfg.Proposals.Approvers), nil
}

func seedValidators(ctx context.Context, c orchestrator.Components, admin kernel.Principal, cfg config.PipelineConfig) (int, error) {
	existing, err := c.Validation.Validators(ctx, "")
	if err != nil || len(existing) > 0 || len(cfg.Validation.Validators) == 0 {
		return 0, err
	}
	for _, v := range cfg.Validation.Validators {
		vt, err := validation.ParseValidatorType(v.Type)
		if err != nil {
			return 0, err
		}
		if _, err := c.Validation.AddValidator(ctx, admin, principal(v.Principal), vt); err != nil {
			return 0, err
		}
	}
	if pct := cfg.Validation.ThresholdPercent; pct > 0 {
		if err := c.Validation.SetThresholdPercent(ctx, admin, pct); err != nil {
			return 0, err
		}
	}
	return len(cfg.Validation.Validators), nil
}

func seedRules(ctx context.Context, c orchestrator.Components, admin kernel.Principal, cfg config.PipelineConfig) (int, error) {
	existing, err := c.Validation.Rules(ctx)
	if err != nil || len(existing) > 0 {
		return 0, err
	}
	inactive := false
	for _, r := range cfg.Validation.Rules {
		rule, err := c.Validation.AddRule(ctx, admin, validation.RuleSpec{
			Name:        r.Name,
			Description: r.Description,
			IsCritical:  r.Critical,
		})
		if err != nil {
			return 0, err
		}
		if r.Inactive {
			if _, err := c.Validation.UpdateRule(ctx, admin, rule.ID, validation.RuleUpdate{IsActive: &inactive}); err != nil {
				return 0, err
			}
		}
	}
	return len(cfg.Validation.Rules), nil
}

func seedEdges(ctx context.Context, c orchestrator.Components, admin kernel.Principal, cfg config.PipelineConfig) (int, error) {
	existing, err := c.Dependencies.Edges(ctx)
	if err != nil || len(existing) > 0 {
		return 0, err
	}
	for _, e := range cfg.Dependencies.Edges {
		from, err := kernel.ParseModuleCode(e.Dependent)
		if err != nil {
			return 0, err
		}
		to, err := kernel.ParseModuleCode(e.Dependency)
		if err != nil {
			return 0, err
		}
		if _, err := c.Dependencies.RegisterDependency(ctx, admin, from, to); err != nil {
			return 0, err
		}
		if e.Invalid {
			if _, err := c.Dependencies.ValidateDependency(ctx, admin, from, to, false); err != nil {
				return 0, err
			}
		}
	}
	return len(cfg.Dependencies.Edges), nil
}

func principal(raw string) kernel.Principal {
	return kernel.Principal(strings.TrimSpace(raw))
}
