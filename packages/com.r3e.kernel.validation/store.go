package validation

import (
	"context"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/kernel_layer/internal/kernel"
)

// Store persists validators, rules, rule results and per-implementation
// consensus state.
type Store interface {
	GetValidator(ctx context.Context, p kernel.Principal) (Validator, bool, error)
	InsertValidator(ctx context.Context, v Validator) error
	DeleteValidator(ctx context.Context, p kernel.Principal) error
	ListValidators(ctx context.Context) ([]Validator, error)
	CountValidators(ctx context.Context) (int, error)

	// InsertRule assigns the rule a fresh id.
	InsertRule(ctx context.Context, r Rule) (Rule, error)
	GetRule(ctx context.Context, id uint64) (Rule, bool, error)
	GetRuleByName(ctx context.Context, name string) (Rule, bool, error)
	UpdateRule(ctx context.Context, r Rule) error
	DeleteRule(ctx context.Context, id uint64) error
	ListRules(ctx context.Context) ([]Rule, error)

	PutRuleResult(ctx context.Context, r RuleResult) error
	// RecordVeto stores a failed critical result and the vetoed record together.
	RecordVeto(ctx context.Context, r RuleResult, v ImplementationValidation) error
	ListRuleResults(ctx context.Context, impl util.Uint160) ([]RuleResult, error)

	GetValidation(ctx context.Context, impl util.Uint160) (ImplementationValidation, bool, error)
	PutValidation(ctx context.Context, v ImplementationValidation) error
	ListValidations(ctx context.Context) ([]ImplementationValidation, error)
	HasApproved(ctx context.Context, impl util.Uint160, validator kernel.Principal) (bool, error)
	// RecordApproval stores the vote and the updated record together.
	RecordApproval(ctx context.Context, validator kernel.Principal, at time.Time, v ImplementationValidation) error

	ThresholdPercent(ctx context.Context) (int, bool, error)
	SetThresholdPercent(ctx context.Context, pct int) error
}
