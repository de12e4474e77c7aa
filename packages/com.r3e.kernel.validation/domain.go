// Package validation runs threshold consensus among a panel of validators
// over candidate implementations, with critical rules able to veto.
package validation

import (
	"strings"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/kernel_layer/internal/engine/state"
	"github.com/R3E-Network/kernel_layer/internal/kernel"
	core "github.com/R3E-Network/kernel_layer/system/framework/core"
)

const componentName = "validation"

const (
	// DefaultThresholdPercent applies when no percentage is configured.
	DefaultThresholdPercent = 66
	MinThresholdPercent     = 1
	MaxThresholdPercent     = 100
)

// ValidatorType categorizes a validator's expertise.
type ValidatorType string

const (
	ValidatorSecurity    ValidatorType = "security"
	ValidatorFunctional  ValidatorType = "functional"
	ValidatorPerformance ValidatorType = "performance"
	ValidatorCompliance  ValidatorType = "compliance"
)

// ParseValidatorType defaults to ValidatorFunctional.
func ParseValidatorType(raw string) (ValidatorType, error) {
	switch t := ValidatorType(strings.ToLower(strings.TrimSpace(raw))); t {
	case "":
		return ValidatorFunctional, nil
	case ValidatorSecurity, ValidatorFunctional, ValidatorPerformance, ValidatorCompliance:
		return t, nil
	default:
		return "", core.Invalid(componentName, "validator_type", raw, core.CodeInvalidArgument,
			"must be security, functional, performance or compliance")
	}
}

// Validator is a panel member.
type Validator struct {
	Principal kernel.Principal `json:"principal" db:"principal"`
	Type      ValidatorType    `json:"type" db:"type"`
	AddedAt   time.Time        `json:"added_at" db:"added_at"`
}

// Rule is a named check validators report against.
type Rule struct {
	ID          uint64    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	IsCritical  bool      `json:"is_critical" db:"is_critical"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// RuleSpec describes a new rule. New rules are active.
type RuleSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsCritical  bool   `json:"is_critical"`
}

// RuleUpdate changes selected rule attributes; nil fields are left as is.
type RuleUpdate struct {
	Description *string `json:"description,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
	IsCritical  *bool   `json:"is_critical,omitempty"`
}

// RuleResult is the latest report of one validator on one rule for one
// implementation.
type RuleResult struct {
	Implementation util.Uint160     `json:"implementation"`
	RuleID         uint64           `json:"rule_id"`
	Validator      kernel.Principal `json:"validator"`
	Success        bool             `json:"success"`
	Details        string           `json:"details,omitempty"`
	RecordedAt     time.Time        `json:"recorded_at"`
}

// ImplementationValidation is the consensus state of one candidate.
//
// IsValid is written by whichever trigger ran last: a critical failure sets
// it false, reaching the approval threshold sets it true. Vetoed and
// ThresholdMet never revert, and Accepted combines them.
type ImplementationValidation struct {
	Implementation util.Uint160 `json:"implementation"`
	ApprovalCount  int          `json:"approval_count"`
	Vetoed         bool         `json:"vetoed"`
	ThresholdMet   bool         `json:"threshold_met"`
	IsValid        bool         `json:"is_valid"`
	CreatedAt      time.Time    `json:"created_at"`
	VetoedAt       time.Time    `json:"vetoed_at,omitempty"`
	ValidatedAt    time.Time    `json:"validated_at,omitempty"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Accepted reports whether the threshold was met and no critical rule failed.
func (v ImplementationValidation) Accepted() bool {
	return v.ThresholdMet && !v.Vetoed
}

// Status summarizes validity. Votes below the threshold leave the
// implementation unvalidated; only a veto makes it invalid.
func (v ImplementationValidation) Status() state.ValidationStatus {
	return state.ValidationStatusOf(v.Vetoed, v.IsValid)
}

// Outcome reports the effect of one ValidateRule call.
type Outcome struct {
	Result     RuleResult               `json:"result"`
	Skipped    bool                     `json:"skipped"`
	Validation ImplementationValidation `json:"validation"`
}

// RequiredApprovals is (validators × percent) / 100 with integer division.
func RequiredApprovals(validators, percent int) int {
	return (validators * percent) / 100
}
