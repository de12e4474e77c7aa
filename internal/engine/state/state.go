// Package state defines the lifecycle states of pipeline entities and the
// transitions allowed between them. Proposals, scheduled upgrades and
// implementation validations all move forward only.
package state

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// ProposalStatus is the lifecycle of an upgrade proposal.
type ProposalStatus int32

const (
	ProposalUnknown ProposalStatus = iota
	ProposalPending
	ProposalApproved
	ProposalRejected
	ProposalExecuted
)

func (s ProposalStatus) String() string {
	switch s {
	case ProposalPending:
		return "pending"
	case ProposalApproved:
		return "approved"
	case ProposalRejected:
		return "rejected"
	case ProposalExecuted:
		return "executed"
	case ProposalUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("proposal_status(%d)", s)
	}
}

// ParseProposalStatus converts a string to ProposalStatus.
func ParseProposalStatus(s string) ProposalStatus {
	switch s {
	case "pending":
		return ProposalPending
	case "approved":
		return ProposalApproved
	case "rejected":
		return ProposalRejected
	case "executed":
		return ProposalExecuted
	default:
		return ProposalUnknown
	}
}

// IsTerminal reports whether no further transition is possible.
func (s ProposalStatus) IsTerminal() bool {
	return s == ProposalRejected || s == ProposalExecuted
}

func (s ProposalStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *ProposalStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseProposalStatus(str)
	return nil
}

// Value implements driver.Valuer.
func (s ProposalStatus) Value() (driver.Value, error) { return s.String(), nil }

// Scan implements sql.Scanner.
func (s *ProposalStatus) Scan(src interface{}) error {
	str, err := scanString(src)
	if err != nil {
		return err
	}
	*s = ParseProposalStatus(str)
	return nil
}

// UpgradeStatus is the lifecycle of a timelocked upgrade.
type UpgradeStatus int32

const (
	UpgradeUnknown UpgradeStatus = iota
	UpgradeScheduled
	UpgradeExecuted
	UpgradeCancelled
)

func (s UpgradeStatus) String() string {
	switch s {
	case UpgradeScheduled:
		return "scheduled"
	case UpgradeExecuted:
		return "executed"
	case UpgradeCancelled:
		return "cancelled"
	case UpgradeUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("upgrade_status(%d)", s)
	}
}

// ParseUpgradeStatus converts a string to UpgradeStatus.
func ParseUpgradeStatus(s string) UpgradeStatus {
	switch s {
	case "scheduled":
		return UpgradeScheduled
	case "executed":
		return UpgradeExecuted
	case "cancelled", "canceled":
		return UpgradeCancelled
	default:
		return UpgradeUnknown
	}
}

// IsTerminal reports whether no further transition is possible.
func (s UpgradeStatus) IsTerminal() bool {
	return s == UpgradeExecuted || s == UpgradeCancelled
}

func (s UpgradeStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *UpgradeStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseUpgradeStatus(str)
	return nil
}

// Value implements driver.Valuer.
func (s UpgradeStatus) Value() (driver.Value, error) { return s.String(), nil }

// Scan implements sql.Scanner.
func (s *UpgradeStatus) Scan(src interface{}) error {
	str, err := scanString(src)
	if err != nil {
		return err
	}
	*s = ParseUpgradeStatus(str)
	return nil
}

// ValidationStatus summarizes the validity of an implementation.
type ValidationStatus int32

const (
	ValidationUnvalidated ValidationStatus = iota
	ValidationValid
	ValidationInvalid
)

func (s ValidationStatus) String() string {
	switch s {
	case ValidationUnvalidated:
		return "unvalidated"
	case ValidationValid:
		return "valid"
	case ValidationInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("validation_status(%d)", s)
	}
}

// ValidationStatusOf derives a status from the veto and validity flags.
// Validity is written by the latest trigger, so a vetoed implementation that
// later reaches the threshold reports valid.
func ValidationStatusOf(vetoed, valid bool) ValidationStatus {
	switch {
	case valid:
		return ValidationValid
	case vetoed:
		return ValidationInvalid
	default:
		return ValidationUnvalidated
	}
}

func (s ValidationStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// ValidProposalTransitions defines allowed proposal transitions.
var ValidProposalTransitions = map[ProposalStatus][]ProposalStatus{
	ProposalUnknown:  {ProposalPending},
	ProposalPending:  {ProposalApproved, ProposalRejected},
	ProposalApproved: {ProposalExecuted},
}

// ValidUpgradeTransitions defines allowed scheduled upgrade transitions.
var ValidUpgradeTransitions = map[UpgradeStatus][]UpgradeStatus{
	UpgradeUnknown:   {UpgradeScheduled},
	UpgradeScheduled: {UpgradeExecuted, UpgradeCancelled},
}

// CanTransitionProposal returns true if from -> to is allowed.
func CanTransitionProposal(from, to ProposalStatus) bool {
	for _, s := range ValidProposalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionUpgrade returns true if from -> to is allowed.
func CanTransitionUpgrade(from, to UpgradeStatus) bool {
	for _, s := range ValidUpgradeTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError represents an invalid state transition.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Entity, e.From, e.To)
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(entity string, from, to fmt.Stringer) TransitionError {
	return TransitionError{Entity: entity, From: from.String(), To: to.String()}
}

func scanString(src interface{}) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("state: cannot scan %T", src)
	}
}
