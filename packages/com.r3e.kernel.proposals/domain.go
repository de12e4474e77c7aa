// Package proposals runs count-threshold consensus among a fixed panel of
// approvers over (proxy, implementation) upgrade proposals.
package proposals

import (
	"strconv"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/kernel_layer/internal/engine/state"
	"github.com/R3E-Network/kernel_layer/internal/kernel"
)

const componentName = "proposals"

// DefaultThreshold applies until a threshold is configured.
const DefaultThreshold = 1

// Proposal is one upgrade proposal. IDs are dense and start at 0.
type Proposal struct {
	ID                uint64               `json:"id"`
	ProxyModule       util.Uint160         `json:"proxy_module"`
	NewImplementation util.Uint160         `json:"new_implementation"`
	Status            state.ProposalStatus `json:"status"`
	ApprovalCount     int                  `json:"approval_count"`
	Description       string               `json:"description"`
	Proposer          kernel.Principal     `json:"proposer"`
	ProposedAt        time.Time            `json:"proposed_at"`
	ApprovedAt        time.Time            `json:"approved_at,omitempty"`
	RejectedAt        time.Time            `json:"rejected_at,omitempty"`
	ExecutedAt        time.Time            `json:"executed_at,omitempty"`
}

// Key formats the id for events and errors.
func (p Proposal) Key() string {
	return proposalKey(p.ID)
}

func proposalKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// Approver is a panel member.
type Approver struct {
	Principal kernel.Principal `json:"principal" db:"principal"`
	AddedAt   time.Time        `json:"added_at" db:"added_at"`
}
