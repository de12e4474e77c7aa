package proposals

import (
	"context"
	"time"

	"github.com/R3E-Network/kernel_layer/internal/engine/state"
	"github.com/R3E-Network/kernel_layer/internal/kernel"
)

// Store persists proposals, votes, the approver panel and the threshold.
type Store interface {
	// InsertProposal assigns the next dense id.
	InsertProposal(ctx context.Context, p Proposal) (Proposal, error)
	GetProposal(ctx context.Context, id uint64) (Proposal, bool, error)
	UpdateProposal(ctx context.Context, p Proposal) error
	// ListProposals returns proposals in id order; StatusUnknown lists all.
	ListProposals(ctx context.Context, status state.ProposalStatus) ([]Proposal, error)
	CountProposals(ctx context.Context) (uint64, error)

	HasApproved(ctx context.Context, id uint64, approver kernel.Principal) (bool, error)
	// RecordApproval stores the vote and the updated proposal together.
	RecordApproval(ctx context.Context, approver kernel.Principal, at time.Time, p Proposal) error

	GetApprover(ctx context.Context, p kernel.Principal) (Approver, bool, error)
	InsertApprover(ctx context.Context, a Approver) error
	// DeleteApprover removes p and stores threshold in the same write.
	DeleteApprover(ctx context.Context, p kernel.Principal, threshold int) error
	ListApprovers(ctx context.Context) ([]Approver, error)
	CountApprovers(ctx context.Context) (int, error)

	Threshold(ctx context.Context) (int, bool, error)
	SetThreshold(ctx context.Context, n int) error
}
