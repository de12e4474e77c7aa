package proposals

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/kernel_layer/internal/engine/events"
	"github.com/R3E-Network/kernel_layer/internal/engine/state"
	"github.com/R3E-Network/kernel_layer/internal/kernel"
	"github.com/R3E-Network/kernel_layer/pkg/logger"
	core "github.com/R3E-Network/kernel_layer/system/framework/core"
)

// Service is the proposal consensus component.
type Service struct {
	store            Store
	rt               kernel.Runtime
	defaultThreshold int
	log              *logger.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithDefaultThreshold sets the threshold used until SetThreshold is called.
func WithDefaultThreshold(n int) Option {
	return func(s *Service) { s.defaultThreshold = n }
}

// New creates a proposal consensus service.
func New(store Store, rt kernel.Runtime, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault(componentName)
	}
	s := &Service{
		store:            store,
		rt:               rt.WithDefaults(),
		defaultThreshold: DefaultThreshold,
		log:              log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Propose opens a Pending proposal. Only approvers may propose.
func (s *Service) Propose(ctx context.Context, caller kernel.Principal, proxy, impl util.Uint160, description string) (Proposal, error) {
	var p Proposal
	err := s.run(ctx, "propose", caller, func(op *kernel.Op) error {
		if err := s.requireApprover(op.Ctx, "propose", caller); err != nil {
			return err
		}
		if err := kernel.RequireAddress(componentName, "proxy_module", proxy); err != nil {
			return err
		}
		if err := kernel.RequireAddress(componentName, "new_implementation", impl); err != nil {
			return err
		}
		var err error
		p, err = s.store.InsertProposal(op.Ctx, Proposal{
			ProxyModule:       proxy,
			NewImplementation: impl,
			Status:            state.ProposalPending,
			Description:       description,
			Proposer:          caller,
			ProposedAt:        op.Now,
		})
		if err != nil {
			return fmt.Errorf("insert proposal: %w", err)
		}
		op.Record(events.NewEvent(events.EventProposalCreated).
			Entity(p.Key()).
			Transition("", state.ProposalPending.String()).
			Metadata("proxy_module", kernel.FormatAddress(proxy)).
			Metadata("new_implementation", kernel.FormatAddress(impl)))
		return nil
	})
	if err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// Approve casts caller's vote. Reaching the threshold moves the proposal to
// Approved, where it stays.
func (s *Service) Approve(ctx context.Context, caller kernel.Principal, id uint64) (Proposal, error) {
	var p Proposal
	err := s.run(ctx, "approveUpgrade", caller, func(op *kernel.Op) error {
		if err := s.requireApprover(op.Ctx, "approveUpgrade", caller); err != nil {
			return err
		}
		var err error
		if p, err = s.mustProposal(op.Ctx, id); err != nil {
			return err
		}
		if err := votable(p); err != nil {
			return err
		}
		voted, err := s.store.HasApproved(op.Ctx, id, caller)
		if err != nil {
			return fmt.Errorf("get vote: %w", err)
		}
		if voted {
			return core.Conflict(componentName, "proposal", p.Key(), core.CodeAlreadyApproved, "approver "+caller.String()+" already voted")
		}
		threshold, err := s.threshold(op.Ctx)
		if err != nil {
			return err
		}

		p.ApprovalCount++
		if p.ApprovalCount >= threshold {
			p.Status = state.ProposalApproved
			p.ApprovedAt = op.Now
		}
		if err := s.store.RecordApproval(op.Ctx, caller, op.Now, p); err != nil {
			return fmt.Errorf("record approval: %w", err)
		}
		op.Record(events.NewEvent(events.EventProposalVote).
			Entity(p.Key()).
			Transition(state.ProposalPending.String(), p.Status.String()).
			Metadata("approval_count", strconv.Itoa(p.ApprovalCount)).
			Metadata("threshold", strconv.Itoa(threshold)))
		if p.Status == state.ProposalApproved {
			op.Record(events.NewEvent(events.EventProposalApproved).
				Entity(p.Key()).
				Transition(state.ProposalPending.String(), state.ProposalApproved.String()))
		}
		return nil
	})
	if err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// Reject moves a Pending proposal to Rejected. One approver suffices.
func (s *Service) Reject(ctx context.Context, caller kernel.Principal, id uint64) (Proposal, error) {
	var p Proposal
	err := s.run(ctx, "rejectUpgrade", caller, func(op *kernel.Op) error {
		if err := s.requireApprover(op.Ctx, "rejectUpgrade", caller); err != nil {
			return err
		}
		var err error
		if p, err = s.mustProposal(op.Ctx, id); err != nil {
			return err
		}
		if err := votable(p); err != nil {
			return err
		}
		p.Status = state.ProposalRejected
		p.RejectedAt = op.Now
		if err := s.store.UpdateProposal(op.Ctx, p); err != nil {
			return fmt.Errorf("update proposal: %w", err)
		}
		op.Record(events.NewEvent(events.EventProposalRejected).
			Entity(p.Key()).
			Transition(state.ProposalPending.String(), state.ProposalRejected.String()))
		return nil
	})
	if err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// Execute marks an Approved proposal Executed.
func (s *Service) Execute(ctx context.Context, caller kernel.Principal, id uint64) (Proposal, error) {
	var p Proposal
	err := s.run(ctx, "executeUpgrade", caller, func(op *kernel.Op) error {
		if err := s.rt.Authority.Require(componentName, "executeUpgrade", caller, kernel.RoleAdmin, kernel.RoleUpgradeManager); err != nil {
			return err
		}
		var err error
		if p, err = s.mustProposal(op.Ctx, id); err != nil {
			return err
		}
		switch p.Status {
		case state.ProposalApproved:
		case state.ProposalPending:
			return core.Conflict(componentName, "proposal", p.Key(), core.CodeNotApproved, p.Status.String())
		case state.ProposalRejected:
			return core.Conflict(componentName, "proposal", p.Key(), core.CodeAlreadyRejected, p.Status.String())
		default:
			return core.Conflict(componentName, "proposal", p.Key(), core.CodeAlreadyExecuted, p.Status.String())
		}
		p.Status = state.ProposalExecuted
		p.ExecutedAt = op.Now
		if err := s.store.UpdateProposal(op.Ctx, p); err != nil {
			return fmt.Errorf("update proposal: %w", err)
		}
		op.Record(events.NewEvent(events.EventProposalExecuted).
			Entity(p.Key()).
			Transition(state.ProposalApproved.String(), state.ProposalExecuted.String()).
			Metadata("proxy_module", kernel.FormatAddress(p.ProxyModule)).
			Metadata("new_implementation", kernel.FormatAddress(p.NewImplementation)))
		return nil
	})
	if err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// AddApprover admits p to the panel.
func (s *Service) AddApprover(ctx context.Context, caller, p kernel.Principal) (Approver, error) {
	var a Approver
	err := s.run(ctx, "addApprover", caller, func(op *kernel.Op) error {
		if err := s.rt.Authority.Require(componentName, "addApprover", caller, kernel.RoleAdmin); err != nil {
			return err
		}
		if p.IsZero() {
			return core.Invalid(componentName, "approver", "", core.CodeInvalidPrincipal, "is required")
		}
		if _, exists, err := s.store.GetApprover(op.Ctx, p); err != nil {
			return fmt.Errorf("get approver: %w", err)
		} else if exists {
			return core.Conflict(componentName, "approver", p.String(), core.CodeAlreadyExists, "")
		}
		a = Approver{Principal: p, AddedAt: op.Now}
		if err := s.store.InsertApprover(op.Ctx, a); err != nil {
			return fmt.Errorf("insert approver: %w", err)
		}
		op.Record(events.NewEvent(events.EventApproverAdded).
			Entity(p.String()).
			Transition("", "active"))
		return nil
	})
	if err != nil {
		return Approver{}, err
	}
	return a, nil
}

// RemoveApprover drops p from the panel and clamps the threshold to the
// remaining panel size. Votes already cast still count.
func (s *Service) RemoveApprover(ctx context.Context, caller, p kernel.Principal) error {
	return s.run(ctx, "removeApprover", caller, func(op *kernel.Op) error {
		if err := s.rt.Authority.Require(componentName, "removeApprover", caller, kernel.RoleAdmin); err != nil {
			return err
		}
		if _, exists, err := s.store.GetApprover(op.Ctx, p); err != nil {
			return fmt.Errorf("get approver: %w", err)
		} else if !exists {
			return core.NotFound(componentName, "approver", p.String())
		}
		n, err := s.store.CountApprovers(op.Ctx)
		if err != nil {
			return fmt.Errorf("count approvers: %w", err)
		}
		threshold, err := s.threshold(op.Ctx)
		if err != nil {
			return err
		}
		clamped := clampThreshold(threshold, n-1)
		if err := s.store.DeleteApprover(op.Ctx, p, clamped); err != nil {
			return fmt.Errorf("delete approver: %w", err)
		}
		op.Record(events.NewEvent(events.EventApproverRemoved).
			Entity(p.String()).
			Transition("active", "removed"))
		if clamped != threshold {
			op.Record(events.NewEvent(events.EventProposalThresholdSet).
				Entity("threshold").
				Transition(strconv.Itoa(threshold), strconv.Itoa(clamped)).
				Metadata("reason", "approver_removed"))
		}
		return nil
	})
}

// SetThreshold sets the approvals needed, between 1 and the panel size.
func (s *Service) SetThreshold(ctx context.Context, caller kernel.Principal, n int) error {
	return s.run(ctx, "setApprovalThreshold", caller, func(op *kernel.Op) error {
		if err := s.rt.Authority.Require(componentName, "setApprovalThreshold", caller, kernel.RoleAdmin); err != nil {
			return err
		}
		count, err := s.store.CountApprovers(op.Ctx)
		if err != nil {
			return fmt.Errorf("count approvers: %w", err)
		}
		if n < 1 || n > count {
			return core.Invalid(componentName, "threshold", strconv.Itoa(n), core.CodeInvalidThreshold,
				fmt.Sprintf("must be between 1 and %d", count))
		}
		current, err := s.threshold(op.Ctx)
		if err != nil {
			return err
		}
		if err := s.store.SetThreshold(op.Ctx, n); err != nil {
			return fmt.Errorf("set threshold: %w", err)
		}
		op.Record(events.NewEvent(events.EventProposalThresholdSet).
			Entity("threshold").
			Transition(strconv.Itoa(current), strconv.Itoa(n)))
		return nil
	})
}

// Proposal returns one proposal.
func (s *Service) Proposal(ctx context.Context, id uint64) (Proposal, error) {
	var p Proposal
	err := s.rt.View(ctx, func(ctx context.Context) error {
		var err error
		p, err = s.mustProposal(ctx, id)
		return err
	})
	return p, err
}

// List returns proposals in id order. state.ProposalUnknown lists all.
func (s *Service) List(ctx context.Context, status state.ProposalStatus) ([]Proposal, error) {
	var out []Proposal
	err := s.rt.View(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.store.ListProposals(ctx, status)
		return err
	})
	return out, err
}

// Count returns the next proposal id.
func (s *Service) Count(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.rt.View(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.store.CountProposals(ctx)
		return err
	})
	return n, err
}

// HasApproved reports whether approver voted for proposal id.
func (s *Service) HasApproved(ctx context.Context, id uint64, approver kernel.Principal) (bool, error) {
	var ok bool
	err := s.rt.View(ctx, func(ctx context.Context) error {
		var err error
		ok, err = s.store.HasApproved(ctx, id, approver)
		return err
	})
	return ok, err
}

// Approvers lists the panel.
func (s *Service) Approvers(ctx context.Context) ([]Approver, error) {
	var out []Approver
	err := s.rt.View(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.store.ListApprovers(ctx)
		return err
	})
	return out, err
}

// IsApprover reports panel membership.
func (s *Service) IsApprover(ctx context.Context, p kernel.Principal) (bool, error) {
	var ok bool
	err := s.rt.View(ctx, func(ctx context.Context) error {
		var err error
		_, ok, err = s.store.GetApprover(ctx, p)
		return err
	})
	return ok, err
}

// Threshold returns the approvals needed.
func (s *Service) Threshold(ctx context.Context) (int, error) {
	var n int
	err := s.rt.View(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.threshold(ctx)
		return err
	})
	return n, err
}

func votable(p Proposal) error {
	switch p.Status {
	case state.ProposalPending:
		return nil
	case state.ProposalApproved:
		return core.Conflict(componentName, "proposal", p.Key(), core.CodeAlreadyApproved, p.Status.String())
	case state.ProposalRejected:
		return core.Conflict(componentName, "proposal", p.Key(), core.CodeAlreadyRejected, p.Status.String())
	default:
		return core.Conflict(componentName, "proposal", p.Key(), core.CodeAlreadyExecuted, p.Status.String())
	}
}

func clampThreshold(threshold, approvers int) int {
	if approvers < threshold {
		threshold = approvers
	}
	if threshold < 1 {
		threshold = 1
	}
	return threshold
}

func (s *Service) requireApprover(ctx context.Context, operation string, caller kernel.Principal) error {
	_, ok, err := s.store.GetApprover(ctx, caller)
	if err != nil {
		return fmt.Errorf("get approver: %w", err)
	}
	if !ok {
		return core.Unauthorized(componentName, operation, caller.String(), "approver")
	}
	return nil
}

func (s *Service) mustProposal(ctx context.Context, id uint64) (Proposal, error) {
	p, ok, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return Proposal{}, fmt.Errorf("get proposal: %w", err)
	}
	if !ok {
		return Proposal{}, core.NotFound(componentName, "proposal", proposalKey(id))
	}
	return p, nil
}

func (s *Service) threshold(ctx context.Context) (int, error) {
	n, ok, err := s.store.Threshold(ctx)
	if err != nil {
		return 0, fmt.Errorf("get threshold: %w", err)
	}
	if !ok {
		return s.defaultThreshold, nil
	}
	return n, nil
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
