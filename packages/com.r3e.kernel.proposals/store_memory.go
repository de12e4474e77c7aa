package proposals

import (
	"context"
	"sort"
	"time"

	"github.com/R3E-Network/kernel_layer/internal/engine/state"
	"github.com/R3E-Network/kernel_layer/internal/kernel"
)

type voteKey struct {
	id       uint64
	approver kernel.Principal
}

// MemoryStore is an in-memory Store. Proposals live in a slice indexed by id;
// approvers are an indexed slice with swap-remove.
type MemoryStore struct {
	proposals []Proposal
	votes     map[voteKey]time.Time

	approvers []Approver
	slot      map[kernel.Principal]int

	threshold    int
	thresholdSet bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		votes: make(map[voteKey]time.Time),
		slot:  make(map[kernel.Principal]int),
	}
}

func (s *MemoryStore) InsertProposal(_ context.Context, p Proposal) (Proposal, error) {
	p.ID = uint64(len(s.proposals))
	s.proposals = append(s.proposals, p)
	return p, nil
}

func (s *MemoryStore) GetProposal(_ context.Context, id uint64) (Proposal, bool, error) {
	if id >= uint64(len(s.proposals)) {
		return Proposal{}, false, nil
	}
	return s.proposals[id], true, nil
}

func (s *MemoryStore) UpdateProposal(_ context.Context, p Proposal) error {
	if p.ID < uint64(len(s.proposals)) {
		s.proposals[p.ID] = p
	}
	return nil
}

func (s *MemoryStore) ListProposals(_ context.Context, status state.ProposalStatus) ([]Proposal, error) {
	var out []Proposal
	for _, p := range s.proposals {
		if status == state.ProposalUnknown || p.Status == status {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) CountProposals(_ context.Context) (uint64, error) {
	return uint64(len(s.proposals)), nil
}

func (s *MemoryStore) HasApproved(_ context.Context, id uint64, approver kernel.Principal) (bool, error) {
	_, ok := s.votes[voteKey{id, approver}]
	return ok, nil
}

func (s *MemoryStore) RecordApproval(ctx context.Context, approver kernel.Principal, at time.Time, p Proposal) error {
	s.votes[voteKey{p.ID, approver}] = at
	return s.UpdateProposal(ctx, p)
}

func (s *MemoryStore) GetApprover(_ context.Context, p kernel.Principal) (Approver, bool, error) {
	i, ok := s.slot[p]
	if !ok {
		return Approver{}, false, nil
	}
	return s.approvers[i], true, nil
}

func (s *MemoryStore) InsertApprover(_ context.Context, a Approver) error {
	if _, ok := s.slot[a.Principal]; ok {
		return nil
	}
	s.slot[a.Principal] = len(s.approvers)
	s.approvers = append(s.approvers, a)
	return nil
}

func (s *MemoryStore) DeleteApprover(_ context.Context, p kernel.Principal, threshold int) error {
	if i, ok := s.slot[p]; ok {
		last := len(s.approvers) - 1
		if i != last {
			s.approvers[i] = s.approvers[last]
			s.slot[s.approvers[i].Principal] = i
		}
		s.approvers = s.approvers[:last]
		delete(s.slot, p)
	}
	s.threshold = threshold
	s.thresholdSet = true
	return nil
}

func (s *MemoryStore) ListApprovers(_ context.Context) ([]Approver, error) {
	out := make([]Approver, len(s.approvers))
	copy(out, s.approvers)
	sort.Slice(out, func(i, j int) bool { return out[i].Principal < out[j].Principal })
	return out, nil
}

func (s *MemoryStore) CountApprovers(_ context.Context) (int, error) {
	return len(s.approvers), nil
}

func (s *MemoryStore) Threshold(_ context.Context) (int, bool, error) {
	return s.threshold, s.thresholdSet, nil
}

func (s *MemoryStore) SetThreshold(_ context.Context, n int) error {
	s.threshold = n
	s.thresholdSet = true
	return nil
}

var _ Store = (*MemoryStore)(nil)
