package validation

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/kernel_layer/internal/kernel"
	core "github.com/R3E-Network/kernel_layer/system/framework/core"
)

type resultKey struct {
	impl      util.Uint160
	rule      uint64
	validator kernel.Principal
}

type approvalKey struct {
	impl      util.Uint160
	validator kernel.Principal
}

// MemoryStore is an in-memory Store. The validator panel is an indexed
// slice with swap-remove.
type MemoryStore struct {
	validators []Validator
	slot       map[kernel.Principal]int

	rules   map[uint64]Rule
	byName  map[string]uint64
	nextID  uint64
	results map[resultKey]RuleResult

	validations map[util.Uint160]ImplementationValidation
	approvals   map[approvalKey]time.Time

	threshold    int
	thresholdSet bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slot:        make(map[kernel.Principal]int),
		rules:       make(map[uint64]Rule),
		byName:      make(map[string]uint64),
		nextID:      1,
		results:     make(map[resultKey]RuleResult),
		validations: make(map[util.Uint160]ImplementationValidation),
		approvals:   make(map[approvalKey]time.Time),
	}
}

func (s *MemoryStore) GetValidator(_ context.Context, p kernel.Principal) (Validator, bool, error) {
	i, ok := s.slot[p]
	if !ok {
		return Validator{}, false, nil
	}
	return s.validators[i], true, nil
}

func (s *MemoryStore) InsertValidator(_ context.Context, v Validator) error {
	if _, ok := s.slot[v.Principal]; ok {
		return nil
	}
	s.slot[v.Principal] = len(s.validators)
	s.validators = append(s.validators, v)
	return nil
}

func (s *MemoryStore) DeleteValidator(_ context.Context, p kernel.Principal) error {
	i, ok := s.slot[p]
	if !ok {
		return nil
	}
	last := len(s.validators) - 1
	if i != last {
		s.validators[i] = s.validators[last]
		s.slot[s.validators[i].Principal] = i
	}
	s.validators = s.validators[:last]
	delete(s.slot, p)
	return nil
}

func (s *MemoryStore) ListValidators(_ context.Context) ([]Validator, error) {
	out := make([]Validator, len(s.validators))
	copy(out, s.validators)
	sort.Slice(out, func(i, j int) bool { return out[i].Principal < out[j].Principal })
	return out, nil
}

func (s *MemoryStore) CountValidators(_ context.Context) (int, error) {
	return len(s.validators), nil
}

func (s *MemoryStore) InsertRule(_ context.Context, r Rule) (Rule, error) {
	r.ID = s.nextID
	s.nextID++
	s.rules[r.ID] = r
	s.byName[core.NormalizeName(r.Name)] = r.ID
	return r, nil
}

func (s *MemoryStore) GetRule(_ context.Context, id uint64) (Rule, bool, error) {
	r, ok := s.rules[id]
	return r, ok, nil
}

func (s *MemoryStore) GetRuleByName(_ context.Context, name string) (Rule, bool, error) {
	id, ok := s.byName[core.NormalizeName(name)]
	if !ok {
		return Rule{}, false, nil
	}
	return s.rules[id], true, nil
}

func (s *MemoryStore) UpdateRule(_ context.Context, r Rule) error {
	if _, ok := s.rules[r.ID]; ok {
		s.rules[r.ID] = r
	}
	return nil
}

func (s *MemoryStore) DeleteRule(_ context.Context, id uint64) error {
	r, ok := s.rules[id]
	if !ok {
		return nil
	}
	delete(s.rules, id)
	delete(s.byName, core.NormalizeName(r.Name))
	return nil
}

func (s *MemoryStore) ListRules(_ context.Context) ([]Rule, error) {
	out := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) PutRuleResult(_ context.Context, r RuleResult) error {
	s.results[resultKey{r.Implementation, r.RuleID, r.Validator}] = r
	return nil
}

func (s *MemoryStore) RecordVeto(ctx context.Context, r RuleResult, v ImplementationValidation) error {
	s.results[resultKey{r.Implementation, r.RuleID, r.Validator}] = r
	return s.PutValidation(ctx, v)
}

func (s *MemoryStore) ListRuleResults(_ context.Context, impl util.Uint160) ([]RuleResult, error) {
	var out []RuleResult
	for k, r := range s.results {
		if k.impl == impl {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RuleID != out[j].RuleID {
			return out[i].RuleID < out[j].RuleID
		}
		return out[i].Validator < out[j].Validator
	})
	return out, nil
}

func (s *MemoryStore) GetValidation(_ context.Context, impl util.Uint160) (ImplementationValidation, bool, error) {
	v, ok := s.validations[impl]
	return v, ok, nil
}

func (s *MemoryStore) PutValidation(_ context.Context, v ImplementationValidation) error {
	s.validations[v.Implementation] = v
	return nil
}

func (s *MemoryStore) ListValidations(_ context.Context) ([]ImplementationValidation, error) {
	out := make([]ImplementationValidation, 0, len(s.validations))
	for _, v := range s.validations {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Implementation.BytesBE(), out[j].Implementation.BytesBE()) < 0
	})
	return out, nil
}

func (s *MemoryStore) HasApproved(_ context.Context, impl util.Uint160, validator kernel.Principal) (bool, error) {
	_, ok := s.approvals[approvalKey{impl, validator}]
	return ok, nil
}

func (s *MemoryStore) RecordApproval(ctx context.Context, validator kernel.Principal, at time.Time, v ImplementationValidation) error {
	s.approvals[approvalKey{v.Implementation, validator}] = at
	return s.PutValidation(ctx, v)
}

func (s *MemoryStore) ThresholdPercent(_ context.Context) (int, bool, error) {
	return s.threshold, s.thresholdSet, nil
}

func (s *MemoryStore) SetThresholdPercent(_ context.Context, pct int) error {
	s.threshold = pct
	s.thresholdSet = true
	return nil
}

var _ Store = (*MemoryStore)(nil)
