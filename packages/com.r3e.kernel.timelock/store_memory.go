package timelock

import (
	"context"
	"sort"
	"time"

	"github.com/R3E-Network/kernel_layer/internal/engine/state"
)

// MemoryStore is an in-memory Store with upgrades indexed by id.
type MemoryStore struct {
	upgrades []ScheduledUpgrade
	delay    time.Duration
	delaySet bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) InsertUpgrade(_ context.Context, u ScheduledUpgrade) (ScheduledUpgrade, error) {
	u.ID = uint64(len(s.upgrades))
	s.upgrades = append(s.upgrades, u)
	return u, nil
}

func (s *MemoryStore) GetUpgrade(_ context.Context, id uint64) (ScheduledUpgrade, bool, error) {
	if id >= uint64(len(s.upgrades)) {
		return ScheduledUpgrade{}, false, nil
	}
	return s.upgrades[id], true, nil
}

func (s *MemoryStore) UpdateUpgrade(_ context.Context, u ScheduledUpgrade) error {
	if u.ID < uint64(len(s.upgrades)) {
		s.upgrades[u.ID] = u
	}
	return nil
}

func (s *MemoryStore) ListUpgrades(_ context.Context, status state.UpgradeStatus) ([]ScheduledUpgrade, error) {
	var out []ScheduledUpgrade
	for _, u := range s.upgrades {
		if status == state.UpgradeUnknown || u.Status == status {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time) ([]ScheduledUpgrade, error) {
	var out []ScheduledUpgrade
	for _, u := range s.upgrades {
		if u.Due(now) {
			out = append(out, u)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	return out, nil
}

func (s *MemoryStore) UpgradeByReference(_ context.Context, reference string) (ScheduledUpgrade, bool, error) {
	for i := len(s.upgrades) - 1; i >= 0; i-- {
		if u := s.upgrades[i]; u.Reference == reference && u.Status != state.UpgradeCancelled {
			return u, true, nil
		}
	}
	return ScheduledUpgrade{}, false, nil
}

func (s *MemoryStore) CountUpgrades(_ context.Context) (uint64, error) {
	return uint64(len(s.upgrades)), nil
}

func (s *MemoryStore) TimeDelay(_ context.Context) (time.Duration, bool, error) {
	return s.delay, s.delaySet, nil
}

func (s *MemoryStore) SetTimeDelay(_ context.Context, d time.Duration) error {
	s.delay = d
	s.delaySet = true
	return nil
}

var _ Store = (*MemoryStore)(nil)
