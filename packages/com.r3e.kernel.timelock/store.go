package timelock

import (
	"context"
	"time"

	"github.com/R3E-Network/kernel_layer/internal/engine/state"
)

// Store persists scheduled upgrades and the configured delay.
type Store interface {
	// InsertUpgrade assigns the next dense id.
	InsertUpgrade(ctx context.Context, u ScheduledUpgrade) (ScheduledUpgrade, error)
	GetUpgrade(ctx context.Context, id uint64) (ScheduledUpgrade, bool, error)
	UpdateUpgrade(ctx context.Context, u ScheduledUpgrade) error
	// ListUpgrades returns upgrades in id order; UpgradeUnknown lists all.
	ListUpgrades(ctx context.Context, status state.UpgradeStatus) ([]ScheduledUpgrade, error)
	// ListDue returns Scheduled upgrades whose time is at or before now,
	// earliest first.
	ListDue(ctx context.Context, now time.Time) ([]ScheduledUpgrade, error)
	CountUpgrades(ctx context.Context) (uint64, error)
	// UpgradeByReference returns the newest upgrade with reference that was
	// not cancelled.
	UpgradeByReference(ctx context.Context, reference string) (ScheduledUpgrade, bool, error)

	TimeDelay(ctx context.Context) (time.Duration, bool, error)
	SetTimeDelay(ctx context.Context, d time.Duration) error
}
