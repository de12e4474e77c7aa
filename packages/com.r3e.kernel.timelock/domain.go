// Package timelock enforces a waiting period between the approval of an
// upgrade and its execution, with an emergency path that skips the wait.
package timelock

import (
	"strconv"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/kernel_layer/internal/engine/state"
)

const componentName = "timelock"

const (
	// MinTimeDelay is the floor for the configured delay.
	MinTimeDelay = time.Hour
	// DefaultTimeDelay applies until SetTimeDelay is called.
	DefaultTimeDelay = 48 * time.Hour
)

// ScheduledUpgrade is one timelocked implementation swap. IDs are dense and
// start at 0.
type ScheduledUpgrade struct {
	ID                uint64              `json:"id"`
	ProxyModule       util.Uint160        `json:"proxy_module"`
	NewImplementation util.Uint160        `json:"new_implementation"`
	ScheduledTime     time.Time           `json:"scheduled_time"`
	Status            state.UpgradeStatus `json:"status"`
	Description       string              `json:"description"`
	// Reference links the upgrade to whatever approved it, e.g. "proposal:3".
	Reference   string    `json:"reference,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExecutedAt  time.Time `json:"executed_at,omitempty"`
	CancelledAt time.Time `json:"cancelled_at,omitempty"`
	Emergency   bool      `json:"emergency"`
}

// Key formats the id for events and errors.
func (u ScheduledUpgrade) Key() string {
	return upgradeKey(u.ID)
}

// Due reports whether the upgrade may execute at now.
func (u ScheduledUpgrade) Due(now time.Time) bool {
	return u.Status == state.UpgradeScheduled && !now.Before(u.ScheduledTime)
}

// Remaining is the wait left at now, zero once due.
func (u ScheduledUpgrade) Remaining(now time.Time) time.Duration {
	if d := u.ScheduledTime.Sub(now); d > 0 {
		return d
	}
	return 0
}

func upgradeKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}
