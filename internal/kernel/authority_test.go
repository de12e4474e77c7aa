package kernel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/kernel_layer/internal/engine/events"
	core "github.com/R3E-Network/kernel_layer/system/framework/core"
)

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Emit(_ context.Context, e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) all() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.events...)
}

func TestAuthority_DefaultsToAdmin(t *testing.T) {
	a := NewAuthority("admin")
	for _, r := range Roles {
		assert.Equal(t, Principal("admin"), a.Holder(r))
	}
	assert.Equal(t, []Role{RoleAdmin, RoleEmergencyAdmin, RoleUpgradeManager}, a.RolesOf("admin"))
}

func TestAuthority_Require(t *testing.T) {
	a := NewAuthority("admin",
		WithHolder(RoleEmergencyAdmin, "guardian"),
		WithHolder(RoleUpgradeManager, "orchestrator"),
	)

	assert.NoError(t, a.Require("timelock", "execute", "orchestrator", RoleAdmin, RoleUpgradeManager))
	assert.NoError(t, a.Require("timelock", "execute", "admin", RoleAdmin, RoleUpgradeManager))

	err := a.Require("timelock", "executeEmergency", "admin", RoleEmergencyAdmin)
	require.Error(t, err)
	assert.True(t, core.IsForbidden(err))
	var authErr *core.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "timelock", authErr.Component)
	assert.Equal(t, "executeEmergency", authErr.Operation)
	assert.Equal(t, "emergency_admin", authErr.Required)

	assert.Error(t, a.Require("timelock", "cancel", "", RoleAdmin))
}

func TestAuthority_Transfer(t *testing.T) {
	sink := &recordingSink{}
	clock := NewManualClock(time.Unix(42, 0))
	a := NewAuthority("admin", WithAuthoritySink(sink), WithAuthorityClock(clock))
	ctx := context.Background()

	err := a.Transfer(ctx, "mallory", RoleUpgradeManager, "mallory")
	assert.True(t, core.IsForbidden(err))

	require.NoError(t, a.Transfer(ctx, "admin", RoleUpgradeManager, "orchestrator"))
	assert.Equal(t, Principal("orchestrator"), a.Holder(RoleUpgradeManager))

	// Same holder: documented no-op, no event.
	require.NoError(t, a.Transfer(ctx, "admin", RoleUpgradeManager, "orchestrator"))

	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, events.EventAuthorityTransferred, got[0].Type)
	assert.Equal(t, "upgrade_manager", got[0].EntityID)
	assert.Equal(t, "admin", got[0].OldState)
	assert.Equal(t, "orchestrator", got[0].NewState)
	assert.Equal(t, int64(42), got[0].Timestamp.Unix())

	require.NoError(t, a.Transfer(ctx, "admin", RoleAdmin, "admin2"))
	assert.True(t, core.IsForbidden(a.Transfer(ctx, "admin", RoleEmergencyAdmin, "x")))

	assert.True(t, core.IsInvalidInput(a.Transfer(ctx, "admin2", "owner", "x")))
	assert.True(t, core.IsInvalidInput(a.Transfer(ctx, "admin2", RoleAdmin, "")))
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("Upgrade-Manager")
	require.NoError(t, err)
	assert.Equal(t, RoleUpgradeManager, r)

	_, err = ParseRole("root")
	assert.Error(t, err)
}
