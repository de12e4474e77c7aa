package kernel

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/R3E-Network/kernel_layer/internal/engine/events"
	core "github.com/R3E-Network/kernel_layer/system/framework/core"
)

// Role is a privileged capability held by exactly one principal.
type Role string

const (
	RoleAdmin          Role = "admin"
	RoleEmergencyAdmin Role = "emergency_admin"
	RoleUpgradeManager Role = "upgrade_manager"
)

// Roles lists every role in a stable order.
var Roles = []Role{RoleAdmin, RoleEmergencyAdmin, RoleUpgradeManager}

// ParseRole accepts the role names with either '-' or '_' separators.
func ParseRole(raw string) (Role, error) {
	r := Role(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_"))
	for _, known := range Roles {
		if r == known {
			return r, nil
		}
	}
	return "", core.Invalid("authority", "role", raw, core.CodeInvalidArgument, "unknown role")
}

func (r Role) String() string { return string(r) }

// Authority maps roles to the principals that hold them. Every role starts
// with the admin unless configured otherwise.
type Authority struct {
	mu      sync.RWMutex
	holders map[Role]Principal
	sink    events.Sink
	clock   Clock
}

// AuthorityOption customizes an Authority.
type AuthorityOption func(*Authority)

// WithHolder assigns role to p at construction time.
func WithHolder(role Role, p Principal) AuthorityOption {
	return func(a *Authority) {
		if !p.IsZero() {
			a.holders[role] = p
		}
	}
}

// WithAuthoritySink routes transfer events to sink.
func WithAuthoritySink(sink events.Sink) AuthorityOption {
	return func(a *Authority) { a.sink = sink }
}

// WithAuthorityClock sets the clock used for event timestamps.
func WithAuthorityClock(clock Clock) AuthorityOption {
	return func(a *Authority) { a.clock = clock }
}

// NewAuthority creates an authority whose roles all default to admin.
func NewAuthority(admin Principal, opts ...AuthorityOption) *Authority {
	a := &Authority{
		holders: make(map[Role]Principal, len(Roles)),
		sink:    events.NoOpSink{},
		clock:   NewLedgerClock(),
	}
	for _, r := range Roles {
		a.holders[r] = admin
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Holder returns the principal currently holding role.
func (a *Authority) Holder(role Role) Principal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.holders[role]
}

// Has reports whether p holds role.
func (a *Authority) Has(role Role, p Principal) bool {
	if p.IsZero() {
		return false
	}
	return a.Holder(role) == p
}

// Require returns nil if caller holds any of roles, otherwise an
// AuthorizationError naming component and operation.
func (a *Authority) Require(component, operation string, caller Principal, roles ...Role) error {
	for _, r := range roles {
		if a.Has(r, caller) {
			return nil
		}
	}
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return core.Unauthorized(component, operation, caller.String(), strings.Join(names, "|"))
}

// Transfer moves role to principal to. Only the admin may transfer, and
// transferring to the current holder is a no-op.
func (a *Authority) Transfer(ctx context.Context, caller Principal, role Role, to Principal) error {
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	if to.IsZero() {
		return core.Invalid("authority", "principal", "", core.CodeInvalidPrincipal, "is required")
	}

	a.mu.Lock()
	if a.holders[RoleAdmin] != caller || caller.IsZero() {
		a.mu.Unlock()
		return core.Unauthorized("authority", "transfer", caller.String(), string(RoleAdmin))
	}
	prev := a.holders[role]
	if prev == to {
		a.mu.Unlock()
		return nil
	}
	a.holders[role] = to
	a.mu.Unlock()

	events.NewEvent(events.EventAuthorityTransferred).
		Component("authority").
		Entity(string(role)).
		Transition(prev.String(), to.String()).
		Actor(caller.String()).
		At(a.clock.Now()).
		EmitTo(ctx, a.sink)
	return nil
}

// Snapshot returns the current role assignment.
func (a *Authority) Snapshot() map[Role]Principal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[Role]Principal, len(a.holders))
	for r, p := range a.holders {
		out[r] = p
	}
	return out
}

// RolesOf lists the roles p holds, sorted.
func (a *Authority) RolesOf(p Principal) []Role {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []Role
	for r, holder := range a.holders {
		if holder == p && !p.IsZero() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
