package kernel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/nspcc-dev/neo-go/pkg/util"

	core "github.com/R3E-Network/kernel_layer/system/framework/core"
)

// Resolver maps a module code to its current implementation address.
type Resolver interface {
	Resolve(ctx context.Context, code ModuleCode) (util.Uint160, error)
}

// Applier swaps the implementation behind a proxy. It is invoked by the
// orchestrator after an upgrade executes; the pipeline components never call it.
type Applier interface {
	ApplyImplementation(ctx context.Context, proxy, implementation util.Uint160) error
}

// ProxyLookup maps a module code to the proxy fronting it.
type ProxyLookup interface {
	ProxyOf(ctx context.Context, code ModuleCode) (util.Uint160, error)
}

// ModuleRecord is one registry entry.
type ModuleRecord struct {
	Code           ModuleCode   `json:"code"`
	Proxy          util.Uint160 `json:"proxy"`
	Implementation util.Uint160 `json:"implementation"`
	Version        string       `json:"version"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// MemoryRegistry is an in-process module registry. Production deployments
// supply their own Resolver/Applier backed by the ledger.
type MemoryRegistry struct {
	mu      sync.RWMutex
	modules map[ModuleCode]*moduleEntry
	byProxy map[util.Uint160]ModuleCode
	clock   Clock
}

type moduleEntry struct {
	record  ModuleRecord
	version *semver.Version
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry(clock Clock) *MemoryRegistry {
	if clock == nil {
		clock = NewLedgerClock()
	}
	return &MemoryRegistry{
		modules: make(map[ModuleCode]*moduleEntry),
		byProxy: make(map[util.Uint160]ModuleCode),
		clock:   clock,
	}
}

// Register adds a module. version must be a semantic version; empty means 1.0.0.
func (r *MemoryRegistry) Register(code ModuleCode, proxy, implementation util.Uint160, version string) error {
	if err := code.Validate(); err != nil {
		return err
	}
	if err := RequireAddress("registry", "proxy", proxy); err != nil {
		return err
	}
	if err := RequireAddress("registry", "implementation", implementation); err != nil {
		return err
	}
	if version == "" {
		version = "1.0.0"
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return core.Invalid("registry", "version", version, core.CodeInvalidArgument, err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[code]; ok {
		return core.Conflict("registry", "module", code.String(), core.CodeAlreadyRegistered, "")
	}
	if owner, ok := r.byProxy[proxy]; ok {
		return core.Conflict("registry", "proxy", FormatAddress(proxy), core.CodeAlreadyRegistered, owner.String())
	}
	r.modules[code] = &moduleEntry{
		record: ModuleRecord{
			Code:           code,
			Proxy:          proxy,
			Implementation: implementation,
			Version:        v.String(),
			UpdatedAt:      r.clock.Now(),
		},
		version: v,
	}
	r.byProxy[proxy] = code
	return nil
}

// Resolve returns the current implementation of code.
func (r *MemoryRegistry) Resolve(_ context.Context, code ModuleCode) (util.Uint160, error) {
	rec, err := r.Module(code)
	if err != nil {
		return util.Uint160{}, err
	}
	return rec.Implementation, nil
}

// ProxyOf returns the proxy fronting code.
func (r *MemoryRegistry) ProxyOf(_ context.Context, code ModuleCode) (util.Uint160, error) {
	rec, err := r.Module(code)
	if err != nil {
		return util.Uint160{}, err
	}
	return rec.Proxy, nil
}

// Module returns the record for code.
func (r *MemoryRegistry) Module(code ModuleCode) (ModuleRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.modules[code]
	if !ok {
		return ModuleRecord{}, core.NotRegistered("registry", "module", code.String())
	}
	return entry.record, nil
}

// Modules lists every record ordered by code.
func (r *MemoryRegistry) Modules() []ModuleRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModuleRecord, 0, len(r.modules))
	for _, entry := range r.modules {
		out = append(out, entry.record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// ApplyImplementation points proxy at implementation and bumps the patch version.
func (r *MemoryRegistry) ApplyImplementation(_ context.Context, proxy, implementation util.Uint160) error {
	if err := RequireAddress("registry", "implementation", implementation); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	code, ok := r.byProxy[proxy]
	if !ok {
		return core.NotRegistered("registry", "proxy", FormatAddress(proxy))
	}
	entry := r.modules[code]
	if entry.record.Implementation.Equals(implementation) {
		return nil
	}
	next := entry.version.IncPatch()
	entry.version = &next
	entry.record.Implementation = implementation
	entry.record.Version = next.String()
	entry.record.UpdatedAt = r.clock.Now()
	return nil
}

var (
	_ Resolver    = (*MemoryRegistry)(nil)
	_ Applier     = (*MemoryRegistry)(nil)
	_ ProxyLookup = (*MemoryRegistry)(nil)
)
