// Package dependencies tracks directed "dependent requires dependency" edges
// between kernel modules, indexed in both directions.
package dependencies

import (
	"strings"
	"time"

	"github.com/R3E-Network/kernel_layer/internal/kernel"
	core "github.com/R3E-Network/kernel_layer/system/framework/core"
)

const componentName = "dependencies"

// Edge is one registered dependency.
type Edge struct {
	Dependent       kernel.ModuleCode `json:"dependent" db:"dependent"`
	Dependency      kernel.ModuleCode `json:"dependency" db:"dependency"`
	RegisteredAt    time.Time         `json:"registered_at" db:"registered_at"`
	LastValidatedAt time.Time         `json:"last_validated_at" db:"last_validated_at"`
	IsValid         bool              `json:"is_valid" db:"is_valid"`
}

// Key identifies the edge in events and errors.
func (e Edge) Key() string {
	return EdgeKey(e.Dependent, e.Dependency)
}

// EdgeKey formats dependent->dependency.
func EdgeKey(dependent, dependency kernel.ModuleCode) string {
	return string(dependent) + "->" + string(dependency)
}

// CycleCheck selects how registration detects cycles.
type CycleCheck string

const (
	// CycleCheckDirect rejects only the immediate reverse edge.
	CycleCheckDirect CycleCheck = "direct"
	// CycleCheckTransitive rejects any edge that closes a cycle.
	CycleCheckTransitive CycleCheck = "transitive"
)

// ParseCycleCheck defaults to CycleCheckDirect.
func ParseCycleCheck(raw string) (CycleCheck, error) {
	switch CycleCheck(strings.ToLower(strings.TrimSpace(raw))) {
	case "", CycleCheckDirect:
		return CycleCheckDirect, nil
	case CycleCheckTransitive:
		return CycleCheckTransitive, nil
	default:
		return "", core.Invalid(componentName, "cycle_check", raw, core.CodeInvalidArgument, "must be direct or transitive")
	}
}

// Stats summarizes the graph.
type Stats struct {
	Edges        int `json:"edges"`
	InvalidEdges int `json:"invalid_edges"`
	Modules      int `json:"modules"`
}
