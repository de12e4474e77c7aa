package dependencies

import (
	"context"

	"github.com/R3E-Network/kernel_layer/internal/kernel"
)

// Store persists edges and both adjacency indices. Implementations need no
// locking beyond what the executor already provides, but must keep the
// forward and reverse indices consistent on every write.
type Store interface {
	GetEdge(ctx context.Context, dependent, dependency kernel.ModuleCode) (Edge, bool, error)
	InsertEdge(ctx context.Context, edge Edge) error
	UpdateEdge(ctx context.Context, edge Edge) error
	DeleteEdge(ctx context.Context, dependent, dependency kernel.ModuleCode) error

	// DependenciesOf lists the modules code depends on.
	DependenciesOf(ctx context.Context, code kernel.ModuleCode) ([]kernel.ModuleCode, error)
	// DependentsOf lists the modules depending on code.
	DependentsOf(ctx context.Context, code kernel.ModuleCode) ([]kernel.ModuleCode, error)
	// EdgesFrom lists the full edges whose dependent is code.
	EdgesFrom(ctx context.Context, code kernel.ModuleCode) ([]Edge, error)

	ListEdges(ctx context.Context) ([]Edge, error)
	Count(ctx context.Context) (int, error)
}
