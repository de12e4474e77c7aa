package dependencies

import (
	"context"
	"sort"

	"github.com/R3E-Network/kernel_layer/internal/kernel"
)

type edgeID struct {
	dependent  kernel.ModuleCode
	dependency kernel.ModuleCode
}

// adjacency is an unordered set with O(1) insert and swap-remove.
type adjacency struct {
	items []kernel.ModuleCode
	slot  map[kernel.ModuleCode]int
}

func newAdjacency() *adjacency {
	return &adjacency{slot: make(map[kernel.ModuleCode]int)}
}

func (a *adjacency) add(code kernel.ModuleCode) {
	if _, ok := a.slot[code]; ok {
		return
	}
	a.slot[code] = len(a.items)
	a.items = append(a.items, code)
}

func (a *adjacency) remove(code kernel.ModuleCode) {
	i, ok := a.slot[code]
	if !ok {
		return
	}
	last := len(a.items) - 1
	if i != last {
		moved := a.items[last]
		a.items[i] = moved
		a.slot[moved] = i
	}
	a.items = a.items[:last]
	delete(a.slot, code)
}

func (a *adjacency) list() []kernel.ModuleCode {
	out := make([]kernel.ModuleCode, len(a.items))
	copy(out, a.items)
	return out
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	edges   map[edgeID]Edge
	forward map[kernel.ModuleCode]*adjacency
	reverse map[kernel.ModuleCode]*adjacency
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		edges:   make(map[edgeID]Edge),
		forward: make(map[kernel.ModuleCode]*adjacency),
		reverse: make(map[kernel.ModuleCode]*adjacency),
	}
}

func (s *MemoryStore) GetEdge(_ context.Context, dependent, dependency kernel.ModuleCode) (Edge, bool, error) {
	e, ok := s.edges[edgeID{dependent, dependency}]
	return e, ok, nil
}

func (s *MemoryStore) InsertEdge(_ context.Context, edge Edge) error {
	id := edgeID{edge.Dependent, edge.Dependency}
	s.edges[id] = edge
	s.index(s.forward, edge.Dependent).add(edge.Dependency)
	s.index(s.reverse, edge.Dependency).add(edge.Dependent)
	return nil
}

func (s *MemoryStore) UpdateEdge(_ context.Context, edge Edge) error {
	id := edgeID{edge.Dependent, edge.Dependency}
	if _, ok := s.edges[id]; ok {
		s.edges[id] = edge
	}
	return nil
}

func (s *MemoryStore) DeleteEdge(_ context.Context, dependent, dependency kernel.ModuleCode) error {
	id := edgeID{dependent, dependency}
	if _, ok := s.edges[id]; !ok {
		return nil
	}
	delete(s.edges, id)
	if adj, ok := s.forward[dependent]; ok {
		adj.remove(dependency)
		if len(adj.items) == 0 {
			delete(s.forward, dependent)
		}
	}
	if adj, ok := s.reverse[dependency]; ok {
		adj.remove(dependent)
		if len(adj.items) == 0 {
			delete(s.reverse, dependency)
		}
	}
	return nil
}

func (s *MemoryStore) DependenciesOf(_ context.Context, code kernel.ModuleCode) ([]kernel.ModuleCode, error) {
	if adj, ok := s.forward[code]; ok {
		return adj.list(), nil
	}
	return nil, nil
}

func (s *MemoryStore) DependentsOf(_ context.Context, code kernel.ModuleCode) ([]kernel.ModuleCode, error) {
	if adj, ok := s.reverse[code]; ok {
		return adj.list(), nil
	}
	return nil, nil
}

func (s *MemoryStore) EdgesFrom(_ context.Context, code kernel.ModuleCode) ([]Edge, error) {
	adj, ok := s.forward[code]
	if !ok {
		return nil, nil
	}
	out := make([]Edge, 0, len(adj.items))
	for _, dep := range adj.items {
		out = append(out, s.edges[edgeID{code, dep}])
	}
	return out, nil
}

func (s *MemoryStore) ListEdges(_ context.Context) ([]Edge, error) {
	out := make([]Edge, 0, len(s.edges))
	for _, e := range s.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	return len(s.edges), nil
}

func (s *MemoryStore) index(m map[kernel.ModuleCode]*adjacency, code kernel.ModuleCode) *adjacency {
	adj, ok := m[code]
	if !ok {
		adj = newAdjacency()
		m[code] = adj
	}
	return adj
}

var _ Store = (*MemoryStore)(nil)
