package dependencies

import (
	"context"
	"fmt"
	"strconv"

	"github.com/R3E-Network/kernel_layer/internal/engine/events"
	"github.com/R3E-Network/kernel_layer/internal/kernel"
	"github.com/R3E-Network/kernel_layer/pkg/logger"
	core "github.com/R3E-Network/kernel_layer/system/framework/core"
)

// Service is the dependency graph.
type Service struct {
	store      Store
	rt         kernel.Runtime
	cycleCheck CycleCheck
	log        *logger.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithCycleCheck selects the cycle detection mode.
func WithCycleCheck(mode CycleCheck) Option {
	return func(s *Service) { s.cycleCheck = mode }
}

// New creates a dependency graph service.
func New(store Store, rt kernel.Runtime, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault(componentName)
	}
	s := &Service{
		store:      store,
		rt:         rt.WithDefaults(),
		cycleCheck: CycleCheckDirect,
		log:        log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CycleCheck reports the configured cycle detection mode.
func (s *Service) CycleCheck() CycleCheck { return s.cycleCheck }

// RegisterDependency records that dependent requires dependency.
func (s *Service) RegisterDependency(ctx context.Context, caller kernel.Principal, dependent, dependency kernel.ModuleCode) (Edge, error) {
	var edge Edge
	err := s.run(ctx, "registerDependency", caller, func(op *kernel.Op) error {
		if err := s.rt.Authority.Require(componentName, "registerDependency", caller, kernel.RoleAdmin); err != nil {
			return err
		}
		if err := validatePair(dependent, dependency); err != nil {
			return err
		}
		key := EdgeKey(dependent, dependency)
		if dependent == dependency {
			return core.Invalid(componentName, "dependency", key, core.CodeSelfDependency, "a module cannot depend on itself")
		}
		if _, exists, err := s.store.GetEdge(op.Ctx, dependent, dependency); err != nil {
			return fmt.Errorf("get edge %s: %w", key, err)
		} else if exists {
			return core.Conflict(componentName, "edge", key, core.CodeAlreadyRegistered, "registered")
		}
		cyclic, err := s.closesCycle(op.Ctx, dependent, dependency)
		if err != nil {
			return err
		}
		if cyclic {
			return core.Conflict(componentName, "edge", key, core.CodeCircularDependency, "")
		}

		edge = Edge{
			Dependent:       dependent,
			Dependency:      dependency,
			RegisteredAt:    op.Now,
			LastValidatedAt: op.Now,
			IsValid:         true,
		}
		if err := s.store.InsertEdge(op.Ctx, edge); err != nil {
			return fmt.Errorf("insert edge %s: %w", key, err)
		}
		op.Record(events.NewEvent(events.EventDependencyRegistered).
			Entity(key).
			Transition("", "valid").
			Metadata("dependent", dependent.String()).
			Metadata("dependency", dependency.String()))
		return nil
	})
	if err != nil {
		return Edge{}, err
	}
	return edge, nil
}

// RemoveDependency deletes a registered edge.
func (s *Service) RemoveDependency(ctx context.Context, caller kernel.Principal, dependent, dependency kernel.ModuleCode) error {
	return s.run(ctx, "removeDependency", caller, func(op *kernel.Op) error {
		if err := s.rt.Authority.Require(componentName, "removeDependency", caller, kernel.RoleAdmin); err != nil {
			return err
		}
		edge, err := s.mustEdge(op.Ctx, dependent, dependency)
		if err != nil {
			return err
		}
		if err := s.store.DeleteEdge(op.Ctx, dependent, dependency); err != nil {
			return fmt.Errorf("delete edge %s: %w", edge.Key(), err)
		}
		op.Record(events.NewEvent(events.EventDependencyRemoved).
			Entity(edge.Key()).
			Transition(validityLabel(edge.IsValid), "removed"))
		return nil
	})
}

// ValidateDependency stamps the edge's validation time and validity. It is
// bookkeeping only and gates nothing inside the graph.
func (s *Service) ValidateDependency(ctx context.Context, caller kernel.Principal, dependent, dependency kernel.ModuleCode, valid bool) (Edge, error) {
	var edge Edge
	err := s.run(ctx, "validateDependency", caller, func(op *kernel.Op) error {
		if err := s.rt.Authority.Require(componentName, "validateDependency", caller, kernel.RoleAdmin); err != nil {
			return err
		}
		current, err := s.mustEdge(op.Ctx, dependent, dependency)
		if err != nil {
			return err
		}
		edge = current
		edge.LastValidatedAt = op.Now
		edge.IsValid = valid
		if err := s.store.UpdateEdge(op.Ctx, edge); err != nil {
			return fmt.Errorf("update edge %s: %w", edge.Key(), err)
		}
		op.Record(events.NewEvent(events.EventDependencyValidated).
			Entity(edge.Key()).
			Transition(validityLabel(current.IsValid), validityLabel(valid)).
			Metadata("valid", strconv.FormatBool(valid)))
		return nil
	})
	if err != nil {
		return Edge{}, err
	}
	return edge, nil
}

// HasDependency reports whether dependent -> dependency is registered.
func (s *Service) HasDependency(ctx context.Context, dependent, dependency kernel.ModuleCode) (bool, error) {
	var ok bool
	err := s.rt.View(ctx, func(ctx context.Context) error {
		_, exists, err := s.store.GetEdge(ctx, dependent, dependency)
		ok = exists
		return err
	})
	return ok, err
}

// IsDependencyValid reports the edge's validity; absent edges are not valid.
func (s *Service) IsDependencyValid(ctx context.Context, dependent, dependency kernel.ModuleCode) (bool, error) {
	var ok bool
	err := s.rt.View(ctx, func(ctx context.Context) error {
		edge, exists, err := s.store.GetEdge(ctx, dependent, dependency)
		ok = exists && edge.IsValid
		return err
	})
	return ok, err
}

// Edge returns one registered edge.
func (s *Service) Edge(ctx context.Context, dependent, dependency kernel.ModuleCode) (Edge, error) {
	var edge Edge
	err := s.rt.View(ctx, func(ctx context.Context) error {
		var err error
		edge, err = s.mustEdge(ctx, dependent, dependency)
		return err
	})
	return edge, err
}

// DependenciesOf lists the modules code depends on.
func (s *Service) DependenciesOf(ctx context.Context, code kernel.ModuleCode) ([]kernel.ModuleCode, error) {
	var out []kernel.ModuleCode
	err := s.rt.View(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.store.DependenciesOf(ctx, code)
		return err
	})
	return out, err
}

// DependentsOf lists the modules that break if code is deactivated.
func (s *Service) DependentsOf(ctx context.Context, code kernel.ModuleCode) ([]kernel.ModuleCode, error) {
	var out []kernel.ModuleCode
	err := s.rt.View(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.store.DependentsOf(ctx, code)
		return err
	})
	return out, err
}

// InvalidDependencies returns the edges from code currently marked invalid.
func (s *Service) InvalidDependencies(ctx context.Context, code kernel.ModuleCode) ([]Edge, error) {
	var out []Edge
	err := s.rt.View(ctx, func(ctx context.Context) error {
		edges, err := s.store.EdgesFrom(ctx, code)
		if err != nil {
			return err
		}
		for _, e := range edges {
			if !e.IsValid {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

// Edges lists every registered edge.
func (s *Service) Edges(ctx context.Context) ([]Edge, error) {
	var out []Edge
	err := s.rt.View(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.store.ListEdges(ctx)
		return err
	})
	return out, err
}

// Count returns the number of registered edges.
func (s *Service) Count(ctx context.Context) (int, error) {
	var n int
	err := s.rt.View(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.store.Count(ctx)
		return err
	})
	return n, err
}

// Stats summarizes the graph.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.rt.View(ctx, func(ctx context.Context) error {
		edges, err := s.store.ListEdges(ctx)
		if err != nil {
			return err
		}
		modules := make(map[kernel.ModuleCode]struct{})
		for _, e := range edges {
			modules[e.Dependent] = struct{}{}
			modules[e.Dependency] = struct{}{}
			if !e.IsValid {
				st.InvalidEdges++
			}
		}
		st.Edges = len(edges)
		st.Modules = len(modules)
		return nil
	})
	return st, err
}

func (s *Service) mustEdge(ctx context.Context, dependent, dependency kernel.ModuleCode) (Edge, error) {
	edge, ok, err := s.store.GetEdge(ctx, dependent, dependency)
	if err != nil {
		return Edge{}, fmt.Errorf("get edge %s: %w", EdgeKey(dependent, dependency), err)
	}
	if !ok {
		return Edge{}, core.NotRegistered(componentName, "edge", EdgeKey(dependent, dependency))
	}
	return edge, nil
}

// closesCycle reports whether adding dependent -> dependency creates a cycle
// under the configured check.
func (s *Service) closesCycle(ctx context.Context, dependent, dependency kernel.ModuleCode) (bool, error) {
	if s.cycleCheck != CycleCheckTransitive {
		_, reverse, err := s.store.GetEdge(ctx, dependency, dependent)
		if err != nil {
			return false, fmt.Errorf("get reverse edge: %w", err)
		}
		return reverse, nil
	}

	// Walk forward from dependency looking for dependent.
	visited := map[kernel.ModuleCode]bool{dependency: true}
	queue := []kernel.ModuleCode{dependency}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		deps, err := s.store.DependenciesOf(ctx, next)
		if err != nil {
			return false, fmt.Errorf("dependencies of %s: %w", next, err)
		}
		for _, d := range deps {
			if d == dependent {
				return true, nil
			}
			if !visited[d] {
				visited[d] = true
				queue = append(queue, d)
			}
		}
	}
	return false, nil
}

func (s *Service) run(ctx context.Context, operation string, caller kernel.Principal, fn func(op *kernel.Op) error) error {
	published, err := s.rt.Run(ctx, componentName, operation, caller, fn)
	if err != nil {
		s.log.WithField("operation", operation).
			WithField("actor", caller.String()).
			WithField("code", string(core.CodeOf(err))).
			Debug("operation rejected")
		return err
	}
	for _, e := range published {
		s.log.WithField("entity_id", e.EntityID).
			WithField("actor", e.Actor).
			WithField("old_state", e.OldState).
			WithField("new_state", e.NewState).
			Info(string(e.Type))
	}
	return nil
}

func validatePair(dependent, dependency kernel.ModuleCode) error {
	if err := dependent.Validate(); err != nil {
		return err
	}
	return dependency.Validate()
}

func validityLabel(valid bool) string {
	if valid {
		return "valid"
	}
	return "invalid"
}
