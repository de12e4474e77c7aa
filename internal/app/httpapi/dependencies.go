package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/kernel_layer/internal/kernel"
)

func (s *Server) dependencyRoutes(r *mux.Router) {
	r.HandleFunc("/dependencies", s.listEdges).Methods(http.MethodGet)
	r.HandleFunc("/dependencies", s.registerDependency).Methods(http.MethodPost)
	r.HandleFunc("/dependencies/stats", s.dependencyStats).Methods(http.MethodGet)
	r.HandleFunc("/dependencies/{dependent}/{dependency}", s.getEdge).Methods(http.MethodGet)
	r.HandleFunc("/dependencies/{dependent}/{dependency}", s.removeDependency).Methods(http.MethodDelete)
	r.HandleFunc("/dependencies/{dependent}/{dependency}/validate", s.validateDependency).Methods(http.MethodPost)

	r.HandleFunc("/modules", s.listModules).Methods(http.MethodGet)
	r.HandleFunc("/modules/{code}/dependencies", s.dependenciesOf).Methods(http.MethodGet)
	r.HandleFunc("/modules/{code}/dependents", s.dependentsOf).Methods(http.MethodGet)
	r.HandleFunc("/modules/{code}/invalid-dependencies", s.invalidDependencies).Methods(http.MethodGet)
}

func (s *Server) registerDependency(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Dependent  string `json:"dependent"`
		Dependency string `json:"dependency"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, err)
		return
	}
	dependent, err := kernel.ParseModuleCode(payload.Dependent)
	if err != nil {
		writeError(w, err)
		return
	}
	dependency, err := kernel.ParseModuleCode(payload.Dependency)
	if err != nil {
		writeError(w, err)
		return
	}
	edge, err := s.deps.Orchestrator.Dependencies.RegisterDependency(r.Context(), principalOf(r.Context()), dependent, dependency)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, edge)
}

func (s *Server) edgeVars(r *http.Request) (kernel.ModuleCode, kernel.ModuleCode, error) {
	dependent, err := pathModule(r, "dependent")
	if err != nil {
		return "", "", err
	}
	dependency, err := pathModule(r, "dependency")
	if err != nil {
		return "", "", err
	}
	return dependent, dependency, nil
}

func (s *Server) removeDependency(w http.ResponseWriter, r *http.Request) {
	dependent, dependency, err := s.edgeVars(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Orchestrator.Dependencies.RemoveDependency(r.Context(), principalOf(r.Context()), dependent, dependency); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) validateDependency(w http.ResponseWriter, r *http.Request) {
	dependent, dependency, err := s.edgeVars(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var payload struct {
		Valid bool `json:"valid"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, err)
		return
	}
	edge, err := s.deps.Orchestrator.Dependencies.ValidateDependency(r.Context(), principalOf(r.Context()), dependent, dependency, payload.Valid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, edge)
}

func (s *Server) getEdge(w http.ResponseWriter, r *http.Request) {
	dependent, dependency, err := s.edgeVars(r)
	if err != nil {
		writeError(w, err)
		return
	}
	edge, err := s.deps.Orchestrator.Dependencies.Edge(r.Context(), dependent, dependency)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, edge)
}

func (s *Server) listEdges(w http.ResponseWriter, r *http.Request) {
	edges, err := s.deps.Orchestrator.Dependencies.Edges(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, edges)
}

func (s *Server) dependencyStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Orchestrator.Dependencies.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) dependenciesOf(w http.ResponseWriter, r *http.Request) {
	code, err := pathModule(r, "code")
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.deps.Orchestrator.Dependencies.DependenciesOf(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, codesOrEmpty(out))
}

func (s *Server) dependentsOf(w http.ResponseWriter, r *http.Request) {
	code, err := pathModule(r, "code")
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.deps.Orchestrator.Dependencies.DependentsOf(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, codesOrEmpty(out))
}

func (s *Server) invalidDependencies(w http.ResponseWriter, r *http.Request) {
	code, err := pathModule(r, "code")
	if err != nil {
		writeError(w, err)
		return
	}
	edges, err := s.deps.Orchestrator.Dependencies.InvalidDependencies(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, edges)
}

func (s *Server) listModules(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Registry == nil {
		writeJSON(w, http.StatusOK, []kernel.ModuleRecord{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Registry.Modules())
}

func codesOrEmpty(codes []kernel.ModuleCode) []kernel.ModuleCode {
	if codes == nil {
		return []kernel.ModuleCode{}
	}
	return codes
}
