package httpapi

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/kernel_layer/internal/engine/events"
	"github.com/R3E-Network/kernel_layer/internal/kernel"
)

func (s *Server) pipelineRoutes(r *mux.Router) {
	r.HandleFunc("/proposals/{id:[0-9]+}/schedule", s.scheduleApproved).Methods(http.MethodPost)
	r.HandleFunc("/keeper/run", s.runKeeper).Methods(http.MethodPost)
}

func (s *Server) adminRoutes(r *mux.Router) {
	r.HandleFunc("/authority", s.getAuthority).Methods(http.MethodGet)
	r.HandleFunc("/authority/{role}", s.transferRole).Methods(http.MethodPut)
	r.HandleFunc("/events", s.recentEvents).Methods(http.MethodGet)
	r.HandleFunc("/events/stream", s.streamEvents).Methods(http.MethodGet)
	r.HandleFunc("/audit", s.recentAudit).Methods(http.MethodGet)
}

func (s *Server) scheduleApproved(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var payload struct {
		Module string `json:"module"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &payload); err != nil {
			writeError(w, err)
			return
		}
	}
	var module kernel.ModuleCode
	if strings.TrimSpace(payload.Module) != "" {
		if module, err = kernel.ParseModuleCode(payload.Module); err != nil {
			writeError(w, err)
			return
		}
	}
	u, err := s.deps.Orchestrator.ScheduleApproved(r.Context(), principalOf(r.Context()), id, module)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.upgradeView(u))
}

// runKeeper performs one keeper pass on demand. Without a keeper the due
// upgrades are executed directly.
func (s *Server) runKeeper(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Authority.Require("keeper", "run", principalOf(r.Context()), kernel.RoleAdmin, kernel.RoleUpgradeManager); err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Keeper != nil {
		writeJSON(w, http.StatusOK, s.deps.Keeper.Run(r.Context()))
		return
	}
	report, _ := s.deps.Orchestrator.ExecuteDue(r.Context())
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) getAuthority(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.deps.Authority.Snapshot()
	out := make(map[string]string, len(snapshot))
	for role, p := range snapshot {
		out[role.String()] = p.String()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) transferRole(w http.ResponseWriter, r *http.Request) {
	role, err := kernel.ParseRole(mux.Vars(r)["role"])
	if err != nil {
		writeError(w, err)
		return
	}
	var payload struct {
		Principal string `json:"principal"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, err)
		return
	}
	to, err := kernel.ParsePrincipal(payload.Principal)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Authority.Transfer(r.Context(), principalOf(r.Context()), role, to); err != nil {
		writeError(w, err)
		return
	}
	s.getAuthority(w, r)
}

func (s *Server) recentEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryLimit(r, 100, 1000)
	out := s.deps.Events.Query(events.Match{
		Component: q.Get("component"),
		EntityID:  q.Get("entity"),
		Type:      events.EventType(q.Get("type")),
	}, limit)
	if out == nil {
		out = []events.Event{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) recentAudit(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Authority.Require("http", "audit", principalOf(r.Context()), kernel.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.audit.tail(queryLimit(r, 100, 1000)))
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if len(s.deps.Checks) > 0 {
		resp.Checks = make(map[string]string, len(s.deps.Checks))
		names := make([]string, 0, len(s.deps.Checks))
		for name := range s.deps.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := runCheck(r.Context(), s.deps.Checks[name]); err != nil {
				resp.Status = "degraded"
				resp.Checks[name] = err.Error()
				continue
			}
			resp.Checks[name] = "ok"
		}
	}
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func runCheck(ctx context.Context, check HealthCheck) error {
	if check == nil {
		return nil
	}
	return check(ctx)
}
