package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/kernel_layer/internal/engine/state"
	"github.com/R3E-Network/kernel_layer/internal/kernel"
	"github.com/R3E-Network/kernel_layer/packages/com.r3e.kernel.timelock"
	core "github.com/R3E-Network/kernel_layer/system/framework/core"
)

func (s *Server) timelockRoutes(r *mux.Router) {
	r.HandleFunc("/upgrades", s.listUpgrades).Methods(http.MethodGet)
	r.HandleFunc("/upgrades", s.scheduleUpgrade).Methods(http.MethodPost)
	r.HandleFunc("/upgrades/due", s.listDueUpgrades).Methods(http.MethodGet)
	r.HandleFunc("/upgrades/{id:[0-9]+}", s.getUpgrade).Methods(http.MethodGet)
	r.HandleFunc("/upgrades/{id:[0-9]+}/execute", s.runUpgrade(s.deps.Orchestrator.Execute)).Methods(http.MethodPost)
	r.HandleFunc("/upgrades/{id:[0-9]+}/emergency-execute", s.runUpgrade(s.deps.Orchestrator.EmergencyExecute)).Methods(http.MethodPost)
	r.HandleFunc("/upgrades/{id:[0-9]+}/cancel", s.cancelUpgrade).Methods(http.MethodPost)
	r.HandleFunc("/upgrades/{id:[0-9]+}/delay", s.delayUpgrade).Methods(http.MethodPost)

	r.HandleFunc("/settings/time-delay", s.getTimeDelay).Methods(http.MethodGet)
	r.HandleFunc("/settings/time-delay", s.setTimeDelay).Methods(http.MethodPut)
}

// upgradeResponse adds the time left before an upgrade may run.
type upgradeResponse struct {
	timelock.ScheduledUpgrade
	RemainingSeconds int64  `json:"remaining_seconds"`
	ApplyError       string `json:"apply_error,omitempty"`
}

func (s *Server) upgradeView(u timelock.ScheduledUpgrade) upgradeResponse {
	out := upgradeResponse{ScheduledUpgrade: u}
	if u.Status == state.UpgradeScheduled {
		out.RemainingSeconds = int64(u.Remaining(s.now()).Seconds())
	}
	return out
}

func (s *Server) now() time.Time {
	return s.deps.Orchestrator.Clock().Now()
}

func (s *Server) scheduleUpgrade(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Proxy          string `json:"proxy"`
		Implementation string `json:"implementation"`
		Description    string `json:"description"`
		Reference      string `json:"reference"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, err)
		return
	}
	proxy, err := kernel.ParseAddress(payload.Proxy)
	if err != nil {
		writeError(w, err)
		return
	}
	impl, err := kernel.ParseAddress(payload.Implementation)
	if err != nil {
		writeError(w, err)
		return
	}
	u, err := s.deps.Orchestrator.Timelock.Schedule(r.Context(), principalOf(r.Context()), proxy, impl, payload.Description, payload.Reference)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.upgradeView(u))
}

func (s *Server) listUpgrades(w http.ResponseWriter, r *http.Request) {
	status := state.UpgradeUnknown
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status = state.ParseUpgradeStatus(strings.ToLower(raw))
		if status == state.UpgradeUnknown {
			writeError(w, core.Invalid("http", "status", raw, core.CodeInvalidArgument, "unknown upgrade status"))
			return
		}
	}
	all, err := s.deps.Orchestrator.Timelock.List(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeUpgrades(w, all)
}

func (s *Server) listDueUpgrades(w http.ResponseWriter, r *http.Request) {
	due, err := s.deps.Orchestrator.Timelock.ListDue(r.Context(), s.now())
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeUpgrades(w, due)
}

func (s *Server) writeUpgrades(w http.ResponseWriter, all []timelock.ScheduledUpgrade) {
	out := make([]upgradeResponse, len(all))
	for i, u := range all {
		out[i] = s.upgradeView(u)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getUpgrade(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	u, err := s.deps.Orchestrator.Timelock.Upgrade(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.upgradeView(u))
}

// runUpgrade executes through the orchestrator so the proposal is closed and
// the swap applied. A failed swap still reports the executed upgrade.
func (s *Server) runUpgrade(run func(context.Context, kernel.Principal, uint64) (timelock.ScheduledUpgrade, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, err)
			return
		}
		u, err := run(r.Context(), principalOf(r.Context()), id)
		if err != nil && u.Status != state.UpgradeExecuted {
			writeError(w, err)
			return
		}
		out := s.upgradeView(u)
		if err != nil {
			out.ApplyError = err.Error()
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) cancelUpgrade(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	u, err := s.deps.Orchestrator.Timelock.Cancel(r.Context(), principalOf(r.Context()), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.upgradeView(u))
}

type delayPayload struct {
	Seconds  int64  `json:"seconds"`
	Duration string `json:"duration"`
}

// duration prefers the Go duration string when both are set.
func (p delayPayload) duration() (time.Duration, error) {
	if p.Duration != "" {
		d, err := time.ParseDuration(p.Duration)
		if err != nil {
			return 0, core.Invalid("http", "duration", p.Duration, core.CodeInvalidDelay, err.Error())
		}
		return d, nil
	}
	return time.Duration(p.Seconds) * time.Second, nil
}

func (s *Server) delayUpgrade(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var payload delayPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, err)
		return
	}
	extra, err := payload.duration()
	if err != nil {
		writeError(w, err)
		return
	}
	u, err := s.deps.Orchestrator.Timelock.Delay(r.Context(), principalOf(r.Context()), id, extra)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.upgradeView(u))
}

func (s *Server) getTimeDelay(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Orchestrator.Timelock.TimeDelay(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"seconds": int64(d.Seconds()), "duration": d.String()})
}

func (s *Server) setTimeDelay(w http.ResponseWriter, r *http.Request) {
	var payload delayPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, err)
		return
	}
	d, err := payload.duration()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Orchestrator.Timelock.SetTimeDelay(r.Context(), principalOf(r.Context()), d); err != nil {
		writeError(w, err)
		return
	}
	s.getTimeDelay(w, r)
}
