package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/kernel_layer/internal/kernel"
	"github.com/R3E-Network/kernel_layer/packages/com.r3e.kernel.validation"
)

func (s *Server) validationRoutes(r *mux.Router) {
	r.HandleFunc("/validators", s.listValidators).Methods(http.MethodGet)
	r.HandleFunc("/validators", s.addValidator).Methods(http.MethodPost)
	r.HandleFunc("/validators/{principal}", s.removeValidator).Methods(http.MethodDelete)

	r.HandleFunc("/rules", s.listRules).Methods(http.MethodGet)
	r.HandleFunc("/rules", s.addRule).Methods(http.MethodPost)
	r.HandleFunc("/rules/{id:[0-9]+}", s.getRule).Methods(http.MethodGet)
	r.HandleFunc("/rules/{id:[0-9]+}", s.updateRule).Methods(http.MethodPatch)
	r.HandleFunc("/rules/{id:[0-9]+}", s.removeRule).Methods(http.MethodDelete)

	r.HandleFunc("/implementations", s.listValidations).Methods(http.MethodGet)
	r.HandleFunc("/implementations/{impl}", s.getValidation).Methods(http.MethodGet)
	r.HandleFunc("/implementations/{impl}/results", s.ruleResults).Methods(http.MethodGet)
	r.HandleFunc("/implementations/{impl}/approve", s.approveImplementation).Methods(http.MethodPost)
	r.HandleFunc("/implementations/{impl}/rules/{id:[0-9]+}", s.validateRule).Methods(http.MethodPost)

	r.HandleFunc("/settings/validation-threshold", s.getValidationThreshold).Methods(http.MethodGet)
	r.HandleFunc("/settings/validation-threshold", s.setValidationThreshold).Methods(http.MethodPut)
}

func (s *Server) addValidator(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Principal string `json:"principal"`
		Type      string `json:"type"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, err)
		return
	}
	vt, err := validation.ParseValidatorType(payload.Type)
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := s.deps.Orchestrator.Validation.AddValidator(r.Context(), principalOf(r.Context()), kernel.Principal(strings.TrimSpace(payload.Principal)), vt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) removeValidator(w http.ResponseWriter, r *http.Request) {
	p, err := pathPrincipal(r, "principal")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Orchestrator.Validation.RemoveValidator(r.Context(), principalOf(r.Context()), p); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listValidators(w http.ResponseWriter, r *http.Request) {
	var vt validation.ValidatorType
	if raw := r.URL.Query().Get("type"); raw != "" {
		parsed, err := validation.ParseValidatorType(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		vt = parsed
	}
	out, err := s.deps.Orchestrator.Validation.Validators(r.Context(), vt)
	if err != nil {
		writeError(w, err)
		return
	}
	if out == nil {
		out = []validation.Validator{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) addRule(w http.ResponseWriter, r *http.Request) {
	var spec validation.RuleSpec
	if err := decodeJSON(r, &spec); err != nil {
		writeError(w, err)
		return
	}
	rule, err := s.deps.Orchestrator.Validation.AddRule(r.Context(), principalOf(r.Context()), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var upd validation.RuleUpdate
	if err := decodeJSON(r, &upd); err != nil {
		writeError(w, err)
		return
	}
	rule, err := s.deps.Orchestrator.Validation.UpdateRule(r.Context(), principalOf(r.Context()), id, upd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) removeRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Orchestrator.Validation.RemoveRule(r.Context(), principalOf(r.Context()), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	rule, err := s.deps.Orchestrator.Validation.Rule(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Orchestrator.Validation.Rules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if rules == nil {
		rules = []validation.Rule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) validateRule(w http.ResponseWriter, r *http.Request) {
	impl, err := pathAddress(r, "impl")
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var payload struct {
		Success bool   `json:"success"`
		Details string `json:"details"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.deps.Orchestrator.Validation.ValidateRule(r.Context(), principalOf(r.Context()), impl, id, payload.Success, payload.Details)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) approveImplementation(w http.ResponseWriter, r *http.Request) {
	impl, err := pathAddress(r, "impl")
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := s.deps.Orchestrator.Validation.ApproveImplementation(r.Context(), principalOf(r.Context()), impl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, validationView(v))
}

func (s *Server) getValidation(w http.ResponseWriter, r *http.Request) {
	impl, err := pathAddress(r, "impl")
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := s.deps.Orchestrator.Validation.Validation(r.Context(), impl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, validationView(v))
}

func (s *Server) ruleResults(w http.ResponseWriter, r *http.Request) {
	impl, err := pathAddress(r, "impl")
	if err != nil {
		writeError(w, err)
		return
	}
	results, err := s.deps.Orchestrator.Validation.RuleResults(r.Context(), impl)
	if err != nil {
		writeError(w, err)
		return
	}
	if results == nil {
		results = []validation.RuleResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) listValidations(w http.ResponseWriter, r *http.Request) {
	all, err := s.deps.Orchestrator.Validation.Validations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]validationResponse, len(all))
	for i, v := range all {
		out[i] = validationView(v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getValidationThreshold(w http.ResponseWriter, r *http.Request) {
	pct, err := s.deps.Orchestrator.Validation.ThresholdPercent(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	required, err := s.deps.Orchestrator.Validation.RequiredApprovals(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"percent": pct, "required_approvals": required})
}

func (s *Server) setValidationThreshold(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Percent int `json:"percent"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Orchestrator.Validation.SetThresholdPercent(r.Context(), principalOf(r.Context()), payload.Percent); err != nil {
		writeError(w, err)
		return
	}
	s.getValidationThreshold(w, r)
}

// validationResponse adds the derived fields to a validation record.
type validationResponse struct {
	validation.ImplementationValidation
	Accepted bool   `json:"accepted"`
	Status   string `json:"status"`
}

func validationView(v validation.ImplementationValidation) validationResponse {
	return validationResponse{ImplementationValidation: v, Accepted: v.Accepted(), Status: v.Status().String()}
}
