package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/kernel_layer/internal/engine/state"
	"github.com/R3E-Network/kernel_layer/internal/kernel"
	"github.com/R3E-Network/kernel_layer/packages/com.r3e.kernel.proposals"
	core "github.com/R3E-Network/kernel_layer/system/framework/core"
)

func (s *Server) proposalRoutes(r *mux.Router) {
	r.HandleFunc("/proposals", s.listProposals).Methods(http.MethodGet)
	r.HandleFunc("/proposals", s.propose).Methods(http.MethodPost)
	r.HandleFunc("/proposals/{id:[0-9]+}", s.getProposal).Methods(http.MethodGet)
	r.HandleFunc("/proposals/{id:[0-9]+}/approvals/{principal}", s.hasApprovedProposal).Methods(http.MethodGet)
	r.HandleFunc("/proposals/{id:[0-9]+}/approve", proposalAction(s.deps.Orchestrator.Proposals.Approve)).Methods(http.MethodPost)
	r.HandleFunc("/proposals/{id:[0-9]+}/reject", proposalAction(s.deps.Orchestrator.Proposals.Reject)).Methods(http.MethodPost)
	r.HandleFunc("/proposals/{id:[0-9]+}/execute", proposalAction(s.deps.Orchestrator.Proposals.Execute)).Methods(http.MethodPost)

	r.HandleFunc("/approvers", s.listApprovers).Methods(http.MethodGet)
	r.HandleFunc("/approvers", s.addApprover).Methods(http.MethodPost)
	r.HandleFunc("/approvers/{principal}", s.removeApprover).Methods(http.MethodDelete)

	r.HandleFunc("/settings/approval-threshold", s.getApprovalThreshold).Methods(http.MethodGet)
	r.HandleFunc("/settings/approval-threshold", s.setApprovalThreshold).Methods(http.MethodPut)
}

func (s *Server) propose(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Proxy          string `json:"proxy"`
		Implementation string `json:"implementation"`
		Description    string `json:"description"`
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
	p, err := s.deps.Orchestrator.Proposals.Propose(r.Context(), principalOf(r.Context()), proxy, impl, payload.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) listProposals(w http.ResponseWriter, r *http.Request) {
	status := state.ProposalUnknown
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status = state.ParseProposalStatus(strings.ToLower(raw))
		if status == state.ProposalUnknown {
			writeError(w, core.Invalid("http", "status", raw, core.CodeInvalidArgument, "unknown proposal status"))
			return
		}
	}
	out, err := s.deps.Orchestrator.Proposals.List(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	if out == nil {
		out = []proposals.Proposal{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getProposal(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := s.deps.Orchestrator.Proposals.Proposal(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) hasApprovedProposal(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := pathPrincipal(r, "principal")
	if err != nil {
		writeError(w, err)
		return
	}
	ok, err := s.deps.Orchestrator.Proposals.HasApproved(r.Context(), id, p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"approved": ok})
}

// proposalAction adapts a proposal transition to a handler.
func proposalAction(action func(context.Context, kernel.Principal, uint64) (proposals.Proposal, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, err)
			return
		}
		p, err := action(r.Context(), principalOf(r.Context()), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func (s *Server) addApprover(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Principal string `json:"principal"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, err)
		return
	}
	a, err := s.deps.Orchestrator.Proposals.AddApprover(r.Context(), principalOf(r.Context()), kernel.Principal(strings.TrimSpace(payload.Principal)))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) removeApprover(w http.ResponseWriter, r *http.Request) {
	p, err := pathPrincipal(r, "principal")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Orchestrator.Proposals.RemoveApprover(r.Context(), principalOf(r.Context()), p); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listApprovers(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Orchestrator.Proposals.Approvers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if out == nil {
		out = []proposals.Approver{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getApprovalThreshold(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Orchestrator.Proposals.Threshold(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"threshold": n})
}

func (s *Server) setApprovalThreshold(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Threshold int `json:"threshold"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Orchestrator.Proposals.SetThreshold(r.Context(), principalOf(r.Context()), payload.Threshold); err != nil {
		writeError(w, err)
		return
	}
	s.getApprovalThreshold(w, r)
}
