package identity

import (
	"errors"
	"net/http"
	"strings"

	"github.com/florianbuetow/agent-economy-sub001/httpkit"
	"github.com/florianbuetow/agent-economy-sub001/jws"
)

// Server wires HTTP handlers onto a Service, mirroring the teacher's
// Server/handleX pattern from cmd/api/main.go but scoped to this service's
// own binary.
type Server struct {
	svc *Service
}

// NewServer creates an identity HTTP server.
func NewServer(svc *Service) *Server {
	return &Server{svc: svc}
}

// Register mounts every Identity route onto mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/agents/register", s.handleRegister)
	mux.HandleFunc("/agents/verify-jws", s.handleVerifyJWS)
	mux.HandleFunc("/agents", s.handleListAgents)
	mux.HandleFunc("/agents/", s.handleGetAgent)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !httpkit.RequireMethod(w, r, http.MethodPost) {
		return
	}
	var req RegisterRequest
	if !httpkit.DecodeJSON(w, r, &req) {
		return
	}
	agent, err := s.svc.RegisterAgent(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusCreated, newAgentResponse(agent))
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	if !httpkit.RequireMethod(w, r, http.MethodGet) {
		return
	}
	agentID := strings.TrimPrefix(r.URL.Path, "/agents/")
	if agentID == "" {
		httpkit.WriteError(w, http.StatusNotFound, httpkit.CodeAgentNotFound, "agent id is required", nil)
		return
	}
	agent, err := s.svc.GetAgent(r.Context(), agentID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, newAgentResponse(agent))
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if !httpkit.RequireMethod(w, r, http.MethodGet) {
		return
	}
	agents, err := s.svc.ListAgents(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	summaries := make([]AgentSummary, 0, len(agents))
	for _, a := range agents {
		summaries = append(summaries, newAgentSummary(a))
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"agents": summaries})
}

func (s *Server) handleVerifyJWS(w http.ResponseWriter, r *http.Request) {
	if !httpkit.RequireMethod(w, r, http.MethodPost) {
		return
	}
	var req VerifyJWSRequest
	if !httpkit.DecodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		httpkit.WriteError(w, http.StatusBadRequest, httpkit.CodeInvalidJWS, "token is required", nil)
		return
	}
	resp, err := s.svc.VerifyJWS(r.Context(), req.Token)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrAgentNotFound):
		httpkit.WriteError(w, http.StatusNotFound, httpkit.CodeAgentNotFound, err.Error(), nil)
	case errors.Is(err, ErrPublicKeyExists):
		httpkit.WriteError(w, http.StatusConflict, httpkit.CodePublicKeyExists, err.Error(), nil)
	case errors.Is(err, ErrInvalidPublicKey):
		httpkit.WriteError(w, http.StatusBadRequest, httpkit.CodeInvalidPayload, err.Error(), nil)
	case errors.Is(err, ErrRegistrationSecretRequired):
		httpkit.WriteError(w, http.StatusForbidden, httpkit.CodeForbidden, err.Error(), nil)
	case errors.Is(err, jws.ErrAgentNotFound):
		httpkit.WriteError(w, http.StatusNotFound, httpkit.CodeAgentNotFound, err.Error(), nil)
	case errors.Is(err, jws.ErrMalformed):
		httpkit.WriteError(w, http.StatusBadRequest, httpkit.CodeInvalidJWS, err.Error(), nil)
	default:
		httpkit.WriteError(w, http.StatusInternalServerError, httpkit.CodeInternal, "internal error", nil)
	}
}
