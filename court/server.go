package court

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/florianbuetow/agent-economy-sub001/clients"
	"github.com/florianbuetow/agent-economy-sub001/httpkit"
)

// Server wires HTTP handlers onto a Service, following the same
// bearer-JWS-as-payload convention as the other three services.
type Server struct {
	svc      *Service
	identity clients.IdentityClient
}

func NewServer(svc *Service, identity clients.IdentityClient) *Server {
	return &Server{svc: svc, identity: identity}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/disputes/file", s.handleFileDispute)
	mux.HandleFunc("/disputes", s.handleListDisputes)
	mux.HandleFunc("/disputes/", s.handleDisputeSubroutes)
}

func (s *Server) handleFileDispute(w http.ResponseWriter, r *http.Request) {
	if !httpkit.RequireMethod(w, r, http.MethodPost) {
		return
	}
	signerID, payload, ok := s.verifyBearer(w, r)
	if !ok {
		return
	}
	taskID, _ := payload["task_id"].(string)
	claimantID, _ := payload["claimant_id"].(string)
	respondentID, _ := payload["respondent_id"].(string)
	claim, _ := payload["claim"].(string)
	dispute, err := s.svc.FileDispute(r.Context(), signerID, taskID, claimantID, respondentID, claim)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusCreated, newDisputeResponse(dispute, nil))
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	if !httpkit.RequireMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	offset := atoiDefault(q.Get("offset"), 0)
	limit := atoiDefault(q.Get("limit"), 50)
	disputes, err := s.svc.ListDisputes(r.Context(), q.Get("task_id"), q.Get("status"), offset, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	responses := make([]DisputeResponse, 0, len(disputes))
	for _, d := range disputes {
		responses = append(responses, newDisputeResponse(d, nil))
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"disputes": responses})
}

func (s *Server) handleDisputeSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/disputes/")
	switch {
	case strings.HasSuffix(rest, "/rebuttal"):
		s.handleRebuttal(w, r, strings.TrimSuffix(rest, "/rebuttal"))
	case strings.HasSuffix(rest, "/rule"):
		s.handleTriggerRuling(w, r, strings.TrimSuffix(rest, "/rule"))
	default:
		s.handleGetDispute(w, r, rest)
	}
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request, disputeID string) {
	if !httpkit.RequireMethod(w, r, http.MethodGet) {
		return
	}
	dispute, votes, err := s.svc.GetDispute(r.Context(), disputeID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, newDisputeResponse(dispute, votes))
}

func (s *Server) handleRebuttal(w http.ResponseWriter, r *http.Request, disputeID string) {
	if !httpkit.RequireMethod(w, r, http.MethodPost) {
		return
	}
	signerID, payload, ok := s.verifyBearer(w, r)
	if !ok {
		return
	}
	rebuttal, _ := payload["rebuttal"].(string)
	dispute, err := s.svc.SubmitRebuttal(r.Context(), signerID, disputeID, rebuttal)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, newDisputeResponse(dispute, nil))
}

func (s *Server) handleTriggerRuling(w http.ResponseWriter, r *http.Request, disputeID string) {
	if !httpkit.RequireMethod(w, r, http.MethodPost) {
		return
	}
	signerID, ok := s.requireBearerIdentity(w, r)
	if !ok {
		return
	}
	dispute, votes, err := s.svc.TriggerRuling(r.Context(), signerID, disputeID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, newDisputeResponse(dispute, votes))
}

func (s *Server) verifyBearer(w http.ResponseWriter, r *http.Request) (signerID string, payload map[string]any, ok bool) {
	token, present := httpkit.BearerToken(r)
	if !present {
		httpkit.WriteError(w, http.StatusBadRequest, httpkit.CodeInvalidJWS, "missing bearer token", nil)
		return "", nil, false
	}
	result, err := s.identity.VerifyJWS(r.Context(), token)
	if err != nil {
		httpkit.WriteError(w, http.StatusBadGateway, httpkit.CodeIdentityUnavailable, "identity service unavailable", nil)
		return "", nil, false
	}
	if !result.Valid {
		httpkit.WriteError(w, http.StatusForbidden, httpkit.CodeForbidden, "invalid signature", nil)
		return "", nil, false
	}
	return result.AgentID, result.Payload, true
}

func (s *Server) requireBearerIdentity(w http.ResponseWriter, r *http.Request) (string, bool) {
	signerID, _, ok := s.verifyBearer(w, r)
	return signerID, ok
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrDisputeNotFound):
		httpkit.WriteError(w, http.StatusNotFound, httpkit.CodeDisputeNotFound, err.Error(), nil)
	case errors.Is(err, ErrDisputeExists):
		httpkit.WriteError(w, http.StatusConflict, httpkit.CodeInvalidPayload, err.Error(), nil)
	case errors.Is(err, ErrBadStatus):
		httpkit.WriteError(w, http.StatusConflict, httpkit.CodeDisputeNotReady, err.Error(), nil)
	case errors.Is(err, ErrForbidden):
		httpkit.WriteError(w, http.StatusForbidden, httpkit.CodeForbidden, err.Error(), nil)
	case errors.Is(err, ErrInvalidPayload):
		httpkit.WriteError(w, http.StatusBadRequest, httpkit.CodeInvalidPayload, err.Error(), nil)
	case errors.Is(err, ErrJudgeUnavailable):
		httpkit.WriteError(w, http.StatusBadGateway, httpkit.CodeJudgeUnavailable, err.Error(), nil)
	case errors.Is(err, errBoardUnavailable):
		httpkit.WriteError(w, http.StatusBadGateway, httpkit.CodeTaskBoardUnavailable, err.Error(), nil)
	case errors.Is(err, errBankUnavailable):
		httpkit.WriteError(w, http.StatusBadGateway, httpkit.CodeCentralBankUnavail, err.Error(), nil)
	case errors.Is(err, errReputationUnavailable):
		httpkit.WriteError(w, http.StatusBadGateway, httpkit.CodeReputationUnavailable, err.Error(), nil)
	default:
		httpkit.WriteError(w, http.StatusInternalServerError, httpkit.CodeInternal, "internal error", nil)
	}
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
