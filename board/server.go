package board

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/florianbuetow/agent-economy-sub001/clients"
	"github.com/florianbuetow/agent-economy-sub001/httpkit"
)

// Server wires HTTP handlers onto a Service, following the same
// bearer-JWS-as-payload convention as Central Bank's Server.
type Server struct {
	svc      *Service
	identity clients.IdentityClient
}

func NewServer(svc *Service, identity clients.IdentityClient) *Server {
	return &Server{svc: svc, identity: identity}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskSubroutes)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		httpkit.WriteError(w, http.StatusMethodNotAllowed, httpkit.CodeMethodNotAllowed, "method not allowed", nil)
	}
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if !httpkit.DecodeJSON(w, r, &req) {
		return
	}
	task, err := s.svc.CreateTask(r.Context(), req.TaskToken, req.EscrowToken)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusCreated, newTaskResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ListFilters{
		Status:   q.Get("status"),
		PosterID: q.Get("poster_id"),
		WorkerID: q.Get("worker_id"),
		Offset:   atoiDefault(q.Get("offset"), 0),
		Limit:    atoiDefault(q.Get("limit"), 50),
	}
	tasks, err := s.svc.ListTasks(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	responses := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		responses = append(responses, newTaskResponse(t))
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"tasks": responses})
}

func (s *Server) handleTaskSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	switch {
	case strings.HasSuffix(rest, "/cancel"):
		s.handleCancel(w, r, strings.TrimSuffix(rest, "/cancel"))
	case strings.HasSuffix(rest, "/submit"):
		s.handleSubmit(w, r, strings.TrimSuffix(rest, "/submit"))
	case strings.HasSuffix(rest, "/approve"):
		s.handleApprove(w, r, strings.TrimSuffix(rest, "/approve"))
	case strings.HasSuffix(rest, "/dispute"):
		s.handleDispute(w, r, strings.TrimSuffix(rest, "/dispute"))
	case strings.HasSuffix(rest, "/ruling"):
		s.handleRuling(w, r, strings.TrimSuffix(rest, "/ruling"))
	case strings.Contains(rest, "/bids/") && strings.HasSuffix(rest, "/accept"):
		taskID, bidID := splitTaskSub(rest, "/bids/")
		s.handleAcceptBid(w, r, taskID, strings.TrimSuffix(bidID, "/accept"))
	case strings.HasSuffix(rest, "/bids"):
		s.handleBids(w, r, strings.TrimSuffix(rest, "/bids"))
	case strings.Contains(rest, "/assets/"):
		taskID, assetID := splitTaskSub(rest, "/assets/")
		s.handleGetAsset(w, r, taskID, assetID)
	case strings.HasSuffix(rest, "/assets"):
		s.handleAssets(w, r, strings.TrimSuffix(rest, "/assets"))
	default:
		s.handleGetTask(w, r, rest)
	}
}

func splitTaskSub(rest, sep string) (string, string) {
	idx := strings.Index(rest, sep)
	if idx < 0 {
		return rest, ""
	}
	return rest[:idx], rest[idx+len(sep):]
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if !httpkit.RequireMethod(w, r, http.MethodGet) {
		return
	}
	task, err := s.svc.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, newTaskResponse(task))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, taskID string) {
	if !httpkit.RequireMethod(w, r, http.MethodPost) {
		return
	}
	signerID, ok := s.requireBearerIdentity(w, r)
	if !ok {
		return
	}
	task, err := s.svc.CancelTask(r.Context(), signerID, taskID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, newTaskResponse(task))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, taskID string) {
	if !httpkit.RequireMethod(w, r, http.MethodPost) {
		return
	}
	signerID, ok := s.requireBearerIdentity(w, r)
	if !ok {
		return
	}
	task, err := s.svc.SubmitDeliverable(r.Context(), signerID, taskID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, newTaskResponse(task))
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request, taskID string) {
	if !httpkit.RequireMethod(w, r, http.MethodPost) {
		return
	}
	signerID, ok := s.requireBearerIdentity(w, r)
	if !ok {
		return
	}
	task, err := s.svc.ApproveTask(r.Context(), signerID, taskID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, newTaskResponse(task))
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request, taskID string) {
	if !httpkit.RequireMethod(w, r, http.MethodPost) {
		return
	}
	signerID, payload, ok := s.verifyBearer(w, r)
	if !ok {
		return
	}
	reason, _ := payload["reason"].(string)
	task, err := s.svc.DisputeTask(r.Context(), signerID, taskID, reason)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, newTaskResponse(task))
}

func (s *Server) handleRuling(w http.ResponseWriter, r *http.Request, taskID string) {
	if !httpkit.RequireMethod(w, r, http.MethodPost) {
		return
	}
	signerID, payload, ok := s.verifyBearer(w, r)
	if !ok {
		return
	}
	rulingID, _ := payload["ruling_id"].(string)
	workerPct := int(numberClaim(payload["worker_pct"]))
	rulingSummary, _ := payload["ruling_summary"].(string)
	task, err := s.svc.RecordRuling(r.Context(), signerID, taskID, rulingID, workerPct, rulingSummary)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, newTaskResponse(task))
}

func (s *Server) handleBids(w http.ResponseWriter, r *http.Request, taskID string) {
	switch r.Method {
	case http.MethodPost:
		signerID, payload, ok := s.verifyBearer(w, r)
		if !ok {
			return
		}
		amount := int64(numberClaim(payload["amount"]))
		bid, err := s.svc.SubmitBid(r.Context(), signerID, taskID, amount)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		httpkit.WriteJSON(w, http.StatusCreated, newBidResponse(bid))
	case http.MethodGet:
		callerID, authenticated := s.optionalBearerIdentity(r)
		bids, err := s.svc.ListBids(r.Context(), callerID, taskID, authenticated)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		responses := make([]BidResponse, 0, len(bids))
		for _, b := range bids {
			responses = append(responses, newBidResponse(b))
		}
		httpkit.WriteJSON(w, http.StatusOK, map[string]any{"bids": responses})
	default:
		httpkit.WriteError(w, http.StatusMethodNotAllowed, httpkit.CodeMethodNotAllowed, "method not allowed", nil)
	}
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request, taskID, bidID string) {
	if !httpkit.RequireMethod(w, r, http.MethodPost) {
		return
	}
	signerID, ok := s.requireBearerIdentity(w, r)
	if !ok {
		return
	}
	task, err := s.svc.AcceptBid(r.Context(), signerID, taskID, bidID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, newTaskResponse(task))
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request, taskID string) {
	switch r.Method {
	case http.MethodPost:
		s.handleUploadAsset(w, r, taskID)
	case http.MethodGet:
		callerID, authenticated := s.optionalBearerIdentity(r)
		assets, err := s.svc.ListAssets(r.Context(), callerID, taskID, authenticated)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		responses := make([]AssetResponse, 0, len(assets))
		for _, a := range assets {
			responses = append(responses, newAssetResponse(a))
		}
		httpkit.WriteJSON(w, http.StatusOK, map[string]any{"assets": responses})
	default:
		httpkit.WriteError(w, http.StatusMethodNotAllowed, httpkit.CodeMethodNotAllowed, "method not allowed", nil)
	}
}

// handleUploadAsset authenticates via bearer JWS carried in the
// Authorization header alongside a multipart-free raw body: the filename
// and content type travel as query parameters so the body is pure file
// content, keeping the upload streamable without buffering it into a JSON
// envelope first.
func (s *Server) handleUploadAsset(w http.ResponseWriter, r *http.Request, taskID string) {
	signerID, ok := s.requireBearerIdentity(w, r)
	if !ok {
		return
	}
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		httpkit.WriteError(w, http.StatusBadRequest, httpkit.CodeInvalidPayload, "filename query parameter is required", nil)
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	asset, err := s.svc.UploadAsset(r.Context(), signerID, taskID, filename, contentType, r.Body)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusCreated, newAssetResponse(asset))
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request, taskID, assetID string) {
	if !httpkit.RequireMethod(w, r, http.MethodGet) {
		return
	}
	callerID, authenticated := s.optionalBearerIdentity(r)
	asset, err := s.svc.GetAsset(r.Context(), callerID, taskID, assetID, authenticated)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if asset.TaskID != taskID {
		httpkit.WriteError(w, http.StatusNotFound, httpkit.CodeAssetNotFound, "asset not found", nil)
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, newAssetResponse(asset))
}

// --- auth helpers ---

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

// optionalBearerIdentity is used by the handlers whose auth gate depends on
// task state rather than being unconditionally required: GET
// /tasks/{id}/bids (spec.md §4.3 "Bidding") and GET /tasks/{id}/assets,
// /tasks/{id}/assets/{asset_id} (spec.md §9 "Asset download
// authentication").
func (s *Server) optionalBearerIdentity(r *http.Request) (string, bool) {
	token, present := httpkit.BearerToken(r)
	if !present {
		return "", false
	}
	result, err := s.identity.VerifyJWS(r.Context(), token)
	if err != nil || !result.Valid {
		return "", false
	}
	return result.AgentID, true
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTaskNotFound):
		httpkit.WriteError(w, http.StatusNotFound, httpkit.CodeTaskNotFound, err.Error(), nil)
	case errors.Is(err, ErrBidNotFound):
		httpkit.WriteError(w, http.StatusNotFound, httpkit.CodeTaskNotFound, err.Error(), nil)
	case errors.Is(err, ErrAssetNotFound):
		httpkit.WriteError(w, http.StatusNotFound, httpkit.CodeAssetNotFound, err.Error(), nil)
	case errors.Is(err, ErrInvalidStatus):
		httpkit.WriteError(w, http.StatusConflict, httpkit.CodeInvalidStatus, err.Error(), nil)
	case errors.Is(err, ErrBidExists):
		httpkit.WriteError(w, http.StatusConflict, httpkit.CodeBidExists, err.Error(), nil)
	case errors.Is(err, ErrTaskExists):
		httpkit.WriteError(w, http.StatusConflict, httpkit.CodeInvalidPayload, err.Error(), nil)
	case errors.Is(err, ErrTooManyAssets):
		httpkit.WriteError(w, http.StatusConflict, httpkit.CodeTooManyAssets, err.Error(), nil)
	case errors.Is(err, ErrFileTooLarge):
		httpkit.WriteError(w, http.StatusRequestEntityTooLarge, httpkit.CodeFileTooLarge, err.Error(), nil)
	case errors.Is(err, ErrTokenMismatch):
		httpkit.WriteError(w, http.StatusBadRequest, httpkit.CodeTokenMismatch, err.Error(), nil)
	case errors.Is(err, ErrInvalidPayload):
		httpkit.WriteError(w, http.StatusBadRequest, httpkit.CodeInvalidPayload, err.Error(), nil)
	case errors.Is(err, ErrForbidden):
		httpkit.WriteError(w, http.StatusForbidden, httpkit.CodeForbidden, err.Error(), nil)
	case errors.Is(err, errIdentityUnavailable):
		httpkit.WriteError(w, http.StatusBadGateway, httpkit.CodeIdentityUnavailable, err.Error(), nil)
	case errors.Is(err, errBankUnavailable):
		httpkit.WriteError(w, http.StatusBadGateway, httpkit.CodeCentralBankUnavail, err.Error(), nil)
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
