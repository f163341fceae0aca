package bank

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/florianbuetow/agent-economy-sub001/clients"
	"github.com/florianbuetow/agent-economy-sub001/httpkit"
)

// Server wires HTTP handlers onto a Service. Every mutating endpoint
// carries its request as a bearer JWS rather than a separate JSON body:
// the signed payload IS the request, verified independently against
// Identity before the service layer ever sees it (spec.md §9 "Cross-service
// trust").
type Server struct {
	svc      *Service
	identity clients.IdentityClient
}

func NewServer(svc *Service, identity clients.IdentityClient) *Server {
	return &Server{svc: svc, identity: identity}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/accounts", s.handleAccounts)
	mux.HandleFunc("/accounts/", s.handleAccountSubroutes)
	mux.HandleFunc("/escrow/lock", s.handleEscrowLock)
	mux.HandleFunc("/escrow/", s.handleEscrowSubroutes)
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if !httpkit.RequireMethod(w, r, http.MethodPost) {
		return
	}
	signerID, payload, ok := s.verifyBearer(w, r)
	if !ok {
		return
	}
	accountID, _ := payload["account_id"].(string)
	initialBalance := int64(numberClaim(payload["initial_balance"]))
	account, err := s.svc.CreateAccount(r.Context(), signerID, accountID, initialBalance)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusCreated, newAccountResponse(account))
}

func (s *Server) handleAccountSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/accounts/")
	switch {
	case strings.HasSuffix(rest, "/credit"):
		s.handleCredit(w, r, strings.TrimSuffix(rest, "/credit"))
	case strings.HasSuffix(rest, "/transactions"):
		s.handleTransactions(w, r, strings.TrimSuffix(rest, "/transactions"))
	default:
		s.handleGetAccount(w, r, rest)
	}
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request, accountID string) {
	if !httpkit.RequireMethod(w, r, http.MethodGet) {
		return
	}
	signerID, ok := s.requireBearerIdentity(w, r)
	if !ok {
		return
	}
	account, err := s.svc.GetAccount(r.Context(), signerID, accountID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, newAccountResponse(account))
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request, accountID string) {
	if !httpkit.RequireMethod(w, r, http.MethodGet) {
		return
	}
	signerID, ok := s.requireBearerIdentity(w, r)
	if !ok {
		return
	}
	txs, err := s.svc.ListTransactions(r.Context(), signerID, accountID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	responses := make([]TransactionResponse, 0, len(txs))
	for _, t := range txs {
		responses = append(responses, newTransactionResponse(t))
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"transactions": responses})
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request, accountID string) {
	if !httpkit.RequireMethod(w, r, http.MethodPost) {
		return
	}
	signerID, payload, ok := s.verifyBearer(w, r)
	if !ok {
		return
	}
	amount := int64(numberClaim(payload["amount"]))
	reference, _ := payload["reference"].(string)
	tx, err := s.svc.Credit(r.Context(), signerID, accountID, amount, reference)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, newTransactionResponse(tx))
}

func (s *Server) handleEscrowLock(w http.ResponseWriter, r *http.Request) {
	if !httpkit.RequireMethod(w, r, http.MethodPost) {
		return
	}
	signerID, payload, ok := s.verifyBearer(w, r)
	if !ok {
		return
	}
	payerAccountID, _ := payload["account_id"].(string)
	taskID, _ := payload["task_id"].(string)
	amount := int64(numberClaim(payload["amount"]))
	escrow, err := s.svc.LockEscrow(r.Context(), signerID, payerAccountID, taskID, amount)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, newEscrowResponse(escrow))
}

func (s *Server) handleEscrowSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/escrow/")
	switch {
	case strings.HasSuffix(rest, "/release"):
		s.handleEscrowRelease(w, r, strings.TrimSuffix(rest, "/release"))
	case strings.HasSuffix(rest, "/split"):
		s.handleEscrowSplit(w, r, strings.TrimSuffix(rest, "/split"))
	default:
		httpkit.WriteError(w, http.StatusNotFound, httpkit.CodeEscrowNotFound, "unknown escrow route", nil)
	}
}

func (s *Server) handleEscrowRelease(w http.ResponseWriter, r *http.Request, escrowID string) {
	if !httpkit.RequireMethod(w, r, http.MethodPost) {
		return
	}
	signerID, payload, ok := s.verifyBearer(w, r)
	if !ok {
		return
	}
	recipientAccountID, _ := payload["recipient_account_id"].(string)
	reference, _ := payload["reference"].(string)
	escrow, err := s.svc.ReleaseEscrow(r.Context(), signerID, escrowID, recipientAccountID, reference)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, newEscrowResponse(escrow))
}

func (s *Server) handleEscrowSplit(w http.ResponseWriter, r *http.Request, escrowID string) {
	if !httpkit.RequireMethod(w, r, http.MethodPost) {
		return
	}
	signerID, payload, ok := s.verifyBearer(w, r)
	if !ok {
		return
	}
	posterAccountID, _ := payload["poster_account_id"].(string)
	workerAccountID, _ := payload["worker_account_id"].(string)
	workerPct := int(numberClaim(payload["worker_pct"]))
	reference, _ := payload["reference"].(string)
	escrow, err := s.svc.SplitEscrow(r.Context(), signerID, escrowID, posterAccountID, workerAccountID, workerPct, reference)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, newEscrowResponse(escrow))
}

// verifyBearer extracts and verifies the bearer JWS, writing the error
// envelope and returning ok=false on any failure.
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
	case errors.Is(err, ErrAccountNotFound):
		httpkit.WriteError(w, http.StatusNotFound, httpkit.CodeAccountNotFound, err.Error(), nil)
	case errors.Is(err, ErrAccountExists):
		httpkit.WriteError(w, http.StatusConflict, httpkit.CodeAccountExists, err.Error(), nil)
	case errors.Is(err, ErrInsufficientFunds):
		httpkit.WriteError(w, http.StatusPaymentRequired, httpkit.CodeInsufficientFunds, err.Error(), nil)
	case errors.Is(err, ErrEscrowAlreadyLocked):
		httpkit.WriteError(w, http.StatusConflict, httpkit.CodeEscrowAlreadyLocked, err.Error(), nil)
	case errors.Is(err, ErrEscrowAlreadyResolved):
		httpkit.WriteError(w, http.StatusConflict, httpkit.CodeEscrowResolved, err.Error(), nil)
	case errors.Is(err, ErrEscrowNotFound):
		httpkit.WriteError(w, http.StatusNotFound, httpkit.CodeEscrowNotFound, err.Error(), nil)
	case errors.Is(err, ErrPayloadMismatch):
		httpkit.WriteError(w, http.StatusBadRequest, httpkit.CodePayloadMismatch, err.Error(), nil)
	case errors.Is(err, ErrForbidden):
		httpkit.WriteError(w, http.StatusForbidden, httpkit.CodeForbidden, err.Error(), nil)
	default:
		httpkit.WriteError(w, http.StatusInternalServerError, httpkit.CodeInternal, "internal error", nil)
	}
}

// numberClaim coerces a JWS payload claim decoded from JSON (always
// float64 for numbers) into a float64, tolerating a missing claim.
func numberClaim(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err == nil {
			return f
		}
	}
	return 0
}
