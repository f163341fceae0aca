// Package httpkit provides the shared HTTP envelope, error-code mapping,
// and middleware used by all four services, generalized from the teacher's
// inline main.go middleware into a package every cmd/ binary imports.
package httpkit

import (
	"encoding/json"
	"net/http"
)

// APIError is the wire shape every error response shares (spec.md §6).
type APIError struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Stable error codes shared across services.
const (
	CodeInvalidJWS          = "INVALID_JWS"
	CodeInvalidPayload      = "INVALID_PAYLOAD"
	CodeForbidden           = "FORBIDDEN"
	CodeAgentNotFound       = "AGENT_NOT_FOUND"
	CodePublicKeyExists     = "PUBLIC_KEY_EXISTS"
	CodeAccountNotFound     = "ACCOUNT_NOT_FOUND"
	CodeAccountExists       = "ACCOUNT_EXISTS"
	CodeInsufficientFunds   = "INSUFFICIENT_FUNDS"
	CodeEscrowNotFound      = "ESCROW_NOT_FOUND"
	CodeEscrowAlreadyLocked = "ESCROW_ALREADY_LOCKED"
	CodeEscrowResolved      = "ESCROW_ALREADY_RESOLVED"
	CodePayloadMismatch     = "PAYLOAD_MISMATCH"
	CodeTaskNotFound        = "TASK_NOT_FOUND"
	CodeInvalidStatus       = "INVALID_STATUS"
	CodeTokenMismatch       = "TOKEN_MISMATCH"
	CodeAssetNotFound       = "ASSET_NOT_FOUND"
	CodeFileTooLarge        = "FILE_TOO_LARGE"
	CodeTooManyAssets       = "TOO_MANY_ASSETS"
	CodeBidExists           = "BID_EXISTS"
	CodeDisputeNotFound     = "DISPUTE_NOT_FOUND"
	CodeDisputeAlreadyRuled = "DISPUTE_ALREADY_RULED"
	CodeDisputeNotReady     = "DISPUTE_NOT_READY"
	CodeFeedbackExists      = "FEEDBACK_EXISTS"
	CodeSelfFeedback        = "SELF_FEEDBACK"
	CodePayloadTooLarge     = "PAYLOAD_TOO_LARGE"
	CodeUnsupportedMedia    = "UNSUPPORTED_MEDIA_TYPE"
	CodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	CodeInternal            = "INTERNAL_ERROR"

	CodeIdentityUnavailable   = "IDENTITY_SERVICE_UNAVAILABLE"
	CodeCentralBankUnavail    = "CENTRAL_BANK_UNAVAILABLE"
	CodeTaskBoardUnavailable  = "TASK_BOARD_UNAVAILABLE"
	CodeReputationUnavailable = "REPUTATION_SERVICE_UNAVAILABLE"
	CodeJudgeUnavailable      = "JUDGE_UNAVAILABLE"
)

// WriteError writes the standard error envelope with the given status.
func WriteError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	WriteJSON(w, status, APIError{Error: code, Message: message, Details: details})
}

// WriteJSON writes v as a JSON body with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// MaxBodyBytes is the per-request body-size cap DecodeJSON applies to every
// request.
const MaxBodyBytes = 1 << 20 // 1 MiB

// DecodeJSON reads and decodes a JSON body capped at MaxBodyBytes,
// rejecting non-JSON content types and oversized payloads per spec.md §6.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Header.Get("Content-Type") != "" && !isJSONContentType(r.Header.Get("Content-Type")) {
		WriteError(w, http.StatusUnsupportedMediaType, CodeUnsupportedMedia, "expected application/json", nil)
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if err.Error() == "http: request body too large" {
			WriteError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "request body exceeds the size limit", nil)
			return false
		}
		WriteError(w, http.StatusBadRequest, CodeInvalidPayload, "malformed JSON body: "+err.Error(), nil)
		return false
	}
	return true
}

func isJSONContentType(ct string) bool {
	for i, c := range ct {
		if c == ';' {
			ct = ct[:i]
			break
		}
	}
	return ct == "application/json"
}

// RequireMethod returns false and writes a 405 if r.Method != method.
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		WriteError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed", nil)
		return false
	}
	return true
}
