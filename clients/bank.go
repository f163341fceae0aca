package clients

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"time"
)

// BankClient is the capability set Task Board and Court depend on for
// escrow custody (spec.md §2: Task Board depends on Identity+Bank, Court
// depends on Identity+Bank+Task Board+Reputation).
type BankClient interface {
	LockEscrow(ctx context.Context, rawEscrowToken string) (EscrowInfo, error)
	ReleaseEscrow(ctx context.Context, escrowID string, req ReleaseEscrowRequest) (EscrowInfo, error)
	SplitEscrow(ctx context.Context, escrowID string, req SplitEscrowRequest) (EscrowInfo, error)
	GetAccount(ctx context.Context, accountID string) (AccountInfo, error)
}

// ReleaseEscrowRequest is Central Bank's POST /escrow/{id}/release body,
// platform-signed (spec.md §4.2). RecipientAccountID names whichever party
// the caller (Task Board) has decided should be paid: the poster on
// cancel/expire, the worker on approve.
type ReleaseEscrowRequest struct {
	RecipientAccountID string `json:"recipient_account_id"`
	Reference          string `json:"reference"`
}

// SplitEscrowRequest is Central Bank's POST /escrow/{id}/split body,
// platform-signed, used only by Court after a ruling. WorkerPct is the
// median panel vote; Bank computes the integer split itself.
type SplitEscrowRequest struct {
	PosterAccountID string `json:"poster_account_id"`
	WorkerAccountID string `json:"worker_account_id"`
	WorkerPct       int    `json:"worker_pct"`
	Reference       string `json:"reference"`
}

// EscrowInfo mirrors the escrow resource returned by lock/release/split.
type EscrowInfo struct {
	EscrowID  string `json:"escrow_id"`
	Status    string `json:"status"`
	AccountID string `json:"account_id"`
	TaskID    string `json:"task_id"`
	Amount    int64  `json:"amount"`
}

// AccountInfo mirrors Central Bank's GET /accounts/{id} response.
type AccountInfo struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

// HTTPBankClient is the real network-backed BankClient. Release and split
// are signed as the configured platform agent (spec.md §4.2
// "platform-signed"); lock forwards the caller's own poster-signed token
// unmodified, since separation of duties means this client never holds the
// poster's key (spec.md §9 "Cross-service trust").
type HTTPBankClient struct{ base }

func NewHTTPBankClient(baseURL string, timeout time.Duration, platformAgentID string, platformKey ed25519.PrivateKey) *HTTPBankClient {
	return &HTTPBankClient{base: newBase(baseURL, timeout, platformAgentID, platformKey)}
}

func (c *HTTPBankClient) LockEscrow(ctx context.Context, rawEscrowToken string) (EscrowInfo, error) {
	var out EscrowInfo
	err := c.doJSON(ctx, http.MethodPost, "/escrow/lock", rawEscrowToken, nil, &out)
	return out, err
}

func (c *HTTPBankClient) ReleaseEscrow(ctx context.Context, escrowID string, req ReleaseEscrowRequest) (EscrowInfo, error) {
	var out EscrowInfo
	token, err := c.signedBody(map[string]any{
		"recipient_account_id": req.RecipientAccountID,
		"reference":            req.Reference,
	})
	if err != nil {
		return out, err
	}
	err = c.doJSON(ctx, http.MethodPost, "/escrow/"+escrowID+"/release", token, nil, &out)
	return out, err
}

func (c *HTTPBankClient) SplitEscrow(ctx context.Context, escrowID string, req SplitEscrowRequest) (EscrowInfo, error) {
	var out EscrowInfo
	token, err := c.signedBody(map[string]any{
		"poster_account_id": req.PosterAccountID,
		"worker_account_id": req.WorkerAccountID,
		"worker_pct":        req.WorkerPct,
		"reference":         req.Reference,
	})
	if err != nil {
		return out, err
	}
	err = c.doJSON(ctx, http.MethodPost, "/escrow/"+escrowID+"/split", token, nil, &out)
	return out, err
}

func (c *HTTPBankClient) GetAccount(ctx context.Context, accountID string) (AccountInfo, error) {
	var out AccountInfo
	err := c.doJSON(ctx, http.MethodGet, "/accounts/"+accountID, "", nil, &out)
	return out, err
}
