package bank

import "time"

// Account mirrors spec.md §3 "Account": one row per agent, keyed by the
// owning agent_id.
type Account struct {
	AccountID string
	Balance   int64
	CreatedAt time.Time
}

// TxType distinguishes the two transaction kinds.
type TxType string

const (
	TxCredit TxType = "credit"
	TxDebit  TxType = "debit"
)

// Transaction mirrors spec.md §3 "Transaction": append-only, unique on
// (account_id, reference) for idempotent credits.
type Transaction struct {
	TxID         string
	AccountID    string
	Type         TxType
	Amount       int64
	BalanceAfter int64
	Reference    string
	Timestamp    time.Time
}

// EscrowStatus is the escrow lifecycle state (spec.md §3 "Escrow").
type EscrowStatus string

const (
	EscrowLocked   EscrowStatus = "locked"
	EscrowReleased EscrowStatus = "released"
	EscrowSplit    EscrowStatus = "split"
)

// Escrow mirrors spec.md §3 "Escrow": funds moved from the payer's balance
// into a held state, released or split on outcome.
type Escrow struct {
	EscrowID       string
	PayerAccountID string
	Amount         int64
	TaskID         string
	Status         EscrowStatus
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

// wire response shapes

type AccountResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	CreatedAt string `json:"created_at"`
}

func newAccountResponse(a Account) AccountResponse {
	return AccountResponse{AccountID: a.AccountID, Balance: a.Balance, CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339)}
}

type TransactionResponse struct {
	TxID         string `json:"tx_id"`
	AccountID    string `json:"account_id"`
	Type         string `json:"type"`
	Amount       int64  `json:"amount"`
	BalanceAfter int64  `json:"balance_after"`
	Reference    string `json:"reference"`
	Timestamp    string `json:"timestamp"`
}

func newTransactionResponse(t Transaction) TransactionResponse {
	return TransactionResponse{
		TxID:         t.TxID,
		AccountID:    t.AccountID,
		Type:         string(t.Type),
		Amount:       t.Amount,
		BalanceAfter: t.BalanceAfter,
		Reference:    t.Reference,
		Timestamp:    t.Timestamp.UTC().Format(time.RFC3339),
	}
}

type EscrowResponse struct {
	EscrowID       string `json:"escrow_id"`
	PayerAccountID string `json:"payer_account_id"`
	Amount         int64  `json:"amount"`
	TaskID         string `json:"task_id"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
	ResolvedAt     string `json:"resolved_at,omitempty"`
}

func newEscrowResponse(e Escrow) EscrowResponse {
	resp := EscrowResponse{
		EscrowID:       e.EscrowID,
		PayerAccountID: e.PayerAccountID,
		Amount:         e.Amount,
		TaskID:         e.TaskID,
		Status:         string(e.Status),
		CreatedAt:      e.CreatedAt.UTC().Format(time.RFC3339),
	}
	if e.ResolvedAt != nil {
		resp.ResolvedAt = e.ResolvedAt.UTC().Format(time.RFC3339)
	}
	return resp
}
