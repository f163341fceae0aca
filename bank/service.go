package bank

import (
	"context"
	"errors"
	"fmt"
)

// ErrForbidden signals that the JWS signer lacks authority for the
// requested operation (spec.md §4.2's three privilege tiers).
var ErrForbidden = errors.New("bank: forbidden")

// Service implements the ledger's authorization rules on top of
// Repository: self-service account creation/reads, agent-signed escrow
// locks, and platform-signed credits/releases/splits.
type Service struct {
	repo            *Repository
	platformAgentID string
}

func NewService(repo *Repository, platformAgentID string) *Service {
	return &Service{repo: repo, platformAgentID: platformAgentID}
}

func (s *Service) isPlatform(signerID string) bool {
	return signerID != "" && signerID == s.platformAgentID
}

// CreateAccount enforces spec.md §4.2's account-creation rule: a
// self-service caller may only open its own account at balance 0; the
// platform agent may open any account at any non-negative balance.
func (s *Service) CreateAccount(ctx context.Context, signerID, accountID string, initialBalance int64) (Account, error) {
	if s.isPlatform(signerID) {
		if initialBalance < 0 {
			return Account{}, fmt.Errorf("bank: initial_balance must be non-negative")
		}
		return s.repo.CreateAccount(ctx, accountID, initialBalance)
	}
	if signerID != accountID {
		return Account{}, ErrForbidden
	}
	if initialBalance != 0 {
		return Account{}, fmt.Errorf("bank: self-service accounts must start at balance 0")
	}
	return s.repo.CreateAccount(ctx, accountID, 0)
}

// GetAccount enforces "owner only" reads (spec.md §4.2).
func (s *Service) GetAccount(ctx context.Context, signerID, accountID string) (Account, error) {
	if signerID != accountID {
		return Account{}, ErrForbidden
	}
	return s.repo.GetAccount(ctx, accountID)
}

// ListTransactions enforces "owner only" reads (spec.md §4.2).
func (s *Service) ListTransactions(ctx context.Context, signerID, accountID string) ([]Transaction, error) {
	if signerID != accountID {
		return nil, ErrForbidden
	}
	return s.repo.ListTransactions(ctx, accountID)
}

// Credit requires the platform signer (spec.md §4.2).
func (s *Service) Credit(ctx context.Context, signerID, accountID string, amount int64, reference string) (Transaction, error) {
	if !s.isPlatform(signerID) {
		return Transaction{}, ErrForbidden
	}
	if amount <= 0 {
		return Transaction{}, fmt.Errorf("bank: amount must be positive")
	}
	if reference == "" {
		return Transaction{}, fmt.Errorf("bank: reference is required")
	}
	return s.repo.Credit(ctx, accountID, amount, reference)
}

// LockEscrow requires the JWS signer to equal the payer account
// (agent-signed, spec.md §4.2).
func (s *Service) LockEscrow(ctx context.Context, signerID, payerAccountID, taskID string, amount int64) (Escrow, error) {
	if signerID != payerAccountID {
		return Escrow{}, ErrForbidden
	}
	if amount <= 0 {
		return Escrow{}, fmt.Errorf("bank: amount must be positive")
	}
	return s.repo.LockEscrow(ctx, payerAccountID, taskID, amount)
}

// ReleaseEscrow requires the platform signer (spec.md §4.2).
func (s *Service) ReleaseEscrow(ctx context.Context, signerID, escrowID, recipientAccountID, reference string) (Escrow, error) {
	if !s.isPlatform(signerID) {
		return Escrow{}, ErrForbidden
	}
	return s.repo.ReleaseEscrow(ctx, escrowID, recipientAccountID, reference)
}

// SplitEscrow requires the platform signer (spec.md §4.2); workerPct is
// clamped defensively even though Court already validates it in [0,100].
func (s *Service) SplitEscrow(ctx context.Context, signerID, escrowID, posterAccountID, workerAccountID string, workerPct int, reference string) (Escrow, error) {
	if !s.isPlatform(signerID) {
		return Escrow{}, ErrForbidden
	}
	if workerPct < 0 {
		workerPct = 0
	}
	if workerPct > 100 {
		workerPct = 100
	}
	return s.repo.SplitEscrow(ctx, escrowID, posterAccountID, workerAccountID, workerPct, reference)
}
