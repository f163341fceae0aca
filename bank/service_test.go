package bank

import (
	"context"
	"errors"
	"testing"
)

func TestService_SelfServiceAccountCreation(t *testing.T) {
	repo := newTestRepository(t)
	svc := NewService(repo, "a-platform")
	ctx := context.Background()

	if _, err := svc.CreateAccount(ctx, "a-alice", "a-alice", 0); err != nil {
		t.Fatalf("self-service create: unexpected error: %v", err)
	}
	if _, err := svc.CreateAccount(ctx, "a-alice", "a-bob", 0); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for creating another agent's account, got %v", err)
	}
	if _, err := svc.CreateAccount(ctx, "a-carol", "a-carol", 500); err == nil {
		t.Fatal("expected self-service creation with nonzero balance to be rejected")
	}
}

func TestService_PlatformSeedsBalance(t *testing.T) {
	repo := newTestRepository(t)
	svc := NewService(repo, "a-platform")
	ctx := context.Background()

	account, err := svc.CreateAccount(ctx, "a-platform", "a-alice", 5000)
	if err != nil {
		t.Fatalf("platform create: unexpected error: %v", err)
	}
	if account.Balance != 5000 {
		t.Fatalf("expected seeded balance 5000, got %d", account.Balance)
	}
}

func TestService_CreditRequiresPlatformSigner(t *testing.T) {
	repo := newTestRepository(t)
	svc := NewService(repo, "a-platform")
	ctx := context.Background()

	if _, err := svc.CreateAccount(ctx, "a-alice", "a-alice", 0); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, err := svc.Credit(ctx, "a-alice", "a-alice", 100, "ref-1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-platform credit, got %v", err)
	}
	if _, err := svc.Credit(ctx, "a-platform", "a-alice", 100, "ref-1"); err != nil {
		t.Fatalf("platform credit: unexpected error: %v", err)
	}
}

func TestService_LockEscrowRequiresPayerSignature(t *testing.T) {
	repo := newTestRepository(t)
	svc := NewService(repo, "a-platform")
	ctx := context.Background()

	if _, err := svc.CreateAccount(ctx, "a-platform", "a-alice", 1000); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, err := svc.LockEscrow(ctx, "a-bob", "a-alice", "t-1", 500); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden when signer != payer, got %v", err)
	}
	if _, err := svc.LockEscrow(ctx, "a-alice", "a-alice", "t-1", 500); err != nil {
		t.Fatalf("payer-signed lock: unexpected error: %v", err)
	}
}

func TestService_OwnerOnlyReads(t *testing.T) {
	repo := newTestRepository(t)
	svc := NewService(repo, "a-platform")
	ctx := context.Background()

	if _, err := svc.CreateAccount(ctx, "a-platform", "a-alice", 1000); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, err := svc.GetAccount(ctx, "a-bob", "a-alice"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-owner read, got %v", err)
	}
	if _, err := svc.GetAccount(ctx, "a-alice", "a-alice"); err != nil {
		t.Fatalf("owner read: unexpected error: %v", err)
	}
}
