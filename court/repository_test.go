package court

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/florianbuetow/agent-economy-sub001/sqlitedb"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "court.db")
	db, err := sqlitedb.Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := sqlitedb.Migrate(context.Background(), db, Schema()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewRepository(db)
}

func TestRepository_CreateDisputeOnePerTask(t *testing.T) {
	repo := newTestRepository(t)
	now := time.Now()
	d, err := repo.CreateDispute(context.Background(), Dispute{
		DisputeID: "disp-1", TaskID: "t-1", ClaimantID: "a-poster", RespondentID: "a-worker",
		Claim: "incomplete work", RebuttalDeadline: now.Add(time.Hour), EscrowID: "escrow-1", FiledAt: now,
	})
	if err != nil {
		t.Fatalf("create dispute: %v", err)
	}
	if d.Status != StatusRebuttalPending {
		t.Fatalf("expected rebuttal_pending, got %s", d.Status)
	}

	_, err = repo.CreateDispute(context.Background(), Dispute{
		DisputeID: "disp-2", TaskID: "t-1", ClaimantID: "a-poster", RespondentID: "a-worker",
		Claim: "second claim", RebuttalDeadline: now.Add(time.Hour), EscrowID: "escrow-1", FiledAt: now,
	})
	if !errors.Is(err, ErrDisputeExists) {
		t.Fatalf("expected ErrDisputeExists for a second dispute on the same task, got %v", err)
	}
}

func TestRepository_SubmitRebuttalCAS(t *testing.T) {
	repo := newTestRepository(t)
	now := time.Now()
	d, _ := repo.CreateDispute(context.Background(), Dispute{
		DisputeID: "disp-3", TaskID: "t-2", ClaimantID: "a-poster", RespondentID: "a-worker",
		Claim: "claim", RebuttalDeadline: now.Add(time.Hour), EscrowID: "escrow-2", FiledAt: now,
	})

	d, err := repo.SubmitRebuttal(context.Background(), d.DisputeID, "it was fine", now)
	if err != nil {
		t.Fatalf("submit rebuttal: %v", err)
	}
	if d.Status != StatusRebuttalSubmitted || d.Rebuttal == nil || *d.Rebuttal != "it was fine" {
		t.Fatalf("unexpected dispute after rebuttal: %+v", d)
	}

	if _, err := repo.SubmitRebuttal(context.Background(), d.DisputeID, "again", now); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("expected ErrBadStatus on double rebuttal, got %v", err)
	}
}

func TestRepository_TryLockForJudgingOnlyOneWinner(t *testing.T) {
	repo := newTestRepository(t)
	now := time.Now()
	d, _ := repo.CreateDispute(context.Background(), Dispute{
		DisputeID: "disp-4", TaskID: "t-3", ClaimantID: "a-poster", RespondentID: "a-worker",
		Claim: "claim", RebuttalDeadline: now.Add(time.Hour), EscrowID: "escrow-3", FiledAt: now,
	})

	wonFirst, err := repo.TryLockForJudging(context.Background(), d.DisputeID, StatusRebuttalPending)
	if err != nil || !wonFirst {
		t.Fatalf("expected first lock to win, got won=%v err=%v", wonFirst, err)
	}
	wonSecond, err := repo.TryLockForJudging(context.Background(), d.DisputeID, StatusRebuttalPending)
	if err != nil || wonSecond {
		t.Fatalf("expected second lock attempt to lose, got won=%v err=%v", wonSecond, err)
	}

	if err := repo.RevertToRebuttalPending(context.Background(), d.DisputeID); err != nil {
		t.Fatalf("revert: %v", err)
	}
	reverted, err := repo.GetDispute(context.Background(), d.DisputeID)
	if err != nil {
		t.Fatalf("get dispute: %v", err)
	}
	if reverted.Status != StatusRebuttalPending {
		t.Fatalf("expected reverted status rebuttal_pending, got %s", reverted.Status)
	}
}

func TestRepository_PersistRulingWritesVotesAndStatus(t *testing.T) {
	repo := newTestRepository(t)
	now := time.Now()
	d, _ := repo.CreateDispute(context.Background(), Dispute{
		DisputeID: "disp-5", TaskID: "t-4", ClaimantID: "a-poster", RespondentID: "a-worker",
		Claim: "claim", RebuttalDeadline: now.Add(time.Hour), EscrowID: "escrow-4", FiledAt: now,
	})
	if _, err := repo.TryLockForJudging(context.Background(), d.DisputeID, StatusRebuttalPending); err != nil {
		t.Fatalf("lock: %v", err)
	}

	votes := []Vote{
		{JudgeID: "judge-0", WorkerPct: 40, Reasoning: "a", VotedAt: now},
		{JudgeID: "judge-1", WorkerPct: 60, Reasoning: "b", VotedAt: now},
		{JudgeID: "judge-2", WorkerPct: 50, Reasoning: "c", VotedAt: now},
	}
	ruled, err := repo.PersistRuling(context.Background(), d.DisputeID, 50, "a\n\nb\n\nc", votes, now)
	if err != nil {
		t.Fatalf("persist ruling: %v", err)
	}
	if ruled.Status != StatusRuled || ruled.WorkerPct == nil || *ruled.WorkerPct != 50 {
		t.Fatalf("unexpected ruled dispute: %+v", ruled)
	}

	stored, err := repo.ListVotes(context.Background(), d.DisputeID)
	if err != nil {
		t.Fatalf("list votes: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("expected 3 votes, got %d", len(stored))
	}

	if _, err := repo.PersistRuling(context.Background(), d.DisputeID, 50, "x", votes, now); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("expected ErrBadStatus persisting a ruling twice, got %v", err)
	}
}
