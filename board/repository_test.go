package board

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
	dbPath := filepath.Join(t.TempDir(), "board.db")
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

func newTestTask(taskID string, now time.Time) Task {
	return Task{
		TaskID:           taskID,
		PosterID:         "a-poster",
		Title:            "write a parser",
		Spec:             "parse the thing",
		Reward:           1000,
		BiddingSeconds:   3600,
		ExecutionSeconds: 3600,
		ReviewSeconds:    3600,
		EscrowID:         "escrow-" + taskID,
		CreatedAt:        now,
	}
}

func TestRepository_CreateTaskRejectsDuplicateID(t *testing.T) {
	repo := newTestRepository(t)
	now := time.Now()

	task, err := repo.CreateTask(context.Background(), newTestTask("t-1", now))
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != StatusOpen {
		t.Fatalf("expected open, got %s", task.Status)
	}

	if _, err := repo.CreateTask(context.Background(), newTestTask("t-1", now)); !errors.Is(err, ErrTaskExists) {
		t.Fatalf("expected ErrTaskExists for a reused task id, got %v", err)
	}
}

func TestRepository_AcceptBidOnlyOneWinner(t *testing.T) {
	repo := newTestRepository(t)
	now := time.Now()
	if _, err := repo.CreateTask(context.Background(), newTestTask("t-2", now)); err != nil {
		t.Fatalf("create task: %v", err)
	}
	bidA, err := repo.CreateBid(context.Background(), "t-2", "a-worker-1", 800, now)
	if err != nil {
		t.Fatalf("create bid a: %v", err)
	}
	if _, err := repo.CreateBid(context.Background(), "t-2", "a-worker-2", 700, now); err != nil {
		t.Fatalf("create bid b: %v", err)
	}

	accepted, err := repo.AcceptBid(context.Background(), "t-2", "a-worker-1", bidA.BidID, now)
	if err != nil {
		t.Fatalf("accept bid: %v", err)
	}
	if accepted.Status != StatusAccepted || accepted.WorkerID == nil || *accepted.WorkerID != "a-worker-1" {
		t.Fatalf("unexpected task after accept: %+v", accepted)
	}

	if _, err := repo.AcceptBid(context.Background(), "t-2", "a-worker-2", bidA.BidID, now); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus accepting a second bid, got %v", err)
	}
}

func TestRepository_CreateBidRejectsDuplicateBidder(t *testing.T) {
	repo := newTestRepository(t)
	now := time.Now()
	if _, err := repo.CreateTask(context.Background(), newTestTask("t-3", now)); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := repo.CreateBid(context.Background(), "t-3", "a-worker-1", 500, now); err != nil {
		t.Fatalf("create bid: %v", err)
	}
	if _, err := repo.CreateBid(context.Background(), "t-3", "a-worker-1", 600, now); !errors.Is(err, ErrBidExists) {
		t.Fatalf("expected ErrBidExists for a second bid from the same bidder, got %v", err)
	}

	task, err := repo.GetTask(context.Background(), "t-3")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.BidCount != 1 {
		t.Fatalf("expected bid_count 1, got %d", task.BidCount)
	}
}

func TestRepository_CASTransitionGuardsStatus(t *testing.T) {
	repo := newTestRepository(t)
	now := time.Now()
	if _, err := repo.CreateTask(context.Background(), newTestTask("t-4", now)); err != nil {
		t.Fatalf("create task: %v", err)
	}

	won, err := repo.CASTransition(context.Background(), "t-4", StatusOpen, StatusCancelled, "cancelled_at", now)
	if err != nil || !won {
		t.Fatalf("expected the open->cancelled transition to win, got won=%v err=%v", won, err)
	}

	wonAgain, err := repo.CASTransition(context.Background(), "t-4", StatusOpen, StatusCancelled, "cancelled_at", now)
	if err != nil || wonAgain {
		t.Fatalf("expected a second transition from the same stale status to lose, got won=%v err=%v", wonAgain, err)
	}

	task, err := repo.GetTask(context.Background(), "t-4")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != StatusCancelled || task.CancelledAt == nil {
		t.Fatalf("unexpected task after cancel: %+v", task)
	}
}

func TestRepository_CreateAssetEnforcesCap(t *testing.T) {
	repo := newTestRepository(t)
	now := time.Now()
	if _, err := repo.CreateTask(context.Background(), newTestTask("t-5", now)); err != nil {
		t.Fatalf("create task: %v", err)
	}

	asset, err := repo.CreateAsset(context.Background(), Asset{
		AssetID: "asset-1", TaskID: "t-5", UploaderID: "a-worker-1",
		Filename: "out.txt", ContentType: "text/plain", SizeBytes: 10,
		ContentHash: "deadbeef", UploadedAt: now,
	}, 1)
	if err != nil {
		t.Fatalf("create asset: %v", err)
	}
	if asset.AssetID != "asset-1" {
		t.Fatalf("unexpected asset: %+v", asset)
	}

	if _, err := repo.CreateAsset(context.Background(), Asset{
		AssetID: "asset-2", TaskID: "t-5", UploaderID: "a-worker-1",
		Filename: "out2.txt", ContentType: "text/plain", SizeBytes: 10,
		ContentHash: "cafef00d", UploadedAt: now,
	}, 1); !errors.Is(err, ErrTooManyAssets) {
		t.Fatalf("expected ErrTooManyAssets once the cap is reached, got %v", err)
	}

	assets, err := repo.ListAssets(context.Background(), "t-5")
	if err != nil {
		t.Fatalf("list assets: %v", err)
	}
	if len(assets) != 1 {
		t.Fatalf("expected 1 asset, got %d", len(assets))
	}
}
