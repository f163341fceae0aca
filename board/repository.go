package board

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTaskNotFound      = errors.New("board: task not found")
	ErrTaskExists        = errors.New("board: task already exists")
	ErrInvalidStatus     = errors.New("board: task is not in the required status")
	ErrBidExists         = errors.New("board: bid already exists for this bidder")
	ErrBidNotFound       = errors.New("board: bid not found")
	ErrAssetNotFound     = errors.New("board: asset not found")
	ErrTooManyAssets     = errors.New("board: task has reached its asset count cap")
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id TEXT PRIMARY KEY,
	poster_id TEXT NOT NULL,
	title TEXT NOT NULL,
	spec TEXT NOT NULL,
	reward INTEGER NOT NULL,
	bidding_seconds INTEGER NOT NULL,
	execution_seconds INTEGER NOT NULL,
	review_seconds INTEGER NOT NULL,
	status TEXT NOT NULL,
	escrow_id TEXT NOT NULL,
	bid_count INTEGER NOT NULL DEFAULT 0,
	worker_id TEXT,
	accepted_bid_id TEXT,
	dispute_reason TEXT,
	ruling_id TEXT,
	worker_pct INTEGER,
	ruling_summary TEXT,
	escrow_pending INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	accepted_at TEXT,
	submitted_at TEXT,
	approved_at TEXT,
	cancelled_at TEXT,
	disputed_at TEXT,
	ruled_at TEXT,
	expired_at TEXT
);

CREATE TABLE IF NOT EXISTS bids (
	bid_id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(task_id),
	bidder_id TEXT NOT NULL,
	amount INTEGER NOT NULL,
	submitted_at TEXT NOT NULL,
	UNIQUE(task_id, bidder_id)
);

CREATE TABLE IF NOT EXISTS assets (
	asset_id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(task_id),
	uploader_id TEXT NOT NULL,
	filename TEXT NOT NULL,
	content_type TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	uploaded_at TEXT NOT NULL
);
`

// Schema returns the Task Board's DDL for sqlitedb.Migrate.
func Schema() string { return schema }

// Repository is the Task Board's SQLite-backed store. Like Central Bank's
// Repository, it is a concrete struct bound to *sql.DB rather than an
// interface: its state-machine CAS logic is only meaningfully exercised
// against a real database engine.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateTask inserts a new task in status open. Returns ErrTaskExists if
// task_id is already taken (the poster's task_token supplies the id, so a
// retried create with a stale token could otherwise double-insert).
func (r *Repository) CreateTask(ctx context.Context, t Task) (Task, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, fmt.Errorf("board: begin create task: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (
			task_id, poster_id, title, spec, reward,
			bidding_seconds, execution_seconds, review_seconds,
			status, escrow_id, bid_count, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		t.TaskID, t.PosterID, t.Title, t.Spec, t.Reward,
		t.BiddingSeconds, t.ExecutionSeconds, t.ReviewSeconds,
		string(StatusOpen), t.EscrowID, t.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return Task{}, ErrTaskExists
		}
		return Task{}, fmt.Errorf("board: insert task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Task{}, fmt.Errorf("board: commit create task: %w", err)
	}
	return r.GetTask(ctx, t.TaskID)
}

func (r *Repository) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := r.db.QueryRowContext(ctx, taskSelectColumns+" FROM tasks WHERE task_id = ?", taskID)
	return scanTaskRow(row)
}

// ListFilters mirrors the teacher's CRUDService.ListFilters pagination
// convention.
type ListFilters struct {
	Status   string
	PosterID string
	WorkerID string
	Offset   int
	Limit    int
}

func (r *Repository) ListTasks(ctx context.Context, f ListFilters) ([]Task, error) {
	query := taskSelectColumns + " FROM tasks WHERE 1=1"
	var args []any
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.PosterID != "" {
		query += " AND poster_id = ?"
		args = append(args, f.PosterID)
	}
	if f.WorkerID != "" {
		query += " AND worker_id = ?"
		args = append(args, f.WorkerID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("board: list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// AcceptBid atomically moves a task from open to accepted, recording the
// winning worker and bid. Guarded by a compare-and-set on status so a
// racing cancel or deadline expiry cannot be overridden.
func (r *Repository) AcceptBid(ctx context.Context, taskID, workerID, bidID string, now time.Time) (Task, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, worker_id = ?, accepted_bid_id = ?, accepted_at = ?
		WHERE task_id = ? AND status = ?`,
		string(StatusAccepted), workerID, bidID, now.UTC().Format(time.RFC3339),
		taskID, string(StatusOpen),
	)
	if err != nil {
		return Task{}, fmt.Errorf("board: accept bid: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return r.statusConflictOrNotFound(ctx, taskID)
	}
	return r.GetTask(ctx, taskID)
}

// SubmitDeliverable flips accepted -> submitted.
func (r *Repository) SubmitDeliverable(ctx context.Context, taskID string, now time.Time) (Task, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, submitted_at = ?
		WHERE task_id = ? AND status = ?`,
		string(StatusSubmitted), now.UTC().Format(time.RFC3339), taskID, string(StatusAccepted),
	)
	if err != nil {
		return Task{}, fmt.Errorf("board: submit: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return r.statusConflictOrNotFound(ctx, taskID)
	}
	return r.GetTask(ctx, taskID)
}

// CASTransition performs the generic status compare-and-set the lazy
// deadline evaluator and the explicit cancel/approve handlers all
// share, stamping the named timestamp column. affected reports whether this
// call's writer won the race.
func (r *Repository) CASTransition(ctx context.Context, taskID string, from, to TaskStatus, timestampColumn string, now time.Time) (affected bool, err error) {
	query := fmt.Sprintf("UPDATE tasks SET status = ?, %s = ? WHERE task_id = ? AND status = ?", timestampColumn)
	res, err := r.db.ExecContext(ctx, query, string(to), now.UTC().Format(time.RFC3339), taskID, string(from))
	if err != nil {
		return false, fmt.Errorf("board: cas transition: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetDisputeReason flips submitted -> disputed, recording reason.
func (r *Repository) SetDisputeReason(ctx context.Context, taskID, reason string, now time.Time) (Task, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, dispute_reason = ?, disputed_at = ?
		WHERE task_id = ? AND status = ?`,
		string(StatusDisputed), reason, now.UTC().Format(time.RFC3339), taskID, string(StatusSubmitted),
	)
	if err != nil {
		return Task{}, fmt.Errorf("board: dispute: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return r.statusConflictOrNotFound(ctx, taskID)
	}
	return r.GetTask(ctx, taskID)
}

// RecordRuling flips disputed -> ruled, persisting the ruling fields. The
// escrow split has already happened at the Bank by the time Court calls
// this.
func (r *Repository) RecordRuling(ctx context.Context, taskID, rulingID string, workerPct int, rulingSummary string, now time.Time) (Task, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, ruling_id = ?, worker_pct = ?, ruling_summary = ?, ruled_at = ?
		WHERE task_id = ? AND status = ?`,
		string(StatusRuled), rulingID, workerPct, rulingSummary, now.UTC().Format(time.RFC3339),
		taskID, string(StatusDisputed),
	)
	if err != nil {
		return Task{}, fmt.Errorf("board: record ruling: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return r.statusConflictOrNotFound(ctx, taskID)
	}
	return r.GetTask(ctx, taskID)
}

// SetEscrowPending marks or clears the retry flag used by the "transition
// first, credit on retry" rule.
func (r *Repository) SetEscrowPending(ctx context.Context, taskID string, pending bool) error {
	v := 0
	if pending {
		v = 1
	}
	_, err := r.db.ExecContext(ctx, "UPDATE tasks SET escrow_pending = ? WHERE task_id = ?", v, taskID)
	if err != nil {
		return fmt.Errorf("board: set escrow pending: %w", err)
	}
	return nil
}

func (r *Repository) statusConflictOrNotFound(ctx context.Context, taskID string) (Task, error) {
	t, err := r.GetTask(ctx, taskID)
	if errors.Is(err, ErrTaskNotFound) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, err
	}
	return t, ErrInvalidStatus
}

// --- bids ---

func (r *Repository) CreateBid(ctx context.Context, taskID, bidderID string, amount int64, now time.Time) (Bid, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Bid{}, fmt.Errorf("board: begin create bid: %w", err)
	}
	defer tx.Rollback()

	bidID := "bid-" + uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO bids (bid_id, task_id, bidder_id, amount, submitted_at) VALUES (?, ?, ?, ?, ?)`,
		bidID, taskID, bidderID, amount, now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return Bid{}, ErrBidExists
		}
		return Bid{}, fmt.Errorf("board: insert bid: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE tasks SET bid_count = bid_count + 1 WHERE task_id = ?", taskID); err != nil {
		return Bid{}, fmt.Errorf("board: increment bid count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Bid{}, fmt.Errorf("board: commit create bid: %w", err)
	}
	return r.GetBid(ctx, bidID)
}

func (r *Repository) GetBid(ctx context.Context, bidID string) (Bid, error) {
	row := r.db.QueryRowContext(ctx, "SELECT bid_id, task_id, bidder_id, amount, submitted_at FROM bids WHERE bid_id = ?", bidID)
	return scanBidRow(row)
}

func (r *Repository) ListBids(ctx context.Context, taskID string) ([]Bid, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT bid_id, task_id, bidder_id, amount, submitted_at FROM bids WHERE task_id = ? ORDER BY submitted_at ASC", taskID)
	if err != nil {
		return nil, fmt.Errorf("board: list bids: %w", err)
	}
	defer rows.Close()

	var bids []Bid
	for rows.Next() {
		b, err := scanBidRow(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// --- assets ---

func (r *Repository) CreateAsset(ctx context.Context, a Asset, maxAssets int) (Asset, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Asset{}, fmt.Errorf("board: begin create asset: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM assets WHERE task_id = ?", a.TaskID).Scan(&count); err != nil {
		return Asset{}, fmt.Errorf("board: count assets: %w", err)
	}
	if count >= maxAssets {
		return Asset{}, ErrTooManyAssets
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO assets (asset_id, task_id, uploader_id, filename, content_type, size_bytes, content_hash, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AssetID, a.TaskID, a.UploaderID, a.Filename, a.ContentType, a.SizeBytes, a.ContentHash, a.UploadedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return Asset{}, fmt.Errorf("board: insert asset: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Asset{}, fmt.Errorf("board: commit create asset: %w", err)
	}
	return r.GetAsset(ctx, a.AssetID)
}

func (r *Repository) GetAsset(ctx context.Context, assetID string) (Asset, error) {
	row := r.db.QueryRowContext(ctx, assetSelectColumns+" FROM assets WHERE asset_id = ?", assetID)
	return scanAssetRow(row)
}

func (r *Repository) ListAssets(ctx context.Context, taskID string) ([]Asset, error) {
	rows, err := r.db.QueryContext(ctx, assetSelectColumns+" FROM assets WHERE task_id = ? ORDER BY uploaded_at ASC", taskID)
	if err != nil {
		return nil, fmt.Errorf("board: list assets: %w", err)
	}
	defer rows.Close()

	var assets []Asset
	for rows.Next() {
		a, err := scanAssetRow(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// --- scanning helpers ---

const taskSelectColumns = `SELECT
	task_id, poster_id, title, spec, reward,
	bidding_seconds, execution_seconds, review_seconds,
	status, escrow_id, bid_count, worker_id, accepted_bid_id,
	dispute_reason, ruling_id, worker_pct, ruling_summary, escrow_pending,
	created_at, accepted_at, submitted_at, approved_at, cancelled_at, disputed_at, ruled_at, expired_at`

const assetSelectColumns = `SELECT
	asset_id, task_id, uploader_id, filename, content_type, size_bytes, content_hash, uploaded_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskRow(row rowScanner) (Task, error) {
	var t Task
	var status string
	var escrowPending int
	var createdAt string
	var workerID, acceptedBidID, disputeReason, rulingID, rulingSummary sql.NullString
	var workerPct sql.NullInt64
	var acceptedAt, submittedAt, approvedAt, cancelledAt, disputedAt, ruledAt, expiredAt sql.NullString

	err := row.Scan(
		&t.TaskID, &t.PosterID, &t.Title, &t.Spec, &t.Reward,
		&t.BiddingSeconds, &t.ExecutionSeconds, &t.ReviewSeconds,
		&status, &t.EscrowID, &t.BidCount, &workerID, &acceptedBidID,
		&disputeReason, &rulingID, &workerPct, &rulingSummary, &escrowPending,
		&createdAt, &acceptedAt, &submittedAt, &approvedAt, &cancelledAt, &disputedAt, &ruledAt, &expiredAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, fmt.Errorf("board: scan task: %w", err)
	}

	t.Status = TaskStatus(status)
	t.EscrowPending = escrowPending != 0
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.WorkerID = nullStringPtr(workerID)
	t.AcceptedBidID = nullStringPtr(acceptedBidID)
	t.DisputeReason = nullStringPtr(disputeReason)
	t.RulingID = nullStringPtr(rulingID)
	t.RulingSummary = nullStringPtr(rulingSummary)
	if workerPct.Valid {
		v := int(workerPct.Int64)
		t.WorkerPct = &v
	}
	t.AcceptedAt = nullTimePtr(acceptedAt)
	t.SubmittedAt = nullTimePtr(submittedAt)
	t.ApprovedAt = nullTimePtr(approvedAt)
	t.CancelledAt = nullTimePtr(cancelledAt)
	t.DisputedAt = nullTimePtr(disputedAt)
	t.RuledAt = nullTimePtr(ruledAt)
	t.ExpiredAt = nullTimePtr(expiredAt)
	return t, nil
}

func scanBidRow(row rowScanner) (Bid, error) {
	var b Bid
	var submittedAt string
	if err := row.Scan(&b.BidID, &b.TaskID, &b.BidderID, &b.Amount, &submittedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Bid{}, ErrBidNotFound
		}
		return Bid{}, fmt.Errorf("board: scan bid: %w", err)
	}
	b.SubmittedAt, _ = time.Parse(time.RFC3339, submittedAt)
	return b, nil
}

func scanAssetRow(row rowScanner) (Asset, error) {
	var a Asset
	var uploadedAt string
	if err := row.Scan(&a.AssetID, &a.TaskID, &a.UploaderID, &a.Filename, &a.ContentType, &a.SizeBytes, &a.ContentHash, &uploadedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Asset{}, ErrAssetNotFound
		}
		return Asset{}, fmt.Errorf("board: scan asset: %w", err)
	}
	a.UploadedAt, _ = time.Parse(time.RFC3339, uploadedAt)
	return a, nil
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
