package court

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
	ErrDisputeNotFound = errors.New("court: dispute not found")
	ErrDisputeExists   = errors.New("court: a dispute already exists for this task")
	ErrBadStatus       = errors.New("court: dispute is not in the required status")
)

const schema = `
CREATE TABLE IF NOT EXISTS disputes (
	dispute_id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL UNIQUE,
	claimant_id TEXT NOT NULL,
	respondent_id TEXT NOT NULL,
	claim TEXT NOT NULL,
	rebuttal TEXT,
	status TEXT NOT NULL,
	rebuttal_deadline TEXT NOT NULL,
	worker_pct INTEGER,
	ruling_summary TEXT,
	escrow_id TEXT NOT NULL,
	filed_at TEXT NOT NULL,
	rebutted_at TEXT,
	ruled_at TEXT
);

CREATE TABLE IF NOT EXISTS votes (
	vote_id TEXT PRIMARY KEY,
	dispute_id TEXT NOT NULL REFERENCES disputes(dispute_id),
	judge_id TEXT NOT NULL,
	worker_pct INTEGER NOT NULL,
	reasoning TEXT NOT NULL,
	voted_at TEXT NOT NULL
);
`

// Schema returns Court's DDL for sqlitedb.Migrate.
func Schema() string { return schema }

// Repository is Court's SQLite-backed store, bound directly to *sql.DB like
// Bank's and Task Board's: the judging-status CAS lock is the kind of logic
// only a real database engine exercises meaningfully.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateDispute(ctx context.Context, d Dispute) (Dispute, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO disputes (
			dispute_id, task_id, claimant_id, respondent_id, claim,
			status, rebuttal_deadline, escrow_id, filed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DisputeID, d.TaskID, d.ClaimantID, d.RespondentID, d.Claim,
		string(StatusRebuttalPending), d.RebuttalDeadline.UTC().Format(time.RFC3339),
		d.EscrowID, d.FiledAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return Dispute{}, ErrDisputeExists
		}
		return Dispute{}, fmt.Errorf("court: insert dispute: %w", err)
	}
	return r.GetDispute(ctx, d.DisputeID)
}

func (r *Repository) GetDispute(ctx context.Context, disputeID string) (Dispute, error) {
	row := r.db.QueryRowContext(ctx, disputeSelectColumns+" FROM disputes WHERE dispute_id = ?", disputeID)
	return scanDisputeRow(row)
}

func (r *Repository) GetDisputeByTask(ctx context.Context, taskID string) (Dispute, error) {
	row := r.db.QueryRowContext(ctx, disputeSelectColumns+" FROM disputes WHERE task_id = ?", taskID)
	return scanDisputeRow(row)
}

func (r *Repository) ListDisputes(ctx context.Context, taskID, status string, offset, limit int) ([]Dispute, error) {
	query := disputeSelectColumns + " FROM disputes WHERE 1=1"
	var args []any
	if taskID != "" {
		query += " AND task_id = ?"
		args = append(args, taskID)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY filed_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("court: list disputes: %w", err)
	}
	defer rows.Close()

	var disputes []Dispute
	for rows.Next() {
		d, err := scanDisputeRow(rows)
		if err != nil {
			return nil, err
		}
		disputes = append(disputes, d)
	}
	return disputes, rows.Err()
}

// SubmitRebuttal flips rebuttal_pending -> rebuttal_submitted, recording
// the text.
func (r *Repository) SubmitRebuttal(ctx context.Context, disputeID, rebuttal string, now time.Time) (Dispute, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE disputes SET status = ?, rebuttal = ?, rebutted_at = ?
		WHERE dispute_id = ? AND status = ?`,
		string(StatusRebuttalSubmitted), rebuttal, now.UTC().Format(time.RFC3339),
		disputeID, string(StatusRebuttalPending),
	)
	if err != nil {
		return Dispute{}, fmt.Errorf("court: submit rebuttal: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return r.statusConflictOrNotFound(ctx, disputeID)
	}
	return r.GetDispute(ctx, disputeID)
}

// TryLockForJudging is the CAS that makes trigger_ruling safe against
// concurrent callers: only one caller's UPDATE can move the dispute into
// judging from either ready status (spec.md §4.4 "Ruling algorithm" step 1).
func (r *Repository) TryLockForJudging(ctx context.Context, disputeID string, from DisputeStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE disputes SET status = ? WHERE dispute_id = ? AND status = ?`,
		string(StatusJudging), disputeID, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("court: lock for judging: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// RevertToRebuttalPending is used when a ruling attempt fails after the
// judging lock was acquired (judge failure or a downstream side-effect
// failure); it makes the dispute retriable (spec.md §4.4 step 3 and 8).
func (r *Repository) RevertToRebuttalPending(ctx context.Context, disputeID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE disputes SET status = ? WHERE dispute_id = ? AND status = ?`,
		string(StatusRebuttalPending), disputeID, string(StatusJudging),
	)
	if err != nil {
		return fmt.Errorf("court: revert to rebuttal_pending: %w", err)
	}
	return nil
}

// PersistRuling writes the ruling fields and the panel's votes in one
// transaction, only called after every side effect has already succeeded
// (spec.md §4.4 step 7).
func (r *Repository) PersistRuling(ctx context.Context, disputeID string, workerPct int, rulingSummary string, votes []Vote, now time.Time) (Dispute, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Dispute{}, fmt.Errorf("court: begin persist ruling: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE disputes SET status = ?, worker_pct = ?, ruling_summary = ?, ruled_at = ?
		WHERE dispute_id = ? AND status = ?`,
		string(StatusRuled), workerPct, rulingSummary, now.UTC().Format(time.RFC3339),
		disputeID, string(StatusJudging),
	)
	if err != nil {
		return Dispute{}, fmt.Errorf("court: persist ruling: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return Dispute{}, ErrBadStatus
	}

	for _, v := range votes {
		voteID := "vote-" + uuid.NewString()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO votes (vote_id, dispute_id, judge_id, worker_pct, reasoning, voted_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			voteID, disputeID, v.JudgeID, v.WorkerPct, v.Reasoning, v.VotedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return Dispute{}, fmt.Errorf("court: insert vote: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Dispute{}, fmt.Errorf("court: commit persist ruling: %w", err)
	}
	return r.GetDispute(ctx, disputeID)
}

func (r *Repository) ListVotes(ctx context.Context, disputeID string) ([]Vote, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT vote_id, dispute_id, judge_id, worker_pct, reasoning, voted_at FROM votes WHERE dispute_id = ? ORDER BY voted_at ASC", disputeID)
	if err != nil {
		return nil, fmt.Errorf("court: list votes: %w", err)
	}
	defer rows.Close()

	var votes []Vote
	for rows.Next() {
		var v Vote
		var votedAt string
		if err := rows.Scan(&v.VoteID, &v.DisputeID, &v.JudgeID, &v.WorkerPct, &v.Reasoning, &votedAt); err != nil {
			return nil, fmt.Errorf("court: scan vote: %w", err)
		}
		v.VotedAt, _ = time.Parse(time.RFC3339, votedAt)
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

func (r *Repository) statusConflictOrNotFound(ctx context.Context, disputeID string) (Dispute, error) {
	d, err := r.GetDispute(ctx, disputeID)
	if errors.Is(err, ErrDisputeNotFound) {
		return Dispute{}, ErrDisputeNotFound
	}
	if err != nil {
		return Dispute{}, err
	}
	return d, ErrBadStatus
}

const disputeSelectColumns = `SELECT
	dispute_id, task_id, claimant_id, respondent_id, claim, rebuttal,
	status, rebuttal_deadline, worker_pct, ruling_summary, escrow_id,
	filed_at, rebutted_at, ruled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDisputeRow(row rowScanner) (Dispute, error) {
	var d Dispute
	var status, rebuttalDeadline, filedAt string
	var rebuttal, rulingSummary sql.NullString
	var workerPct sql.NullInt64
	var rebuttedAt, ruledAt sql.NullString

	err := row.Scan(
		&d.DisputeID, &d.TaskID, &d.ClaimantID, &d.RespondentID, &d.Claim, &rebuttal,
		&status, &rebuttalDeadline, &workerPct, &rulingSummary, &d.EscrowID,
		&filedAt, &rebuttedAt, &ruledAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Dispute{}, ErrDisputeNotFound
		}
		return Dispute{}, fmt.Errorf("court: scan dispute: %w", err)
	}

	d.Status = DisputeStatus(status)
	d.RebuttalDeadline, _ = time.Parse(time.RFC3339, rebuttalDeadline)
	d.FiledAt, _ = time.Parse(time.RFC3339, filedAt)
	if rebuttal.Valid {
		v := rebuttal.String
		d.Rebuttal = &v
	}
	if rulingSummary.Valid {
		v := rulingSummary.String
		d.RulingSummary = &v
	}
	if workerPct.Valid {
		v := int(workerPct.Int64)
		d.WorkerPct = &v
	}
	if rebuttedAt.Valid && rebuttedAt.String != "" {
		t, err := time.Parse(time.RFC3339, rebuttedAt.String)
		if err == nil {
			d.RebuttedAt = &t
		}
	}
	if ruledAt.Valid && ruledAt.String != "" {
		t, err := time.Parse(time.RFC3339, ruledAt.String)
		if err == nil {
			d.RuledAt = &t
		}
	}
	return d, nil
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
