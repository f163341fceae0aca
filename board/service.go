package board

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/florianbuetow/agent-economy-sub001/clients"
	"github.com/florianbuetow/agent-economy-sub001/jws"
)

var (
	ErrForbidden      = errors.New("board: signer is not authorized for this action")
	ErrTokenMismatch  = errors.New("board: escrow token does not match task token")
	ErrInvalidPayload = errors.New("board: invalid request payload")
	ErrFileTooLarge   = errors.New("board: asset exceeds the per-file size cap")
)

// Service implements the task state machine: role-based authorization per
// transition, escrow coordination through the Bank, and lazy deadline
// evaluation on read.
type Service struct {
	repo            *Repository
	bank            clients.BankClient
	identity        clients.IdentityClient
	platformAgentID string
	storageRoot     string
	maxAssetBytes   int64
	maxAssetsPerTask int
}

func NewService(repo *Repository, bank clients.BankClient, identity clients.IdentityClient, platformAgentID, storageRoot string, maxAssetBytes int64, maxAssetsPerTask int) *Service {
	return &Service{
		repo:             repo,
		bank:             bank,
		identity:         identity,
		platformAgentID:  platformAgentID,
		storageRoot:      storageRoot,
		maxAssetBytes:    maxAssetBytes,
		maxAssetsPerTask: maxAssetsPerTask,
	}
}

// CreateTask runs the two-token protocol: verify task_token, cross-validate
// the unverified escrow_token, forward escrow_token to the Bank, and only
// then insert the task row (spec.md §4.3 "Create task flow").
func (s *Service) CreateTask(ctx context.Context, taskToken, escrowToken string) (Task, error) {
	taskResult, err := s.identity.VerifyJWS(ctx, taskToken)
	if err != nil {
		return Task{}, fmt.Errorf("%w: %w", errIdentityUnavailable, err)
	}
	if !taskResult.Valid {
		return Task{}, ErrForbidden
	}
	if action, _ := taskResult.Payload["action"].(string); action != "create_task" {
		return Task{}, ErrInvalidPayload
	}

	taskID, _ := taskResult.Payload["task_id"].(string)
	title, _ := taskResult.Payload["title"].(string)
	spec, _ := taskResult.Payload["spec"].(string)
	if taskID == "" || title == "" {
		return Task{}, ErrInvalidPayload
	}
	reward := int64(numberClaim(taskResult.Payload["reward"]))
	biddingSeconds := int(numberClaim(taskResult.Payload["bidding_seconds"]))
	executionSeconds := int(numberClaim(taskResult.Payload["execution_seconds"]))
	reviewSeconds := int(numberClaim(taskResult.Payload["review_seconds"]))
	if reward <= 0 || biddingSeconds < 0 || executionSeconds <= 0 || reviewSeconds <= 0 {
		return Task{}, ErrInvalidPayload
	}

	escrowPayload, err := jws.DecodeUnverified(escrowToken)
	if err != nil {
		return Task{}, ErrInvalidPayload
	}
	escrowTaskID, _ := escrowPayload["task_id"].(string)
	escrowAmount := int64(numberClaim(escrowPayload["amount"]))
	if escrowTaskID != taskID || escrowAmount != reward {
		return Task{}, ErrTokenMismatch
	}

	escrow, err := s.bank.LockEscrow(ctx, escrowToken)
	if err != nil {
		return Task{}, fmt.Errorf("%w: %w", errBankUnavailable, err)
	}

	return s.repo.CreateTask(ctx, Task{
		TaskID:           taskID,
		PosterID:         taskResult.AgentID,
		Title:            title,
		Spec:             spec,
		Reward:           reward,
		BiddingSeconds:   biddingSeconds,
		ExecutionSeconds: executionSeconds,
		ReviewSeconds:    reviewSeconds,
		EscrowID:         escrow.EscrowID,
		CreatedAt:        time.Now(),
	})
}

// GetTask evaluates pending deadlines before returning the task, so every
// caller observes an up-to-date status (spec.md §4.3 "Lazy deadline
// evaluation").
func (s *Service) GetTask(ctx context.Context, taskID string) (Task, error) {
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	return s.evaluateDeadline(ctx, t)
}

func (s *Service) ListTasks(ctx context.Context, f ListFilters) ([]Task, error) {
	tasks, err := s.repo.ListTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	evaluated := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		e, err := s.evaluateDeadline(ctx, t)
		if err != nil {
			return nil, err
		}
		evaluated = append(evaluated, e)
	}
	return evaluated, nil
}

// evaluateDeadline implements spec.md §4.3 step 2-5: retry a pending
// escrow release, then check whether the current status has passed its
// deadline and, if so, compare-and-set into the terminal state and invoke
// the Bank release. Only the winning writer performs the side effect.
func (s *Service) evaluateDeadline(ctx context.Context, t Task) (Task, error) {
	if t.EscrowPending {
		t = s.retryPendingRelease(ctx, t)
	}
	if t.Status.IsTerminal() {
		return t, nil
	}

	deadline, applicable := s.deadlineFor(t)
	if !applicable || time.Now().Before(deadline) {
		return t, nil
	}

	switch t.Status {
	case StatusOpen:
		return s.autoTransition(ctx, t, StatusOpen, StatusExpired, "expired_at", t.PosterID, "expire:"+t.TaskID)
	case StatusAccepted:
		return s.autoTransition(ctx, t, StatusAccepted, StatusExpired, "expired_at", t.PosterID, "expire:"+t.TaskID)
	case StatusSubmitted:
		workerID := ""
		if t.WorkerID != nil {
			workerID = *t.WorkerID
		}
		return s.autoTransition(ctx, t, StatusSubmitted, StatusApproved, "approved_at", workerID, "approve:"+t.TaskID)
	default:
		return t, nil
	}
}

func (s *Service) deadlineFor(t Task) (time.Time, bool) {
	switch t.Status {
	case StatusOpen:
		if t.BidCount > 0 {
			return time.Time{}, false
		}
		return t.CreatedAt.Add(time.Duration(t.BiddingSeconds) * time.Second), true
	case StatusAccepted:
		if t.AcceptedAt == nil {
			return time.Time{}, false
		}
		return t.AcceptedAt.Add(time.Duration(t.ExecutionSeconds) * time.Second), true
	case StatusSubmitted:
		if t.SubmittedAt == nil {
			return time.Time{}, false
		}
		return t.SubmittedAt.Add(time.Duration(t.ReviewSeconds) * time.Second), true
	default:
		return time.Time{}, false
	}
}

// autoTransition performs the CAS into the terminal/approved state and, for
// the winner, the Bank release; losers (affected=false) just re-read.
func (s *Service) autoTransition(ctx context.Context, t Task, from, to TaskStatus, timestampColumn, recipientAccountID, reference string) (Task, error) {
	won, err := s.repo.CASTransition(ctx, t.TaskID, from, to, timestampColumn, time.Now())
	if err != nil {
		return Task{}, err
	}
	if !won {
		return s.repo.GetTask(ctx, t.TaskID)
	}
	if err := s.repo.SetEscrowPending(ctx, t.TaskID, true); err != nil {
		return Task{}, err
	}
	refreshed, err := s.repo.GetTask(ctx, t.TaskID)
	if err != nil {
		return Task{}, err
	}
	return s.releaseEscrow(ctx, refreshed, recipientAccountID, reference), nil
}

// retryPendingRelease attempts the release recorded as pending by a prior
// read. It never returns an error: a retry failure just leaves the flag
// set for the next read (spec.md's "transition first, credit on retry").
func (s *Service) retryPendingRelease(ctx context.Context, t Task) Task {
	var recipientAccountID, reference string
	switch t.Status {
	case StatusExpired:
		recipientAccountID = t.PosterID
		reference = "expire:" + t.TaskID
	case StatusApproved:
		if t.WorkerID != nil {
			recipientAccountID = *t.WorkerID
		}
		reference = "approve:" + t.TaskID
	case StatusCancelled:
		recipientAccountID = t.PosterID
		reference = "cancel:" + t.TaskID
	default:
		return t
	}
	return s.releaseEscrow(ctx, t, recipientAccountID, reference)
}

func (s *Service) releaseEscrow(ctx context.Context, t Task, recipientAccountID, reference string) Task {
	_, err := s.bank.ReleaseEscrow(ctx, t.EscrowID, clients.ReleaseEscrowRequest{
		RecipientAccountID: recipientAccountID,
		Reference:          reference,
	})
	if err != nil {
		_ = s.repo.SetEscrowPending(ctx, t.TaskID, true)
		return t
	}
	_ = s.repo.SetEscrowPending(ctx, t.TaskID, false)
	refreshed, getErr := s.repo.GetTask(ctx, t.TaskID)
	if getErr != nil {
		return t
	}
	return refreshed
}

// CancelTask is poster-signed, valid only while open; releases escrow back
// to the poster.
func (s *Service) CancelTask(ctx context.Context, signerID, taskID string) (Task, error) {
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if signerID != t.PosterID {
		return Task{}, ErrForbidden
	}
	if t.Status != StatusOpen {
		return Task{}, ErrInvalidStatus
	}
	won, err := s.repo.CASTransition(ctx, taskID, StatusOpen, StatusCancelled, "cancelled_at", time.Now())
	if err != nil {
		return Task{}, err
	}
	if !won {
		return s.repo.GetTask(ctx, taskID)
	}
	refreshed, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	return s.releaseEscrow(ctx, refreshed, t.PosterID, "cancel:"+taskID), nil
}

// SubmitBid records a sealed bid while the task is open.
func (s *Service) SubmitBid(ctx context.Context, signerID, taskID string, amount int64) (Bid, error) {
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return Bid{}, err
	}
	if t.Status != StatusOpen {
		return Bid{}, ErrInvalidStatus
	}
	if amount <= 0 || amount > t.Reward {
		return Bid{}, ErrInvalidPayload
	}
	return s.repo.CreateBid(ctx, taskID, signerID, amount, time.Now())
}

// ListBids is sealed to everyone but the poster while the task is open; it
// becomes public once a bid is accepted or the task reaches a terminal
// state (spec.md §4.3 "Bidding").
func (s *Service) ListBids(ctx context.Context, callerID, taskID string, authenticated bool) ([]Bid, error) {
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	sealed := t.Status == StatusOpen
	if sealed {
		if !authenticated || callerID != t.PosterID {
			return nil, ErrForbidden
		}
	}
	return s.repo.ListBids(ctx, taskID)
}

// AcceptBid is poster-signed; moves open -> accepted with no escrow motion.
func (s *Service) AcceptBid(ctx context.Context, signerID, taskID, bidID string) (Task, error) {
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if signerID != t.PosterID {
		return Task{}, ErrForbidden
	}
	if t.Status != StatusOpen {
		return Task{}, ErrInvalidStatus
	}
	bid, err := s.repo.GetBid(ctx, bidID)
	if err != nil {
		return Task{}, err
	}
	if bid.TaskID != taskID {
		return Task{}, ErrBidNotFound
	}
	return s.repo.AcceptBid(ctx, taskID, bid.BidderID, bid.BidID, time.Now())
}

// UploadAsset stores a deliverable under storageRoot/<task_id>/<asset_id>/<filename>,
// confining the resolved path to the storage root and enforcing the
// per-file and per-task caps (spec.md §4.3 "Asset upload").
func (s *Service) UploadAsset(ctx context.Context, signerID, taskID, filename, contentType string, content io.Reader) (Asset, error) {
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return Asset{}, err
	}
	if t.Status != StatusAccepted {
		return Asset{}, ErrInvalidStatus
	}
	if t.WorkerID == nil || signerID != *t.WorkerID {
		return Asset{}, ErrForbidden
	}

	assetID := "asset-" + uuid.NewString()
	dir := filepath.Join(s.storageRoot, taskID, assetID)
	resolved, err := filepath.Abs(dir)
	if err != nil {
		return Asset{}, fmt.Errorf("board: resolve asset path: %w", err)
	}
	rootAbs, err := filepath.Abs(s.storageRoot)
	if err != nil {
		return Asset{}, fmt.Errorf("board: resolve storage root: %w", err)
	}
	if resolved != rootAbs && !isWithinRoot(resolved, rootAbs) {
		return Asset{}, ErrAssetNotFound
	}

	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return Asset{}, fmt.Errorf("board: create asset dir: %w", err)
	}
	destPath := filepath.Join(resolved, filepath.Base(filename))

	hasher := sha256.New()
	limited := io.LimitReader(io.TeeReader(content, hasher), s.maxAssetBytes+1)
	f, err := os.Create(destPath)
	if err != nil {
		return Asset{}, fmt.Errorf("board: create asset file: %w", err)
	}
	defer f.Close()

	written, err := io.Copy(f, limited)
	if err != nil {
		return Asset{}, fmt.Errorf("board: write asset file: %w", err)
	}
	if written > s.maxAssetBytes {
		os.Remove(destPath)
		return Asset{}, ErrFileTooLarge
	}

	asset := Asset{
		AssetID:     assetID,
		TaskID:      taskID,
		UploaderID:  signerID,
		Filename:    filename,
		ContentType: contentType,
		SizeBytes:   written,
		ContentHash: hex.EncodeToString(hasher.Sum(nil)),
		UploadedAt:  time.Now(),
	}
	return s.repo.CreateAsset(ctx, asset, s.maxAssetsPerTask)
}

// ListAssets is private to the poster and worker while the task is
// non-terminal; it becomes public once the task reaches a terminal status
// (spec.md §9 "Asset download authentication", resolved the same way as
// ListBids' confidentiality boundary). The platform agent always passes,
// since Court fetches deliverables mid-dispute (status disputed, which is
// non-terminal) to build the judge panel's context.
func (s *Service) ListAssets(ctx context.Context, callerID, taskID string, authenticated bool) ([]Asset, error) {
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !t.Status.IsTerminal() && !s.canViewAssets(callerID, authenticated, t) {
		return nil, ErrForbidden
	}
	return s.repo.ListAssets(ctx, taskID)
}

// GetAsset applies the same confidentiality boundary as ListAssets before
// returning the asset's metadata (the caller still needs this to resolve
// the file on disk).
func (s *Service) GetAsset(ctx context.Context, callerID, taskID, assetID string, authenticated bool) (Asset, error) {
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return Asset{}, err
	}
	if !t.Status.IsTerminal() && !s.canViewAssets(callerID, authenticated, t) {
		return Asset{}, ErrForbidden
	}
	return s.repo.GetAsset(ctx, assetID)
}

func (s *Service) canViewAssets(callerID string, authenticated bool, t Task) bool {
	if !authenticated {
		return false
	}
	if callerID == s.platformAgentID {
		return true
	}
	if callerID == t.PosterID {
		return true
	}
	return t.WorkerID != nil && callerID == *t.WorkerID
}

func (s *Service) AssetFilePath(taskID, assetID, filename string) string {
	return filepath.Join(s.storageRoot, taskID, assetID, filepath.Base(filename))
}

func isWithinRoot(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !hasParentEscape(rel)
}

func hasParentEscape(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.'
}

// SubmitDeliverable is worker-signed; accepted -> submitted.
func (s *Service) SubmitDeliverable(ctx context.Context, signerID, taskID string) (Task, error) {
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if t.WorkerID == nil || signerID != *t.WorkerID {
		return Task{}, ErrForbidden
	}
	if t.Status != StatusAccepted {
		return Task{}, ErrInvalidStatus
	}
	return s.repo.SubmitDeliverable(ctx, taskID, time.Now())
}

// ApproveTask is poster-signed; releases escrow to the worker before
// flipping to approved. If the release fails the status does not advance
// (spec.md §4.3 "Submit / approve").
func (s *Service) ApproveTask(ctx context.Context, signerID, taskID string) (Task, error) {
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if signerID != t.PosterID {
		return Task{}, ErrForbidden
	}
	if t.Status != StatusSubmitted {
		return Task{}, ErrInvalidStatus
	}
	workerID := ""
	if t.WorkerID != nil {
		workerID = *t.WorkerID
	}
	if _, err := s.bank.ReleaseEscrow(ctx, t.EscrowID, clients.ReleaseEscrowRequest{
		RecipientAccountID: workerID,
		Reference:          "approve:" + taskID,
	}); err != nil {
		return Task{}, fmt.Errorf("%w: %w", errBankUnavailable, err)
	}
	won, err := s.repo.CASTransition(ctx, taskID, StatusSubmitted, StatusApproved, "approved_at", time.Now())
	if err != nil {
		return Task{}, err
	}
	if !won {
		return s.repo.GetTask(ctx, taskID)
	}
	return s.repo.GetTask(ctx, taskID)
}

// DisputeTask is poster-signed; submitted -> disputed, no escrow motion.
func (s *Service) DisputeTask(ctx context.Context, signerID, taskID, reason string) (Task, error) {
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if signerID != t.PosterID {
		return Task{}, ErrForbidden
	}
	if t.Status != StatusSubmitted {
		return Task{}, ErrInvalidStatus
	}
	if reason == "" {
		return Task{}, ErrInvalidPayload
	}
	return s.repo.SetDisputeReason(ctx, taskID, reason, time.Now())
}

// RecordRuling is platform-signed; Court has already executed the escrow
// split by the time this is called (spec.md §4.3 "Record ruling").
func (s *Service) RecordRuling(ctx context.Context, signerID, taskID, rulingID string, workerPct int, rulingSummary string) (Task, error) {
	if signerID != s.platformAgentID {
		return Task{}, ErrForbidden
	}
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if t.Status != StatusDisputed {
		return Task{}, ErrInvalidStatus
	}
	if workerPct < 0 {
		workerPct = 0
	}
	if workerPct > 100 {
		workerPct = 100
	}
	return s.repo.RecordRuling(ctx, taskID, rulingID, workerPct, rulingSummary, time.Now())
}

var (
	errBankUnavailable     = errors.New("board: central bank unavailable")
	errIdentityUnavailable = errors.New("board: identity service unavailable")
)

func numberClaim(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		return 0
	}
}
