package court

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/florianbuetow/agent-economy-sub001/clients"
)

var (
	ErrForbidden      = errors.New("court: signer is not authorized for this action")
	ErrInvalidPayload = errors.New("court: invalid request payload")

	errBoardUnavailable      = errors.New("court: task board unavailable")
	errBankUnavailable       = errors.New("court: central bank unavailable")
	errReputationUnavailable = errors.New("court: reputation service unavailable")
)

// Service orchestrates dispute filing, rebuttal, and the multi-judge
// ruling algorithm (spec.md §4.4).
type Service struct {
	repo            *Repository
	board           clients.BoardClient
	bank            clients.BankClient
	reputation      clients.ReputationClient
	panel           *Panel
	platformAgentID string
	rebuttalWindow  time.Duration
}

func NewService(repo *Repository, board clients.BoardClient, bank clients.BankClient, reputation clients.ReputationClient, panel *Panel, platformAgentID string, rebuttalWindow time.Duration) *Service {
	return &Service{
		repo:            repo,
		board:           board,
		bank:            bank,
		reputation:      reputation,
		panel:           panel,
		platformAgentID: platformAgentID,
		rebuttalWindow:  rebuttalWindow,
	}
}

// FileDispute is platform-signed on behalf of the poster's dispute request
// against Task Board (spec.md §4.4 "Dispute lifecycle").
func (s *Service) FileDispute(ctx context.Context, signerID, taskID, claimantID, respondentID, claim string) (Dispute, error) {
	if signerID != s.platformAgentID {
		return Dispute{}, ErrForbidden
	}
	if claim == "" {
		return Dispute{}, ErrInvalidPayload
	}
	task, err := s.board.GetTask(ctx, taskID)
	if err != nil {
		return Dispute{}, fmt.Errorf("%w: %w", errBoardUnavailable, err)
	}
	now := time.Now()
	return s.repo.CreateDispute(ctx, Dispute{
		DisputeID:        "disp-" + uuid.NewString(),
		TaskID:           taskID,
		ClaimantID:       claimantID,
		RespondentID:     respondentID,
		Claim:            claim,
		RebuttalDeadline: now.Add(s.rebuttalWindow),
		EscrowID:         task.EscrowID,
		FiledAt:          now,
	})
}

// SubmitRebuttal is platform-signed on behalf of the respondent.
func (s *Service) SubmitRebuttal(ctx context.Context, signerID, disputeID, rebuttal string) (Dispute, error) {
	if signerID != s.platformAgentID {
		return Dispute{}, ErrForbidden
	}
	if rebuttal == "" {
		return Dispute{}, ErrInvalidPayload
	}
	return s.repo.SubmitRebuttal(ctx, disputeID, rebuttal, time.Now())
}

func (s *Service) GetDispute(ctx context.Context, disputeID string) (Dispute, []Vote, error) {
	d, err := s.repo.GetDispute(ctx, disputeID)
	if err != nil {
		return Dispute{}, nil, err
	}
	votes, err := s.repo.ListVotes(ctx, disputeID)
	if err != nil {
		return Dispute{}, nil, err
	}
	return d, votes, nil
}

func (s *Service) ListDisputes(ctx context.Context, taskID, status string, offset, limit int) ([]Dispute, error) {
	return s.repo.ListDisputes(ctx, taskID, status, offset, limit)
}

// TriggerRuling runs the full ruling algorithm (spec.md §4.4 "Ruling
// algorithm"): lock, fetch task context, invoke the panel, compute the
// median, run the ordered side effects, and only then persist. Any failure
// after the lock reverts the dispute to rebuttal_pending so the call is
// safely retriable.
func (s *Service) TriggerRuling(ctx context.Context, signerID, disputeID string) (Dispute, []Vote, error) {
	if signerID != s.platformAgentID {
		return Dispute{}, nil, ErrForbidden
	}

	d, err := s.repo.GetDispute(ctx, disputeID)
	if err != nil {
		return Dispute{}, nil, err
	}
	if d.Status == StatusRuled {
		return Dispute{}, nil, ErrBadStatus
	}
	if d.Status != StatusRebuttalPending && d.Status != StatusRebuttalSubmitted {
		return Dispute{}, nil, ErrBadStatus
	}
	// trigger_ruling during rebuttal_pending before the deadline is allowed
	// (see DESIGN.md's Open Question resolution): the platform triggering
	// early is the caller's own decision, not an error condition.

	won, err := s.repo.TryLockForJudging(ctx, disputeID, d.Status)
	if err != nil {
		return Dispute{}, nil, err
	}
	if !won {
		return Dispute{}, nil, ErrBadStatus
	}

	ruled, votes, err := s.runRuling(ctx, d)
	if err != nil {
		_ = s.repo.RevertToRebuttalPending(ctx, disputeID)
		return Dispute{}, nil, err
	}
	return ruled, votes, nil
}

func (s *Service) runRuling(ctx context.Context, d Dispute) (Dispute, []Vote, error) {
	task, err := s.board.GetTask(ctx, d.TaskID)
	if err != nil {
		return Dispute{}, nil, fmt.Errorf("%w: %w", errBoardUnavailable, err)
	}

	deliverables, err := s.board.GetTaskAssets(ctx, d.TaskID)
	if err != nil {
		return Dispute{}, nil, fmt.Errorf("%w: %w", errBoardUnavailable, err)
	}

	rebuttal := ""
	if d.Rebuttal != nil {
		rebuttal = *d.Rebuttal
	}
	votes, err := s.panel.Rule(ctx, DisputeContext{
		TaskTitle:    task.Title,
		TaskSpec:     task.Spec,
		Reward:       task.Reward,
		Deliverables: deliverables,
		Claim:        d.Claim,
		Rebuttal:     rebuttal,
	})
	if err != nil {
		return Dispute{}, nil, err
	}

	workerPct := medianWorkerPct(votes)
	rulingSummary := concatenateReasonings(votes)

	if _, err := s.bank.SplitEscrow(ctx, d.EscrowID, clients.SplitEscrowRequest{
		PosterAccountID: task.PosterID,
		WorkerAccountID: task.WorkerID,
		WorkerPct:       workerPct,
		Reference:       "ruling:" + d.DisputeID,
	}); err != nil {
		return Dispute{}, nil, fmt.Errorf("%w: %w", errBankUnavailable, err)
	}

	if err := s.recordFeedback(ctx, d, task, workerPct); err != nil {
		return Dispute{}, nil, err
	}

	if _, err := s.board.RecordRuling(ctx, d.TaskID, clients.RecordRulingRequest{
		DisputeID:     d.DisputeID,
		RulingID:      "ruling-" + uuid.NewString(),
		WorkerPct:     workerPct,
		RulingSummary: rulingSummary,
		EscrowStatus:  "split",
	}); err != nil {
		return Dispute{}, nil, fmt.Errorf("%w: %w", errBoardUnavailable, err)
	}

	ruled, err := s.repo.PersistRuling(ctx, d.DisputeID, workerPct, rulingSummary, votes, time.Now())
	if err != nil {
		return Dispute{}, nil, err
	}
	return ruled, votes, nil
}

// recordFeedback rates both parties from the final worker_pct (spec.md
// §4.4 step 6b): delivery_quality to the respondent (the worker) reads the
// percentage directly; spec_quality to the claimant (the poster) reads it
// inverted, since a high worker_pct implies the claimant's complaint about
// the work held up poorly.
func (s *Service) recordFeedback(ctx context.Context, d Dispute, task clients.TaskInfo, workerPct int) error {
	deliveryRating := ratingFor(workerPct)
	specRating := ratingFor(100 - workerPct)

	if err := s.reputation.RecordFeedback(ctx, clients.FeedbackRequest{
		SubjectAgentID: d.RespondentID,
		RaterAgentID:   s.platformAgentID,
		Dimension:      "delivery_quality",
		Rating:         deliveryRating,
		TaskID:         d.TaskID,
		DisputeID:      d.DisputeID,
	}); err != nil {
		return fmt.Errorf("%w: %w", errReputationUnavailable, err)
	}
	if err := s.reputation.RecordFeedback(ctx, clients.FeedbackRequest{
		SubjectAgentID: d.ClaimantID,
		RaterAgentID:   s.platformAgentID,
		Dimension:      "spec_quality",
		Rating:         specRating,
		TaskID:         d.TaskID,
		DisputeID:      d.DisputeID,
	}); err != nil {
		return fmt.Errorf("%w: %w", errReputationUnavailable, err)
	}
	return nil
}

// ratingFor maps a percentage to the three-tier satisfaction scale (spec.md
// §4.4 step 6b: >=80 extremely_satisfied, 40..79 satisfied, <40 dissatisfied).
func ratingFor(pct int) string {
	switch {
	case pct >= 80:
		return "extremely_satisfied"
	case pct >= 40:
		return "satisfied"
	default:
		return "dissatisfied"
	}
}
