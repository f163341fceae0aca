package board

import "time"

// TaskStatus is one of the task state machine's states (spec.md §4.3).
type TaskStatus string

const (
	StatusOpen      TaskStatus = "open"
	StatusAccepted  TaskStatus = "accepted"
	StatusSubmitted TaskStatus = "submitted"
	StatusApproved  TaskStatus = "approved"
	StatusDisputed  TaskStatus = "disputed"
	StatusRuled     TaskStatus = "ruled"
	StatusExpired   TaskStatus = "expired"
	StatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transitions occur from status
// (spec.md §3 "Terminal task states").
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusCancelled, StatusRuled, StatusExpired:
		return true
	default:
		return false
	}
}

// Task mirrors spec.md §3 "Task".
type Task struct {
	TaskID           string
	PosterID         string
	Title            string
	Spec             string
	Reward           int64
	BiddingSeconds   int
	ExecutionSeconds int
	ReviewSeconds    int
	Status           TaskStatus
	EscrowID         string
	BidCount         int
	WorkerID         *string
	AcceptedBidID    *string
	DisputeReason    *string
	RulingID         *string
	WorkerPct        *int
	RulingSummary    *string
	EscrowPending    bool
	CreatedAt        time.Time
	AcceptedAt       *time.Time
	SubmittedAt      *time.Time
	ApprovedAt       *time.Time
	CancelledAt      *time.Time
	DisputedAt       *time.Time
	RuledAt          *time.Time
	ExpiredAt        *time.Time
}

// Bid mirrors spec.md §3 "Bid".
type Bid struct {
	BidID       string
	TaskID      string
	BidderID    string
	Amount      int64
	SubmittedAt time.Time
}

// Asset mirrors spec.md §3 "Asset"; file bytes live on disk, this row is
// the authoritative index.
type Asset struct {
	AssetID     string
	TaskID      string
	UploaderID  string
	Filename    string
	ContentType string
	SizeBytes   int64
	ContentHash string
	UploadedAt  time.Time
}

// --- wire shapes ---

type CreateTaskRequest struct {
	TaskToken   string `json:"task_token"`
	EscrowToken string `json:"escrow_token"`
}

type TaskResponse struct {
	TaskID           string `json:"task_id"`
	PosterID         string `json:"poster_id"`
	Title            string `json:"title"`
	Spec             string `json:"spec"`
	Reward           int64  `json:"reward"`
	BiddingSeconds   int    `json:"bidding_seconds"`
	ExecutionSeconds int    `json:"execution_seconds"`
	ReviewSeconds    int    `json:"review_seconds"`
	Status           string `json:"status"`
	EscrowID         string `json:"escrow_id"`
	BidCount         int    `json:"bid_count"`
	WorkerID         string `json:"worker_id,omitempty"`
	AcceptedBidID    string `json:"accepted_bid_id,omitempty"`
	DisputeReason    string `json:"dispute_reason,omitempty"`
	RulingID         string `json:"ruling_id,omitempty"`
	WorkerPct        *int   `json:"worker_pct,omitempty"`
	RulingSummary    string `json:"ruling_summary,omitempty"`
	CreatedAt        string `json:"created_at"`
	AcceptedAt       string `json:"accepted_at,omitempty"`
	SubmittedAt      string `json:"submitted_at,omitempty"`
	ApprovedAt       string `json:"approved_at,omitempty"`
	CancelledAt      string `json:"cancelled_at,omitempty"`
	DisputedAt       string `json:"disputed_at,omitempty"`
	RuledAt          string `json:"ruled_at,omitempty"`
	ExpiredAt        string `json:"expired_at,omitempty"`
}

func newTaskResponse(t Task) TaskResponse {
	resp := TaskResponse{
		TaskID:           t.TaskID,
		PosterID:         t.PosterID,
		Title:            t.Title,
		Spec:             t.Spec,
		Reward:           t.Reward,
		BiddingSeconds:   t.BiddingSeconds,
		ExecutionSeconds: t.ExecutionSeconds,
		ReviewSeconds:    t.ReviewSeconds,
		Status:           string(t.Status),
		EscrowID:         t.EscrowID,
		BidCount:         t.BidCount,
		WorkerPct:        t.WorkerPct,
		CreatedAt:        t.CreatedAt.UTC().Format(time.RFC3339),
	}
	if t.WorkerID != nil {
		resp.WorkerID = *t.WorkerID
	}
	if t.AcceptedBidID != nil {
		resp.AcceptedBidID = *t.AcceptedBidID
	}
	if t.DisputeReason != nil {
		resp.DisputeReason = *t.DisputeReason
	}
	if t.RulingID != nil {
		resp.RulingID = *t.RulingID
	}
	if t.RulingSummary != nil {
		resp.RulingSummary = *t.RulingSummary
	}
	if t.AcceptedAt != nil {
		resp.AcceptedAt = t.AcceptedAt.UTC().Format(time.RFC3339)
	}
	if t.SubmittedAt != nil {
		resp.SubmittedAt = t.SubmittedAt.UTC().Format(time.RFC3339)
	}
	if t.ApprovedAt != nil {
		resp.ApprovedAt = t.ApprovedAt.UTC().Format(time.RFC3339)
	}
	if t.CancelledAt != nil {
		resp.CancelledAt = t.CancelledAt.UTC().Format(time.RFC3339)
	}
	if t.DisputedAt != nil {
		resp.DisputedAt = t.DisputedAt.UTC().Format(time.RFC3339)
	}
	if t.RuledAt != nil {
		resp.RuledAt = t.RuledAt.UTC().Format(time.RFC3339)
	}
	if t.ExpiredAt != nil {
		resp.ExpiredAt = t.ExpiredAt.UTC().Format(time.RFC3339)
	}
	return resp
}

type BidRequest struct {
	Token  string `json:"token"`
	Amount int64  `json:"amount"`
}

type BidResponse struct {
	BidID       string `json:"bid_id"`
	TaskID      string `json:"task_id"`
	BidderID    string `json:"bidder_id"`
	Amount      int64  `json:"amount"`
	SubmittedAt string `json:"submitted_at"`
}

func newBidResponse(b Bid) BidResponse {
	return BidResponse{
		BidID:       b.BidID,
		TaskID:      b.TaskID,
		BidderID:    b.BidderID,
		Amount:      b.Amount,
		SubmittedAt: b.SubmittedAt.UTC().Format(time.RFC3339),
	}
}

type AssetResponse struct {
	AssetID     string `json:"asset_id"`
	TaskID      string `json:"task_id"`
	UploaderID  string `json:"uploader_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentHash string `json:"content_hash"`
	UploadedAt  string `json:"uploaded_at"`
}

func newAssetResponse(a Asset) AssetResponse {
	return AssetResponse{
		AssetID:     a.AssetID,
		TaskID:      a.TaskID,
		UploaderID:  a.UploaderID,
		Filename:    a.Filename,
		ContentType: a.ContentType,
		SizeBytes:   a.SizeBytes,
		ContentHash: a.ContentHash,
		UploadedAt:  a.UploadedAt.UTC().Format(time.RFC3339),
	}
}
