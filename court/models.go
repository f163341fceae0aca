package court

import "time"

// DisputeStatus is one of the dispute lifecycle's states (spec.md §4.4).
type DisputeStatus string

const (
	StatusRebuttalPending   DisputeStatus = "rebuttal_pending"
	StatusRebuttalSubmitted DisputeStatus = "rebuttal_submitted"
	StatusJudging           DisputeStatus = "judging"
	StatusRuled             DisputeStatus = "ruled"
)

// Dispute mirrors spec.md §3 "Dispute". One dispute per task.
type Dispute struct {
	DisputeID       string
	TaskID          string
	ClaimantID      string
	RespondentID    string
	Claim           string
	Rebuttal        *string
	Status          DisputeStatus
	RebuttalDeadline time.Time
	WorkerPct       *int
	RulingSummary   *string
	EscrowID        string
	FiledAt         time.Time
	RebuttedAt      *time.Time
	RuledAt         *time.Time
}

// Vote is one judge's evaluation of a dispute (spec.md §4.4 "Panel").
type Vote struct {
	VoteID    string
	DisputeID string
	JudgeID   string
	WorkerPct int
	Reasoning string
	VotedAt   time.Time
}

// DisputeContext is what a Judge evaluates.
type DisputeContext struct {
	TaskTitle    string
	Reward       int64
	TaskSpec     string
	Deliverables []string
	Claim        string
	Rebuttal     string
}

// --- wire shapes ---

type FileDisputeRequest struct {
	Token string `json:"token"`
}

type RebuttalRequest struct {
	Token string `json:"token"`
}

type TriggerRulingRequest struct {
	Token string `json:"token"`
}

type VoteResponse struct {
	JudgeID   string `json:"judge_id"`
	WorkerPct int    `json:"worker_pct"`
	Reasoning string `json:"reasoning"`
	VotedAt   string `json:"voted_at"`
}

func newVoteResponse(v Vote) VoteResponse {
	return VoteResponse{
		JudgeID:   v.JudgeID,
		WorkerPct: v.WorkerPct,
		Reasoning: v.Reasoning,
		VotedAt:   v.VotedAt.UTC().Format(time.RFC3339),
	}
}

type DisputeResponse struct {
	DisputeID        string         `json:"dispute_id"`
	TaskID           string         `json:"task_id"`
	ClaimantID       string         `json:"claimant_id"`
	RespondentID     string         `json:"respondent_id"`
	Claim            string         `json:"claim"`
	Rebuttal         string         `json:"rebuttal,omitempty"`
	Status           string         `json:"status"`
	RebuttalDeadline string         `json:"rebuttal_deadline"`
	WorkerPct        *int           `json:"worker_pct,omitempty"`
	RulingSummary    string         `json:"ruling_summary,omitempty"`
	EscrowID         string         `json:"escrow_id"`
	FiledAt          string         `json:"filed_at"`
	RebuttedAt       string         `json:"rebutted_at,omitempty"`
	RuledAt          string         `json:"ruled_at,omitempty"`
	Votes            []VoteResponse `json:"votes,omitempty"`
}

func newDisputeResponse(d Dispute, votes []Vote) DisputeResponse {
	resp := DisputeResponse{
		DisputeID:        d.DisputeID,
		TaskID:           d.TaskID,
		ClaimantID:       d.ClaimantID,
		RespondentID:     d.RespondentID,
		Claim:            d.Claim,
		Status:           string(d.Status),
		RebuttalDeadline: d.RebuttalDeadline.UTC().Format(time.RFC3339),
		WorkerPct:        d.WorkerPct,
		EscrowID:         d.EscrowID,
		FiledAt:          d.FiledAt.UTC().Format(time.RFC3339),
	}
	if d.Rebuttal != nil {
		resp.Rebuttal = *d.Rebuttal
	}
	if d.RulingSummary != nil {
		resp.RulingSummary = *d.RulingSummary
	}
	if d.RebuttedAt != nil {
		resp.RebuttedAt = d.RebuttedAt.UTC().Format(time.RFC3339)
	}
	if d.RuledAt != nil {
		resp.RuledAt = d.RuledAt.UTC().Format(time.RFC3339)
	}
	for _, v := range votes {
		resp.Votes = append(resp.Votes, newVoteResponse(v))
	}
	return resp
}
