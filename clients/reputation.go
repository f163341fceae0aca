package clients

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"time"
)

// ReputationClient is the capability set Court depends on to record
// feedback after a ruling. Reputation itself is out-of-core (spec.md §1:
// "a thin append/query store the Court notifies") — only this client
// capability set is part of this module.
type ReputationClient interface {
	RecordFeedback(ctx context.Context, req FeedbackRequest) error
}

// FeedbackRequest is the body Court posts to Reputation per spec.md's
// rating scale (worker_pct >= 80 -> extremely_satisfied, 40..79 ->
// satisfied, < 40 -> dissatisfied, inverted for the spec-quality rating).
type FeedbackRequest struct {
	SubjectAgentID string `json:"subject_agent_id"`
	RaterAgentID   string `json:"rater_agent_id"`
	Dimension      string `json:"dimension"` // "delivery_quality" or "spec_quality"
	Rating         string `json:"rating"`    // "extremely_satisfied" | "satisfied" | "dissatisfied"
	TaskID         string `json:"task_id"`
	DisputeID      string `json:"dispute_id,omitempty"`
}

// HTTPReputationClient is the real network-backed ReputationClient, signed
// as the platform agent since feedback recording requires platform
// authority the same way escrow operations do.
type HTTPReputationClient struct{ base }

func NewHTTPReputationClient(baseURL string, timeout time.Duration, platformAgentID string, platformKey ed25519.PrivateKey) *HTTPReputationClient {
	return &HTTPReputationClient{base: newBase(baseURL, timeout, platformAgentID, platformKey)}
}

func (c *HTTPReputationClient) RecordFeedback(ctx context.Context, req FeedbackRequest) error {
	token, err := c.signedBody(map[string]any{
		"subject_agent_id": req.SubjectAgentID,
		"rater_agent_id":   req.RaterAgentID,
		"dimension":        req.Dimension,
		"rating":           req.Rating,
		"task_id":          req.TaskID,
		"dispute_id":       req.DisputeID,
	})
	if err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPost, "/feedback", token, nil, nil)
}
