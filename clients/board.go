package clients

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"time"
)

// BoardClient is the capability set Court depends on to read task state and
// record rulings against it (spec.md §2: Court depends on Task Board).
type BoardClient interface {
	GetTask(ctx context.Context, taskID string) (TaskInfo, error)
	GetTaskAssets(ctx context.Context, taskID string) ([]string, error)
	RecordRuling(ctx context.Context, taskID string, req RecordRulingRequest) (TaskInfo, error)
}

// TaskInfo mirrors Task Board's GET /tasks/{id} response, trimmed to the
// fields Court's ruling logic needs.
type TaskInfo struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	PosterID string `json:"poster_id"`
	WorkerID string `json:"worker_id"`
	EscrowID string `json:"escrow_id"`
	Title    string `json:"title"`
	Spec     string `json:"spec"`
	Reward   int64  `json:"reward"`
}

// RecordRulingRequest is the body Court posts back to Task Board once a
// dispute is decided, carrying the escrow outcome already executed.
type RecordRulingRequest struct {
	DisputeID     string `json:"dispute_id"`
	RulingID      string `json:"ruling_id"`
	WorkerPct     int    `json:"worker_pct"`
	RulingSummary string `json:"ruling_summary"`
	EscrowStatus  string `json:"escrow_status"`
}

// HTTPBoardClient is the real network-backed BoardClient. Record-ruling is
// platform-signed, like Central Bank's release/split calls.
type HTTPBoardClient struct{ base }

func NewHTTPBoardClient(baseURL string, timeout time.Duration, platformAgentID string, platformKey ed25519.PrivateKey) *HTTPBoardClient {
	return &HTTPBoardClient{base: newBase(baseURL, timeout, platformAgentID, platformKey)}
}

func (c *HTTPBoardClient) GetTask(ctx context.Context, taskID string) (TaskInfo, error) {
	var out TaskInfo
	err := c.doJSON(ctx, http.MethodGet, "/tasks/"+taskID, "", nil, &out)
	return out, err
}

// GetTaskAssets returns the filenames of the task's uploaded deliverables,
// which Court folds into the judge panel's DisputeContext. Signed as the
// platform agent: the task is still disputed (non-terminal) at this point,
// so Task Board's asset-privacy gate would otherwise reject an anonymous
// caller who is neither poster nor worker.
func (c *HTTPBoardClient) GetTaskAssets(ctx context.Context, taskID string) ([]string, error) {
	var out struct {
		Assets []struct {
			Filename string `json:"filename"`
		} `json:"assets"`
	}
	token, err := c.signedBody(map[string]any{"action": "get_task_assets", "task_id": taskID})
	if err != nil {
		return nil, err
	}
	if err := c.doJSON(ctx, http.MethodGet, "/tasks/"+taskID+"/assets", token, nil, &out); err != nil {
		return nil, err
	}
	filenames := make([]string, 0, len(out.Assets))
	for _, a := range out.Assets {
		filenames = append(filenames, a.Filename)
	}
	return filenames, nil
}

func (c *HTTPBoardClient) RecordRuling(ctx context.Context, taskID string, req RecordRulingRequest) (TaskInfo, error) {
	var out TaskInfo
	token, err := c.signedBody(map[string]any{
		"dispute_id":     req.DisputeID,
		"ruling_id":      req.RulingID,
		"worker_pct":     req.WorkerPct,
		"ruling_summary": req.RulingSummary,
		"escrow_status":  req.EscrowStatus,
	})
	if err != nil {
		return out, err
	}
	err = c.doJSON(ctx, http.MethodPost, "/tasks/"+taskID+"/ruling", token, nil, &out)
	return out, err
}
