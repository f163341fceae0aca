package clients

import (
	"context"
	"net/http"
	"time"
)

// IdentityClient is the capability set Central Bank, Task Board, and Court
// depend on for agent lookup and JWS verification (spec.md §2 dependency
// order: Identity has no dependencies, everyone else depends on it).
type IdentityClient interface {
	VerifyJWS(ctx context.Context, token string) (VerifyJWSResult, error)
	GetAgent(ctx context.Context, agentID string) (AgentInfo, error)
}

// VerifyJWSResult mirrors Identity's POST /agents/verify-jws response.
type VerifyJWSResult struct {
	Valid   bool           `json:"valid"`
	AgentID string         `json:"agent_id"`
	Payload map[string]any `json:"payload"`
	Reason  string         `json:"reason,omitempty"`
}

// AgentInfo mirrors Identity's GET /agents/{id} response.
type AgentInfo struct {
	AgentID      string    `json:"agent_id"`
	Name         string    `json:"name"`
	PublicKey    string    `json:"public_key"`
	RegisteredAt time.Time `json:"registered_at"`
}

// HTTPIdentityClient is the real network-backed IdentityClient.
type HTTPIdentityClient struct{ base }

func NewHTTPIdentityClient(baseURL string, timeout time.Duration) *HTTPIdentityClient {
	return &HTTPIdentityClient{base: newBase(baseURL, timeout, "", nil)}
}

func (c *HTTPIdentityClient) VerifyJWS(ctx context.Context, token string) (VerifyJWSResult, error) {
	var out VerifyJWSResult
	err := c.doJSON(ctx, http.MethodPost, "/agents/verify-jws", "", map[string]string{"token": token}, &out)
	return out, err
}

func (c *HTTPIdentityClient) GetAgent(ctx context.Context, agentID string) (AgentInfo, error) {
	var out AgentInfo
	err := c.doJSON(ctx, http.MethodGet, "/agents/"+agentID, "", nil, &out)
	return out, err
}
