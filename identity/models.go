package identity

import "time"

// Agent is the domain representation of a registered identity, mirroring
// the agents table (spec.md §3 "Agent").
type Agent struct {
	AgentID      string
	Name         string
	PublicKey    string // "ed25519:<base64-raw-32>"
	RegisteredAt time.Time
}

// RegisterRequest is the body accepted by POST /agents/register.
// RegistrationSecret is only checked when the deployment has configured a
// registration secret hash (config.Identity section); otherwise
// registration is open, matching the spec's default "no separate
// onboarding gate" behavior.
type RegisterRequest struct {
	Name               string `json:"name"`
	PublicKey          string `json:"public_key"`
	RegistrationSecret string `json:"registration_secret,omitempty"`
}

// AgentResponse is the full wire representation returned on register/get.
type AgentResponse struct {
	AgentID      string `json:"agent_id"`
	Name         string `json:"name"`
	PublicKey    string `json:"public_key"`
	RegisteredAt string `json:"registered_at"`
}

// AgentSummary omits the public key, used for the list endpoint
// (spec.md §4.1 "List agents: omits public key for brevity").
type AgentSummary struct {
	AgentID      string `json:"agent_id"`
	Name         string `json:"name"`
	RegisteredAt string `json:"registered_at"`
}

func newAgentResponse(a Agent) AgentResponse {
	return AgentResponse{
		AgentID:      a.AgentID,
		Name:         a.Name,
		PublicKey:    a.PublicKey,
		RegisteredAt: a.RegisteredAt.UTC().Format(time.RFC3339),
	}
}

func newAgentSummary(a Agent) AgentSummary {
	return AgentSummary{
		AgentID:      a.AgentID,
		Name:         a.Name,
		RegisteredAt: a.RegisteredAt.UTC().Format(time.RFC3339),
	}
}

// VerifyJWSRequest is the body accepted by POST /agents/verify-jws.
type VerifyJWSRequest struct {
	Token string `json:"token"`
}

// VerifyJWSResponse mirrors spec.md §4.1's valid/invalid verify-jws shapes.
type VerifyJWSResponse struct {
	Valid   bool           `json:"valid"`
	AgentID string         `json:"agent_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}
