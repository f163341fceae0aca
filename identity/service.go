package identity

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/florianbuetow/agent-economy-sub001/jws"
)

// ErrInvalidPublicKey signals a malformed or invalid Ed25519 public key
// supplied at registration time.
var ErrInvalidPublicKey = errors.New("identity: invalid public key")

// ErrRegistrationSecretRequired signals a deployment that gates
// registration behind a shared secret rejecting a request that omitted or
// mismatched it.
var ErrRegistrationSecretRequired = errors.New("identity: registration secret missing or incorrect")

// Service handles agent registry and JWS verification business logic.
type Service struct {
	repo                   Repository
	registrationSecretHash string // bcrypt hash; empty means registration is open
}

// NewService creates a new identity service with open registration.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// RequireRegistrationSecret gates RegisterAgent behind a shared secret,
// stored as a bcrypt hash rather than plaintext so the config file on disk
// isn't itself a bearer credential. Call this after NewService when the
// deployment has configured one.
func (s *Service) RequireRegistrationSecret(bcryptHash string) {
	s.registrationSecretHash = bcryptHash
}

// RegisterAgent validates the public key format and inserts a new agent,
// assigning a-<uuid4> (spec.md §4.1 "Register agent").
func (s *Service) RegisterAgent(ctx context.Context, req RegisterRequest) (Agent, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return Agent{}, fmt.Errorf("identity: name is required")
	}
	if s.registrationSecretHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(s.registrationSecretHash), []byte(req.RegistrationSecret)); err != nil {
			return Agent{}, ErrRegistrationSecretRequired
		}
	}
	if _, err := jws.DecodePublicKey(req.PublicKey); err != nil {
		return Agent{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return s.repo.CreateAgent(ctx, name, req.PublicKey)
}

// GetAgent fetches a single agent by id.
func (s *Service) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	return s.repo.GetAgent(ctx, agentID)
}

// ListAgents returns every registered agent.
func (s *Service) ListAgents(ctx context.Context) ([]Agent, error) {
	return s.repo.ListAgents(ctx)
}

// VerifyJWS verifies a compact JWS token against the registry, returning
// a VerifyJWSResponse shaped for direct JSON encoding. Signature mismatch
// is an observable result (valid: false), not an error (spec.md §4.1).
func (s *Service) VerifyJWS(ctx context.Context, token string) (VerifyJWSResponse, error) {
	lookup := func(agentID string) (ed25519.PublicKey, bool, error) {
		agent, err := s.repo.GetAgent(ctx, agentID)
		if err != nil {
			if errors.Is(err, ErrAgentNotFound) {
				return nil, false, nil
			}
			return nil, false, err
		}
		pub, err := jws.DecodePublicKey(agent.PublicKey)
		if err != nil {
			return nil, false, fmt.Errorf("identity: stored key for %s is corrupt: %w", agentID, err)
		}
		return pub, true, nil
	}

	valid, parsed, reason, err := jws.Verify(token, lookup)
	if err != nil {
		return VerifyJWSResponse{}, err
	}
	if !valid {
		return VerifyJWSResponse{Valid: false, Reason: reason}, nil
	}
	return VerifyJWSResponse{Valid: true, AgentID: parsed.AgentID, Payload: parsed.Payload}, nil
}
