package identity

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/florianbuetow/agent-economy-sub001/jws"
)

func TestService_RegisterAndGet(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo)

	pub, _, err := jws.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	agent, err := svc.RegisterAgent(context.Background(), RegisterRequest{
		Name:      "Alice",
		PublicKey: jws.EncodePublicKey(pub),
	})
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}
	if agent.AgentID == "" {
		t.Fatal("expected a non-empty agent id")
	}

	got, err := svc.GetAgent(context.Background(), agent.AgentID)
	if err != nil {
		t.Fatalf("get agent: unexpected error: %v", err)
	}
	if got.PublicKey != agent.PublicKey {
		t.Fatalf("expected public key %q got %q", agent.PublicKey, got.PublicKey)
	}
}

func TestService_RegisterRejectsMalformedKey(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo)

	_, err := svc.RegisterAgent(context.Background(), RegisterRequest{
		Name:      "Bob",
		PublicKey: "not-a-key",
	})
	if !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey, got %v", err)
	}
}

func TestService_RegisterDuplicateKey(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo)

	pub, _, _ := jws.GenerateKey()
	req := RegisterRequest{Name: "Alice", PublicKey: jws.EncodePublicKey(pub)}

	if _, err := svc.RegisterAgent(context.Background(), req); err != nil {
		t.Fatalf("first register: unexpected error: %v", err)
	}
	req.Name = "Alice's Clone"
	if _, err := svc.RegisterAgent(context.Background(), req); !errors.Is(err, ErrPublicKeyExists) {
		t.Fatalf("expected ErrPublicKeyExists, got %v", err)
	}
}

func TestService_RegisterRequiresConfiguredSecret(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo)
	hash, err := bcrypt.GenerateFromPassword([]byte("let-me-in"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}
	svc.RequireRegistrationSecret(string(hash))

	pub, _, _ := jws.GenerateKey()
	_, err = svc.RegisterAgent(context.Background(), RegisterRequest{
		Name: "Alice", PublicKey: jws.EncodePublicKey(pub), RegistrationSecret: "wrong",
	})
	if !errors.Is(err, ErrRegistrationSecretRequired) {
		t.Fatalf("expected ErrRegistrationSecretRequired for a wrong secret, got %v", err)
	}

	agent, err := svc.RegisterAgent(context.Background(), RegisterRequest{
		Name: "Alice", PublicKey: jws.EncodePublicKey(pub), RegistrationSecret: "let-me-in",
	})
	if err != nil {
		t.Fatalf("expected register to succeed with the correct secret, got %v", err)
	}
	if agent.AgentID == "" {
		t.Fatal("expected a non-empty agent id")
	}
}

func TestService_VerifyJWSRoundTrip(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo)

	pub, priv, _ := jws.GenerateKey()
	agent, err := svc.RegisterAgent(context.Background(), RegisterRequest{
		Name:      "Alice",
		PublicKey: jws.EncodePublicKey(pub),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	token, err := jws.Sign(priv, agent.AgentID, map[string]any{"action": "create_task", "amount": float64(500)})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	resp, err := svc.VerifyJWS(context.Background(), token)
	if err != nil {
		t.Fatalf("verify: unexpected error: %v", err)
	}
	if !resp.Valid {
		t.Fatalf("expected valid token, got reason %q", resp.Reason)
	}
	if resp.AgentID != agent.AgentID {
		t.Fatalf("expected agent id %q got %q", agent.AgentID, resp.AgentID)
	}
	if resp.Payload["action"] != "create_task" {
		t.Fatalf("expected action claim to round-trip, got %v", resp.Payload["action"])
	}
}

func TestService_VerifyJWSSignatureMismatch(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo)

	pub, _, _ := jws.GenerateKey()
	_, otherPriv, _ := jws.GenerateKey()
	agent, err := svc.RegisterAgent(context.Background(), RegisterRequest{
		Name:      "Alice",
		PublicKey: jws.EncodePublicKey(pub),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	token, err := jws.Sign(otherPriv, agent.AgentID, map[string]any{"action": "create_task"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	resp, err := svc.VerifyJWS(context.Background(), token)
	if err != nil {
		t.Fatalf("verify: unexpected error: %v", err)
	}
	if resp.Valid {
		t.Fatal("expected signature mismatch to be reported as valid:false, not an error")
	}
}

func TestService_VerifyJWSUnknownAgent(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo)

	_, priv, _ := jws.GenerateKey()
	token, err := jws.Sign(priv, "a-does-not-exist", map[string]any{"action": "create_task"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := svc.VerifyJWS(context.Background(), token); !errors.Is(err, jws.ErrAgentNotFound) {
		t.Fatalf("expected jws.ErrAgentNotFound, got %v", err)
	}
}

type fakeRepository struct {
	byID  map[string]Agent
	byKey map[string]Agent
	next  int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{byID: make(map[string]Agent), byKey: make(map[string]Agent)}
}

func (f *fakeRepository) CreateAgent(ctx context.Context, name, publicKey string) (Agent, error) {
	if _, exists := f.byKey[publicKey]; exists {
		return Agent{}, ErrPublicKeyExists
	}
	f.next++
	agent := Agent{
		AgentID:      "a-fake-" + time.Now().UTC().Format("150405") + "-" + strconv.Itoa(f.next),
		Name:         name,
		PublicKey:    publicKey,
		RegisteredAt: time.Now().UTC(),
	}
	f.byID[agent.AgentID] = agent
	f.byKey[publicKey] = agent
	return agent, nil
}

func (f *fakeRepository) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	a, ok := f.byID[agentID]
	if !ok {
		return Agent{}, ErrAgentNotFound
	}
	return a, nil
}

func (f *fakeRepository) GetAgentByPublicKey(ctx context.Context, publicKey string) (Agent, error) {
	a, ok := f.byKey[publicKey]
	if !ok {
		return Agent{}, ErrAgentNotFound
	}
	return a, nil
}

func (f *fakeRepository) ListAgents(ctx context.Context) ([]Agent, error) {
	agents := make([]Agent, 0, len(f.byID))
	for _, a := range f.byID {
		agents = append(agents, a)
	}
	return agents, nil
}
