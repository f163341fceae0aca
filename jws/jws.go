// Package jws issues and verifies compact EdDSA JSON Web Signatures. Every
// signed request in the platform — task creation, escrow locks, dispute
// filings, rulings — is carried as one of these tokens.
package jws

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformed signals a token that is not a well-formed compact JWS.
var ErrMalformed = errors.New("jws: malformed token")

// Header is the fixed JOSE header shape used across the platform.
type Header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

// Sign produces a compact EdDSA JWS over payload, with "kid" set to signerID.
func Sign(priv ed25519.PrivateKey, signerID string, payload map[string]any) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("jws: invalid private key size")
	}
	claims := jwt.MapClaims{}
	for k, v := range payload {
		claims[k] = v
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = signerID
	return token.SignedString(priv)
}

// Parsed is the decoded, signature-verified result of a token.
type Parsed struct {
	AgentID string
	Payload map[string]any
}

// AgentKeyLookup resolves an agent_id ("kid") to its registered Ed25519
// public key. Implemented by the Identity service's agent store.
type AgentKeyLookup func(agentID string) (ed25519.PublicKey, bool, error)

// Verify parses and signature-checks a compact JWS, resolving the signer's
// public key via lookup. It returns ErrMalformed for structurally invalid
// tokens and ErrAgentNotFound for unknown agents; a
// signature mismatch is reported via the returned bool, not an error, per
// spec.md's "valid:false is an observable result, not an exception" rule.
func Verify(token string, lookup AgentKeyLookup) (valid bool, parsed Parsed, reason string, err error) {
	var header Header
	var kid string

	keyFunc := func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != "EdDSA" {
			return nil, fmt.Errorf("jws: unexpected alg %q", t.Method.Alg())
		}
		raw, ok := t.Header["kid"].(string)
		if !ok || raw == "" {
			return nil, fmt.Errorf("jws: missing kid")
		}
		kid = raw
		pub, found, lookupErr := lookup(raw)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if !found {
			return nil, errAgentNotFound
		}
		return pub, nil
	}

	claims := jwt.MapClaims{}
	parsedToken, parseErr := jwt.ParseWithClaims(token, claims, keyFunc, jwt.WithValidMethods([]string{"EdDSA"}))
	if parsedToken != nil {
		if algAny, ok := parsedToken.Header["alg"]; ok {
			header.Alg, _ = algAny.(string)
		}
	}

	if parseErr != nil {
		if errors.Is(parseErr, errAgentNotFound) {
			return false, Parsed{}, "", errAgentNotFound
		}
		if errors.Is(parseErr, jwt.ErrTokenSignatureInvalid) {
			return false, Parsed{}, "signature mismatch", nil
		}
		// Any other parse failure (bad base64, missing kid, wrong alg,
		// non-JSON payload) is malformed, not a signature failure.
		return false, Parsed{}, "", fmt.Errorf("%w: %v", ErrMalformed, parseErr)
	}

	payload := make(map[string]any, len(claims))
	for k, v := range claims {
		payload[k] = v
	}

	return true, Parsed{AgentID: kid, Payload: payload}, "", nil
}

var errAgentNotFound = errors.New("jws: unknown agent")

// ErrAgentNotFound is the sentinel callers should match with errors.Is
// against the error returned from Verify to distinguish "unknown signer"
// from other malformed-token failures.
var ErrAgentNotFound = errAgentNotFound

// DecodeUnverified extracts the JSON payload of a compact JWS without
// checking its signature. Task Board uses this to cross-validate the
// escrow_token's task_id/amount before forwarding the raw token to the
// Bank, which performs the real verification (spec.md §4.3 "two-token
// protocol").
func DecodeUnverified(token string) (map[string]any, error) {
	parts, err := splitCompact(token)
	if err != nil {
		return nil, err
	}
	raw, err := base64URLDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad payload encoding", ErrMalformed)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrMalformed)
	}
	return payload, nil
}

func splitCompact(token string) ([]string, error) {
	parts := make([]string, 0, 3)
	start := 0
	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			parts = append(parts, token[start:i])
			start = i + 1
		}
	}
	parts = append(parts, token[start:])
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 dot-separated parts, got %d", ErrMalformed, len(parts))
	}
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: empty segment", ErrMalformed)
		}
	}
	return parts, nil
}

// GenerateKey creates a fresh Ed25519 keypair for a new agent registration.
func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(nil)
}

// NowClaim is a convenience for stamping "iat"-style claims in tests.
func NowClaim() int64 { return time.Now().Unix() }
