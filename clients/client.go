// Package clients provides typed HTTP clients the four services use to call
// each other, grounded on the thin-JSON-client shape of
// other_examples' NodeClient/RPCNodeClient (a typed interface plus a single
// struct implementation with a bounded-timeout http.Client and one
// call-and-decode helper), adapted from JSON-RPC envelopes to the plain
// REST+JSON envelope this platform's services speak.
package clients

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/florianbuetow/agent-economy-sub001/httpkit"
	"github.com/florianbuetow/agent-economy-sub001/jws"
)

// APIError mirrors the wire error envelope and satisfies the error interface
// so callers can errors.As into it to branch on Code.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s (status %d)", e.Code, e.Message, e.StatusCode)
}

// base is embedded by every per-service client; it owns the http.Client,
// base URL, and the signing identity used for platform-signed calls.
type base struct {
	baseURL string
	http    *http.Client
	agentID string
	signKey ed25519.PrivateKey
}

func newBase(baseURL string, timeout time.Duration, agentID string, signKey ed25519.PrivateKey) base {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return base{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		agentID: agentID,
		signKey: signKey,
	}
}

// signedBody produces a compact JWS over payload using this client's
// platform signing key, for calls that must carry platform authority
// (escrow release/split, ruling records, asset listings, reputation
// feedback). Escrow locks forward the payer's own token instead.
func (b base) signedBody(payload map[string]any) (string, error) {
	if b.signKey == nil {
		return "", fmt.Errorf("clients: no signing key configured for agent %s", b.agentID)
	}
	return jws.Sign(b.signKey, b.agentID, payload)
}

// doJSON issues method against path, optionally sending body as a JSON
// payload and, when bearer is set, the raw JWS compact string as an
// "Authorization: Bearer" header, decoding a 2xx response into out and
// otherwise returning an *APIError describing the failure envelope.
func (b base) doJSON(ctx context.Context, method, path string, bearer string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("clients: encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("clients: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("clients: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("clients: decode response from %s: %w", path, err)
		}
		return nil
	}

	var envelope httpkit.APIError
	if decErr := json.NewDecoder(resp.Body).Decode(&envelope); decErr != nil {
		return &APIError{StatusCode: resp.StatusCode, Code: httpkit.CodeInternal, Message: "unreadable error response"}
	}
	return &APIError{StatusCode: resp.StatusCode, Code: envelope.Error, Message: envelope.Message, Details: envelope.Details}
}
