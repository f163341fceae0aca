// Package actors runs concurrent HTTP flows against httptest servers of the
// platform's four services, grounded on the teacher's pgx-pool actor
// functions (test/actors/actors.go): each actor loops until ctx or stop
// fires, drives one request pattern, and treats an expected conflict
// response as a normal outcome of contention rather than a failure.
package actors

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/florianbuetow/agent-economy-sub001/jws"
)

// Client is the minimal signed-HTTP helper an actor uses to call a service
// under test as a specific agent, without importing that service's
// internal packages.
type Client struct {
	baseURL string
	http    *http.Client
	agentID string
	key     ed25519.PrivateKey
}

func NewClient(baseURL, agentID string, key ed25519.PrivateKey) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: 5 * time.Second}, agentID: agentID, key: key}
}

// call signs payload as this client's bearer-JWS request body (spec.md
// §4.2 "the payload IS the request") and returns the HTTP status code and
// decoded JSON body.
func (c *Client) call(ctx context.Context, method, path string, payload map[string]any) (int, map[string]any, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	token, err := jws.Sign(c.key, c.agentID, payload)
	if err != nil {
		return 0, nil, fmt.Errorf("actors: sign request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(nil))
	if err != nil {
		return 0, nil, fmt.Errorf("actors: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("actors: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out, nil
}

func jitter(base, spread int) time.Duration {
	return time.Duration(base+rand.Intn(spread)) * time.Millisecond
}

// BidRacer submits the same bid repeatedly, tolerating the duplicate-bid
// conflict a real network of concurrent bidders would produce.
func BidRacer(ctx context.Context, c *Client, taskID string, amount int64, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		status, _, err := c.call(ctx, http.MethodPost, "/tasks/"+taskID+"/bids", map[string]any{"amount": amount})
		if err != nil {
			return fmt.Errorf("bid racer: %w", err)
		}
		if status != http.StatusCreated && status != http.StatusConflict {
			return fmt.Errorf("bid racer: unexpected status %d", status)
		}
		time.Sleep(jitter(10, 20))
	}
}

// AcceptRacer tries to accept bidID on taskID repeatedly; after the first
// acceptance the task leaves "open" and every later attempt (this one's or
// a sibling racer's on a different bid) must see a conflict, never a
// second success.
func AcceptRacer(ctx context.Context, poster *Client, taskID, bidID string, stop <-chan struct{}) (accepted bool, err error) {
	for {
		select {
		case <-ctx.Done():
			return accepted, ctx.Err()
		case <-stop:
			return accepted, nil
		default:
		}
		status, _, callErr := poster.call(ctx, http.MethodPost, "/tasks/"+taskID+"/bids/"+bidID+"/accept", nil)
		if callErr != nil {
			return accepted, fmt.Errorf("accept racer: %w", callErr)
		}
		switch status {
		case http.StatusOK:
			accepted = true
		case http.StatusConflict, http.StatusForbidden:
			// expected once a sibling bid has already won the task
		default:
			return accepted, fmt.Errorf("accept racer: unexpected status %d", status)
		}
		time.Sleep(jitter(15, 30))
	}
}

// DisputeRacer repeatedly files a dispute for the same task as the
// platform signer; only the first call may create it, every later one
// must observe the one-dispute-per-task conflict.
func DisputeRacer(ctx context.Context, platform *Client, taskID, claimantID, respondentID, claim string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		status, _, err := platform.call(ctx, http.MethodPost, "/disputes/file", map[string]any{
			"task_id": taskID, "claimant_id": claimantID, "respondent_id": respondentID, "claim": claim,
		})
		if err != nil {
			return fmt.Errorf("dispute racer: %w", err)
		}
		if status != http.StatusCreated && status != http.StatusConflict {
			return fmt.Errorf("dispute racer: unexpected status %d", status)
		}
		time.Sleep(jitter(20, 40))
	}
}

// RebuttalRacer repeatedly submits a rebuttal for the same dispute as the
// respondent; only the first succeeds, later calls must see the
// already-rebutted conflict.
func RebuttalRacer(ctx context.Context, respondent *Client, disputeID, rebuttal string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		status, _, err := respondent.call(ctx, http.MethodPost, "/disputes/"+disputeID+"/rebuttal", map[string]any{"rebuttal": rebuttal})
		if err != nil {
			return fmt.Errorf("rebuttal racer: %w", err)
		}
		if status != http.StatusOK && status != http.StatusConflict {
			return fmt.Errorf("rebuttal racer: unexpected status %d", status)
		}
		time.Sleep(jitter(10, 25))
	}
}

// RulingRacer repeatedly triggers a ruling for the same dispute as the
// platform signer; the judging-status lock means exactly one caller ever
// observes success, and retries after a reverted failure are expected to
// eventually land on the ruled conflict too.
func RulingRacer(ctx context.Context, platform *Client, disputeID string, stop <-chan struct{}) (rulings int, err error) {
	for {
		select {
		case <-ctx.Done():
			return rulings, ctx.Err()
		case <-stop:
			return rulings, nil
		default:
		}
		status, _, callErr := platform.call(ctx, http.MethodPost, "/disputes/"+disputeID+"/rule", nil)
		if callErr != nil {
			return rulings, fmt.Errorf("ruling racer: %w", callErr)
		}
		switch status {
		case http.StatusOK:
			rulings++
		case http.StatusConflict, http.StatusBadGateway:
			// expected: lost the judging lock, or a sibling judge already ruled
		default:
			return rulings, fmt.Errorf("ruling racer: unexpected status %d", status)
		}
		time.Sleep(jitter(25, 50))
	}
}
