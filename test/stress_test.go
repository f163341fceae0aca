// Package test wires the four services up as in-process httptest servers
// and races test/actors against them, then runs test/oracles against each
// service's own SQLite file, grounded on the teacher's test/stress_test.go
// (TestACNConcurrency): a flag-driven duration/concurrency, an errgroup of
// actors sharing a stop channel, and one oracle pass after the actors stop
// that fails the test on the first violated invariant.
package test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	crand "crypto/rand"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/florianbuetow/agent-economy-sub001/bank"
	"github.com/florianbuetow/agent-economy-sub001/board"
	"github.com/florianbuetow/agent-economy-sub001/clients"
	"github.com/florianbuetow/agent-economy-sub001/court"
	"github.com/florianbuetow/agent-economy-sub001/identity"
	"github.com/florianbuetow/agent-economy-sub001/jws"
	"github.com/florianbuetow/agent-economy-sub001/sqlitedb"
	"github.com/florianbuetow/agent-economy-sub001/test/actors"
	"github.com/florianbuetow/agent-economy-sub001/test/oracles"
)

var (
	flDuration    = flag.Duration("stress-duration", 2*time.Second, "how long to race actors against the fleet")
	flConcurrency = flag.Int("stress-concurrency", 4, "number of concurrent racer goroutines per scenario")
)

// fleet is every service's server, service, and database, wired the same
// way cmd/{identity,centralbank,taskboard,court}/main.go wire them, minus
// config.Load and http.ListenAndServe.
type fleet struct {
	identitySrv *httptest.Server
	bankSrv     *httptest.Server
	boardSrv    *httptest.Server
	courtSrv    *httptest.Server

	bankDB  *sql.DB
	boardDB *sql.DB
	courtDB *sql.DB

	platformID  string
	platformKey ed25519.PrivateKey
}

// stubReputationClient always accepts feedback: Reputation is an external
// collaborator outside this platform's four services (spec.md §12), so
// Court's ruling path is exercised against a stand-in rather than a fifth
// httptest server.
type stubReputationClient struct{}

func (stubReputationClient) RecordFeedback(ctx context.Context, req clients.FeedbackRequest) error {
	return nil
}

func newFleet(t *testing.T) *fleet {
	t.Helper()

	identityDB := openSchema(t, "identity.db", identity.Schema())
	bankDB := openSchema(t, "bank.db", bank.Schema())
	boardDB := openSchema(t, "board.db", board.Schema())
	courtDB := openSchema(t, "court.db", court.Schema())

	identitySvc := identity.NewService(identity.NewSQLiteRepository(identityDB))
	identityServer := identity.NewServer(identitySvc)
	identityMux := http.NewServeMux()
	identityServer.Register(identityMux)
	identitySrv := httptest.NewServer(identityMux)
	t.Cleanup(identitySrv.Close)

	identityClient := clients.NewHTTPIdentityClient(identitySrv.URL, 5*time.Second)

	platformID, platformKey := registerAgent(t, identitySrv.URL)

	bankSvc := bank.NewService(bank.NewRepository(bankDB), platformID)
	bankServer := bank.NewServer(bankSvc, identityClient)
	bankMux := http.NewServeMux()
	bankServer.Register(bankMux)
	bankSrv := httptest.NewServer(bankMux)
	t.Cleanup(bankSrv.Close)

	bankClient := clients.NewHTTPBankClient(bankSrv.URL, 5*time.Second, platformID, platformKey)

	boardSvc := board.NewService(board.NewRepository(boardDB), bankClient, identityClient, platformID, t.TempDir(), 1<<20, 10)
	boardServer := board.NewServer(boardSvc, identityClient)
	boardMux := http.NewServeMux()
	boardServer.Register(boardMux)
	boardSrv := httptest.NewServer(boardMux)
	t.Cleanup(boardSrv.Close)

	boardClient := clients.NewHTTPBoardClient(boardSrv.URL, 5*time.Second, platformID, platformKey)

	panel, err := court.NewPanel([]court.Judge{
		court.NewHeuristicJudge("judge-0"),
		court.NewHeuristicJudge("judge-1"),
		court.NewHeuristicJudge("judge-2"),
	}, 3)
	if err != nil {
		t.Fatalf("build judge panel: %v", err)
	}
	courtSvc := court.NewService(court.NewRepository(courtDB), boardClient, bankClient, stubReputationClient{}, panel, platformID, 24*time.Hour)
	courtServer := court.NewServer(courtSvc, identityClient)
	courtMux := http.NewServeMux()
	courtServer.Register(courtMux)
	courtSrv := httptest.NewServer(courtMux)
	t.Cleanup(courtSrv.Close)

	return &fleet{
		identitySrv: identitySrv,
		bankSrv:     bankSrv,
		boardSrv:    boardSrv,
		courtSrv:    courtSrv,
		bankDB:      bankDB,
		boardDB:     boardDB,
		courtDB:     courtDB,
		platformID:  platformID,
		platformKey: platformKey,
	}
}

func openSchema(t *testing.T, name, schema string) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), name)
	db, err := sqlitedb.Open(dbPath)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	t.Cleanup(func() { db.Close() })
	if err := sqlitedb.Migrate(context.Background(), db, schema); err != nil {
		t.Fatalf("migrate %s: %v", name, err)
	}
	return db
}

// registerAgent creates a fresh agent via Identity's real HTTP endpoint and
// returns the id it assigned plus the keypair backing it.
func registerAgent(t *testing.T, identityBaseURL string) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := jws.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	body, _ := json.Marshal(map[string]string{
		"name":       fmt.Sprintf("stress-agent-%d", rand63(t)),
		"public_key": jws.EncodePublicKey(pub),
	})
	resp, err := http.Post(identityBaseURL+"/agents/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register agent: unexpected status %d", resp.StatusCode)
	}
	var out struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	return out.AgentID, priv
}

// signedPost signs payload as agentID and POSTs it as a bearer token,
// mirroring test/actors.Client.call but for one-shot setup calls this file
// needs outside the racers.
func signedPost(t *testing.T, baseURL, path string, key ed25519.PrivateKey, agentID string, payload map[string]any, out any) int {
	t.Helper()
	token, err := jws.Sign(key, agentID, payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, baseURL+path, bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", http.MethodPost, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body, out any) int {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func rand63(t *testing.T) int64 {
	t.Helper()
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	var n int64
	for _, v := range b {
		n = n<<8 | int64(v)
	}
	if n < 0 {
		n = -n
	}
	return n
}

// TestStressFleetInvariants races the at-most-one-accepted-bid and
// at-most-one-ruling invariants against the four in-process services and
// checks every oracle holds once the dust settles, grounded on the
// teacher's TestACNConcurrency.
func TestStressFleetInvariants(t *testing.T) {
	f := newFleet(t)

	poster, posterKey := registerAgent(t, f.identitySrv.URL)
	worker1, worker1Key := registerAgent(t, f.identitySrv.URL)
	worker2, worker2Key := registerAgent(t, f.identitySrv.URL)

	for _, acc := range []string{poster, worker1, worker2} {
		status := signedPost(t, f.bankSrv.URL, "/accounts", f.platformKey, f.platformID,
			map[string]any{"account_id": acc, "initial_balance": 10_000}, nil)
		if status != http.StatusCreated {
			t.Fatalf("create account %s: status %d", acc, status)
		}
	}

	taskA := createTask(t, f, poster, posterKey, "t-bidrace", 500)
	bidA1 := submitBid(t, f, worker1, worker1Key, taskA, 400)
	bidA2 := submitBid(t, f, worker2, worker2Key, taskA, 350)

	taskB := createTask(t, f, poster, posterKey, "t-disputerace", 700)
	bidB := submitBid(t, f, worker1, worker1Key, taskB, 600)
	if status := signedPost(t, f.boardSrv.URL, "/tasks/"+taskB+"/bids/"+bidB+"/accept", posterKey, poster, nil, nil); status != http.StatusOK {
		t.Fatalf("accept bid on %s: status %d", taskB, status)
	}
	if status := signedPost(t, f.boardSrv.URL, "/tasks/"+taskB+"/submit", worker1Key, worker1, nil, nil); status != http.StatusOK {
		t.Fatalf("submit deliverable on %s: status %d", taskB, status)
	}
	if status := signedPost(t, f.boardSrv.URL, "/tasks/"+taskB+"/dispute", posterKey, poster,
		map[string]any{"reason": "work is incomplete"}, nil); status != http.StatusOK {
		t.Fatalf("poster dispute on %s: status %d", taskB, status)
	}
	var filed struct {
		DisputeID string `json:"dispute_id"`
	}
	if status := signedPost(t, f.courtSrv.URL, "/disputes/file", f.platformKey, f.platformID,
		map[string]any{"task_id": taskB, "claimant_id": poster, "respondent_id": worker1, "claim": "spec was vague"}, &filed); status != http.StatusCreated {
		t.Fatalf("file dispute on %s: status %d", taskB, status)
	}
	disputeID := filed.DisputeID

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+10*time.Second)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	acceptClient := actors.NewClient(f.boardSrv.URL, poster, posterKey)
	g.Go(func() error {
		_, err := actors.AcceptRacer(gctx, acceptClient, taskA, bidA1, stop)
		return err
	})
	g.Go(func() error {
		_, err := actors.AcceptRacer(gctx, acceptClient, taskA, bidA2, stop)
		return err
	})

	platformClient := actors.NewClient(f.courtSrv.URL, f.platformID, f.platformKey)
	respondentClient := actors.NewClient(f.courtSrv.URL, worker1, worker1Key)
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error {
			return actors.DisputeRacer(gctx, platformClient, taskB, poster, worker1, "spec was vague", stop)
		})
		g.Go(func() error {
			return actors.RebuttalRacer(gctx, respondentClient, disputeID, "the deliverable met the spec", stop)
		})
		g.Go(func() error {
			_, err := actors.RulingRacer(gctx, platformClient, disputeID, stop)
			return err
		})
	}

	time.AfterFunc(*flDuration, func() { close(stop) })
	if err := g.Wait(); err != nil {
		t.Fatalf("actors errored: %v", err)
	}

	if name, row, err := oracles.Run(context.Background(), f.bankDB, oracles.BankOracles()); err != nil {
		t.Fatalf("bank oracle error: %v", err)
	} else if name != "" {
		t.Fatalf("bank oracle %s failed, first row: %s", name, row)
	}
	if name, row, err := oracles.Run(context.Background(), f.boardDB, oracles.BoardOracles()); err != nil {
		t.Fatalf("board oracle error: %v", err)
	} else if name != "" {
		t.Fatalf("board oracle %s failed, first row: %s", name, row)
	}
	if name, row, err := oracles.Run(context.Background(), f.courtDB, oracles.CourtOracles()); err != nil {
		t.Fatalf("court oracle error: %v", err)
	} else if name != "" {
		t.Fatalf("court oracle %s failed, first row: %s", name, row)
	}

	var task struct {
		AcceptedBidID string `json:"accepted_bid_id"`
	}
	if status := getJSON(t, f.boardSrv.URL+"/tasks/"+taskA, &task); status != http.StatusOK {
		t.Fatalf("get task %s: status %d", taskA, status)
	}
	if task.AcceptedBidID != bidA1 && task.AcceptedBidID != bidA2 {
		t.Fatalf("expected exactly one of %s/%s to win acceptance, got %q", bidA1, bidA2, task.AcceptedBidID)
	}
}

func createTask(t *testing.T, f *fleet, posterID string, posterKey ed25519.PrivateKey, taskID string, reward int64) string {
	t.Helper()
	taskToken, err := jws.Sign(posterKey, posterID, map[string]any{
		"action": "create_task", "task_id": taskID, "title": "stress task", "spec": "do the thing",
		"reward": reward, "bidding_seconds": 3600, "execution_seconds": 3600, "review_seconds": 3600,
	})
	if err != nil {
		t.Fatalf("sign task token: %v", err)
	}
	escrowToken, err := jws.Sign(posterKey, posterID, map[string]any{
		"account_id": posterID, "task_id": taskID, "amount": reward,
	})
	if err != nil {
		t.Fatalf("sign escrow token: %v", err)
	}
	var out struct {
		TaskID string `json:"task_id"`
	}
	status := postJSON(t, f.boardSrv.URL+"/tasks", map[string]string{"task_token": taskToken, "escrow_token": escrowToken}, &out)
	if status != http.StatusCreated {
		t.Fatalf("create task %s: status %d", taskID, status)
	}
	return out.TaskID
}

func submitBid(t *testing.T, f *fleet, bidderID string, bidderKey ed25519.PrivateKey, taskID string, amount int64) string {
	t.Helper()
	var out struct {
		BidID string `json:"bid_id"`
	}
	status := signedPost(t, f.boardSrv.URL, "/tasks/"+taskID+"/bids", bidderKey, bidderID, map[string]any{"amount": amount}, &out)
	if status != http.StatusCreated {
		t.Fatalf("submit bid on %s: status %d", taskID, status)
	}
	return out.BidID
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	_ = json.NewDecoder(resp.Body).Decode(out)
	return resp.StatusCode
}
