package board

import (
	"context"
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"

	"github.com/florianbuetow/agent-economy-sub001/clients"
	"github.com/florianbuetow/agent-economy-sub001/jws"
)

// fakeIdentityClient verifies tokens against a single known keypair,
// mirroring the real Identity service closely enough to exercise Task
// Board's JWS-handling without a network round trip.
type fakeIdentityClient struct {
	agents map[string]ed25519.PublicKey
}

func newFakeIdentityClient() *fakeIdentityClient {
	return &fakeIdentityClient{agents: make(map[string]ed25519.PublicKey)}
}

func (f *fakeIdentityClient) addAgent(agentID string, pub ed25519.PublicKey) {
	f.agents[agentID] = pub
}

func (f *fakeIdentityClient) VerifyJWS(ctx context.Context, token string) (clients.VerifyJWSResult, error) {
	valid, parsed, reason, err := jws.Verify(token, func(agentID string) (ed25519.PublicKey, bool, error) {
		pub, ok := f.agents[agentID]
		return pub, ok, nil
	})
	if err != nil {
		return clients.VerifyJWSResult{}, err
	}
	return clients.VerifyJWSResult{Valid: valid, AgentID: parsed.AgentID, Payload: parsed.Payload, Reason: reason}, nil
}

func (f *fakeIdentityClient) GetAgent(ctx context.Context, agentID string) (clients.AgentInfo, error) {
	return clients.AgentInfo{AgentID: agentID}, nil
}

// fakeBankClient stands in for Central Bank, just enough to exercise the
// two-token create flow and the release/split call sites.
type fakeBankClient struct {
	lockedTaskIDs  map[string]bool
	released       []clients.ReleaseEscrowRequest
	failRelease    bool
	failLock       bool
}

func newFakeBankClient() *fakeBankClient {
	return &fakeBankClient{lockedTaskIDs: make(map[string]bool)}
}

func (f *fakeBankClient) LockEscrow(ctx context.Context, rawEscrowToken string) (clients.EscrowInfo, error) {
	if f.failLock {
		return clients.EscrowInfo{}, errors.New("bank unavailable")
	}
	payload, err := jws.DecodeUnverified(rawEscrowToken)
	if err != nil {
		return clients.EscrowInfo{}, err
	}
	taskID, _ := payload["task_id"].(string)
	amount := int64(payload["amount"].(float64))
	f.lockedTaskIDs[taskID] = true
	return clients.EscrowInfo{EscrowID: "escrow-" + taskID, Status: "locked", TaskID: taskID, Amount: amount}, nil
}

func (f *fakeBankClient) ReleaseEscrow(ctx context.Context, escrowID string, req clients.ReleaseEscrowRequest) (clients.EscrowInfo, error) {
	if f.failRelease {
		return clients.EscrowInfo{}, errors.New("bank unavailable")
	}
	f.released = append(f.released, req)
	return clients.EscrowInfo{EscrowID: escrowID, Status: "released"}, nil
}

func (f *fakeBankClient) SplitEscrow(ctx context.Context, escrowID string, req clients.SplitEscrowRequest) (clients.EscrowInfo, error) {
	return clients.EscrowInfo{EscrowID: escrowID, Status: "split"}, nil
}

func (f *fakeBankClient) GetAccount(ctx context.Context, accountID string) (clients.AccountInfo, error) {
	return clients.AccountInfo{AccountID: accountID}, nil
}

type testHarness struct {
	svc      *Service
	bank     *fakeBankClient
	identity *fakeIdentityClient
	posterID string
	posterKey ed25519.PrivateKey
	workerID string
	workerKey ed25519.PrivateKey
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	repo := newTestRepository(t)
	identity := newFakeIdentityClient()
	bank := newFakeBankClient()

	posterPub, posterPriv, _ := jws.GenerateKey()
	workerPub, workerPriv, _ := jws.GenerateKey()
	identity.addAgent("a-poster", posterPub)
	identity.addAgent("a-worker", workerPub)

	svc := NewService(repo, bank, identity, "a-platform", t.TempDir(), 1<<20, 10)
	return &testHarness{
		svc: svc, bank: bank, identity: identity,
		posterID: "a-poster", posterKey: posterPriv,
		workerID: "a-worker", workerKey: workerPriv,
	}
}

func (h *testHarness) createTask(t *testing.T, taskID string, reward int64, biddingSeconds, executionSeconds, reviewSeconds int) Task {
	t.Helper()
	taskToken, err := jws.Sign(h.posterKey, h.posterID, map[string]any{
		"action":            "create_task",
		"task_id":           taskID,
		"title":             "Write a parser",
		"spec":              "parse the thing",
		"reward":            reward,
		"bidding_seconds":   biddingSeconds,
		"execution_seconds": executionSeconds,
		"review_seconds":    reviewSeconds,
	})
	if err != nil {
		t.Fatalf("sign task token: %v", err)
	}
	escrowToken, err := jws.Sign(h.posterKey, h.posterID, map[string]any{
		"task_id": taskID,
		"amount":  reward,
	})
	if err != nil {
		t.Fatalf("sign escrow token: %v", err)
	}
	task, err := h.svc.CreateTask(context.Background(), taskToken, escrowToken)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestService_CreateTaskTwoTokenProtocol(t *testing.T) {
	h := newTestHarness(t)
	task := h.createTask(t, "t-1", 500, 3600, 3600, 3600)
	if task.Status != StatusOpen {
		t.Fatalf("expected open status, got %s", task.Status)
	}
	if !h.bank.lockedTaskIDs["t-1"] {
		t.Fatal("expected bank to have locked escrow for t-1")
	}
}

func TestService_CreateTaskTokenMismatch(t *testing.T) {
	h := newTestHarness(t)
	taskToken, _ := jws.Sign(h.posterKey, h.posterID, map[string]any{
		"action": "create_task", "task_id": "t-2", "title": "x", "spec": "y",
		"reward": 500, "bidding_seconds": 60, "execution_seconds": 60, "review_seconds": 60,
	})
	escrowToken, _ := jws.Sign(h.posterKey, h.posterID, map[string]any{"task_id": "t-2", "amount": 999})
	_, err := h.svc.CreateTask(context.Background(), taskToken, escrowToken)
	if !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("expected ErrTokenMismatch, got %v", err)
	}
}

func TestService_BiddingSealedWhileOpen(t *testing.T) {
	h := newTestHarness(t)
	h.createTask(t, "t-3", 500, 3600, 3600, 3600)

	if _, err := h.svc.SubmitBid(context.Background(), h.workerID, "t-3", 400); err != nil {
		t.Fatalf("submit bid: %v", err)
	}
	if _, err := h.svc.ListBids(context.Background(), h.workerID, "t-3", true); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected non-poster to be forbidden from sealed bids, got %v", err)
	}
	bids, err := h.svc.ListBids(context.Background(), h.posterID, "t-3", true)
	if err != nil {
		t.Fatalf("poster list bids: %v", err)
	}
	if len(bids) != 1 {
		t.Fatalf("expected 1 bid, got %d", len(bids))
	}

	if _, err := h.svc.SubmitBid(context.Background(), h.workerID, "t-3", 300); !errors.Is(err, ErrBidExists) {
		t.Fatalf("expected ErrBidExists for duplicate bidder, got %v", err)
	}
}

func TestService_AcceptBidAndLifecycle(t *testing.T) {
	h := newTestHarness(t)
	h.createTask(t, "t-4", 500, 3600, 3600, 3600)
	bid, err := h.svc.SubmitBid(context.Background(), h.workerID, "t-4", 400)
	if err != nil {
		t.Fatalf("submit bid: %v", err)
	}

	task, err := h.svc.AcceptBid(context.Background(), h.posterID, "t-4", bid.BidID)
	if err != nil {
		t.Fatalf("accept bid: %v", err)
	}
	if task.Status != StatusAccepted || task.WorkerID == nil || *task.WorkerID != h.workerID {
		t.Fatalf("expected accepted status with worker %s, got %+v", h.workerID, task)
	}

	// bids become public once accepted
	bids, err := h.svc.ListBids(context.Background(), "anyone", "t-4", false)
	if err != nil {
		t.Fatalf("public list bids: %v", err)
	}
	if len(bids) != 1 {
		t.Fatalf("expected 1 bid, got %d", len(bids))
	}

	task, err = h.svc.SubmitDeliverable(context.Background(), h.workerID, "t-4")
	if err != nil {
		t.Fatalf("submit deliverable: %v", err)
	}
	if task.Status != StatusSubmitted {
		t.Fatalf("expected submitted status, got %s", task.Status)
	}

	task, err = h.svc.ApproveTask(context.Background(), h.posterID, "t-4")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if task.Status != StatusApproved {
		t.Fatalf("expected approved status, got %s", task.Status)
	}
	if len(h.bank.released) != 1 || h.bank.released[0].RecipientAccountID != h.workerID {
		t.Fatalf("expected one release to worker, got %+v", h.bank.released)
	}
}

func TestService_ApproveFailsIfReleaseFails(t *testing.T) {
	h := newTestHarness(t)
	h.createTask(t, "t-5", 500, 3600, 3600, 3600)
	bid, _ := h.svc.SubmitBid(context.Background(), h.workerID, "t-5", 400)
	h.svc.AcceptBid(context.Background(), h.posterID, "t-5", bid.BidID)
	h.svc.SubmitDeliverable(context.Background(), h.workerID, "t-5")

	h.bank.failRelease = true
	_, err := h.svc.ApproveTask(context.Background(), h.posterID, "t-5")
	if err == nil {
		t.Fatal("expected approve to fail when bank release fails")
	}

	task, err := h.svc.GetTask(context.Background(), "t-5")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != StatusSubmitted {
		t.Fatalf("expected status to remain submitted after failed release, got %s", task.Status)
	}
}

func TestService_DisputeRequiresSubmittedStatus(t *testing.T) {
	h := newTestHarness(t)
	h.createTask(t, "t-6", 500, 3600, 3600, 3600)
	if _, err := h.svc.DisputeTask(context.Background(), h.posterID, "t-6", "bad work"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus disputing an open task, got %v", err)
	}
}

func TestService_LazyExpiryOpenTaskWithNoBids(t *testing.T) {
	h := newTestHarness(t)
	h.createTask(t, "t-7", 500, 0, 3600, 3600) // already-expired bidding window

	task, err := h.svc.GetTask(context.Background(), "t-7")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != StatusExpired {
		t.Fatalf("expected lazy evaluation to expire the task, got %s", task.Status)
	}
	if len(h.bank.released) != 1 || h.bank.released[0].RecipientAccountID != h.posterID {
		t.Fatalf("expected release back to poster, got %+v", h.bank.released)
	}
}

func TestService_LazyExpiryRetriesOnBankFailure(t *testing.T) {
	h := newTestHarness(t)
	h.bank.failRelease = true
	h.createTask(t, "t-8", 500, 0, 3600, 3600)

	task, err := h.svc.GetTask(context.Background(), "t-8")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != StatusExpired {
		t.Fatalf("expected status to transition even though release failed, got %s", task.Status)
	}
	if !task.EscrowPending {
		t.Fatal("expected escrow_pending to remain set after a failed release")
	}

	h.bank.failRelease = false
	task, err = h.svc.GetTask(context.Background(), "t-8")
	if err != nil {
		t.Fatalf("get task (retry): %v", err)
	}
	if task.EscrowPending {
		t.Fatal("expected escrow_pending to clear once the retried release succeeds")
	}
	if len(h.bank.released) != 1 {
		t.Fatalf("expected exactly one effective release despite the retry, got %d", len(h.bank.released))
	}
}

func TestService_OpenTaskWithBidsDoesNotExpire(t *testing.T) {
	h := newTestHarness(t)
	h.createTask(t, "t-9", 500, 0, 3600, 3600)
	if _, err := h.svc.SubmitBid(context.Background(), h.workerID, "t-9", 400); err != nil {
		t.Fatalf("submit bid: %v", err)
	}

	task, err := h.svc.GetTask(context.Background(), "t-9")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != StatusOpen {
		t.Fatalf("expected task with a bid to stay open past its bidding deadline, got %s", task.Status)
	}
}

func TestService_UploadAssetRejectsBeforeAccepted(t *testing.T) {
	h := newTestHarness(t)
	h.createTask(t, "t-10", 500, 3600, 3600, 3600)
	_, err := h.svc.UploadAsset(context.Background(), h.workerID, "t-10", "out.txt", "text/plain", strings.NewReader("hi"))
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus uploading before acceptance, got %v", err)
	}
}

func TestService_UploadAssetOnlyByWorker(t *testing.T) {
	h := newTestHarness(t)
	h.createTask(t, "t-11", 500, 3600, 3600, 3600)
	bid, _ := h.svc.SubmitBid(context.Background(), h.workerID, "t-11", 400)
	h.svc.AcceptBid(context.Background(), h.posterID, "t-11", bid.BidID)

	if _, err := h.svc.UploadAsset(context.Background(), h.posterID, "t-11", "out.txt", "text/plain", strings.NewReader("hi")); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-worker upload, got %v", err)
	}
	asset, err := h.svc.UploadAsset(context.Background(), h.workerID, "t-11", "out.txt", "text/plain", strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("worker upload: %v", err)
	}
	if asset.SizeBytes != int64(len("hello world")) {
		t.Fatalf("expected size %d, got %d", len("hello world"), asset.SizeBytes)
	}
}

func TestService_AssetsPrivateWhileNonTerminal(t *testing.T) {
	h := newTestHarness(t)
	h.createTask(t, "t-12", 500, 3600, 3600, 3600)
	bid, _ := h.svc.SubmitBid(context.Background(), h.workerID, "t-12", 400)
	h.svc.AcceptBid(context.Background(), h.posterID, "t-12", bid.BidID)
	h.svc.UploadAsset(context.Background(), h.workerID, "t-12", "out.txt", "text/plain", strings.NewReader("hello world"))

	if _, err := h.svc.ListAssets(context.Background(), "a-stranger", "t-12", true); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected stranger to be forbidden from non-terminal assets, got %v", err)
	}
	if _, err := h.svc.ListAssets(context.Background(), "", "t-12", false); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected unauthenticated caller to be forbidden from non-terminal assets, got %v", err)
	}
	if _, err := h.svc.ListAssets(context.Background(), h.posterID, "t-12", true); err != nil {
		t.Fatalf("expected poster to view assets, got %v", err)
	}
	if _, err := h.svc.ListAssets(context.Background(), h.workerID, "t-12", true); err != nil {
		t.Fatalf("expected worker to view assets, got %v", err)
	}
	if _, err := h.svc.ListAssets(context.Background(), "a-platform", "t-12", true); err != nil {
		t.Fatalf("expected platform agent to view non-terminal assets, got %v", err)
	}

	h.svc.SubmitDeliverable(context.Background(), h.workerID, "t-12")
	h.svc.ApproveTask(context.Background(), h.posterID, "t-12")

	assets, err := h.svc.ListAssets(context.Background(), "", "t-12", false)
	if err != nil {
		t.Fatalf("expected assets to become public once terminal, got %v", err)
	}
	if len(assets) != 1 {
		t.Fatalf("expected 1 asset, got %d", len(assets))
	}
	if _, err := h.svc.GetAsset(context.Background(), "", "t-12", assets[0].AssetID, false); err != nil {
		t.Fatalf("expected GetAsset to apply the same terminal-task exemption, got %v", err)
	}
}

func TestService_RecordRulingRequiresPlatformSigner(t *testing.T) {
	h := newTestHarness(t)
	h.createTask(t, "t-12", 500, 3600, 3600, 3600)
	bid, _ := h.svc.SubmitBid(context.Background(), h.workerID, "t-12", 400)
	h.svc.AcceptBid(context.Background(), h.posterID, "t-12", bid.BidID)
	h.svc.SubmitDeliverable(context.Background(), h.workerID, "t-12")
	h.svc.DisputeTask(context.Background(), h.posterID, "t-12", "incomplete")

	if _, err := h.svc.RecordRuling(context.Background(), h.posterID, "t-12", "ruling-1", 60, "mixed"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-platform ruling, got %v", err)
	}
	task, err := h.svc.RecordRuling(context.Background(), "a-platform", "t-12", "ruling-1", 60, "mixed")
	if err != nil {
		t.Fatalf("platform ruling: %v", err)
	}
	if task.Status != StatusRuled || task.WorkerPct == nil || *task.WorkerPct != 60 {
		t.Fatalf("expected ruled status with worker_pct 60, got %+v", task)
	}
}
