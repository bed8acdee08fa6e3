package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/fxrplabs/bridgebot/internal/domain"
	"github.com/fxrplabs/bridgebot/internal/notify"
)

type fakeRedemptionStore struct {
	mu  sync.Mutex
	ops map[string]domain.RedemptionOperation
}

func newFakeRedemptionStore(ops ...domain.RedemptionOperation) *fakeRedemptionStore {
	s := &fakeRedemptionStore{ops: make(map[string]domain.RedemptionOperation)}
	for _, op := range ops {
		s.ops[op.ID] = op
	}
	return s
}

func (s *fakeRedemptionStore) Create(_ context.Context, op domain.RedemptionOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[op.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.ops[op.ID] = op
	return nil
}

func (s *fakeRedemptionStore) Update(_ context.Context, op domain.RedemptionOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[op.ID]; !ok {
		return domain.ErrNotFound
	}
	s.ops[op.ID] = op
	return nil
}

func (s *fakeRedemptionStore) GetByID(_ context.Context, id string) (domain.RedemptionOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return domain.RedemptionOperation{}, domain.ErrNotFound
	}
	return op, nil
}

func (s *fakeRedemptionStore) ListMatchable(_ context.Context, wallet string, since time.Time) ([]domain.RedemptionOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RedemptionOperation
	for _, op := range s.ops {
		if op.Status == domain.RedemptionStatusAwaitingProof &&
			op.WalletAddress == wallet &&
			!op.RequestedAt.Before(since) {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	return out, nil
}

func (s *fakeRedemptionStore) ListOpen(_ context.Context) ([]domain.RedemptionOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RedemptionOperation
	for _, op := range s.ops {
		if !op.Status.Terminal() {
			out = append(out, op)
		}
	}
	return out, nil
}

func (s *fakeRedemptionStore) ListAwaitingOlderThan(_ context.Context, cutoff time.Time) ([]domain.RedemptionOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RedemptionOperation
	for _, op := range s.ops {
		if op.Status == domain.RedemptionStatusAwaitingProof && op.RequestedAt.Before(cutoff) {
			out = append(out, op)
		}
	}
	return out, nil
}

func (s *fakeRedemptionStore) ListResolvedBefore(_ context.Context, before time.Time) ([]domain.RedemptionOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RedemptionOperation
	for _, op := range s.ops {
		if op.Status.Terminal() && op.CompletedAt != nil && op.CompletedAt.Before(before) {
			out = append(out, op)
		}
	}
	return out, nil
}

var _ domain.RedemptionStore = (*fakeRedemptionStore)(nil)

type fakeAgents struct {
	agents map[string]bool
}

func (a *fakeAgents) IsAgent(addr string) bool { return a.agents[addr] }

type redemptionFixture struct {
	store   *fakeRedemptionStore
	agents  *fakeAgents
	watcher *fakeWatcher
	sender  *recordSender
	svc     *RedemptionService
}

func newRedemptionFixture(ops ...domain.RedemptionOperation) *redemptionFixture {
	f := &redemptionFixture{
		store:   newFakeRedemptionStore(ops...),
		agents:  &fakeAgents{agents: map[string]bool{"rAgent1": true}},
		watcher: newFakeWatcher(),
		sender:  &recordSender{},
	}
	notifier := notify.NewNotifier([]notify.Sender{f.sender}, nil, testLogger())
	f.svc = NewRedemptionService(f.store, f.agents, f.watcher, notifier, testLogger())
	return f
}

func (f *redemptionFixture) mustGet(t *testing.T, id string) domain.RedemptionOperation {
	t.Helper()
	op, err := f.store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%s): %v", id, err)
	}
	return op
}

func awaitingRedemption(id, wallet string, drops int64, age time.Duration) domain.RedemptionOperation {
	return domain.RedemptionOperation{
		ID:               id,
		WalletAddress:    wallet,
		ExpectedXRPDrops: drops,
		Status:           domain.RedemptionStatusAwaitingProof,
		UserStatus:       domain.RedemptionUserPending,
		BackendStatus:    domain.RedemptionBackendNormal,
		RequestedAt:      time.Now().UTC().Add(-age),
	}
}

func TestRegisterSubscribesAddresses(t *testing.T) {
	f := newRedemptionFixture()

	op := domain.RedemptionOperation{
		ID:                     "red-1",
		WalletAddress:          "rUser1",
		AgentUnderlyingAddress: "rAgent1",
		ExpectedXRPDrops:       29_850_000,
	}
	if err := f.svc.Register(context.Background(), op); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got := f.mustGet(t, "red-1")
	if got.Status != domain.RedemptionStatusAwaitingProof {
		t.Errorf("status = %s, want awaiting_proof", got.Status)
	}
	if got.UserStatus != domain.RedemptionUserPending {
		t.Errorf("user status = %s, want pending", got.UserStatus)
	}
	if f.watcher.count("watch_user", "rUser1") != 1 {
		t.Error("user wallet was not subscribed")
	}
	if f.watcher.count("watch_agent", "rAgent1") != 1 {
		t.Error("agent address was not subscribed")
	}
}

func TestHandlePayoutExactDropsMatch(t *testing.T) {
	f := newRedemptionFixture(
		awaitingRedemption("red-1", "rUser1", 29_850_000, time.Hour),
	)

	evt := domain.PaymentEvent{
		TxHash:      "PAYOUT1",
		Source:      "rAgent1",
		Destination: "rUser1",
		Drops:       29_850_000,
	}
	if err := f.svc.HandlePayout(context.Background(), evt); err != nil {
		t.Fatalf("HandlePayout: %v", err)
	}

	op := f.mustGet(t, "red-1")
	if op.Status != domain.RedemptionStatusCompleted {
		t.Errorf("status = %s, want completed", op.Status)
	}
	if op.UserStatus != domain.RedemptionUserCompleted {
		t.Errorf("user status = %s, want completed", op.UserStatus)
	}
	if op.XRPLPayoutTxHash != "PAYOUT1" {
		t.Errorf("payout tx = %q", op.XRPLPayoutTxHash)
	}
	if op.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if f.sender.sent() != 1 {
		t.Errorf("notifications = %d, want 1", f.sender.sent())
	}
	if f.watcher.count("unwatch_user", "rUser1") != 1 {
		t.Error("user wallet was not unsubscribed")
	}
}

func TestHandlePayoutRequiresExactAmount(t *testing.T) {
	f := newRedemptionFixture(
		awaitingRedemption("red-1", "rUser1", 29_850_000, time.Hour),
	)

	// One drop short: fees already deducted server-side, so near-misses are
	// someone else's payment.
	evt := domain.PaymentEvent{
		TxHash:      "PAYOUT1",
		Source:      "rAgent1",
		Destination: "rUser1",
		Drops:       29_849_999,
	}
	if err := f.svc.HandlePayout(context.Background(), evt); err != nil {
		t.Fatalf("HandlePayout: %v", err)
	}
	if op := f.mustGet(t, "red-1"); op.Status != domain.RedemptionStatusAwaitingProof {
		t.Errorf("status = %s, want awaiting_proof (unmatched)", op.Status)
	}
}

func TestHandlePayoutPrefersNewestCandidate(t *testing.T) {
	f := newRedemptionFixture(
		awaitingRedemption("red-old", "rUser1", 10_000_000, 3*time.Hour),
		awaitingRedemption("red-new", "rUser1", 10_000_000, time.Hour),
	)

	evt := domain.PaymentEvent{
		TxHash:      "PAYOUT1",
		Source:      "rAgent1",
		Destination: "rUser1",
		Drops:       10_000_000,
	}
	if err := f.svc.HandlePayout(context.Background(), evt); err != nil {
		t.Fatalf("HandlePayout: %v", err)
	}

	if op := f.mustGet(t, "red-new"); op.Status != domain.RedemptionStatusCompleted {
		t.Errorf("newest candidate status = %s, want completed", op.Status)
	}
	if op := f.mustGet(t, "red-old"); op.Status != domain.RedemptionStatusAwaitingProof {
		t.Errorf("older candidate status = %s, want awaiting_proof", op.Status)
	}
}

func TestHandlePayoutExcludesExpiredCandidates(t *testing.T) {
	f := newRedemptionFixture(
		awaitingRedemption("red-1", "rUser1", 10_000_000, 25*time.Hour),
	)

	evt := domain.PaymentEvent{
		TxHash:      "PAYOUT1",
		Source:      "rAgent1",
		Destination: "rUser1",
		Drops:       10_000_000,
	}
	if err := f.svc.HandlePayout(context.Background(), evt); err != nil {
		t.Fatalf("HandlePayout: %v", err)
	}
	if op := f.mustGet(t, "red-1"); op.Status != domain.RedemptionStatusAwaitingProof {
		t.Errorf("expired candidate status = %s, want awaiting_proof", op.Status)
	}
}

func TestHandlePayoutSourceFilter(t *testing.T) {
	boundToOther := awaitingRedemption("red-bound", "rUser1", 10_000_000, time.Hour)
	boundToOther.AgentUnderlyingAddress = "rAgent2"

	unbound := awaitingRedemption("red-unbound", "rUser1", 10_000_000, 2*time.Hour)

	f := newRedemptionFixture(boundToOther, unbound)

	// rAgent1 is a known agent, so the candidate bound to rAgent2 is skipped
	// while the agent-unknown candidate stays eligible.
	evt := domain.PaymentEvent{
		TxHash:      "PAYOUT1",
		Source:      "rAgent1",
		Destination: "rUser1",
		Drops:       10_000_000,
	}
	if err := f.svc.HandlePayout(context.Background(), evt); err != nil {
		t.Fatalf("HandlePayout: %v", err)
	}

	if op := f.mustGet(t, "red-bound"); op.Status != domain.RedemptionStatusAwaitingProof {
		t.Errorf("bound candidate status = %s, want awaiting_proof", op.Status)
	}
	op := f.mustGet(t, "red-unbound")
	if op.Status != domain.RedemptionStatusCompleted {
		t.Errorf("unbound candidate status = %s, want completed", op.Status)
	}
	if op.AgentUnderlyingAddress != "rAgent1" {
		t.Errorf("agent not learned from payout source: %q", op.AgentUnderlyingAddress)
	}
}

func TestHandlePayoutUnknownSourceBypassesFilter(t *testing.T) {
	bound := awaitingRedemption("red-1", "rUser1", 10_000_000, time.Hour)
	bound.AgentUnderlyingAddress = "rAgent2"

	f := newRedemptionFixture(bound)

	// rUnknown is not a registered agent; the source filter does not apply
	// and the amount match decides.
	evt := domain.PaymentEvent{
		TxHash:      "PAYOUT1",
		Source:      "rUnknown",
		Destination: "rUser1",
		Drops:       10_000_000,
	}
	if err := f.svc.HandlePayout(context.Background(), evt); err != nil {
		t.Fatalf("HandlePayout: %v", err)
	}
	if op := f.mustGet(t, "red-1"); op.Status != domain.RedemptionStatusCompleted {
		t.Errorf("status = %s, want completed", op.Status)
	}
}

func TestHandlePayoutLegacyAmountFallback(t *testing.T) {
	legacy := awaitingRedemption("red-1", "rUser1", 0, time.Hour)
	legacy.XRPSent = 29.85

	f := newRedemptionFixture(legacy)

	evt := domain.PaymentEvent{
		TxHash:      "PAYOUT1",
		Source:      "rAgent1",
		Destination: "rUser1",
		Drops:       29_850_000,
	}
	if err := f.svc.HandlePayout(context.Background(), evt); err != nil {
		t.Fatalf("HandlePayout: %v", err)
	}
	if op := f.mustGet(t, "red-1"); op.Status != domain.RedemptionStatusCompleted {
		t.Errorf("status = %s, want completed", op.Status)
	}
}

func TestHandlePayoutDropsFieldNeverFallsThrough(t *testing.T) {
	// A fee-aware record whose drops mismatch must not match via the legacy
	// decimal amount.
	op := awaitingRedemption("red-1", "rUser1", 30_000_000, time.Hour)
	op.XRPSent = 29.85

	f := newRedemptionFixture(op)

	evt := domain.PaymentEvent{
		TxHash:      "PAYOUT1",
		Source:      "rAgent1",
		Destination: "rUser1",
		Drops:       29_850_000,
	}
	if err := f.svc.HandlePayout(context.Background(), evt); err != nil {
		t.Fatalf("HandlePayout: %v", err)
	}
	if got := f.mustGet(t, "red-1"); got.Status != domain.RedemptionStatusAwaitingProof {
		t.Errorf("status = %s, want awaiting_proof (unmatched)", got.Status)
	}
}

func TestHandlePayoutReplayIsNoOp(t *testing.T) {
	f := newRedemptionFixture(
		awaitingRedemption("red-1", "rUser1", 10_000_000, time.Hour),
	)

	evt := domain.PaymentEvent{
		TxHash:      "PAYOUT1",
		Source:      "rAgent1",
		Destination: "rUser1",
		Drops:       10_000_000,
	}
	if err := f.svc.HandlePayout(context.Background(), evt); err != nil {
		t.Fatalf("HandlePayout: %v", err)
	}
	if err := f.svc.HandlePayout(context.Background(), evt); err != nil {
		t.Fatalf("HandlePayout replay: %v", err)
	}
	if f.sender.sent() != 1 {
		t.Errorf("notifications = %d, want 1", f.sender.sent())
	}
}

func TestHandlePayoutKeepsSubscriptionWhileOthersOpen(t *testing.T) {
	f := newRedemptionFixture(
		awaitingRedemption("red-1", "rUser1", 10_000_000, time.Hour),
		awaitingRedemption("red-2", "rUser1", 20_000_000, time.Hour),
	)

	evt := domain.PaymentEvent{
		TxHash:      "PAYOUT1",
		Source:      "rAgent1",
		Destination: "rUser1",
		Drops:       10_000_000,
	}
	if err := f.svc.HandlePayout(context.Background(), evt); err != nil {
		t.Fatalf("HandlePayout: %v", err)
	}
	if f.watcher.count("unwatch_user", "rUser1") != 0 {
		t.Error("user wallet unsubscribed while another redemption is open")
	}
}
