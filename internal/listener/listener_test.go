package listener

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fxrplabs/bridgebot/internal/domain"
)

type fakeFeed struct {
	mu          sync.Mutex
	handler     func(domain.PaymentEvent)
	subscribed  []string
	unsubbed    []string
	history     map[string][]domain.PaymentEvent
	historyErrs map[string]error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		history:     make(map[string][]domain.PaymentEvent),
		historyErrs: make(map[string]error),
	}
}

func (f *fakeFeed) OnPayment(h func(domain.PaymentEvent)) { f.handler = h }

func (f *fakeFeed) SubscribeAccounts(_ context.Context, accounts ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, accounts...)
	return nil
}

func (f *fakeFeed) UnsubscribeAccounts(_ context.Context, accounts ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubbed = append(f.unsubbed, accounts...)
	return nil
}

func (f *fakeFeed) AccountTx(_ context.Context, account string, _ int) ([]domain.PaymentEvent, error) {
	if err := f.historyErrs[account]; err != nil {
		return nil, err
	}
	return f.history[account], nil
}

func (f *fakeFeed) subscribeCount(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.subscribed {
		if a == addr {
			n++
		}
	}
	return n
}

type fakeSeen struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeSeen() *fakeSeen {
	return &fakeSeen{seen: make(map[string]bool)}
}

func (s *fakeSeen) MarkSeen(_ context.Context, txHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[txHash] {
		return true, nil
	}
	s.seen[txHash] = true
	return false, nil
}

func (s *fakeSeen) Forget(_ context.Context, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, txHash)
	return nil
}

type fakeSink struct {
	mu       sync.Mutex
	deposits []domain.PaymentEvent
	agents   []domain.PaymentEvent
	users    []domain.PaymentEvent

	// userFailures makes that many HandleUserPayment calls fail before
	// deliveries start succeeding.
	userFailures int
}

func (s *fakeSink) HandleDeposit(_ context.Context, evt domain.PaymentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deposits = append(s.deposits, evt)
	return nil
}

func (s *fakeSink) HandleAgentPayment(_ context.Context, evt domain.PaymentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents = append(s.agents, evt)
	return nil
}

func (s *fakeSink) HandleUserPayment(_ context.Context, evt domain.PaymentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userFailures > 0 {
		s.userFailures--
		return errors.New("store unavailable")
	}
	s.users = append(s.users, evt)
	return nil
}

func (s *fakeSink) counts() (deposits, agents, users int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deposits), len(s.agents), len(s.users)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const vault = "rVault11111111111111111111111111111"

func newTestListener(feed *fakeFeed, sink *fakeSink) (*Listener, *Registry) {
	reg := NewRegistry(vault)
	l := New(feed, reg, newFakeSeen(), 10, 15*time.Minute, testLogger())
	l.SetSink(sink)
	return l, reg
}

func drain(t *testing.T, l *Listener, sink *fakeSink, want func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	deadline := time.After(2 * time.Second)
	for !want() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for events to be handled")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestClassificationPrecedence(t *testing.T) {
	feed := newFakeFeed()
	sink := &fakeSink{}
	l, reg := newTestListener(feed, sink)

	agentAddr := "rAgent11111111111111111111111111111"
	userAddr := "rUser111111111111111111111111111111"

	reg.AddAgent(agentAddr)
	reg.AddUser(userAddr)
	// The agent address also appears in the user set; agent must win.
	reg.AddUser(agentAddr)

	events := []domain.PaymentEvent{
		{TxHash: "T1", Destination: vault, Drops: 1},
		{TxHash: "T2", Destination: agentAddr, Drops: 2},
		{TxHash: "T3", Destination: userAddr, Drops: 3},
		{TxHash: "T4", Destination: "rElsewhere111111111111111111111111", Drops: 4},
	}
	for _, evt := range events {
		feed.handler(evt)
	}

	drain(t, l, sink, func() bool {
		d, a, u := sink.counts()
		return d == 1 && a == 1 && u == 1
	})

	if len(sink.agents) != 1 || sink.agents[0].TxHash != "T2" {
		t.Errorf("agent payments = %+v, want just T2", sink.agents)
	}
	if len(sink.users) != 1 || sink.users[0].TxHash != "T3" {
		t.Errorf("user payments = %+v, want just T3", sink.users)
	}
}

func TestDuplicateEventsHandledOnce(t *testing.T) {
	feed := newFakeFeed()
	sink := &fakeSink{}
	l, _ := newTestListener(feed, sink)

	evt := domain.PaymentEvent{TxHash: "DUP", Destination: vault, Drops: 100}
	feed.handler(evt)
	feed.handler(evt)
	feed.handler(evt)

	drain(t, l, sink, func() bool {
		d, _, _ := sink.counts()
		return d >= 1
	})

	// Give any stray duplicates a moment to arrive.
	time.Sleep(50 * time.Millisecond)
	if d, _, _ := sink.counts(); d != 1 {
		t.Errorf("deposit handled %d times, want 1", d)
	}
}

func TestHandlerFailureAllowsRedelivery(t *testing.T) {
	feed := newFakeFeed()
	sink := &fakeSink{userFailures: 1}
	l, reg := newTestListener(feed, sink)

	userAddr := "rUser111111111111111111111111111111"
	reg.AddUser(userAddr)

	// The same payout delivered twice: the first attempt fails in the
	// handler, so the dedup mark must not consume the event for good.
	evt := domain.PaymentEvent{TxHash: "PAYOUT1", Destination: userAddr, Drops: 29_850_000}
	feed.handler(evt)
	feed.handler(evt)

	drain(t, l, sink, func() bool {
		_, _, u := sink.counts()
		return u == 1
	})

	if sink.users[0].TxHash != "PAYOUT1" {
		t.Errorf("handled tx = %s, want PAYOUT1", sink.users[0].TxHash)
	}
}

func TestWatchAgentBackfillReplaysRecentInbound(t *testing.T) {
	feed := newFakeFeed()
	sink := &fakeSink{}
	l, _ := newTestListener(feed, sink)

	agentAddr := "rAgent11111111111111111111111111111"
	now := time.Now()

	feed.history[agentAddr] = []domain.PaymentEvent{
		// Recent inbound payment: replayed.
		{TxHash: "H1", Destination: agentAddr, Drops: 500, ClosedAt: now.Add(-time.Minute)},
		// Outbound from the agent: skipped.
		{TxHash: "H2", Source: agentAddr, Destination: "rOther1111111111111111111111111111", Drops: 7, ClosedAt: now.Add(-time.Minute)},
		// Too old: skipped.
		{TxHash: "H3", Destination: agentAddr, Drops: 9, ClosedAt: now.Add(-time.Hour)},
	}

	if err := l.WatchAgent(context.Background(), agentAddr); err != nil {
		t.Fatalf("WatchAgent: %v", err)
	}

	drain(t, l, sink, func() bool {
		_, a, _ := sink.counts()
		return a >= 1
	})

	time.Sleep(50 * time.Millisecond)
	if _, a, _ := sink.counts(); a != 1 {
		t.Fatalf("agent payments handled = %d, want 1", a)
	}
	if sink.agents[0].TxHash != "H1" {
		t.Errorf("replayed tx = %s, want H1", sink.agents[0].TxHash)
	}
}

func TestWatchAgentIdempotent(t *testing.T) {
	feed := newFakeFeed()
	sink := &fakeSink{}
	l, _ := newTestListener(feed, sink)

	agentAddr := "rAgent11111111111111111111111111111"

	if err := l.WatchAgent(context.Background(), agentAddr); err != nil {
		t.Fatalf("WatchAgent: %v", err)
	}
	if err := l.WatchAgent(context.Background(), agentAddr); err != nil {
		t.Fatalf("WatchAgent again: %v", err)
	}

	if n := feed.subscribeCount(agentAddr); n != 1 {
		t.Errorf("feed subscribed %d times, want 1", n)
	}
}

func TestUnwatchKeepsSharedAddress(t *testing.T) {
	feed := newFakeFeed()
	sink := &fakeSink{}
	l, reg := newTestListener(feed, sink)

	addr := "rShared1111111111111111111111111111"

	if err := l.WatchAgent(context.Background(), addr); err != nil {
		t.Fatalf("WatchAgent: %v", err)
	}
	if err := l.WatchUser(context.Background(), addr); err != nil {
		t.Fatalf("WatchUser: %v", err)
	}

	// Dropping the agent role must not unsubscribe while the user role remains.
	if err := l.UnwatchAgent(context.Background(), addr); err != nil {
		t.Fatalf("UnwatchAgent: %v", err)
	}
	if len(feed.unsubbed) != 0 {
		t.Fatalf("unsubscribed %v, want none while user role remains", feed.unsubbed)
	}
	if reg.Classify(addr) != KindUser {
		t.Errorf("Classify = %s, want user", reg.Classify(addr))
	}

	if err := l.UnwatchUser(context.Background(), addr); err != nil {
		t.Fatalf("UnwatchUser: %v", err)
	}
	if len(feed.unsubbed) != 1 || feed.unsubbed[0] != addr {
		t.Errorf("unsubscribed = %v, want [%s]", feed.unsubbed, addr)
	}
}
