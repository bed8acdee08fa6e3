package alert

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fxrplabs/bridgebot/internal/domain"
	"github.com/fxrplabs/bridgebot/internal/notify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBridgeStore struct {
	failed, total int64
	stuck         []domain.BridgeOperation
	open          []domain.BridgeOperation
}

func (s *fakeBridgeStore) Create(context.Context, domain.BridgeOperation) error { return nil }
func (s *fakeBridgeStore) Update(context.Context, domain.BridgeOperation) error { return nil }
func (s *fakeBridgeStore) GetByID(context.Context, string) (domain.BridgeOperation, error) {
	return domain.BridgeOperation{}, domain.ErrNotFound
}
func (s *fakeBridgeStore) GetByPaymentReference(context.Context, string) (domain.BridgeOperation, error) {
	return domain.BridgeOperation{}, domain.ErrNotFound
}
func (s *fakeBridgeStore) ListOpen(context.Context) ([]domain.BridgeOperation, error) {
	return s.open, nil
}
func (s *fakeBridgeStore) ListStuck(context.Context, time.Time) ([]domain.BridgeOperation, error) {
	return s.stuck, nil
}
func (s *fakeBridgeStore) ListResolvedBefore(context.Context, time.Time) ([]domain.BridgeOperation, error) {
	return nil, nil
}
func (s *fakeBridgeStore) FailureStats(context.Context, time.Time) (int64, int64, error) {
	return s.failed, s.total, nil
}

var _ domain.BridgeStore = (*fakeBridgeStore)(nil)

type fakeRedemptionStore struct {
	awaiting []domain.RedemptionOperation
	open     []domain.RedemptionOperation
}

func (s *fakeRedemptionStore) Create(context.Context, domain.RedemptionOperation) error { return nil }
func (s *fakeRedemptionStore) Update(context.Context, domain.RedemptionOperation) error { return nil }
func (s *fakeRedemptionStore) GetByID(context.Context, string) (domain.RedemptionOperation, error) {
	return domain.RedemptionOperation{}, domain.ErrNotFound
}
func (s *fakeRedemptionStore) ListMatchable(context.Context, string, time.Time) ([]domain.RedemptionOperation, error) {
	return nil, nil
}
func (s *fakeRedemptionStore) ListOpen(context.Context) ([]domain.RedemptionOperation, error) {
	return s.open, nil
}
func (s *fakeRedemptionStore) ListAwaitingOlderThan(context.Context, time.Time) ([]domain.RedemptionOperation, error) {
	return s.awaiting, nil
}
func (s *fakeRedemptionStore) ListResolvedBefore(context.Context, time.Time) ([]domain.RedemptionOperation, error) {
	return nil, nil
}

var _ domain.RedemptionStore = (*fakeRedemptionStore)(nil)

type fakeYield struct {
	bips float64
	err  error
}

func (y *fakeYield) VaultYieldRate(context.Context) (float64, error) { return y.bips, y.err }

type fakeProber struct {
	latency time.Duration
	err     error
	panics  bool
}

func (p *fakeProber) Probe(context.Context) (time.Duration, error) {
	if p.panics {
		panic("prober exploded")
	}
	return p.latency, p.err
}

type recordSender struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordSender) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordSender) Name() string { return "record" }

func (r *recordSender) sent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func findCondition(conds []Condition, typ string) (Condition, bool) {
	for _, c := range conds {
		if c.Type == typ {
			return c, true
		}
	}
	return Condition{}, false
}

// ---------------------------------------------------------------------------
// checks
// ---------------------------------------------------------------------------

func TestRedemptionDelayCheck(t *testing.T) {
	tests := []struct {
		name         string
		age          time.Duration
		wantSeverity notify.Severity
	}{
		{"warning past warn threshold", 45 * time.Minute, notify.SeverityWarning},
		{"critical past critical threshold", 3 * time.Hour, notify.SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			redemptions := &fakeRedemptionStore{
				awaiting: []domain.RedemptionOperation{{
					ID:          "red-1",
					Status:      domain.RedemptionStatusAwaitingProof,
					RequestedAt: time.Now().UTC().Add(-tt.age),
				}},
			}
			c := NewChecker(&fakeBridgeStore{}, redemptions, nil, nil, Thresholds{}, testLogger())

			cond, ok := findCondition(c.Check(context.Background()), TypeRedemptionDelay)
			if !ok {
				t.Fatal("no redemption delay condition")
			}
			if cond.Severity != tt.wantSeverity {
				t.Errorf("severity = %s, want %s", cond.Severity, tt.wantSeverity)
			}
		})
	}
}

func TestRedemptionDelayCheckQuietWhenNoneDelayed(t *testing.T) {
	c := NewChecker(&fakeBridgeStore{}, &fakeRedemptionStore{}, nil, nil, Thresholds{}, testLogger())
	if _, ok := findCondition(c.Check(context.Background()), TypeRedemptionDelay); ok {
		t.Error("condition reported with no delayed redemptions")
	}
}

func TestConsecutiveFailuresCheck(t *testing.T) {
	tests := []struct {
		name          string
		failed, total int64
		want          bool
	}{
		{"all failed above threshold", 4, 4, true},
		{"some succeeded", 4, 5, false},
		{"below threshold", 2, 2, false},
		{"nothing in window", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bridges := &fakeBridgeStore{failed: tt.failed, total: tt.total}
			c := NewChecker(bridges, &fakeRedemptionStore{}, nil, nil, Thresholds{}, testLogger())

			cond, ok := findCondition(c.Check(context.Background()), TypeConsecutiveFailures)
			if ok != tt.want {
				t.Fatalf("condition present = %v, want %v", ok, tt.want)
			}
			if ok && cond.Severity != notify.SeverityCritical {
				t.Errorf("severity = %s, want critical", cond.Severity)
			}
		})
	}
}

func TestYieldDriftCheck(t *testing.T) {
	yield := &fakeYield{bips: 400}
	c := NewChecker(&fakeBridgeStore{}, &fakeRedemptionStore{}, yield, nil, Thresholds{}, testLogger())

	// First run seeds the window; no drift yet.
	if _, ok := findCondition(c.Check(context.Background()), TypeYieldDrift); ok {
		t.Fatal("drift reported on the first sample")
	}

	// Second run, 80 bips later.
	yield.bips = 480
	cond, ok := findCondition(c.Check(context.Background()), TypeYieldDrift)
	if !ok {
		t.Fatal("no drift condition for an 80 bips move")
	}
	if cond.Severity != notify.SeverityWarning {
		t.Errorf("severity = %s, want warning", cond.Severity)
	}
}

func TestYieldDriftCheckQuietBelowThreshold(t *testing.T) {
	yield := &fakeYield{bips: 400}
	c := NewChecker(&fakeBridgeStore{}, &fakeRedemptionStore{}, yield, nil, Thresholds{}, testLogger())

	c.Check(context.Background())
	yield.bips = 415
	if _, ok := findCondition(c.Check(context.Background()), TypeYieldDrift); ok {
		t.Error("drift reported for a 15 bips move")
	}
}

func TestBridgeHealthCheck(t *testing.T) {
	bridges := &fakeBridgeStore{
		failed: 6,
		total:  10,
		stuck:  []domain.BridgeOperation{{ID: "op-1"}, {ID: "op-2"}},
	}
	c := NewChecker(bridges, &fakeRedemptionStore{}, nil, nil, Thresholds{}, testLogger())

	conds := c.Check(context.Background())

	rate, ok := findCondition(conds, TypeBridgeHealth)
	if !ok {
		t.Fatal("no failure-rate condition")
	}
	if rate.Severity != notify.SeverityCritical {
		t.Errorf("60%% failure rate severity = %s, want critical", rate.Severity)
	}

	stuck, ok := findCondition(conds, TypeStuckOperations)
	if !ok {
		t.Fatal("no stuck-operations condition")
	}
	if stuck.Severity != notify.SeverityWarning {
		t.Errorf("stuck severity = %s, want warning", stuck.Severity)
	}
}

func TestRPCHealthCheck(t *testing.T) {
	t.Run("unreachable is critical", func(t *testing.T) {
		prober := &fakeProber{err: errors.New("connection refused")}
		c := NewChecker(&fakeBridgeStore{}, &fakeRedemptionStore{}, nil, prober, Thresholds{}, testLogger())

		cond, ok := findCondition(c.Check(context.Background()), TypeRPCHealth)
		if !ok {
			t.Fatal("no RPC condition for an unreachable endpoint")
		}
		if cond.Severity != notify.SeverityCritical {
			t.Errorf("severity = %s, want critical", cond.Severity)
		}
	})

	t.Run("slow is warning", func(t *testing.T) {
		prober := &fakeProber{latency: 5 * time.Second}
		c := NewChecker(&fakeBridgeStore{}, &fakeRedemptionStore{}, nil, prober, Thresholds{}, testLogger())

		cond, ok := findCondition(c.Check(context.Background()), TypeRPCHealth)
		if !ok {
			t.Fatal("no RPC condition for a slow endpoint")
		}
		if cond.Severity != notify.SeverityWarning {
			t.Errorf("severity = %s, want warning", cond.Severity)
		}
	})

	t.Run("healthy is quiet", func(t *testing.T) {
		prober := &fakeProber{latency: 50 * time.Millisecond}
		c := NewChecker(&fakeBridgeStore{}, &fakeRedemptionStore{}, nil, prober, Thresholds{}, testLogger())

		if _, ok := findCondition(c.Check(context.Background()), TypeRPCHealth); ok {
			t.Error("condition reported for a healthy endpoint")
		}
	})
}

func TestCompositeCheck(t *testing.T) {
	bridges := &fakeBridgeStore{open: []domain.BridgeOperation{{ID: "op-1"}}}
	prober := &fakeProber{err: errors.New("connection refused")}
	c := NewChecker(bridges, &fakeRedemptionStore{}, nil, prober, Thresholds{}, testLogger())

	cond, ok := findCondition(c.Check(context.Background()), TypeComposite)
	if !ok {
		t.Fatal("no composite condition with open operations and a dead RPC")
	}
	if cond.Severity != notify.SeverityCritical {
		t.Errorf("severity = %s, want critical", cond.Severity)
	}
}

func TestCheckPanicIsIsolated(t *testing.T) {
	redemptions := &fakeRedemptionStore{
		awaiting: []domain.RedemptionOperation{{
			ID:          "red-1",
			RequestedAt: time.Now().UTC().Add(-time.Hour),
		}},
	}
	prober := &fakeProber{panics: true}
	c := NewChecker(&fakeBridgeStore{}, redemptions, nil, prober, Thresholds{}, testLogger())

	conds := c.Check(context.Background())
	if _, ok := findCondition(conds, TypeRedemptionDelay); !ok {
		t.Error("panicking probe suppressed the other checks")
	}
}

// ---------------------------------------------------------------------------
// throttle
// ---------------------------------------------------------------------------

func newThrottleAlerter() *Alerter {
	notifier := notify.NewNotifier([]notify.Sender{&recordSender{}}, nil, testLogger())
	checker := NewChecker(&fakeBridgeStore{}, &fakeRedemptionStore{}, nil, nil, Thresholds{}, testLogger())
	return NewAlerter(checker, notifier, time.Minute, 30*time.Minute, "", testLogger())
}

func TestThrottleSuppressesRepeat(t *testing.T) {
	a := newThrottleAlerter()
	now := time.Now().UTC()

	warning := Condition{Type: TypeRedemptionDelay, Severity: notify.SeverityWarning}

	if !a.shouldSend(warning, now) {
		t.Fatal("first alert suppressed")
	}
	a.recordSent(warning, now)

	if a.shouldSend(warning, now.Add(time.Minute)) {
		t.Error("repeat within throttle window not suppressed")
	}
	if !a.shouldSend(warning, now.Add(31*time.Minute)) {
		t.Error("alert suppressed after the throttle window expired")
	}
}

func TestCriticalEscalationBypassesThrottle(t *testing.T) {
	a := newThrottleAlerter()
	now := time.Now().UTC()

	warning := Condition{Type: TypeRedemptionDelay, Severity: notify.SeverityWarning}
	critical := Condition{Type: TypeRedemptionDelay, Severity: notify.SeverityCritical}

	a.recordSent(warning, now)

	if !a.shouldSend(critical, now.Add(time.Minute)) {
		t.Fatal("escalation to critical was throttled")
	}
	a.recordSent(critical, now.Add(time.Minute))

	// Critical after critical is throttled normally.
	if a.shouldSend(critical, now.Add(2*time.Minute)) {
		t.Error("repeated critical bypassed the throttle")
	}
}

func TestCheckAndAlertDispatches(t *testing.T) {
	sender := &recordSender{}
	notifier := notify.NewNotifier([]notify.Sender{sender}, nil, testLogger())

	redemptions := &fakeRedemptionStore{
		awaiting: []domain.RedemptionOperation{{
			ID:          "red-1",
			RequestedAt: time.Now().UTC().Add(-time.Hour),
		}},
	}
	checker := NewChecker(&fakeBridgeStore{}, redemptions, nil, nil, Thresholds{}, testLogger())
	a := NewAlerter(checker, notifier, time.Minute, 30*time.Minute, "https://ops.example/dashboard", testLogger())

	if err := a.CheckAndAlert(context.Background()); err != nil {
		t.Fatalf("CheckAndAlert: %v", err)
	}
	if sender.sent() != 1 {
		t.Fatalf("alerts sent = %d, want 1", sender.sent())
	}

	// Immediate recompute with the same severity is throttled.
	if err := a.CheckAndAlert(context.Background()); err != nil {
		t.Fatalf("CheckAndAlert: %v", err)
	}
	if sender.sent() != 1 {
		t.Errorf("alerts sent after throttled recompute = %d, want 1", sender.sent())
	}
}

func TestStuckAndFailureRateAlertIndependently(t *testing.T) {
	sender := &recordSender{}
	notifier := notify.NewNotifier([]notify.Sender{sender}, nil, testLogger())

	bridges := &fakeBridgeStore{
		failed: 6,
		total:  10,
		stuck:  []domain.BridgeOperation{{ID: "op-1"}, {ID: "op-2"}},
	}
	checker := NewChecker(bridges, &fakeRedemptionStore{}, nil, nil, Thresholds{}, testLogger())
	a := NewAlerter(checker, notifier, time.Minute, 30*time.Minute, "", testLogger())

	// One cycle raises both the failure-rate and the stuck-count alerts;
	// they throttle on separate keys, so neither silences the other.
	if err := a.CheckAndAlert(context.Background()); err != nil {
		t.Fatalf("CheckAndAlert: %v", err)
	}
	if sender.sent() != 2 {
		t.Fatalf("alerts sent = %d, want 2 (failure rate and stuck count)", sender.sent())
	}
}
