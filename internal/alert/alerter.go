package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fxrplabs/bridgebot/internal/notify"
)

// history is the per-type throttle record. It lives only in memory; losing
// it on restart means at worst one duplicate alert per type.
type history struct {
	lastSentAt   time.Time
	lastSeverity notify.Severity
}

// Alerter runs the condition checks on an interval and dispatches surviving
// conditions to every configured sink.
type Alerter struct {
	checker  *Checker
	notifier *notify.Notifier

	interval time.Duration
	throttle time.Duration

	dashboardLink string

	mu      sync.Mutex
	history map[string]history

	logger *slog.Logger
}

// NewAlerter creates an Alerter.
func NewAlerter(
	checker *Checker,
	notifier *notify.Notifier,
	interval, throttle time.Duration,
	dashboardLink string,
	logger *slog.Logger,
) *Alerter {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if throttle <= 0 {
		throttle = 30 * time.Minute
	}
	return &Alerter{
		checker:       checker,
		notifier:      notifier,
		interval:      interval,
		throttle:      throttle,
		dashboardLink: dashboardLink,
		history:       make(map[string]history),
		logger:        logger.With(slog.String("component", "alerter")),
	}
}

// Run checks on a fixed interval until the context is cancelled.
func (a *Alerter) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.CheckAndAlert(ctx); err != nil {
				a.logger.ErrorContext(ctx, "alert cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}

// CheckAndAlert runs every check once and dispatches conditions that pass
// the throttle. Sink failures are logged, not returned: alerting is
// best-effort and one bad sink must not look like an engine failure.
func (a *Alerter) CheckAndAlert(ctx context.Context) error {
	conditions := a.checker.Check(ctx)
	if len(conditions) == 0 {
		return nil
	}

	now := time.Now().UTC()
	for _, cond := range conditions {
		if !a.shouldSend(cond, now) {
			a.logger.DebugContext(ctx, "condition throttled",
				slog.String("type", cond.Type),
				slog.String("severity", string(cond.Severity)),
			)
			continue
		}

		msg := notify.Message{
			Title:         cond.Message,
			Severity:      cond.Severity,
			Fields:        cond.Fields,
			Timestamp:     now,
			DashboardLink: a.dashboardLink,
		}
		if err := a.notifier.NotifyAll(ctx, msg); err != nil {
			a.logger.WarnContext(ctx, "alert dispatch partially failed",
				slog.String("type", cond.Type),
				slog.String("error", err.Error()),
			)
		}

		a.recordSent(cond, now)

		a.logger.InfoContext(ctx, "alert sent",
			slog.String("type", cond.Type),
			slog.String("severity", string(cond.Severity)),
		)
	}

	return nil
}

// shouldSend applies the per-type throttle. An escalation to critical from a
// non-critical previous send always bypasses the throttle.
func (a *Alerter) shouldSend(cond Condition, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	h, ok := a.history[cond.Type]
	if !ok {
		return true
	}
	if now.Sub(h.lastSentAt) >= a.throttle {
		return true
	}
	if cond.Severity == notify.SeverityCritical && h.lastSeverity != notify.SeverityCritical {
		return true
	}
	return false
}

func (a *Alerter) recordSent(cond Condition, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history[cond.Type] = history{lastSentAt: now, lastSeverity: cond.Severity}
}
