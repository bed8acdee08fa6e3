// Package alert computes health conditions from persisted operation state
// and dispatches throttled notifications. It only reads; it never mutates
// operations.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fxrplabs/bridgebot/internal/domain"
	"github.com/fxrplabs/bridgebot/internal/notify"
)

// Condition is one detected health condition.
type Condition struct {
	Type     string
	Severity notify.Severity
	Message  string
	Fields   []notify.Field
}

// Condition types.
const (
	TypeRedemptionDelay     = "redemption_delay"
	TypeConsecutiveFailures = "consecutive_failures"
	TypeYieldDrift          = "yield_drift"
	TypeBridgeHealth        = "bridge_health"
	TypeStuckOperations     = "stuck_operations"
	TypeRPCHealth           = "rpc_health"
	TypeComposite           = "composite_health"
)

// YieldSource reads the vault's current yield rate in basis points.
// *flare.MintingClient implements it.
type YieldSource interface {
	VaultYieldRate(ctx context.Context) (float64, error)
}

// RPCProber measures settlement-chain RPC round-trip health.
// *flare.Client implements it.
type RPCProber interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// Thresholds configures the condition checks.
type Thresholds struct {
	RedemptionDelayWarn     time.Duration
	RedemptionDelayCritical time.Duration

	// ConsecutiveFailures fires when every operation created inside
	// FailureWindow failed and there were at least this many.
	ConsecutiveFailures int
	FailureWindow       time.Duration

	// YieldDriftBips is the basis-point change over YieldWindow that fires
	// the drift condition.
	YieldDriftBips float64
	YieldWindow    time.Duration

	FailureRateWarn     float64
	FailureRateCritical float64
	FailureRateWindow   time.Duration
	StuckThreshold      time.Duration

	RPCLatencyWarn time.Duration
}

// DefaultThresholds returns the thresholds used when config leaves them zero.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RedemptionDelayWarn:     30 * time.Minute,
		RedemptionDelayCritical: 2 * time.Hour,
		ConsecutiveFailures:     3,
		FailureWindow:           30 * time.Minute,
		YieldDriftBips:          50,
		YieldWindow:             time.Hour,
		FailureRateWarn:         0.2,
		FailureRateCritical:     0.5,
		FailureRateWindow:       24 * time.Hour,
		StuckThreshold:          10 * time.Minute,
		RPCLatencyWarn:          2 * time.Second,
	}
}

type yieldSample struct {
	at   time.Time
	bips float64
}

// Checker runs the condition checks. Each check is isolated: a panic or an
// error in one never suppresses the results of the others.
type Checker struct {
	bridges     domain.BridgeStore
	redemptions domain.RedemptionStore
	yield       YieldSource
	prober      RPCProber

	thresholds Thresholds

	mu           sync.Mutex
	yieldSamples []yieldSample

	logger *slog.Logger
}

// NewChecker creates a Checker. yield and prober may be nil; their checks
// are then skipped.
func NewChecker(
	bridges domain.BridgeStore,
	redemptions domain.RedemptionStore,
	yield YieldSource,
	prober RPCProber,
	thresholds Thresholds,
	logger *slog.Logger,
) *Checker {
	def := DefaultThresholds()
	if thresholds.RedemptionDelayWarn <= 0 {
		thresholds.RedemptionDelayWarn = def.RedemptionDelayWarn
	}
	if thresholds.RedemptionDelayCritical <= 0 {
		thresholds.RedemptionDelayCritical = def.RedemptionDelayCritical
	}
	if thresholds.ConsecutiveFailures <= 0 {
		thresholds.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if thresholds.FailureWindow <= 0 {
		thresholds.FailureWindow = def.FailureWindow
	}
	if thresholds.YieldDriftBips <= 0 {
		thresholds.YieldDriftBips = def.YieldDriftBips
	}
	if thresholds.YieldWindow <= 0 {
		thresholds.YieldWindow = def.YieldWindow
	}
	if thresholds.FailureRateWarn <= 0 {
		thresholds.FailureRateWarn = def.FailureRateWarn
	}
	if thresholds.FailureRateCritical <= 0 {
		thresholds.FailureRateCritical = def.FailureRateCritical
	}
	if thresholds.FailureRateWindow <= 0 {
		thresholds.FailureRateWindow = def.FailureRateWindow
	}
	if thresholds.StuckThreshold <= 0 {
		thresholds.StuckThreshold = def.StuckThreshold
	}
	if thresholds.RPCLatencyWarn <= 0 {
		thresholds.RPCLatencyWarn = def.RPCLatencyWarn
	}
	return &Checker{
		bridges:     bridges,
		redemptions: redemptions,
		yield:       yield,
		prober:      prober,
		thresholds:  thresholds,
		logger:      logger.With(slog.String("component", "alert")),
	}
}

// Check runs all condition checks in parallel and returns every detected
// condition.
func (c *Checker) Check(ctx context.Context) []Condition {
	now := time.Now().UTC()

	checks := []struct {
		name string
		fn   func(ctx context.Context, now time.Time) []Condition
	}{
		{"redemption_delay", c.checkRedemptionDelay},
		{"consecutive_failures", c.checkConsecutiveFailures},
		{"yield_drift", c.checkYieldDrift},
		{"bridge_health", c.checkBridgeHealth},
		{"rpc_health", c.checkRPCHealth},
		{"composite_health", c.checkComposite},
	}

	var (
		mu         sync.Mutex
		conditions []Condition
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, chk := range checks {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					c.logger.ErrorContext(gctx, "check panicked",
						slog.String("check", chk.name),
						slog.Any("panic", r),
					)
				}
			}()
			found := chk.fn(gctx, now)
			mu.Lock()
			conditions = append(conditions, found...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return conditions
}

func (c *Checker) checkRedemptionDelay(ctx context.Context, now time.Time) []Condition {
	warnCutoff := now.Add(-c.thresholds.RedemptionDelayWarn)
	delayed, err := c.redemptions.ListAwaitingOlderThan(ctx, warnCutoff)
	if err != nil {
		c.logger.WarnContext(ctx, "redemption delay check failed", slog.String("error", err.Error()))
		return nil
	}
	if len(delayed) == 0 {
		return nil
	}

	oldest := delayed[0]
	for _, op := range delayed[1:] {
		if op.RequestedAt.Before(oldest.RequestedAt) {
			oldest = op
		}
	}
	age := now.Sub(oldest.RequestedAt)

	severity := notify.SeverityWarning
	if age >= c.thresholds.RedemptionDelayCritical {
		severity = notify.SeverityCritical
	}

	return []Condition{{
		Type:     TypeRedemptionDelay,
		Severity: severity,
		Message:  fmt.Sprintf("%d redemption(s) awaiting payout beyond %s", len(delayed), c.thresholds.RedemptionDelayWarn),
		Fields: []notify.Field{
			{Label: "Oldest", Value: oldest.ID},
			{Label: "Age", Value: age.Round(time.Second).String()},
		},
	}}
}

func (c *Checker) checkConsecutiveFailures(ctx context.Context, now time.Time) []Condition {
	failed, total, err := c.bridges.FailureStats(ctx, now.Add(-c.thresholds.FailureWindow))
	if err != nil {
		c.logger.WarnContext(ctx, "consecutive failure check failed", slog.String("error", err.Error()))
		return nil
	}
	if total == 0 || failed != total || failed < int64(c.thresholds.ConsecutiveFailures) {
		return nil
	}

	return []Condition{{
		Type:     TypeConsecutiveFailures,
		Severity: notify.SeverityCritical,
		Message:  fmt.Sprintf("every bridge operation in the last %s failed (%d in a row)", c.thresholds.FailureWindow, failed),
		Fields: []notify.Field{
			{Label: "Failed", Value: fmt.Sprintf("%d", failed)},
			{Label: "Window", Value: c.thresholds.FailureWindow.String()},
		},
	}}
}

func (c *Checker) checkYieldDrift(ctx context.Context, now time.Time) []Condition {
	if c.yield == nil {
		return nil
	}
	current, err := c.yield.VaultYieldRate(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "yield drift check failed", slog.String("error", err.Error()))
		return nil
	}

	oldest, drift, enough := c.recordYieldSample(now, current)
	if !enough || drift < c.thresholds.YieldDriftBips {
		return nil
	}

	return []Condition{{
		Type:     TypeYieldDrift,
		Severity: notify.SeverityWarning,
		Message:  fmt.Sprintf("vault yield moved %.1f bips within %s", drift, c.thresholds.YieldWindow),
		Fields: []notify.Field{
			{Label: "Current", Value: fmt.Sprintf("%.1f bips", current)},
			{Label: "Window start", Value: fmt.Sprintf("%.1f bips", oldest)},
		},
	}}
}

// recordYieldSample appends the sample, prunes the rolling window, and
// returns the oldest retained value and the absolute drift against it.
func (c *Checker) recordYieldSample(now time.Time, bips float64) (oldest, drift float64, enough bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.yieldSamples = append(c.yieldSamples, yieldSample{at: now, bips: bips})
	cutoff := now.Add(-c.thresholds.YieldWindow)
	for len(c.yieldSamples) > 0 && c.yieldSamples[0].at.Before(cutoff) {
		c.yieldSamples = c.yieldSamples[1:]
	}

	if len(c.yieldSamples) < 2 {
		return 0, 0, false
	}
	oldest = c.yieldSamples[0].bips
	drift = bips - oldest
	if drift < 0 {
		drift = -drift
	}
	return oldest, drift, true
}

func (c *Checker) checkBridgeHealth(ctx context.Context, now time.Time) []Condition {
	var out []Condition

	failed, total, err := c.bridges.FailureStats(ctx, now.Add(-c.thresholds.FailureRateWindow))
	if err != nil {
		c.logger.WarnContext(ctx, "failure rate check failed", slog.String("error", err.Error()))
	} else if total >= 5 {
		rate := float64(failed) / float64(total)
		if rate >= c.thresholds.FailureRateWarn {
			severity := notify.SeverityWarning
			if rate >= c.thresholds.FailureRateCritical {
				severity = notify.SeverityCritical
			}
			out = append(out, Condition{
				Type:     TypeBridgeHealth,
				Severity: severity,
				Message:  fmt.Sprintf("bridge failure rate %.0f%% over %s", rate*100, c.thresholds.FailureRateWindow),
				Fields: []notify.Field{
					{Label: "Failed", Value: fmt.Sprintf("%d/%d", failed, total)},
				},
			})
		}
	}

	stuck, err := c.bridges.ListStuck(ctx, now.Add(-c.thresholds.StuckThreshold))
	if err != nil {
		c.logger.WarnContext(ctx, "stuck count check failed", slog.String("error", err.Error()))
	} else if len(stuck) > 0 {
		// Distinct type from the failure-rate condition: the two throttle
		// independently, so one firing never silences the other.
		out = append(out, Condition{
			Type:     TypeStuckOperations,
			Severity: notify.SeverityWarning,
			Message:  fmt.Sprintf("%d bridge operation(s) stuck beyond %s", len(stuck), c.thresholds.StuckThreshold),
			Fields: []notify.Field{
				{Label: "Stuck", Value: fmt.Sprintf("%d", len(stuck))},
			},
		})
	}

	return out
}

func (c *Checker) checkRPCHealth(ctx context.Context, _ time.Time) []Condition {
	if c.prober == nil {
		return nil
	}
	latency, err := c.prober.Probe(ctx)
	if err != nil {
		return []Condition{{
			Type:     TypeRPCHealth,
			Severity: notify.SeverityCritical,
			Message:  "settlement-chain RPC unreachable",
			Fields: []notify.Field{
				{Label: "Error", Value: err.Error()},
			},
		}}
	}
	if latency > c.thresholds.RPCLatencyWarn {
		return []Condition{{
			Type:     TypeRPCHealth,
			Severity: notify.SeverityWarning,
			Message:  fmt.Sprintf("settlement-chain RPC slow: %s", latency.Round(time.Millisecond)),
			Fields: []notify.Field{
				{Label: "Latency", Value: latency.Round(time.Millisecond).String()},
			},
		}}
	}
	return nil
}

// checkComposite flags the engine as unhealthy when the RPC is down while
// open operations are waiting on it: nothing can progress until it returns.
func (c *Checker) checkComposite(ctx context.Context, _ time.Time) []Condition {
	openBridges, err := c.bridges.ListOpen(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "composite check failed", slog.String("error", err.Error()))
		return nil
	}
	openRedemptions, err := c.redemptions.ListOpen(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "composite check failed", slog.String("error", err.Error()))
		return nil
	}
	open := len(openBridges) + len(openRedemptions)
	if open == 0 || c.prober == nil {
		return nil
	}

	if _, err := c.prober.Probe(ctx); err != nil {
		return []Condition{{
			Type:     TypeComposite,
			Severity: notify.SeverityCritical,
			Message:  fmt.Sprintf("%d open operation(s) blocked: settlement-chain RPC unreachable", open),
			Fields: []notify.Field{
				{Label: "Open bridges", Value: fmt.Sprintf("%d", len(openBridges))},
				{Label: "Open redemptions", Value: fmt.Sprintf("%d", len(openRedemptions))},
			},
		}}
	}
	return nil
}
