package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fxrplabs/bridgebot/internal/domain"
)

// transientErrorPatterns are error-message fragments that mark a failure as
// retryable rather than permanent.
var transientErrorPatterns = []string{
	"timeout",
	"timed out",
	"fee too low",
	"underpriced",
	"already known",
	"duplicate",
	"proof not available",
	"proof not found",
	"rate limit",
}

// permanentErrorPatterns mark business failures that no retry can fix. They
// take precedence over the confirmed-payment rule: an expired reservation
// stays failed even though the depositor's XRPL payment landed.
var permanentErrorPatterns = []string{
	"reservation expired",
	"no agent with free collateral capacity",
	"retry limit reached",
}

// Watchdog periodically sweeps for bridge operations stuck in a non-terminal
// state and drives them forward through the same resume path the live
// handler uses.
type Watchdog struct {
	bridges domain.BridgeStore
	bridge  *BridgeService

	interval       time.Duration
	stuckThreshold time.Duration
	maxRetries     int

	// inFlight serializes sweeps: a tick that finds a sweep still running
	// logs and returns instead of queuing.
	inFlight atomic.Bool

	logger *slog.Logger
}

// NewWatchdog creates a Watchdog.
func NewWatchdog(
	bridges domain.BridgeStore,
	bridge *BridgeService,
	interval, stuckThreshold time.Duration,
	maxRetries int,
	logger *slog.Logger,
) *Watchdog {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	if stuckThreshold <= 0 {
		stuckThreshold = 10 * time.Minute
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Watchdog{
		bridges:        bridges,
		bridge:         bridge,
		interval:       interval,
		stuckThreshold: stuckThreshold,
		maxRetries:     maxRetries,
		logger:         logger.With(slog.String("component", "watchdog")),
	}
}

// Run sweeps on a fixed interval until the context is cancelled. Call in a
// goroutine.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil {
				w.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep scans for stuck operations and attempts recovery on each. Only one
// sweep runs at a time.
func (w *Watchdog) Sweep(ctx context.Context) error {
	if !w.inFlight.CompareAndSwap(false, true) {
		w.logger.InfoContext(ctx, "sweep already in progress, skipping")
		return nil
	}
	defer w.inFlight.Store(false)

	cutoff := time.Now().Add(-w.stuckThreshold)
	candidates, err := w.bridges.ListStuck(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("watchdog: list stuck: %w", err)
	}
	if len(candidates) == 0 {
		return nil
	}

	w.logger.InfoContext(ctx, "sweep started", slog.Int("candidates", len(candidates)))

	for _, cand := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Re-fetch immediately before acting; the live handler may have
		// resolved the operation since the scan.
		op, err := w.bridges.GetByID(ctx, cand.ID)
		if err != nil {
			w.logger.WarnContext(ctx, "candidate re-fetch failed",
				slog.String("id", cand.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if !Recoverable(op) {
			continue
		}

		w.recover(ctx, op)
	}

	return nil
}

// Recoverable classifies whether a stuck operation is safe to drive
// forward. Permanent failures and operations that finished are excluded.
func Recoverable(op domain.BridgeOperation) bool {
	if op.MintCompleted() {
		return false
	}

	switch op.Status {
	case domain.BridgeStatusProofTimeout, domain.BridgeStatusVaultMintFailed:
		return true
	case domain.BridgeStatusXRPLConfirmed:
		return op.FDCProofData == ""
	case domain.BridgeStatusProofGenerated:
		return op.FlareTxHash == ""
	case domain.BridgeStatusMinting:
		return op.VaultMintTxHash == ""
	case domain.BridgeStatusFailed:
		if PermanentError(op.ErrorMessage) {
			return false
		}
		// A failed operation is retryable when the source payment landed
		// but the mint never completed, or the error looks transient.
		if op.XRPLTxHash != "" {
			return true
		}
		return TransientError(op.ErrorMessage)
	default:
		return false
	}
}

// TransientError reports whether an error message matches a known-transient
// pattern.
func TransientError(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)
	for _, pat := range transientErrorPatterns {
		if strings.Contains(lower, pat) {
			return true
		}
	}
	return false
}

// PermanentError reports whether an error message marks a business failure
// that retrying cannot fix.
func PermanentError(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)
	for _, pat := range permanentErrorPatterns {
		if strings.Contains(lower, pat) {
			return true
		}
	}
	return false
}

// recover drives a single stuck operation. Missing required data is a
// data-integrity failure: record a descriptive error and skip, because
// retrying cannot supply the missing field.
func (w *Watchdog) recover(ctx context.Context, op domain.BridgeOperation) {
	if op.PaymentReference == "" || op.CollateralReservationID == "" {
		// Flag once; a record already carrying the flag stays untouched
		// until an operator clears it.
		if strings.HasPrefix(op.ErrorMessage, "manual review:") {
			return
		}
		missing := "payment reference"
		if op.PaymentReference != "" {
			missing = "collateral reservation id"
		}
		op.ErrorMessage = fmt.Sprintf("manual review: missing %s, cannot recover automatically", missing)
		if err := w.bridges.Update(ctx, op); err != nil {
			w.logger.ErrorContext(ctx, "candidate flagging failed",
				slog.String("id", op.ID),
				slog.String("error", err.Error()),
			)
		}
		w.logger.WarnContext(ctx, "candidate needs manual review",
			slog.String("id", op.ID),
			slog.String("missing", missing),
		)
		return
	}

	if op.RetryCount >= w.maxRetries {
		if op.Status != domain.BridgeStatusFailed {
			op.Status = domain.BridgeStatusFailed
			op.ErrorMessage = fmt.Sprintf("retry limit reached after %d attempts: %s", op.RetryCount, op.ErrorMessage)
			if err := w.bridges.Update(ctx, op); err != nil {
				w.logger.ErrorContext(ctx, "retry-limit update failed",
					slog.String("id", op.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		return
	}

	if op.XRPLTxHash == "" {
		// Still waiting on the depositor's payment; nothing to drive. The
		// alerting subsystem surfaces long waits to operators.
		return
	}

	w.logger.InfoContext(ctx, "recovering stuck operation",
		slog.String("id", op.ID),
		slog.String("status", string(op.Status)),
		slog.Int("retry_count", op.RetryCount),
	)

	if err := w.bridge.ExecuteMintingWithProof(ctx, op.ID, op.XRPLTxHash); err != nil {
		w.logger.WarnContext(ctx, "recovery attempt failed",
			slog.String("id", op.ID),
			slog.String("error", err.Error()),
		)
	}
}
