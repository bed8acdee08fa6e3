package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxrplabs/bridgebot/internal/domain"
	"github.com/fxrplabs/bridgebot/internal/notify"
)

// AgentDirectory answers whether an XRPL address belongs to a known agent.
// *listener.Registry implements it.
type AgentDirectory interface {
	IsAgent(addr string) bool
}

// RedemptionService owns the FXRP -> XRP redemption state machine and the
// payout matching algorithm.
type RedemptionService struct {
	redemptions domain.RedemptionStore
	agents      AgentDirectory
	watcher     AddressWatcher
	notifier    *notify.Notifier

	logger *slog.Logger
}

// NewRedemptionService creates a RedemptionService.
func NewRedemptionService(
	redemptions domain.RedemptionStore,
	agents AgentDirectory,
	watcher AddressWatcher,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *RedemptionService {
	return &RedemptionService{
		redemptions: redemptions,
		agents:      agents,
		watcher:     watcher,
		notifier:    notifier,
		logger:      logger.With(slog.String("component", "redemption")),
	}
}

// Register records a new redemption, moves it to awaiting_proof, and
// subscribes the payee wallet (and the paying agent, when already known)
// for payout detection.
func (s *RedemptionService) Register(ctx context.Context, op domain.RedemptionOperation) error {
	op.Status = domain.RedemptionStatusAwaitingProof
	op.UserStatus = domain.RedemptionUserPending
	if op.BackendStatus == "" {
		op.BackendStatus = domain.RedemptionBackendNormal
	}
	if op.RequestedAt.IsZero() {
		op.RequestedAt = time.Now().UTC()
	}

	if err := s.redemptions.Create(ctx, op); err != nil {
		return fmt.Errorf("redemption: register %s: %w", op.ID, err)
	}

	s.logger.InfoContext(ctx, "redemption registered",
		slog.String("id", op.ID),
		slog.String("wallet", op.WalletAddress),
		slog.Int64("expected_drops", op.ExpectedXRPDrops),
	)

	if err := s.watcher.WatchUser(ctx, op.WalletAddress); err != nil {
		s.logger.WarnContext(ctx, "user subscription failed",
			slog.String("address", op.WalletAddress),
			slog.String("error", err.Error()),
		)
	}
	if op.AgentUnderlyingAddress != "" {
		if err := s.watcher.WatchAgent(ctx, op.AgentUnderlyingAddress); err != nil {
			s.logger.WarnContext(ctx, "agent subscription failed",
				slog.String("address", op.AgentUnderlyingAddress),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// HandlePayout matches an observed payment to a user wallet against open
// redemptions and completes the match. A payment that matches nothing is
// logged with diagnostics but is not an error; it may simply not belong to
// any tracked redemption.
func (s *RedemptionService) HandlePayout(ctx context.Context, evt domain.PaymentEvent) error {
	now := time.Now().UTC()

	op, ok, err := s.match(ctx, evt, now)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	// Replay guard: the payout was already recorded for this redemption.
	if op.XRPLPayoutTxHash != "" {
		return nil
	}

	// User-facing completion flips immediately; bookkeeping closes below.
	op.Status = domain.RedemptionStatusXRPLReceived
	op.UserStatus = domain.RedemptionUserCompleted
	op.XRPLPayoutTxHash = evt.TxHash
	if op.AgentUnderlyingAddress == "" && s.agents.IsAgent(evt.Source) {
		op.AgentUnderlyingAddress = evt.Source
	}
	if err := s.redemptions.Update(ctx, op); err != nil {
		return fmt.Errorf("redemption: record payout %s: %w", op.ID, err)
	}

	s.logger.InfoContext(ctx, "redemption payout received",
		slog.String("id", op.ID),
		slog.String("tx_hash", evt.TxHash),
		slog.Int64("drops", evt.Drops),
	)

	op.Status = domain.RedemptionStatusCompleted
	op.CompletedAt = &now
	if err := s.redemptions.Update(ctx, op); err != nil {
		return fmt.Errorf("redemption: complete %s: %w", op.ID, err)
	}

	s.notifyWithdrawalComplete(ctx, op)

	// Unsubscribe the wallet only when no other open redemption needs it.
	remaining, err := s.redemptions.ListMatchable(ctx, op.WalletAddress, now.Add(-domain.RedemptionMatchTTL))
	if err != nil {
		s.logger.WarnContext(ctx, "open redemption lookup failed",
			slog.String("wallet", op.WalletAddress),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if len(remaining) == 0 {
		if err := s.watcher.UnwatchUser(ctx, op.WalletAddress); err != nil {
			s.logger.WarnContext(ctx, "user unsubscribe failed",
				slog.String("address", op.WalletAddress),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// match runs the payout matching algorithm: awaiting-proof candidates for
// the destination wallet within the 24h window, newest first; the source
// filter applies only when the observed source is a known agent, and a
// candidate whose agent is still unknown stays eligible. The authoritative
// key is exact drops equality; the legacy decimal amount is the fallback.
func (s *RedemptionService) match(ctx context.Context, evt domain.PaymentEvent, now time.Time) (domain.RedemptionOperation, bool, error) {
	since := now.Add(-domain.RedemptionMatchTTL)

	candidates, err := s.redemptions.ListMatchable(ctx, evt.Destination, since)
	if err != nil {
		return domain.RedemptionOperation{}, false, fmt.Errorf("redemption: list candidates: %w", err)
	}

	sourceIsAgent := s.agents.IsAgent(evt.Source)

	for _, cand := range candidates {
		if !cand.MatchableAt(now) {
			continue
		}
		if sourceIsAgent && cand.AgentUnderlyingAddress != "" && cand.AgentUnderlyingAddress != evt.Source {
			continue
		}

		if cand.ExpectedXRPDrops != 0 {
			if cand.ExpectedXRPDrops == evt.Drops {
				return cand, true, nil
			}
			continue
		}

		// Legacy records predate the fee-aware drops field; compare the
		// decimal amount exactly.
		if cand.XRPSent != 0 && cand.XRPSent == evt.XRPAmount() {
			return cand, true, nil
		}
	}

	attrs := []any{
		slog.String("destination", evt.Destination),
		slog.String("source", evt.Source),
		slog.Int64("drops", evt.Drops),
		slog.Int("candidates", len(candidates)),
	}
	for _, cand := range candidates {
		attrs = append(attrs, slog.Group("candidate",
			slog.String("id", cand.ID),
			slog.Int64("expected_drops", cand.ExpectedXRPDrops),
			slog.Float64("xrp_sent", cand.XRPSent),
			slog.String("agent", cand.AgentUnderlyingAddress),
		))
	}
	s.logger.InfoContext(ctx, "payout matches no redemption", attrs...)

	return domain.RedemptionOperation{}, false, nil
}

func (s *RedemptionService) notifyWithdrawalComplete(ctx context.Context, op domain.RedemptionOperation) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Notify(ctx, "withdrawal_complete", notify.Message{
		Title:    "Withdrawal Complete",
		Severity: notify.SeverityInfo,
		Body:     fmt.Sprintf("%.6f XRP paid out for %.6f FXRP redeemed", float64(op.ExpectedXRPDrops)/1e6, op.FXRPRedeemed),
		Fields: []notify.Field{
			{Label: "Operation", Value: op.ID},
			{Label: "Wallet", Value: op.WalletAddress},
			{Label: "Payout tx", Value: op.XRPLPayoutTxHash},
		},
	})
	if err != nil {
		s.logger.WarnContext(ctx, "withdrawal notification failed",
			slog.String("id", op.ID),
			slog.String("error", err.Error()),
		)
	}
}
