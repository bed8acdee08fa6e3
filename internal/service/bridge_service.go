// Package service implements the reconciliation engine: the bridge and
// redemption state machines, the recovery watchdog, and the operation
// archiver.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fxrplabs/bridgebot/internal/domain"
	"github.com/fxrplabs/bridgebot/internal/notify"
	"github.com/fxrplabs/bridgebot/internal/platform/flare"
)

// AddressWatcher is the listener surface the services drive: effectful
// subscribe/unsubscribe with no-op semantics on repeated calls.
type AddressWatcher interface {
	WatchAgent(ctx context.Context, addr string) error
	UnwatchAgent(ctx context.Context, addr string) error
	WatchUser(ctx context.Context, addr string) error
	UnwatchUser(ctx context.Context, addr string) error
}

// MintingService reserves agent collateral and prepares settlement-chain
// calldata. *flare.MintingClient implements it.
type MintingService interface {
	ReserveCollateral(ctx context.Context, wallet string, lots int64) (flare.Reservation, error)
	PrepareMinting(ctx context.Context, reservationID, proofData string) (flare.PreparedTx, error)
	PrepareVaultDeposit(ctx context.Context, wallet string, fxrpAmount float64) (flare.PreparedTx, error)
}

// ChainSubmitter submits signed transactions and waits for their receipts.
// *flare.Client implements it.
type ChainSubmitter interface {
	SubmitTx(ctx context.Context, to common.Address, data []byte, value *big.Int) (string, error)
	WaitReceipt(ctx context.Context, txHash string) error
}

// ProofClient obtains payment attestation proofs. *fdc.Client implements it.
type ProofClient interface {
	ProvePayment(ctx context.Context, xrplTxHash string) (string, error)
}

// BridgeService owns the XRP -> FXRP deposit state machine.
type BridgeService struct {
	bridges  domain.BridgeStore
	minting  MintingService
	chain    ChainSubmitter
	proofs   ProofClient
	locks    domain.LockManager
	watcher  AddressWatcher
	notifier *notify.Notifier

	lotSizeXRP float64
	lockTTL    time.Duration

	logger *slog.Logger
}

// NewBridgeService creates a BridgeService.
func NewBridgeService(
	bridges domain.BridgeStore,
	minting MintingService,
	chain ChainSubmitter,
	proofs ProofClient,
	locks domain.LockManager,
	watcher AddressWatcher,
	notifier *notify.Notifier,
	lotSizeXRP float64,
	lockTTL time.Duration,
	logger *slog.Logger,
) *BridgeService {
	if lotSizeXRP <= 0 {
		lotSizeXRP = 20
	}
	if lockTTL <= 0 {
		lockTTL = 90 * time.Second
	}
	return &BridgeService{
		bridges:    bridges,
		minting:    minting,
		chain:      chain,
		proofs:     proofs,
		locks:      locks,
		watcher:    watcher,
		notifier:   notifier,
		lotSizeXRP: lotSizeXRP,
		lockTTL:    lockTTL,
		logger:     logger.With(slog.String("component", "bridge")),
	}
}

// InitiateBridge reserves agent collateral for a created operation and moves
// it to awaiting_payment. The depositor then pays the agent's XRPL address
// carrying the returned payment reference as a memo.
func (s *BridgeService) InitiateBridge(ctx context.Context, id string) error {
	op, err := s.bridges.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("bridge: initiate %s: %w", id, err)
	}
	if op.Status != domain.BridgeStatusCreated {
		return fmt.Errorf("bridge: initiate %s: status is %s, want created", id, op.Status)
	}

	lots := int64(math.Ceil(op.XRPAmount() / s.lotSizeXRP))
	if lots < 1 {
		lots = 1
	}

	res, err := s.minting.ReserveCollateral(ctx, op.WalletAddress, lots)
	if err != nil {
		if errors.Is(err, domain.ErrNoAgentCapacity) {
			op.Status = domain.BridgeStatusFailed
			op.ErrorMessage = "no agent with free collateral capacity"
			if uerr := s.bridges.Update(ctx, op); uerr != nil {
				return fmt.Errorf("bridge: initiate %s: %w", id, uerr)
			}
			return fmt.Errorf("bridge: initiate %s: %w", id, err)
		}
		return fmt.Errorf("bridge: initiate %s: reserve collateral: %w", id, err)
	}

	op.Status = domain.BridgeStatusAwaitingPayment
	op.PaymentReference = res.PaymentReference
	op.CollateralReservationID = res.ReservationID
	op.AgentVaultAddress = res.AgentVault
	op.AgentUnderlyingAddress = res.AgentUnderlying
	op.MintingFeeBips = int(res.MintingFeeBips)

	if err := s.bridges.Update(ctx, op); err != nil {
		return fmt.Errorf("bridge: initiate %s: %w", id, err)
	}

	s.logger.InfoContext(ctx, "collateral reserved",
		slog.String("id", id),
		slog.String("reservation_id", res.ReservationID),
		slog.String("agent_underlying", res.AgentUnderlying),
		slog.Int64("lots", lots),
	)

	if err := s.watcher.WatchAgent(ctx, res.AgentUnderlying); err != nil {
		// Subscription failure is recoverable: the backfill on reconnect and
		// the watchdog both cover a missed payment.
		s.logger.WarnContext(ctx, "agent subscription failed",
			slog.String("address", res.AgentUnderlying),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// HandlePayment matches an observed XRPL payment against awaiting-payment
// operations and, on a match, drives the operation through proof generation
// and minting. Payments to the deposit vault and to agent addresses travel
// the same path: the memo payment reference is the primary correlator, with
// a (wallet, exact drops) fallback for memo-less payments.
func (s *BridgeService) HandlePayment(ctx context.Context, evt domain.PaymentEvent) error {
	op, ok, err := s.matchPayment(ctx, evt)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.DebugContext(ctx, "payment matches no bridge operation",
			slog.String("tx_hash", evt.TxHash),
			slog.String("source", evt.Source),
			slog.Int64("drops", evt.Drops),
		)
		return nil
	}

	// Replay of an already-recorded payment: nothing new to do unless the
	// operation still needs driving, which the resume path below handles.
	if op.XRPLTxHash == "" {
		now := time.Now().UTC()
		op.XRPLTxHash = evt.TxHash
		op.XRPLConfirmedAt = &now
		op.Status = domain.BridgeStatusXRPLConfirmed
		if err := s.bridges.Update(ctx, op); err != nil {
			return fmt.Errorf("bridge: confirm payment for %s: %w", op.ID, err)
		}
		s.logger.InfoContext(ctx, "deposit payment confirmed",
			slog.String("id", op.ID),
			slog.String("tx_hash", evt.TxHash),
			slog.Int64("drops", evt.Drops),
		)
	} else if op.XRPLTxHash != evt.TxHash {
		s.logger.WarnContext(ctx, "operation already confirmed with different tx",
			slog.String("id", op.ID),
			slog.String("recorded", op.XRPLTxHash),
			slog.String("observed", evt.TxHash),
		)
		return nil
	}

	return s.ExecuteMintingWithProof(ctx, op.ID, op.XRPLTxHash)
}

// matchPayment finds the awaiting-payment operation for an observed payment.
func (s *BridgeService) matchPayment(ctx context.Context, evt domain.PaymentEvent) (domain.BridgeOperation, bool, error) {
	// Primary key: the memo payment reference.
	if evt.Memo != "" {
		op, err := s.bridges.GetByPaymentReference(ctx, evt.Memo)
		if err == nil {
			return op, true, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.BridgeOperation{}, false, fmt.Errorf("bridge: match by reference: %w", err)
		}
	}

	// Fallback: exact (wallet, drops) against open operations, for wallets
	// that forgot the memo.
	open, err := s.bridges.ListOpen(ctx)
	if err != nil {
		return domain.BridgeOperation{}, false, fmt.Errorf("bridge: match fallback: %w", err)
	}
	for _, op := range open {
		if op.Status != domain.BridgeStatusAwaitingPayment {
			continue
		}
		if op.WalletAddress == evt.Source && op.XRPDrops == evt.Drops {
			return op, true, nil
		}
	}

	return domain.BridgeOperation{}, false, nil
}

// ExecuteMintingWithProof drives a confirmed operation to completion:
// obtain the payment proof if missing, execute minting on the settlement
// chain, deposit the minted FXRP into the vault. It is the shared resume
// path for the live handler, the watchdog, and external callers, and is
// idempotent: a mint that already completed is a no-op.
func (s *BridgeService) ExecuteMintingWithProof(ctx context.Context, id, xrplTxHash string) error {
	op, err := s.bridges.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("bridge: execute minting %s: %w", id, err)
	}
	if op.MintCompleted() {
		return nil
	}
	if xrplTxHash == "" {
		xrplTxHash = op.XRPLTxHash
	}
	if xrplTxHash == "" {
		return fmt.Errorf("bridge: execute minting %s: no confirmed XRPL payment", id)
	}

	if op.FDCProofData == "" {
		proof, err := s.proofs.ProvePayment(ctx, xrplTxHash)
		if err != nil {
			if errors.Is(err, domain.ErrProofUnavailable) {
				op.Status = domain.BridgeStatusProofTimeout
				op.ErrorMessage = "payment proof not available before deadline"
				if uerr := s.bridges.Update(ctx, op); uerr != nil {
					return fmt.Errorf("bridge: record proof timeout %s: %w", id, uerr)
				}
				s.logger.WarnContext(ctx, "proof generation timed out",
					slog.String("id", id),
					slog.String("xrpl_tx", xrplTxHash),
				)
				return nil
			}
			return fmt.Errorf("bridge: prove payment %s: %w", id, err)
		}

		op.FDCProofData = proof
		op.Status = domain.BridgeStatusProofGenerated
		op.ErrorMessage = ""
		if err := s.bridges.Update(ctx, op); err != nil {
			return fmt.Errorf("bridge: record proof %s: %w", id, err)
		}
		s.logger.InfoContext(ctx, "payment proof obtained", slog.String("id", id))
	}

	return s.completeMint(ctx, id)
}

// completeMint submits the minting and vault-deposit transactions. The
// per-operation lock serializes it against the watchdog; the re-read after
// acquiring the lock catches a mint that completed in the meantime.
func (s *BridgeService) completeMint(ctx context.Context, id string) error {
	unlock, err := s.locks.Acquire(ctx, "bridge:"+id, s.lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			s.logger.InfoContext(ctx, "mint already in progress", slog.String("id", id))
			return nil
		}
		return fmt.Errorf("bridge: lock %s: %w", id, err)
	}
	defer unlock()

	op, err := s.bridges.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("bridge: complete mint %s: %w", id, err)
	}
	if op.MintCompleted() {
		return nil
	}
	if op.CollateralReservationID == "" {
		return fmt.Errorf("bridge: complete mint %s: missing reservation id", id)
	}
	if op.FDCProofData == "" {
		return fmt.Errorf("bridge: complete mint %s: missing proof data", id)
	}

	prevStatus := op.Status

	// Execute minting on the asset manager.
	if op.FlareTxHash == "" {
		prepared, err := s.minting.PrepareMinting(ctx, op.CollateralReservationID, op.FDCProofData)
		if err != nil {
			if errors.Is(err, domain.ErrReservationGone) {
				op.Status = domain.BridgeStatusFailed
				op.ErrorMessage = "collateral reservation expired"
				if uerr := s.bridges.Update(ctx, op); uerr != nil {
					return fmt.Errorf("bridge: record reservation expiry %s: %w", id, uerr)
				}
				return fmt.Errorf("bridge: complete mint %s: %w", id, err)
			}
			return s.failMint(ctx, op, domain.BridgeStatusFailed, err)
		}

		data, err := prepared.DataBytes()
		if err != nil {
			return s.failMint(ctx, op, domain.BridgeStatusFailed, err)
		}

		txHash, err := s.chain.SubmitTx(ctx, common.HexToAddress(prepared.To), data, nil)
		if err != nil {
			return s.failMint(ctx, op, domain.BridgeStatusFailed, err)
		}

		op.FlareTxHash = txHash
		op.Status = domain.BridgeStatusMinting
		op.ErrorMessage = ""
		if err := s.bridges.Update(ctx, op); err != nil {
			return fmt.Errorf("bridge: record mint tx %s: %w", id, err)
		}

		if err := s.chain.WaitReceipt(ctx, txHash); err != nil {
			return s.failMint(ctx, op, domain.BridgeStatusFailed, err)
		}

		s.logger.InfoContext(ctx, "minting confirmed",
			slog.String("id", id),
			slog.String("flare_tx", txHash),
		)
	}

	// Deposit the minted FXRP into the yield vault.
	prepared, err := s.minting.PrepareVaultDeposit(ctx, op.WalletAddress, op.FXRPExpected)
	if err != nil {
		return s.failMint(ctx, op, domain.BridgeStatusVaultMintFailed, err)
	}
	data, err := prepared.DataBytes()
	if err != nil {
		return s.failMint(ctx, op, domain.BridgeStatusVaultMintFailed, err)
	}
	vaultTx, err := s.chain.SubmitTx(ctx, common.HexToAddress(prepared.To), data, nil)
	if err != nil {
		return s.failMint(ctx, op, domain.BridgeStatusVaultMintFailed, err)
	}
	if err := s.chain.WaitReceipt(ctx, vaultTx); err != nil {
		return s.failMint(ctx, op, domain.BridgeStatusVaultMintFailed, err)
	}

	now := time.Now().UTC()
	op.VaultMintTxHash = vaultTx
	op.FXRPReceived = op.FXRPExpected
	op.Status = domain.BridgeStatusCompleted
	op.CompletedAt = &now
	op.ErrorMessage = ""
	if err := s.bridges.Update(ctx, op); err != nil {
		return fmt.Errorf("bridge: record completion %s: %w", id, err)
	}

	s.logger.InfoContext(ctx, "deposit bridged",
		slog.String("id", id),
		slog.String("vault_mint_tx", vaultTx),
		slog.Float64("fxrp", op.FXRPReceived),
	)

	// Notify exactly once: only the transition INTO a minted status fires,
	// never a repeated write of the same terminal status.
	if prevStatus != domain.BridgeStatusVaultMinted && prevStatus != domain.BridgeStatusCompleted {
		s.notifyDepositComplete(ctx, op)
	}

	if op.AgentUnderlyingAddress != "" {
		if err := s.watcher.UnwatchAgent(ctx, op.AgentUnderlyingAddress); err != nil {
			s.logger.WarnContext(ctx, "agent unsubscribe failed",
				slog.String("address", op.AgentUnderlyingAddress),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// failMint records a mint failure and bumps the retry counter. The watchdog
// picks recoverable failures back up.
func (s *BridgeService) failMint(ctx context.Context, op domain.BridgeOperation, status domain.BridgeStatus, cause error) error {
	op.Status = status
	op.ErrorMessage = cause.Error()
	op.RetryCount++
	if uerr := s.bridges.Update(ctx, op); uerr != nil {
		return fmt.Errorf("bridge: record failure %s: %w (cause: %v)", op.ID, uerr, cause)
	}
	s.logger.ErrorContext(ctx, "mint step failed",
		slog.String("id", op.ID),
		slog.String("status", string(status)),
		slog.Int("retry_count", op.RetryCount),
		slog.String("error", cause.Error()),
	)
	return fmt.Errorf("bridge: %s: %w", op.ID, cause)
}

func (s *BridgeService) notifyDepositComplete(ctx context.Context, op domain.BridgeOperation) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Notify(ctx, "deposit_complete", notify.Message{
		Title:    "Deposit Complete",
		Severity: notify.SeverityInfo,
		Body:     fmt.Sprintf("%.6f XRP bridged to %.6f FXRP", op.XRPAmount(), op.FXRPReceived),
		Fields: []notify.Field{
			{Label: "Operation", Value: op.ID},
			{Label: "Wallet", Value: op.WalletAddress},
			{Label: "Vault mint tx", Value: op.VaultMintTxHash},
		},
	})
	if err != nil {
		s.logger.WarnContext(ctx, "deposit notification failed",
			slog.String("id", op.ID),
			slog.String("error", err.Error()),
		)
	}
}
