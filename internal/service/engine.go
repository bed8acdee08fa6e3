package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fxrplabs/bridgebot/internal/domain"
	"github.com/fxrplabs/bridgebot/internal/listener"
)

// FeedConn is the connection lifecycle of the XRPL feed.
type FeedConn interface {
	Connect(ctx context.Context) error
	Close() error
}

// Engine is the composition surface of the reconciliation loop: it routes
// classified payments into the two state machines and exposes the
// operational API (address management, bridge initiation, minting resume).
type Engine struct {
	feed       FeedConn
	listener   *listener.Listener
	registry   *listener.Registry
	bridges    domain.BridgeStore
	redemption *RedemptionService
	bridge     *BridgeService

	redemptions domain.RedemptionStore

	logger *slog.Logger
}

// NewEngine creates the Engine and attaches it to the listener as the
// payment sink.
func NewEngine(
	feed FeedConn,
	lst *listener.Listener,
	registry *listener.Registry,
	bridges domain.BridgeStore,
	redemptions domain.RedemptionStore,
	bridge *BridgeService,
	redemption *RedemptionService,
	logger *slog.Logger,
) *Engine {
	e := &Engine{
		feed:        feed,
		listener:    lst,
		registry:    registry,
		bridges:     bridges,
		redemptions: redemptions,
		bridge:      bridge,
		redemption:  redemption,
		logger:      logger.With(slog.String("component", "engine")),
	}
	lst.SetSink(e)
	return e
}

var _ listener.Sink = (*Engine)(nil)

// Start connects the feed, rebuilds the monitored-address set from open
// operations, and subscribes it. There is no persisted subscription table;
// the set is always derived from the operations that need it.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.feed.Connect(ctx); err != nil {
		return fmt.Errorf("engine: connect feed: %w", err)
	}

	if err := e.rebuildAddressSet(ctx); err != nil {
		return err
	}

	if err := e.listener.Start(ctx); err != nil {
		return fmt.Errorf("engine: start listener: %w", err)
	}

	return nil
}

// Run consumes the payment feed until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	return e.listener.Run(ctx)
}

// Stop disconnects the feed. In-flight handler calls complete; the Run
// loop exits via context cancellation.
func (e *Engine) Stop() error {
	return e.feed.Close()
}

// rebuildAddressSet derives the agent and user sets from open operations.
func (e *Engine) rebuildAddressSet(ctx context.Context) error {
	openBridges, err := e.bridges.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("engine: rebuild address set: %w", err)
	}
	agents := 0
	for _, op := range openBridges {
		if op.AgentUnderlyingAddress != "" && e.registry.AddAgent(op.AgentUnderlyingAddress) {
			agents++
		}
	}

	openRedemptions, err := e.redemptions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("engine: rebuild address set: %w", err)
	}
	users := 0
	for _, op := range openRedemptions {
		if e.registry.AddUser(op.WalletAddress) {
			users++
		}
		if op.AgentUnderlyingAddress != "" && e.registry.AddAgent(op.AgentUnderlyingAddress) {
			agents++
		}
	}

	e.logger.InfoContext(ctx, "address set rebuilt from open operations",
		slog.Int("agents", agents),
		slog.Int("users", users),
	)

	return nil
}

// --------------------------------------------------------------------------
// listener.Sink
// --------------------------------------------------------------------------

// HandleDeposit processes a payment to the deposit vault.
func (e *Engine) HandleDeposit(ctx context.Context, evt domain.PaymentEvent) error {
	return e.bridge.HandlePayment(ctx, evt)
}

// HandleAgentPayment processes a payment to a monitored agent address.
func (e *Engine) HandleAgentPayment(ctx context.Context, evt domain.PaymentEvent) error {
	return e.bridge.HandlePayment(ctx, evt)
}

// HandleUserPayment processes a payment to a monitored user wallet.
func (e *Engine) HandleUserPayment(ctx context.Context, evt domain.PaymentEvent) error {
	return e.redemption.HandlePayout(ctx, evt)
}

// --------------------------------------------------------------------------
// Operational API
// --------------------------------------------------------------------------

// AddAgentAddress starts monitoring an agent XRPL address.
func (e *Engine) AddAgentAddress(ctx context.Context, addr string) error {
	return e.listener.WatchAgent(ctx, addr)
}

// RemoveAgentAddress stops monitoring an agent XRPL address.
func (e *Engine) RemoveAgentAddress(ctx context.Context, addr string) error {
	return e.listener.UnwatchAgent(ctx, addr)
}

// SubscribeUserForRedemption starts monitoring a user wallet for payouts.
func (e *Engine) SubscribeUserForRedemption(ctx context.Context, addr string) error {
	return e.listener.WatchUser(ctx, addr)
}

// UnsubscribeUserAddress stops monitoring a user wallet.
func (e *Engine) UnsubscribeUserAddress(ctx context.Context, addr string) error {
	return e.listener.UnwatchUser(ctx, addr)
}

// InitiateBridge reserves collateral for a created deposit operation.
func (e *Engine) InitiateBridge(ctx context.Context, id string) error {
	return e.bridge.InitiateBridge(ctx, id)
}

// ExecuteMintingWithProof resumes a confirmed deposit through proof and
// minting. Safe to call repeatedly; a completed mint is a no-op.
func (e *Engine) ExecuteMintingWithProof(ctx context.Context, id, xrplTxHash string) error {
	return e.bridge.ExecuteMintingWithProof(ctx, id, xrplTxHash)
}

// RegisterRedemption records a redemption and subscribes its addresses.
func (e *Engine) RegisterRedemption(ctx context.Context, op domain.RedemptionOperation) error {
	return e.redemption.Register(ctx, op)
}
