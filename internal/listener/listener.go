package listener

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxrplabs/bridgebot/internal/domain"
)

// eventBuffer sizes the channel between the feed reader and the handler
// goroutine. Payments to a handful of accounts are low-rate; the buffer only
// absorbs backfill bursts.
const eventBuffer = 256

// Feed is the subset of the XRPL WebSocket client the listener uses.
type Feed interface {
	OnPayment(handler func(domain.PaymentEvent))
	SubscribeAccounts(ctx context.Context, accounts ...string) error
	UnsubscribeAccounts(ctx context.Context, accounts ...string) error
	AccountTx(ctx context.Context, account string, limit int) ([]domain.PaymentEvent, error)
}

// Sink receives classified payments. The bridge engine implements it.
type Sink interface {
	// HandleDeposit is called for payments to the deposit vault.
	HandleDeposit(ctx context.Context, evt domain.PaymentEvent) error
	// HandleAgentPayment is called for payments to a monitored agent address.
	HandleAgentPayment(ctx context.Context, evt domain.PaymentEvent) error
	// HandleUserPayment is called for payments to a monitored user wallet.
	HandleUserPayment(ctx context.Context, evt domain.PaymentEvent) error
}

// Listener owns the monitored-address lifecycle and the single handler
// goroutine that consumes payment events. Live stream events and backfill
// replays travel the same path; the seen-tx cache deduplicates the overlap.
type Listener struct {
	feed     Feed
	registry *Registry
	seen     domain.SeenTxCache

	sinkMu sync.RWMutex
	sink   Sink

	backfillCount  int
	backfillWindow time.Duration

	events chan domain.PaymentEvent
	logger *slog.Logger
}

// New creates a Listener. backfillCount is how many recent account_tx
// entries to inspect on each new subscription; backfillWindow is the recency
// cutoff for replaying them. The sink is attached afterwards with SetSink,
// since the services it lives in are constructed after the listener.
func New(
	feed Feed,
	registry *Registry,
	seen domain.SeenTxCache,
	backfillCount int,
	backfillWindow time.Duration,
	logger *slog.Logger,
) *Listener {
	if backfillCount <= 0 {
		backfillCount = 10
	}
	if backfillWindow <= 0 {
		backfillWindow = 15 * time.Minute
	}
	l := &Listener{
		feed:           feed,
		registry:       registry,
		seen:           seen,
		backfillCount:  backfillCount,
		backfillWindow: backfillWindow,
		events:         make(chan domain.PaymentEvent, eventBuffer),
		logger:         logger.With(slog.String("component", "listener")),
	}

	feed.OnPayment(l.enqueue)

	return l
}

// SetSink attaches the payment sink. It must be called exactly once, before
// Start; a second call panics.
func (l *Listener) SetSink(sink Sink) {
	l.sinkMu.Lock()
	defer l.sinkMu.Unlock()
	if l.sink != nil {
		panic("listener: sink already set")
	}
	l.sink = sink
}

// Start subscribes the deposit vault and any addresses already in the
// registry. Call after the feed is connected and before Run.
func (l *Listener) Start(ctx context.Context) error {
	addrs := l.registry.Addresses()
	if err := l.feed.SubscribeAccounts(ctx, addrs...); err != nil {
		return fmt.Errorf("listener: subscribe initial set: %w", err)
	}

	l.logger.InfoContext(ctx, "monitoring started",
		slog.String("vault", l.registry.Vault()),
		slog.Int("addresses", len(addrs)),
	)

	for _, addr := range addrs {
		l.backfill(ctx, addr)
	}

	return nil
}

// Run consumes payment events until the context is cancelled. All payment
// handling happens on this one goroutine.
func (l *Listener) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-l.events:
			l.handle(ctx, evt)
		}
	}
}

// WatchAgent starts monitoring an agent underlying address. Adding an
// address that is already monitored is a no-op; on the transition to
// monitored it subscribes the feed and replays recent history.
func (l *Listener) WatchAgent(ctx context.Context, addr string) error {
	if !l.registry.AddAgent(addr) {
		return nil
	}
	return l.watch(ctx, addr, KindAgent)
}

// UnwatchAgent stops monitoring an agent address.
func (l *Listener) UnwatchAgent(ctx context.Context, addr string) error {
	if !l.registry.RemoveAgent(addr) {
		return nil
	}
	return l.unwatch(ctx, addr, KindAgent)
}

// WatchUser starts monitoring a user wallet for a redemption payout.
func (l *Listener) WatchUser(ctx context.Context, addr string) error {
	if !l.registry.AddUser(addr) {
		return nil
	}
	return l.watch(ctx, addr, KindUser)
}

// UnwatchUser stops monitoring a user wallet.
func (l *Listener) UnwatchUser(ctx context.Context, addr string) error {
	if !l.registry.RemoveUser(addr) {
		return nil
	}
	return l.unwatch(ctx, addr, KindUser)
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// enqueue hands a live feed event to the handler goroutine. It runs on the
// feed's read loop, so it never blocks; a full buffer drops the event and
// relies on the watchdog to recover the operation.
func (l *Listener) enqueue(evt domain.PaymentEvent) {
	select {
	case l.events <- evt:
	default:
		l.logger.Warn("event buffer full, dropping payment",
			slog.String("tx_hash", evt.TxHash),
			slog.String("destination", evt.Destination),
		)
	}
}

func (l *Listener) watch(ctx context.Context, addr string, kind AddressKind) error {
	if err := l.feed.SubscribeAccounts(ctx, addr); err != nil {
		return fmt.Errorf("listener: subscribe %s: %w", addr, err)
	}

	l.logger.InfoContext(ctx, "address subscribed",
		slog.String("address", addr),
		slog.String("kind", string(kind)),
	)

	// A payment can land between operation creation and this subscription.
	// Replaying recent history through the same handler path closes the gap.
	l.backfill(ctx, addr)

	return nil
}

func (l *Listener) unwatch(ctx context.Context, addr string, kind AddressKind) error {
	// Keep the feed subscription while another set still wants the address.
	if l.registry.Watched(addr) {
		return nil
	}

	if err := l.feed.UnsubscribeAccounts(ctx, addr); err != nil {
		return fmt.Errorf("listener: unsubscribe %s: %w", addr, err)
	}

	l.logger.InfoContext(ctx, "address unsubscribed",
		slog.String("address", addr),
		slog.String("kind", string(kind)),
	)

	return nil
}

// backfill replays recent payments to addr through the handler path.
// Failures are logged, not returned: the live subscription is already in
// place and the watchdog covers anything history would have caught.
func (l *Listener) backfill(ctx context.Context, addr string) {
	history, err := l.feed.AccountTx(ctx, addr, l.backfillCount)
	if err != nil {
		l.logger.WarnContext(ctx, "backfill query failed",
			slog.String("address", addr),
			slog.String("error", err.Error()),
		)
		return
	}

	cutoff := time.Now().Add(-l.backfillWindow)
	replayed := 0

	for _, evt := range history {
		// Only payments TO the subscribed address count; account_tx also
		// returns the address's outbound transactions.
		if evt.Destination != addr {
			continue
		}
		if !evt.ClosedAt.IsZero() && evt.ClosedAt.Before(cutoff) {
			continue
		}

		select {
		case l.events <- evt:
			replayed++
		case <-ctx.Done():
			return
		}
	}

	if replayed > 0 {
		l.logger.InfoContext(ctx, "backfill replayed payments",
			slog.String("address", addr),
			slog.Int("count", replayed),
			slog.Int("inspected", len(history)),
		)
	}
}

// handle deduplicates, classifies, and dispatches one payment event.
func (l *Listener) handle(ctx context.Context, evt domain.PaymentEvent) {
	if evt.TxHash != "" {
		alreadySeen, err := l.seen.MarkSeen(ctx, evt.TxHash)
		if err != nil {
			// Dedup is an optimization; the handlers are idempotent, so on
			// cache failure we process anyway.
			l.logger.WarnContext(ctx, "seen-tx cache unavailable",
				slog.String("tx_hash", evt.TxHash),
				slog.String("error", err.Error()),
			)
		} else if alreadySeen {
			l.logger.DebugContext(ctx, "duplicate payment skipped",
				slog.String("tx_hash", evt.TxHash),
			)
			return
		}
	}

	kind := l.registry.Classify(evt.Destination)

	l.sinkMu.RLock()
	sink := l.sink
	l.sinkMu.RUnlock()
	if sink == nil {
		l.logger.WarnContext(ctx, "payment dropped, no sink attached",
			slog.String("tx_hash", evt.TxHash),
		)
		return
	}

	var err error
	switch kind {
	case KindDeposit:
		err = sink.HandleDeposit(ctx, evt)
	case KindAgent:
		err = sink.HandleAgentPayment(ctx, evt)
	case KindUser:
		err = sink.HandleUserPayment(ctx, evt)
	default:
		l.logger.DebugContext(ctx, "payment to unmonitored address ignored",
			slog.String("destination", evt.Destination),
			slog.String("tx_hash", evt.TxHash),
		)
		return
	}

	if err != nil {
		l.logger.ErrorContext(ctx, "payment handling failed",
			slog.String("kind", string(kind)),
			slog.String("tx_hash", evt.TxHash),
			slog.String("destination", evt.Destination),
			slog.Int64("drops", evt.Drops),
			slog.String("error", err.Error()),
		)
		// The event was marked seen before handling; unmark it so a
		// redelivery or backfill replay gets another attempt. A failed
		// payout has no recovery sweep of its own.
		if evt.TxHash != "" {
			if ferr := l.seen.Forget(ctx, evt.TxHash); ferr != nil {
				l.logger.WarnContext(ctx, "seen-tx unmark failed",
					slog.String("tx_hash", evt.TxHash),
					slog.String("error", ferr.Error()),
				)
			}
		}
	}
}
