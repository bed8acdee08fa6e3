package domain

import (
	"context"
	"time"
)

// BridgeStore persists deposit-bridge operations.
type BridgeStore interface {
	Create(ctx context.Context, op BridgeOperation) error
	Update(ctx context.Context, op BridgeOperation) error
	GetByID(ctx context.Context, id string) (BridgeOperation, error)
	GetByPaymentReference(ctx context.Context, ref string) (BridgeOperation, error)

	// ListOpen returns all operations in a non-terminal status. Used at
	// startup to rebuild the address subscription set.
	ListOpen(ctx context.Context) ([]BridgeOperation, error)

	// ListStuck returns operations in a non-terminal status created before
	// the cutoff, plus failed operations with a confirmed XRPL payment.
	// The watchdog refines this candidate set before acting.
	ListStuck(ctx context.Context, olderThan time.Time) ([]BridgeOperation, error)

	// ListResolvedBefore returns terminal operations completed before the
	// cutoff, for archival.
	ListResolvedBefore(ctx context.Context, before time.Time) ([]BridgeOperation, error)

	// FailureStats returns the failed and total operation counts since the
	// given time, for the alerting subsystem.
	FailureStats(ctx context.Context, since time.Time) (failed, total int64, err error)
}

// RedemptionStore persists redemption operations.
type RedemptionStore interface {
	Create(ctx context.Context, op RedemptionOperation) error
	Update(ctx context.Context, op RedemptionOperation) error
	GetByID(ctx context.Context, id string) (RedemptionOperation, error)

	// ListMatchable returns awaiting-proof redemptions for the given payee
	// wallet requested at or after since, ordered most recent first. Source
	// and amount filtering is performed by the matcher, not the store.
	ListMatchable(ctx context.Context, wallet string, since time.Time) ([]RedemptionOperation, error)

	// ListOpen returns all redemptions in a non-terminal status. Used at
	// startup to rebuild the address subscription set.
	ListOpen(ctx context.Context) ([]RedemptionOperation, error)

	// ListAwaitingOlderThan returns awaiting-proof redemptions requested
	// before the cutoff, for the delay alert check.
	ListAwaitingOlderThan(ctx context.Context, cutoff time.Time) ([]RedemptionOperation, error)

	// ListResolvedBefore returns terminal redemptions completed before the
	// cutoff, for archival.
	ListResolvedBefore(ctx context.Context, before time.Time) ([]RedemptionOperation, error)
}

// LockManager serializes chain-mutating submissions per operation.
type LockManager interface {
	// Acquire obtains the lock for key with the given TTL and returns an
	// unlock function. Returns ErrLockHeld when another holder owns it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// SeenTxCache deduplicates ledger events across the live feed and
// historical backfill overlap.
type SeenTxCache interface {
	// MarkSeen records the transaction hash and reports whether it had
	// already been recorded within the dedup window.
	MarkSeen(ctx context.Context, txHash string) (alreadySeen bool, err error)

	// Forget removes the mark so a redelivered or replayed event is
	// processed again. Used when handling failed after the mark was taken.
	Forget(ctx context.Context, txHash string) error
}

// BlobWriter writes archive objects to blob storage.
type BlobWriter interface {
	Write(ctx context.Context, key string, data []byte, contentType string) error
}
