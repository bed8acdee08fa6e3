package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fxrplabs/bridgebot/internal/domain"
)

// RedemptionStore implements domain.RedemptionStore using PostgreSQL.
type RedemptionStore struct {
	pool *pgxpool.Pool
}

// NewRedemptionStore creates a new RedemptionStore backed by the given pool.
func NewRedemptionStore(pool *pgxpool.Pool) *RedemptionStore {
	return &RedemptionStore{pool: pool}
}

var _ domain.RedemptionStore = (*RedemptionStore)(nil)

// Create inserts a new redemption operation.
func (s *RedemptionStore) Create(ctx context.Context, op domain.RedemptionOperation) error {
	const query = `
		INSERT INTO redemption_operations (
			id, wallet_address, agent_underlying_address,
			share_amount, fxrp_redeemed, expected_xrp_drops, xrp_sent,
			status, user_status, backend_status,
			xrpl_payout_tx_hash, error_message,
			requested_at, completed_at, updated_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7,
			$8, $9, $10,
			$11, $12,
			$13, $14, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		op.ID, op.WalletAddress, op.AgentUnderlyingAddress,
		op.ShareAmount, op.FXRPRedeemed, op.ExpectedXRPDrops, op.XRPSent,
		string(op.Status), string(op.UserStatus), string(op.BackendStatus),
		op.XRPLPayoutTxHash, op.ErrorMessage,
		op.RequestedAt, op.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create redemption %s: %w", op.ID, err)
	}
	return nil
}

// Update persists every mutable field of an existing redemption.
func (s *RedemptionStore) Update(ctx context.Context, op domain.RedemptionOperation) error {
	const query = `
		UPDATE redemption_operations SET
			agent_underlying_address = $2,
			share_amount = $3, fxrp_redeemed = $4,
			expected_xrp_drops = $5, xrp_sent = $6,
			status = $7, user_status = $8, backend_status = $9,
			xrpl_payout_tx_hash = $10, error_message = $11,
			completed_at = $12, updated_at = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		op.ID,
		op.AgentUnderlyingAddress,
		op.ShareAmount, op.FXRPRedeemed,
		op.ExpectedXRPDrops, op.XRPSent,
		string(op.Status), string(op.UserStatus), string(op.BackendStatus),
		op.XRPLPayoutTxHash, op.ErrorMessage,
		op.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update redemption %s: %w", op.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const redemptionSelectCols = `id, wallet_address, agent_underlying_address,
	share_amount, fxrp_redeemed, expected_xrp_drops, xrp_sent,
	status, user_status, backend_status,
	xrpl_payout_tx_hash, error_message,
	requested_at, completed_at`

// redemptionTerminalStatuses mirrors domain.RedemptionStatus.Terminal.
const redemptionTerminalStatuses = `'completed', 'failed'`

func scanRedemptionFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.RedemptionOperation, error) {
	var op domain.RedemptionOperation
	var status, userStatus, backendStatus string

	err := scanner.Scan(
		&op.ID, &op.WalletAddress, &op.AgentUnderlyingAddress,
		&op.ShareAmount, &op.FXRPRedeemed, &op.ExpectedXRPDrops, &op.XRPSent,
		&status, &userStatus, &backendStatus,
		&op.XRPLPayoutTxHash, &op.ErrorMessage,
		&op.RequestedAt, &op.CompletedAt,
	)
	if err != nil {
		return domain.RedemptionOperation{}, err
	}

	op.Status = domain.RedemptionStatus(status)
	op.UserStatus = domain.RedemptionUserStatus(userStatus)
	op.BackendStatus = domain.RedemptionBackendStatus(backendStatus)
	return op, nil
}

func scanRedemptionRows(rows pgx.Rows) ([]domain.RedemptionOperation, error) {
	var ops []domain.RedemptionOperation
	for rows.Next() {
		op, err := scanRedemptionFromRow(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// GetByID retrieves a single redemption by ID.
func (s *RedemptionStore) GetByID(ctx context.Context, id string) (domain.RedemptionOperation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+redemptionSelectCols+` FROM redemption_operations WHERE id = $1`, id)

	op, err := scanRedemptionFromRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.RedemptionOperation{}, domain.ErrNotFound
		}
		return domain.RedemptionOperation{}, fmt.Errorf("postgres: get redemption %s: %w", id, err)
	}
	return op, nil
}

// ListMatchable returns awaiting-proof redemptions for the given payee
// wallet requested at or after since, most recent first. The matcher applies
// source and amount filters on top.
func (s *RedemptionStore) ListMatchable(ctx context.Context, wallet string, since time.Time) ([]domain.RedemptionOperation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+redemptionSelectCols+` FROM redemption_operations
		 WHERE status = 'awaiting_proof'
		   AND wallet_address = $1
		   AND requested_at >= $2
		 ORDER BY requested_at DESC`, wallet, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: list matchable redemptions: %w", err)
	}
	defer rows.Close()

	ops, err := scanRedemptionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan matchable redemptions: %w", err)
	}
	return ops, nil
}

// ListOpen returns all redemptions in a non-terminal status.
func (s *RedemptionStore) ListOpen(ctx context.Context) ([]domain.RedemptionOperation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+redemptionSelectCols+` FROM redemption_operations
		 WHERE status NOT IN (`+redemptionTerminalStatuses+`)
		 ORDER BY requested_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open redemptions: %w", err)
	}
	defer rows.Close()

	ops, err := scanRedemptionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open redemptions: %w", err)
	}
	return ops, nil
}

// ListAwaitingOlderThan returns awaiting-proof redemptions requested before
// the cutoff, for the delay alert check.
func (s *RedemptionStore) ListAwaitingOlderThan(ctx context.Context, cutoff time.Time) ([]domain.RedemptionOperation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+redemptionSelectCols+` FROM redemption_operations
		 WHERE status = 'awaiting_proof' AND requested_at < $1
		 ORDER BY requested_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("postgres: list delayed redemptions: %w", err)
	}
	defer rows.Close()

	ops, err := scanRedemptionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan delayed redemptions: %w", err)
	}
	return ops, nil
}

// ListResolvedBefore returns terminal redemptions completed before the cutoff.
func (s *RedemptionStore) ListResolvedBefore(ctx context.Context, before time.Time) ([]domain.RedemptionOperation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+redemptionSelectCols+` FROM redemption_operations
		 WHERE status IN (`+redemptionTerminalStatuses+`)
		   AND completed_at IS NOT NULL AND completed_at < $1
		 ORDER BY completed_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resolved redemptions: %w", err)
	}
	defer rows.Close()

	ops, err := scanRedemptionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan resolved redemptions: %w", err)
	}
	return ops, nil
}
