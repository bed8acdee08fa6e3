package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fxrplabs/bridgebot/internal/domain"
)

// BridgeStore implements domain.BridgeStore using PostgreSQL.
type BridgeStore struct {
	pool *pgxpool.Pool
}

// NewBridgeStore creates a new BridgeStore backed by the given connection pool.
func NewBridgeStore(pool *pgxpool.Pool) *BridgeStore {
	return &BridgeStore{pool: pool}
}

var _ domain.BridgeStore = (*BridgeStore)(nil)

// Create inserts a new bridge operation.
func (s *BridgeStore) Create(ctx context.Context, op domain.BridgeOperation) error {
	const query = `
		INSERT INTO bridge_operations (
			id, wallet_address, xrp_drops, fxrp_expected, fxrp_received,
			status, payment_reference, collateral_reservation_id,
			agent_vault_address, agent_underlying_address, minting_fee_bips,
			xrpl_tx_hash, fdc_proof_data, flare_tx_hash, vault_mint_tx_hash,
			error_message, retry_count,
			created_at, xrpl_confirmed_at, completed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11,
			$12, $13, $14, $15,
			$16, $17,
			$18, $19, $20, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		op.ID, op.WalletAddress, op.XRPDrops, op.FXRPExpected, op.FXRPReceived,
		string(op.Status), op.PaymentReference, op.CollateralReservationID,
		op.AgentVaultAddress, op.AgentUnderlyingAddress, op.MintingFeeBips,
		op.XRPLTxHash, op.FDCProofData, op.FlareTxHash, op.VaultMintTxHash,
		op.ErrorMessage, op.RetryCount,
		op.CreatedAt, op.XRPLConfirmedAt, op.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create bridge op %s: %w", op.ID, err)
	}
	return nil
}

// Update persists every mutable field of an existing operation.
func (s *BridgeStore) Update(ctx context.Context, op domain.BridgeOperation) error {
	const query = `
		UPDATE bridge_operations SET
			xrp_drops = $2, fxrp_expected = $3, fxrp_received = $4,
			status = $5, payment_reference = $6, collateral_reservation_id = $7,
			agent_vault_address = $8, agent_underlying_address = $9,
			minting_fee_bips = $10,
			xrpl_tx_hash = $11, fdc_proof_data = $12, flare_tx_hash = $13,
			vault_mint_tx_hash = $14,
			error_message = $15, retry_count = $16,
			xrpl_confirmed_at = $17, completed_at = $18, updated_at = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		op.ID,
		op.XRPDrops, op.FXRPExpected, op.FXRPReceived,
		string(op.Status), op.PaymentReference, op.CollateralReservationID,
		op.AgentVaultAddress, op.AgentUnderlyingAddress,
		op.MintingFeeBips,
		op.XRPLTxHash, op.FDCProofData, op.FlareTxHash,
		op.VaultMintTxHash,
		op.ErrorMessage, op.RetryCount,
		op.XRPLConfirmedAt, op.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update bridge op %s: %w", op.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const bridgeSelectCols = `id, wallet_address, xrp_drops, fxrp_expected, fxrp_received,
	status, payment_reference, collateral_reservation_id,
	agent_vault_address, agent_underlying_address, minting_fee_bips,
	xrpl_tx_hash, fdc_proof_data, flare_tx_hash, vault_mint_tx_hash,
	error_message, retry_count,
	created_at, xrpl_confirmed_at, completed_at`

// bridgeTerminalStatuses mirrors domain.BridgeStatus.Terminal for SQL filters.
const bridgeTerminalStatuses = `'vault_minted', 'completed', 'failed', 'cancelled'`

func scanBridgeFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.BridgeOperation, error) {
	var op domain.BridgeOperation
	var status string

	err := scanner.Scan(
		&op.ID, &op.WalletAddress, &op.XRPDrops, &op.FXRPExpected, &op.FXRPReceived,
		&status, &op.PaymentReference, &op.CollateralReservationID,
		&op.AgentVaultAddress, &op.AgentUnderlyingAddress, &op.MintingFeeBips,
		&op.XRPLTxHash, &op.FDCProofData, &op.FlareTxHash, &op.VaultMintTxHash,
		&op.ErrorMessage, &op.RetryCount,
		&op.CreatedAt, &op.XRPLConfirmedAt, &op.CompletedAt,
	)
	if err != nil {
		return domain.BridgeOperation{}, err
	}

	op.Status = domain.BridgeStatus(status)
	return op, nil
}

func scanBridgeRows(rows pgx.Rows) ([]domain.BridgeOperation, error) {
	var ops []domain.BridgeOperation
	for rows.Next() {
		op, err := scanBridgeFromRow(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// GetByID retrieves a single bridge operation by ID.
func (s *BridgeStore) GetByID(ctx context.Context, id string) (domain.BridgeOperation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+bridgeSelectCols+` FROM bridge_operations WHERE id = $1`, id)

	op, err := scanBridgeFromRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.BridgeOperation{}, domain.ErrNotFound
		}
		return domain.BridgeOperation{}, fmt.Errorf("postgres: get bridge op %s: %w", id, err)
	}
	return op, nil
}

// GetByPaymentReference retrieves the awaiting-payment operation carrying
// the given payment reference.
func (s *BridgeStore) GetByPaymentReference(ctx context.Context, ref string) (domain.BridgeOperation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+bridgeSelectCols+` FROM bridge_operations
		 WHERE payment_reference = $1 AND payment_reference <> ''
		 ORDER BY created_at DESC
		 LIMIT 1`, ref)

	op, err := scanBridgeFromRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.BridgeOperation{}, domain.ErrNotFound
		}
		return domain.BridgeOperation{}, fmt.Errorf("postgres: get bridge op by ref: %w", err)
	}
	return op, nil
}

// ListOpen returns all operations in a non-terminal status.
func (s *BridgeStore) ListOpen(ctx context.Context) ([]domain.BridgeOperation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+bridgeSelectCols+` FROM bridge_operations
		 WHERE status NOT IN (`+bridgeTerminalStatuses+`)
		 ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open bridge ops: %w", err)
	}
	defer rows.Close()

	ops, err := scanBridgeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open bridge ops: %w", err)
	}
	return ops, nil
}

// ListStuck returns watchdog candidates: non-terminal operations created
// before the cutoff, plus failed operations whose XRPL payment was already
// confirmed.
func (s *BridgeStore) ListStuck(ctx context.Context, olderThan time.Time) ([]domain.BridgeOperation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+bridgeSelectCols+` FROM bridge_operations
		 WHERE (status NOT IN (`+bridgeTerminalStatuses+`) AND created_at < $1)
		    OR (status = 'failed' AND xrpl_tx_hash <> '')
		 ORDER BY created_at ASC`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stuck bridge ops: %w", err)
	}
	defer rows.Close()

	ops, err := scanBridgeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan stuck bridge ops: %w", err)
	}
	return ops, nil
}

// ListResolvedBefore returns terminal operations completed before the cutoff.
func (s *BridgeStore) ListResolvedBefore(ctx context.Context, before time.Time) ([]domain.BridgeOperation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+bridgeSelectCols+` FROM bridge_operations
		 WHERE status IN (`+bridgeTerminalStatuses+`)
		   AND completed_at IS NOT NULL AND completed_at < $1
		 ORDER BY completed_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resolved bridge ops: %w", err)
	}
	defer rows.Close()

	ops, err := scanBridgeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan resolved bridge ops: %w", err)
	}
	return ops, nil
}

// FailureStats returns the failed and total operation counts since the
// given time.
func (s *BridgeStore) FailureStats(ctx context.Context, since time.Time) (failed, total int64, err error) {
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE status = 'failed'), COUNT(*)
		 FROM bridge_operations
		 WHERE created_at >= $1`, since,
	).Scan(&failed, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("postgres: bridge failure stats: %w", err)
	}
	return failed, total, nil
}
