package postgres

import (
	"context"
	"fmt"
	"time"

	"crypto-payment-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const chainTxColumns = `id, payment_order_id, tx_hash, log_index, from_address, to_address,
	amount, token_address, block_number, confirmations, status, detected_at, confirmed_at`

// ChainTransactionRepo implements ports.ChainTransactionRepository.
type ChainTransactionRepo struct {
	pool Pool
}

// NewChainTransactionRepo creates a new ChainTransactionRepo.
func NewChainTransactionRepo(pool Pool) *ChainTransactionRepo {
	return &ChainTransactionRepo{pool: pool}
}

// Create inserts a newly observed transfer.
func (r *ChainTransactionRepo) Create(ctx context.Context, t *domain.ChainTransaction) error {
	query := `INSERT INTO chain_transactions (` + chainTxColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.pool.Exec(ctx, query,
		t.ID, t.PaymentOrderID, t.TxHash, int64(t.LogIndex), t.FromAddress, t.ToAddress,
		t.Amount, t.TokenAddress, t.BlockNumber, t.Confirmations, t.Status, t.DetectedAt, t.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("insert chain transaction: %w", err)
	}
	return nil
}

// Exists reports whether a transfer with this hash and log index was already
// recorded. The (tx_hash, log_index) pair is the dedup key across rescans.
func (r *ChainTransactionRepo) Exists(ctx context.Context, txHash string, logIndex uint32) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM chain_transactions WHERE tx_hash = $1 AND log_index = $2)`

	var exists bool
	err := r.pool.QueryRow(ctx, query, txHash, int64(logIndex)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check chain transaction exists: %w", err)
	}
	return exists, nil
}

// ListByOrder fetches all transfers recorded against an order.
func (r *ChainTransactionRepo) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.ChainTransaction, error) {
	query := `SELECT ` + chainTxColumns + ` FROM chain_transactions
		WHERE payment_order_id = $1 ORDER BY detected_at ASC`

	rows, err := r.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("list chain transactions by order: %w", err)
	}
	return r.collect(rows)
}

// ListUnfinalized fetches transfers still subject to confirmation counting
// and reorg checks.
func (r *ChainTransactionRepo) ListUnfinalized(ctx context.Context) ([]domain.ChainTransaction, error) {
	query := `SELECT ` + chainTxColumns + ` FROM chain_transactions
		WHERE status IN ('PENDING', 'CONFIRMED') ORDER BY block_number ASC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list unfinalized chain transactions: %w", err)
	}
	return r.collect(rows)
}

// UpdateConfirmation records the current confirmation depth and status.
func (r *ChainTransactionRepo) UpdateConfirmation(ctx context.Context, id uuid.UUID, confirmations uint64, status domain.TxStatus, confirmedAt *time.Time) error {
	query := `UPDATE chain_transactions SET confirmations = $1, status = $2, confirmed_at = $3 WHERE id = $4`

	tag, err := r.pool.Exec(ctx, query, confirmations, status, confirmedAt, id)
	if err != nil {
		return fmt.Errorf("update chain transaction confirmation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chain transaction not found: %s", id)
	}
	return nil
}

// UpdateBlockNumber repoints a transfer after a reorg moved it to a new block.
func (r *ChainTransactionRepo) UpdateBlockNumber(ctx context.Context, id uuid.UUID, blockNumber uint64) error {
	query := `UPDATE chain_transactions SET block_number = $1 WHERE id = $2`

	tag, err := r.pool.Exec(ctx, query, blockNumber, id)
	if err != nil {
		return fmt.Errorf("update chain transaction block number: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chain transaction not found: %s", id)
	}
	return nil
}

func (r *ChainTransactionRepo) collect(rows pgx.Rows) ([]domain.ChainTransaction, error) {
	defer rows.Close()

	var txns []domain.ChainTransaction
	for rows.Next() {
		var t domain.ChainTransaction
		var logIndex int64
		err := rows.Scan(
			&t.ID, &t.PaymentOrderID, &t.TxHash, &logIndex, &t.FromAddress, &t.ToAddress,
			&t.Amount, &t.TokenAddress, &t.BlockNumber, &t.Confirmations, &t.Status, &t.DetectedAt, &t.ConfirmedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan chain transaction row: %w", err)
		}
		t.LogIndex = uint32(logIndex)
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chain transaction rows: %w", err)
	}
	return txns, nil
}
