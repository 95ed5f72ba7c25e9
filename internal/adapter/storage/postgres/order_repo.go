package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crypto-payment-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const orderColumns = `id, merchant_id, order_id, amount, received_amount, fee_amount, net_amount,
	currency, token_address, payment_address, derivation_index, status,
	gas_tx_hash, sweep_tx_hash, fee_tx_hash, settle_attempts, expires_at, metadata, created_at, updated_at`

// PaymentOrderRepo implements ports.PaymentOrderRepository.
type PaymentOrderRepo struct {
	pool Pool
}

// NewPaymentOrderRepo creates a new PaymentOrderRepo.
func NewPaymentOrderRepo(pool Pool) *PaymentOrderRepo {
	return &PaymentOrderRepo{pool: pool}
}

// Create inserts a new payment order within a database transaction. Sharing
// the tx with the derivation-counter update keeps address assignment atomic.
func (r *PaymentOrderRepo) Create(ctx context.Context, tx pgx.Tx, o *domain.PaymentOrder) error {
	meta, err := json.Marshal(o.Metadata)
	if err != nil {
		return fmt.Errorf("marshal order metadata: %w", err)
	}

	query := `INSERT INTO payment_orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	_, err = tx.Exec(ctx, query,
		o.ID, o.MerchantID, o.OrderID, o.Amount, o.ReceivedAmount, o.FeeAmount, o.NetAmount,
		o.Currency, o.TokenAddress, o.PaymentAddress, int64(o.DerivationIndex), o.Status,
		o.GasTxHash, o.SweepTxHash, o.FeeTxHash, o.SettleAttempts, o.ExpiresAt, meta,
		o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment order: %w", err)
	}
	return nil
}

// GetByID fetches a payment order by UUID.
func (r *PaymentOrderRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM payment_orders WHERE id = $1`
	return r.scanOrder(r.pool.QueryRow(ctx, query, id))
}

// GetByMerchantOrder fetches an order by merchant ID and merchant-supplied
// order reference. Backs create idempotency.
func (r *PaymentOrderRepo) GetByMerchantOrder(ctx context.Context, merchantID uuid.UUID, orderID string) (*domain.PaymentOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM payment_orders WHERE merchant_id = $1 AND order_id = $2`
	return r.scanOrder(r.pool.QueryRow(ctx, query, merchantID, orderID))
}

// GetByAddress fetches an order by its deposit address.
func (r *PaymentOrderRepo) GetByAddress(ctx context.Context, paymentAddress string) (*domain.PaymentOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM payment_orders WHERE payment_address = $1`
	return r.scanOrder(r.pool.QueryRow(ctx, query, paymentAddress))
}

// ListByStatus fetches orders in the given state, oldest first.
func (r *PaymentOrderRepo) ListByStatus(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.PaymentOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM payment_orders WHERE status = $1 ORDER BY created_at ASC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders by status: %w", err)
	}
	return r.collectOrders(rows)
}

// ListSettlingStale fetches SETTLING orders not updated since the cutoff.
// These are settlement claims abandoned by a crashed worker.
func (r *PaymentOrderRepo) ListSettlingStale(ctx context.Context, cutoff time.Time) ([]domain.PaymentOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM payment_orders
		WHERE status = 'SETTLING' AND updated_at < $1 ORDER BY updated_at ASC`

	rows, err := r.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale settling orders: %w", err)
	}
	return r.collectOrders(rows)
}

// ListExpirable fetches CREATED and PENDING orders whose expiry has passed.
// Orders with a transfer still pending or confirming on chain are excluded:
// a payment detected before the deadline must be allowed to finish counting.
func (r *PaymentOrderRepo) ListExpirable(ctx context.Context, now time.Time) ([]domain.PaymentOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM payment_orders
		WHERE status IN ('CREATED', 'PENDING') AND expires_at <= $1
		AND NOT EXISTS (
			SELECT 1 FROM chain_transactions
			WHERE chain_transactions.payment_order_id = payment_orders.id
			AND chain_transactions.status IN ('PENDING', 'CONFIRMED')
		)
		ORDER BY expires_at ASC`

	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("list expirable orders: %w", err)
	}
	return r.collectOrders(rows)
}

// ActiveAddresses returns the deposit addresses the watcher must observe.
// EXPIRED orders stay in the set so a transfer that lands after the deadline
// is still seen and recorded as orphaned; only SETTLED and FAILED drop out.
// Used to seed the watcher's address filter after a restart.
func (r *PaymentOrderRepo) ActiveAddresses(ctx context.Context) ([]string, error) {
	query := `SELECT payment_address FROM payment_orders
		WHERE status IN ('CREATED', 'PENDING', 'CONFIRMED', 'SETTLING', 'EXPIRED')`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active addresses: %w", err)
	}
	defer rows.Close()

	var addrs []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scan address row: %w", err)
		}
		addrs = append(addrs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate address rows: %w", err)
	}
	return addrs, nil
}

// UpdateStatusCAS moves the order from one state to another atomically. The
// WHERE clause on the current status makes concurrent workers race safely:
// exactly one caller observes rows affected = 1.
func (r *PaymentOrderRepo) UpdateStatusCAS(ctx context.Context, id uuid.UUID, from, to domain.OrderStatus) (bool, error) {
	query := `UPDATE payment_orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`

	tag, err := r.pool.Exec(ctx, query, to, id, from)
	if err != nil {
		return false, fmt.Errorf("cas order status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimStaleSettling re-claims an abandoned SETTLING order. The WHERE clause
// on the observed updated_at makes it a compare-and-swap: only one worker can
// bump the timestamp and resume the settlement.
func (r *PaymentOrderRepo) ClaimStaleSettling(ctx context.Context, id uuid.UUID, seen time.Time) (bool, error) {
	query := `UPDATE payment_orders SET updated_at = NOW()
		WHERE id = $1 AND status = 'SETTLING' AND updated_at = $2`

	tag, err := r.pool.Exec(ctx, query, id, seen)
	if err != nil {
		return false, fmt.Errorf("claim stale settling order: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateReceivedAmount replaces the cumulative received amount.
func (r *PaymentOrderRepo) UpdateReceivedAmount(ctx context.Context, id uuid.UUID, received decimal.Decimal) error {
	query := `UPDATE payment_orders SET received_amount = $1, updated_at = NOW() WHERE id = $2`

	tag, err := r.pool.Exec(ctx, query, received, id)
	if err != nil {
		return fmt.Errorf("update received amount: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payment order not found: %s", id)
	}
	return nil
}

// UpdateSettlement persists the fee split, broadcast hashes and attempt
// count. Hashes are recorded before each step completes so a crashed worker
// can resume without re-broadcasting.
func (r *PaymentOrderRepo) UpdateSettlement(ctx context.Context, o *domain.PaymentOrder) error {
	query := `UPDATE payment_orders
		SET received_amount=$1, fee_amount=$2, net_amount=$3,
			gas_tx_hash=$4, sweep_tx_hash=$5, fee_tx_hash=$6,
			settle_attempts=$7, updated_at=NOW()
		WHERE id=$8`

	tag, err := r.pool.Exec(ctx, query,
		o.ReceivedAmount, o.FeeAmount, o.NetAmount,
		o.GasTxHash, o.SweepTxHash, o.FeeTxHash,
		o.SettleAttempts, o.ID,
	)
	if err != nil {
		return fmt.Errorf("update settlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payment order not found: %s", o.ID)
	}
	return nil
}

func (r *PaymentOrderRepo) collectOrders(rows pgx.Rows) ([]domain.PaymentOrder, error) {
	defer rows.Close()

	var orders []domain.PaymentOrder
	for rows.Next() {
		o, err := scanOrderFields(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	return orders, nil
}

func (r *PaymentOrderRepo) scanOrder(row pgx.Row) (*domain.PaymentOrder, error) {
	o, err := scanOrderFields(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment order: %w", err)
	}
	return o, nil
}

func scanOrderFields(row pgx.Row) (*domain.PaymentOrder, error) {
	o := &domain.PaymentOrder{}
	var derivationIndex int64
	var meta []byte
	err := row.Scan(
		&o.ID, &o.MerchantID, &o.OrderID, &o.Amount, &o.ReceivedAmount, &o.FeeAmount, &o.NetAmount,
		&o.Currency, &o.TokenAddress, &o.PaymentAddress, &derivationIndex, &o.Status,
		&o.GasTxHash, &o.SweepTxHash, &o.FeeTxHash, &o.SettleAttempts, &o.ExpiresAt, &meta,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.DerivationIndex = uint32(derivationIndex)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &o.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal order metadata: %w", err)
		}
	}
	return o, nil
}
