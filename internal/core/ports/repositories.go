package ports

import (
	"context"
	"time"

	"crypto-payment-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// PaymentOrderRepository defines persistence operations for payment orders.
// Status changes go through compare-and-swap updates so concurrent workers
// cannot double-apply a transition.
type PaymentOrderRepository interface {
	Create(ctx context.Context, tx pgx.Tx, order *domain.PaymentOrder) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentOrder, error)
	GetByMerchantOrder(ctx context.Context, merchantID uuid.UUID, orderID string) (*domain.PaymentOrder, error)
	GetByAddress(ctx context.Context, paymentAddress string) (*domain.PaymentOrder, error)
	ListByStatus(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.PaymentOrder, error)
	// ListSettlingStale returns SETTLING orders untouched since the cutoff,
	// i.e. claims abandoned by a crashed worker.
	ListSettlingStale(ctx context.Context, cutoff time.Time) ([]domain.PaymentOrder, error)
	// ListExpirable returns expirable orders whose deadline has passed and
	// that have no live transfer still pending or confirming on chain.
	ListExpirable(ctx context.Context, now time.Time) ([]domain.PaymentOrder, error)
	// ActiveAddresses returns deposit addresses the watcher must observe:
	// non-terminal orders plus EXPIRED ones, so late transfers to an expired
	// address are still recorded as orphaned.
	ActiveAddresses(ctx context.Context) ([]string, error)
	// UpdateStatusCAS moves the order from -> to atomically. Returns false if
	// the order was not in the expected state.
	UpdateStatusCAS(ctx context.Context, id uuid.UUID, from, to domain.OrderStatus) (bool, error)
	UpdateReceivedAmount(ctx context.Context, id uuid.UUID, received decimal.Decimal) error
	// ClaimStaleSettling re-claims an abandoned SETTLING order by bumping its
	// updated_at, keyed on the timestamp the caller observed. Returns false if
	// another worker claimed it first.
	ClaimStaleSettling(ctx context.Context, id uuid.UUID, seen time.Time) (bool, error)
	// UpdateSettlement persists the fee split, recorded broadcast hashes and
	// attempt count. Called before each settlement step is considered done.
	UpdateSettlement(ctx context.Context, order *domain.PaymentOrder) error
}

// ChainTransactionRepository defines persistence for observed transfers.
type ChainTransactionRepository interface {
	Create(ctx context.Context, t *domain.ChainTransaction) error
	Exists(ctx context.Context, txHash string, logIndex uint32) (bool, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.ChainTransaction, error)
	// ListUnfinalized returns PENDING and CONFIRMED transactions still subject
	// to confirmation counting and reorg checks.
	ListUnfinalized(ctx context.Context) ([]domain.ChainTransaction, error)
	UpdateConfirmation(ctx context.Context, id uuid.UUID, confirmations uint64, status domain.TxStatus, confirmedAt *time.Time) error
	// UpdateBlockNumber repoints a transaction after a reorg moved it.
	UpdateBlockNumber(ctx context.Context, id uuid.UUID, blockNumber uint64) error
}

// MerchantRepository reads merchant records. The engine never mutates them.
type MerchantRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Merchant, error)
}

// DerivationCounterRepository manages the single derivation-index record.
type DerivationCounterRepository interface {
	Current(ctx context.Context) (uint32, error)
	// IncrementCAS advances last_index from seen to seen+1. Returns false if
	// another caller won the race; the caller re-reads and retries.
	IncrementCAS(ctx context.Context, seen uint32) (bool, error)
}

// ChainCheckpointRepository manages per-network block checkpoints.
type ChainCheckpointRepository interface {
	Get(ctx context.Context, network string) (uint64, error)
	// Advance moves the checkpoint from -> to. Monotonic: returns false when
	// the stored value no longer matches from.
	Advance(ctx context.Context, network string, from, to uint64) (bool, error)
}

// WebhookDeliveryRepository persists webhook delivery attempts.
type WebhookDeliveryRepository interface {
	Create(ctx context.Context, d *domain.WebhookDelivery) error
	Update(ctx context.Context, d *domain.WebhookDelivery) error
}

// DBTransactor provides database transaction management.
type DBTransactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
