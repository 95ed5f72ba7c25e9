package integration

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"crypto-payment-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// --- In-Memory Merchant Repo ---

type inMemoryMerchantRepo struct {
	mu        sync.RWMutex
	merchants map[uuid.UUID]*domain.Merchant
}

func newInMemoryMerchantRepo() *inMemoryMerchantRepo {
	return &inMemoryMerchantRepo{merchants: make(map[uuid.UUID]*domain.Merchant)}
}

func (r *inMemoryMerchantRepo) add(m *domain.Merchant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merchants[m.ID] = m
}

func (r *inMemoryMerchantRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Merchant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.merchants[id]
	if !ok {
		return nil, nil
	}
	copied := *m
	return &copied, nil
}

// --- In-Memory Payment Order Repo ---

type inMemoryOrderRepo struct {
	mu     sync.RWMutex
	orders map[uuid.UUID]*domain.PaymentOrder
	txs    *inMemoryChainTxRepo
}

func newInMemoryOrderRepo(txs *inMemoryChainTxRepo) *inMemoryOrderRepo {
	return &inMemoryOrderRepo{
		orders: make(map[uuid.UUID]*domain.PaymentOrder),
		txs:    txs,
	}
}

func (r *inMemoryOrderRepo) Create(ctx context.Context, tx pgx.Tx, order *domain.PaymentOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.MerchantID == order.MerchantID && o.OrderID == order.OrderID {
			return fmt.Errorf("duplicate order reference")
		}
	}
	copied := *order
	r.orders[order.ID] = &copied
	return nil
}

func (r *inMemoryOrderRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentOrder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, nil
	}
	copied := *o
	return &copied, nil
}

func (r *inMemoryOrderRepo) GetByMerchantOrder(ctx context.Context, merchantID uuid.UUID, orderID string) (*domain.PaymentOrder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.orders {
		if o.MerchantID == merchantID && o.OrderID == orderID {
			copied := *o
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *inMemoryOrderRepo) GetByAddress(ctx context.Context, paymentAddress string) (*domain.PaymentOrder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.orders {
		if strings.EqualFold(o.PaymentAddress, paymentAddress) {
			copied := *o
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *inMemoryOrderRepo) ListByStatus(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.PaymentOrder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []domain.PaymentOrder
	for _, o := range r.orders {
		if o.Status == status {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *inMemoryOrderRepo) ListSettlingStale(ctx context.Context, cutoff time.Time) ([]domain.PaymentOrder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []domain.PaymentOrder
	for _, o := range r.orders {
		if o.Status == domain.OrderStatusSettling && o.UpdatedAt.Before(cutoff) {
			result = append(result, *o)
		}
	}
	return result, nil
}

func (r *inMemoryOrderRepo) ListExpirable(ctx context.Context, now time.Time) ([]domain.PaymentOrder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []domain.PaymentOrder
	for _, o := range r.orders {
		if (o.Status == domain.OrderStatusCreated || o.Status == domain.OrderStatusPending) && !o.ExpiresAt.After(now) && !r.hasLiveTransfer(o.ID) {
			result = append(result, *o)
		}
	}
	return result, nil
}

// hasLiveTransfer reports whether a transfer for the order is still pending
// or confirming on chain. Mirrors the NOT EXISTS guard of the SQL repo.
func (r *inMemoryOrderRepo) hasLiveTransfer(orderID uuid.UUID) bool {
	txs, _ := r.txs.ListByOrder(context.Background(), orderID)
	for i := range txs {
		if txs[i].Status == domain.TxStatusPending || txs[i].Status == domain.TxStatusConfirmed {
			return true
		}
	}
	return false
}

func (r *inMemoryOrderRepo) ActiveAddresses(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []string
	for _, o := range r.orders {
		if o.Status != domain.OrderStatusSettled && o.Status != domain.OrderStatusFailed {
			result = append(result, o.PaymentAddress)
		}
	}
	return result, nil
}

func (r *inMemoryOrderRepo) UpdateStatusCAS(ctx context.Context, id uuid.UUID, from, to domain.OrderStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *inMemoryOrderRepo) ClaimStaleSettling(ctx context.Context, id uuid.UUID, seen time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok || o.Status != domain.OrderStatusSettling || !o.UpdatedAt.Equal(seen) {
		return false, nil
	}
	o.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *inMemoryOrderRepo) UpdateReceivedAmount(ctx context.Context, id uuid.UUID, received decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return fmt.Errorf("order not found")
	}
	o.ReceivedAmount = received
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *inMemoryOrderRepo) UpdateSettlement(ctx context.Context, order *domain.PaymentOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[order.ID]
	if !ok {
		return fmt.Errorf("order not found")
	}
	o.ReceivedAmount = order.ReceivedAmount
	o.FeeAmount = order.FeeAmount
	o.NetAmount = order.NetAmount
	o.GasTxHash = order.GasTxHash
	o.SweepTxHash = order.SweepTxHash
	o.FeeTxHash = order.FeeTxHash
	o.SettleAttempts = order.SettleAttempts
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// --- In-Memory Chain Transaction Repo ---

type txKey struct {
	hash     string
	logIndex uint32
}

type inMemoryChainTxRepo struct {
	mu   sync.RWMutex
	txs  map[uuid.UUID]*domain.ChainTransaction
	keys map[txKey]bool
}

func newInMemoryChainTxRepo() *inMemoryChainTxRepo {
	return &inMemoryChainTxRepo{
		txs:  make(map[uuid.UUID]*domain.ChainTransaction),
		keys: make(map[txKey]bool),
	}
}

func (r *inMemoryChainTxRepo) Create(ctx context.Context, t *domain.ChainTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := txKey{t.TxHash, t.LogIndex}
	if r.keys[key] {
		return fmt.Errorf("duplicate transaction")
	}
	copied := *t
	r.txs[t.ID] = &copied
	r.keys[key] = true
	return nil
}

func (r *inMemoryChainTxRepo) Exists(ctx context.Context, txHash string, logIndex uint32) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keys[txKey{txHash, logIndex}], nil
}

func (r *inMemoryChainTxRepo) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.ChainTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []domain.ChainTransaction
	for _, t := range r.txs {
		if t.PaymentOrderID == orderID {
			result = append(result, *t)
		}
	}
	return result, nil
}

func (r *inMemoryChainTxRepo) ListUnfinalized(ctx context.Context) ([]domain.ChainTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []domain.ChainTransaction
	for _, t := range r.txs {
		if t.Status == domain.TxStatusPending || t.Status == domain.TxStatusConfirmed {
			result = append(result, *t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].BlockNumber < result[j].BlockNumber })
	return result, nil
}

func (r *inMemoryChainTxRepo) UpdateConfirmation(ctx context.Context, id uuid.UUID, confirmations uint64, status domain.TxStatus, confirmedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.txs[id]
	if !ok {
		return fmt.Errorf("transaction not found")
	}
	t.Confirmations = confirmations
	t.Status = status
	t.ConfirmedAt = confirmedAt
	return nil
}

func (r *inMemoryChainTxRepo) UpdateBlockNumber(ctx context.Context, id uuid.UUID, blockNumber uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.txs[id]
	if !ok {
		return fmt.Errorf("transaction not found")
	}
	t.BlockNumber = blockNumber
	return nil
}

// --- In-Memory Derivation Counter Repo ---

type inMemoryCounterRepo struct {
	mu   sync.Mutex
	last uint32
}

func newInMemoryCounterRepo() *inMemoryCounterRepo {
	return &inMemoryCounterRepo{}
}

func (r *inMemoryCounterRepo) Current(ctx context.Context) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, nil
}

func (r *inMemoryCounterRepo) IncrementCAS(ctx context.Context, seen uint32) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last != seen {
		return false, nil
	}
	r.last = seen + 1
	return true, nil
}

// --- In-Memory Chain Checkpoint Repo ---

type inMemoryCheckpointRepo struct {
	mu          sync.Mutex
	checkpoints map[string]uint64
}

func newInMemoryCheckpointRepo() *inMemoryCheckpointRepo {
	return &inMemoryCheckpointRepo{checkpoints: make(map[string]uint64)}
}

func (r *inMemoryCheckpointRepo) Get(ctx context.Context, network string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkpoints[network], nil
}

func (r *inMemoryCheckpointRepo) Advance(ctx context.Context, network string, from, to uint64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.checkpoints[network] != from {
		return false, nil
	}
	r.checkpoints[network] = to
	return true, nil
}

// --- In-Memory Webhook Delivery Repo ---

type inMemoryWebhookRepo struct {
	mu         sync.RWMutex
	deliveries map[uuid.UUID]*domain.WebhookDelivery
}

func newInMemoryWebhookRepo() *inMemoryWebhookRepo {
	return &inMemoryWebhookRepo{deliveries: make(map[uuid.UUID]*domain.WebhookDelivery)}
}

func (r *inMemoryWebhookRepo) Create(ctx context.Context, d *domain.WebhookDelivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *d
	r.deliveries[d.ID] = &copied
	return nil
}

func (r *inMemoryWebhookRepo) Update(ctx context.Context, d *domain.WebhookDelivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *d
	r.deliveries[d.ID] = &copied
	return nil
}

// --- In-Memory Transactor (no-op tx) ---

type inMemoryTransactor struct{}

func newInMemoryTransactor() *inMemoryTransactor {
	return &inMemoryTransactor{}
}

func (t *inMemoryTransactor) Begin(ctx context.Context) (pgx.Tx, error) {
	return &noopTx{}, nil
}

// noopTx is a no-op pgx.Tx implementation for in-memory testing.
type noopTx struct{}

func (t *noopTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *noopTx) Commit(ctx context.Context) error          { return nil }
func (t *noopTx) Rollback(ctx context.Context) error        { return nil }
func (t *noopTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *noopTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *noopTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *noopTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *noopTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *noopTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (t *noopTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}
func (t *noopTx) Conn() *pgx.Conn { return nil }
