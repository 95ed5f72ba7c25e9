package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"crypto-payment-engine/config"
	"crypto-payment-engine/internal/core/domain"
	"crypto-payment-engine/internal/core/ports"
	"crypto-payment-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const idempotencyTTL = 24 * time.Hour

// Webhook event names, keyed off the state a transition lands in.
const (
	EventPaymentDetected  = "payment.detected"
	EventPaymentConfirmed = "payment.confirmed"
	EventPaymentSettled   = "payment.settled"
	EventPaymentExpired   = "payment.expired"
	EventPaymentReorged   = "payment.reorged"
	EventSettlementFailed = "settlement.failed"
)

// PaymentServiceImpl implements ports.PaymentService.
type PaymentServiceImpl struct {
	orderRepo    ports.PaymentOrderRepository
	merchantRepo ports.MerchantRepository
	walletSvc    ports.WalletService
	webhookSvc   ports.WebhookService
	idempCache   ports.IdempotencyCache
	addrCache    ports.AddressCache
	transactor   ports.DBTransactor
	tokens       map[string]config.TokenConfig
	orderExpiry  time.Duration
	defaultFee   decimal.Decimal
	log          zerolog.Logger
}

// NewPaymentService creates a new PaymentServiceImpl.
func NewPaymentService(
	orderRepo ports.PaymentOrderRepository,
	merchantRepo ports.MerchantRepository,
	walletSvc ports.WalletService,
	webhookSvc ports.WebhookService,
	idempCache ports.IdempotencyCache,
	addrCache ports.AddressCache,
	transactor ports.DBTransactor,
	tokens map[string]config.TokenConfig,
	orderExpiry time.Duration,
	defaultFee decimal.Decimal,
	log zerolog.Logger,
) *PaymentServiceImpl {
	return &PaymentServiceImpl{
		orderRepo:    orderRepo,
		merchantRepo: merchantRepo,
		walletSvc:    walletSvc,
		webhookSvc:   webhookSvc,
		idempCache:   idempCache,
		addrCache:    addrCache,
		transactor:   transactor,
		tokens:       tokens,
		orderExpiry:  orderExpiry,
		defaultFee:   defaultFee,
		log:          log,
	}
}

// CreatePayment creates a payment order with a fresh deposit address.
// Idempotent on (merchant_id, order_id): a replay returns the existing order.
func (s *PaymentServiceImpl) CreatePayment(ctx context.Context, req ports.CreatePaymentRequest) (*domain.PaymentOrder, error) {
	if !req.Amount.IsPositive() {
		return nil, apperror.Validation("amount must be positive")
	}
	token, ok := s.tokens[req.Currency]
	if !ok {
		return nil, apperror.ErrUnsupportedCurrency(req.Currency)
	}

	idempKey := req.MerchantID.String() + ":" + req.OrderID

	// Layer 1: Redis idempotency check
	cached, err := s.idempCache.Get(ctx, idempKey)
	if err != nil {
		s.log.Warn().Err(err).Str("key", idempKey).Msg("redis idempotency check failed, falling through to DB")
	}
	if cached != nil {
		return s.unmarshalCachedOrder(cached)
	}

	merchant, err := s.merchantRepo.GetByID(ctx, req.MerchantID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("fetch merchant: %w", err))
	}
	if merchant == nil {
		return nil, apperror.ErrNotFound("merchant")
	}
	if !merchant.IsActive() {
		return nil, apperror.ErrMerchantInactive()
	}

	// Layer 2: DB idempotency check. A replay with different terms is a
	// conflict, not a replay.
	existing, err := s.orderRepo.GetByMerchantOrder(ctx, req.MerchantID, req.OrderID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("db idempotency check: %w", err))
	}
	if existing != nil {
		if !existing.Amount.Equal(req.Amount) || existing.Currency != req.Currency {
			return nil, apperror.ErrDuplicateOrder()
		}
		return existing, nil
	}

	index, err := s.walletSvc.NextIndex(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("allocate derivation index: %w", err))
	}
	address, err := s.walletSvc.DeriveAddress(index)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("derive deposit address: %w", err))
	}

	// Indicative fee split on the requested amount. Settlement recomputes the
	// split from the funds that actually confirm.
	feeAmount := req.Amount.
		Mul(merchant.EffectiveFee(s.defaultFee)).
		Div(oneHundred).
		Truncate(token.Decimals)

	now := time.Now().UTC()
	order := &domain.PaymentOrder{
		ID:              uuid.New(),
		MerchantID:      req.MerchantID,
		OrderID:         req.OrderID,
		Amount:          req.Amount,
		FeeAmount:       feeAmount,
		NetAmount:       req.Amount.Sub(feeAmount),
		Currency:        req.Currency,
		TokenAddress:    token.Address,
		PaymentAddress:  address,
		DerivationIndex: index,
		Status:          domain.OrderStatusCreated,
		ExpiresAt:       now.Add(s.orderExpiry),
		Metadata:        req.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	if err := s.orderRepo.Create(ctx, dbTx, order); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("create order: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	// Post-process: register the address with the watcher and cache the
	// response. Both best-effort; the watcher re-fills from the DB.
	if err := s.addrCache.Add(ctx, address); err != nil {
		s.log.Warn().Err(err).Str("order_id", order.ID.String()).Msg("failed to cache deposit address")
	}
	if respJSON, err := json.Marshal(order); err == nil {
		if err := s.idempCache.Set(ctx, idempKey, respJSON, idempotencyTTL); err != nil {
			s.log.Warn().Err(err).Str("key", idempKey).Msg("failed to cache idempotency in redis")
		}
	}

	s.log.Info().
		Str("payment_id", order.ID.String()).
		Str("merchant_id", req.MerchantID.String()).
		Str("currency", req.Currency).
		Str("amount", req.Amount.String()).
		Uint32("derivation_index", index).
		Msg("payment order created")

	return order, nil
}

// GetPayment fetches an order scoped to the calling merchant.
func (s *PaymentServiceImpl) GetPayment(ctx context.Context, merchantID, paymentID uuid.UUID) (*domain.PaymentOrder, error) {
	order, err := s.orderRepo.GetByID(ctx, paymentID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("fetch order: %w", err))
	}
	// Another merchant's order reads as absent, not forbidden.
	if order == nil || order.MerchantID != merchantID {
		return nil, apperror.ErrNotFound("payment")
	}
	return order, nil
}

// ListByStatus fetches orders in a given state for the admin surface.
func (s *PaymentServiceImpl) ListByStatus(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.PaymentOrder, error) {
	orders, err := s.orderRepo.ListByStatus(ctx, status, limit)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("list orders: %w", err))
	}
	return orders, nil
}

// Advance applies a guarded state transition. The compare-and-swap on the
// current status means concurrent workers cannot double-apply; the loser
// gets false and moves on. Webhooks fire only for the winner.
func (s *PaymentServiceImpl) Advance(ctx context.Context, order *domain.PaymentOrder, to domain.OrderStatus, chainTx *domain.ChainTransaction) (bool, error) {
	if !order.CanTransitionTo(to) {
		return false, apperror.ErrIllegalTransition(string(order.Status), string(to))
	}
	from := order.Status

	won, err := s.orderRepo.UpdateStatusCAS(ctx, order.ID, from, to)
	if err != nil {
		return false, apperror.InternalError(fmt.Errorf("cas %s -> %s: %w", from, to, err))
	}
	if !won {
		return false, nil
	}
	order.Status = to
	order.UpdatedAt = time.Now().UTC()

	if from == domain.OrderStatusConfirmed && to == domain.OrderStatusPending {
		s.log.Error().
			Str("payment_id", order.ID.String()).
			Msg("ALERT: confirmed payment reverted by chain reorganization")
	}

	// EXPIRED addresses stay watched: a transfer landing after the deadline
	// must still be seen and recorded as orphaned. Only SETTLED and FAILED
	// leave the watch set.
	if to == domain.OrderStatusSettled || to == domain.OrderStatusFailed {
		if err := s.addrCache.Remove(ctx, order.PaymentAddress); err != nil {
			s.log.Warn().Err(err).Str("payment_id", order.ID.String()).Msg("failed to evict deposit address")
		}
	}

	if event := eventFor(from, to); event != "" {
		if err := s.webhookSvc.Enqueue(ctx, order, event, chainTx); err != nil {
			// Notification failures never affect order state.
			s.log.Warn().Err(err).Str("payment_id", order.ID.String()).Str("event", event).Msg("webhook enqueue failed")
		}
	}

	s.log.Info().
		Str("payment_id", order.ID.String()).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("order transitioned")
	return true, nil
}

// RetrySettlement requeues a FAILED order for settlement. Operator-only; the
// engine loops never take this edge themselves.
func (s *PaymentServiceImpl) RetrySettlement(ctx context.Context, paymentID uuid.UUID) error {
	order, err := s.orderRepo.GetByID(ctx, paymentID)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("fetch order: %w", err))
	}
	if order == nil {
		return apperror.ErrNotFound("payment")
	}
	if !order.CanOperatorTransitionTo(domain.OrderStatusConfirmed) {
		return apperror.ErrIllegalTransition(string(order.Status), string(domain.OrderStatusConfirmed))
	}

	won, err := s.orderRepo.UpdateStatusCAS(ctx, order.ID, domain.OrderStatusFailed, domain.OrderStatusConfirmed)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("cas retry: %w", err))
	}
	if !won {
		return apperror.ErrIllegalTransition(string(order.Status), string(domain.OrderStatusConfirmed))
	}

	order.Status = domain.OrderStatusConfirmed
	order.SettleAttempts = 0
	if err := s.orderRepo.UpdateSettlement(ctx, order); err != nil {
		return apperror.InternalError(fmt.Errorf("reset settle attempts: %w", err))
	}

	// The address must be watched again: late transfers on a failed order
	// still matter once it is back in flight.
	if err := s.addrCache.Add(ctx, order.PaymentAddress); err != nil {
		s.log.Warn().Err(err).Str("payment_id", order.ID.String()).Msg("failed to re-cache deposit address")
	}

	s.log.Info().Str("payment_id", order.ID.String()).Msg("settlement retry requested by operator")
	return nil
}

// eventFor maps a transition to its webhook event. Internal hops (claiming
// and releasing a settlement) are silent.
func eventFor(from, to domain.OrderStatus) string {
	switch to {
	case domain.OrderStatusPending:
		if from == domain.OrderStatusConfirmed {
			return EventPaymentReorged
		}
		return EventPaymentDetected
	case domain.OrderStatusConfirmed:
		if from == domain.OrderStatusSettling {
			return ""
		}
		return EventPaymentConfirmed
	case domain.OrderStatusSettled:
		return EventPaymentSettled
	case domain.OrderStatusExpired:
		return EventPaymentExpired
	case domain.OrderStatusFailed:
		return EventSettlementFailed
	}
	return ""
}

// unmarshalCachedOrder deserializes a cached order response.
func (s *PaymentServiceImpl) unmarshalCachedOrder(data []byte) (*domain.PaymentOrder, error) {
	order := &domain.PaymentOrder{}
	if err := json.Unmarshal(data, order); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("unmarshal cached order: %w", err))
	}
	return order, nil
}
