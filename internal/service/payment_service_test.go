package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"crypto-payment-engine/config"
	"crypto-payment-engine/internal/core/domain"
	"crypto-payment-engine/internal/core/ports"
	"crypto-payment-engine/internal/core/ports/mocks"
	"crypto-payment-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type paymentFixture struct {
	orderRepo    *mocks.MockPaymentOrderRepository
	merchantRepo *mocks.MockMerchantRepository
	walletSvc    *mocks.MockWalletService
	webhookSvc   *mocks.MockWebhookService
	idempCache   *mocks.MockIdempotencyCache
	addrCache    *mocks.MockAddressCache
	transactor   *mocks.MockDBTransactor
	svc          *PaymentServiceImpl
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &paymentFixture{
		orderRepo:    mocks.NewMockPaymentOrderRepository(ctrl),
		merchantRepo: mocks.NewMockMerchantRepository(ctrl),
		walletSvc:    mocks.NewMockWalletService(ctrl),
		webhookSvc:   mocks.NewMockWebhookService(ctrl),
		idempCache:   mocks.NewMockIdempotencyCache(ctrl),
		addrCache:    mocks.NewMockAddressCache(ctrl),
		transactor:   mocks.NewMockDBTransactor(ctrl),
	}
	tokens := map[string]config.TokenConfig{
		"USDT": {Address: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6},
	}
	f.svc = NewPaymentService(
		f.orderRepo, f.merchantRepo, f.walletSvc, f.webhookSvc,
		f.idempCache, f.addrCache, f.transactor,
		tokens, 30*time.Minute, decimal.RequireFromString("1.0"), zerolog.Nop(),
	)
	return f
}

func activeMerchant() *domain.Merchant {
	return &domain.Merchant{
		ID:            uuid.New(),
		Email:         "shop@example.com",
		BusinessName:  "Test Shop",
		WalletAddress: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		FeePercentage: decimal.NewNullDecimal(decimal.RequireFromString("2.5")),
		Status:        domain.MerchantStatusActive,
	}
}

func confirmedOrder() *domain.PaymentOrder {
	return &domain.PaymentOrder{
		ID:             uuid.New(),
		MerchantID:     uuid.New(),
		OrderID:        "order-1",
		Amount:         decimal.RequireFromString("100"),
		Currency:       "USDT",
		PaymentAddress: "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
		Status:         domain.OrderStatusConfirmed,
	}
}

func TestCreatePayment_Success(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	merchant := activeMerchant()

	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer pool.Close()
	pool.ExpectBegin()
	pool.ExpectCommit()
	pool.ExpectRollback()
	dbTx, err := pool.Begin(ctx)
	require.NoError(t, err)

	req := ports.CreatePaymentRequest{
		MerchantID: merchant.ID,
		OrderID:    "order-1",
		Amount:     decimal.RequireFromString("150.00"),
		Currency:   "USDT",
		Metadata:   map[string]string{"invoice": "INV-9"},
	}

	f.idempCache.EXPECT().Get(ctx, merchant.ID.String()+":order-1").Return(nil, nil)
	f.merchantRepo.EXPECT().GetByID(ctx, merchant.ID).Return(merchant, nil)
	f.orderRepo.EXPECT().GetByMerchantOrder(ctx, merchant.ID, "order-1").Return(nil, nil)
	f.walletSvc.EXPECT().NextIndex(ctx).Return(uint32(7), nil)
	f.walletSvc.EXPECT().DeriveAddress(uint32(7)).Return("0x8ba1f109551bD432803012645Ac136ddd64DBA72", nil)
	f.transactor.EXPECT().Begin(ctx).Return(dbTx, nil)
	f.orderRepo.EXPECT().Create(ctx, dbTx, gomock.Any()).Return(nil)
	f.addrCache.EXPECT().Add(ctx, "0x8ba1f109551bD432803012645Ac136ddd64DBA72").Return(nil)
	f.idempCache.EXPECT().Set(ctx, merchant.ID.String()+":order-1", gomock.Any(), idempotencyTTL).Return(nil)

	order, err := f.svc.CreatePayment(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCreated, order.Status)
	assert.Equal(t, "0x8ba1f109551bD432803012645Ac136ddd64DBA72", order.PaymentAddress)
	assert.Equal(t, uint32(7), order.DerivationIndex)
	assert.Equal(t, "0xdAC17F958D2ee523a2206206994597C13D831ec7", order.TokenAddress)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), order.ExpiresAt, 5*time.Second)
	// Indicative split: 2.5% of 150 = 3.75 fee, 146.25 net.
	assert.True(t, order.FeeAmount.Equal(decimal.RequireFromString("3.75")), order.FeeAmount.String())
	assert.True(t, order.NetAmount.Equal(decimal.RequireFromString("146.25")), order.NetAmount.String())
}

func TestCreatePayment_DefaultFeeWhenMerchantHasNone(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	merchant := activeMerchant()
	merchant.FeePercentage = decimal.NullDecimal{}

	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer pool.Close()
	pool.ExpectBegin()
	pool.ExpectCommit()
	pool.ExpectRollback()
	dbTx, err := pool.Begin(ctx)
	require.NoError(t, err)

	f.idempCache.EXPECT().Get(ctx, gomock.Any()).Return(nil, nil)
	f.merchantRepo.EXPECT().GetByID(ctx, merchant.ID).Return(merchant, nil)
	f.orderRepo.EXPECT().GetByMerchantOrder(ctx, merchant.ID, "order-1").Return(nil, nil)
	f.walletSvc.EXPECT().NextIndex(ctx).Return(uint32(8), nil)
	f.walletSvc.EXPECT().DeriveAddress(uint32(8)).Return("0x8ba1f109551bD432803012645Ac136ddd64DBA72", nil)
	f.transactor.EXPECT().Begin(ctx).Return(dbTx, nil)
	f.orderRepo.EXPECT().Create(ctx, dbTx, gomock.Any()).Return(nil)
	f.addrCache.EXPECT().Add(ctx, gomock.Any()).Return(nil)
	f.idempCache.EXPECT().Set(ctx, gomock.Any(), gomock.Any(), idempotencyTTL).Return(nil)

	order, err := f.svc.CreatePayment(ctx, ports.CreatePaymentRequest{
		MerchantID: merchant.ID,
		OrderID:    "order-1",
		Amount:     decimal.RequireFromString("200"),
		Currency:   "USDT",
	})
	require.NoError(t, err)
	// Platform default of 1% applies: 2 fee, 198 net.
	assert.True(t, order.FeeAmount.Equal(decimal.NewFromInt(2)), order.FeeAmount.String())
	assert.True(t, order.NetAmount.Equal(decimal.NewFromInt(198)), order.NetAmount.String())
}

func TestCreatePayment_UnsupportedCurrency(t *testing.T) {
	f := newPaymentFixture(t)

	_, err := f.svc.CreatePayment(context.Background(), ports.CreatePaymentRequest{
		MerchantID: uuid.New(),
		OrderID:    "order-1",
		Amount:     decimal.RequireFromString("10"),
		Currency:   "DOGE",
	})

	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "VAL_002", appErr.Code)
}

func TestCreatePayment_NonPositiveAmount(t *testing.T) {
	f := newPaymentFixture(t)

	_, err := f.svc.CreatePayment(context.Background(), ports.CreatePaymentRequest{
		MerchantID: uuid.New(),
		OrderID:    "order-1",
		Amount:     decimal.Zero,
		Currency:   "USDT",
	})
	assert.Error(t, err)
}

func TestCreatePayment_InactiveMerchant(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	merchant := activeMerchant()
	merchant.Status = domain.MerchantStatusSuspended

	f.idempCache.EXPECT().Get(ctx, gomock.Any()).Return(nil, nil)
	f.merchantRepo.EXPECT().GetByID(ctx, merchant.ID).Return(merchant, nil)

	_, err := f.svc.CreatePayment(ctx, ports.CreatePaymentRequest{
		MerchantID: merchant.ID,
		OrderID:    "order-1",
		Amount:     decimal.RequireFromString("10"),
		Currency:   "USDT",
	})

	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "PAY_004", appErr.Code)
}

func TestCreatePayment_IdempotentReplay(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	merchant := activeMerchant()
	existing := confirmedOrder()
	existing.MerchantID = merchant.ID
	existing.Amount = decimal.RequireFromString("150.00")

	f.idempCache.EXPECT().Get(ctx, gomock.Any()).Return(nil, nil)
	f.merchantRepo.EXPECT().GetByID(ctx, merchant.ID).Return(merchant, nil)
	f.orderRepo.EXPECT().GetByMerchantOrder(ctx, merchant.ID, "order-1").Return(existing, nil)

	order, err := f.svc.CreatePayment(ctx, ports.CreatePaymentRequest{
		MerchantID: merchant.ID,
		OrderID:    "order-1",
		Amount:     decimal.RequireFromString("150.00"),
		Currency:   "USDT",
	})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, order.ID, "replay must return the existing order, not mint a new address")
}

func TestCreatePayment_ConflictingReplay(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	merchant := activeMerchant()
	existing := confirmedOrder()
	existing.MerchantID = merchant.ID
	existing.Amount = decimal.RequireFromString("99.00")

	f.idempCache.EXPECT().Get(ctx, gomock.Any()).Return(nil, nil)
	f.merchantRepo.EXPECT().GetByID(ctx, merchant.ID).Return(merchant, nil)
	f.orderRepo.EXPECT().GetByMerchantOrder(ctx, merchant.ID, "order-1").Return(existing, nil)

	_, err := f.svc.CreatePayment(ctx, ports.CreatePaymentRequest{
		MerchantID: merchant.ID,
		OrderID:    "order-1",
		Amount:     decimal.RequireFromString("150.00"),
		Currency:   "USDT",
	})

	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "PAY_002", appErr.Code)
}

func TestGetPayment_WrongMerchant(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	order := confirmedOrder()

	f.orderRepo.EXPECT().GetByID(ctx, order.ID).Return(order, nil)

	_, err := f.svc.GetPayment(ctx, uuid.New(), order.ID)
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "PAY_001", appErr.Code)
}

func TestAdvance_WinsCAS(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	order := confirmedOrder()
	order.Status = domain.OrderStatusPending

	f.orderRepo.EXPECT().
		UpdateStatusCAS(ctx, order.ID, domain.OrderStatusPending, domain.OrderStatusConfirmed).
		Return(true, nil)
	f.webhookSvc.EXPECT().
		Enqueue(ctx, order, EventPaymentConfirmed, nil).
		Return(nil)

	won, err := f.svc.Advance(ctx, order, domain.OrderStatusConfirmed, nil)
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, domain.OrderStatusConfirmed, order.Status)
}

func TestAdvance_LosesCAS(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	order := confirmedOrder()
	order.Status = domain.OrderStatusPending

	f.orderRepo.EXPECT().
		UpdateStatusCAS(ctx, order.ID, domain.OrderStatusPending, domain.OrderStatusConfirmed).
		Return(false, nil)

	won, err := f.svc.Advance(ctx, order, domain.OrderStatusConfirmed, nil)
	require.NoError(t, err)
	assert.False(t, won, "losing the CAS is not an error and must not emit a webhook")
}

func TestAdvance_IllegalTransition(t *testing.T) {
	f := newPaymentFixture(t)
	order := confirmedOrder()
	order.Status = domain.OrderStatusCreated

	_, err := f.svc.Advance(context.Background(), order, domain.OrderStatusSettled, nil)

	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "PAY_003", appErr.Code)
}

func TestAdvance_TerminalEvictsAddress(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	order := confirmedOrder()
	order.Status = domain.OrderStatusSettling

	f.orderRepo.EXPECT().
		UpdateStatusCAS(ctx, order.ID, domain.OrderStatusSettling, domain.OrderStatusSettled).
		Return(true, nil)
	f.addrCache.EXPECT().Remove(ctx, order.PaymentAddress).Return(nil)
	f.webhookSvc.EXPECT().Enqueue(ctx, order, EventPaymentSettled, nil).Return(nil)

	won, err := f.svc.Advance(ctx, order, domain.OrderStatusSettled, nil)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestAdvance_ExpiredKeepsAddressWatched(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	order := confirmedOrder()
	order.Status = domain.OrderStatusPending

	f.orderRepo.EXPECT().
		UpdateStatusCAS(ctx, order.ID, domain.OrderStatusPending, domain.OrderStatusExpired).
		Return(true, nil)
	// No Remove expectation: a transfer landing after expiry must still be
	// observed so it can be recorded as orphaned.
	f.webhookSvc.EXPECT().Enqueue(ctx, order, EventPaymentExpired, nil).Return(nil)

	won, err := f.svc.Advance(ctx, order, domain.OrderStatusExpired, nil)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestAdvance_SettlingReleaseIsSilent(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	order := confirmedOrder()
	order.Status = domain.OrderStatusSettling

	f.orderRepo.EXPECT().
		UpdateStatusCAS(ctx, order.ID, domain.OrderStatusSettling, domain.OrderStatusConfirmed).
		Return(true, nil)
	// No webhook expectation: releasing a claim is an internal hop.

	won, err := f.svc.Advance(ctx, order, domain.OrderStatusConfirmed, nil)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestAdvance_WebhookFailureDoesNotFailTransition(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	order := confirmedOrder()
	order.Status = domain.OrderStatusPending

	f.orderRepo.EXPECT().
		UpdateStatusCAS(ctx, order.ID, domain.OrderStatusPending, domain.OrderStatusConfirmed).
		Return(true, nil)
	f.webhookSvc.EXPECT().
		Enqueue(ctx, order, EventPaymentConfirmed, nil).
		Return(errors.New("merchant endpoint down"))

	won, err := f.svc.Advance(ctx, order, domain.OrderStatusConfirmed, nil)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestRetrySettlement_Success(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	order := confirmedOrder()
	order.Status = domain.OrderStatusFailed
	order.SettleAttempts = 5

	f.orderRepo.EXPECT().GetByID(ctx, order.ID).Return(order, nil)
	f.orderRepo.EXPECT().
		UpdateStatusCAS(ctx, order.ID, domain.OrderStatusFailed, domain.OrderStatusConfirmed).
		Return(true, nil)
	f.orderRepo.EXPECT().UpdateSettlement(ctx, order).DoAndReturn(
		func(_ context.Context, o *domain.PaymentOrder) error {
			assert.Equal(t, 0, o.SettleAttempts, "retry must reset the attempt budget")
			return nil
		})
	f.addrCache.EXPECT().Add(ctx, order.PaymentAddress).Return(nil)

	err := f.svc.RetrySettlement(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, order.Status)
}

func TestRetrySettlement_NotFailed(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	order := confirmedOrder()

	f.orderRepo.EXPECT().GetByID(ctx, order.ID).Return(order, nil)

	err := f.svc.RetrySettlement(ctx, order.ID)
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "PAY_003", appErr.Code)
}
