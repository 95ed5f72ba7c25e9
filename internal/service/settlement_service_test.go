package service

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"crypto-payment-engine/config"
	"crypto-payment-engine/internal/core/domain"
	"crypto-payment-engine/internal/core/ports"
	"crypto-payment-engine/internal/core/ports/mocks"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const (
	feeCollectionAddr = "0xFee0000000000000000000000000000000000001"
	merchantWallet    = "0x3333333333333333333333333333333333333333"
	operationalAddr   = "0x4444444444444444444444444444444444444444"
	depositAddr       = "0x9858effd232b4033e47d90003d41ec34ecaeda94"
)

type settlementFixture struct {
	chainClient  *mocks.MockChainClient
	orderRepo    *mocks.MockPaymentOrderRepository
	txRepo       *mocks.MockChainTransactionRepository
	merchantRepo *mocks.MockMerchantRepository
	walletSvc    *mocks.MockWalletService
	paymentSvc   *mocks.MockPaymentService
	svc          *SettlementService
}

func newSettlementFixture(t *testing.T) *settlementFixture {
	return newSettlementFixtureWith(t, nil)
}

func newSettlementFixtureWith(t *testing.T, mutate func(*config.EngineConfig)) *settlementFixture {
	t.Helper()
	ctrl := gomock.NewController(t)

	f := &settlementFixture{
		chainClient:  mocks.NewMockChainClient(ctrl),
		orderRepo:    mocks.NewMockPaymentOrderRepository(ctrl),
		txRepo:       mocks.NewMockChainTransactionRepository(ctrl),
		merchantRepo: mocks.NewMockMerchantRepository(ctrl),
		walletSvc:    mocks.NewMockWalletService(ctrl),
		paymentSvc:   mocks.NewMockPaymentService(ctrl),
	}
	chainCfg := config.ChainConfig{
		Tokens: map[string]config.TokenConfig{
			"USDT": {Address: usdtContract, Decimals: 6},
		},
	}
	walletCfg := config.WalletConfig{FeeCollectionAddress: feeCollectionAddr}
	engineCfg := config.EngineConfig{
		SettlementInterval:    time.Second,
		MaxSettlementAttempts: 3,
		GasFundWei:            "2000000000000000", // 0.002 native
		GasLimitNative:        21000,
		GasLimitToken:         80000,
		ReceiptPollInterval:   time.Millisecond,
		ReceiptTimeout:        100 * time.Millisecond,
		ClaimStaleAfter:       10 * time.Minute,
	}
	if mutate != nil {
		mutate(&engineCfg)
	}
	svc, err := NewSettlementService(
		f.chainClient, f.orderRepo, f.txRepo, f.merchantRepo, f.walletSvc, f.paymentSvc,
		chainCfg, walletCfg, engineCfg, zerolog.Nop(),
	)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func settlementOrder(status domain.OrderStatus) *domain.PaymentOrder {
	return &domain.PaymentOrder{
		ID:              uuid.New(),
		MerchantID:      uuid.New(),
		Amount:          decimal.NewFromInt(150),
		ReceivedAmount:  decimal.NewFromInt(150),
		Currency:        "USDT",
		TokenAddress:    usdtContract,
		PaymentAddress:  depositAddr,
		DerivationIndex: 42,
		Status:          status,
	}
}

// expectConfirmedTransfers stubs the order's transfer history with a single
// confirmed deposit of the given amount.
func (f *settlementFixture) expectConfirmedTransfers(ctx context.Context, orderID uuid.UUID, amount string) {
	f.txRepo.EXPECT().ListByOrder(ctx, orderID).Return([]domain.ChainTransaction{
		{PaymentOrderID: orderID, Amount: decimal.RequireFromString(amount), Status: domain.TxStatusConfirmed},
	}, nil)
}

func settlementMerchant(id uuid.UUID, feePct string) *domain.Merchant {
	fee, _ := decimal.NewFromString(feePct)
	return &domain.Merchant{
		ID:            id,
		WalletAddress: merchantWallet,
		FeePercentage: decimal.NewNullDecimal(fee),
		Status:        domain.MerchantStatusActive,
	}
}

// transferAmount decodes the uint256 amount from ERC-20 transfer calldata.
func transferAmount(data []byte) *big.Int {
	return new(big.Int).SetBytes(data[36:68])
}

func transferRecipient(data []byte) common.Address {
	return common.BytesToAddress(data[16:36])
}

func TestSettlementService_Tick_SettlesConfirmedOrder(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()

	order := settlementOrder(domain.OrderStatusConfirmed)
	merchant := settlementMerchant(order.MerchantID, "1.5")

	f.orderRepo.EXPECT().ListByStatus(ctx, domain.OrderStatusConfirmed, settlementBatchSize).
		Return([]domain.PaymentOrder{*order}, nil)
	f.orderRepo.EXPECT().ListSettlingStale(ctx, gomock.Any()).Return(nil, nil)

	f.paymentSvc.EXPECT().
		Advance(ctx, gomock.Any(), domain.OrderStatusSettling, nil).
		Return(true, nil)
	f.merchantRepo.EXPECT().GetByID(ctx, order.MerchantID).Return(merchant, nil)
	f.expectConfirmedTransfers(ctx, order.ID, "150")

	// Gas funding: the deposit address is empty.
	f.chainClient.EXPECT().NativeBalance(ctx, depositAddr).Return(big.NewInt(0), nil)
	f.walletSvc.EXPECT().OperationalAddress().Return(operationalAddr)
	f.chainClient.EXPECT().PendingNonce(ctx, operationalAddr).Return(uint64(7), nil)
	f.chainClient.EXPECT().SuggestGasPrice(ctx).Return(big.NewInt(1_000_000_000), nil).Times(3)
	f.walletSvc.EXPECT().SignOperationalTx(gomock.Any()).
		DoAndReturn(func(tx *types.Transaction) (*types.Transaction, error) {
			assert.Equal(t, uint64(7), tx.Nonce())
			assert.Equal(t, "2000000000000000", tx.Value().String())
			return tx, nil
		})
	f.chainClient.EXPECT().SendTransaction(ctx, gomock.Any()).Return(nil).Times(3)

	// Sweep and fee transfers from the deposit key.
	f.chainClient.EXPECT().PendingNonce(ctx, depositAddr).Return(uint64(0), nil)
	f.chainClient.EXPECT().PendingNonce(ctx, depositAddr).Return(uint64(1), nil)

	var sweepData, feeData []byte
	f.walletSvc.EXPECT().SignDepositTx(uint32(42), gomock.Any()).
		DoAndReturn(func(_ uint32, tx *types.Transaction) (*types.Transaction, error) {
			sweepData = tx.Data()
			assert.Equal(t, usdtContract, tx.To().Hex())
			return tx, nil
		})
	f.walletSvc.EXPECT().SignDepositTx(uint32(42), gomock.Any()).
		DoAndReturn(func(_ uint32, tx *types.Transaction) (*types.Transaction, error) {
			feeData = tx.Data()
			return tx, nil
		})

	// One recorded hash per step, persisted before the receipt wait.
	var recorded []*domain.PaymentOrder
	f.orderRepo.EXPECT().UpdateSettlement(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, o *domain.PaymentOrder) error {
			snapshot := *o
			recorded = append(recorded, &snapshot)
			return nil
		}).Times(3)
	f.chainClient.EXPECT().TransactionReceipt(ctx, gomock.Any()).
		Return(&ports.TxReceipt{BlockNumber: 500, Success: true}, nil).Times(3)

	f.paymentSvc.EXPECT().
		Advance(ctx, gomock.Any(), domain.OrderStatusSettled, nil).
		DoAndReturn(func(_ context.Context, o *domain.PaymentOrder, _ domain.OrderStatus, _ *domain.ChainTransaction) (bool, error) {
			// 1.5% of 150 = 2.25 fee, 147.75 net.
			assert.True(t, o.FeeAmount.Equal(decimal.RequireFromString("2.25")), o.FeeAmount.String())
			assert.True(t, o.NetAmount.Equal(decimal.RequireFromString("147.75")), o.NetAmount.String())
			return true, nil
		})

	f.svc.Tick(ctx)

	require.Len(t, recorded, 3)
	assert.NotNil(t, recorded[0].GasTxHash)
	assert.Nil(t, recorded[0].SweepTxHash)
	assert.NotNil(t, recorded[1].SweepTxHash)
	assert.NotNil(t, recorded[2].FeeTxHash)

	// 147.75 USDT and 2.25 USDT in 6-decimal base units.
	require.NotNil(t, sweepData)
	assert.Equal(t, "147750000", transferAmount(sweepData).String())
	assert.Equal(t, common.HexToAddress(merchantWallet), transferRecipient(sweepData))
	require.NotNil(t, feeData)
	assert.Equal(t, "2250000", transferAmount(feeData).String())
	assert.Equal(t, common.HexToAddress(feeCollectionAddr), transferRecipient(feeData))
}

func TestSettlementService_Tick_SkipsGasFundingWhenAlreadyFunded(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()

	order := settlementOrder(domain.OrderStatusConfirmed)
	// Zero fee merchant: only the sweep leg runs.
	merchant := settlementMerchant(order.MerchantID, "0")

	f.orderRepo.EXPECT().ListByStatus(ctx, domain.OrderStatusConfirmed, settlementBatchSize).
		Return([]domain.PaymentOrder{*order}, nil)
	f.orderRepo.EXPECT().ListSettlingStale(ctx, gomock.Any()).Return(nil, nil)
	f.paymentSvc.EXPECT().
		Advance(ctx, gomock.Any(), domain.OrderStatusSettling, nil).
		Return(true, nil)
	f.merchantRepo.EXPECT().GetByID(ctx, order.MerchantID).Return(merchant, nil)
	f.expectConfirmedTransfers(ctx, order.ID, "150")

	// Balance already covers gas: no operational-wallet calls at all.
	f.chainClient.EXPECT().NativeBalance(ctx, depositAddr).
		Return(big.NewInt(3_000_000_000_000_000), nil)

	f.chainClient.EXPECT().PendingNonce(ctx, depositAddr).Return(uint64(0), nil)
	f.chainClient.EXPECT().SuggestGasPrice(ctx).Return(big.NewInt(1_000_000_000), nil)
	f.walletSvc.EXPECT().SignDepositTx(uint32(42), gomock.Any()).
		DoAndReturn(func(_ uint32, tx *types.Transaction) (*types.Transaction, error) {
			assert.Equal(t, "150000000", transferAmount(tx.Data()).String())
			return tx, nil
		})
	f.chainClient.EXPECT().SendTransaction(ctx, gomock.Any()).Return(nil)
	f.orderRepo.EXPECT().UpdateSettlement(ctx, gomock.Any()).Return(nil)
	f.chainClient.EXPECT().TransactionReceipt(ctx, gomock.Any()).
		Return(&ports.TxReceipt{Success: true}, nil)

	f.paymentSvc.EXPECT().
		Advance(ctx, gomock.Any(), domain.OrderStatusSettled, nil).
		Return(true, nil)

	f.svc.Tick(ctx)
}

func TestSettlementService_Tick_ClaimLostSkipsOrder(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()

	order := settlementOrder(domain.OrderStatusConfirmed)
	f.orderRepo.EXPECT().ListByStatus(ctx, domain.OrderStatusConfirmed, settlementBatchSize).
		Return([]domain.PaymentOrder{*order}, nil)
	f.orderRepo.EXPECT().ListSettlingStale(ctx, gomock.Any()).Return(nil, nil)
	// Another worker won the claim; nothing else happens.
	f.paymentSvc.EXPECT().
		Advance(ctx, gomock.Any(), domain.OrderStatusSettling, nil).
		Return(false, nil)

	f.svc.Tick(ctx)
}

func TestSettlementService_Tick_TransientFailureReleasesClaim(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()

	order := settlementOrder(domain.OrderStatusConfirmed)
	merchant := settlementMerchant(order.MerchantID, "1.5")

	f.orderRepo.EXPECT().ListByStatus(ctx, domain.OrderStatusConfirmed, settlementBatchSize).
		Return([]domain.PaymentOrder{*order}, nil)
	f.orderRepo.EXPECT().ListSettlingStale(ctx, gomock.Any()).Return(nil, nil)
	f.paymentSvc.EXPECT().
		Advance(ctx, gomock.Any(), domain.OrderStatusSettling, nil).
		Return(true, nil)
	f.merchantRepo.EXPECT().GetByID(ctx, order.MerchantID).Return(merchant, nil)
	f.expectConfirmedTransfers(ctx, order.ID, "150")
	f.chainClient.EXPECT().NativeBalance(ctx, depositAddr).
		Return(nil, errors.New("rpc timeout"))

	// Attempt is recorded and the claim released back to CONFIRMED.
	f.orderRepo.EXPECT().UpdateSettlement(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, o *domain.PaymentOrder) error {
			assert.Equal(t, 1, o.SettleAttempts)
			return nil
		})
	f.paymentSvc.EXPECT().
		Advance(ctx, gomock.Any(), domain.OrderStatusConfirmed, nil).
		Return(true, nil)

	f.svc.Tick(ctx)
}

func TestSettlementService_Tick_ExhaustedAttemptsParkOrder(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()

	order := settlementOrder(domain.OrderStatusConfirmed)
	order.SettleAttempts = 2 // one away from the cap of 3
	merchant := settlementMerchant(order.MerchantID, "1.5")

	f.orderRepo.EXPECT().ListByStatus(ctx, domain.OrderStatusConfirmed, settlementBatchSize).
		Return([]domain.PaymentOrder{*order}, nil)
	f.orderRepo.EXPECT().ListSettlingStale(ctx, gomock.Any()).Return(nil, nil)
	f.paymentSvc.EXPECT().
		Advance(ctx, gomock.Any(), domain.OrderStatusSettling, nil).
		Return(true, nil)
	f.merchantRepo.EXPECT().GetByID(ctx, order.MerchantID).Return(merchant, nil)
	f.expectConfirmedTransfers(ctx, order.ID, "150")
	f.chainClient.EXPECT().NativeBalance(ctx, depositAddr).
		Return(nil, errors.New("rpc timeout"))

	f.orderRepo.EXPECT().UpdateSettlement(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, o *domain.PaymentOrder) error {
			assert.Equal(t, 3, o.SettleAttempts)
			return nil
		})
	f.paymentSvc.EXPECT().
		Advance(ctx, gomock.Any(), domain.OrderStatusFailed, nil).
		Return(true, nil)

	f.svc.Tick(ctx)
}

func TestSettlementService_Tick_ResumesRecordedBroadcasts(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()

	// A worker crashed after broadcasting gas funding and the sweep. The
	// recorded hashes are waited on, never re-broadcast.
	gasHash := "0xgas1"
	sweepHash := "0xsweep1"
	order := settlementOrder(domain.OrderStatusSettling)
	order.GasTxHash = &gasHash
	order.SweepTxHash = &sweepHash
	merchant := settlementMerchant(order.MerchantID, "0")

	f.orderRepo.EXPECT().ListByStatus(ctx, domain.OrderStatusConfirmed, settlementBatchSize).
		Return(nil, nil)
	f.orderRepo.EXPECT().ListSettlingStale(ctx, gomock.Any()).
		Return([]domain.PaymentOrder{*order}, nil)
	f.orderRepo.EXPECT().ClaimStaleSettling(ctx, order.ID, order.UpdatedAt).Return(true, nil)

	// Already SETTLING: no status transition to claim.
	f.merchantRepo.EXPECT().GetByID(ctx, order.MerchantID).Return(merchant, nil)
	f.expectConfirmedTransfers(ctx, order.ID, "150")
	f.chainClient.EXPECT().TransactionReceipt(ctx, gasHash).
		Return(&ports.TxReceipt{Success: true}, nil)
	f.chainClient.EXPECT().TransactionReceipt(ctx, sweepHash).
		Return(&ports.TxReceipt{Success: true}, nil)

	f.paymentSvc.EXPECT().
		Advance(ctx, gomock.Any(), domain.OrderStatusSettled, nil).
		Return(true, nil)

	f.svc.Tick(ctx)
}

func TestSettlementService_Tick_RevertedSweepFails(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()

	sweepHash := "0xsweep2"
	order := settlementOrder(domain.OrderStatusSettling)
	order.SweepTxHash = &sweepHash
	merchant := settlementMerchant(order.MerchantID, "0")

	f.orderRepo.EXPECT().ListByStatus(ctx, domain.OrderStatusConfirmed, settlementBatchSize).
		Return(nil, nil)
	f.orderRepo.EXPECT().ListSettlingStale(ctx, gomock.Any()).
		Return([]domain.PaymentOrder{*order}, nil)
	f.orderRepo.EXPECT().ClaimStaleSettling(ctx, order.ID, order.UpdatedAt).Return(true, nil)

	f.merchantRepo.EXPECT().GetByID(ctx, order.MerchantID).Return(merchant, nil)
	f.expectConfirmedTransfers(ctx, order.ID, "150")
	// The deposit address holds funds from a prior gas top-up.
	f.chainClient.EXPECT().NativeBalance(ctx, depositAddr).
		Return(big.NewInt(3_000_000_000_000_000), nil)
	f.chainClient.EXPECT().TransactionReceipt(ctx, sweepHash).
		Return(&ports.TxReceipt{Success: false}, nil)

	f.orderRepo.EXPECT().UpdateSettlement(ctx, gomock.Any()).Return(nil)
	f.paymentSvc.EXPECT().
		Advance(ctx, gomock.Any(), domain.OrderStatusConfirmed, nil).
		Return(true, nil)

	f.svc.Tick(ctx)
}

func TestSettlementService_Tick_SettlesOnlyConfirmedFunds(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()

	// 100 USDT confirmed, another 50 detected but still counting. The fee
	// split and the sweep must cover the confirmed 100 only.
	order := settlementOrder(domain.OrderStatusConfirmed)
	merchant := settlementMerchant(order.MerchantID, "1.5")

	f.orderRepo.EXPECT().ListByStatus(ctx, domain.OrderStatusConfirmed, settlementBatchSize).
		Return([]domain.PaymentOrder{*order}, nil)
	f.orderRepo.EXPECT().ListSettlingStale(ctx, gomock.Any()).Return(nil, nil)
	f.paymentSvc.EXPECT().
		Advance(ctx, gomock.Any(), domain.OrderStatusSettling, nil).
		Return(true, nil)
	f.merchantRepo.EXPECT().GetByID(ctx, order.MerchantID).Return(merchant, nil)
	f.txRepo.EXPECT().ListByOrder(ctx, order.ID).Return([]domain.ChainTransaction{
		{PaymentOrderID: order.ID, Amount: decimal.NewFromInt(100), Status: domain.TxStatusConfirmed},
		{PaymentOrderID: order.ID, Amount: decimal.NewFromInt(50), Status: domain.TxStatusPending},
	}, nil)

	f.chainClient.EXPECT().NativeBalance(ctx, depositAddr).
		Return(big.NewInt(3_000_000_000_000_000), nil)
	f.chainClient.EXPECT().PendingNonce(ctx, depositAddr).Return(uint64(0), nil)
	f.chainClient.EXPECT().PendingNonce(ctx, depositAddr).Return(uint64(1), nil)
	f.chainClient.EXPECT().SuggestGasPrice(ctx).Return(big.NewInt(1_000_000_000), nil).Times(2)

	var sweepData, feeData []byte
	f.walletSvc.EXPECT().SignDepositTx(uint32(42), gomock.Any()).
		DoAndReturn(func(_ uint32, tx *types.Transaction) (*types.Transaction, error) {
			sweepData = tx.Data()
			return tx, nil
		})
	f.walletSvc.EXPECT().SignDepositTx(uint32(42), gomock.Any()).
		DoAndReturn(func(_ uint32, tx *types.Transaction) (*types.Transaction, error) {
			feeData = tx.Data()
			return tx, nil
		})
	f.chainClient.EXPECT().SendTransaction(ctx, gomock.Any()).Return(nil).Times(2)
	f.orderRepo.EXPECT().UpdateSettlement(ctx, gomock.Any()).Return(nil).Times(2)
	f.chainClient.EXPECT().TransactionReceipt(ctx, gomock.Any()).
		Return(&ports.TxReceipt{Success: true}, nil).Times(2)

	f.paymentSvc.EXPECT().
		Advance(ctx, gomock.Any(), domain.OrderStatusSettled, nil).
		DoAndReturn(func(_ context.Context, o *domain.PaymentOrder, _ domain.OrderStatus, _ *domain.ChainTransaction) (bool, error) {
			// 1.5% of the confirmed 100 = 1.5 fee, 98.5 net.
			assert.True(t, o.FeeAmount.Equal(decimal.RequireFromString("1.5")), o.FeeAmount.String())
			assert.True(t, o.NetAmount.Equal(decimal.RequireFromString("98.5")), o.NetAmount.String())
			return true, nil
		})

	f.svc.Tick(ctx)

	require.NotNil(t, sweepData)
	assert.Equal(t, "98500000", transferAmount(sweepData).String())
	require.NotNil(t, feeData)
	assert.Equal(t, "1500000", transferAmount(feeData).String())
}

func TestSettlementService_Tick_DefaultFeeWhenMerchantHasNone(t *testing.T) {
	f := newSettlementFixtureWith(t, func(cfg *config.EngineConfig) {
		cfg.DefaultFeePercent = "2"
	})
	ctx := context.Background()

	order := settlementOrder(domain.OrderStatusConfirmed)
	// No fee percentage on the merchant record: the platform default applies.
	merchant := &domain.Merchant{
		ID:            order.MerchantID,
		WalletAddress: merchantWallet,
		Status:        domain.MerchantStatusActive,
	}

	f.orderRepo.EXPECT().ListByStatus(ctx, domain.OrderStatusConfirmed, settlementBatchSize).
		Return([]domain.PaymentOrder{*order}, nil)
	f.orderRepo.EXPECT().ListSettlingStale(ctx, gomock.Any()).Return(nil, nil)
	f.paymentSvc.EXPECT().
		Advance(ctx, gomock.Any(), domain.OrderStatusSettling, nil).
		Return(true, nil)
	f.merchantRepo.EXPECT().GetByID(ctx, order.MerchantID).Return(merchant, nil)
	f.expectConfirmedTransfers(ctx, order.ID, "150")

	f.chainClient.EXPECT().NativeBalance(ctx, depositAddr).
		Return(big.NewInt(3_000_000_000_000_000), nil)
	f.chainClient.EXPECT().PendingNonce(ctx, depositAddr).Return(uint64(0), nil)
	f.chainClient.EXPECT().PendingNonce(ctx, depositAddr).Return(uint64(1), nil)
	f.chainClient.EXPECT().SuggestGasPrice(ctx).Return(big.NewInt(1_000_000_000), nil).Times(2)

	var sweepData []byte
	f.walletSvc.EXPECT().SignDepositTx(uint32(42), gomock.Any()).
		DoAndReturn(func(_ uint32, tx *types.Transaction) (*types.Transaction, error) {
			sweepData = tx.Data()
			return tx, nil
		})
	f.walletSvc.EXPECT().SignDepositTx(uint32(42), gomock.Any()).
		DoAndReturn(func(_ uint32, tx *types.Transaction) (*types.Transaction, error) {
			return tx, nil
		})
	f.chainClient.EXPECT().SendTransaction(ctx, gomock.Any()).Return(nil).Times(2)
	f.orderRepo.EXPECT().UpdateSettlement(ctx, gomock.Any()).Return(nil).Times(2)
	f.chainClient.EXPECT().TransactionReceipt(ctx, gomock.Any()).
		Return(&ports.TxReceipt{Success: true}, nil).Times(2)

	f.paymentSvc.EXPECT().
		Advance(ctx, gomock.Any(), domain.OrderStatusSettled, nil).
		DoAndReturn(func(_ context.Context, o *domain.PaymentOrder, _ domain.OrderStatus, _ *domain.ChainTransaction) (bool, error) {
			// 2% default of 150 = 3 fee, 147 net.
			assert.True(t, o.FeeAmount.Equal(decimal.NewFromInt(3)), o.FeeAmount.String())
			assert.True(t, o.NetAmount.Equal(decimal.NewFromInt(147)), o.NetAmount.String())
			return true, nil
		})

	f.svc.Tick(ctx)

	require.NotNil(t, sweepData)
	assert.Equal(t, "147000000", transferAmount(sweepData).String())
}

func TestSettlementService_Tick_BackoffSkipsRecentlyFailedOrder(t *testing.T) {
	f := newSettlementFixtureWith(t, func(cfg *config.EngineConfig) {
		cfg.SettlementBackoff = time.Minute
	})
	ctx := context.Background()

	// Failed once just now: the order waits out the backoff, so no claim
	// and no chain calls this pass.
	order := settlementOrder(domain.OrderStatusConfirmed)
	order.SettleAttempts = 1
	order.UpdatedAt = time.Now().UTC()

	f.orderRepo.EXPECT().ListByStatus(ctx, domain.OrderStatusConfirmed, settlementBatchSize).
		Return([]domain.PaymentOrder{*order}, nil)
	f.orderRepo.EXPECT().ListSettlingStale(ctx, gomock.Any()).Return(nil, nil)

	f.svc.Tick(ctx)
}

func TestSettlementService_Tick_StaleClaimLostSkipsResume(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()

	order := settlementOrder(domain.OrderStatusSettling)

	f.orderRepo.EXPECT().ListByStatus(ctx, domain.OrderStatusConfirmed, settlementBatchSize).
		Return(nil, nil)
	f.orderRepo.EXPECT().ListSettlingStale(ctx, gomock.Any()).
		Return([]domain.PaymentOrder{*order}, nil)
	// Another worker re-claimed the stale order first; nothing else happens.
	f.orderRepo.EXPECT().ClaimStaleSettling(ctx, order.ID, order.UpdatedAt).Return(false, nil)

	f.svc.Tick(ctx)
}

func TestSettlementService_RetryBackoffDoubles(t *testing.T) {
	base := time.Minute
	assert.Equal(t, time.Minute, retryBackoff(base, 1))
	assert.Equal(t, 2*time.Minute, retryBackoff(base, 2))
	assert.Equal(t, 4*time.Minute, retryBackoff(base, 3))
	// Capped at 32x base.
	assert.Equal(t, 32*time.Minute, retryBackoff(base, 10))
}

func TestNewSettlementService_RejectsBadGasFund(t *testing.T) {
	_, err := NewSettlementService(
		nil, nil, nil, nil, nil, nil,
		config.ChainConfig{}, config.WalletConfig{},
		config.EngineConfig{GasFundWei: "not-a-number"},
		zerolog.Nop(),
	)
	require.Error(t, err)
}

func TestNewSettlementService_RejectsBadDefaultFee(t *testing.T) {
	_, err := NewSettlementService(
		nil, nil, nil, nil, nil, nil,
		config.ChainConfig{}, config.WalletConfig{},
		config.EngineConfig{GasFundWei: "1000", DefaultFeePercent: "not-a-percent"},
		zerolog.Nop(),
	)
	require.Error(t, err)
}
