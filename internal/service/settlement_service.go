package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"crypto-payment-engine/config"
	"crypto-payment-engine/internal/adapter/chain"
	"crypto-payment-engine/internal/core/domain"
	"crypto-payment-engine/internal/core/ports"
	"crypto-payment-engine/pkg/apperror"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// settlementBatchSize caps how many orders one pass picks up.
const settlementBatchSize = 50

var oneHundred = decimal.NewFromInt(100)

// SettlementService sweeps confirmed deposits to merchant wallets. Each order
// is settled in three recorded steps: fund the deposit address with gas,
// sweep the net amount to the merchant, transfer the platform fee. Every
// broadcast hash is persisted before the receipt wait, so a crashed worker
// resumes mid-settlement instead of double-spending.
type SettlementService struct {
	chainClient  ports.ChainClient
	orderRepo    ports.PaymentOrderRepository
	txRepo       ports.ChainTransactionRepository
	merchantRepo ports.MerchantRepository
	walletSvc    ports.WalletService
	paymentSvc   ports.PaymentService

	tokens        map[string]config.TokenConfig
	feeCollection string
	gasFundWei    *big.Int
	defaultFeePct decimal.Decimal
	cfg           config.EngineConfig

	// opNonceMu serializes operational-wallet sends. Without it two workers
	// funding gas concurrently would race on the pending nonce.
	opNonceMu sync.Mutex
	log       zerolog.Logger
}

// NewSettlementService creates a settlement worker.
func NewSettlementService(
	chainClient ports.ChainClient,
	orderRepo ports.PaymentOrderRepository,
	txRepo ports.ChainTransactionRepository,
	merchantRepo ports.MerchantRepository,
	walletSvc ports.WalletService,
	paymentSvc ports.PaymentService,
	chainCfg config.ChainConfig,
	walletCfg config.WalletConfig,
	engineCfg config.EngineConfig,
	log zerolog.Logger,
) (*SettlementService, error) {
	gasFund, ok := new(big.Int).SetString(engineCfg.GasFundWei, 10)
	if !ok || gasFund.Sign() <= 0 {
		return nil, fmt.Errorf("invalid gas_fund_wei %q", engineCfg.GasFundWei)
	}
	defaultFee := decimal.Zero
	if engineCfg.DefaultFeePercent != "" {
		var err error
		defaultFee, err = decimal.NewFromString(engineCfg.DefaultFeePercent)
		if err != nil {
			return nil, fmt.Errorf("invalid default_fee_percent %q: %w", engineCfg.DefaultFeePercent, err)
		}
	}
	return &SettlementService{
		chainClient:   chainClient,
		orderRepo:     orderRepo,
		txRepo:        txRepo,
		merchantRepo:  merchantRepo,
		walletSvc:     walletSvc,
		paymentSvc:    paymentSvc,
		tokens:        chainCfg.Tokens,
		feeCollection: walletCfg.FeeCollectionAddress,
		gasFundWei:    gasFund,
		defaultFeePct: defaultFee,
		cfg:           engineCfg,
		log:           log.With().Str("component", "settler").Logger(),
	}, nil
}

// Run executes the settlement loop until the context is cancelled.
func (s *SettlementService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SettlementInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("settler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one settlement pass: claim fresh CONFIRMED orders and resume
// SETTLING orders abandoned by a crashed worker.
func (s *SettlementService) Tick(ctx context.Context) {
	confirmed, err := s.orderRepo.ListByStatus(ctx, domain.OrderStatusConfirmed, settlementBatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list confirmed orders")
		return
	}
	stale, err := s.orderRepo.ListSettlingStale(ctx, time.Now().UTC().Add(-s.cfg.ClaimStaleAfter))
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list stale settling orders")
		return
	}

	for i := range confirmed {
		s.settleOrder(ctx, &confirmed[i])
	}
	for i := range stale {
		// Re-claim before resuming. The CAS on updated_at keeps two workers
		// that listed the same stale order from both driving it.
		won, err := s.orderRepo.ClaimStaleSettling(ctx, stale[i].ID, stale[i].UpdatedAt)
		if err != nil {
			s.log.Error().Err(err).Str("payment_id", stale[i].ID.String()).Msg("failed to claim stale settling order")
			continue
		}
		if !won {
			continue
		}
		s.log.Warn().Str("payment_id", stale[i].ID.String()).Msg("resuming abandoned settlement")
		s.settleOrder(ctx, &stale[i])
	}
}

// settleOrder claims one order and drives it to SETTLED, releasing or
// failing it when a step cannot complete.
func (s *SettlementService) settleOrder(ctx context.Context, order *domain.PaymentOrder) {
	if order.Status == domain.OrderStatusConfirmed {
		// Released orders wait out a doubling backoff before the next attempt.
		if order.SettleAttempts > 0 && s.cfg.SettlementBackoff > 0 {
			nextAttempt := order.UpdatedAt.Add(retryBackoff(s.cfg.SettlementBackoff, order.SettleAttempts))
			if time.Now().UTC().Before(nextAttempt) {
				return
			}
		}
		won, err := s.paymentSvc.Advance(ctx, order, domain.OrderStatusSettling, nil)
		if err != nil {
			s.log.Error().Err(err).Str("payment_id", order.ID.String()).Msg("failed to claim order")
			return
		}
		if !won {
			// Another worker holds the claim.
			return
		}
	}

	if err := s.execute(ctx, order); err != nil {
		s.handleFailure(ctx, order, err)
		return
	}

	if _, err := s.paymentSvc.Advance(ctx, order, domain.OrderStatusSettled, nil); err != nil {
		s.log.Error().Err(err).Str("payment_id", order.ID.String()).Msg("failed to finalize settled order")
	}
}

// execute performs the recorded settlement steps. Steps whose broadcast hash
// is already persisted are resumed at the receipt wait, not re-broadcast.
func (s *SettlementService) execute(ctx context.Context, order *domain.PaymentOrder) error {
	merchant, err := s.merchantRepo.GetByID(ctx, order.MerchantID)
	if err != nil {
		return err
	}
	if merchant == nil {
		return apperror.ErrNotFound("merchant")
	}
	token, ok := s.tokens[order.Currency]
	if !ok {
		return apperror.ErrUnsupportedCurrency(order.Currency)
	}

	// Only transfers that finished confirming are settleable. ReceivedAmount
	// can still include detected-but-unconfirmed transfers, and those funds
	// must never be swept.
	settleable, err := s.settleableTotal(ctx, order)
	if err != nil {
		return err
	}
	if !settleable.IsPositive() {
		return fmt.Errorf("no confirmed funds to settle for order %s", order.ID)
	}

	// Fee split. Truncation keeps the fee representable on chain; the
	// remainder goes to the merchant so the two legs sum exactly to the
	// settleable amount.
	order.FeeAmount = settleable.
		Mul(merchant.EffectiveFee(s.defaultFeePct)).
		Div(oneHundred).
		Truncate(token.Decimals)
	order.NetAmount = settleable.Sub(order.FeeAmount)

	if err := s.fundGas(ctx, order); err != nil {
		return apperror.ErrGasFunding(err)
	}

	if err := s.sweepStep(ctx, order, token, merchant.WalletAddress); err != nil {
		return err
	}

	if order.FeeAmount.IsPositive() {
		if err := s.feeStep(ctx, order, token); err != nil {
			return err
		}
	}

	s.log.Info().
		Str("payment_id", order.ID.String()).
		Str("net_amount", order.NetAmount.String()).
		Str("fee_amount", order.FeeAmount.String()).
		Msg("settlement complete")
	return nil
}

// settleableTotal sums the order's CONFIRMED transfers.
func (s *SettlementService) settleableTotal(ctx context.Context, order *domain.PaymentOrder) (decimal.Decimal, error) {
	txs, err := s.txRepo.ListByOrder(ctx, order.ID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for i := range txs {
		if txs[i].Status == domain.TxStatusConfirmed {
			total = total.Add(txs[i].Amount)
		}
	}
	return total, nil
}

// retryBackoff doubles the base delay per prior attempt, capped at 32x.
func retryBackoff(base time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts && i < 6; i++ {
		d *= 2
	}
	return d
}

// fundGas tops up the deposit address with native tokens for the sweep and
// fee transfers. Skipped when the address already holds enough.
func (s *SettlementService) fundGas(ctx context.Context, order *domain.PaymentOrder) error {
	if order.GasTxHash != nil {
		return s.waitReceipt(ctx, *order.GasTxHash)
	}

	balance, err := s.chainClient.NativeBalance(ctx, order.PaymentAddress)
	if err != nil {
		return err
	}
	if balance.Cmp(s.gasFundWei) >= 0 {
		return nil
	}

	s.opNonceMu.Lock()
	hash, err := s.sendGasFunding(ctx, order.PaymentAddress)
	s.opNonceMu.Unlock()
	if err != nil {
		return err
	}

	order.GasTxHash = &hash
	// Persist the hash before waiting so a crash here cannot double-fund.
	if err := s.orderRepo.UpdateSettlement(ctx, order); err != nil {
		return err
	}
	return s.waitReceipt(ctx, hash)
}

func (s *SettlementService) sendGasFunding(ctx context.Context, to string) (string, error) {
	opAddr := s.walletSvc.OperationalAddress()
	nonce, err := s.chainClient.PendingNonce(ctx, opAddr)
	if err != nil {
		return "", err
	}
	gasPrice, err := s.chainClient.SuggestGasPrice(ctx)
	if err != nil {
		return "", err
	}
	dest := common.HexToAddress(to)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      s.cfg.GasLimitNative,
		To:       &dest,
		Value:    new(big.Int).Set(s.gasFundWei),
	})
	signed, err := s.walletSvc.SignOperationalTx(tx)
	if err != nil {
		return "", err
	}
	if err := s.chainClient.SendTransaction(ctx, signed); err != nil {
		return "", err
	}
	return signed.Hash().Hex(), nil
}

// sweepStep moves the merchant's net amount from the deposit address to the
// merchant wallet.
func (s *SettlementService) sweepStep(ctx context.Context, order *domain.PaymentOrder, token config.TokenConfig, merchantWallet string) error {
	if order.SweepTxHash != nil {
		return s.waitReceipt(ctx, *order.SweepTxHash)
	}
	hash, err := s.sendTokenTransfer(ctx, order, token, merchantWallet, order.NetAmount)
	if err != nil {
		return apperror.ErrBroadcastFailed(err)
	}
	order.SweepTxHash = &hash
	if err := s.orderRepo.UpdateSettlement(ctx, order); err != nil {
		return err
	}
	return s.waitReceipt(ctx, hash)
}

// feeStep moves the platform fee from the deposit address to the fee
// collection wallet.
func (s *SettlementService) feeStep(ctx context.Context, order *domain.PaymentOrder, token config.TokenConfig) error {
	if order.FeeTxHash != nil {
		return s.waitReceipt(ctx, *order.FeeTxHash)
	}
	hash, err := s.sendTokenTransfer(ctx, order, token, s.feeCollection, order.FeeAmount)
	if err != nil {
		return apperror.ErrBroadcastFailed(err)
	}
	order.FeeTxHash = &hash
	if err := s.orderRepo.UpdateSettlement(ctx, order); err != nil {
		return err
	}
	return s.waitReceipt(ctx, hash)
}

// sendTokenTransfer broadcasts an ERC-20 transfer signed by the order's
// deposit key.
func (s *SettlementService) sendTokenTransfer(ctx context.Context, order *domain.PaymentOrder, token config.TokenConfig, to string, amount decimal.Decimal) (string, error) {
	nonce, err := s.chainClient.PendingNonce(ctx, order.PaymentAddress)
	if err != nil {
		return "", err
	}
	gasPrice, err := s.chainClient.SuggestGasPrice(ctx)
	if err != nil {
		return "", err
	}
	// Truncation above guarantees the shift is exact in base units.
	baseUnits := amount.Shift(token.Decimals).BigInt()
	contract := common.HexToAddress(token.Address)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      s.cfg.GasLimitToken,
		To:       &contract,
		Value:    big.NewInt(0),
		Data:     chain.TransferCalldata(common.HexToAddress(to), baseUnits),
	})
	signed, err := s.walletSvc.SignDepositTx(order.DerivationIndex, tx)
	if err != nil {
		return "", err
	}
	if err := s.chainClient.SendTransaction(ctx, signed); err != nil {
		return "", err
	}
	return signed.Hash().Hex(), nil
}

// waitReceipt polls until the transaction is mined or the wait times out.
func (s *SettlementService) waitReceipt(ctx context.Context, txHash string) error {
	deadline := time.Now().Add(s.cfg.ReceiptTimeout)
	for {
		receipt, err := s.chainClient.TransactionReceipt(ctx, txHash)
		if err != nil {
			return err
		}
		if receipt != nil {
			if !receipt.Success {
				return apperror.ErrBroadcastFailed(errors.New("transaction reverted"))
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("transaction %s not mined within %s", txHash, s.cfg.ReceiptTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.ReceiptPollInterval):
		}
	}
}

// handleFailure releases or abandons a claimed order after a failed step.
// The attempt counter persists across releases; exhausting it parks the
// order in FAILED for operator review.
func (s *SettlementService) handleFailure(ctx context.Context, order *domain.PaymentOrder, cause error) {
	order.SettleAttempts++
	if err := s.orderRepo.UpdateSettlement(ctx, order); err != nil {
		s.log.Error().Err(err).Str("payment_id", order.ID.String()).Msg("failed to record settlement attempt")
	}

	if order.SettleAttempts >= s.cfg.MaxSettlementAttempts {
		s.log.Error().
			Err(cause).
			Str("payment_id", order.ID.String()).
			Int("attempts", order.SettleAttempts).
			Msg("settlement exhausted, parking order for operator review")
		if _, err := s.paymentSvc.Advance(ctx, order, domain.OrderStatusFailed, nil); err != nil {
			s.log.Error().Err(err).Str("payment_id", order.ID.String()).Msg("failed to park order")
		}
		return
	}

	s.log.Warn().
		Err(cause).
		Str("payment_id", order.ID.String()).
		Int("attempts", order.SettleAttempts).
		Msg("settlement step failed, releasing claim")
	if _, err := s.paymentSvc.Advance(ctx, order, domain.OrderStatusConfirmed, nil); err != nil {
		s.log.Error().Err(err).Str("payment_id", order.ID.String()).Msg("failed to release claim")
	}
}
