package service

import (
	"context"
	"strings"
	"time"

	"crypto-payment-engine/config"
	"crypto-payment-engine/internal/core/domain"
	"crypto-payment-engine/internal/core/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// WatcherService scans the chain for deposits, counts confirmations, detects
// reorganizations and expires stale orders. One Tick is one full pass; the
// block checkpoint only advances when the scan portion of the pass succeeds,
// so a crash mid-pass rescans rather than skips. All writes are idempotent.
type WatcherService struct {
	chainClient    ports.ChainClient
	orderRepo      ports.PaymentOrderRepository
	txRepo         ports.ChainTransactionRepository
	checkpointRepo ports.ChainCheckpointRepository
	paymentSvc     ports.PaymentService
	addrCache      ports.AddressCache

	network       string
	tokenAddrs    []string
	tokenDecimals map[string]int32 // lowercase contract address -> decimals
	required      uint64
	maxBlockRange uint64
	pollInterval  time.Duration
	maxBackoff    time.Duration
	log           zerolog.Logger
}

// NewWatcherService creates a chain watcher.
func NewWatcherService(
	chainClient ports.ChainClient,
	orderRepo ports.PaymentOrderRepository,
	txRepo ports.ChainTransactionRepository,
	checkpointRepo ports.ChainCheckpointRepository,
	paymentSvc ports.PaymentService,
	addrCache ports.AddressCache,
	cfg config.ChainConfig,
	log zerolog.Logger,
) *WatcherService {
	w := &WatcherService{
		chainClient:    chainClient,
		orderRepo:      orderRepo,
		txRepo:         txRepo,
		checkpointRepo: checkpointRepo,
		paymentSvc:     paymentSvc,
		addrCache:      addrCache,
		network:        cfg.Network,
		tokenDecimals:  make(map[string]int32, len(cfg.Tokens)),
		required:       cfg.RequiredConfirmations,
		maxBlockRange:  cfg.MaxBlockRange,
		pollInterval:   cfg.PollInterval,
		maxBackoff:     cfg.MaxBackoff,
		log:            log.With().Str("component", "watcher").Logger(),
	}
	for _, tok := range cfg.Tokens {
		w.tokenAddrs = append(w.tokenAddrs, tok.Address)
		w.tokenDecimals[strings.ToLower(tok.Address)] = tok.Decimals
	}
	return w
}

// Run executes the watcher loop until the context is cancelled. RPC failures
// back off exponentially up to the configured cap and never kill the loop.
func (w *WatcherService) Run(ctx context.Context) {
	// Seed the address filter from the database so a restart never drops a
	// watched address.
	addrs, err := w.orderRepo.ActiveAddresses(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to load active addresses, relying on incremental adds")
	} else if err := w.addrCache.Fill(ctx, addrs); err != nil {
		w.log.Error().Err(err).Msg("failed to fill address cache")
	}

	delay := w.pollInterval
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("watcher stopped")
			return
		case <-time.After(delay):
		}

		if err := w.Tick(ctx); err != nil {
			delay = min(delay*2, w.maxBackoff)
			w.log.Warn().Err(err).Dur("retry_in", delay).Msg("watcher tick failed, backing off")
			continue
		}
		delay = w.pollInterval
	}
}

// Tick runs one watcher pass: scan new blocks for deposits, re-count
// confirmations, expire stale orders, advance the checkpoint.
func (w *WatcherService) Tick(ctx context.Context) error {
	head, err := w.chainClient.HeadBlock(ctx)
	if err != nil {
		return err
	}

	cp, err := w.checkpointRepo.Get(ctx, w.network)
	if err != nil {
		return err
	}
	if cp == 0 {
		// First run on this network: start from the current head rather
		// than scanning history.
		if _, err := w.checkpointRepo.Advance(ctx, w.network, 0, head); err != nil {
			return err
		}
		cp = head
	}

	scannedTo := cp
	if head > cp {
		scannedTo = min(head, cp+w.maxBlockRange)
		if err := w.scanRange(ctx, cp+1, scannedTo, head); err != nil {
			return err
		}
	}

	w.confirmationPass(ctx, head)
	w.expiryPass(ctx)

	if scannedTo > cp {
		if ok, err := w.checkpointRepo.Advance(ctx, w.network, cp, scannedTo); err != nil {
			return err
		} else if !ok {
			w.log.Warn().Uint64("from", cp).Uint64("to", scannedTo).Msg("checkpoint advanced by another instance")
		}
	}
	return nil
}

// scanRange filters token Transfer events over [from, to] and records the
// ones addressed to watched deposit addresses.
func (w *WatcherService) scanRange(ctx context.Context, from, to, head uint64) error {
	events, err := w.chainClient.FilterTransfers(ctx, w.tokenAddrs, from, to)
	if err != nil {
		return err
	}

	for _, ev := range events {
		watched, err := w.addrCache.Contains(ctx, ev.To)
		if err != nil {
			return err
		}
		if !watched {
			continue
		}
		if err := w.recordTransfer(ctx, ev, head); err != nil {
			return err
		}
	}
	return nil
}

// recordTransfer persists one observed deposit and moves its order to
// PENDING. The (tx_hash, log_index) dedup key makes rescans harmless.
func (w *WatcherService) recordTransfer(ctx context.Context, ev ports.TransferEvent, head uint64) error {
	exists, err := w.txRepo.Exists(ctx, ev.TxHash, ev.LogIndex)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	order, err := w.orderRepo.GetByAddress(ctx, ev.To)
	if err != nil {
		return err
	}
	if order == nil {
		// Address in the cache but not in the DB; stale cache entry.
		if err := w.addrCache.Remove(ctx, ev.To); err != nil {
			w.log.Warn().Err(err).Str("address", ev.To).Msg("failed to evict stale address")
		}
		return nil
	}

	decimals, ok := w.tokenDecimals[strings.ToLower(ev.TokenAddress)]
	if !ok {
		w.log.Warn().Str("token", ev.TokenAddress).Msg("transfer from unconfigured token contract, skipping")
		return nil
	}
	amount := decimal.NewFromBigInt(ev.Amount, -decimals)

	chainTx := &domain.ChainTransaction{
		ID:             uuid.New(),
		PaymentOrderID: order.ID,
		TxHash:         ev.TxHash,
		LogIndex:       ev.LogIndex,
		FromAddress:    ev.From,
		ToAddress:      ev.To,
		Amount:         amount,
		TokenAddress:   ev.TokenAddress,
		BlockNumber:    ev.BlockNumber,
		Status:         domain.TxStatusPending,
		DetectedAt:     time.Now().UTC(),
	}
	chainTx.Confirmations = chainTx.ConfirmationsAt(head)

	// A transfer landing on a terminal order is recorded for reconciliation
	// but never revives the order.
	if order.IsTerminal() {
		chainTx.Status = domain.TxStatusOrphaned
		if err := w.txRepo.Create(ctx, chainTx); err != nil {
			return err
		}
		w.log.Warn().
			Str("payment_id", order.ID.String()).
			Str("tx_hash", ev.TxHash).
			Str("amount", amount.String()).
			Str("order_status", string(order.Status)).
			Msg("late transfer on terminal order recorded as orphaned")
		return nil
	}

	if err := w.txRepo.Create(ctx, chainTx); err != nil {
		return err
	}
	if err := w.recomputeReceived(ctx, order.ID); err != nil {
		return err
	}

	w.log.Info().
		Str("payment_id", order.ID.String()).
		Str("tx_hash", ev.TxHash).
		Str("amount", amount.String()).
		Uint64("block", ev.BlockNumber).
		Msg("deposit detected")

	if order.Status == domain.OrderStatusCreated {
		if _, err := w.paymentSvc.Advance(ctx, order, domain.OrderStatusPending, chainTx); err != nil {
			return err
		}
	}
	return nil
}

// confirmationPass re-counts confirmations for every unfinalized transfer
// and applies the resulting order transitions. Per-transaction errors are
// logged and skipped so one bad row cannot stall the pass.
func (w *WatcherService) confirmationPass(ctx context.Context, head uint64) {
	txns, err := w.txRepo.ListUnfinalized(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to list unfinalized transactions")
		return
	}

	for i := range txns {
		if err := w.checkTransaction(ctx, &txns[i], head); err != nil {
			w.log.Error().Err(err).Str("tx_hash", txns[i].TxHash).Msg("confirmation check failed")
		}
	}
}

func (w *WatcherService) checkTransaction(ctx context.Context, tx *domain.ChainTransaction, head uint64) error {
	receipt, err := w.chainClient.TransactionReceipt(ctx, tx.TxHash)
	if err != nil {
		return err
	}

	if receipt == nil || !receipt.Success {
		// Reorged out of the canonical chain (or reverted). Drop the
		// transfer and roll the order back if its confirmation depended on it.
		return w.handleReorgedTx(ctx, tx)
	}

	if receipt.BlockNumber != tx.BlockNumber {
		// Reorg moved the transaction; confirmation count restarts from the
		// new block.
		if err := w.txRepo.UpdateBlockNumber(ctx, tx.ID, receipt.BlockNumber); err != nil {
			return err
		}
		tx.BlockNumber = receipt.BlockNumber
	}

	confs := tx.ConfirmationsAt(head)
	status := tx.Status
	var confirmedAt *time.Time
	if confs >= w.required && status == domain.TxStatusPending {
		status = domain.TxStatusConfirmed
		now := time.Now().UTC()
		confirmedAt = &now
	} else {
		confirmedAt = tx.ConfirmedAt
	}
	if err := w.txRepo.UpdateConfirmation(ctx, tx.ID, confs, status, confirmedAt); err != nil {
		return err
	}
	wasPending := tx.Status == domain.TxStatusPending
	tx.Confirmations = confs
	tx.Status = status
	if confirmedAt != nil {
		tx.ConfirmedAt = confirmedAt
	}

	if status == domain.TxStatusConfirmed && wasPending {
		return w.maybeConfirmOrder(ctx, tx)
	}
	return nil
}

// handleReorgedTx marks a transfer failed and reverts its order if needed.
// A CONFIRMED -> PENDING revert is the one transition that alerts.
func (w *WatcherService) handleReorgedTx(ctx context.Context, tx *domain.ChainTransaction) error {
	if err := w.txRepo.UpdateConfirmation(ctx, tx.ID, 0, domain.TxStatusFailed, nil); err != nil {
		return err
	}
	w.log.Warn().Str("tx_hash", tx.TxHash).Msg("transfer removed by chain reorganization")

	order, err := w.orderRepo.GetByID(ctx, tx.PaymentOrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return nil
	}
	if err := w.recomputeReceived(ctx, order.ID); err != nil {
		return err
	}

	if order.Status == domain.OrderStatusConfirmed {
		total, err := w.confirmedTotal(ctx, order.ID)
		if err != nil {
			return err
		}
		if total.LessThan(order.Amount) {
			if _, err := w.paymentSvc.Advance(ctx, order, domain.OrderStatusPending, tx); err != nil {
				return err
			}
		}
	}
	return nil
}

// maybeConfirmOrder confirms the order once its confirmed transfers cover
// the requested amount. Partial payments keep accumulating in PENDING.
func (w *WatcherService) maybeConfirmOrder(ctx context.Context, tx *domain.ChainTransaction) error {
	order, err := w.orderRepo.GetByID(ctx, tx.PaymentOrderID)
	if err != nil {
		return err
	}
	if order == nil || order.Status != domain.OrderStatusPending {
		return nil
	}

	total, err := w.confirmedTotal(ctx, order.ID)
	if err != nil {
		return err
	}
	if total.GreaterThanOrEqual(order.Amount) {
		if _, err := w.paymentSvc.Advance(ctx, order, domain.OrderStatusConfirmed, tx); err != nil {
			return err
		}
	}
	return nil
}

// expiryPass expires CREATED and PENDING orders past their deadline that
// have no transfers detected. An order with money in flight is held open
// until the transfer confirms or falls out of the chain.
func (w *WatcherService) expiryPass(ctx context.Context) {
	orders, err := w.orderRepo.ListExpirable(ctx, time.Now().UTC())
	if err != nil {
		w.log.Error().Err(err).Msg("failed to list expirable orders")
		return
	}
	for i := range orders {
		if orders[i].ReceivedAmount.IsPositive() {
			w.log.Warn().
				Str("payment_id", orders[i].ID.String()).
				Str("received", orders[i].ReceivedAmount.String()).
				Msg("order past expiry with transfer in flight, holding")
			continue
		}
		if _, err := w.paymentSvc.Advance(ctx, &orders[i], domain.OrderStatusExpired, nil); err != nil {
			w.log.Error().Err(err).Str("payment_id", orders[i].ID.String()).Msg("failed to expire order")
		}
	}
}

// recomputeReceived rewrites received_amount as the sum of all live
// transfers. Recomputing instead of incrementing keeps the figure correct
// across rescans and reorgs.
func (w *WatcherService) recomputeReceived(ctx context.Context, orderID uuid.UUID) error {
	txns, err := w.txRepo.ListByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	total := decimal.Zero
	for _, t := range txns {
		if t.Status == domain.TxStatusPending || t.Status == domain.TxStatusConfirmed {
			total = total.Add(t.Amount)
		}
	}
	return w.orderRepo.UpdateReceivedAmount(ctx, orderID, total)
}

// confirmedTotal sums the confirmed transfers of an order.
func (w *WatcherService) confirmedTotal(ctx context.Context, orderID uuid.UUID) (decimal.Decimal, error) {
	txns, err := w.txRepo.ListByOrder(ctx, orderID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, t := range txns {
		if t.Status == domain.TxStatusConfirmed {
			total = total.Add(t.Amount)
		}
	}
	return total, nil
}
