package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TxStatus represents the confirmation state of an observed transfer.
type TxStatus string

const (
	TxStatusPending   TxStatus = "PENDING"
	TxStatusConfirmed TxStatus = "CONFIRMED"
	TxStatusFailed    TxStatus = "FAILED"
	// TxStatusOrphaned marks a transfer that landed on a deposit address whose
	// order was already terminal. Kept for operator reconciliation; never
	// revives the order.
	TxStatusOrphaned TxStatus = "ORPHANED"
)

// ChainTransaction is an on-chain token transfer observed on a deposit
// address. An order may accumulate several of them (partial payments).
type ChainTransaction struct {
	ID             uuid.UUID       `json:"id"`
	PaymentOrderID uuid.UUID       `json:"payment_order_id"`
	TxHash         string          `json:"tx_hash"`
	LogIndex       uint32          `json:"log_index"` // disambiguates multiple transfers in one tx
	FromAddress    string          `json:"from_address"`
	ToAddress      string          `json:"to_address"`
	Amount         decimal.Decimal `json:"amount"`
	TokenAddress   string          `json:"token_address"`
	BlockNumber    uint64          `json:"block_number"`
	Confirmations  uint64          `json:"confirmations"`
	Status         TxStatus        `json:"status"`
	DetectedAt     time.Time       `json:"detected_at"`
	ConfirmedAt    *time.Time      `json:"confirmed_at,omitempty"`
}

// ConfirmationsAt returns the confirmation depth at the given head block.
// A transaction in block N has 1 confirmation when the head is N.
func (t *ChainTransaction) ConfirmationsAt(head uint64) uint64 {
	if head < t.BlockNumber {
		return 0
	}
	return head - t.BlockNumber + 1
}

// IsConfirmedAt reports whether the transfer has reached the required depth.
func (t *ChainTransaction) IsConfirmedAt(head, required uint64) bool {
	return t.ConfirmationsAt(head) >= required
}
