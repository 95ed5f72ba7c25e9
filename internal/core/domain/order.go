package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus represents the lifecycle state of a payment order.
type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "CREATED"
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	OrderStatusSettling  OrderStatus = "SETTLING"
	OrderStatusSettled   OrderStatus = "SETTLED"
	OrderStatusExpired   OrderStatus = "EXPIRED"
	OrderStatusFailed    OrderStatus = "FAILED"
)

// orderTransitions is the legal state graph. SETTLING -> CONFIRMED releases a
// settlement claim after a transient failure; CONFIRMED -> PENDING is the
// reorg revert and always alerts.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusCreated:   {OrderStatusPending, OrderStatusExpired},
	OrderStatusPending:   {OrderStatusConfirmed, OrderStatusExpired},
	OrderStatusConfirmed: {OrderStatusSettling, OrderStatusPending},
	OrderStatusSettling:  {OrderStatusSettled, OrderStatusConfirmed, OrderStatusFailed},
}

// operatorTransitions are only reachable through the admin surface, never by
// the engine's own loops.
var operatorTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusFailed: {OrderStatusConfirmed},
}

// PaymentOrder is a per-order payment contract with its own deposit address.
// Once terminal it is an immutable financial record and is never deleted.
type PaymentOrder struct {
	ID              uuid.UUID         `json:"id"`
	MerchantID      uuid.UUID         `json:"merchant_id"`
	OrderID         string            `json:"order_id"` // merchant-supplied reference
	Amount          decimal.Decimal   `json:"amount"`   // requested amount
	ReceivedAmount  decimal.Decimal   `json:"received_amount"`
	FeeAmount       decimal.Decimal   `json:"fee_amount"`
	NetAmount       decimal.Decimal   `json:"net_amount"`
	Currency        string            `json:"currency"`
	TokenAddress    string            `json:"token_address"`
	PaymentAddress  string            `json:"payment_address"`
	DerivationIndex uint32            `json:"-"` // never exposed
	Status          OrderStatus       `json:"status"`
	GasTxHash       *string           `json:"gas_tx_hash,omitempty"`
	SweepTxHash     *string           `json:"sweep_tx_hash,omitempty"`
	FeeTxHash       *string           `json:"fee_tx_hash,omitempty"`
	SettleAttempts  int               `json:"-"`
	ExpiresAt       time.Time         `json:"expires_at"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// IsTerminal returns true if the order is in a final state.
func (o *PaymentOrder) IsTerminal() bool {
	return o.Status == OrderStatusSettled ||
		o.Status == OrderStatusExpired ||
		o.Status == OrderStatusFailed
}

// CanTransitionTo reports whether the engine may move the order to next.
func (o *PaymentOrder) CanTransitionTo(next OrderStatus) bool {
	for _, s := range orderTransitions[o.Status] {
		if s == next {
			return true
		}
	}
	return false
}

// CanOperatorTransitionTo reports whether an operator action may move the
// order to next (settlement retry of a FAILED order).
func (o *PaymentOrder) CanOperatorTransitionTo(next OrderStatus) bool {
	for _, s := range operatorTransitions[o.Status] {
		if s == next {
			return true
		}
	}
	return false
}
