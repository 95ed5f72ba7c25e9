package dto

import "github.com/shopspring/decimal"

// CreatePaymentRequest is the request body for payment order creation.
type CreatePaymentRequest struct {
	OrderID     string            `json:"order_id" binding:"required,max=100,safe_id"`
	Amount      decimal.Decimal   `json:"amount" binding:"required"`
	Currency    string            `json:"currency" binding:"required,min=2,max=10"`
	CallbackURL string            `json:"callback_url,omitempty" binding:"omitempty,url,max=500"`
	ReturnURL   string            `json:"return_url,omitempty" binding:"omitempty,url,max=500"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// PaymentResponse is the API representation of a payment order. FeeAmount and
// NetAmount show the indicative split on the requested amount until
// settlement records the final figures.
type PaymentResponse struct {
	ID             string            `json:"id"`
	OrderID        string            `json:"order_id"`
	Amount         decimal.Decimal   `json:"amount"`
	ReceivedAmount decimal.Decimal   `json:"received_amount"`
	FeeAmount      decimal.Decimal   `json:"fee_amount"`
	NetAmount      decimal.Decimal   `json:"net_amount"`
	Currency       string            `json:"currency"`
	PaymentAddress string            `json:"payment_address"`
	Status         string            `json:"status"`
	ExpiresAt      string            `json:"expires_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      string            `json:"created_at"`
}

// AdminOrderResponse extends PaymentResponse with settlement detail only the
// operator surface exposes.
type AdminOrderResponse struct {
	PaymentResponse
	MerchantID     string  `json:"merchant_id"`
	GasTxHash      *string `json:"gas_tx_hash,omitempty"`
	SweepTxHash    *string `json:"sweep_tx_hash,omitempty"`
	FeeTxHash      *string `json:"fee_tx_hash,omitempty"`
	SettleAttempts int     `json:"settle_attempts"`
}
