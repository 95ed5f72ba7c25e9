package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MerchantStatus represents the state of a merchant account.
type MerchantStatus string

const (
	MerchantStatusActive      MerchantStatus = "ACTIVE"
	MerchantStatusSuspended   MerchantStatus = "SUSPENDED"
	MerchantStatusDeactivated MerchantStatus = "DEACTIVATED"
)

// Merchant is a registered merchant. The engine only reads merchants; account
// lifecycle is owned by the external account-management service.
type Merchant struct {
	ID                uuid.UUID           `json:"id"`
	Email             string              `json:"email"`
	BusinessName      string              `json:"business_name"`
	APIKeyHash        string              `json:"-"` // Argon2id, never expose
	WalletAddress     string              `json:"wallet_address"` // settlement destination
	ColdWalletAddress *string             `json:"cold_wallet_address,omitempty"`
	WebhookURL        *string             `json:"webhook_url,omitempty"`
	WebhookSecret     string              `json:"-"` // Never expose
	FeePercentage     decimal.NullDecimal `json:"fee_percentage"`
	Status            MerchantStatus      `json:"status"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// IsActive returns true if the merchant account is active.
func (m *Merchant) IsActive() bool {
	return m.Status == MerchantStatusActive
}

// EffectiveFee returns the merchant's fee percentage, or defaultPct when the
// merchant record carries none. An explicit zero fee is honored as zero.
func (m *Merchant) EffectiveFee(defaultPct decimal.Decimal) decimal.Decimal {
	if m.FeePercentage.Valid {
		return m.FeePercentage.Decimal
	}
	return defaultPct
}
