package domain

import (
	"time"

	"github.com/google/uuid"
)

// WebhookStatus represents the delivery state of a webhook.
type WebhookStatus string

const (
	WebhookStatusPending   WebhookStatus = "PENDING"
	WebhookStatusDelivered WebhookStatus = "DELIVERED"
	WebhookStatusFailed    WebhookStatus = "FAILED"
)

// WebhookDelivery records the outcome of delivering one state-change event to
// a merchant callback endpoint.
type WebhookDelivery struct {
	ID             uuid.UUID     `json:"id"`
	PaymentOrderID uuid.UUID     `json:"payment_order_id"`
	MerchantID     uuid.UUID     `json:"merchant_id"`
	Event          string        `json:"event"`
	WebhookURL     string        `json:"webhook_url"`
	Payload        string        `json:"payload"` // JSON string
	HTTPStatus     *int          `json:"http_status,omitempty"`
	Attempt        int           `json:"attempt"`
	Status         WebhookStatus `json:"status"`
	LastError      *string       `json:"last_error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}
