package postgres

import (
	"context"
	"fmt"
	"time"

	"crypto-payment-engine/internal/core/domain"
)

// WebhookDeliveryRepo implements ports.WebhookDeliveryRepository.
type WebhookDeliveryRepo struct {
	pool Pool
}

// NewWebhookDeliveryRepo creates a new WebhookDeliveryRepo.
func NewWebhookDeliveryRepo(pool Pool) *WebhookDeliveryRepo {
	return &WebhookDeliveryRepo{pool: pool}
}

// Create inserts a webhook delivery record.
func (r *WebhookDeliveryRepo) Create(ctx context.Context, d *domain.WebhookDelivery) error {
	query := `INSERT INTO webhook_deliveries
		(id, payment_order_id, merchant_id, event, webhook_url, payload, http_status, attempt, status, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.pool.Exec(ctx, query,
		d.ID, d.PaymentOrderID, d.MerchantID, d.Event, d.WebhookURL,
		d.Payload, d.HTTPStatus, d.Attempt, d.Status, d.LastError,
		d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook delivery: %w", err)
	}
	return nil
}

// Update records the outcome of a delivery attempt.
func (r *WebhookDeliveryRepo) Update(ctx context.Context, d *domain.WebhookDelivery) error {
	d.UpdatedAt = time.Now().UTC()
	query := `UPDATE webhook_deliveries
		SET http_status=$1, attempt=$2, status=$3, last_error=$4, updated_at=$5
		WHERE id=$6`

	_, err := r.pool.Exec(ctx, query,
		d.HTTPStatus, d.Attempt, d.Status, d.LastError, d.UpdatedAt, d.ID,
	)
	if err != nil {
		return fmt.Errorf("update webhook delivery: %w", err)
	}
	return nil
}
