package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"crypto-payment-engine/internal/core/domain"
	"crypto-payment-engine/internal/core/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// webhookRetryIntervals is the delivery retry ladder.
var webhookRetryIntervals = []time.Duration{
	15 * time.Second,
	60 * time.Second,
	2 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
}

// WebhookPayload is the JSON structure sent to the merchant webhook URL. The
// X-Signature header carries HMAC-SHA256 of this body under the merchant's
// webhook secret.
type WebhookPayload struct {
	Event         string            `json:"event"`
	PaymentID     string            `json:"payment_id"`
	OrderID       string            `json:"order_id"`
	Amount        string            `json:"amount"`
	Currency      string            `json:"currency"`
	Status        string            `json:"status"`
	TxHash        string            `json:"tx_hash,omitempty"`
	Confirmations uint64            `json:"confirmations,omitempty"`
	ConfirmedAt   *time.Time        `json:"confirmed_at,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Timestamp     int64             `json:"timestamp"`
}

// HTTPClient interface for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// webhookService implements ports.WebhookService.
type webhookService struct {
	merchantRepo ports.MerchantRepository
	deliveryRepo ports.WebhookDeliveryRepository
	sigSvc       ports.SignatureService
	httpClient   HTTPClient
	log          zerolog.Logger
}

// NewWebhookService creates a new webhook service.
func NewWebhookService(
	merchantRepo ports.MerchantRepository,
	deliveryRepo ports.WebhookDeliveryRepository,
	sigSvc ports.SignatureService,
	httpClient HTTPClient,
	log zerolog.Logger,
) ports.WebhookService {
	return &webhookService{
		merchantRepo: merchantRepo,
		deliveryRepo: deliveryRepo,
		sigSvc:       sigSvc,
		httpClient:   httpClient,
		log:          log,
	}
}

// Enqueue builds, signs and asynchronously delivers a state-change event.
// Strictly best-effort: the caller's transition has already happened.
func (s *webhookService) Enqueue(ctx context.Context, order *domain.PaymentOrder, event string, chainTx *domain.ChainTransaction) error {
	merchant, err := s.merchantRepo.GetByID(ctx, order.MerchantID)
	if err != nil {
		s.log.Error().Err(err).Str("merchant_id", order.MerchantID.String()).Msg("webhook: failed to fetch merchant")
		return err
	}
	if merchant == nil || merchant.WebhookURL == nil || *merchant.WebhookURL == "" {
		s.log.Debug().Str("merchant_id", order.MerchantID.String()).Msg("webhook: no webhook URL configured, skipping")
		return nil
	}

	payload := WebhookPayload{
		Event:     event,
		PaymentID: order.ID.String(),
		OrderID:   order.OrderID,
		Amount:    order.Amount.String(),
		Currency:  order.Currency,
		Status:    string(order.Status),
		Metadata:  order.Metadata,
		Timestamp: time.Now().Unix(),
	}
	if chainTx != nil {
		payload.TxHash = chainTx.TxHash
		payload.Confirmations = chainTx.Confirmations
		payload.ConfirmedAt = chainTx.ConfirmedAt
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	signature := s.sigSvc.Sign(merchant.WebhookSecret, string(body))

	now := time.Now().UTC()
	delivery := &domain.WebhookDelivery{
		ID:             uuid.New(),
		PaymentOrderID: order.ID,
		MerchantID:     order.MerchantID,
		Event:          event,
		WebhookURL:     *merchant.WebhookURL,
		Payload:        string(body),
		Attempt:        0,
		Status:         domain.WebhookStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.deliveryRepo.Create(ctx, delivery); err != nil {
		s.log.Error().Err(err).Str("payment_id", order.ID.String()).Msg("webhook: failed to record delivery")
		return err
	}

	go s.deliverWithRetries(delivery, body, signature)
	return nil
}

// deliverWithRetries attempts delivery with the retry ladder, updating the
// delivery record after each attempt. Runs detached from the caller.
func (s *webhookService) deliverWithRetries(delivery *domain.WebhookDelivery, body []byte, signature string) {
	ctx := context.Background()

	for attempt := 0; attempt <= len(webhookRetryIntervals); attempt++ {
		if attempt > 0 {
			time.Sleep(webhookRetryIntervals[attempt-1])
		}
		delivery.Attempt = attempt + 1

		status, err := s.deliver(delivery.WebhookURL, body, signature)
		if err != nil {
			msg := err.Error()
			delivery.LastError = &msg
			s.log.Warn().Err(err).Str("payment_id", delivery.PaymentOrderID.String()).Int("attempt", delivery.Attempt).Msg("webhook: delivery failed")
		} else {
			delivery.HTTPStatus = &status
			delivery.LastError = nil
		}

		if err == nil && status >= 200 && status < 300 {
			delivery.Status = domain.WebhookStatusDelivered
			if uerr := s.deliveryRepo.Update(ctx, delivery); uerr != nil {
				s.log.Error().Err(uerr).Str("payment_id", delivery.PaymentOrderID.String()).Msg("webhook: failed to update delivery record")
			}
			s.log.Info().Str("payment_id", delivery.PaymentOrderID.String()).Int("attempt", delivery.Attempt).Int("status", status).Msg("webhook: delivered")
			return
		}

		if err == nil {
			s.log.Warn().Str("payment_id", delivery.PaymentOrderID.String()).Int("attempt", delivery.Attempt).Int("status", status).Msg("webhook: non-2xx response, retrying")
		}
		if uerr := s.deliveryRepo.Update(ctx, delivery); uerr != nil {
			s.log.Error().Err(uerr).Str("payment_id", delivery.PaymentOrderID.String()).Msg("webhook: failed to update delivery record")
		}
	}

	delivery.Status = domain.WebhookStatusFailed
	if err := s.deliveryRepo.Update(ctx, delivery); err != nil {
		s.log.Error().Err(err).Str("payment_id", delivery.PaymentOrderID.String()).Msg("webhook: failed to update delivery record")
	}
	s.log.Error().Str("payment_id", delivery.PaymentOrderID.String()).Str("event", delivery.Event).Msg("webhook: all retry attempts exhausted")
}

func (s *webhookService) deliver(url string, body []byte, signature string) (int, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", signature)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
