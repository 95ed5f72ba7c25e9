package handler

import (
	"crypto-payment-engine/internal/adapter/http/dto"
	"crypto-payment-engine/internal/adapter/http/middleware"
	"crypto-payment-engine/internal/core/domain"
	"crypto-payment-engine/internal/core/ports"
	"crypto-payment-engine/pkg/apperror"
	"crypto-payment-engine/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// PaymentHandler handles the merchant payment endpoints.
type PaymentHandler struct {
	paymentSvc ports.PaymentService
}

// NewPaymentHandler creates a new PaymentHandler.
func NewPaymentHandler(paymentSvc ports.PaymentService) *PaymentHandler {
	return &PaymentHandler{paymentSvc: paymentSvc}
}

// CreatePayment handles POST /api/v1/payments.
func (h *PaymentHandler) CreatePayment(c *gin.Context) {
	merchantID, ok := c.Get(middleware.CtxMerchantID)
	if !ok {
		response.Error(c, apperror.ErrInvalidAPIKey())
		return
	}

	var req dto.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	order, err := h.paymentSvc.CreatePayment(c.Request.Context(), ports.CreatePaymentRequest{
		MerchantID: merchantID.(uuid.UUID),
		OrderID:    req.OrderID,
		Amount:     req.Amount,
		Currency:   req.Currency,
		Metadata:   mergeURLs(req),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, toPaymentResponse(order))
}

// GetPayment handles GET /api/v1/payments/:id.
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	merchantID, ok := c.Get(middleware.CtxMerchantID)
	if !ok {
		response.Error(c, apperror.ErrInvalidAPIKey())
		return
	}

	paymentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperror.ErrNotFound("payment"))
		return
	}

	order, err := h.paymentSvc.GetPayment(c.Request.Context(), merchantID.(uuid.UUID), paymentID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, toPaymentResponse(order))
}

// mergeURLs folds the optional callback and return URLs into the order
// metadata, leaving the caller's map untouched.
func mergeURLs(req dto.CreatePaymentRequest) map[string]string {
	if req.CallbackURL == "" && req.ReturnURL == "" {
		return req.Metadata
	}
	merged := make(map[string]string, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		merged[k] = v
	}
	if req.CallbackURL != "" {
		merged["callback_url"] = req.CallbackURL
	}
	if req.ReturnURL != "" {
		merged["return_url"] = req.ReturnURL
	}
	return merged
}

// toPaymentResponse converts a domain order to its merchant-facing DTO.
// Settlement internals and the derivation index never cross this boundary.
func toPaymentResponse(o *domain.PaymentOrder) dto.PaymentResponse {
	return dto.PaymentResponse{
		ID:             o.ID.String(),
		OrderID:        o.OrderID,
		Amount:         o.Amount,
		ReceivedAmount: o.ReceivedAmount,
		FeeAmount:      o.FeeAmount,
		NetAmount:      o.NetAmount,
		Currency:       o.Currency,
		PaymentAddress: o.PaymentAddress,
		Status:         string(o.Status),
		ExpiresAt:      o.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"),
		Metadata:       o.Metadata,
		CreatedAt:      o.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}
