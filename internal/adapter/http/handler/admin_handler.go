package handler

import (
	"strconv"

	"crypto-payment-engine/internal/adapter/http/dto"
	"crypto-payment-engine/internal/core/domain"
	"crypto-payment-engine/internal/core/ports"
	"crypto-payment-engine/pkg/apperror"
	"crypto-payment-engine/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// AdminHandler handles the operator endpoints.
type AdminHandler struct {
	paymentSvc ports.PaymentService
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(paymentSvc ports.PaymentService) *AdminHandler {
	return &AdminHandler{paymentSvc: paymentSvc}
}

// ListOrders handles GET /api/v1/admin/orders?status=FAILED&limit=50.
func (h *AdminHandler) ListOrders(c *gin.Context) {
	status := domain.OrderStatus(c.Query("status"))
	if status == "" {
		response.Error(c, apperror.Validation("status query parameter is required"))
		return
	}

	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			response.Error(c, apperror.Validation("limit must be between 1 and 500"))
			return
		}
		limit = n
	}

	orders, err := h.paymentSvc.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	resp := make([]dto.AdminOrderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toAdminOrderResponse(&orders[i]))
	}
	response.OK(c, resp)
}

// RetrySettlement handles POST /api/v1/admin/orders/:id/retry. Requeues a
// FAILED order for settlement with a fresh attempt budget.
func (h *AdminHandler) RetrySettlement(c *gin.Context) {
	paymentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperror.ErrNotFound("payment"))
		return
	}

	if err := h.paymentSvc.RetrySettlement(c.Request.Context(), paymentID); err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, gin.H{"payment_id": paymentID.String(), "status": string(domain.OrderStatusConfirmed)})
}

func toAdminOrderResponse(o *domain.PaymentOrder) dto.AdminOrderResponse {
	return dto.AdminOrderResponse{
		PaymentResponse: toPaymentResponse(o),
		MerchantID:      o.MerchantID.String(),
		GasTxHash:       o.GasTxHash,
		SweepTxHash:     o.SweepTxHash,
		FeeTxHash:       o.FeeTxHash,
		SettleAttempts:  o.SettleAttempts,
	}
}
