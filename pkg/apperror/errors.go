package apperror

import (
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// ---- Validation (VAL) ----

func Validation(message string) *AppError {
	return New("VAL_001", message, http.StatusBadRequest)
}

func ErrUnsupportedCurrency(currency string) *AppError {
	return New("VAL_002", fmt.Sprintf("Unsupported currency: %s", currency), http.StatusBadRequest)
}

// ---- Payment Order Lifecycle (PAY) ----

func ErrNotFound(entity string) *AppError {
	return New("PAY_001", fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

func ErrDuplicateOrder() *AppError {
	return New("PAY_002", "Duplicate order reference for merchant", http.StatusConflict)
}

func ErrIllegalTransition(from, to string) *AppError {
	return New("PAY_003", fmt.Sprintf("Illegal order transition %s -> %s", from, to), http.StatusConflict)
}

func ErrMerchantInactive() *AppError {
	return New("PAY_004", "Merchant account is not active", http.StatusForbidden)
}

// ---- Chain Observation (CHAIN) ----

func ErrChainRPC(err error) *AppError {
	return Wrap("CHAIN_001", "Blockchain RPC call failed", http.StatusBadGateway, err)
}

func ErrAllEndpointsDown(err error) *AppError {
	return Wrap("CHAIN_002", "All RPC endpoints unreachable", http.StatusBadGateway, err)
}

func ErrReorgDetected(txHash string) *AppError {
	return New("CHAIN_003", fmt.Sprintf("Transaction %s removed by chain reorganization", txHash), http.StatusConflict)
}

// ---- Settlement (SET) ----

func ErrSettlementClaimLost() *AppError {
	return New("SET_001", "Order already claimed by another settlement worker", http.StatusConflict)
}

func ErrGasFunding(err error) *AppError {
	return Wrap("SET_002", "Gas funding of deposit address failed", http.StatusBadGateway, err)
}

func ErrBroadcastFailed(err error) *AppError {
	return Wrap("SET_003", "Settlement transaction broadcast failed", http.StatusBadGateway, err)
}

func ErrSettlementExhausted(attempts int) *AppError {
	return New("SET_004", fmt.Sprintf("Settlement abandoned after %d attempts", attempts), http.StatusInternalServerError)
}

// ---- Webhook Delivery (HOOK) ----

func ErrWebhookDelivery(err error) *AppError {
	return Wrap("HOOK_001", "Webhook delivery failed", http.StatusBadGateway, err)
}

// ---- Authentication (AUTH) ----

func ErrInvalidAPIKey() *AppError {
	return New("AUTH_001", "Invalid API key", http.StatusUnauthorized)
}

func ErrInvalidToken() *AppError {
	return New("AUTH_002", "Invalid or expired token", http.StatusUnauthorized)
}

// ---- System & Infrastructure (SYS) ----

func ErrDatabaseError(err error) *AppError {
	return Wrap("SYS_001", "Internal database error", http.StatusInternalServerError, err)
}

func ErrCacheError(err error) *AppError {
	return Wrap("SYS_002", "Cache operation failed", http.StatusInternalServerError, err)
}

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap("SYS_001", "Internal server error", http.StatusInternalServerError, err)
}
