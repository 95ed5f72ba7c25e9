package handler

import (
	"crypto-payment-engine/internal/adapter/http/middleware"
	"crypto-payment-engine/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	PaymentSvc     ports.PaymentService
	MerchantRepo   ports.MerchantRepository
	HashSvc        ports.HashService
	TokenSvc       ports.TokenService
	HealthCheckers []ports.HealthChecker
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1 MB request body limit

	// Health check (deep, verifies PostgreSQL + Redis + chain RPC)
	r.GET("/health", HealthCheck(deps.HealthCheckers...))

	paymentHandler := NewPaymentHandler(deps.PaymentSvc)
	adminHandler := NewAdminHandler(deps.PaymentSvc)

	api := r.Group("/api/v1")

	// Merchant surface, API-key authenticated
	payments := api.Group("/payments")
	payments.Use(middleware.MerchantAuth(deps.MerchantRepo, deps.HashSvc, deps.Logger))
	{
		payments.POST("", paymentHandler.CreatePayment)
		payments.GET("/:id", paymentHandler.GetPayment)
	}

	// Operator surface, JWT authenticated
	admin := api.Group("/admin")
	admin.Use(middleware.OperatorAuth(deps.TokenSvc, deps.Logger))
	{
		admin.GET("/orders", adminHandler.ListOrders)
		admin.POST("/orders/:id/retry", adminHandler.RetrySettlement)
	}

	return r
}
