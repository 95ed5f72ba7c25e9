package ports

import (
	"context"
	"time"

	"crypto-payment-engine/internal/core/domain"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WalletService derives per-order deposit addresses from the master seed and
// signs transactions. Private keys never cross this boundary: callers hand in
// an unsigned transaction and get back a signed one.
type WalletService interface {
	// NextIndex atomically allocates the next derivation index.
	NextIndex(ctx context.Context) (uint32, error)
	// DeriveAddress is a pure function of the master seed and index.
	DeriveAddress(index uint32) (string, error)
	// SignDepositTx signs with the deposit key at index. The key is
	// reconstructed for the call and zeroed before returning.
	SignDepositTx(index uint32, tx *types.Transaction) (*types.Transaction, error)
	// SignOperationalTx signs with the gas-funding wallet key.
	SignOperationalTx(tx *types.Transaction) (*types.Transaction, error)
	// OperationalAddress is the gas-funding wallet address.
	OperationalAddress() string
}

// CreatePaymentRequest holds validated input for payment creation.
type CreatePaymentRequest struct {
	MerchantID uuid.UUID
	OrderID    string
	Amount     decimal.Decimal
	Currency   string
	Metadata   map[string]string
}

// PaymentService owns the payment-order lifecycle.
type PaymentService interface {
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (*domain.PaymentOrder, error)
	GetPayment(ctx context.Context, merchantID, paymentID uuid.UUID) (*domain.PaymentOrder, error)
	ListByStatus(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.PaymentOrder, error)
	// Advance applies a guarded state transition and emits the webhook event
	// on success. Returns false when the compare-and-swap lost (another worker
	// already moved the order).
	Advance(ctx context.Context, order *domain.PaymentOrder, to domain.OrderStatus, chainTx *domain.ChainTransaction) (bool, error)
	// RetrySettlement requeues a FAILED order for settlement. Operator-only.
	RetrySettlement(ctx context.Context, paymentID uuid.UUID) error
}

// WebhookService delivers signed state-change notifications to merchants.
// Strictly best-effort: failures never affect order state.
type WebhookService interface {
	Enqueue(ctx context.Context, order *domain.PaymentOrder, event string, chainTx *domain.ChainTransaction) error
}

// SignatureService handles HMAC-SHA256 signing and verification of webhook
// payloads.
type SignatureService interface {
	Sign(secretKey string, payload string) string
	Verify(secretKey string, payload string, signature string) bool
}

// HashService verifies merchant API keys (Argon2id).
type HashService interface {
	Hash(secret string) (string, error)
	Verify(secret string, hash string) (bool, error)
}

// TokenService handles operator JWT tokens for the admin surface.
type TokenService interface {
	Generate(subject string) (string, time.Time, error)
	Validate(tokenString string) (*TokenClaims, error)
}

// TokenClaims holds the parsed JWT claims.
type TokenClaims struct {
	Subject string
}

// IdempotencyCache is the fast-path duplicate check for payment creation.
type IdempotencyCache interface {
	Get(ctx context.Context, key string) ([]byte, error) // Returns cached response JSON or nil
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// AddressCache indexes the deposit addresses of non-terminal orders so the
// watcher can filter transfer events locally instead of filtering per address
// on the node.
type AddressCache interface {
	Add(ctx context.Context, address string) error
	Remove(ctx context.Context, address string) error
	Contains(ctx context.Context, address string) (bool, error)
	// Fill backloads the active set, used at startup.
	Fill(ctx context.Context, addresses []string) error
}
