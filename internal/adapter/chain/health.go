package chain

import "context"

// HealthCheck implements ports.HealthChecker for the chain RPC endpoints.
type HealthCheck struct {
	client *Client
}

// NewHealthCheck creates a chain RPC health checker.
func NewHealthCheck(client *Client) *HealthCheck {
	return &HealthCheck{client: client}
}

// Ping checks that at least one RPC endpoint answers a head query.
func (h *HealthCheck) Ping(ctx context.Context) error {
	_, err := h.client.HeadBlock(ctx)
	return err
}

// Name returns the dependency name.
func (h *HealthCheck) Name() string {
	return "chain"
}
