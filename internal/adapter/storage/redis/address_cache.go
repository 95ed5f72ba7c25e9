package redis

import (
	"context"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

const addressSetKey = "watch:addresses"

// AddressCache implements ports.AddressCache as a Redis set of active deposit
// addresses. The watcher checks every observed transfer recipient against it,
// so membership must be cheap. Addresses are stored lowercased; EVM addresses
// are case-insensitive.
type AddressCache struct {
	client *goredis.Client
}

// NewAddressCache creates a new Redis-backed address cache.
func NewAddressCache(client *goredis.Client) *AddressCache {
	return &AddressCache{client: client}
}

// Add registers a deposit address for watching.
func (c *AddressCache) Add(ctx context.Context, address string) error {
	if err := c.client.SAdd(ctx, addressSetKey, strings.ToLower(address)).Err(); err != nil {
		return fmt.Errorf("redis address add: %w", err)
	}
	return nil
}

// Remove unregisters a deposit address once its order is terminal.
func (c *AddressCache) Remove(ctx context.Context, address string) error {
	if err := c.client.SRem(ctx, addressSetKey, strings.ToLower(address)).Err(); err != nil {
		return fmt.Errorf("redis address remove: %w", err)
	}
	return nil
}

// Contains reports whether the address belongs to an active order.
func (c *AddressCache) Contains(ctx context.Context, address string) (bool, error) {
	ok, err := c.client.SIsMember(ctx, addressSetKey, strings.ToLower(address)).Result()
	if err != nil {
		return false, fmt.Errorf("redis address contains: %w", err)
	}
	return ok, nil
}

// Fill replaces the set with the given addresses. Called on startup from the
// database so a restart never drops a watched address.
func (c *AddressCache) Fill(ctx context.Context, addresses []string) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, addressSetKey)
	if len(addresses) > 0 {
		members := make([]any, 0, len(addresses))
		for _, a := range addresses {
			members = append(members, strings.ToLower(a))
		}
		pipe.SAdd(ctx, addressSetKey, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		return fmt.Errorf("redis address fill: %w", err)
	}
	return nil
}
