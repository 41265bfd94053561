package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"Newsroom/internal/ports"
)

// SignatureCache implements ports.SignatureCache with SET NX keys, so two
// monitors polling overlapping sources enqueue a given signature once.
type SignatureCache struct {
	client *redis.Client
	keys   keyspace
}

var _ ports.SignatureCache = (*SignatureCache)(nil)

// NewSignatureCache wires a Redis client.
func NewSignatureCache(client *redis.Client, prefix string) *SignatureCache {
	return &SignatureCache{client: client, keys: newKeyspace(prefix)}
}

// Claim records the signature; false means it was already present.
func (c *SignatureCache) Claim(ctx context.Context, signature string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.keys.key("signature", signature), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim signature: %w", err)
	}
	return ok, nil
}

// Release forgets a claimed signature, e.g. when enqueueing failed.
func (c *SignatureCache) Release(ctx context.Context, signature string) error {
	if err := c.client.Del(ctx, c.keys.key("signature", signature)).Err(); err != nil {
		return fmt.Errorf("release signature: %w", err)
	}
	return nil
}
