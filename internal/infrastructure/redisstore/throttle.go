package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"Newsroom/internal/ports"
)

// ThrottleStore implements ports.ThrottleStore as expiring keys holding the
// end of the cooldown.
type ThrottleStore struct {
	client *redis.Client
	keys   keyspace
}

var _ ports.ThrottleStore = (*ThrottleStore)(nil)

// NewThrottleStore wires a Redis client.
func NewThrottleStore(client *redis.Client, prefix string) *ThrottleStore {
	return &ThrottleStore{client: client, keys: newKeyspace(prefix)}
}

// Throttle blocks caller on service until the given time.
func (s *ThrottleStore) Throttle(ctx context.Context, caller, service string, until, now time.Time) error {
	ttl := until.Sub(now)
	if ttl <= 0 {
		return nil
	}
	key := s.keys.key("throttle", caller, service)
	if err := s.client.Set(ctx, key, until.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("throttle %s/%s: %w", caller, service, err)
	}
	return nil
}

// ThrottledUntil returns the end of an active cooldown or the zero time.
func (s *ThrottleStore) ThrottledUntil(ctx context.Context, caller, service string, now time.Time) (time.Time, error) {
	raw, err := s.client.Get(ctx, s.keys.key("throttle", caller, service)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read throttle %s/%s: %w", caller, service, err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse throttle %s/%s: %w", caller, service, err)
	}
	until := fromMillis(ms)
	if !until.After(now) {
		return time.Time{}, nil
	}
	return until, nil
}
