package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"Newsroom/internal/domain"
	"Newsroom/internal/ports"
)

const (
	dayTTL   = 48 * time.Hour
	monthTTL = 32 * 24 * time.Hour
)

// UsageStore implements ports.UsageStore with INCRBYFLOAT counters bucketed
// by UTC day and month.
type UsageStore struct {
	client *redis.Client
	keys   keyspace
}

var _ ports.UsageStore = (*UsageStore)(nil)

// NewUsageStore wires a Redis client.
func NewUsageStore(client *redis.Client, prefix string) *UsageStore {
	return &UsageStore{client: client, keys: newKeyspace(prefix)}
}

func (s *UsageStore) usageKeys(caller, service string, now time.Time) (callerDay, callerMonth, serviceMonth, globalMonth string) {
	now = now.UTC()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")
	return s.keys.key("usage", "caller", caller, "day", day),
		s.keys.key("usage", "caller", caller, "month", month),
		s.keys.key("usage", "service", service, "month", month),
		s.keys.key("usage", "global", "month", month)
}

// Record adds cost to all four counters in one MULTI block.
func (s *UsageStore) Record(ctx context.Context, caller, service string, cost float64, now time.Time) error {
	if cost <= 0 {
		return nil
	}
	callerDay, callerMonth, serviceMonth, globalMonth := s.usageKeys(caller, service, now)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.IncrByFloat(ctx, callerDay, cost)
		pipe.Expire(ctx, callerDay, dayTTL)
		for _, key := range []string{callerMonth, serviceMonth, globalMonth} {
			pipe.IncrByFloat(ctx, key, cost)
			pipe.Expire(ctx, key, monthTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record usage %s/%s: %w", caller, service, err)
	}
	return nil
}

// Usage reads the counters relevant to a permission check.
func (s *UsageStore) Usage(ctx context.Context, caller, service string, now time.Time) (domain.Usage, error) {
	callerDay, callerMonth, serviceMonth, globalMonth := s.usageKeys(caller, service, now)

	vals, err := s.client.MGet(ctx, callerDay, callerMonth, serviceMonth, globalMonth).Result()
	if err != nil {
		return domain.Usage{}, fmt.Errorf("read usage %s/%s: %w", caller, service, err)
	}
	return domain.Usage{
		CallerDay:    parseFloat(vals[0]),
		CallerMonth:  parseFloat(vals[1]),
		ServiceMonth: parseFloat(vals[2]),
		GlobalMonth:  parseFloat(vals[3]),
	}, nil
}
