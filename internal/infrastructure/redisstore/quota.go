package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"Newsroom/internal/domain"
	"Newsroom/internal/ports"
)

// consumeScript takes one request from a (caller, service) allowance.
// remaining and blocked_until are always written together: an expired block
// resets the allowance in the same step, and exhausting the allowance moves
// reset_at to the end of the block.
var consumeScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local cooldown = tonumber(ARGV[4])
local h = redis.call("HMGET", KEYS[1], "remaining", "reset_at", "blocked_until")
local remaining = tonumber(h[1])
local reset_at = tonumber(h[2]) or 0
local blocked = tonumber(h[3]) or 0

if blocked > 0 and now < blocked then
	return {0, 0, reset_at, blocked}
end
if blocked > 0 or remaining == nil or now >= reset_at then
	remaining = limit
	reset_at = now + window
	blocked = 0
end

local allowed = 1
if remaining <= 0 then
	allowed = 0
	remaining = 0
	blocked = now + cooldown
	reset_at = blocked
else
	remaining = remaining - 1
	if remaining == 0 then
		blocked = now + cooldown
		reset_at = blocked
	end
end

redis.call("HSET", KEYS[1], "remaining", remaining, "reset_at", reset_at, "blocked_until", blocked)
redis.call("PEXPIRE", KEYS[1], reset_at - now + window)
return {allowed, remaining, reset_at, blocked}
`)

// QuotaStore implements ports.QuotaStore on Redis hashes.
type QuotaStore struct {
	client *redis.Client
	keys   keyspace
}

var _ ports.QuotaStore = (*QuotaStore)(nil)

// NewQuotaStore wires a Redis client.
func NewQuotaStore(client *redis.Client, prefix string) *QuotaStore {
	return &QuotaStore{client: client, keys: newKeyspace(prefix)}
}

// Consume atomically decrements the allowance of caller on service.
func (s *QuotaStore) Consume(ctx context.Context, caller, service string, limits ports.QuotaLimits, now time.Time) (domain.RequestQuota, bool, error) {
	if limits.Window <= 0 || limits.Cooldown <= 0 {
		return domain.RequestQuota{}, false, fmt.Errorf("quota window and cooldown must be positive")
	}
	res, err := consumeScript.Run(ctx, s.client, []string{s.keys.key("quota", caller, service)},
		now.UnixMilli(), limits.Limit, limits.Window.Milliseconds(), limits.Cooldown.Milliseconds()).Int64Slice()
	if err != nil {
		return domain.RequestQuota{}, false, fmt.Errorf("consume quota %s/%s: %w", caller, service, err)
	}
	if len(res) != 4 {
		return domain.RequestQuota{}, false, fmt.Errorf("consume quota %s/%s: unexpected reply %v", caller, service, res)
	}

	quota := domain.RequestQuota{
		CallerID:          caller,
		ServiceType:       service,
		RequestsRemaining: res[1],
		ResetTime:         fromMillis(res[2]),
		BlockedUntil:      fromMillis(res[3]),
	}
	return quota, res[0] == 1, nil
}

// Get reads the allowance without consuming it. A missing key is an untouched quota.
func (s *QuotaStore) Get(ctx context.Context, caller, service string) (domain.RequestQuota, error) {
	vals, err := s.client.HMGet(ctx, s.keys.key("quota", caller, service), "remaining", "reset_at", "blocked_until").Result()
	if err != nil {
		return domain.RequestQuota{}, fmt.Errorf("read quota %s/%s: %w", caller, service, err)
	}
	if vals[0] == nil {
		return domain.RequestQuota{CallerID: caller, ServiceType: service}, domain.ErrNotFound
	}
	return domain.RequestQuota{
		CallerID:          caller,
		ServiceType:       service,
		RequestsRemaining: parseInt(vals[0]),
		ResetTime:         fromMillis(parseInt(vals[1])),
		BlockedUntil:      fromMillis(parseInt(vals[2])),
	}, nil
}
