package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"Newsroom/internal/domain"
	"Newsroom/internal/ports"
)

// breakerTTL expires idle circuit state.
const breakerTTL = 24 * time.Hour

// acquireScript decides whether a call may proceed. An open circuit whose
// timeout elapsed hands out a single probe slot until probe_until.
var acquireScript = redis.NewScript(`
local h = redis.call("HMGET", KEYS[1], "failures", "last_failure", "open", "probe_until")
local failures = tonumber(h[1]) or 0
local last = tonumber(h[2]) or 0
local probe = tonumber(h[4]) or 0
local now = tonumber(ARGV[1])
local timeout = tonumber(ARGV[2])
if h[3] ~= "1" then
	return {0, failures, last, 0, probe}
end
if now - last < timeout or probe > now then
	return {2, failures, last, 1, probe}
end
probe = now + timeout
redis.call("HSET", KEYS[1], "probe_until", probe)
return {1, failures, last, 1, probe}
`)

// failureScript counts a failure and opens the circuit at the threshold or
// when the failing call was the half-open probe.
var failureScript = redis.NewScript(`
local failures = redis.call("HINCRBY", KEYS[1], "failures", 1)
redis.call("HSET", KEYS[1], "last_failure", ARGV[1])
local open = redis.call("HGET", KEYS[1], "open")
if ARGV[3] == "1" or failures >= tonumber(ARGV[2]) then
	open = "1"
	redis.call("HSET", KEYS[1], "open", "1", "probe_until", "0")
end
redis.call("PEXPIRE", KEYS[1], ARGV[4])
if open == "1" then
	return {failures, 1}
end
return {failures, 0}
`)

// BreakerStore implements ports.BreakerStore on Redis hashes.
type BreakerStore struct {
	client *redis.Client
	keys   keyspace
}

var _ ports.BreakerStore = (*BreakerStore)(nil)

// NewBreakerStore wires a Redis client.
func NewBreakerStore(client *redis.Client, prefix string) *BreakerStore {
	return &BreakerStore{client: client, keys: newKeyspace(prefix)}
}

// Acquire atomically admits, probes or denies a call.
func (s *BreakerStore) Acquire(ctx context.Context, operation string, now time.Time, openTimeout time.Duration) (ports.Admission, domain.BreakerState, error) {
	res, err := acquireScript.Run(ctx, s.client, []string{s.keys.key("breaker", operation)},
		now.UnixMilli(), openTimeout.Milliseconds()).Int64Slice()
	if err != nil {
		return ports.AdmitDenied, domain.BreakerState{}, fmt.Errorf("acquire breaker %s: %w", operation, err)
	}
	if len(res) != 5 {
		return ports.AdmitDenied, domain.BreakerState{}, fmt.Errorf("acquire breaker %s: unexpected reply %v", operation, res)
	}

	state := domain.BreakerState{
		OperationID:     operation,
		FailureCount:    int(res[1]),
		LastFailureTime: fromMillis(res[2]),
		IsOpen:          res[3] == 1,
		ProbeUntil:      fromMillis(res[4]),
	}
	return ports.Admission(res[0]), state, nil
}

// RecordSuccess closes the circuit and resets the failure count.
func (s *BreakerStore) RecordSuccess(ctx context.Context, operation string) error {
	if err := s.client.Del(ctx, s.keys.key("breaker", operation)).Err(); err != nil {
		return fmt.Errorf("reset breaker %s: %w", operation, err)
	}
	return nil
}

// RecordFailure increments the failure count and restarts the open window.
func (s *BreakerStore) RecordFailure(ctx context.Context, operation string, now time.Time, threshold int, probe bool) (domain.BreakerState, error) {
	probeFlag := "0"
	if probe {
		probeFlag = "1"
	}
	res, err := failureScript.Run(ctx, s.client, []string{s.keys.key("breaker", operation)},
		now.UnixMilli(), threshold, probeFlag, breakerTTL.Milliseconds()).Int64Slice()
	if err != nil {
		return domain.BreakerState{}, fmt.Errorf("record breaker failure %s: %w", operation, err)
	}
	if len(res) != 2 {
		return domain.BreakerState{}, fmt.Errorf("record breaker failure %s: unexpected reply %v", operation, res)
	}
	return domain.BreakerState{
		OperationID:     operation,
		FailureCount:    int(res[0]),
		LastFailureTime: now.UTC().Truncate(time.Millisecond),
		IsOpen:          res[1] == 1,
	}, nil
}

// State reads the circuit without changing it.
func (s *BreakerStore) State(ctx context.Context, operation string) (domain.BreakerState, error) {
	vals, err := s.client.HMGet(ctx, s.keys.key("breaker", operation), "failures", "last_failure", "open", "probe_until").Result()
	if err != nil {
		return domain.BreakerState{}, fmt.Errorf("read breaker %s: %w", operation, err)
	}
	return domain.BreakerState{
		OperationID:     operation,
		FailureCount:    int(parseInt(vals[0])),
		LastFailureTime: fromMillis(parseInt(vals[1])),
		IsOpen:          parseInt(vals[2]) == 1,
		ProbeUntil:      fromMillis(parseInt(vals[3])),
	}, nil
}
