package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// AcquireBudget caps how many locks one agent may take within a sliding window.
// It must be shared by every replica for the cap to hold.
type AcquireBudget interface {
	SpendAcquire(ctx context.Context, agentID string, limit int, window time.Duration, now time.Time) (AcquireSpend, error)
}

// AcquireSpend is the verdict on one acquisition attempt.
type AcquireSpend struct {
	// Attempts counts grants still inside the window plus this attempt.
	Attempts   int
	Allowed    bool
	RetryAfter time.Duration
}

// slidingAcquireScript keeps one sorted set of grant timestamps per agent.
// Refused attempts are not recorded, so hammering the button does not push
// the agent's next grant further out.
var slidingAcquireScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local granted = redis.call("ZCARD", KEYS[1])
if granted < limit then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  redis.call("PEXPIRE", KEYS[1], window)
  return {granted + 1, 1, 0}
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local wait = window
if oldest[2] then
  wait = tonumber(oldest[2]) + window - now
end
return {granted + 1, 0, wait}
`)

// RedisAcquireBudget is the AcquireBudget backed by Redis.
type RedisAcquireBudget struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisAcquireBudget(client redis.UniversalClient, prefix string) *RedisAcquireBudget {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "cashflow:acquire_budget"
	}
	return &RedisAcquireBudget{client: client, prefix: prefix}
}

func (b *RedisAcquireBudget) agentKey(agentID string) string {
	return b.prefix + ":agent:" + agentID
}

func (b *RedisAcquireBudget) SpendAcquire(ctx context.Context, agentID string, limit int, window time.Duration, now time.Time) (AcquireSpend, error) {
	agentID = strings.TrimSpace(agentID)
	if b == nil || b.client == nil || agentID == "" || limit <= 0 || window <= 0 {
		return AcquireSpend{Allowed: true}, nil
	}
	windowMs := max(window.Milliseconds(), 1)
	member := fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString())

	reply, err := slidingAcquireScript.Run(ctx, b.client, []string{b.agentKey(agentID)},
		now.UnixMilli(), windowMs, limit, member,
	).Int64Slice()
	if err != nil {
		return AcquireSpend{}, err
	}
	return spendFromReply(reply)
}

func spendFromReply(reply []int64) (AcquireSpend, error) {
	if len(reply) != 3 {
		return AcquireSpend{}, fmt.Errorf("unexpected acquire budget reply: %v", reply)
	}
	spend := AcquireSpend{Attempts: int(reply[0]), Allowed: reply[1] == 1}
	if !spend.Allowed {
		spend.RetryAfter = time.Duration(max(reply[2], 0)) * time.Millisecond
	}
	return spend, nil
}

// retryAfterSeconds rounds up to whole seconds for the Retry-After header.
func retryAfterSeconds(wait time.Duration) int {
	seconds := int((wait + time.Second - 1) / time.Second)
	return max(seconds, 1)
}
