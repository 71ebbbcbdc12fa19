// Package redisquota keeps daily quota counters in Redis. The key carries
// the UTC day, so a new day starts from a fresh key and stale counters
// expire on their own at the next boundary.
package redisquota

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/scraperdev/gateway/internal/gateway"
)

// The compare and increment happen inside one script invocation; Redis runs
// scripts serially, which is the whole atomicity argument.
var consumeScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= tonumber(ARGV[1]) then
  return {0, count}
end
count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('EXPIREAT', KEYS[1], tonumber(ARGV[2]))
end
return {1, count}
`)

// Keeper implements gateway.QuotaKeeper on Redis.
type Keeper struct {
	rdb   redis.UniversalClient
	clock gateway.Clock
}

// Config for Connect.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, cfg Config, clock gateway.Clock) (*Keeper, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(rdb, clock), nil
}

// New wraps an existing client. Tests pass a client backed by miniredis.
func New(rdb redis.UniversalClient, clock gateway.Clock) *Keeper {
	return &Keeper{rdb: rdb, clock: clock}
}

func (k *Keeper) key(principalID string) string {
	return "quota:" + principalID + ":" + k.clock.Now().UTC().Format("2006-01-02")
}

// CheckAndConsume runs the scripted test-and-increment.
func (k *Keeper) CheckAndConsume(ctx context.Context, principalID string, limit int) (gateway.QuotaDecision, error) {
	resetAt := gateway.NextUTCMidnight(k.clock.Now())
	res, err := consumeScript.Run(ctx, k.rdb, []string{k.key(principalID)}, limit, resetAt.Unix()).Slice()
	if err != nil {
		return gateway.QuotaDecision{}, fmt.Errorf("run quota script: %w", err)
	}
	if len(res) != 2 {
		return gateway.QuotaDecision{}, fmt.Errorf("quota script returned %d values", len(res))
	}
	allowed, ok1 := res[0].(int64)
	count, ok2 := res[1].(int64)
	if !ok1 || !ok2 {
		return gateway.QuotaDecision{}, fmt.Errorf("quota script returned unexpected types %T, %T", res[0], res[1])
	}

	decision := gateway.QuotaDecision{
		Allowed: allowed == 1,
		Used:    int(count),
		Limit:   limit,
		ResetAt: resetAt,
	}
	if remaining := limit - decision.Used; remaining > 0 {
		decision.Remaining = remaining
	}
	return decision, nil
}

// QuotaInfo reads the day's counter without consuming. The limit is not
// stored in Redis, so this reports usage against a zero limit; callers that
// know the principal's limit should prefer the ledger's QuotaInfo.
func (k *Keeper) QuotaInfo(ctx context.Context, principalID string) (gateway.QuotaDecision, error) {
	count, err := k.rdb.Get(ctx, k.key(principalID)).Int()
	if err != nil && err != redis.Nil {
		return gateway.QuotaDecision{}, fmt.Errorf("read quota counter: %w", err)
	}
	return gateway.QuotaDecision{
		Used:    count,
		ResetAt: gateway.NextUTCMidnight(k.clock.Now()),
	}, nil
}
