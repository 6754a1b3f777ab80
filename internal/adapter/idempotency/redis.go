// Package idempotency implements domain.IdempotencyCache on Redis, claiming
// an idempotency key with a single atomic script so two concurrent
// submissions carrying the same key can never both "win".
package idempotency

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pixtools/pixtools/internal/domain"
)

// reserveScript sets key to jobID only if unset, always returning whichever
// job id now owns it. SET ... NX already makes this atomic; the script
// exists so the "who owns it now" read happens in the same round trip as
// the write, with no race between a failed SETNX and the following GET.
const reserveScript = `
local ok = redis.call("SET", KEYS[1], ARGV[1], "NX", "EX", ARGV[2])
if ok then
  return {ARGV[1], 1}
end
local owner = redis.call("GET", KEYS[1])
return {owner, 0}
`

// Cache implements domain.IdempotencyCache.
type Cache struct {
	redis  *redis.Client
	script *redis.Script
}

// New constructs a Cache.
func New(rdb *redis.Client) *Cache {
	return &Cache{redis: rdb, script: redis.NewScript(reserveScript)}
}

// Reserve implements domain.IdempotencyCache.
func (c *Cache) Reserve(ctx domain.Context, key, jobID string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	res, err := c.script.Run(ctx, c.redis, []string{redisKey(key)}, jobID, int(ttl.Seconds())).Result()
	if err != nil {
		return "", false, fmt.Errorf("idempotency reserve %s: %w", key, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return "", false, fmt.Errorf("idempotency reserve %s: unexpected script result %v", key, res)
	}
	owner, _ := vals[0].(string)
	created := vals[1] == int64(1)
	return owner, created, nil
}

func redisKey(key string) string {
	return "pixtools:idempotency:" + key
}
