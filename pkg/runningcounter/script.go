package runningcounter

import (
	"github.com/redis/go-redis/v9"

	"MKK-Gate/internal/luatime"
)

// incrScript adds an amount to the accumulator of the current time bucket
// and maintains the bucket index alongside it, all in one atomic unit on
// the store clock.
//
// KEYS[1] bucket index zset, also the stem of accumulator keys
// KEYS[2] optional group registry zset
// ARGV[1] interval seconds
// ARGV[2] periods
// ARGV[3] amount
// ARGV[4] member name for the group registry (group calls only)
//
// Returns the bucket index written.
const incrScript = `
local time = redis.call("TIME")
local now = tonumber(time[1])
local interval = tonumber(ARGV[1])
local periods = tonumber(ARGV[2])

local bucket = math.floor(now / interval)
local expire = interval * periods + 60
local acc = KEYS[1] .. ":" .. bucket

redis.call("INCRBYFLOAT", acc, ARGV[3])
redis.call("ZADD", KEYS[1], bucket, bucket)
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", bucket - periods)
redis.call("EXPIRE", acc, expire)
redis.call("EXPIRE", KEYS[1], expire)

if KEYS[2] then
    local window = interval * periods
    redis.call("ZADD", KEYS[2], now, ARGV[4])
    redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", now - window - 1)
    redis.call("EXPIRE", KEYS[2], expire)
end

return bucket
`

// bucketsScript prunes the bucket index against the retention horizon and
// returns the current bucket plus the surviving indices. Reads prune too,
// so a counter that stops incrementing still reports shrinking state.
//
// KEYS[1] bucket index zset
// ARGV[1] interval seconds
// ARGV[2] periods
const bucketsScript = `
local time = redis.call("TIME")
local now = tonumber(time[1])
local interval = tonumber(ARGV[1])
local periods = tonumber(ARGV[2])

local bucket = math.floor(now / interval)
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", bucket - periods)

return {bucket, redis.call("ZRANGE", KEYS[1], 0, -1)}
`

// groupNamesScript prunes the registry of names that have not incremented
// within the counter window and returns the rest.
//
// KEYS[1] group registry zset
// ARGV[1] window seconds
const groupNamesScript = `
local time = redis.call("TIME")
local now = tonumber(time[1])
local window = tonumber(ARGV[1])

redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window - 1)

return redis.call("ZRANGE", KEYS[1], 0, -1)
`

// removeScript deletes a counter: every accumulator still referenced by
// the bucket index, then the index itself.
//
// KEYS[1] bucket index zset
const removeScript = `
local members = redis.call("ZRANGE", KEYS[1], 0, -1)
for _, bucket in ipairs(members) do
    redis.call("DEL", KEYS[1] .. ":" .. bucket)
end
return redis.call("DEL", KEYS[1])
`

type scripts struct {
	incr    *redis.Script
	buckets *redis.Script
	names   *redis.Script
	remove  *redis.Script
}

func newScripts(frozen bool) scripts {
	incr, buckets, names := incrScript, bucketsScript, groupNamesScript
	if frozen {
		incr = luatime.Freeze(incr)
		buckets = luatime.Freeze(buckets)
		names = luatime.Freeze(names)
	}
	return scripts{
		incr:    redis.NewScript(incr),
		buckets: redis.NewScript(buckets),
		names:   redis.NewScript(names),
		remove:  redis.NewScript(removeScript),
	}
}
