package throttle

import (
	"github.com/redis/go-redis/v9"

	"MKK-Gate/internal/luatime"
)

// evaluateScript is the whole throttle decision, executed as one atomic
// unit on the server. KEYS[1] is the bucket hash, KEYS[2] the knobs hash.
// ARGV carries the caller defaults (rps, burst, window seconds), the
// requested token count and the knobs TTL in seconds (0 disables refresh).
//
// Stored knobs always win over the caller defaults, and defaults are never
// written back: creating the knobs record is an operator action, not a side
// effect of evaluation. The reply is {allowed, tokens, sleep, mode} with
// sleep rendered via tostring because the Redis protocol truncates Lua
// numbers to integers.
const evaluateScript = `local rps = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local knobs_ttl = tonumber(ARGV[5])

local knobs = redis.call("HMGET", KEYS[2], "rps", "burst", "window")
local have_knobs = false
if knobs[1] then
  have_knobs = true
  rps = tonumber(knobs[1])
  burst = tonumber(knobs[2])
  window = tonumber(knobs[3])
end

if not rps or not burst or not window then
  return redis.error_reply("invalid throttle configuration")
end

local mode = "limited"
if rps == 0 then
  mode = "denied"
elseif rps == -1 then
  mode = "unlimited"
end

if mode == "limited" and (window <= 0 or burst <= 0) then
  return redis.error_reply("invalid throttle configuration")
end

if have_knobs and knobs_ttl > 0 then
  redis.call("EXPIRE", KEYS[2], knobs_ttl)
end

if mode == "denied" then
  return {0, 0, tostring(window), mode}
end
if mode == "unlimited" then
  return {1, 1, "0", mode}
end

local time = redis.call("TIME")
local now = tonumber(time[1])
local now_micro = tonumber(time[2])

local capacity = math.ceil(rps * burst * window)
local bucket = redis.call("HMGET", KEYS[1], "tokens", "refreshed")
local tokens = tonumber(bucket[1])
local refreshed = tonumber(bucket[2])
if not tokens then
  tokens = capacity
  refreshed = 0
end

local age = math.max(0, now - refreshed)
local elapsed_windows = math.floor(age / window)
local add_tokens = math.ceil(elapsed_windows * rps * window)
local filled = math.min(capacity, tokens + add_tokens)

if add_tokens > 0 then
  if refreshed == 0 then
    refreshed = now
  else
    refreshed = refreshed + elapsed_windows * window
  end
end

local allowed = 0
if filled >= requested then
  allowed = 1
  tokens = math.max(0, filled - requested)
else
  tokens = filled
end

redis.call("HSET", KEYS[1], "tokens", tokens, "refreshed", refreshed)
redis.call("EXPIRE", KEYS[1], math.ceil(burst * window * 2))

local diff = math.max(0, now - refreshed)
local sleep = (window - diff - 1) + (1000000 - now_micro) / 1000000

return {allowed, tokens, tostring(sleep), mode}`

func newEvaluateScript(frozen bool) *redis.Script {
	src := evaluateScript
	if frozen {
		src = luatime.Freeze(src)
	}
	return redis.NewScript(src)
}
