// Package luatime owns the clock read used by the Lua scripts in this
// module. Scripts take time from the Redis server, never from the calling
// process, so that skewed caller clocks cannot influence decisions. For
// tests the clock can be pinned to an exact second/microsecond pair.
package luatime

import (
	"context"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Read is the exact line every script uses to obtain the server clock.
// time[1] is epoch seconds, time[2] is the microsecond remainder.
const Read = `local time = redis.call("TIME")`

const frozenRead = `local time
if redis.call("EXISTS", "frozen_second") == 1 then
  time = redis.call("MGET", "frozen_second", "frozen_microsecond")
else
  time = redis.call("TIME")
end`

// Freeze rewrites the clock read of src into a variant that prefers the
// pinned keys when they exist. Scripts built this way behave identically
// to the live ones until Pin is called.
func Freeze(src string) string {
	return strings.Replace(src, Read, frozenRead, 1)
}

// Pin fixes the clock observed by frozen scripts at sec plus micro
// microseconds.
func Pin(ctx context.Context, client redis.UniversalClient, sec, micro int64) error {
	return client.MSet(ctx,
		"frozen_second", strconv.FormatInt(sec, 10),
		"frozen_microsecond", strconv.FormatInt(micro, 10),
	).Err()
}

// Unpin restores the live server clock for frozen scripts.
func Unpin(ctx context.Context, client redis.UniversalClient) error {
	return client.Del(ctx, "frozen_second", "frozen_microsecond").Err()
}
