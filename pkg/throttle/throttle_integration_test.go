//go:build integration

package throttle

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	redisTC "github.com/testcontainers/testcontainers-go/modules/redis"

	"MKK-Gate/internal/luatime"
)

func integrationEnabled() bool {
	return os.Getenv("INTEGRATION") == "1"
}

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if !integrationEnabled() {
		t.Skip("set INTEGRATION=1 to run")
	}

	ctx := context.Background()
	redisC, err := redisTC.RunContainer(ctx)
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	t.Cleanup(func() { _ = redisC.Terminate(context.Background()) })

	endpoint, err := redisC.Endpoint(ctx, "tcp")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: strings.TrimPrefix(endpoint, "tcp://")})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func setupFrozen(t *testing.T, sec, micro int64) (*Throttle, *redis.Client) {
	t.Helper()
	client := setupRedis(t)
	ctx := context.Background()

	th, err := New(client, WithFrozenClock())
	if err != nil {
		t.Fatalf("new throttle: %v", err)
	}
	if err := luatime.Pin(ctx, client, sec, micro); err != nil {
		t.Fatalf("pin clock: %v", err)
	}
	return th, client
}

func TestThrottleBursting(t *testing.T) {
	th, client := setupFrozen(t, 7200, 0)
	ctx := context.Background()
	p := Params{RPS: 5, Burst: 2, Window: 8 * time.Second}

	for i := 0; i < 80; i++ {
		d, err := th.EvaluateWith(ctx, "burst", p)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if !d.Allowed || d.Tokens != int64(79-i) {
			t.Fatalf("call %d: allowed=%v tokens=%d", i, d.Allowed, d.Tokens)
		}
	}

	d, err := th.EvaluateWith(ctx, "burst", p)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if d.Allowed || d.Tokens != 0 || d.RetryAfter != 8*time.Second {
		t.Fatalf("empty bucket: %+v", d)
	}

	// One window later only rps*window tokens come back.
	if err := luatime.Pin(ctx, client, 7208, 0); err != nil {
		t.Fatalf("pin clock: %v", err)
	}
	d, err = th.EvaluateWith(ctx, "burst", p)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !d.Allowed || d.Tokens != 39 {
		t.Fatalf("after refill: %+v", d)
	}
}

func TestThrottleSleepPrecision(t *testing.T) {
	th, _ := setupFrozen(t, 7200, 4)
	ctx := context.Background()

	d, err := th.EvaluateWith(ctx, "sleep", Params{RPS: 5, Burst: 2, Window: 8 * time.Second})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	// Sub-second remainder of the window survives the protocol intact.
	if want := 7999996 * time.Microsecond; d.RetryAfter != want {
		t.Fatalf("retry=%v want=%v", d.RetryAfter, want)
	}
}

func TestThrottleSentinelsLeaveNoState(t *testing.T) {
	th, client := setupFrozen(t, 7200, 0)
	ctx := context.Background()

	d, err := th.EvaluateWith(ctx, "off", Params{RPS: 0, Window: 8 * time.Second})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if d.Allowed || d.Mode != ModeDenied || d.RetryAfter != 8*time.Second {
		t.Fatalf("zero rps: %+v", d)
	}

	d, err = th.EvaluateWith(ctx, "on", Params{RPS: -1, Window: 8 * time.Second})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !d.Allowed || d.Mode != ModeUnlimited || d.Tokens != 1 || d.RetryAfter != 0 {
		t.Fatalf("unlimited: %+v", d)
	}

	if n := client.Exists(ctx, th.bucketKey("off"), th.bucketKey("on")).Val(); n != 0 {
		t.Fatalf("sentinel modes wrote bucket state: %d keys", n)
	}
}

func TestThrottleWindowPhase(t *testing.T) {
	th, client := setupFrozen(t, 7200, 0)
	ctx := context.Background()
	p := Params{RPS: 1, Burst: 1, Window: 8 * time.Second}

	if _, err := th.EvaluateWith(ctx, "phase", p); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got := client.HGet(ctx, th.bucketKey("phase"), "refreshed").Val(); got != "7200" {
		t.Fatalf("anchor=%q want=7200", got)
	}

	// 14s is one whole window plus drift. The window start moves by the
	// window, never to "now".
	if err := luatime.Pin(ctx, client, 7214, 0); err != nil {
		t.Fatalf("pin clock: %v", err)
	}
	if _, err := th.EvaluateWith(ctx, "phase", p); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got := client.HGet(ctx, th.bucketKey("phase"), "refreshed").Val(); got != "7208" {
		t.Fatalf("refreshed=%q want=7208", got)
	}
}

func TestThrottleBucketExpiry(t *testing.T) {
	th, client := setupFrozen(t, 7200, 0)
	ctx := context.Background()

	if _, err := th.EvaluateWith(ctx, "exp", Params{RPS: 5, Burst: 2, Window: 8 * time.Second}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	ttl := client.TTL(ctx, th.bucketKey("exp")).Val()
	if ttl <= 0 || ttl > 32*time.Second {
		t.Fatalf("bucket ttl=%v want (0,32s]", ttl)
	}
}

func TestThrottleKnobsOverride(t *testing.T) {
	th, client := setupFrozen(t, 7200, 0)
	ctx := context.Background()

	rps, burst := 100.0, 1.0
	window := time.Second
	err := th.SetKnobs(ctx, "kn", KnobsUpdate{RPS: &rps, Burst: &burst, Window: &window})
	if err != nil {
		t.Fatalf("set knobs: %v", err)
	}

	// Caller values lose to the stored knobs.
	d, err := th.EvaluateWith(ctx, "kn", Params{RPS: 1, Burst: 50, Window: 300 * time.Second})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if d.Tokens != 99 {
		t.Fatalf("tokens=%d want=99", d.Tokens)
	}

	// Every evaluation under knobs pushes their expiry out again.
	if ok := client.Expire(ctx, th.knobsKey("kn"), 5*time.Second).Val(); !ok {
		t.Fatalf("knobs key missing")
	}
	if _, err := th.EvaluateWith(ctx, "kn", Params{RPS: 1}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ttl := client.TTL(ctx, th.knobsKey("kn")).Val(); ttl <= 5*time.Second {
		t.Fatalf("knobs ttl not refreshed: %v", ttl)
	}
}

func TestThrottleKnobsAdmin(t *testing.T) {
	th, _ := setupFrozen(t, 7200, 0)
	ctx := context.Background()

	rps, burst := 10.0, 2.0
	window := 4 * time.Second
	if err := th.SetKnobs(ctx, "adm", KnobsUpdate{RPS: &rps, Burst: &burst, Window: &window}); err != nil {
		t.Fatalf("set knobs: %v", err)
	}
	if _, err := th.EvaluateWith(ctx, "adm", Params{RPS: 1}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	info, err := th.Peek(ctx, "adm")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if info.Knobs == nil || info.Knobs.RPS != 10 || info.Knobs.Burst != 2 || info.Knobs.Window != 4*time.Second {
		t.Fatalf("knobs=%+v", info.Knobs)
	}
	if info.Bucket == nil || info.Bucket.Tokens != 79 {
		t.Fatalf("bucket=%+v", info.Bucket)
	}
	if got := info.Bucket.Refreshed.Unix(); got != 7200 {
		t.Fatalf("refreshed=%v", got)
	}

	// A partial update rewrites one field and keeps the rest.
	rps2 := 20.0
	if err := th.SetKnobs(ctx, "adm", KnobsUpdate{RPS: &rps2}); err != nil {
		t.Fatalf("partial update: %v", err)
	}
	info, err = th.Peek(ctx, "adm")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if info.Knobs.RPS != 20 || info.Knobs.Burst != 2 {
		t.Fatalf("after partial update: %+v", info.Knobs)
	}

	// Partial updates need an existing record to fill the gaps from.
	if err := th.SetKnobs(ctx, "ghost", KnobsUpdate{RPS: &rps2}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}

	if err := th.ResetKnobs(ctx, "adm"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	info, err = th.Peek(ctx, "adm")
	if err != nil {
		t.Fatalf("peek after reset: %v", err)
	}
	if info.Knobs != nil {
		t.Fatalf("knobs survived reset: %+v", info.Knobs)
	}
	if info.Bucket == nil {
		t.Fatalf("reset must not touch the bucket")
	}

	if err := th.Delete(ctx, "adm"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := th.Peek(ctx, "adm"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestThrottleInvalidConfiguration(t *testing.T) {
	th, client := setupFrozen(t, 7200, 0)
	ctx := context.Background()

	_, err := th.EvaluateWith(ctx, "bad", Params{RPS: 5, Burst: 1, Window: -2 * time.Second})
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("err=%v want ErrInvalidConfiguration", err)
	}
	if n := client.Exists(ctx, th.bucketKey("bad")).Val(); n != 0 {
		t.Fatalf("rejected call wrote state")
	}

	// Valid stored knobs rescue a call with broken defaults.
	rps, burst := 5.0, 1.0
	window := 8 * time.Second
	if err := th.SetKnobs(ctx, "bad", KnobsUpdate{RPS: &rps, Burst: &burst, Window: &window}); err != nil {
		t.Fatalf("set knobs: %v", err)
	}
	d, err := th.EvaluateWith(ctx, "bad", Params{RPS: 5, Burst: 1, Window: -2 * time.Second})
	if err != nil {
		t.Fatalf("knobs should override bad call values: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected allowed")
	}
}

func TestThrottleLiveClock(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	th, err := New(client)
	if err != nil {
		t.Fatalf("new throttle: %v", err)
	}
	d, err := th.EvaluateRate(ctx, "live", 5, 1)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !d.Allowed || d.Mode != ModeLimited {
		t.Fatalf("got=%+v", d)
	}
}

func TestThrottleWait(t *testing.T) {
	client := setupRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	th, err := New(client, WithDefaults(Defaults{RPS: 5, Burst: 1, Window: time.Second}))
	if err != nil {
		t.Fatalf("new throttle: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := th.Evaluate(ctx, "wait", 1); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
	}

	if err := Wait(ctx, th, "wait", 1); err != nil {
		t.Fatalf("wait: %v", err)
	}
}
