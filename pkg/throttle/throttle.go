// Package throttle implements a distributed token-bucket rate limiter
// backed by Redis. Many independent processes evaluating the same throttle
// name cooperatively enforce one logical rate limit: the whole decision
// runs as a single Lua script against the shared store, using the Redis
// server clock, so concurrent callers can never race each other or
// disagree about the time.
//
// Each throttle is a bucket of tokens refilled in whole-window steps. A
// knobs record stored next to the bucket can override the caller's rps,
// burst and window at any moment, which makes live tuning an ordinary
// Redis write. Setting rps to 0 denies all work; -1 allows all work.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Evaluator is the decision surface consumed by services and middleware.
// *Throttle, *MemoryEvaluator and *BreakerEvaluator implement it.
type Evaluator interface {
	Evaluate(ctx context.Context, name string, tokens int64) (Decision, error)
	EvaluateWith(ctx context.Context, name string, p Params) (Decision, error)
}

// Throttle evaluates named throttles against Redis.
type Throttle struct {
	client   redis.UniversalClient
	script   *redis.Script
	prefix   string
	defaults Defaults
	knobsTTL time.Duration
	recorder Recorder
	frozen   bool
}

// New builds a Throttle over client. The zero configuration uses the
// "throttle" key prefix, a burst of 1, a 5 second window and a 7 day
// knobs TTL.
func New(client redis.UniversalClient, opts ...Option) (*Throttle, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil redis client", ErrInvalidConfiguration)
	}

	t := &Throttle{
		client:   client,
		prefix:   DefaultPrefix,
		defaults: Defaults{Burst: DefaultBurst, Window: DefaultWindow},
		knobsTTL: DefaultKnobsTTL,
		recorder: NopRecorder{},
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.prefix == "" || strings.ContainsAny(t.prefix, " \t\r\n") {
		return nil, fmt.Errorf("%w: bad key prefix %q", ErrInvalidConfiguration, t.prefix)
	}
	if t.knobsTTL < 0 {
		return nil, fmt.Errorf("%w: negative knobs ttl", ErrInvalidConfiguration)
	}
	if t.defaults.Burst == 0 {
		t.defaults.Burst = DefaultBurst
	}
	if t.defaults.Window == 0 {
		t.defaults.Window = DefaultWindow
	}

	t.script = newEvaluateScript(t.frozen)
	return t, nil
}

// Evaluate asks for tokens from the named throttle using the configured
// defaults. Tokens of 0 requests a single token.
func (t *Throttle) Evaluate(ctx context.Context, name string, tokens int64) (Decision, error) {
	return t.EvaluateWith(ctx, name, Params{RPS: t.defaults.RPS, Tokens: tokens})
}

// EvaluateRate is Evaluate with an explicit default rate for this call.
func (t *Throttle) EvaluateRate(ctx context.Context, name string, rps float64, tokens int64) (Decision, error) {
	return t.EvaluateWith(ctx, name, Params{RPS: rps, Tokens: tokens})
}

// EvaluateWith asks for p.Tokens from the named throttle. The values in p
// act as defaults only: a knobs record stored for name always wins. For
// that reason p is not validated here beyond what cannot be sent at all;
// the script validates the resolved window and burst before touching any
// state.
func (t *Throttle) EvaluateWith(ctx context.Context, name string, p Params) (Decision, error) {
	start := time.Now()
	d, err := t.evaluate(ctx, name, p)
	if err == nil {
		t.recorder.RecordDecision(name, d.Mode, d.Allowed, time.Since(start))
	}
	return d, err
}

func (t *Throttle) evaluate(ctx context.Context, name string, p Params) (Decision, error) {
	if name == "" {
		return Decision{}, fmt.Errorf("%w: empty throttle name", ErrInvalidConfiguration)
	}
	if p.Tokens < 0 {
		return Decision{}, fmt.Errorf("%w: requested tokens must be positive", ErrInvalidConfiguration)
	}

	tokens := p.Tokens
	if tokens == 0 {
		tokens = 1
	}
	burst := p.Burst
	if burst == 0 {
		burst = t.defaults.Burst
	}
	window := p.Window
	if window == 0 {
		window = t.defaults.Window
	}

	raw, err := t.script.Run(ctx, t.client,
		[]string{t.bucketKey(name), t.knobsKey(name)},
		formatFloat(p.RPS),
		formatFloat(burst),
		int64(window/time.Second),
		tokens,
		int64(t.knobsTTL/time.Second),
	).Result()
	if err != nil {
		mapped := mapScriptError(err)
		if errors.Is(mapped, ErrStoreUnavailable) {
			t.recorder.RecordStoreError("evaluate")
		}
		return Decision{}, mapped
	}
	return parseDecision(raw)
}

func (t *Throttle) bucketKey(name string) string {
	return t.prefix + ":" + name
}

func (t *Throttle) knobsKey(name string) string {
	return t.prefix + ":" + name + ":knobs"
}

func (t *Throttle) storeErr(op string, err error) error {
	t.recorder.RecordStoreError(op)
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func mapScriptError(err error) error {
	if strings.Contains(err.Error(), "invalid throttle configuration") {
		return fmt.Errorf("%w: resolved window and burst must be positive", ErrInvalidConfiguration)
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// parseDecision unpacks the script reply {allowed, tokens, sleep, mode}.
// Tokens arrive protocol-truncated to an integer; sleep arrives as a
// decimal string so its microsecond component survives the protocol.
func parseDecision(raw any) (Decision, error) {
	arr, ok := raw.([]any)
	if !ok || len(arr) != 4 {
		return Decision{}, fmt.Errorf("%w: unexpected script reply %T", ErrStoreUnavailable, raw)
	}

	allowed, okA := arr[0].(int64)
	tokens, okT := arr[1].(int64)
	sleepStr, okS := arr[2].(string)
	modeStr, okM := arr[3].(string)
	if !okA || !okT || !okS || !okM {
		return Decision{}, fmt.Errorf("%w: malformed script reply %v", ErrStoreUnavailable, arr)
	}

	sleep, err := parseSleep(sleepStr)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: bad sleep value %q", ErrStoreUnavailable, sleepStr)
	}

	return Decision{
		Allowed:    allowed == 1,
		Tokens:     tokens,
		RetryAfter: sleep,
		Mode:       Mode(modeStr),
	}, nil
}

// parseSleep converts decimal seconds to a Duration, rounding at the
// microsecond so float noise below the clock resolution cannot leak in.
func parseSleep(s string) (time.Duration, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(math.Round(f*1e6)) * time.Microsecond, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
