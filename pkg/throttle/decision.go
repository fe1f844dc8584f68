package throttle

import "time"

// Mode is the throttle mode resolved once per evaluation from the
// effective rps value.
type Mode string

const (
	// ModeLimited is the normal token-bucket path.
	ModeLimited Mode = "limited"
	// ModeDenied (rps == 0) refuses all work without touching the bucket.
	ModeDenied Mode = "denied"
	// ModeUnlimited (rps == -1) allows all work without touching the bucket.
	ModeUnlimited Mode = "unlimited"
)

// Decision is the outcome of one evaluation.
//
// Tokens is the count left in the bucket after the call, truncated to an
// integer by the Redis protocol. RetryAfter counts down to the start of
// the next window with microsecond precision; denied callers should sleep
// that long before retrying. The denied and unlimited modes return the
// fixed values (0, window) and (1, 0) respectively, which callers may rely
// on.
type Decision struct {
	Allowed    bool
	Tokens     int64
	RetryAfter time.Duration
	Mode       Mode

	// Degraded marks a decision produced by a fallback policy rather
	// than the shared store. Only breaker-wrapped evaluators set it.
	Degraded bool
}

// Defaults are the knob values used when no knobs record exists for a
// name. They are never persisted by Evaluate; SetKnobs is the only writer.
type Defaults struct {
	RPS    float64
	Burst  float64
	Window time.Duration
}

// Params gives one evaluation full control over the caller defaults.
// A zero Burst or Window falls back to the configured Defaults; RPS is
// taken literally because 0 and -1 are meaningful sentinel values.
type Params struct {
	RPS    float64
	Burst  float64
	Window time.Duration
	Tokens int64
}
