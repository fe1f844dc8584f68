package throttle

import "time"

const (
	// DefaultPrefix keys throttles as throttle:<name> with knobs at
	// throttle:<name>:knobs.
	DefaultPrefix = "throttle"

	// DefaultBurst and DefaultWindow apply when neither the caller nor
	// the knobs record say otherwise.
	DefaultBurst  = 1.0
	DefaultWindow = 5 * time.Second

	// DefaultKnobsTTL keeps a knobs record alive for a week past its
	// last evaluation.
	DefaultKnobsTTL = 7 * 24 * time.Hour
)

// Option configures a Throttle.
type Option func(*Throttle)

// WithPrefix overrides the key prefix shared by bucket and knobs keys.
func WithPrefix(prefix string) Option {
	return func(t *Throttle) { t.prefix = prefix }
}

// WithDefaults sets the knob values used when no knobs record exists.
// A zero Burst or Window inside d falls back to the package defaults;
// RPS is taken literally, so a zero RPS denies all work until knobs are
// stored or a per-call rate is given.
func WithDefaults(d Defaults) Option {
	return func(t *Throttle) { t.defaults = d }
}

// WithKnobsTTL sets the expiry refreshed on the knobs record by every
// evaluation that reads it. Zero disables the refresh and stored knobs
// live forever.
func WithKnobsTTL(ttl time.Duration) Option {
	return func(t *Throttle) { t.knobsTTL = ttl }
}

// WithRecorder attaches a Recorder to the evaluation path.
func WithRecorder(r Recorder) Option {
	return func(t *Throttle) {
		if r != nil {
			t.recorder = r
		}
	}
}

// WithFrozenClock builds the script variant whose clock can be pinned
// through luatime.Pin. Tests only.
func WithFrozenClock() Option {
	return func(t *Throttle) { t.frozen = true }
}
