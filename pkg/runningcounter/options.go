package runningcounter

// DefaultPrefix namespaces counter keys in Redis.
const DefaultPrefix = "rc"

// Recorder receives counter activity for metrics. Implementations must be
// safe for concurrent use.
type Recorder interface {
	RecordIncrement(name string, amount float64)
	RecordStoreError(op string)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) RecordIncrement(string, float64) {}
func (NopRecorder) RecordStoreError(string)         {}

// Option configures a Counter.
type Option func(*Counter)

// WithPrefix replaces the default key prefix.
func WithPrefix(prefix string) Option {
	return func(c *Counter) { c.prefix = prefix }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Counter) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithFrozenClock reads script time from pinned keys instead of the Redis
// clock. Test installations only.
func WithFrozenClock() Option {
	return func(c *Counter) { c.frozen = true }
}
