package throttle

import "time"

// Recorder observes evaluator activity so callers can attach their own
// metrics without this package importing a metrics library.
// Implementations must be safe for concurrent use; calls happen inline on
// the evaluation path.
type Recorder interface {
	RecordDecision(name string, mode Mode, allowed bool, elapsed time.Duration)
	RecordStoreError(op string)
}

// NopRecorder discards all observations. It is the default.
type NopRecorder struct{}

func (NopRecorder) RecordDecision(string, Mode, bool, time.Duration) {}

func (NopRecorder) RecordStoreError(string) {}
