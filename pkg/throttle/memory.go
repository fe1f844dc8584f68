package throttle

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// MemoryEvaluator keeps bucket state in process memory. Decisions follow
// the same math as the Redis script, but fairness only holds within one
// process; it exists for single-process callers and for tests. There is no
// background goroutine: expired buckets are swept opportunistically during
// evaluation.
type MemoryEvaluator struct {
	mu       sync.Mutex
	defaults Defaults
	now      func() time.Time
	buckets  map[string]*memoryBucket
	knobs    map[string]Knobs
}

type memoryBucket struct {
	tokens    float64
	refreshed int64
	expiresAt int64
}

// MemoryOption configures a MemoryEvaluator.
type MemoryOption func(*MemoryEvaluator)

// WithClock replaces the evaluator's clock. Tests use it to replay exact
// instants.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryEvaluator) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryEvaluator builds an in-process evaluator with the given
// defaults. Zero Burst or Window fall back to the package defaults.
func NewMemoryEvaluator(d Defaults, opts ...MemoryOption) *MemoryEvaluator {
	m := &MemoryEvaluator{
		defaults: d,
		now:      time.Now,
		buckets:  make(map[string]*memoryBucket),
		knobs:    make(map[string]Knobs),
	}
	if m.defaults.Burst == 0 {
		m.defaults.Burst = DefaultBurst
	}
	if m.defaults.Window == 0 {
		m.defaults.Window = DefaultWindow
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Evaluate asks for tokens from the named throttle using the configured
// defaults.
func (m *MemoryEvaluator) Evaluate(ctx context.Context, name string, tokens int64) (Decision, error) {
	return m.EvaluateWith(ctx, name, Params{RPS: m.defaults.RPS, Tokens: tokens})
}

// EvaluateWith mirrors Throttle.EvaluateWith against process-local state.
func (m *MemoryEvaluator) EvaluateWith(_ context.Context, name string, p Params) (Decision, error) {
	if name == "" {
		return Decision{}, fmt.Errorf("%w: empty throttle name", ErrInvalidConfiguration)
	}
	if p.Tokens < 0 {
		return Decision{}, fmt.Errorf("%w: requested tokens must be positive", ErrInvalidConfiguration)
	}
	requested := p.Tokens
	if requested == 0 {
		requested = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rps := p.RPS
	burst := p.Burst
	if burst == 0 {
		burst = m.defaults.Burst
	}
	window := p.Window
	if window == 0 {
		window = m.defaults.Window
	}
	if k, ok := m.knobs[name]; ok {
		rps, burst, window = k.RPS, k.Burst, k.Window
	}
	windowSec := int64(window / time.Second)

	mode := ModeLimited
	switch rps {
	case 0:
		mode = ModeDenied
	case -1:
		mode = ModeUnlimited
	}

	switch mode {
	case ModeDenied:
		return Decision{Tokens: 0, RetryAfter: time.Duration(windowSec) * time.Second, Mode: ModeDenied}, nil
	case ModeUnlimited:
		return Decision{Allowed: true, Tokens: 1, Mode: ModeUnlimited}, nil
	}

	if windowSec <= 0 || burst <= 0 {
		return Decision{}, fmt.Errorf("%w: resolved window and burst must be positive", ErrInvalidConfiguration)
	}

	nowT := m.now()
	now := nowT.Unix()
	micro := int64(nowT.Nanosecond() / 1000)

	wf := float64(windowSec)
	capacity := math.Ceil(rps * burst * wf)

	b, ok := m.buckets[name]
	if !ok || b.expiresAt <= now {
		b = &memoryBucket{tokens: capacity}
		m.buckets[name] = b
	}

	age := now - b.refreshed
	if age < 0 {
		age = 0
	}
	elapsedWindows := age / windowSec
	addTokens := math.Ceil(float64(elapsedWindows) * rps * wf)
	filled := math.Min(capacity, b.tokens+addTokens)

	if addTokens > 0 {
		if b.refreshed == 0 {
			b.refreshed = now
		} else {
			b.refreshed += elapsedWindows * windowSec
		}
	}

	allowed := filled >= float64(requested)
	if allowed {
		b.tokens = math.Max(0, filled-float64(requested))
	} else {
		b.tokens = filled
	}
	b.expiresAt = now + int64(math.Ceil(burst*wf*2))

	diff := now - b.refreshed
	if diff < 0 {
		diff = 0
	}
	sleepMicros := (windowSec-diff-1)*1_000_000 + (1_000_000 - micro)

	d := Decision{
		Allowed:    allowed,
		Tokens:     int64(b.tokens),
		RetryAfter: time.Duration(sleepMicros) * time.Microsecond,
		Mode:       ModeLimited,
	}
	m.sweepLocked(now)
	return d, nil
}

// SetKnobs stores in-process knobs for name, overriding per-call values
// the same way the stored record does for the Redis evaluator.
func (m *MemoryEvaluator) SetKnobs(name string, k Knobs) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.knobs[name] = k
}

// ResetKnobs removes the in-process knobs for name.
func (m *MemoryEvaluator) ResetKnobs(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.knobs, name)
}

// Delete removes all state for name.
func (m *MemoryEvaluator) Delete(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, name)
	delete(m.knobs, name)
}

// PeekBucket reports the bucket for name, if one exists.
func (m *MemoryEvaluator) PeekBucket(name string) (BucketState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[name]
	if !ok {
		return BucketState{}, false
	}
	s := BucketState{Tokens: b.tokens}
	if b.refreshed > 0 {
		s.Refreshed = time.Unix(b.refreshed, 0).UTC()
	}
	return s, true
}

// sweepLocked drops expired buckets once the map grows large. Callers pay
// a small amortized cost instead of a cleanup goroutine.
func (m *MemoryEvaluator) sweepLocked(now int64) {
	if len(m.buckets) < 4096 {
		return
	}
	for k, b := range m.buckets {
		if b.expiresAt <= now {
			delete(m.buckets, k)
		}
	}
}
