package throttle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the circuit breaker wrapped around an Evaluator and
// the decision handed out while the store is unreachable.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32

	// FailOpen picks the fallback decision: allow everything (true) or
	// deny everything (false) while degraded.
	FailOpen bool

	// FallbackRetryAfter is the wait attached to degraded denials.
	FallbackRetryAfter time.Duration

	// OnStateChange is forwarded to the breaker, letting callers export
	// state transitions as metrics.
	OnStateChange func(name string, from, to gobreaker.State)
}

// BreakerEvaluator wraps an Evaluator in a circuit breaker. Store outages
// and an open circuit produce a policy decision marked Degraded instead of
// an error; deterministic failures such as ErrInvalidConfiguration pass
// through untouched and never trip the circuit.
type BreakerEvaluator struct {
	next          Evaluator
	cb            *gobreaker.CircuitBreaker
	failOpen      bool
	fallbackRetry time.Duration
	logger        *slog.Logger
}

// NewBreakerEvaluator wraps next with the given breaker configuration.
func NewBreakerEvaluator(next Evaluator, cfg BreakerConfig, logger *slog.Logger) *BreakerEvaluator {
	if logger == nil {
		logger = slog.Default()
	}

	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	retry := cfg.FallbackRetryAfter
	if retry <= 0 {
		retry = time.Second
	}

	settings := gobreaker.Settings{
		Name:        "throttle-store",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrStoreUnavailable)
		},
		OnStateChange: cfg.OnStateChange,
	}

	return &BreakerEvaluator{
		next:          next,
		cb:            gobreaker.NewCircuitBreaker(settings),
		failOpen:      cfg.FailOpen,
		fallbackRetry: retry,
		logger:        logger,
	}
}

// Evaluate delegates through the breaker.
func (b *BreakerEvaluator) Evaluate(ctx context.Context, name string, tokens int64) (Decision, error) {
	return b.do(name, func() (Decision, error) {
		return b.next.Evaluate(ctx, name, tokens)
	})
}

// EvaluateWith delegates through the breaker.
func (b *BreakerEvaluator) EvaluateWith(ctx context.Context, name string, p Params) (Decision, error) {
	return b.do(name, func() (Decision, error) {
		return b.next.EvaluateWith(ctx, name, p)
	})
}

// State exposes the breaker state for health reporting.
func (b *BreakerEvaluator) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerEvaluator) do(name string, fn func() (Decision, error)) (Decision, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if err == nil {
		return v.(Decision), nil
	}

	if !errors.Is(err, ErrStoreUnavailable) &&
		!errors.Is(err, gobreaker.ErrOpenState) &&
		!errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Decision{}, err
	}

	b.logger.Warn("throttle store degraded",
		"throttle", name,
		"fail_open", b.failOpen,
		"err", err,
	)
	return b.fallback(), nil
}

// fallback is the decision handed out while degraded. Its Mode is empty:
// the store was not consulted, so no mode was resolved.
func (b *BreakerEvaluator) fallback() Decision {
	if b.failOpen {
		return Decision{Allowed: true, Degraded: true}
	}
	return Decision{RetryAfter: b.fallbackRetry, Degraded: true}
}
