//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"MKK-Gate/internal/api"
	"MKK-Gate/internal/config"
	authinfra "MKK-Gate/internal/infra/auth"
	metricsinfra "MKK-Gate/internal/infra/metrics"
	"MKK-Gate/internal/service"
	"MKK-Gate/pkg/runningcounter"
	"MKK-Gate/pkg/throttle"
)

// newDownRedisClient points at a port nothing listens on, with timeouts
// tight enough that every command fails fast.
func newDownRedisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  30 * time.Millisecond,
		ReadTimeout:  30 * time.Millisecond,
		WriteTimeout: 30 * time.Millisecond,
		PoolTimeout:  30 * time.Millisecond,
		MaxRetries:   0,
	})
}

// buildDegradedGate wires the stack against an unreachable store with the
// breaker in the requested fail mode.
func buildDegradedGate(t *testing.T, cfg *config.Config, client *redis.Client, failOpen bool) *gateEnv {
	t.Helper()
	logger := slog.Default()
	metrics := metricsinfra.New()

	engine, err := throttle.New(client,
		throttle.WithPrefix(cfg.Admission.KeyPrefix),
		throttle.WithDefaults(throttle.Defaults{
			RPS:    cfg.Admission.DefaultRPS,
			Burst:  cfg.Admission.DefaultBurst,
			Window: cfg.Admission.DefaultWindow,
		}),
		throttle.WithRecorder(metrics),
	)
	if err != nil {
		t.Fatalf("throttle engine: %v", err)
	}
	eval := throttle.NewBreakerEvaluator(engine, throttle.BreakerConfig{
		MaxRequests:        1,
		Timeout:            time.Second,
		FailureThreshold:   2,
		FailOpen:           failOpen,
		FallbackRetryAfter: time.Second,
	}, logger)

	counter, err := runningcounter.New(client, cfg.Counters.Interval, cfg.Counters.Periods,
		runningcounter.WithPrefix(cfg.Counters.Prefix),
	)
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	admission, err := service.NewAdmissionService(eval, engine, counter, cfg.Counters.UsageGroup, logger)
	if err != nil {
		t.Fatalf("admission service: %v", err)
	}
	verifier, err := authinfra.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.ClockSkew)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	router := api.New(cfg, logger, api.Deps{
		Metrics:   metrics,
		Admission: admission,
		Verifier:  verifier,
		Denylist:  authinfra.NewTokenDenylist(client),
		SelfEval:  eval,
		Idem:      nil,
		Health: func(ctx context.Context) bool {
			return client.Ping(ctx).Err() == nil
		},
	})
	return &gateEnv{router: router, metrics: metrics, engine: engine}
}

func TestRedisDownHealthReportsDown(t *testing.T) {
	if !integrationEnabled() {
		t.Skip("set INTEGRATION=1 to run")
	}

	client := newDownRedisClient()
	defer client.Close()

	env := buildGate(t, gateConfig(), client, false)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	status, _, body := doJSON(t, http.MethodGet, srv.URL+"/health", "", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("health status=%d", status)
	}
	var health map[string]string
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if health["status"] != "ok" || health["redis"] != "down" {
		t.Fatalf("health = %v", health)
	}
}

func TestRedisDownCheckFailOpen(t *testing.T) {
	if !integrationEnabled() {
		t.Skip("set INTEGRATION=1 to run")
	}

	client := newDownRedisClient()
	defer client.Close()

	env := buildDegradedGate(t, gateConfig(), client, true)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	status, _, body := doJSON(t, http.MethodPost, srv.URL+"/v1/throttles/jobs/check", "", nil,
		map[string]any{"rps": 1, "burst": 1, "window_seconds": 60, "tokens": 1})
	if status != http.StatusOK {
		t.Fatalf("fail-open check status=%d body=%s", status, body)
	}
	var d checkResp
	if err := json.Unmarshal(body, &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !d.Allowed || !d.Degraded || d.Mode != "" {
		t.Fatalf("fail-open decision = %+v", d)
	}
}

func TestRedisDownCheckFailClosed(t *testing.T) {
	if !integrationEnabled() {
		t.Skip("set INTEGRATION=1 to run")
	}

	client := newDownRedisClient()
	defer client.Close()

	env := buildDegradedGate(t, gateConfig(), client, false)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	status, hdr, body := doJSON(t, http.MethodPost, srv.URL+"/v1/throttles/jobs/check", "", nil,
		map[string]any{"rps": 1, "burst": 1, "window_seconds": 60, "tokens": 1})
	if status != http.StatusTooManyRequests {
		t.Fatalf("fail-closed check status=%d body=%s", status, body)
	}
	var d checkResp
	if err := json.Unmarshal(body, &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Allowed || !d.Degraded || d.RetryAfterSeconds != 1 {
		t.Fatalf("fail-closed decision = %+v", d)
	}
	if hdr.Get("Retry-After") != "1" {
		t.Fatalf("Retry-After = %q", hdr.Get("Retry-After"))
	}
}

func TestRedisDownCheckWithoutBreaker(t *testing.T) {
	if !integrationEnabled() {
		t.Skip("set INTEGRATION=1 to run")
	}

	client := newDownRedisClient()
	defer client.Close()

	env := buildGate(t, gateConfig(), client, false)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	status, _, body := doJSON(t, http.MethodPost, srv.URL+"/v1/throttles/jobs/check", "", nil,
		map[string]any{"rps": 1, "burst": 1, "window_seconds": 60, "tokens": 1})
	if status != http.StatusServiceUnavailable {
		t.Fatalf("raw check status=%d body=%s", status, body)
	}
}

func TestRedisDownDenylistFailOpen(t *testing.T) {
	if !integrationEnabled() {
		t.Skip("set INTEGRATION=1 to run")
	}

	client := newDownRedisClient()
	defer client.Close()

	env := buildGate(t, gateConfig(), client, false)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	token := mintOpsToken(t, "jti-down-1", time.Hour)

	// The denylist cannot be consulted. The request must still pass auth
	// and fail later at the store, not with a 401.
	status, _, body := doJSON(t, http.MethodPut, srv.URL+"/v1/throttles/guarded/knobs", token, nil,
		map[string]any{"rps": 1, "burst": 1, "window_seconds": 60})
	if status != http.StatusServiceUnavailable {
		t.Fatalf("tune status=%d body=%s", status, body)
	}
	if got := testutil.ToFloat64(env.metrics.RedisDegraded.WithLabelValues("denylist")); got < 1 {
		t.Fatalf("denylist degraded metric = %v, want >= 1", got)
	}
}

func TestRedisDownIdempotencyBypass(t *testing.T) {
	if !integrationEnabled() {
		t.Skip("set INTEGRATION=1 to run")
	}

	client := newDownRedisClient()
	defer client.Close()

	cfg := gateConfig()
	env := buildGate(t, cfg, client, false)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	// The store for replays is down, so the request runs instead of being
	// deduplicated, and then fails at the counter store.
	status, _, body := doJSON(t, http.MethodPost, srv.URL+"/v1/counters/orders/inc", "",
		map[string]string{"Idempotency-Key": "down-1"}, map[string]any{"amount": 1})
	if status != http.StatusServiceUnavailable {
		t.Fatalf("inc status=%d body=%s", status, body)
	}
	if got := testutil.ToFloat64(env.metrics.IdempotencyBypass.WithLabelValues("store_get_error")); got != 1 {
		t.Fatalf("bypass metric = %v, want 1", got)
	}
	if got := testutil.ToFloat64(env.metrics.RedisDegraded.WithLabelValues("idempotency")); got != 1 {
		t.Fatalf("idempotency degraded metric = %v, want 1", got)
	}
}
