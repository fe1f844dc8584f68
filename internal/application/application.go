package application

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"MKK-Gate/internal/api"
	middlewarex "MKK-Gate/internal/api/middleware"
	"MKK-Gate/internal/config"
	"MKK-Gate/internal/infra/auth"
	"MKK-Gate/internal/infra/idempotency"
	metricsinfra "MKK-Gate/internal/infra/metrics"
	redisinfra "MKK-Gate/internal/infra/redis"
	"MKK-Gate/internal/infra/redislock"
	"MKK-Gate/internal/service"
	"MKK-Gate/pkg/nethttp/runner"
	"MKK-Gate/pkg/runningcounter"
	"MKK-Gate/pkg/throttle"
)

type Application struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metricsinfra.Metrics
	redis   *redisinfra.Client

	engine    *throttle.Throttle
	evaluator throttle.Evaluator
	counter   *runningcounter.Counter
	admission *service.AdmissionService

	verifier *auth.Verifier
	denylist *auth.TokenDenylist
	idem     *middlewarex.IdempotencyMiddleware

	router *api.Router

	errChan chan error
	wg      sync.WaitGroup
	ready   bool
}

func New() *Application {
	return &Application{errChan: make(chan error)}
}

func (a *Application) Ready() bool {
	return a.ready
}

func (a *Application) Start(ctx context.Context, build string) error {
	if err := a.initCoreComponents(ctx); err != nil {
		return fmt.Errorf("initCoreComponents(): %w", err)
	}

	if err := a.initPublicRouter(ctx); err != nil {
		return fmt.Errorf("initPublicRouter(): %w", err)
	}

	a.logger.Info("application started", slog.String("build", build))
	a.ready = true
	return nil
}

func (a *Application) Wait(ctx context.Context, cancel context.CancelFunc) error {
	var appErr error

	errWg := sync.WaitGroup{}
	errWg.Add(1)

	go func() {
		defer errWg.Done()
		for err := range a.errChan {
			cancel()
			if err != nil {
				a.logger.Error("error in Wait", slog.String("error", err.Error()))
				appErr = err
			}
		}
	}()

	<-ctx.Done()
	a.wg.Wait()
	close(a.errChan)
	errWg.Wait()

	if err := a.redis.Close(); err != nil {
		a.logger.Warn("redis close failed", slog.String("error", err.Error()))
	}

	return appErr
}

func (a *Application) initCoreComponents(ctx context.Context) error {
	if err := a.initConfig(); err != nil {
		return fmt.Errorf("initConfig(): %w", err)
	}

	a.initLogger()
	a.metrics = metricsinfra.New()
	a.initRedis(ctx)

	if err := a.initThrottle(); err != nil {
		return fmt.Errorf("initThrottle(): %w", err)
	}
	if err := a.initCounter(); err != nil {
		return fmt.Errorf("initCounter(): %w", err)
	}
	if err := a.initAdmission(); err != nil {
		return fmt.Errorf("initAdmission(): %w", err)
	}
	if err := a.initAuth(); err != nil {
		return fmt.Errorf("initAuth(): %w", err)
	}
	a.initIdempotency()

	return nil
}

func (a *Application) initConfig() error {
	cfg, err := config.New()
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func (a *Application) initLogger() {
	a.logger = NewLogger(a.cfg)
}

// initRedis never fails startup. The breaker and the fail-open paths are
// built to ride out a store that is down when the gate boots.
func (a *Application) initRedis(ctx context.Context) {
	a.redis = redisinfra.New(a.cfg.Redis)

	pingCtx, cancel := context.WithTimeout(ctx, a.cfg.Redis.DialTimeout)
	defer cancel()
	if !a.redis.Ping(pingCtx, a.logger) {
		a.logger.Warn("redis unreachable at startup, continuing degraded",
			slog.String("addr", a.cfg.Redis.Addr))
	}
}

func (a *Application) initThrottle() error {
	engine, err := throttle.New(a.redis.Redis,
		throttle.WithPrefix(a.cfg.Admission.KeyPrefix),
		throttle.WithDefaults(throttle.Defaults{
			RPS:    a.cfg.Admission.DefaultRPS,
			Burst:  a.cfg.Admission.DefaultBurst,
			Window: a.cfg.Admission.DefaultWindow,
		}),
		throttle.WithKnobsTTL(a.cfg.Admission.KnobsTTL),
		throttle.WithRecorder(a.metrics),
	)
	if err != nil {
		return err
	}
	a.engine = engine
	a.evaluator = engine

	if a.cfg.Admission.Breaker.Enabled {
		bcfg := a.cfg.Admission.Breaker
		a.evaluator = throttle.NewBreakerEvaluator(engine, throttle.BreakerConfig{
			MaxRequests:        bcfg.MaxHalfOpen,
			Timeout:            bcfg.OpenFor,
			FailureThreshold:   bcfg.FailureThreshold,
			FailOpen:           a.cfg.Admission.FailMode == "open",
			FallbackRetryAfter: bcfg.FallbackRetryAfter,
			OnStateChange:      a.onBreakerStateChange,
		}, a.logger)
	}
	return nil
}

func (a *Application) onBreakerStateChange(name string, from, to gobreaker.State) {
	a.logger.Warn("throttle store breaker state change",
		slog.String("breaker", name),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	switch to {
	case gobreaker.StateClosed:
		a.metrics.BreakerState.Set(0)
	case gobreaker.StateHalfOpen:
		a.metrics.BreakerState.Set(1)
	case gobreaker.StateOpen:
		a.metrics.BreakerState.Set(2)
		a.metrics.BreakerOpen.Inc()
	}
}

func (a *Application) initCounter() error {
	counter, err := runningcounter.New(a.redis.Redis,
		a.cfg.Counters.Interval,
		a.cfg.Counters.Periods,
		runningcounter.WithPrefix(a.cfg.Counters.Prefix),
		runningcounter.WithRecorder(a.metrics),
	)
	if err != nil {
		return err
	}
	a.counter = counter
	return nil
}

func (a *Application) initAdmission() error {
	admission, err := service.NewAdmissionService(a.evaluator, a.engine, a.counter, a.cfg.Counters.UsageGroup, a.logger)
	if err != nil {
		return err
	}
	a.admission = admission
	return nil
}

func (a *Application) initAuth() error {
	a.denylist = auth.NewTokenDenylist(a.redis.Redis)

	if a.cfg.Auth.JWTSecret == "" {
		a.logger.Warn("jwt secret not configured, mutating endpoints will reject every token")
		return nil
	}
	verifier, err := auth.NewVerifier(a.cfg.Auth.JWTSecret, a.cfg.Auth.Issuer, a.cfg.Auth.ClockSkew)
	if err != nil {
		return err
	}
	a.verifier = verifier
	return nil
}

func (a *Application) initIdempotency() {
	if !a.cfg.Idempotency.Enabled {
		return
	}
	store := idempotency.NewStore(a.redis.Redis, a.cfg.Idempotency.ResponseTTL)
	locker := redislock.New(a.redis.Redis, a.cfg.Idempotency.LockTTL, a.logger, a.metrics)
	a.idem = middlewarex.NewIdempotencyMiddleware(true, store, locker, a.logger, a.metrics)
}

func (a *Application) initPublicRouter(ctx context.Context) error {
	deps := api.Deps{
		Metrics:   a.metrics,
		Admission: a.admission,
		Denylist:  a.denylist,
		SelfEval:  a.evaluator,
		Idem:      a.idem,
		Health: func(ctx context.Context) bool {
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return a.redis.Ping(pingCtx, nil)
		},
	}
	if a.verifier != nil {
		deps.Verifier = a.verifier
	}
	a.router = api.New(a.cfg, a.logger, deps)

	port, err := parsePort(a.cfg.HTTP.Addr)
	if err != nil {
		return err
	}

	if err := runner.RunServer(ctx, a.router.Server, port, a.errChan, &a.wg, a.cfg.HTTP.ShutdownTimeout); err != nil {
		return err
	}

	return nil
}

func parsePort(addr string) (string, error) {
	if strings.HasPrefix(addr, ":") {
		return strings.TrimPrefix(addr, ":"), nil
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid http addr: %w", err)
	}
	return port, nil
}
