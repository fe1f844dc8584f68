package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	middlewarex "MKK-Gate/internal/api/middleware"
	"MKK-Gate/internal/config"
	"MKK-Gate/internal/infra/auth"
	metricsinfra "MKK-Gate/internal/infra/metrics"
	"MKK-Gate/internal/service"
	"MKK-Gate/pkg/api/response"
	"MKK-Gate/pkg/throttle"
)

type Router struct {
	*chi.Mux
	Server *http.Server
	logger *slog.Logger
	cfg    *config.Config
}

// Deps carries everything the HTTP surface needs. Verifier and Denylist
// may be nil when auth is not configured; Idem may be nil when
// idempotency is disabled.
type Deps struct {
	Metrics   *metricsinfra.Metrics
	Admission *service.AdmissionService
	Verifier  middlewarex.TokenVerifier
	Denylist  *auth.TokenDenylist
	SelfEval  throttle.Evaluator
	Idem      *middlewarex.IdempotencyMiddleware
	Health    func(ctx context.Context) bool
}

func New(cfg *config.Config, logger *slog.Logger, deps Deps) *Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middlewarex.Logger(logger))
	r.Use(middlewarex.Metrics(deps.Metrics))
	if cfg.SelfLimit.Enabled {
		r.Use(middlewarex.SelfLimit(deps.SelfEval, throttle.Params{
			RPS:    cfg.SelfLimit.RPS,
			Burst:  cfg.SelfLimit.Burst,
			Window: cfg.SelfLimit.Window,
		}, logger))
	}

	throttles := NewThrottleHandler(deps.Admission, throttle.Defaults{
		RPS:    cfg.Admission.DefaultRPS,
		Burst:  cfg.Admission.DefaultBurst,
		Window: cfg.Admission.DefaultWindow,
	})
	counters := NewCounterHandler(deps.Admission)
	tokens := NewTokenHandler(deps.Denylist, logger)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		redisState := "up"
		if deps.Health != nil && !deps.Health(req.Context()) {
			redisState = "down"
		}
		response.JSON(w, http.StatusOK, map[string]string{"status": "ok", "redis": redisState})
	})

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	authRequired := middlewarex.Auth(deps.Verifier, deps.Denylist, deps.Metrics, logger)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/throttles/{name}", func(r chi.Router) {
			r.Post("/check", throttles.Check)
			r.Get("/", throttles.Describe)

			r.Group(func(r chi.Router) {
				r.Use(authRequired)
				r.Use(deps.Idem.Handler)
				r.Put("/knobs", throttles.Tune)
				r.Delete("/knobs", throttles.ResetKnobs)
				r.Delete("/", throttles.Remove)
			})
		})

		r.Route("/counters/{name}", func(r chi.Router) {
			r.With(deps.Idem.Handler).Post("/inc", counters.Inc)
			r.Get("/", counters.Show)
		})
		r.Get("/groups/{group}", counters.Group)

		r.With(authRequired).Post("/auth/revoke", tokens.Revoke)
	})

	router := &Router{
		Mux:    r,
		logger: logger,
		cfg:    cfg,
	}

	router.Server = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	return router
}
