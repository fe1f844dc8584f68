package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	ideminfra "MKK-Gate/internal/infra/idempotency"
	metricsinfra "MKK-Gate/internal/infra/metrics"
	"MKK-Gate/internal/infra/redislock"
	"MKK-Gate/pkg/api/response"
)

type IdempotencyMiddleware struct {
	enabled bool
	store   idemStore
	locker  distLocker
	logger  *slog.Logger
	metrics *metricsinfra.Metrics
}

type idemStore interface {
	Get(ctx context.Context, key string) (*ideminfra.Record, bool, error)
	Set(ctx context.Context, key string, rec ideminfra.Record) error
}

type distLocker interface {
	Acquire(ctx context.Context, key string) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

func NewIdempotencyMiddleware(enabled bool, store *ideminfra.Store, locker *redislock.Locker, logger *slog.Logger, metrics *metricsinfra.Metrics) *IdempotencyMiddleware {
	return &IdempotencyMiddleware{
		enabled: enabled,
		store:   store,
		locker:  locker,
		logger:  logger,
		metrics: metrics,
	}
}

// idemScope separates stored responses per caller. Operator tokens scope
// by subject so retries survive a client IP change. Anonymous counter
// producers scope by client address hash.
func idemScope(r *http.Request) string {
	if claims, ok := ClaimsFromContext(r.Context()); ok && claims.Subject != "" {
		return "op:" + claims.Subject
	}
	return "cl:" + clientKey(r)
}

func (m *IdempotencyMiddleware) Handler(next http.Handler) http.Handler {
	if m == nil || !m.enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isMutatingMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if idemKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		routePattern := routePatternFromRequest(r)
		if routePattern == "" {
			if m.logger != nil {
				m.logger.Warn("idempotency bypass: empty route pattern")
			}
			if m.metrics != nil {
				m.metrics.IdempotencyBypass.WithLabelValues("empty_route_pattern").Inc()
			}
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "invalid request")
			return
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		scope := idemScope(r)
		reqHash := ideminfra.RequestHash(r.Method, routePattern, r.Header.Get("Content-Type"), r.URL.Query(), body)
		routeHash := ideminfra.RouteHash(routePattern)
		responseKey := ideminfra.ResponseKey(scope, routeHash, idemKey)
		if m.store == nil || m.locker == nil {
			if m.metrics != nil {
				m.metrics.IdempotencyBypass.WithLabelValues("unavailable").Inc()
			}
			next.ServeHTTP(w, r)
			return
		}

		cached, found, err := m.store.Get(r.Context(), responseKey)
		if err != nil {
			m.onRedisUnavailable(err, "store_get_error")
			next.ServeHTTP(w, r)
			return
		}
		if found {
			if cached.RequestHash != reqHash {
				if m.metrics != nil {
					m.metrics.IdempotencyConflict.Inc()
				}
				response.Error(w, http.StatusConflict, "idempotency key reused with different payload")
				return
			}
			replayRecord(w, cached)
			if m.metrics != nil {
				m.metrics.IdempotencyHits.Inc()
			}
			return
		}

		lockKey := ideminfra.LockKey(scope, routeHash, idemKey)
		lockToken, ok, err := m.locker.Acquire(r.Context(), lockKey)
		if err != nil {
			m.onRedisUnavailable(err, "lock_acquire_error")
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			response.Error(w, http.StatusConflict, "request already in progress")
			return
		}
		defer func() {
			if err := m.locker.Release(context.Background(), lockKey, lockToken); err != nil {
				if m.logger != nil {
					m.logger.Warn("idempotency lock release failed", "err", err)
				}
				if m.metrics != nil {
					m.metrics.LockReleaseErrors.Inc()
				}
			}
		}()

		rr := &idempotencyResponseRecorder{
			ResponseWriter: w,
			status:         http.StatusOK,
		}
		next.ServeHTTP(rr, r)

		if !ideminfra.Cacheable(rr.status) {
			return
		}

		rec := ideminfra.Record{
			Status:      rr.status,
			Body:        rr.body.Bytes(),
			ContentType: rr.contentType,
			Location:    rr.location,
			RequestHash: reqHash,
			CreatedAt:   time.Now().UTC().Unix(),
		}
		if err := m.store.Set(r.Context(), responseKey, rec); err != nil {
			m.onRedisUnavailable(err, "store_set_error")
		}
	})
}

func (m *IdempotencyMiddleware) onRedisUnavailable(err error, reason string) {
	if m.logger != nil {
		m.logger.Warn("idempotency redis unavailable, bypassing", "err", err, "reason", reason)
	}
	if m.metrics != nil {
		m.metrics.RedisDegraded.WithLabelValues("idempotency").Inc()
		m.metrics.IdempotencyBypass.WithLabelValues(reason).Inc()
	}
}

func routePatternFromRequest(r *http.Request) string {
	rc := chi.RouteContext(r.Context())
	if rc == nil {
		return ""
	}
	if p := rc.RoutePattern(); p != "" {
		return p
	}
	if len(rc.RoutePatterns) > 0 {
		return strings.Join(rc.RoutePatterns, "")
	}
	if rc.RoutePath != "" {
		return rc.RoutePath
	}
	return strings.TrimSpace(r.URL.Path)
}

func isMutatingMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}

func replayRecord(w http.ResponseWriter, rec *ideminfra.Record) {
	if rec == nil {
		response.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	if rec.ContentType != "" {
		w.Header().Set("Content-Type", rec.ContentType)
	}
	if rec.Location != "" {
		w.Header().Set("Location", rec.Location)
	}
	w.WriteHeader(rec.Status)
	if len(rec.Body) > 0 {
		_, _ = w.Write(rec.Body)
	}
}

type idempotencyResponseRecorder struct {
	http.ResponseWriter
	status      int
	body        bytes.Buffer
	wroteHeader bool
	contentType string
	location    string
}

func (r *idempotencyResponseRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
	r.contentType = r.ResponseWriter.Header().Get("Content-Type")
	r.location = r.ResponseWriter.Header().Get("Location")
	r.ResponseWriter.WriteHeader(code)
}

func (r *idempotencyResponseRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
