package middleware

import (
	"log/slog"
	"net/http"

	"MKK-Gate/pkg/api/response"
	"MKK-Gate/pkg/throttle"
)

// SelfLimit rate limits the gate's own API per calling client, using the
// same token bucket engine the gate serves. Names are derived from the
// client address hash so one noisy caller cannot starve the rest.
//
// Evaluation errors fail open. The limiter protects capacity, it must
// not turn a Redis outage into a full API outage.
func SelfLimit(eval throttle.Evaluator, params throttle.Params, logger *slog.Logger) func(http.Handler) http.Handler {
	if eval == nil || params.RPS <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			name := "api." + clientKey(r)
			d, err := eval.EvaluateWith(r.Context(), name, params)
			if err != nil {
				if logger != nil {
					logger.Warn("self limit evaluation failed", "error", err.Error())
				}
				next.ServeHTTP(w, r)
				return
			}

			if !d.Allowed {
				response.RetryAfter(w, d.RetryAfter)
				response.Error(w, http.StatusTooManyRequests, "too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
