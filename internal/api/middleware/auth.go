package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"MKK-Gate/internal/infra/auth"
	metricsinfra "MKK-Gate/internal/infra/metrics"
	"MKK-Gate/pkg/api/response"
)

type ctxKey string

const ctxClaims ctxKey = "claims"

// ClaimsFromContext returns the verified token claims stored by Auth.
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	v := ctx.Value(ctxClaims)
	if v == nil {
		return nil, false
	}
	c, ok := v.(*auth.Claims)
	return c, ok
}

// TokenVerifier validates a bearer token and returns its claims.
type TokenVerifier interface {
	Verify(tokenString string) (*auth.Claims, error)
}

// RevocationChecker reports whether a token ID has been revoked.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Auth guards the mutating endpoints. A token must carry a valid HS256
// signature and must not appear on the revocation denylist. Denylist
// lookups fail open: a Redis outage must not lock operators out, and the
// signature check has already passed.
func Auth(verifier TokenVerifier, denylist RevocationChecker, m *metricsinfra.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				response.Error(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				m.IncAuthEvent("unauthorized")
				response.Error(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				m.IncAuthEvent("unauthorized")
				response.Error(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			claims, err := verifier.Verify(parts[1])
			if err != nil {
				m.IncAuthEvent("unauthorized")
				response.Error(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			if denylist != nil && claims.ID != "" {
				revoked, err := denylist.IsRevoked(r.Context(), claims.ID)
				if err != nil {
					if logger != nil {
						logger.Warn("denylist check failed", "error", err.Error())
					}
					m.IncDegraded("denylist")
				} else if revoked {
					m.IncAuthEvent("revoked")
					response.Error(w, http.StatusUnauthorized, "unauthorized")
					return
				}
			}

			m.IncAuthEvent("accepted")
			ctx := context.WithValue(r.Context(), ctxClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
