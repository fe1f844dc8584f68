package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"MKK-Gate/internal/api/middleware"
	"MKK-Gate/internal/infra/auth"
	"MKK-Gate/pkg/api/response"
)

type TokenHandler struct {
	denylist *auth.TokenDenylist
	logger   *slog.Logger
}

func NewTokenHandler(denylist *auth.TokenDenylist, logger *slog.Logger) *TokenHandler {
	return &TokenHandler{denylist: denylist, logger: logger}
}

// Revoke godoc
// @Summary Revoke the presented token
// @Description The token's jti goes on the denylist until its natural expiry. Requires a valid bearer token.
// @Tags auth
// @Security BearerAuth
// @Success 204
// @Failure 400 {object} response.ErrorResponse
// @Failure 401 {object} response.ErrorResponse
// @Router /v1/auth/revoke [post]
func (h *TokenHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	claims, ok := middleware.ClaimsFromContext(ctx)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if claims.ID == "" {
		response.Error(w, http.StatusBadRequest, "token has no id")
		return
	}

	ttl := time.Hour
	if claims.ExpiresAt != nil {
		ttl = time.Until(claims.ExpiresAt.Time)
	}
	if err := h.denylist.Revoke(ctx, claims.ID, ttl); err != nil {
		response.Error(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	if h.logger != nil {
		h.logger.Info("token revoked", "jti", claims.ID, "subject", claims.Subject)
	}
	response.NoContent(w)
}
