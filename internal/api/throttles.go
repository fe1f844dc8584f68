package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"MKK-Gate/internal/service"
	"MKK-Gate/pkg/api/response"
	"MKK-Gate/pkg/throttle"
)

type ThrottleHandler struct {
	admission *service.AdmissionService
	defaults  throttle.Defaults
}

func NewThrottleHandler(admission *service.AdmissionService, defaults throttle.Defaults) *ThrottleHandler {
	return &ThrottleHandler{admission: admission, defaults: defaults}
}

type checkRequest struct {
	RPS           *float64 `json:"rps"`
	Burst         *float64 `json:"burst"`
	WindowSeconds *int64   `json:"window_seconds"`
	Tokens        *int64   `json:"tokens"`
}

type checkResponse struct {
	Allowed           bool    `json:"allowed"`
	Tokens            int64   `json:"tokens"`
	RetryAfterSeconds float64 `json:"retry_after_seconds"`
	Mode              string  `json:"mode"`
	Degraded          bool    `json:"degraded,omitempty"`
}

type bucketStateResponse struct {
	Tokens    float64 `json:"tokens"`
	Refreshed string  `json:"refreshed,omitempty"`
}

type knobsResponse struct {
	RPS           float64 `json:"rps"`
	Burst         float64 `json:"burst"`
	WindowSeconds int64   `json:"window_seconds"`
}

type throttleInfoResponse struct {
	Name   string               `json:"name"`
	Bucket *bucketStateResponse `json:"bucket,omitempty"`
	Knobs  *knobsResponse       `json:"knobs,omitempty"`
}

type knobsUpdateRequest struct {
	RPS           *float64 `json:"rps"`
	Burst         *float64 `json:"burst"`
	WindowSeconds *int64   `json:"window_seconds"`
}

type changeResponse struct {
	ChangeID string `json:"change_id"`
}

// Check godoc
// @Summary Ask for tokens from a named throttle
// @Description Body values override the configured defaults for this call only. Knobs stored for the name override both.
// @Tags throttles
// @Accept json
// @Produce json
// @Param name path string true "Throttle name"
// @Param request body checkRequest false "Per-call limit parameters"
// @Success 200 {object} checkResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 422 {object} response.ErrorResponse
// @Failure 429 {object} checkResponse
// @Router /v1/throttles/{name}/check [post]
func (h *ThrottleHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var req checkRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(w, http.StatusBadRequest, "invalid request")
		return
	}

	p := throttle.Params{
		RPS:    h.defaults.RPS,
		Burst:  h.defaults.Burst,
		Window: h.defaults.Window,
	}
	if req.RPS != nil {
		p.RPS = *req.RPS
	}
	if req.Burst != nil {
		p.Burst = *req.Burst
	}
	if req.WindowSeconds != nil {
		p.Window = time.Duration(*req.WindowSeconds) * time.Second
	}
	if req.Tokens != nil {
		p.Tokens = *req.Tokens
	}

	d, err := h.admission.Check(ctx, chi.URLParam(r, "name"), p)
	if mapServiceError(w, err) {
		return
	}

	resp := checkResponse{
		Allowed:           d.Allowed,
		Tokens:            d.Tokens,
		RetryAfterSeconds: d.RetryAfter.Seconds(),
		Mode:              string(d.Mode),
		Degraded:          d.Degraded,
	}
	if !d.Allowed {
		response.RetryAfter(w, d.RetryAfter)
		response.JSON(w, http.StatusTooManyRequests, resp)
		return
	}
	response.JSON(w, http.StatusOK, resp)
}

// Describe godoc
// @Summary Inspect a throttle's bucket and knobs
// @Tags throttles
// @Produce json
// @Param name path string true "Throttle name"
// @Success 200 {object} throttleInfoResponse
// @Failure 404 {object} response.ErrorResponse
// @Router /v1/throttles/{name} [get]
func (h *ThrottleHandler) Describe(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	info, err := h.admission.Describe(ctx, chi.URLParam(r, "name"))
	if mapServiceError(w, err) {
		return
	}

	resp := throttleInfoResponse{Name: info.Name}
	if info.Bucket != nil {
		b := &bucketStateResponse{Tokens: info.Bucket.Tokens}
		if !info.Bucket.Refreshed.IsZero() {
			b.Refreshed = info.Bucket.Refreshed.UTC().Format(time.RFC3339Nano)
		}
		resp.Bucket = b
	}
	if info.Knobs != nil {
		resp.Knobs = &knobsResponse{
			RPS:           info.Knobs.RPS,
			Burst:         info.Knobs.Burst,
			WindowSeconds: int64(info.Knobs.Window / time.Second),
		}
	}
	response.JSON(w, http.StatusOK, resp)
}

// Tune godoc
// @Summary Create or update a throttle's knobs
// @Description A full update (all three values) creates the record. A partial update requires it to exist.
// @Tags throttles
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param name path string true "Throttle name"
// @Param request body knobsUpdateRequest true "Knob values"
// @Success 200 {object} changeResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 401 {object} response.ErrorResponse
// @Failure 404 {object} response.ErrorResponse
// @Failure 422 {object} response.ErrorResponse
// @Router /v1/throttles/{name}/knobs [put]
func (h *ThrottleHandler) Tune(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var req knobsUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request")
		return
	}

	u := throttle.KnobsUpdate{RPS: req.RPS, Burst: req.Burst}
	if req.WindowSeconds != nil {
		window := time.Duration(*req.WindowSeconds) * time.Second
		u.Window = &window
	}

	changeID, err := h.admission.Tune(ctx, chi.URLParam(r, "name"), u)
	if mapServiceError(w, err) {
		return
	}
	response.JSON(w, http.StatusOK, changeResponse{ChangeID: changeID})
}

// ResetKnobs godoc
// @Summary Delete a throttle's knobs, restoring caller defaults
// @Tags throttles
// @Security BearerAuth
// @Param name path string true "Throttle name"
// @Success 204
// @Failure 401 {object} response.ErrorResponse
// @Router /v1/throttles/{name}/knobs [delete]
func (h *ThrottleHandler) ResetKnobs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if _, err := h.admission.Reset(ctx, chi.URLParam(r, "name")); mapServiceError(w, err) {
		return
	}
	response.NoContent(w)
}

// Remove godoc
// @Summary Delete a throttle's bucket and knobs
// @Tags throttles
// @Security BearerAuth
// @Param name path string true "Throttle name"
// @Success 204
// @Failure 401 {object} response.ErrorResponse
// @Router /v1/throttles/{name} [delete]
func (h *ThrottleHandler) Remove(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if _, err := h.admission.Remove(ctx, chi.URLParam(r, "name")); mapServiceError(w, err) {
		return
	}
	response.NoContent(w)
}
