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
)

type CounterHandler struct {
	admission *service.AdmissionService
}

func NewCounterHandler(admission *service.AdmissionService) *CounterHandler {
	return &CounterHandler{admission: admission}
}

type incRequest struct {
	Amount float64 `json:"amount"`
	Group  string  `json:"group"`
}

type incResponse struct {
	Status string `json:"status"`
}

type bucketCountResponse struct {
	Bucket int64   `json:"bucket"`
	Count  float64 `json:"count"`
}

type counterResponse struct {
	Name          string                `json:"name"`
	CurrentBucket int64                 `json:"current_bucket"`
	WindowSeconds int64                 `json:"window_seconds"`
	Total         float64               `json:"total"`
	Buckets       []bucketCountResponse `json:"buckets"`
}

type groupResponse struct {
	Group         string             `json:"group"`
	WindowSeconds int64              `json:"window_seconds"`
	Total         float64            `json:"total"`
	Counts        map[string]float64 `json:"counts"`
}

// Inc godoc
// @Summary Add to a windowed counter
// @Description Amount defaults to 1 and may be negative or fractional. Set group to register the counter under a group.
// @Tags counters
// @Accept json
// @Produce json
// @Param name path string true "Counter name"
// @Param request body incRequest false "Increment"
// @Param Idempotency-Key header string false "Dedupe key for safe retries"
// @Success 202 {object} incResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 409 {object} response.ErrorResponse
// @Router /v1/counters/{name}/inc [post]
func (h *CounterHandler) Inc(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var req incRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(w, http.StatusBadRequest, "invalid request")
		return
	}

	if err := h.admission.RecordCount(ctx, chi.URLParam(r, "name"), req.Amount, req.Group); mapServiceError(w, err) {
		return
	}
	response.JSON(w, http.StatusAccepted, incResponse{Status: "accepted"})
}

// Show godoc
// @Summary Read a counter's live buckets and windowed total
// @Tags counters
// @Produce json
// @Param name path string true "Counter name"
// @Success 200 {object} counterResponse
// @Failure 400 {object} response.ErrorResponse
// @Router /v1/counters/{name} [get]
func (h *CounterHandler) Show(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	report, err := h.admission.CounterReport(ctx, chi.URLParam(r, "name"))
	if mapServiceError(w, err) {
		return
	}

	resp := counterResponse{
		Name:          report.Name,
		CurrentBucket: report.CurrentBucket,
		WindowSeconds: int64(report.Window / time.Second),
		Total:         report.Total,
		Buckets:       make([]bucketCountResponse, 0, len(report.Buckets)),
	}
	for _, bc := range report.Buckets {
		resp.Buckets = append(resp.Buckets, bucketCountResponse{Bucket: bc.Index, Count: bc.Count})
	}
	response.JSON(w, http.StatusOK, resp)
}

// Group godoc
// @Summary Read the windowed totals of every live counter in a group
// @Tags counters
// @Produce json
// @Param group path string true "Group name"
// @Success 200 {object} groupResponse
// @Failure 400 {object} response.ErrorResponse
// @Router /v1/groups/{group} [get]
func (h *CounterHandler) Group(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	report, err := h.admission.GroupReport(ctx, chi.URLParam(r, "group"))
	if mapServiceError(w, err) {
		return
	}

	response.JSON(w, http.StatusOK, groupResponse{
		Group:         report.Group,
		WindowSeconds: int64(report.Window / time.Second),
		Total:         report.Total,
		Counts:        report.Counts,
	})
}
