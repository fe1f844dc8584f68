package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"MKK-Gate/internal/service"
	"MKK-Gate/pkg/api/response"
	"MKK-Gate/pkg/runningcounter"
	"MKK-Gate/pkg/throttle"
)

// mapServiceError translates the sentinels the service and engine layers
// return into HTTP statuses. Sentinels arrive wrapped, so errors.Is
// rather than equality.
func mapServiceError(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, service.ErrNotFound), errors.Is(err, throttle.ErrNotFound):
		response.Error(w, http.StatusNotFound, "not found")
		return true
	case errors.Is(err, service.ErrBadRequest):
		response.Error(w, http.StatusBadRequest, "invalid request")
		return true
	case errors.Is(err, throttle.ErrInvalidConfiguration), errors.Is(err, runningcounter.ErrInvalidConfiguration):
		response.Error(w, http.StatusUnprocessableEntity, "invalid throttle configuration")
		return true
	case errors.Is(err, throttle.ErrStoreUnavailable), errors.Is(err, runningcounter.ErrStoreUnavailable):
		response.Error(w, http.StatusServiceUnavailable, "store unavailable")
		return true
	default:
		response.Error(w, http.StatusInternalServerError, "internal error")
		return true
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
