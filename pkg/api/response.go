package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zmigrate/zmigrate/pkg/types"
)

// errorBody is the single-string error shape every failure uses.
type errorBody struct {
	Error string `json:"error"`
}

// writeJSON encodes payload with the given status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps a domain error to its status code. Unknown errors
// surface their message with a 500; this is a private control plane and
// the operator reading the response is the one reading the logs.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	var verr *types.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrJobNotRunning):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, types.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON decodes the request body into dst, bounded at one
// megabyte. It writes the 400 itself so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}
