package httpapi

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/dmitrijs2005/chanvault/internal/common"
)

// connectRetryAfter is advertised when a connection could not be set up in time.
const connectRetryAfter = 5

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto a status code. Unknown errors never leak their
// text to the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := http.StatusInternalServerError, "internal error"

	var maxBytes *http.MaxBytesError
	rl, rateLimited := common.AsRateLimited(err)

	switch {
	case errors.Is(err, common.ErrInvalidToken), errors.Is(err, common.ErrTokenExpired):
		status, msg = http.StatusUnauthorized, err.Error()
	case errors.Is(err, common.ErrSessionNotFound):
		status, msg = http.StatusBadRequest, "connect your account first"
	case errors.Is(err, common.ErrorUnauthorized):
		status, msg = http.StatusForbidden, "remote session is no longer authorized"
	case errors.Is(err, common.ErrConnectionTimeout):
		status, msg = http.StatusServiceUnavailable, "remote connection timed out"
		w.Header().Set("Retry-After", strconv.Itoa(connectRetryAfter))
	case errors.Is(err, common.ErrStaleReference):
		status, msg = http.StatusBadGateway, "remote reference expired"
	case errors.Is(err, common.ErrRangeNotSatisfiable):
		status, msg = http.StatusRequestedRangeNotSatisfiable, "range not satisfiable"
	case rateLimited:
		status, msg = http.StatusTooManyRequests, "rate limited"
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.Wait.Seconds()))))
	case errors.Is(err, common.ErrorNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, common.ErrorAlreadyExists):
		status, msg = http.StatusConflict, "file already exists in this folder"
	case errors.As(err, &maxBytes):
		status, msg = http.StatusRequestEntityTooLarge, "upload too large"
	case errors.Is(err, errBadRequest):
		status, msg = http.StatusBadRequest, err.Error()
	}

	if status == http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request failed",
			"request_id", requestIDFrom(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: msg})
}
