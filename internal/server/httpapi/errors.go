package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/dmitrijs2005/vaultsync/internal/api"
	"github.com/dmitrijs2005/vaultsync/internal/common"
)

// maxBodySize bounds request bodies. A version envelope is the largest.
const maxBodySize = 16 << 20

var errBadRequest = errors.New("bad request")

// statusFor maps a service error to a status code and error identifier.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, common.ErrTokenExpired):
		return http.StatusUnauthorized, api.ErrIDTokenExpired
	case errors.Is(err, common.ErrUnauthorized),
		errors.Is(err, common.ErrInvalidToken),
		errors.Is(err, common.ErrRefreshTokenExpired):
		return http.StatusUnauthorized, api.ErrIDUnauthorized
	case errors.Is(err, common.ErrForbidden):
		return http.StatusForbidden, api.ErrIDForbidden
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound, api.ErrIDNotFound
	case errors.Is(err, common.ErrConflict):
		return http.StatusConflict, api.ErrIDConflict
	case errors.Is(err, errBadRequest), errors.Is(err, common.ErrInvalidOrCorruptedData):
		return http.StatusBadRequest, api.ErrIDBadRequest
	default:
		return http.StatusInternalServerError, api.ErrIDInternal
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, id := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, api.Error{Identifier: id, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
