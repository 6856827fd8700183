package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/EvgeniOk14/currency-rates-service/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain error taxonomy onto HTTP statuses. Timeout,
// overload and upstream failures each get a distinct status so callers can
// tell a slow reply from a rejected one.
func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		code = http.StatusBadRequest
		codeStr = "INVALID_REQUEST"
	case errors.Is(err, domain.ErrOverloaded):
		code = http.StatusServiceUnavailable
		codeStr = "OVERLOADED"
	case errors.Is(err, domain.ErrTimeout):
		code = http.StatusGatewayTimeout
		codeStr = "TIMEOUT"
	case errors.Is(err, domain.ErrUpstream):
		code = http.StatusBadGateway
		codeStr = "UPSTREAM"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
