package api

import (
	"encoding/json"
	"net/http"

	"github.com/sjq0098/news-mosaic/internal/errkind"
)

// envelope is the uniform response shape: {success, data | error}.
type envelope struct {
	Success  bool      `json:"success"`
	Data     any       `json:"data,omitempty"`
	Error    *apiError `json:"error,omitempty"`
	Warnings []string  `json:"warnings,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data any, warnings ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data, Warnings: warnings})
}

type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeError maps the error taxonomy onto HTTP status codes. Internal
// errors never leak detail to the caller.
func writeError(w http.ResponseWriter, err error) {
	kind := errkind.KindOf(err)
	msg := err.Error()
	if kind == errkind.Internal {
		msg = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(kind))
	json.NewEncoder(w).Encode(envelope{
		Success: false,
		Error:   &apiError{Kind: string(kind), Message: msg},
	})
}

func statusFor(kind errkind.Kind) int {
	switch kind {
	case errkind.InvalidRequest:
		return http.StatusBadRequest
	case errkind.NotFound:
		return http.StatusNotFound
	case errkind.SessionBusy, errkind.BusyRetry, errkind.ProviderRateLimited:
		return http.StatusTooManyRequests
	case errkind.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case errkind.Cancelled:
		return 499 // client closed request
	case errkind.ProviderUnavailable, errkind.StoreUnavailable, errkind.IndexUnavailable:
		return http.StatusServiceUnavailable
	case errkind.InvalidResponse, errkind.UnstructuredOutput, errkind.ContextOverflow:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
