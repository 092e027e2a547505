package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Error type in API response.
type errorType string

type apiError struct {
	typ errorType
	err error
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.typ, e.err)
}

// List of predefined errors.
const (
	errorUnauthorized errorType = "unauthorized"
	errorForbidden    errorType = "forbidden"
	errorBadData      errorType = "bad_data"
	errorInternal     errorType = "internal"
	errorNotFound     errorType = "not_found"
)

// Response is the JSON envelope of every API response.
type Response[T any] struct {
	Status    string    `json:"status"`
	Data      []T       `json:"data,omitempty"`
	ErrorType errorType `json:"errorType,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Return error response by setting errorString and errorType in response.
func errorResponse[T any](w http.ResponseWriter, apiErr *apiError, logger *slog.Logger, data []T) {
	var code int

	switch apiErr.typ {
	case errorBadData:
		code = http.StatusBadRequest
	case errorUnauthorized:
		code = http.StatusUnauthorized
	case errorForbidden:
		code = http.StatusForbidden
	case errorNotFound:
		code = http.StatusNotFound
	default:
		code = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	response := Response[T]{
		Status:    "error",
		ErrorType: apiErr.typ,
		Error:     apiErr.err.Error(),
		Data:      data,
	}
	if err := json.NewEncoder(w).Encode(&response); err != nil {
		logger.Error("Failed to encode response", "err", err)
		w.Write([]byte("KO"))
	}
}

// okResponse writes a success envelope around data.
func okResponse[T any](w http.ResponseWriter, logger *slog.Logger, data []T) {
	w.Header().Set("Content-Type", "application/json")

	response := Response[T]{
		Status: "success",
		Data:   data,
	}
	if err := json.NewEncoder(w).Encode(&response); err != nil {
		logger.Error("Failed to encode response", "err", err)
		w.Write([]byte("KO"))
	}
}
