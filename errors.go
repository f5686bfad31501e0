package plantid

import (
	"errors"
	"net/http"

	"github.com/AnandSundar/go-plantid/model"
)

var (
	// ErrAllProvidersUnavailable is returned when no provider produced a result.
	// It is retryable.
	ErrAllProvidersUnavailable = model.ErrAllProvidersUnavailable

	// ErrQuotaExceeded is returned when every provider's budget is exhausted
	ErrQuotaExceeded = model.ErrQuotaExceeded

	// ErrInvalidInput is returned for an empty or oversized image
	ErrInvalidInput = model.ErrInvalidInput
)

// HTTPStatus maps an Identify error to the status code a web layer should answer with
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrAllProvidersUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
