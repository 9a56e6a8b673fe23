// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Sentinel errors for transport-level failures.
var (
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
)

// ErrorMapping binds a domain error to its HTTP representation.
type ErrorMapping struct {
	Target     error
	Status     int
	Title      string
	RetryAfter time.Duration
}

// RespondError maps err using the first matching mapping and writes an RFC7807 response.
// Unmapped errors become 500 without leaking details.
func RespondError(w http.ResponseWriter, err error, mappings ...ErrorMapping) {
	for _, m := range append(mappings, defaultMappings...) {
		if !errors.Is(err, m.Target) {
			continue
		}
		if m.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(m.RetryAfter.Round(time.Second)/time.Second)))
		}
		Problem(w, m.Status, m.Title, err.Error())
		return
	}
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}

var defaultMappings = []ErrorMapping{
	{Target: ErrValidation, Status: http.StatusBadRequest, Title: "Validation Failed"},
	{Target: ErrUnauthorized, Status: http.StatusUnauthorized, Title: "Unauthorized"},
}
