// Package errs defines the error taxonomy shared by the store, tracker, runner and API.
//
// Errors are built with github.com/cockroachdb/errors so wrapped causes keep their
// sentinel identity across Wrap/Mark and can be inspected with Is.
package errs

import (
	"net/http"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound marks a missing job row.
	ErrNotFound = errors.New("not found")
	// ErrMalformed marks input that no retry can fix (empty query, bad due time).
	ErrMalformed = errors.New("malformed input")
	// ErrEmptyResult marks a query that returned no rows.
	ErrEmptyResult = errors.New("empty result set")
	// ErrTerminal marks an operation on a job that already reached a terminal status.
	ErrTerminal = errors.New("job is terminal")
	// ErrConflict marks a conditional status update that lost a race.
	ErrConflict = errors.New("status conflict")
	// ErrForbidden marks an operation by a principal that does not own the job.
	ErrForbidden = errors.New("forbidden")
	// ErrRateLimited marks a registration rejected by the limiter.
	ErrRateLimited = errors.New("rate limited")
)

// Re-exported helpers so callers need a single errors import.
var (
	New      = errors.New
	Newf     = errors.Newf
	Wrap     = errors.Wrap
	Wrapf    = errors.Wrapf
	Is       = errors.Is
	As       = errors.As
	Mark     = errors.Mark
	Join     = errors.Join
	WithHint = errors.WithHint
)

// Malformedf builds a permanent input error.
func Malformedf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrMalformed)
}

// NotFoundf builds a not-found error.
func NotFoundf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotFound)
}

// IsPermanent reports whether retrying err cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrTerminal)
}

// HTTPStatus maps an error to the status code the front door returns for it.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, ErrTerminal), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the text safe to show a client: the error chain for
// classified errors, a generic message for everything else.
func PublicMessage(err error) string {
	if HTTPStatus(err) == http.StatusInternalServerError {
		return "internal error"
	}
	msg := err.Error()
	for _, h := range errors.GetAllHints(err) {
		msg += " (" + h + ")"
	}
	return msg
}
