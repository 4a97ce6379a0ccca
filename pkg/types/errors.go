package types

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across components. Callers classify with
// errors.Is; transport layers map them to status codes.
var (
	// ErrNotFound indicates a token, job, dataset, or snapshot does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates the caller's identity or token was rejected.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTokenReused indicates a single-use token was presented twice.
	ErrTokenReused = errors.New("token already used")

	// ErrQuotaExceeded indicates an owner holds too many live tokens.
	ErrQuotaExceeded = errors.New("token quota exceeded")

	// ErrNoCommonSnapshot indicates incremental negotiation found no base
	// and a full send was not permitted.
	ErrNoCommonSnapshot = errors.New("no common snapshot between source and destination")

	// ErrRemoteUnreachable indicates the secure-shell transport to the peer failed.
	ErrRemoteUnreachable = errors.New("remote host unreachable")

	// ErrResumeMismatch indicates a resume-token send was rejected by the source.
	ErrResumeMismatch = errors.New("resume token rejected by source")

	// ErrJobNotRunning indicates cancellation was requested for a job that
	// is not currently running.
	ErrJobNotRunning = errors.New("job is not running")

	// ErrStoreUnavailable indicates the persistence layer stayed unreachable
	// after bounded retries. Operations fail closed.
	ErrStoreUnavailable = errors.New("persistence unavailable")
)

// ValidationError reports a malformed request or an impossible flag
// combination, detected before any side effect.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// NewValidationError builds a ValidationError for the given field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
