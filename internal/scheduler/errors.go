package scheduler

import "errors"

// ErrUnknownJobType is returned when registering a job whose type has no
// registered handler.
var ErrUnknownJobType = errors.New("scheduler: unknown job type")

// ErrJobRejected is returned when admission finds the global job limit
// already reached (spec.md §4.4).
var ErrJobRejected = errors.New("scheduler: job rejected, limits exceeded")

// ErrInvalidConfig wraps a JobConfig validation failure.
var ErrInvalidConfig = errors.New("scheduler: invalid job config")

// ErrHandlerExists is returned when a job type is registered twice.
var ErrHandlerExists = errors.New("scheduler: handler already registered for type")

// RecoverableError is the marker interface spec.md §4.4/§7 describes as
// "{isRecoverableError:true}": a handler error implementing this with
// IsRecoverableError() returning true is requeued to retryable (subject to
// attemptsLeft); any other error is a permanent job error and is dropped
// immediately, regardless of remaining attempts.
type RecoverableError interface {
	error
	IsRecoverableError() bool
}

// isRecoverable reports whether err should be retried per the
// RecoverableError contract.
func isRecoverable(err error) bool {
	re, ok := err.(RecoverableError)
	return ok && re.IsRecoverableError()
}
