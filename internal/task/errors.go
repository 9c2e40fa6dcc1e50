package task

import "errors"

var (
	// ErrBrokerUnavailable wraps enqueue/fetch failures caused by the broker
	// connection. No task is lost: if the enqueue never succeeded the caller
	// decides whether to retry or surface the failure.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrInvalidKind is returned by the producer when the kind has no
	// registered handler.
	ErrInvalidKind = errors.New("invalid task kind")

	// ErrScheduleConflict marks a duplicate fire detected by the scheduler's
	// compare-and-set. Logged and counted, never fatal.
	ErrScheduleConflict = errors.New("schedule conflict")

	// ErrKeyConflict is returned when an idempotency key is resubmitted with a
	// different kind. The key names one logical operation; reuse across kinds
	// is a caller bug and must surface, not silently return the other task.
	ErrKeyConflict = errors.New("idempotency key conflict")
)

// PermanentError marks an error that should NOT be retried: the task goes
// straight to the dead-letter path.
type PermanentError struct{ Err error }

func (e PermanentError) Error() string { return e.Err.Error() }
func (e PermanentError) Unwrap() error { return e.Err }

// TransientError marks an error worth retrying with backoff. Bare errors
// from handlers are treated the same way; the explicit wrapper exists so
// call sites can be read.
type TransientError struct{ Err error }

func (e TransientError) Error() string { return e.Err.Error() }
func (e TransientError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return PermanentError{Err: err}
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return TransientError{Err: err}
}

func IsPermanent(err error) bool {
	var pe PermanentError
	return errors.As(err, &pe)
}

func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err)
}
