package worker

import (
	"context"
	"errors"

	"listing-ops/internal/lock"
	"listing-ops/internal/marketplace"
	"listing-ops/internal/store"
)

// Outcome is how the executor resolves one handler run.
type Outcome string

const (
	// OutcomeSucceeded: job SUCCEEDED, follow-ups enqueued.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeRetry: the attempt counts; PENDING again after linear backoff, FAILED once exhausted.
	OutcomeRetry Outcome = "retry"
	// OutcomeConflict: entity lock held elsewhere. Re-queued like OutcomeRetry.
	OutcomeConflict Outcome = "conflict"
	// OutcomeTransient: infrastructure failure. The attempt is given back.
	OutcomeTransient Outcome = "transient"
	// OutcomePermanent: FAILED immediately.
	OutcomePermanent Outcome = "permanent"
)

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// RetryableError marks a failure worth another attempt.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Permanent wraps err so Classify reports OutcomePermanent.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Retryable wraps err so Classify reports OutcomeRetry.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// Classify maps a handler error onto an Outcome. Explicit wrappers win over
// sentinel inspection; unknown errors are retryable.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSucceeded
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return OutcomePermanent
	}
	var retry *RetryableError
	if errors.As(err, &retry) {
		return OutcomeRetry
	}
	switch {
	case errors.Is(err, lock.ErrHeld):
		return OutcomeConflict
	case errors.Is(err, context.Canceled):
		return OutcomeTransient
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, lock.ErrUnavailable):
		return OutcomeTransient
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, marketplace.ErrNotFound),
		errors.Is(err, marketplace.ErrRejected),
		errors.Is(err, marketplace.ErrMissingCredentials):
		return OutcomePermanent
	}
	return OutcomeRetry
}

// errorClass is the short label stored in job log entries.
func errorClass(o Outcome) string {
	switch o {
	case OutcomeRetry:
		return "retryable"
	case OutcomeConflict:
		return "conflict"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	}
	return ""
}
