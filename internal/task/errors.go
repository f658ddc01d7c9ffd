package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ValidationError rejects a submission before any task is created. It
// covers structural problems: empty specs, duplicate ids, references to
// dependencies that are not part of the same submission.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid workflow: " + e.Reason
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// CycleError rejects a submission whose dependency graph is cyclic.
// Path holds the offending cycle with the entry task repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

// IsValidation reports whether err rejects a submission (bad structure
// or a dependency cycle).
func IsValidation(err error) bool {
	var ve *ValidationError
	var ce *CycleError
	return errors.As(err, &ve) || errors.As(err, &ce)
}

// ErrTimedOut marks an execution that exceeded the task's max duration.
// Timeouts classify as transient.
var ErrTimedOut = errors.New("execution deadline exceeded")

// classifiedError pins an execution error to a failure class, overriding
// the classifier's default.
type classifiedError struct {
	class Class
	err   error
}

func (e *classifiedError) Error() string { return string(e.class) + ": " + e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ClassTransient, err: err}
}

// Permanent marks err as not retryable. The failure policy dead-letters
// it without consuming retry budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ClassPermanent, err: err}
}

// Classifier maps an execution error to a failure class.
type Classifier func(error) Class

// Classify is the default classifier. Explicit Transient/Permanent marks
// win; everything unmarked, timeouts included, is transient so the retry
// budget rather than the classifier bounds how often an unknown failure
// is attempted.
func Classify(err error) Class {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.class
	}
	return ClassTransient
}

// IsTimeout reports whether err is an execution timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimedOut) || errors.Is(err, context.DeadlineExceeded)
}
