package capsule

import (
	"context"
	"errors"
	"fmt"
)

// Kind buckets errors by how the caller should react.
type Kind int

const (
	// KindValidation: the input is wrong. Retrying cannot help.
	KindValidation Kind = iota + 1
	// KindTransient: a downstream dependency hiccuped. Retry per policy.
	KindTransient
	// KindFatal: unrecoverable (corrupt record, broken invariant). Fail fast.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unclassified"
	}
}

// Classified is implemented by errors that carry a Kind.
//
// Classification survives fmt.Errorf("...: %w", err) wrapping; KindOf uses
// errors.As, so the outermost classification wins.
type Classified interface {
	error
	Class() Kind
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *kindError) Unwrap() error { return e.err }
func (e *kindError) Class() Kind   { return e.kind }

// ErrNotFound reports an unknown capsule or profile ID.
var ErrNotFound = &kindError{kind: KindValidation, err: errors.New("not found")}

// ErrConflict reports a state transition the current status forbids,
// for example cancelling a capsule that is no longer pending.
var ErrConflict = &kindError{kind: KindValidation, err: errors.New("state conflict")}

func Validationf(format string, args ...any) error {
	return &kindError{kind: KindValidation, err: fmt.Errorf(format, args...)}
}

func Transientf(format string, args ...any) error {
	return &kindError{kind: KindTransient, err: fmt.Errorf(format, args...)}
}

func Fatalf(format string, args ...any) error {
	return &kindError{kind: KindFatal, err: fmt.Errorf(format, args...)}
}

// MarkValidation classifies an existing error. nil stays nil.
func MarkValidation(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: KindValidation, err: err}
}

func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: KindTransient, err: err}
}

func MarkFatal(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: KindFatal, err: err}
}

// KindOf returns the classification of err, or 0 when unclassified.
func KindOf(err error) Kind {
	var c Classified
	if errors.As(err, &c) {
		return c.Class()
	}
	return 0
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsTransient(err error) bool  { return KindOf(err) == KindTransient }
func IsFatal(err error) bool      { return KindOf(err) == KindFatal }

// Retryable reports whether a pipeline may retry err. Validation and fatal
// errors never retry; context cancellation never retries; everything else,
// including unclassified errors, counts as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch KindOf(err) {
	case KindValidation, KindFatal:
		return false
	}
	return true
}
