package generation

import (
	"errors"
	"fmt"
)

// FailureKind tells the chat layer which message to show.
type FailureKind string

const (
	FailureValidation        FailureKind = "validation"
	FailureInsufficientFunds FailureKind = "insufficient_funds"
	FailureQueueFull         FailureKind = "queue_full"
	FailureExternal          FailureKind = "external"
	FailureLocalIO           FailureKind = "local_io"
	FailureInternal          FailureKind = "internal"
)

var (
	// ErrQueueFull reports that every admission slot is taken.
	ErrQueueFull = errors.New("generation: queue is full")
	// ErrUnknownReservation reports a reservation that was already used,
	// cancelled, expired or never existed in this process.
	ErrUnknownReservation = errors.New("generation: unknown reservation")
	// ErrTooManyPrompts reports a batch above the configured limit.
	ErrTooManyPrompts = errors.New("generation: too many prompts")
	// ErrNoArtifact reports a collaborator reply without images.
	ErrNoArtifact = errors.New("generation: no artifact produced")
	// ErrPanic wraps a recovered panic.
	ErrPanic = errors.New("generation: unexpected failure")
)

// Failure is the only error shape Generate, Edit and Reserve return. Refunded
// is the number of units already credited back when the failure surfaced.
type Failure struct {
	Kind     FailureKind
	Refunded int64
	Err      error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("generation: %s", f.Kind)
	}
	return fmt.Sprintf("generation: %s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// KindOf classifies any error; unclassified errors are internal.
func KindOf(err error) FailureKind {
	if err == nil {
		return ""
	}
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	return FailureInternal
}

func newFailure(kind FailureKind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}
