package errors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure once, at the boundary where it happened.
// Upstream code switches on Kind and never re-interprets the cause.
type Kind string

const (
	KindUnknown            Kind = ""
	KindNetwork            Kind = "network"
	KindAuth               Kind = "auth"
	KindValidation         Kind = "validation"
	KindServerUnavailable  Kind = "serverUnavailable"
	KindStorageUnavailable Kind = "storageUnavailable"
)

// Engine errors.
var (
	ErrClosed           = errors.New("domain has been torn down")
	ErrNoUser           = errors.New("no signed-in user")
	ErrUnknownDomain    = errors.New("unknown domain")
	ErrInvalidOperation = errors.New("invalid operation")
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a classified error with a message and no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}

	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain. Context
// deadline errors that escaped classification count as network failures,
// matching how the gateway reports its own timeouts.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}

	return KindUnknown
}

// Retryable reports whether err should be absorbed into the queue path.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindServerUnavailable:
		return true
	default:
		return false
	}
}

// Message returns the human-readable part of a classified error, falling
// back to err.Error().
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}

	if err == nil {
		return ""
	}

	return err.Error()
}
