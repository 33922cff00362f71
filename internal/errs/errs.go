// Package errs defines the failure taxonomy shared by every pipeline stage.
//
// Callers branch on Kind via IsKind or KindOf rather than matching error strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a stable failure category.
type Kind string

const (
	// KindData covers unreadable or corrupt source series and malformed decoded stacks.
	KindData Kind = "data"
	// KindCrypto covers authentication failures, wrong keys and truncated ciphertext.
	KindCrypto Kind = "crypto"
	// KindNetwork covers transport failures and replies outside the protocol.
	KindNetwork Kind = "network"
	// KindRejection is a structured refusal from the inference service (HTTP 200 + JSON).
	KindRejection Kind = "rejection"
	// KindServerFault is an HTTP 500 from the inference service.
	KindServerFault Kind = "server-fault"
	// KindFileSystem covers temp and output directory failures.
	KindFileSystem Kind = "filesystem"
	// KindConfig covers missing or invalid configuration.
	KindConfig Kind = "config"
)

// Error is the structured error returned at component boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	} else if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s error: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// New returns an *Error with no cause.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

// Newf is New with a format string.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to cause. A nil cause yields a plain New error.
func Wrap(kind Kind, op, msg string, cause error) error {
	if cause == nil {
		return New(kind, op, msg)
	}
	return &Error{Kind: kind, Op: op, Message: msg, Cause: cause}
}

// IsKind reports whether err is (or wraps) an *Error with the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// KindOf returns the Kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}
