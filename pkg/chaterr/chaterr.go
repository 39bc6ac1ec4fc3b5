// Package chaterr provides the structured error type used across the
// conversation engine. Every failure carries a Kind that tells the caller
// how to surface it: retry affordance, inline validation, silent drop or
// local expiry.
package chaterr

import (
	"errors"
	"fmt"
)

// Op describes an operation, usually as "package.Function".
type Op string

// Kind categorizes the failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindValidation
	KindReconciliationGap
	KindPresenceTimeout
	KindCanceled
	KindNotFound
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network failure"
	case KindValidation:
		return "validation failure"
	case KindReconciliationGap:
		return "reconciliation gap"
	case KindPresenceTimeout:
		return "presence timeout"
	case KindCanceled:
		return "canceled"
	case KindNotFound:
		return "not found"
	case KindConfig:
		return "configuration error"
	default:
		return "unknown error"
	}
}

// Error is the structured error type for the engine.
type Error struct {
	Op      Op
	Kind    Kind
	Err     error
	Context string
}

func (e *Error) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Context, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an *Error. Arguments may be an Op, a Kind, a string (context)
// or an error (the cause), in any order.
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Kind:
			e.Kind = a
		case string:
			e.Context = a
		case error:
			e.Err = a
		}
	}
	if e.Err == nil {
		e.Err = errors.New(e.Context)
		e.Context = ""
	}
	return e
}

// Is reports whether err is of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// GetKind returns the Kind of err, KindUnknown when err is not an *Error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether the failure should surface a retry affordance.
func Retryable(err error) bool {
	return GetKind(err) == KindNetwork
}

// Network wraps a failed fetch, send or upload.
func Network(op Op, context string, err error) error {
	return E(op, KindNetwork, context, err)
}

// Invalid reports a local validation failure.
func Invalid(op Op, reason string) error {
	return E(op, KindValidation, reason)
}

// Gap reports an event that references state not loaded yet.
func Gap(op Op, format string, args ...any) error {
	return E(op, KindReconciliationGap, fmt.Sprintf(format, args...))
}
