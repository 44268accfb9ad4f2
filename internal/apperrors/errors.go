// Package apperrors classifies failures raised by the matchmaking core so
// transport layers can decide between rejecting input, telling the client to
// keep waiting, or asking it to try again.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories understood by the gateway.
type Kind string

const (
	// KindValidation marks malformed input such as an empty user id.
	KindValidation Kind = "validation"
	// KindNotFound marks a missing waiting entry or a vanished candidate.
	KindNotFound Kind = "not_found"
	// KindConflict marks lock contention with a concurrent caller.
	KindConflict Kind = "conflict"
	// KindTransient marks an unreachable shared store or event bus.
	KindTransient Kind = "transient"
	// KindFatalConfig marks configuration the process cannot start with.
	KindFatalConfig Kind = "fatal_config"
)

// Error carries the category, the failing operation and an optional cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, so sentinel
// comparisons such as errors.Is(err, apperrors.ErrConflict) work.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind && other.Op == "" && other.Message == ""
}

// Sentinels usable with errors.Is.
var (
	ErrValidation  = &Error{Kind: KindValidation}
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrConflict    = &Error{Kind: KindConflict}
	ErrTransient   = &Error{Kind: KindTransient}
	ErrFatalConfig = &Error{Kind: KindFatalConfig}
)

func Validation(op, message string) error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}

func NotFound(op, message string) error {
	return &Error{Kind: KindNotFound, Op: op, Message: message}
}

func Conflict(op, message string) error {
	return &Error{Kind: KindConflict, Op: op, Message: message}
}

// Transient wraps a store or bus failure. A nil cause returns nil so callers
// can wrap unconditionally.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: KindTransient, Op: op, Message: "temporarily unavailable", Err: err}
}

func FatalConfig(op, message string) error {
	return &Error{Kind: KindFatalConfig, Op: op, Message: message}
}

// KindOf returns the category of err, or the empty Kind for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsValidation(err error) bool  { return KindOf(err) == KindValidation }
func IsNotFound(err error) bool    { return KindOf(err) == KindNotFound }
func IsConflict(err error) bool    { return KindOf(err) == KindConflict }
func IsTransient(err error) bool   { return KindOf(err) == KindTransient }
func IsFatalConfig(err error) bool { return KindOf(err) == KindFatalConfig }
