package models

import (
	"context"
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindInvalidState    ErrorKind = "InvalidState"
	KindConflict        ErrorKind = "Conflict"
	KindNotBalanced     ErrorKind = "NotBalanced"
	KindAlreadyResolved ErrorKind = "AlreadyResolved"
	KindInvalidInput    ErrorKind = "InvalidInput"
	KindStageFailure    ErrorKind = "StageFailure"
	KindTimeout         ErrorKind = "Timeout"
	KindNotFound        ErrorKind = "NotFound"
)

// Error is the typed lifecycle error. errors.Is matches on Kind against the Err* sentinels.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

var (
	ErrInvalidState    = &Error{Kind: KindInvalidState}
	ErrConflict        = &Error{Kind: KindConflict}
	ErrNotBalanced     = &Error{Kind: KindNotBalanced}
	ErrAlreadyResolved = &Error{Kind: KindAlreadyResolved}
	ErrInvalidInput    = &Error{Kind: KindInvalidInput}
	ErrStageFailure    = &Error{Kind: KindStageFailure}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrNotFound        = &Error{Kind: KindNotFound}
)

func NewError(kind ErrorKind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func WrapError(kind ErrorKind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns "" for errors outside the taxonomy.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable is true for stage failures and timeouts; everything else is a client error.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindStageFailure || k == KindTimeout
}

// StageError classifies a collaborator error. Typed errors pass through unchanged,
// a deadline becomes Timeout, anything else StageFailure.
func StageError(op string, stage string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(KindTimeout, op, err, "%s stage timed out", stage)
	}
	return WrapError(KindStageFailure, op, err, "%s stage failed", stage)
}

func NotFound(op string, what string, id string) *Error {
	return NewError(KindNotFound, op, "%s %s not found", what, id)
}
