package conn

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes the kinds of failure a connection can suffer.
type ErrorCode string

const (
	ErrCodeCMSetupFailed    ErrorCode = "cm setup failed"
	ErrCodeWRPostFailed     ErrorCode = "work request post failed"
	ErrCodeCompletionStatus ErrorCode = "non-zero completion status"
	ErrCodeMalformedCapsule ErrorCode = "malformed capsule"
	ErrCodeFatal            ErrorCode = "fatal connection error"
)

// Error is a structured connection error: which operation failed, which
// connection, and why.
type Error struct {
	Op     string
	ConnID string
	Code   ErrorCode
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.ConnID != "" {
		return fmt.Sprintf("conn: %s: %s (conn=%s, op=%s)", e.Code, msg, e.ConnID, e.Op)
	}
	return fmt.Sprintf("conn: %s: %s (op=%s)", e.Code, msg, e.Op)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

func newError(op, connID string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, ConnID: connID, Code: code, Msg: msg}
}

func wrapError(op, connID string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	return &Error{Op: op, ConnID: connID, Code: code, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is, or wraps, a *Error with the given code.
// A fatal error carries ErrCodeFatal on the outer *Error while the *Error
// it wraps keeps its specific code, so both codes match.
func IsCode(err error, code ErrorCode) bool {
	return errors.Is(err, &Error{Code: code})
}
