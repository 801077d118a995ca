// ABOUTME: Typed controller errors with stable codes for callers and tool surfaces
// ABOUTME: Wraps the underlying cause so errors.Is/As keep working
package core

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorNotFound     ErrorCode = "NOT_FOUND"
	ErrorRemote       ErrorCode = "REMOTE_ERROR"
	ErrorPersistence  ErrorCode = "PERSISTENCE_ERROR"
)

var (
	// ErrNoActiveConversation is returned by operations on the current conversation when none is open
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrForeignConversation  = errors.New("conversation belongs to another owner")
	ErrConversationPending  = errors.New("conversation is still being created")
)

// Error is returned by every foreground controller operation
type Error struct {
	Code ErrorCode
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf returns the controller error code carried by err, or "" if none
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries code
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
