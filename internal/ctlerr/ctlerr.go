// Package ctlerr defines the task control plane's error kinds: the
// vocabulary that history entries, terminal task errors, and protocol
// failure frames are all built from.
package ctlerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error kinds a task can surface, per the control
// plane's error handling design. Most kinds are recoverable: they are
// appended to a task's history and the task continues. A handful are
// terminal, see IsTerminal.
type Kind string

const (
	KindUnauthorizedTool   Kind = "unauthorized-tool"
	KindParseError         Kind = "parse-error"
	KindValidationError    Kind = "validation-error"
	KindCompatibilityError Kind = "compatibility-error"
	KindDuplicateCall      Kind = "duplicate-call-error"
	KindRemoteTimeout      Kind = "remote-timeout"
	KindTransportDown      Kind = "transport-disconnected"
	KindBudgetExhausted    Kind = "budget-exhausted"
	KindCancelled          Kind = "cancelled"
	KindPlannerError       Kind = "planner-error"
	KindExecutorError      Kind = "executor-error"
	KindBackpressure       Kind = "backpressure"
)

// terminal holds the kinds that end a task's lifecycle outright rather
// than being surfaced as a recoverable history entry.
var terminal = map[Kind]bool{
	KindTransportDown:   true,
	KindBudgetExhausted: true,
	KindCancelled:       true,
	KindPlannerError:    true,
	KindExecutorError:   true,
}

// IsTerminal reports whether k ends a task's control graph outright.
func IsTerminal(k Kind) bool {
	return terminal[k]
}

// Error is a task-level error carrying a Kind alongside the underlying
// cause, so callers can branch with errors.Is/errors.As instead of string
// matching, and history entries can record the Kind directly.
type Error struct {
	Kind    Kind
	TaskID  string
	CallID  string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Cause: cause, Message: message}
}

// WithTask returns a copy of e annotated with a task id.
func (e *Error) WithTask(taskID string) *Error {
	c := *e
	c.TaskID = taskID
	return &c
}

// WithCall returns a copy of e annotated with a call id.
func (e *Error) WithCall(callID string) *Error {
	c := *e
	c.CallID = callID
	return &c
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
