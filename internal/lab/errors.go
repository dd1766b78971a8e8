package lab

import (
	"errors"
	"fmt"
)

// Request-time errors. These are returned synchronously and leave no
// side effects behind.
var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrVMNotRunning         = errors.New("vm is not running")
	ErrSessionLimitExceeded = errors.New("session limit exceeded")
	ErrInvalidSpec          = errors.New("invalid spec")
	ErrConflict             = errors.New("already exists")
	ErrPortsExhausted       = errors.New("no free ports")
)

// Session-time errors. These occur after a session exists and tear it down.
var (
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrTimeout             = errors.New("liveness timeout")
	ErrTransport           = errors.New("transport error")
)

// TransitionError describes a lifecycle action rejected because of the
// subject's current status.
type TransitionError struct {
	Subject  string // "VM" or "lab"
	Action   string // "start", "deploy", ...
	Current  string
	Required string // human-readable precondition
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s %s: %s (status: %s)", e.Action, e.Subject, e.Required, e.Current)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// SpecError reports an invalid field in a lab or VM spec.
type SpecError struct {
	Field   string
	Message string
}

func (e *SpecError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *SpecError) Unwrap() error {
	return ErrInvalidSpec
}

// NotFoundError wraps ErrNotFound with the kind and id that were looked up.
func NotFoundError(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}
