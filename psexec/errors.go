package psexec

import (
	"errors"
	"strings"
)

// Error kinds. Match them with errors.Is.
var (
	ErrSessionNotFound      = errors.New("psexec: session not found")
	ErrSessionNotOpened     = errors.New("psexec: session is not opened")
	ErrSessionBusy          = errors.New("psexec: session is busy")
	ErrInvocationNotFound   = errors.New("psexec: invocation not found")
	ErrInvocationNotRunning = errors.New("psexec: invocation is not running")
	ErrNotAJob              = errors.New("psexec: invocation is not a background job")
	ErrTransport            = errors.New("psexec: transport failure")
	ErrTimeout              = errors.New("psexec: command timed out")
	ErrSignal               = errors.New("psexec: signal send failed")
)

// InvocationError adds the operation and its target to an error kind.
type InvocationError struct {
	Op           string
	SessionID    string
	InvocationID string
	Err          error
}

// Error implements the error interface.
func (e *InvocationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.SessionID != "" {
		b.WriteString(" session=" + e.SessionID)
	}
	if e.InvocationID != "" {
		b.WriteString(" invocation=" + e.InvocationID)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *InvocationError) Unwrap() error {
	return e.Err
}

// transportError marks err as a transport failure without losing it.
type transportError struct {
	err error
}

func (e *transportError) Error() string {
	return "transport: " + e.err.Error()
}

func (e *transportError) Unwrap() []error {
	return []error{ErrTransport, e.err}
}

func wrapTransport(err error) error {
	if err == nil {
		return nil
	}
	return &transportError{err: err}
}
