package psexec

import (
	"fmt"
	"time"
)

// InvocationState is the lifecycle state of an invocation.
type InvocationState int

const (
	// StateRunning means the command was dispatched and has not finished.
	StateRunning InvocationState = iota
	// StateCompleted means output was collected and stderr stayed empty.
	StateCompleted
	// StateFailed means stderr was written, the collection timed out or the
	// transport failed mid-stream.
	StateFailed
	// StateDisconnected means the session was disconnected after dispatch.
	StateDisconnected
	// StateStopping means Ctrl+C was sent and the result is still pending.
	StateStopping
)

// String returns the state name.
func (s InvocationState) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	case StateDisconnected:
		return "Disconnected"
	case StateStopping:
		return "Stopping"
	default:
		return fmt.Sprintf("InvocationState(%d)", int(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s InvocationState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateDisconnected
}

// StreamKind identifies the stream a record was written to.
type StreamKind int

const (
	StreamOutput StreamKind = iota
	StreamError
)

// String returns the stream name.
func (k StreamKind) String() string {
	if k == StreamError {
		return "Error"
	}
	return "Output"
}

// ProgressRecord is a Write-Progress record.
type ProgressRecord struct {
	Activity          string
	StatusDescription string
	CurrentOperation  string
	ActivityID        int
	ParentActivityID  int
	PercentComplete   int
	SecondsRemaining  int
}

// InvocationInfo locates the statement that raised an error.
type InvocationInfo struct {
	ScriptName      string
	Line            int
	Column          int
	PositionMessage string
}

// ErrorRecord is one record of the PowerShell error stream.
type ErrorRecord struct {
	ExceptionType         string
	Message               string
	FullyQualifiedErrorID string
	Category              string
	TargetObject          string
	StackTrace            string
	Invocation            *InvocationInfo
}

// String formats the record as PowerShell prints it.
func (e ErrorRecord) String() string {
	if e.FullyQualifiedErrorID == "" {
		return e.Message
	}
	return e.Message + " (" + e.FullyQualifiedErrorID + ")"
}

// StreamRecord is one entry of the ordered stream log of an invocation.
type StreamRecord struct {
	Kind      StreamKind
	Value     any
	Timestamp time.Time
	Error     *ErrorRecord
	Progress  *ProgressRecord
}

// CommandOutput is the result of an invocation.
type CommandOutput struct {
	InvocationID string
	SessionID    string
	Command      string
	State        InvocationState
	Streams      []StreamRecord
	Output       []any
	Errors       []ErrorRecord
	HadErrors    bool
	StartedAt    time.Time
	EndedAt      time.Time
	Duration     time.Duration

	// Transcript holds the raw stdout and stderr when
	// InvokeParams.KeepTranscript is set.
	Transcript string
}

// InvokeParams describes what to run and how.
type InvokeParams struct {
	// Exactly one unit runs, by priority: FilePath, CommandName, Script.
	FilePath    string
	CommandName string
	Script      string

	// Parameters are rendered as -Key <literal> in key order.
	Parameters map[string]any

	// Arguments are rendered as positional literals after Parameters.
	Arguments []any

	// InputObjects are piped into the script through JSON.
	InputObjects []any

	// AsJob returns immediately with StateRunning and allows a busy session.
	AsJob bool

	// InvokeAndDisconnect disconnects the session right after dispatch.
	InvokeAndDisconnect bool

	// Timeout bounds output collection; zero means no limit. Expiry is
	// checked between receive polls, so collection can overrun Timeout by
	// one in-flight poll (wsman.ReceiveOperationTimeout on a quiet command).
	Timeout time.Duration

	// ThrottleLimit bounds fan-out concurrency; zero means the executor
	// default.
	ThrottleLimit int

	// KeepTranscript stores raw stdout/stderr in CommandOutput.Transcript.
	KeepTranscript bool
}

// SessionState is the connection state of a remote session.
type SessionState int

const (
	SessionOpening SessionState = iota
	SessionOpened
	SessionDisconnected
	SessionClosed
	SessionBroken
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case SessionOpening:
		return "Opening"
	case SessionOpened:
		return "Opened"
	case SessionDisconnected:
		return "Disconnected"
	case SessionClosed:
		return "Closed"
	case SessionBroken:
		return "Broken"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Availability tells whether a session can take a foreground invocation.
type Availability int

const (
	AvailabilityNone Availability = iota
	AvailabilityAvailable
	AvailabilityBusy
)

// String returns the availability name.
func (a Availability) String() string {
	switch a {
	case AvailabilityAvailable:
		return "Available"
	case AvailabilityBusy:
		return "Busy"
	default:
		return "None"
	}
}

// SessionInfo is a snapshot of a session's state.
type SessionInfo struct {
	ID           string
	State        SessionState
	Availability Availability
}

// Signal is a control signal sent to a running command.
type Signal int

const (
	SignalTerminate Signal = iota
	SignalCtrlC
)

// String returns the signal name.
func (s Signal) String() string {
	if s == SignalCtrlC {
		return "ctrl_c"
	}
	return "terminate"
}

// Chunk is the output delta returned by one receive.
type Chunk struct {
	Stdout   string
	Stderr   string
	Done     bool
	ExitCode int
}

// InvocationSnapshot describes a tracked invocation.
type InvocationSnapshot struct {
	ID        string
	SessionID string
	CommandID string
	Command   string
	State     InvocationState
	AsJob     bool
	StartedAt time.Time
}
