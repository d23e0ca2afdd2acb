package psexec

import "context"

// SessionDirectory resolves sessions and owns their busy/available flag.
// Implementations serialize calls per session.
type SessionDirectory interface {
	// Session returns the session snapshot, or false if it is unknown.
	Session(id string) (SessionInfo, bool)

	// Transport returns the command transport bound to the session.
	Transport(id string) (Transport, error)

	// ShellID returns the remote shell handle of the session.
	ShellID(id string) (string, error)

	// MarkBusy records that invocationID holds the session. With exclusive
	// set the claim fails with ErrSessionBusy while another invocation
	// holds the session; the check and the claim are one atomic step.
	MarkBusy(id, invocationID string, exclusive bool) error

	// MarkAvailable releases the session held by invocationID.
	MarkAvailable(id, invocationID string) error

	// Disconnect disconnects the session and leaves its shell running.
	Disconnect(ctx context.Context, id string) error
}

// Transport runs scripts in a remote shell.
type Transport interface {
	// ExecuteCommand starts script and returns the command handle.
	ExecuteCommand(ctx context.Context, shellID, script string) (string, error)

	// ReceiveOutput returns the output written since the previous call.
	ReceiveOutput(ctx context.Context, shellID, commandID string) (Chunk, error)

	// SignalCommand sends sig to the command.
	SignalCommand(ctx context.Context, shellID, commandID string, sig Signal) error
}

// StructuredParser decodes serialized PowerShell streams.
type StructuredParser interface {
	ParseStructuredOutput(text string) ([]any, error)
	ParseErrorStream(text string) ([]ErrorRecord, error)
}

// Recorder stores finished invocations.
type Recorder interface {
	Record(ctx context.Context, out *CommandOutput) error
}
