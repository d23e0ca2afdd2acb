package winrs

import (
	"context"

	"github.com/smnsjas/go-winrmexec/wsman"
)

// Transport abstracts the WSMan shell operations used by this package.
// *wsman.Client implements it.
type Transport interface {
	// Create opens a shell and returns its endpoint reference.
	Create(ctx context.Context, opts wsman.ShellOptions) (*wsman.EndpointReference, error)

	// Command starts executable in the shell and returns the command ID.
	Command(ctx context.Context, epr *wsman.EndpointReference, executable string, args ...string) (string, error)

	// Receive retrieves output from a command.
	Receive(ctx context.Context, epr *wsman.EndpointReference, commandID string) (*wsman.ReceiveResult, error)

	// Signal sends a signal to a command.
	Signal(ctx context.Context, epr *wsman.EndpointReference, commandID, code string) error

	// Delete closes a shell.
	Delete(ctx context.Context, epr *wsman.EndpointReference) error

	// Disconnect leaves a shell running on the server.
	Disconnect(ctx context.Context, epr *wsman.EndpointReference) error
}

var _ Transport = (*wsman.Client)(nil)
