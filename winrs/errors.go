package winrs

import "errors"

// Sentinel errors for WinRS operations.
var (
	// ErrShellClosed indicates the shell has already been closed.
	ErrShellClosed = errors.New("winrs: shell is closed")

	// ErrInvalidScript indicates an empty script was submitted.
	ErrInvalidScript = errors.New("winrs: empty script")

	// ErrUnknownSignal indicates a signal with no WSMan signal code.
	ErrUnknownSignal = errors.New("winrs: unknown signal")
)
