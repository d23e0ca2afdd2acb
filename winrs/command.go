package winrs

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"github.com/smnsjas/go-winrmexec/psexec"
	"github.com/smnsjas/go-winrmexec/wsman"
)

// PowerShellExe is the executable scripts run under.
const PowerShellExe = "powershell.exe"

// progressPreamble keeps Write-Progress records out of stderr.
const progressPreamble = "$ProgressPreference = 'SilentlyContinue'; "

// EncodeCommand encodes script for powershell.exe -EncodedCommand:
// base64 of the UTF-16LE bytes.
func EncodeCommand(script string) (string, error) {
	utf16 := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	encoded, err := utf16.String(script)
	if err != nil {
		return "", fmt.Errorf("winrs: encode script: %w", err)
	}
	return base64.StdEncoding.EncodeToString([]byte(encoded)), nil
}

// PowerShellArgs returns the powershell.exe arguments that run script.
func PowerShellArgs(script string) ([]string, error) {
	encoded, err := EncodeCommand(progressPreamble + script)
	if err != nil {
		return nil, err
	}
	return []string{
		"-NoLogo",
		"-NoProfile",
		"-NonInteractive",
		"-ExecutionPolicy", "Bypass",
		"-EncodedCommand", encoded,
	}, nil
}

// CommandTransport runs PowerShell scripts in cmd shells. It implements
// psexec.Transport; shell IDs are the ShellId selectors of open shells.
type CommandTransport struct {
	client Transport
}

var _ psexec.Transport = (*CommandTransport)(nil)

// NewCommandTransport wraps client.
func NewCommandTransport(client Transport) *CommandTransport {
	return &CommandTransport{client: client}
}

// ExecuteCommand starts script under powershell.exe and returns the
// command ID.
func (t *CommandTransport) ExecuteCommand(ctx context.Context, shellID, script string) (string, error) {
	if strings.TrimSpace(script) == "" {
		return "", ErrInvalidScript
	}
	args, err := PowerShellArgs(script)
	if err != nil {
		return "", err
	}
	commandID, err := t.client.Command(ctx, wsman.ShellEPR(shellID), PowerShellExe, args...)
	if err != nil {
		return "", fmt.Errorf("winrs: start command: %w", err)
	}
	return commandID, nil
}

// ReceiveOutput returns the output written since the previous receive.
func (t *CommandTransport) ReceiveOutput(ctx context.Context, shellID, commandID string) (psexec.Chunk, error) {
	result, err := t.client.Receive(ctx, wsman.ShellEPR(shellID), commandID)
	if err != nil {
		return psexec.Chunk{}, fmt.Errorf("winrs: receive output: %w", err)
	}
	return psexec.Chunk{
		Stdout:   string(result.Stdout),
		Stderr:   string(result.Stderr),
		Done:     result.Done,
		ExitCode: result.ExitCode,
	}, nil
}

// SignalCommand sends sig to the command.
func (t *CommandTransport) SignalCommand(ctx context.Context, shellID, commandID string, sig psexec.Signal) error {
	code, err := signalCode(sig)
	if err != nil {
		return err
	}
	if err := t.client.Signal(ctx, wsman.ShellEPR(shellID), commandID, code); err != nil {
		return fmt.Errorf("winrs: signal %s: %w", sig, err)
	}
	return nil
}

func signalCode(sig psexec.Signal) (string, error) {
	switch sig {
	case psexec.SignalTerminate:
		return wsman.SignalTerminate, nil
	case psexec.SignalCtrlC:
		return wsman.SignalCtrlC, nil
	}
	return "", fmt.Errorf("%w: %d", ErrUnknownSignal, int(sig))
}
