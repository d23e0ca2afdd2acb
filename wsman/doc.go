// Package wsman implements a WS-Management (WSMan) client for the Windows
// Remote Shell resource of a WinRM endpoint.
//
// It builds SOAP envelopes with WS-Addressing headers and decodes SOAP
// faults into *Fault values that match ErrAccessDenied, ErrShellNotFound
// and ErrOperationTimeout through errors.Is.
//
// # Subpackages
//
//   - auth: Authentication providers (Basic, NTLM, Negotiate, Digest, Certificate)
//   - transport: HTTP/TLS transport layer
//
// # WSMan Operations
//
//   - Create: Open a cmd shell
//   - Command: Start a process in the shell
//   - Receive: Poll stdout/stderr and the command state
//   - Signal: Terminate or Ctrl+C a command
//   - Disconnect: Leave the shell running server side
//   - Delete: Close the shell
package wsman
