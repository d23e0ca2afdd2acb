// Package winrmexec runs PowerShell on Windows hosts through WinRM remote
// shells.
//
// The library is organized into layers:
//
//	┌─────────────────────────────────────────────────────────┐
//	│  psexec/       Script builder, output parser, executor  │
//	├─────────────────────────────────────────────────────────┤
//	│  session/      Session directory, locking, breaker      │
//	├─────────────────────────────────────────────────────────┤
//	│  winrs/        cmd shells, powershell.exe commands      │
//	├─────────────────────────────────────────────────────────┤
//	│  wsman/        WSMan/WinRM SOAP client and transport    │
//	│  wsman/auth    Basic, NTLM, Digest, certificate auth    │
//	└─────────────────────────────────────────────────────────┘
//
// clixml decodes the CLIXML that powershell.exe writes and history keeps
// finished invocations in SQLite.
//
// # Quick Start
//
//	tr := transport.NewHTTPTransport(
//	    transport.WithAuthenticator(auth.NewChallengeAuth(auth.MethodNTLM, auth.Credentials{
//	        Username: "administrator",
//	        Password: "password",
//	    })),
//	)
//	sessions := session.NewManager(wsman.NewClient("http://server:5985/wsman", tr))
//	info, err := sessions.Open(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sessions.Close(ctx, info.ID)
//
//	exec := psexec.New(psexec.WithParser(clixml.New()))
//	out, err := exec.Invoke(ctx, sessions, info.ID, psexec.InvokeParams{
//	    Script: "Get-Process | Select -First 5",
//	})
package winrmexec
