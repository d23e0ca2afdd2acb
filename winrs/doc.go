// Package winrs opens Windows Remote Shell (cmd) shells over WS-Management
// and runs PowerShell scripts in them.
//
// Scripts are passed to powershell.exe with -EncodedCommand, so no quoting
// of the script text is needed. CommandTransport adapts a *wsman.Client to
// psexec.Transport:
//
//	client := wsman.NewClient(endpoint, httpTransport)
//	shell, err := winrs.NewShell(ctx, client, winrs.WithNoProfile())
//	if err != nil {
//	    return err
//	}
//	defer shell.Close(ctx)
//
//	tr := winrs.NewCommandTransport(client)
//	cmdID, err := tr.ExecuteCommand(ctx, shell.ID(), "Get-Service WinRM")
package winrs
