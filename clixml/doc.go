// Package clixml decodes the CLIXML that powershell.exe writes to stdout
// and stderr when its streams are redirected.
//
// Parser implements psexec.StructuredParser. Primitive elements map to Go
// values (S to string, I32 to int32, DT to time.Time, Nil to nil), lists to
// []any and dictionaries or property bags to map[string]any. Error stream
// text is regrouped into one psexec.ErrorRecord per PowerShell error.
package clixml
