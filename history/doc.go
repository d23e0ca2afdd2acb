// Package history records finished PowerShell invocations in a SQLite
// database so they can be listed after the process exits.
package history
