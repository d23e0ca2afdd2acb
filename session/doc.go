// Package session keeps the set of open WinRM shells that PowerShell
// invocations run in.
//
// Manager implements psexec.SessionDirectory. Each session wraps one winrs
// shell, tracks its state and availability, and serializes every transport
// call made on it. Consecutive transport failures trip a per-session
// circuit breaker that marks the session Broken until a probe succeeds.
package session
