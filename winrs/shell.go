package winrs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smnsjas/go-winrmexec/wsman"
)

// shellConfig holds the configuration for a Shell.
type shellConfig struct {
	workingDir  string
	environment map[string]string
	idleTimeout time.Duration
	codepage    int
	noProfile   bool
}

// Option configures a Shell.
type Option func(*shellConfig)

// WithWorkingDirectory sets the shell's initial working directory.
func WithWorkingDirectory(dir string) Option {
	return func(c *shellConfig) { c.workingDir = dir }
}

// WithEnvironment sets environment variables for the shell.
func WithEnvironment(env map[string]string) Option {
	return func(c *shellConfig) { c.environment = env }
}

// WithIdleTimeout sets the shell idle timeout.
// If the shell is idle for this duration, the server may close it.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *shellConfig) { c.idleTimeout = d }
}

// WithCodepage sets the console codepage.
// Common values: 437 (OEM/DOS), 65001 (UTF-8).
func WithCodepage(cp int) Option {
	return func(c *shellConfig) { c.codepage = cp }
}

// WithNoProfile prevents loading the user profile on shell creation.
func WithNoProfile() Option {
	return func(c *shellConfig) { c.noProfile = true }
}

// Shell is a remote cmd shell.
type Shell struct {
	transport Transport
	epr       *wsman.EndpointReference

	mu     sync.Mutex
	closed bool
}

// NewShell creates a new shell on the remote system. The default idle
// timeout is 30 minutes and output is UTF-8.
func NewShell(ctx context.Context, transport Transport, opts ...Option) (*Shell, error) {
	if transport == nil {
		return nil, errors.New("winrs: transport is nil")
	}

	cfg := shellConfig{
		idleTimeout: 30 * time.Minute,
		codepage:    65001,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	epr, err := transport.Create(ctx, wsman.ShellOptions{
		WorkingDirectory: cfg.workingDir,
		Environment:      cfg.environment,
		IdleTimeout:      formatDuration(cfg.idleTimeout),
		Codepage:         cfg.codepage,
		NoProfile:        cfg.noProfile,
	})
	if err != nil {
		return nil, fmt.Errorf("winrs: create shell: %w", err)
	}

	return &Shell{transport: transport, epr: epr}, nil
}

// ID returns the shell ID.
func (s *Shell) ID() string {
	return s.epr.ShellID()
}

// EPR returns the shell's endpoint reference for low-level operations.
func (s *Shell) EPR() *wsman.EndpointReference {
	return s.epr
}

// Close deletes the shell. Closing twice is a no-op.
func (s *Shell) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.transport.Delete(ctx, s.epr); err != nil {
		return fmt.Errorf("winrs: close shell: %w", err)
	}
	return nil
}

// Disconnect leaves the shell and its commands running on the server.
func (s *Shell) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrShellClosed
	}
	if err := s.transport.Disconnect(ctx, s.epr); err != nil {
		return fmt.Errorf("winrs: disconnect shell: %w", err)
	}
	return nil
}

// formatDuration converts a time.Duration to an ISO 8601 duration (PTnS).
// Zero yields "", leaving the server default.
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return fmt.Sprintf("PT%dS", int(d.Seconds()))
}
