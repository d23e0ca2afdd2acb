package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smnsjas/go-winrmexec/internal/log"
	"github.com/smnsjas/go-winrmexec/psexec"
	"github.com/smnsjas/go-winrmexec/winrs"
)

// Manager is an in-memory psexec.SessionDirectory over winrs shells.
// Sessions may live on different hosts; each keeps the client it was
// opened through.
type Manager struct {
	client   winrs.Transport
	logger   *slog.Logger
	security *log.SecurityLogger
	retry    RetryPolicy
	breaker  BreakerPolicy
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*entry
}

var _ psexec.SessionDirectory = (*Manager)(nil)

// entry is one session. Fields below lock are guarded by Manager.mu.
type entry struct {
	id        string
	lock      callLock
	transport *lockedTransport

	shell        *winrs.Shell
	state        psexec.SessionState
	availability psexec.Availability
	holders      map[string]struct{}
	openedAt     time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithSecurityLogger sets the security event logger.
func WithSecurityLogger(l *log.SecurityLogger) Option {
	return func(m *Manager) { m.security = l }
}

// WithRetryPolicy sets how shell creation is retried.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(m *Manager) { m.retry = p }
}

// WithBreakerPolicy sets when repeated transport failures break a session.
func WithBreakerPolicy(p BreakerPolicy) Option {
	return func(m *Manager) { m.breaker = p }
}

// NewManager returns a Manager whose Open and Register use client.
func NewManager(client winrs.Transport, opts ...Option) *Manager {
	m := &Manager{
		client:   client,
		retry:    DefaultRetryPolicy(),
		breaker:  DefaultBreakerPolicy(),
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	return m
}

// Open creates a remote shell through the default client and registers it
// as a new session.
func (m *Manager) Open(ctx context.Context, opts ...winrs.Option) (psexec.SessionInfo, error) {
	return m.OpenWith(ctx, m.client, opts...)
}

// OpenWith creates a remote shell through client and registers it as a new
// session. Transient network failures are retried per the RetryPolicy.
func (m *Manager) OpenWith(ctx context.Context, client winrs.Transport, opts ...winrs.Option) (psexec.SessionInfo, error) {
	if client == nil {
		return psexec.SessionInfo{}, errors.New("session: client is nil")
	}
	e := m.add(client, nil)

	var shell *winrs.Shell
	err := m.retry.do(ctx, func() error {
		var err error
		shell, err = winrs.NewShell(ctx, client, opts...)
		if err != nil {
			m.logger.Debug("shell creation failed", "session_id", e.id, "error", err)
		}
		return err
	})
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, e.id)
		m.mu.Unlock()
		m.security.LogSession(log.SubtypeSessionOpen, log.OutcomeFailure, log.SeverityError, map[string]any{
			"session_id": e.id,
			"error":      err.Error(),
		})
		return psexec.SessionInfo{}, fmt.Errorf("session: open: %w", err)
	}

	m.mu.Lock()
	m.opened(e, shell)
	info := e.info()
	m.mu.Unlock()

	m.logger.Info("session opened", "session_id", e.id, "shell_id", shell.ID())
	m.security.LogSession(log.SubtypeSessionOpen, log.OutcomeSuccess, log.SeverityInfo, map[string]any{
		"session_id": e.id,
		"shell_id":   shell.ID(),
	})
	return info, nil
}

// Register adds a shell opened through the default client as a new
// session.
func (m *Manager) Register(shell *winrs.Shell) psexec.SessionInfo {
	e := m.add(m.client, shell)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return e.info()
}

// add inserts a session. A nil shell leaves it Opening.
func (m *Manager) add(client winrs.Transport, shell *winrs.Shell) *entry {
	e := &entry{
		id:       uuid.NewString(),
		lock:     newCallLock(),
		state:    psexec.SessionOpening,
		holders:  make(map[string]struct{}),
		openedAt: m.now(),
	}
	e.transport = &lockedTransport{
		next:    winrs.NewCommandTransport(client),
		lock:    e.lock,
		breaker: newBreaker(m.breaker, m.now, func(s CircuitState) { m.circuitChanged(e.id, s) }),
		lost:    func(err error) { m.markBroken(e.id, err) },
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[e.id] = e
	if shell != nil {
		m.opened(e, shell)
	}
	return e
}

// opened must be called with m.mu held.
func (m *Manager) opened(e *entry, shell *winrs.Shell) {
	e.shell = shell
	e.state = psexec.SessionOpened
	e.availability = psexec.AvailabilityAvailable
}

func (e *entry) info() psexec.SessionInfo {
	return psexec.SessionInfo{ID: e.id, State: e.state, Availability: e.availability}
}

// Session returns a snapshot of the session.
func (m *Manager) Session(id string) (psexec.SessionInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return psexec.SessionInfo{}, false
	}
	return e.info(), true
}

// Sessions returns snapshots of all sessions, oldest first.
func (m *Manager) Sessions() []psexec.SessionInfo {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b *entry) int {
		if c := a.openedAt.Compare(b.openedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	infos := make([]psexec.SessionInfo, len(entries))
	for i, e := range entries {
		infos[i] = e.info()
	}
	m.mu.RUnlock()
	return infos
}

// lookup returns the session and its shell, which is nil while Opening.
func (m *Manager) lookup(id string) (*entry, *winrs.Shell, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", psexec.ErrSessionNotFound, id)
	}
	return e, e.shell, nil
}

// Transport returns the serialized command transport of the session.
func (m *Manager) Transport(id string) (psexec.Transport, error) {
	e, shell, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if shell == nil {
		return nil, fmt.Errorf("%w: %s", psexec.ErrSessionNotOpened, id)
	}
	return e.transport, nil
}

// ShellID returns the remote shell id of the session.
func (m *Manager) ShellID(id string) (string, error) {
	_, shell, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	if shell == nil {
		return "", fmt.Errorf("%w: %s", psexec.ErrSessionNotOpened, id)
	}
	return shell.ID(), nil
}

// MarkBusy records invocationID as a holder of the session. An exclusive
// claim fails with psexec.ErrSessionBusy while the session is held.
func (m *Manager) MarkBusy(id, invocationID string, exclusive bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", psexec.ErrSessionNotFound, id)
	}
	if e.state != psexec.SessionOpened {
		return fmt.Errorf("%w: %s is %s", psexec.ErrSessionNotOpened, id, e.state)
	}
	if exclusive && len(e.holders) > 0 {
		return fmt.Errorf("%w: %s", psexec.ErrSessionBusy, id)
	}
	e.holders[invocationID] = struct{}{}
	e.availability = psexec.AvailabilityBusy
	return nil
}

// MarkAvailable releases the hold of invocationID. A release from an
// invocation that does not hold the session is ignored.
func (m *Manager) MarkAvailable(id, invocationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", psexec.ErrSessionNotFound, id)
	}
	if _, held := e.holders[invocationID]; !held {
		return nil
	}
	delete(e.holders, invocationID)
	if len(e.holders) == 0 && e.state == psexec.SessionOpened {
		e.availability = psexec.AvailabilityAvailable
	}
	return nil
}

// Disconnect disconnects the session's shell and leaves it running on the
// server. The session keeps its id and becomes Disconnected.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	e, shell, err := m.lookup(id)
	if err != nil {
		return err
	}
	if shell == nil {
		return fmt.Errorf("%w: %s", psexec.ErrSessionNotOpened, id)
	}

	if err := e.lock.acquire(ctx); err != nil {
		return err
	}
	err = shell.Disconnect(ctx)
	e.lock.release()
	if err != nil {
		m.security.LogSession(log.SubtypeSessionDisconn, log.OutcomeFailure, log.SeverityWarning, map[string]any{
			"session_id": id,
			"error":      err.Error(),
		})
		return fmt.Errorf("session: disconnect %s: %w", id, err)
	}

	m.mu.Lock()
	e.state = psexec.SessionDisconnected
	e.availability = psexec.AvailabilityNone
	clear(e.holders)
	m.mu.Unlock()

	m.logger.Info("session disconnected", "session_id", id, "shell_id", shell.ID())
	m.security.LogSession(log.SubtypeSessionDisconn, log.OutcomeSuccess, log.SeverityInfo, map[string]any{
		"session_id": id,
		"shell_id":   shell.ID(),
	})
	return nil
}

// Close deletes the session's shell and forgets the session. The session is
// removed even when the delete fails.
func (m *Manager) Close(ctx context.Context, id string) error {
	e, shell, err := m.lookup(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	e.state = psexec.SessionClosed
	e.availability = psexec.AvailabilityNone
	delete(m.sessions, id)
	m.mu.Unlock()

	if shell == nil {
		return nil
	}
	if err := e.lock.acquire(ctx); err != nil {
		return err
	}
	err = shell.Close(ctx)
	e.lock.release()

	outcome, severity := log.OutcomeSuccess, log.SeverityInfo
	details := map[string]any{"session_id": id, "shell_id": shell.ID()}
	if err != nil {
		outcome, severity = log.OutcomeFailure, log.SeverityWarning
		details["error"] = err.Error()
	}
	m.security.LogSession(log.SubtypeSessionClosed, outcome, severity, details)
	if err != nil {
		return fmt.Errorf("session: close %s: %w", id, err)
	}
	m.logger.Info("session closed", "session_id", id)
	return nil
}

// CloseAll closes every session and joins the errors.
func (m *Manager) CloseAll(ctx context.Context) error {
	var errs []error
	for _, info := range m.Sessions() {
		if err := m.Close(ctx, info.ID); err != nil && !errors.Is(err, psexec.ErrSessionNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) circuitChanged(id string, s CircuitState) {
	switch s {
	case CircuitOpen:
		m.markBroken(id, ErrCircuitOpen)
	case CircuitClosed:
		m.mu.Lock()
		e, ok := m.sessions[id]
		if ok && e.state == psexec.SessionBroken {
			e.state = psexec.SessionOpened
			e.availability = psexec.AvailabilityAvailable
			if len(e.holders) > 0 {
				e.availability = psexec.AvailabilityBusy
			}
		}
		m.mu.Unlock()
		if ok {
			m.logger.Info("session recovered", "session_id", id)
		}
	}
}

func (m *Manager) markBroken(id string, cause error) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok || e.state != psexec.SessionOpened {
		m.mu.Unlock()
		return
	}
	e.state = psexec.SessionBroken
	e.availability = psexec.AvailabilityNone
	m.mu.Unlock()

	m.logger.Warn("session broken", "session_id", id, "error", cause)
	m.security.LogEvent(log.EventSessionLifecycle, "broken", log.SeverityWarning, log.OutcomeFailure, map[string]any{
		"session_id": id,
		"error":      cause.Error(),
	})
}
