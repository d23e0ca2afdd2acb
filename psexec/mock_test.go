package psexec

import (
	"context"
	"errors"
	"sync"
	"time"
)

// mockDirectory implements SessionDirectory over in-memory sessions.
type mockDirectory struct {
	mu           sync.Mutex
	sessions     map[string]*SessionInfo
	transport    Transport
	holders      map[string][]string
	released     []string
	disconnectFn func(id string) error
	claimFn      func(id string)
	busyRejects  int
	disconnected []string
}

func newMockDirectory(tr Transport, ids ...string) *mockDirectory {
	d := &mockDirectory{
		sessions:  make(map[string]*SessionInfo),
		transport: tr,
		holders:   make(map[string][]string),
	}
	for _, id := range ids {
		d.sessions[id] = &SessionInfo{ID: id, State: SessionOpened, Availability: AvailabilityAvailable}
	}
	return d
}

func (d *mockDirectory) set(id string, state SessionState, avail Availability) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[id] = &SessionInfo{ID: id, State: state, Availability: avail}
}

func (d *mockDirectory) Session(id string) (SessionInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return *s, true
}

func (d *mockDirectory) rejected() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busyRejects
}

func (d *mockDirectory) Transport(id string) (Transport, error) {
	if _, ok := d.Session(id); !ok {
		return nil, ErrSessionNotFound
	}
	return d.transport, nil
}

func (d *mockDirectory) ShellID(id string) (string, error) {
	if _, ok := d.Session(id); !ok {
		return "", ErrSessionNotFound
	}
	return "shell-" + id, nil
}

func (d *mockDirectory) MarkBusy(id, invocationID string, exclusive bool) error {
	if d.claimFn != nil {
		d.claimFn(id)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if exclusive && s.Availability == AvailabilityBusy {
		d.busyRejects++
		return ErrSessionBusy
	}
	d.holders[id] = append(d.holders[id], invocationID)
	d.sessions[id].Availability = AvailabilityBusy
	return nil
}

func (d *mockDirectory) MarkAvailable(id, invocationID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = append(d.released, invocationID)
	holders := d.holders[id][:0]
	for _, h := range d.holders[id] {
		if h != invocationID {
			holders = append(holders, h)
		}
	}
	d.holders[id] = holders
	if len(holders) == 0 {
		d.sessions[id].Availability = AvailabilityAvailable
	}
	return nil
}

func (d *mockDirectory) Disconnect(_ context.Context, id string) error {
	if d.disconnectFn != nil {
		if err := d.disconnectFn(id); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected = append(d.disconnected, id)
	d.sessions[id].State = SessionDisconnected
	d.sessions[id].Availability = AvailabilityNone
	return nil
}

// mockTransport implements Transport with function fields and records
// every signal.
type mockTransport struct {
	executeFn func(ctx context.Context, shellID, script string) (string, error)
	receiveFn func(ctx context.Context, shellID, commandID string) (Chunk, error)
	signalFn  func(ctx context.Context, shellID, commandID string, sig Signal) error

	mu      sync.Mutex
	scripts []string
	signals []Signal
}

func (m *mockTransport) ExecuteCommand(ctx context.Context, shellID, script string) (string, error) {
	m.mu.Lock()
	m.scripts = append(m.scripts, script)
	m.mu.Unlock()
	if m.executeFn != nil {
		return m.executeFn(ctx, shellID, script)
	}
	return "cmd-" + shellID, nil
}

func (m *mockTransport) ReceiveOutput(ctx context.Context, shellID, commandID string) (Chunk, error) {
	if m.receiveFn != nil {
		return m.receiveFn(ctx, shellID, commandID)
	}
	return Chunk{Stdout: "ok\n", Done: true}, nil
}

func (m *mockTransport) SignalCommand(ctx context.Context, shellID, commandID string, sig Signal) error {
	m.mu.Lock()
	m.signals = append(m.signals, sig)
	m.mu.Unlock()
	if m.signalFn != nil {
		return m.signalFn(ctx, shellID, commandID, sig)
	}
	return nil
}

func (m *mockTransport) signalCount(sig Signal) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.signals {
		if s == sig {
			n++
		}
	}
	return n
}

// mockClock implements Clock with manual time control.
type mockClock struct {
	mu      sync.Mutex
	current time.Time
}

func newMockClock() *mockClock {
	return &mockClock{current: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// mockParser implements StructuredParser.
type mockParser struct {
	outputFn func(text string) ([]any, error)
	errorsFn func(text string) ([]ErrorRecord, error)
}

func (p *mockParser) ParseStructuredOutput(text string) ([]any, error) {
	if p.outputFn != nil {
		return p.outputFn(text)
	}
	return nil, errors.New("no structured output")
}

func (p *mockParser) ParseErrorStream(text string) ([]ErrorRecord, error) {
	if p.errorsFn != nil {
		return p.errorsFn(text)
	}
	return nil, errors.New("no structured errors")
}

// mockRecorder implements Recorder.
type mockRecorder struct {
	mu      sync.Mutex
	outputs []*CommandOutput
}

func (r *mockRecorder) Record(_ context.Context, out *CommandOutput) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs = append(r.outputs, out)
	return nil
}
