package session

import (
	"context"
	"sync"

	"github.com/smnsjas/go-winrmexec/wsman"
)

// mockClient implements winrs.Transport for testing.
type mockClient struct {
	mu sync.Mutex

	createFn     func(ctx context.Context, opts wsman.ShellOptions) (*wsman.EndpointReference, error)
	commandFn    func(ctx context.Context, epr *wsman.EndpointReference, executable string, args ...string) (string, error)
	receiveFn    func(ctx context.Context, epr *wsman.EndpointReference, cmdID string) (*wsman.ReceiveResult, error)
	signalFn     func(ctx context.Context, epr *wsman.EndpointReference, cmdID, code string) error
	deleteFn     func(ctx context.Context, epr *wsman.EndpointReference) error
	disconnectFn func(ctx context.Context, epr *wsman.EndpointReference) error

	creates int
	deleted []string
}

func (m *mockClient) Create(ctx context.Context, opts wsman.ShellOptions) (*wsman.EndpointReference, error) {
	m.mu.Lock()
	m.creates++
	m.mu.Unlock()
	if m.createFn != nil {
		return m.createFn(ctx, opts)
	}
	return wsman.ShellEPR("shell-1"), nil
}

func (m *mockClient) Command(ctx context.Context, epr *wsman.EndpointReference, executable string, args ...string) (string, error) {
	if m.commandFn != nil {
		return m.commandFn(ctx, epr, executable, args...)
	}
	return "cmd-1", nil
}

func (m *mockClient) Receive(ctx context.Context, epr *wsman.EndpointReference, cmdID string) (*wsman.ReceiveResult, error) {
	if m.receiveFn != nil {
		return m.receiveFn(ctx, epr, cmdID)
	}
	return &wsman.ReceiveResult{Stdout: []byte("ok\r\n"), Done: true}, nil
}

func (m *mockClient) Signal(ctx context.Context, epr *wsman.EndpointReference, cmdID, code string) error {
	if m.signalFn != nil {
		return m.signalFn(ctx, epr, cmdID, code)
	}
	return nil
}

func (m *mockClient) Delete(ctx context.Context, epr *wsman.EndpointReference) error {
	m.mu.Lock()
	m.deleted = append(m.deleted, epr.ShellID())
	m.mu.Unlock()
	if m.deleteFn != nil {
		return m.deleteFn(ctx, epr)
	}
	return nil
}

func (m *mockClient) Disconnect(ctx context.Context, epr *wsman.EndpointReference) error {
	if m.disconnectFn != nil {
		return m.disconnectFn(ctx, epr)
	}
	return nil
}
