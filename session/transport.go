package session

import (
	"context"
	"errors"

	"github.com/smnsjas/go-winrmexec/psexec"
	"github.com/smnsjas/go-winrmexec/wsman"
)

// lockedTransport runs every call of one session under its lock and
// breaker. A missing remote shell breaks the session at once.
type lockedTransport struct {
	next    psexec.Transport
	lock    callLock
	breaker *breaker
	lost    func(error)
}

var _ psexec.Transport = (*lockedTransport)(nil)

func (t *lockedTransport) call(ctx context.Context, fn func() error) error {
	if err := t.lock.acquire(ctx); err != nil {
		return err
	}
	defer t.lock.release()

	err := t.breaker.execute(fn)
	if errors.Is(err, wsman.ErrShellNotFound) && t.lost != nil {
		t.lost(err)
	}
	return err
}

func (t *lockedTransport) ExecuteCommand(ctx context.Context, shellID, script string) (string, error) {
	var commandID string
	err := t.call(ctx, func() error {
		var err error
		commandID, err = t.next.ExecuteCommand(ctx, shellID, script)
		return err
	})
	return commandID, err
}

func (t *lockedTransport) ReceiveOutput(ctx context.Context, shellID, commandID string) (psexec.Chunk, error) {
	var chunk psexec.Chunk
	err := t.call(ctx, func() error {
		var err error
		chunk, err = t.next.ReceiveOutput(ctx, shellID, commandID)
		return err
	})
	return chunk, err
}

func (t *lockedTransport) SignalCommand(ctx context.Context, shellID, commandID string, sig psexec.Signal) error {
	return t.call(ctx, func() error {
		return t.next.SignalCommand(ctx, shellID, commandID, sig)
	})
}
