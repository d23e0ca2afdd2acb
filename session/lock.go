package session

import "context"

// callLock serializes transport calls on one session. Acquire honours
// context cancellation, unlike sync.Mutex.
type callLock chan struct{}

func newCallLock() callLock {
	return make(callLock, 1)
}

func (l callLock) acquire(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	default:
	}
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l callLock) release() {
	<-l
}
