package psexec

import (
	"context"
	"time"
)

// Clock provides the wall clock used for timeouts (injectable for testing).
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

// poller paces the collection loop. wait returns early with ctx.Err() when
// ctx is cancelled.
type poller interface {
	wait(ctx context.Context) error
}

// intervalPoller sleeps a fixed interval between empty polls.
type intervalPoller struct {
	interval time.Duration
}

func (p intervalPoller) wait(ctx context.Context) error {
	if p.interval <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(p.interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
