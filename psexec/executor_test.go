package psexec

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(opts ...Option) *Executor {
	return New(append([]Option{WithPollInterval(0)}, opts...)...)
}

func TestInvoke_Foreground(t *testing.T) {
	tr := &mockTransport{}
	dir := newMockDirectory(tr, "s1")
	rec := &mockRecorder{}
	e := newTestExecutor(WithRecorder(rec))

	out, err := e.Invoke(context.Background(), dir, "s1", InvokeParams{CommandName: "Get-Date"})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, []any{"ok"}, out.Output)
	assert.Equal(t, "s1", out.SessionID)
	assert.Equal(t, "Get-Date", out.Command)
	assert.False(t, out.HadErrors)
	assert.NotEmpty(t, out.InvocationID)

	info, _ := dir.Session("s1")
	assert.Equal(t, AvailabilityAvailable, info.Availability)
	assert.Empty(t, e.ListInvocations())
	assert.Equal(t, 1, tr.signalCount(SignalTerminate))
	require.Len(t, rec.outputs, 1)
	assert.Equal(t, out, rec.outputs[0])
}

func TestInvoke_SessionChecks(t *testing.T) {
	tests := []struct {
		name  string
		setup func(d *mockDirectory)
		id    string
		asJob bool
		want  error
	}{
		{"not found", func(*mockDirectory) {}, "missing", false, ErrSessionNotFound},
		{"not opened", func(d *mockDirectory) { d.set("s1", SessionDisconnected, AvailabilityNone) }, "s1", false, ErrSessionNotOpened},
		{"broken", func(d *mockDirectory) { d.set("s1", SessionBroken, AvailabilityNone) }, "s1", false, ErrSessionNotOpened},
		{"busy", func(d *mockDirectory) { d.set("s1", SessionOpened, AvailabilityBusy) }, "s1", false, ErrSessionBusy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &mockTransport{}
			dir := newMockDirectory(tr, "s1")
			tt.setup(dir)

			out, err := newTestExecutor().Invoke(context.Background(), dir, tt.id, InvokeParams{Script: "1", AsJob: tt.asJob})
			assert.Nil(t, out)
			require.ErrorIs(t, err, tt.want)

			var invErr *InvocationError
			require.True(t, errors.As(err, &invErr))
			assert.Equal(t, "invoke", invErr.Op)
			assert.Empty(t, tr.scripts, "nothing may be dispatched")
		})
	}
}

func TestInvoke_BusyErrorSaysBusy(t *testing.T) {
	dir := newMockDirectory(&mockTransport{}, "s1")
	dir.set("s1", SessionOpened, AvailabilityBusy)

	_, err := newTestExecutor().Invoke(context.Background(), dir, "s1", InvokeParams{Script: "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busy")
}

func TestInvoke_JobOnBusySession(t *testing.T) {
	tr := &mockTransport{}
	dir := newMockDirectory(tr, "s1")
	dir.set("s1", SessionOpened, AvailabilityBusy)
	e := newTestExecutor()

	out, err := e.Invoke(context.Background(), dir, "s1", InvokeParams{Script: "Start-Sleep 60", AsJob: true})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, out.State)
	assert.Empty(t, out.Output)

	state, err := e.InvocationState(out.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)
	assert.Zero(t, tr.signalCount(SignalTerminate), "a job is not collected")
}

func TestInvoke_DispatchFailureReleasesSession(t *testing.T) {
	tr := &mockTransport{
		executeFn: func(context.Context, string, string) (string, error) {
			return "", errors.New("connection reset")
		},
	}
	dir := newMockDirectory(tr, "s1")
	e := newTestExecutor()

	out, err := e.Invoke(context.Background(), dir, "s1", InvokeParams{Script: "1"})
	assert.Nil(t, out)
	require.ErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "connection reset")

	info, _ := dir.Session("s1")
	assert.Equal(t, AvailabilityAvailable, info.Availability)
	assert.Empty(t, e.ListInvocations())
}

func TestInvoke_AndDisconnect(t *testing.T) {
	receives := 0
	tr := &mockTransport{
		receiveFn: func(context.Context, string, string) (Chunk, error) {
			receives++
			return Chunk{Done: true}, nil
		},
	}
	dir := newMockDirectory(tr, "s1")
	e := newTestExecutor()

	out, err := e.Invoke(context.Background(), dir, "s1", InvokeParams{Script: "Restart-Service W32Time", InvokeAndDisconnect: true})
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, out.State)
	assert.Empty(t, out.Output)
	assert.Empty(t, out.Streams)
	assert.Equal(t, []string{"s1"}, dir.disconnected)
	assert.Zero(t, receives, "no output is collected")
	assert.Empty(t, e.ListInvocations())
}

func TestInvoke_AndDisconnectFailure(t *testing.T) {
	dir := newMockDirectory(&mockTransport{}, "s1")
	dir.disconnectFn = func(string) error { return errors.New("fault") }
	e := newTestExecutor()

	out, err := e.Invoke(context.Background(), dir, "s1", InvokeParams{Script: "1", InvokeAndDisconnect: true})
	require.ErrorIs(t, err, ErrTransport)
	require.NotNil(t, out)
	assert.Equal(t, StateFailed, out.State)
	info, _ := dir.Session("s1")
	assert.Equal(t, AvailabilityAvailable, info.Availability)
}

func TestCollectOutput_AccumulatesUntilDone(t *testing.T) {
	chunks := []Chunk{
		{Stdout: "line1\nli"},
		{},
		{Stdout: "ne2\n", Done: true},
	}
	var calls int
	tr := &mockTransport{
		receiveFn: func(_ context.Context, shellID, commandID string) (Chunk, error) {
			assert.Equal(t, "shell-s1", shellID)
			assert.Equal(t, "cmd-shell-s1", commandID)
			c := chunks[calls]
			calls++
			return c, nil
		},
	}
	dir := newMockDirectory(tr, "s1")

	out, err := newTestExecutor().Invoke(context.Background(), dir, "s1", InvokeParams{Script: "x", KeepTranscript: true})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []any{"line1", "line2"}, out.Output)
	assert.Equal(t, "line1\nline2\n", out.Transcript)
}

func TestCollectOutput_StructuredCompleted(t *testing.T) {
	tr := &mockTransport{
		receiveFn: func(context.Context, string, string) (Chunk, error) {
			return Chunk{Stdout: CLIXMLMarker + "\r\n<Objs/>", Done: true}, nil
		},
	}
	parser := &mockParser{outputFn: func(string) ([]any, error) { return []any{"svc"}, nil }}
	dir := newMockDirectory(tr, "s1")

	out, err := newTestExecutor(WithParser(parser)).Invoke(context.Background(), dir, "s1", InvokeParams{Script: "x"})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)
	assert.Empty(t, out.Errors)
	assert.Equal(t, []any{"svc"}, out.Output)
}

func TestCollectOutput_StderrFails(t *testing.T) {
	tr := &mockTransport{
		receiveFn: func(context.Context, string, string) (Chunk, error) {
			return Chunk{Stdout: "partial\n", Stderr: "Access is denied.\n", Done: true}, nil
		},
	}
	dir := newMockDirectory(tr, "s1")

	out, err := newTestExecutor().Invoke(context.Background(), dir, "s1", InvokeParams{Script: "x"})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.State)
	assert.True(t, out.HadErrors)
	require.NotEmpty(t, out.Errors)
	assert.Equal(t, RemoteExceptionType, out.Errors[0].ExceptionType)
	assert.Equal(t, []any{"partial"}, out.Output)
}

func TestCollectOutput_TimeoutSendsOneTerminate(t *testing.T) {
	clock := newMockClock()
	tr := &mockTransport{
		receiveFn: func(context.Context, string, string) (Chunk, error) {
			clock.Advance(300 * time.Millisecond)
			return Chunk{Stdout: "."}, nil
		},
	}
	dir := newMockDirectory(tr, "s1")
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	e := newTestExecutor(WithClock(clock), WithMetrics(metrics))

	out, err := e.Invoke(context.Background(), dir, "s1", InvokeParams{Script: "while ($true) {}", Timeout: time.Second})
	require.ErrorIs(t, err, ErrTimeout)
	require.NotNil(t, out, "partial output is returned with the error")
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, []any{"...."}, out.Output)

	assert.Equal(t, 1, tr.signalCount(SignalTerminate))
	assert.Equal(t, 1, len(tr.signals))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Timeouts))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Invocations.WithLabelValues("Failed")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.Active))

	info, _ := dir.Session("s1")
	assert.Equal(t, AvailabilityAvailable, info.Availability)
	assert.Empty(t, e.ListInvocations())
}

func TestCollectOutput_TimeoutRealClock(t *testing.T) {
	tr := &mockTransport{
		receiveFn: func(context.Context, string, string) (Chunk, error) {
			return Chunk{}, nil
		},
	}
	dir := newMockDirectory(tr, "s1")
	e := New(WithPollInterval(10 * time.Millisecond))

	start := time.Now()
	_, err := e.Invoke(context.Background(), dir, "s1", InvokeParams{Script: "x", Timeout: 100 * time.Millisecond})
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 1, tr.signalCount(SignalTerminate))
}

func TestCollectOutput_TransportFailureKeepsPartialOutput(t *testing.T) {
	calls := 0
	tr := &mockTransport{
		receiveFn: func(context.Context, string, string) (Chunk, error) {
			calls++
			if calls == 1 {
				return Chunk{Stdout: "first\n"}, nil
			}
			return Chunk{}, errors.New("shell was not found")
		},
		signalFn: func(context.Context, string, string, Signal) error {
			return errors.New("terminate failed")
		},
	}
	dir := newMockDirectory(tr, "s1")

	out, err := newTestExecutor().Invoke(context.Background(), dir, "s1", InvokeParams{Script: "x"})
	require.ErrorIs(t, err, ErrTransport)
	assert.NotErrorIs(t, err, ErrSignal, "cleanup failures never mask the primary error")
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, []any{"first"}, out.Output)
	assert.Equal(t, 1, tr.signalCount(SignalTerminate))
}

func TestCollectOutput_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := &mockTransport{
		receiveFn: func(context.Context, string, string) (Chunk, error) {
			cancel()
			return Chunk{}, nil
		},
	}
	dir := newMockDirectory(tr, "s1")

	out, err := New(WithPollInterval(time.Hour)).Invoke(ctx, dir, "s1", InvokeParams{Script: "x"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, 1, tr.signalCount(SignalTerminate), "terminate is sent despite the cancelled context")
}

func TestStop(t *testing.T) {
	tr := &mockTransport{}
	dir := newMockDirectory(tr, "s1")
	e := newTestExecutor()

	out, err := e.Invoke(context.Background(), dir, "s1", InvokeParams{Script: "Start-Sleep 60", AsJob: true})
	require.NoError(t, err)

	require.NoError(t, e.Stop(context.Background(), dir, out.InvocationID))
	assert.Equal(t, 1, tr.signalCount(SignalCtrlC))

	state, err := e.InvocationState(out.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, StateStopping, state)

	err = e.Stop(context.Background(), dir, out.InvocationID)
	assert.ErrorIs(t, err, ErrInvocationNotRunning)

	err = e.Stop(context.Background(), dir, "unknown")
	assert.ErrorIs(t, err, ErrInvocationNotFound)
}

func TestStop_SignalFailureIsBestEffort(t *testing.T) {
	tr := &mockTransport{
		signalFn: func(context.Context, string, string, Signal) error { return errors.New("unreachable") },
	}
	dir := newMockDirectory(tr, "s1")
	e := newTestExecutor()

	out, err := e.Invoke(context.Background(), dir, "s1", InvokeParams{Script: "x", AsJob: true})
	require.NoError(t, err)
	require.NoError(t, e.Stop(context.Background(), dir, out.InvocationID))

	state, err := e.InvocationState(out.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, StateStopping, state)
}

// TestStop_ForegroundReachesTerminalState stops a foreground invocation
// while its output is being collected.
func TestStop_ForegroundReachesTerminalState(t *testing.T) {
	var stopped atomic.Bool
	polling := make(chan struct{})
	var once sync.Once
	tr := &mockTransport{
		receiveFn: func(context.Context, string, string) (Chunk, error) {
			once.Do(func() { close(polling) })
			if stopped.Load() {
				return Chunk{Stderr: "The pipeline has been stopped.\n", Done: true}, nil
			}
			time.Sleep(time.Millisecond)
			return Chunk{}, nil
		},
		signalFn: func(_ context.Context, _, _ string, sig Signal) error {
			if sig == SignalCtrlC {
				stopped.Store(true)
			}
			return nil
		},
	}
	dir := newMockDirectory(tr, "s1")
	e := newTestExecutor()

	type result struct {
		out *CommandOutput
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := e.Invoke(context.Background(), dir, "s1", InvokeParams{Script: "Start-Sleep 600"})
		done <- result{out, err}
	}()

	<-polling
	list := e.ListInvocations()
	require.Len(t, list, 1)
	require.NoError(t, e.Stop(context.Background(), dir, list[0].ID))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, StateFailed, r.out.State)
	case <-time.After(5 * time.Second):
		t.Fatal("invocation did not finish after stop")
	}
	_, err := e.InvocationState(list[0].ID)
	assert.ErrorIs(t, err, ErrInvocationNotFound, "finished invocations are no longer tracked")
}

func TestReceiveJob(t *testing.T) {
	tr := &mockTransport{
		receiveFn: func(context.Context, string, string) (Chunk, error) {
			return Chunk{Stdout: "job done\n", Done: true}, nil
		},
	}
	dir := newMockDirectory(tr, "s1")
	e := newTestExecutor()

	job, err := e.Invoke(context.Background(), dir, "s1", InvokeParams{Script: "x", AsJob: true})
	require.NoError(t, err)
	info, _ := dir.Session("s1")
	assert.Equal(t, AvailabilityBusy, info.Availability)

	out, err := e.ReceiveJob(context.Background(), dir, job.InvocationID, 0)
	require.NoError(t, err)
	assert.Equal(t, job.InvocationID, out.InvocationID)
	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, []any{"job done"}, out.Output)

	info, _ = dir.Session("s1")
	assert.Equal(t, AvailabilityAvailable, info.Availability)
	assert.Empty(t, e.ListInvocations())

	_, err = e.ReceiveJob(context.Background(), dir, job.InvocationID, 0)
	assert.ErrorIs(t, err, ErrInvocationNotFound)
}

func TestReceiveJob_NotAJob(t *testing.T) {
	block := make(chan struct{})
	tr := &mockTransport{
		receiveFn: func(ctx context.Context, _, _ string) (Chunk, error) {
			<-block
			return Chunk{Done: true}, nil
		},
	}
	dir := newMockDirectory(tr, "s1")
	e := newTestExecutor()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.Invoke(context.Background(), dir, "s1", InvokeParams{Script: "x"})
	}()
	require.Eventually(t, func() bool { return len(e.ListInvocations()) == 1 }, 5*time.Second, time.Millisecond)

	_, err := e.ReceiveJob(context.Background(), dir, e.ListInvocations()[0].ID, 0)
	assert.ErrorIs(t, err, ErrNotAJob)
	close(block)
	<-done
}

func TestInvokeFanout_OrderAndIsolation(t *testing.T) {
	var inFlight, peak atomic.Int32
	tr := &mockTransport{
		receiveFn: func(_ context.Context, shellID, _ string) (Chunk, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return Chunk{Stdout: shellID + "\n", Done: true}, nil
		},
	}
	ids := []string{"a", "b", "c", "d", "e", "f"}
	dir := newMockDirectory(tr, ids...)
	dir.set("c", SessionOpened, AvailabilityBusy)

	results := newTestExecutor().InvokeFanout(context.Background(), dir, append(ids, "missing"), InvokeParams{Script: "hostname", ThrottleLimit: 2})

	require.Len(t, results, 7)
	for i, id := range ids {
		assert.Equal(t, id, results[i].SessionID)
		if id == "c" {
			assert.ErrorIs(t, results[i].Err, ErrSessionBusy)
			assert.Nil(t, results[i].Output)
			continue
		}
		require.NoError(t, results[i].Err, id)
		assert.Equal(t, []any{"shell-" + id}, results[i].Output.Output)
	}
	assert.ErrorIs(t, results[6].Err, ErrSessionNotFound)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestInvokeFanout_DuplicateSessionAdmitsOneForeground(t *testing.T) {
	const n = 8
	var dir *mockDirectory
	tr := &mockTransport{
		receiveFn: func(ctx context.Context, _, _ string) (Chunk, error) {
			// Hold the session until every other claim has been refused.
			for dir.rejected() < n-1 {
				if err := ctx.Err(); err != nil {
					return Chunk{}, err
				}
				time.Sleep(time.Millisecond)
			}
			return Chunk{Stdout: "done\n", Done: true}, nil
		},
	}
	dir = newMockDirectory(tr, "s1")

	// Every invocation passes the availability check before any claims.
	var arrived sync.WaitGroup
	arrived.Add(n)
	dir.claimFn = func(string) {
		arrived.Done()
		arrived.Wait()
	}

	ids := make([]string, n)
	for i := range ids {
		ids[i] = "s1"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	results := newTestExecutor().InvokeFanout(ctx, dir, ids, InvokeParams{Script: "hostname", ThrottleLimit: n})

	admitted := 0
	for _, r := range results {
		if r.Err == nil {
			admitted++
			assert.Equal(t, StateCompleted, r.Output.State)
			continue
		}
		assert.ErrorIs(t, r.Err, ErrSessionBusy)
		assert.Nil(t, r.Output)
	}
	assert.Equal(t, 1, admitted)
	assert.Len(t, tr.scripts, 1, "only the admitted invocation is dispatched")

	info, _ := dir.Session("s1")
	assert.Equal(t, AvailabilityAvailable, info.Availability)
}

func TestInvoke_JobClaimIsShared(t *testing.T) {
	tr := &mockTransport{}
	dir := newMockDirectory(tr, "s1")
	e := newTestExecutor()

	job, err := e.Invoke(context.Background(), dir, "s1", InvokeParams{Script: "Start-Sleep 60", AsJob: true})
	require.NoError(t, err)
	_, err = e.Invoke(context.Background(), dir, "s1", InvokeParams{Script: "Get-Date", AsJob: true})
	require.NoError(t, err)

	_, err = e.Invoke(context.Background(), dir, "s1", InvokeParams{Script: "Get-Date"})
	assert.ErrorIs(t, err, ErrSessionBusy, "a foreground invocation waits for the jobs")
	assert.Len(t, tr.scripts, 2)

	_, err = e.ReceiveJob(context.Background(), dir, job.InvocationID, 0)
	require.NoError(t, err)
}

func TestInvokeFanout_Empty(t *testing.T) {
	results := newTestExecutor().InvokeFanout(context.Background(), newMockDirectory(&mockTransport{}), nil, InvokeParams{Script: "x"})
	assert.Empty(t, results)
}

func TestListInvocations_Sorted(t *testing.T) {
	clock := newMockClock()
	dir := newMockDirectory(&mockTransport{}, "s1", "s2")
	e := newTestExecutor(WithClock(clock))

	first, err := e.Invoke(context.Background(), dir, "s2", InvokeParams{Script: "1", AsJob: true})
	require.NoError(t, err)
	clock.Advance(time.Second)
	second, err := e.Invoke(context.Background(), dir, "s1", InvokeParams{Script: "2", AsJob: true})
	require.NoError(t, err)

	list := e.ListInvocations()
	require.Len(t, list, 2)
	assert.Equal(t, first.InvocationID, list[0].ID)
	assert.Equal(t, second.InvocationID, list[1].ID)
	assert.True(t, list[0].AsJob)
	assert.Equal(t, "& { 1 }", list[0].Command)
}

func TestInvocationError(t *testing.T) {
	err := &InvocationError{Op: "invoke", SessionID: "s1", InvocationID: "i1", Err: ErrSessionBusy}
	assert.Equal(t, "invoke session=s1 invocation=i1: psexec: session is busy", err.Error())
	assert.ErrorIs(t, err, ErrSessionBusy)

	wrapped := wrapTransport(errors.New("eof"))
	assert.ErrorIs(t, wrapped, ErrTransport)
	assert.Equal(t, "transport: eof", wrapped.Error())
	assert.NoError(t, wrapTransport(nil))
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "Stopping", StateStopping.String())
	assert.True(t, StateDisconnected.Terminal())
	assert.False(t, StateStopping.Terminal())
	assert.Equal(t, "Opened", SessionOpened.String())
	assert.Equal(t, "Busy", AvailabilityBusy.String())
	assert.Equal(t, "ctrl_c", SignalCtrlC.String())
}
