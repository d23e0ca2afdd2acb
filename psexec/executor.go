package psexec

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	winlog "github.com/smnsjas/go-winrmexec/internal/log"
)

const (
	// DefaultThrottleLimit bounds fan-out concurrency.
	DefaultThrottleLimit = 32

	// DefaultPollInterval is the pause after a receive that returned nothing.
	DefaultPollInterval = 50 * time.Millisecond

	// cleanupTimeout bounds the final TERMINATE signal.
	cleanupTimeout = 10 * time.Second
)

// Option configures an Executor.
type Option func(*Executor)

// WithParser sets the parser for CLIXML output and error streams.
func WithParser(p StructuredParser) Option {
	return func(e *Executor) { e.parser = p }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithSecurityLogger enables command security events.
func WithSecurityLogger(sec *winlog.SecurityLogger) Option {
	return func(e *Executor) { e.security = sec }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// WithRecorder stores every finished invocation.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// WithClock overrides the clock used for timeouts and timestamps.
func WithClock(c Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithPollInterval sets the pause after an empty receive.
func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) { e.poller = intervalPoller{interval: d} }
}

// WithThrottleLimit sets the default fan-out concurrency.
func WithThrottleLimit(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.throttle = n
		}
	}
}

// invocation is a dispatched command. Fields below mu-guarded state are
// immutable after dispatch.
type invocation struct {
	id        string
	sessionID string
	shellID   string
	commandID string
	command   string
	asJob     bool
	startedAt time.Time
	transport Transport

	// Guarded by Executor.mu.
	state      InvocationState
	collecting bool
}

// Executor runs PowerShell scripts in remote sessions and tracks the
// invocations it dispatched. It is safe for concurrent use.
type Executor struct {
	parser   StructuredParser
	logger   *slog.Logger
	security *winlog.SecurityLogger
	metrics  *Metrics
	tracer   trace.Tracer
	recorder Recorder
	clock    Clock
	poller   poller
	throttle int

	mu          sync.Mutex
	invocations map[string]*invocation
}

// New creates an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		logger:      slog.Default(),
		tracer:      otel.Tracer("github.com/smnsjas/go-winrmexec/psexec"),
		clock:       realClock{},
		poller:      intervalPoller{interval: DefaultPollInterval},
		throttle:    DefaultThrottleLimit,
		invocations: make(map[string]*invocation),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	return e
}

// Invoke runs params in the session. A foreground invocation blocks until
// the command finishes or times out. A job returns at once in StateRunning;
// collect it with ReceiveJob. InvokeAndDisconnect returns StateDisconnected
// right after dispatch.
//
// Errors before dispatch return a nil output. A failure while collecting
// returns the partial output in StateFailed together with the error.
func (e *Executor) Invoke(ctx context.Context, dir SessionDirectory, sessionID string, params InvokeParams) (*CommandOutput, error) {
	ctx, span := e.tracer.Start(ctx, "psexec.Invoke", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.Bool("psexec.as_job", params.AsJob),
		attribute.Bool("psexec.disconnect", params.InvokeAndDisconnect),
	))
	defer span.End()

	out, err := e.invoke(ctx, dir, sessionID, params)
	if out != nil {
		span.SetAttributes(attribute.String("psexec.invocation_id", out.InvocationID), attribute.String("psexec.state", out.State.String()))
		e.metrics.invocation(out.State)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (e *Executor) invoke(ctx context.Context, dir SessionDirectory, sessionID string, params InvokeParams) (*CommandOutput, error) {
	fail := func(invocationID string, err error) error {
		return &InvocationError{Op: "invoke", SessionID: sessionID, InvocationID: invocationID, Err: err}
	}

	info, ok := dir.Session(sessionID)
	if !ok {
		return nil, fail("", ErrSessionNotFound)
	}
	if info.State != SessionOpened {
		return nil, fail("", fmt.Errorf("%w: state is %s", ErrSessionNotOpened, info.State))
	}
	if info.Availability == AvailabilityBusy && !params.AsJob {
		return nil, fail("", ErrSessionBusy)
	}

	script, err := BuildScript(params)
	if err != nil {
		return nil, fail("", err)
	}

	// The availability read above is advisory; concurrent callers race
	// past it, so the foreground claim itself must be exclusive.
	id := uuid.NewString()
	if err := dir.MarkBusy(sessionID, id, !params.AsJob); err != nil {
		return nil, fail("", err)
	}
	tr, err := dir.Transport(sessionID)
	if err != nil {
		e.release(dir, sessionID, id)
		return nil, fail("", err)
	}
	shellID, err := dir.ShellID(sessionID)
	if err != nil {
		e.release(dir, sessionID, id)
		return nil, fail("", err)
	}

	e.security.LogCommand(winlog.SubtypeCommandExecute, winlog.OutcomeAttempt, winlog.SeverityInfo, map[string]any{
		"session_id":    sessionID,
		"invocation_id": id,
		"as_job":        params.AsJob,
	})

	startedAt := e.clock.Now()
	commandID, err := tr.ExecuteCommand(ctx, shellID, script)
	if err != nil {
		e.release(dir, sessionID, id)
		err = fail(id, wrapTransport(err))
		e.security.LogCommand(winlog.SubtypeCommandFailed, winlog.OutcomeFailure, winlog.SeverityWarning, map[string]any{
			"session_id":    sessionID,
			"invocation_id": id,
			"error":         err.Error(),
		})
		return nil, err
	}

	inv := &invocation{
		id:        id,
		sessionID: sessionID,
		shellID:   shellID,
		commandID: commandID,
		command:   script,
		asJob:     params.AsJob,
		startedAt: startedAt,
		transport: tr,
		state:     StateRunning,
	}
	e.track(inv)
	e.logger.Debug("command dispatched",
		"session_id", sessionID,
		"invocation_id", id,
		"command_id", commandID,
		"as_job", params.AsJob)

	switch {
	case params.InvokeAndDisconnect:
		out := e.newOutput(inv, StateDisconnected, ParsedOutput{})
		if err := dir.Disconnect(ctx, sessionID); err != nil {
			out.State = StateFailed
			e.release(dir, sessionID, id)
			e.finish(ctx, inv, out)
			return out, fail(id, wrapTransport(err))
		}
		e.finish(ctx, inv, out)
		return out, nil

	case params.AsJob:
		return e.newOutput(inv, StateRunning, ParsedOutput{}), nil
	}

	out, err := e.collectOutput(ctx, inv, params.Timeout, params.KeepTranscript)
	e.release(dir, sessionID, id)
	e.finish(ctx, inv, out)
	return out, err
}

// FanoutResult is the outcome of one session of InvokeFanout.
type FanoutResult struct {
	SessionID string
	Output    *CommandOutput
	Err       error
}

// InvokeFanout runs params in every session with at most
// params.ThrottleLimit invocations in flight. Results are in the order of
// sessionIDs; one session failing does not affect the others.
func (e *Executor) InvokeFanout(ctx context.Context, dir SessionDirectory, sessionIDs []string, params InvokeParams) []FanoutResult {
	limit := params.ThrottleLimit
	if limit <= 0 {
		limit = e.throttle
	}

	results := make([]FanoutResult, len(sessionIDs))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, id := range sessionIDs {
		g.Go(func() error {
			out, err := e.Invoke(ctx, dir, id, params)
			results[i] = FanoutResult{SessionID: id, Output: out, Err: err}
			return nil
		})
	}
	// Goroutines report through results and never return an error.
	_ = g.Wait()
	return results
}

// ReceiveJob collects the output of a job started with AsJob, then releases
// its session and stops tracking it. A job that was stopped can still be
// received.
func (e *Executor) ReceiveJob(ctx context.Context, dir SessionDirectory, invocationID string, timeout time.Duration) (*CommandOutput, error) {
	fail := func(sessionID string, err error) error {
		return &InvocationError{Op: "receive job", SessionID: sessionID, InvocationID: invocationID, Err: err}
	}

	e.mu.Lock()
	inv, ok := e.invocations[invocationID]
	switch {
	case !ok:
		e.mu.Unlock()
		return nil, fail("", ErrInvocationNotFound)
	case !inv.asJob:
		e.mu.Unlock()
		return nil, fail(inv.sessionID, ErrNotAJob)
	case inv.collecting:
		e.mu.Unlock()
		return nil, fail(inv.sessionID, fmt.Errorf("%w: output is already being received", ErrInvocationNotRunning))
	}
	inv.collecting = true
	e.mu.Unlock()

	out, err := e.collectOutput(ctx, inv, timeout, false)
	e.release(dir, inv.sessionID, inv.id)
	e.finish(ctx, inv, out)
	e.metrics.invocation(out.State)
	return out, err
}

// collectOutput polls the command until it reports done, the timeout
// elapses or the transport fails. The timeout is checked once per
// iteration. Exactly one TERMINATE is sent afterwards in every case.
func (e *Executor) collectOutput(ctx context.Context, inv *invocation, timeout time.Duration, keepTranscript bool) (*CommandOutput, error) {
	ctx, span := e.tracer.Start(ctx, "psexec.CollectOutput", trace.WithAttributes(
		attribute.String("psexec.invocation_id", inv.id),
		attribute.String("psexec.command_id", inv.commandID),
	))
	defer span.End()
	defer e.terminate(ctx, inv)

	var (
		stdout, stderr strings.Builder
		loopErr        error
		polls          int
		start          = e.clock.Now()
	)
	for {
		if timeout > 0 && e.clock.Now().Sub(start) >= timeout {
			e.metrics.timeout()
			loopErr = fmt.Errorf("%w after %s", ErrTimeout, timeout)
			break
		}

		chunk, err := inv.transport.ReceiveOutput(ctx, inv.shellID, inv.commandID)
		polls++
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				loopErr = ctxErr
			} else {
				loopErr = wrapTransport(err)
			}
			break
		}
		stdout.WriteString(chunk.Stdout)
		stderr.WriteString(chunk.Stderr)
		if chunk.Done {
			break
		}
		if chunk.Stdout == "" && chunk.Stderr == "" {
			if err := e.poller.wait(ctx); err != nil {
				loopErr = err
				break
			}
		}
	}

	endedAt := e.clock.Now()
	e.metrics.duration(endedAt.Sub(start))

	parsed := ParseOutput(stdout.String(), stderr.String(), e.parser, endedAt)
	state := StateCompleted
	if loopErr != nil || strings.TrimSpace(stderr.String()) != "" {
		state = StateFailed
	}
	out := e.newOutput(inv, state, parsed)
	out.EndedAt = endedAt
	out.Duration = endedAt.Sub(inv.startedAt)
	out.HadErrors = len(parsed.Errors) > 0 || loopErr != nil
	if keepTranscript {
		out.Transcript = stdout.String() + stderr.String()
	}

	span.SetAttributes(attribute.Int("psexec.polls", polls), attribute.String("psexec.state", state.String()))
	if loopErr != nil {
		span.RecordError(loopErr)
		span.SetStatus(codes.Error, loopErr.Error())
		e.logger.Warn("output collection failed",
			"session_id", inv.sessionID,
			"invocation_id", inv.id,
			"polls", polls,
			"error", loopErr)
		return out, &InvocationError{Op: "collect output", SessionID: inv.sessionID, InvocationID: inv.id, Err: loopErr}
	}
	e.logger.Debug("output collected",
		"session_id", inv.sessionID,
		"invocation_id", inv.id,
		"polls", polls,
		"state", state.String())
	return out, nil
}

// terminate sends the cleanup TERMINATE. Its failure is logged only.
func (e *Executor) terminate(ctx context.Context, inv *invocation) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	err := inv.transport.SignalCommand(ctx, inv.shellID, inv.commandID, SignalTerminate)
	e.metrics.signal(SignalTerminate, err)
	if err != nil {
		e.logger.Warn("terminate signal failed",
			"session_id", inv.sessionID,
			"invocation_id", inv.id,
			"error", fmt.Errorf("%w: %w", ErrSignal, err))
	}
}

// Stop sends Ctrl+C to a running invocation and marks it Stopping. The
// signal is best effort: a send failure is logged and not returned. The
// invocation still reaches a terminal state when its output is collected.
func (e *Executor) Stop(ctx context.Context, dir SessionDirectory, invocationID string) error {
	ctx, span := e.tracer.Start(ctx, "psexec.Stop", trace.WithAttributes(
		attribute.String("psexec.invocation_id", invocationID),
	))
	defer span.End()

	e.mu.Lock()
	inv, ok := e.invocations[invocationID]
	if !ok {
		e.mu.Unlock()
		err := &InvocationError{Op: "stop", InvocationID: invocationID, Err: ErrInvocationNotFound}
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if inv.state != StateRunning {
		state := inv.state
		e.mu.Unlock()
		err := &InvocationError{Op: "stop", SessionID: inv.sessionID, InvocationID: invocationID,
			Err: fmt.Errorf("%w: state is %s", ErrInvocationNotRunning, state)}
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	inv.state = StateStopping
	e.mu.Unlock()

	err := e.sendCtrlC(ctx, dir, inv)
	e.metrics.signal(SignalCtrlC, err)
	if err != nil {
		span.RecordError(err)
		e.logger.Warn("ctrl_c signal failed",
			"session_id", inv.sessionID,
			"invocation_id", inv.id,
			"error", fmt.Errorf("%w: %w", ErrSignal, err))
	}
	e.security.LogCommand(winlog.SubtypeCommandStop, winlog.OutcomeAttempt, winlog.SeverityInfo, map[string]any{
		"session_id":    inv.sessionID,
		"invocation_id": inv.id,
		"signal_sent":   err == nil,
	})
	return nil
}

func (e *Executor) sendCtrlC(ctx context.Context, dir SessionDirectory, inv *invocation) error {
	tr, err := dir.Transport(inv.sessionID)
	if err != nil {
		return err
	}
	return tr.SignalCommand(ctx, inv.shellID, inv.commandID, SignalCtrlC)
}

// InvocationState returns the tracked state of an invocation.
func (e *Executor) InvocationState(invocationID string) (InvocationState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inv, ok := e.invocations[invocationID]
	if !ok {
		return 0, &InvocationError{Op: "state", InvocationID: invocationID, Err: ErrInvocationNotFound}
	}
	return inv.state, nil
}

// ListInvocations returns the tracked invocations, oldest first.
func (e *Executor) ListInvocations() []InvocationSnapshot {
	e.mu.Lock()
	list := make([]InvocationSnapshot, 0, len(e.invocations))
	for _, inv := range e.invocations {
		list = append(list, InvocationSnapshot{
			ID:        inv.id,
			SessionID: inv.sessionID,
			CommandID: inv.commandID,
			Command:   inv.command,
			State:     inv.state,
			AsJob:     inv.asJob,
			StartedAt: inv.startedAt,
		})
	}
	e.mu.Unlock()

	slices.SortFunc(list, func(a, b InvocationSnapshot) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return list
}

func (e *Executor) track(inv *invocation) {
	e.mu.Lock()
	e.invocations[inv.id] = inv
	e.mu.Unlock()
	e.metrics.tracked(1)
}

// finish moves inv to the terminal state of out, stops tracking it and
// records the result.
func (e *Executor) finish(ctx context.Context, inv *invocation, out *CommandOutput) {
	e.mu.Lock()
	inv.state = out.State
	_, tracked := e.invocations[inv.id]
	delete(e.invocations, inv.id)
	e.mu.Unlock()
	if tracked {
		e.metrics.tracked(-1)
	}

	subtype, outcome, severity := winlog.SubtypeCommandComplete, winlog.OutcomeSuccess, winlog.SeverityInfo
	if out.State == StateFailed {
		subtype, outcome, severity = winlog.SubtypeCommandFailed, winlog.OutcomeFailure, winlog.SeverityWarning
	}
	e.security.LogCommand(subtype, outcome, severity, map[string]any{
		"session_id":    inv.sessionID,
		"invocation_id": inv.id,
		"state":         out.State.String(),
		"duration_ms":   out.Duration.Milliseconds(),
	})

	if e.recorder == nil {
		return
	}
	if err := e.recorder.Record(context.WithoutCancel(ctx), out); err != nil {
		e.logger.Warn("record invocation failed", "invocation_id", inv.id, "error", err)
	}
}

// release marks the session available again. Failures are logged only.
func (e *Executor) release(dir SessionDirectory, sessionID, invocationID string) {
	if err := dir.MarkAvailable(sessionID, invocationID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		e.logger.Warn("release session failed", "session_id", sessionID, "invocation_id", invocationID, "error", err)
	}
}

func (e *Executor) newOutput(inv *invocation, state InvocationState, parsed ParsedOutput) *CommandOutput {
	now := e.clock.Now()
	return &CommandOutput{
		InvocationID: inv.id,
		SessionID:    inv.sessionID,
		Command:      inv.command,
		State:        state,
		Streams:      parsed.Streams,
		Output:       parsed.Output,
		Errors:       parsed.Errors,
		HadErrors:    len(parsed.Errors) > 0,
		StartedAt:    inv.startedAt,
		EndedAt:      now,
		Duration:     now.Sub(inv.startedAt),
	}
}
