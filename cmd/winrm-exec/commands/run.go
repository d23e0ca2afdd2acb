package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/smnsjas/go-winrmexec/internal/config"
	"github.com/smnsjas/go-winrmexec/internal/output"
	"github.com/smnsjas/go-winrmexec/psexec"
	"github.com/smnsjas/go-winrmexec/winrs"
	"github.com/smnsjas/go-winrmexec/wsman/auth"
)

type runOptions struct {
	hosts          []string
	command        string
	file           string
	params         []string
	args           []string
	inputJSON      string
	asJob          bool
	disconnect     bool
	timeout        time.Duration
	throttle       int
	output         string
	keepTranscript bool
	metricsListen  string
}

func newRunCommand() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [flags] [script]",
		Short: "Run a script, command or script file",
		Long: `Run PowerShell on one or more hosts. Exactly one of a script argument,
--command or --file is run; --file wins over --command, which wins over
the script. With several hosts the invocation fans out concurrently.

Press Ctrl-C once to stop running invocations and twice to abort.`,
		Example: `  winrm-exec run --host win01 'Get-Service WinRM'
  winrm-exec run --host win01,win02 --command Get-Process --param Name=svchost
  winrm-exec run --host win01 --file C:\scripts\deploy.ps1 --arg prod --timeout 5m
  winrm-exec run --host win01 --disconnect 'Start-Sleep 600'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			var script string
			if len(args) == 1 {
				script = args[0]
			}
			return runRun(cmd, path, script, opts)
		},
	}

	f := cmd.Flags()
	f.StringArrayVar(&opts.hosts, "host", nil, "target host, repeatable or comma separated (default endpoint.host)")
	f.StringVar(&opts.command, "command", "", "command name to run")
	f.StringVar(&opts.file, "file", "", "remote script file to run")
	f.StringArrayVar(&opts.params, "param", nil, "named parameter Name=Value, repeatable")
	f.StringArrayVar(&opts.args, "arg", nil, "positional argument, repeatable")
	f.StringVar(&opts.inputJSON, "input", "", "JSON array piped into the script as input objects")
	f.BoolVar(&opts.asJob, "job", false, "start as a job and receive its output afterwards")
	f.BoolVar(&opts.disconnect, "disconnect", false, "disconnect right after starting and leave the command running")
	f.DurationVar(&opts.timeout, "timeout", 0, "output collection timeout (default execution.timeout)")
	f.IntVar(&opts.throttle, "throttle", 0, "maximum concurrent hosts (default execution.throttle_limit)")
	f.StringVarP(&opts.output, "output", "o", "text", "output format: text, json or yaml")
	f.BoolVar(&opts.keepTranscript, "transcript", false, "keep the raw stdout and stderr")
	f.StringVar(&opts.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	return cmd
}

func runRun(cmd *cobra.Command, configPath, script string, opts runOptions) error {
	switch opts.output {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", opts.output)
	}

	params, err := invokeParams(script, opts)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if params.Timeout == 0 {
		params.Timeout = cfg.Execution.Timeout
	}
	hosts := splitHosts(opts.hosts)
	if len(hosts) == 0 {
		hosts = []string{cfg.Endpoint.Host}
	}
	if cfg.Auth.Method != auth.MethodCertificate {
		cfg.Auth.Password, err = readPassword(cmd.ErrOrStderr(), cfg.Auth.Username)
		if err != nil {
			return err
		}
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go a.interruptHandler(ctx, cancel)

	if listen := opts.metricsListen; listen != "" || cfg.Metrics.Enabled {
		if listen == "" {
			listen = cfg.Metrics.Listen
		}
		a.serveMetrics(ctx, listen)
	}

	sessionIDs, err := a.openSessions(ctx, hosts)
	defer a.closeSessions(ctx)
	if err != nil {
		return err
	}

	var results []psexec.FanoutResult
	if len(sessionIDs) == 1 {
		out, err := a.executor.Invoke(ctx, a.sessions, sessionIDs[0], params)
		results = []psexec.FanoutResult{{SessionID: sessionIDs[0], Output: out, Err: err}}
	} else {
		results = a.executor.InvokeFanout(ctx, a.sessions, sessionIDs, params)
	}

	if params.AsJob {
		for i, r := range results {
			if r.Err != nil || r.Output == nil {
				continue
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "job %s started on %s\n", r.Output.InvocationID, hosts[i])
			out, err := a.executor.ReceiveJob(ctx, a.sessions, r.Output.InvocationID, params.Timeout)
			results[i] = psexec.FanoutResult{SessionID: r.SessionID, Output: out, Err: err}
		}
	}

	return report(cmd.OutOrStdout(), cmd.ErrOrStderr(), opts.output, hosts, results)
}

// invokeParams converts the flags into InvokeParams.
func invokeParams(script string, opts runOptions) (psexec.InvokeParams, error) {
	p := psexec.InvokeParams{
		FilePath:            opts.file,
		CommandName:         opts.command,
		Script:              script,
		AsJob:               opts.asJob,
		InvokeAndDisconnect: opts.disconnect,
		Timeout:             opts.timeout,
		ThrottleLimit:       opts.throttle,
		KeepTranscript:      opts.keepTranscript,
	}
	if p.FilePath == "" && p.CommandName == "" && strings.TrimSpace(p.Script) == "" {
		return p, errors.New("nothing to run: pass a script, --command or --file")
	}
	if p.AsJob && p.InvokeAndDisconnect {
		return p, errors.New("--job and --disconnect are mutually exclusive")
	}

	for _, kv := range opts.params {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return p, fmt.Errorf("invalid --param %q, want Name=Value", kv)
		}
		if p.Parameters == nil {
			p.Parameters = make(map[string]any)
		}
		p.Parameters[strings.TrimSpace(name)] = parseValue(value)
	}
	for _, arg := range opts.args {
		p.Arguments = append(p.Arguments, parseValue(arg))
	}
	if opts.inputJSON != "" {
		if err := json.Unmarshal([]byte(opts.inputJSON), &p.InputObjects); err != nil {
			return p, fmt.Errorf("invalid --input: %w", err)
		}
	}
	return p, nil
}

// parseValue turns flag text into a bool, integer or string literal.
func parseValue(s string) any {
	switch strings.ToLower(s) {
	case "true", "$true":
		return true
	case "false", "$false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}

func (a *app) openSessions(ctx context.Context, hosts []string) ([]string, error) {
	shellOpts := []winrs.Option{
		winrs.WithIdleTimeout(a.cfg.Shell.IdleTimeout),
		winrs.WithCodepage(a.cfg.Shell.Codepage),
	}
	if a.cfg.Shell.WorkingDirectory != "" {
		shellOpts = append(shellOpts, winrs.WithWorkingDirectory(a.cfg.Shell.WorkingDirectory))
	}
	if len(a.cfg.Shell.Environment) > 0 {
		shellOpts = append(shellOpts, winrs.WithEnvironment(a.cfg.Shell.Environment))
	}
	if a.cfg.Shell.NoProfile {
		shellOpts = append(shellOpts, winrs.WithNoProfile())
	}

	ids := make([]string, 0, len(hosts))
	for _, host := range hosts {
		client, err := a.client(host)
		if err != nil {
			return ids, fmt.Errorf("%s: %w", host, err)
		}
		info, err := a.sessions.OpenWith(ctx, client, shellOpts...)
		if err != nil {
			return ids, fmt.Errorf("%s: %w", host, err)
		}
		ids = append(ids, info.ID)
	}
	return ids, nil
}

// closeSessions closes every session except disconnected ones, whose
// shells must outlive this process.
func (a *app) closeSessions(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	for _, info := range a.sessions.Sessions() {
		if info.State == psexec.SessionDisconnected {
			continue
		}
		if err := a.sessions.Close(ctx, info.ID); err != nil {
			a.logger.Warn("close session", "session_id", info.ID, "error", err)
		}
	}
}

// interruptHandler stops running invocations on the first interrupt and
// cancels ctx on the second.
func (a *app) interruptHandler(ctx context.Context, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	select {
	case <-ctx.Done():
		return
	case <-sigs:
	}
	for _, inv := range a.executor.ListInvocations() {
		if inv.State != psexec.StateRunning {
			continue
		}
		if err := a.executor.Stop(ctx, a.sessions, inv.ID); err != nil {
			a.logger.Warn("stop invocation", "invocation_id", inv.ID, "error", err)
		}
	}

	select {
	case <-ctx.Done():
	case <-sigs:
		cancel()
	}
}

// outputView is the rendered form of one invocation.
type outputView struct {
	Host         string               `json:"host" yaml:"host"`
	InvocationID string               `json:"invocation_id,omitempty" yaml:"invocation_id,omitempty"`
	State        string               `json:"state,omitempty" yaml:"state,omitempty"`
	Output       []any                `json:"output,omitempty" yaml:"output,omitempty"`
	Errors       []psexec.ErrorRecord `json:"errors,omitempty" yaml:"errors,omitempty"`
	Duration     string               `json:"duration,omitempty" yaml:"duration,omitempty"`
	Transcript   string               `json:"transcript,omitempty" yaml:"transcript,omitempty"`
	Error        string               `json:"error,omitempty" yaml:"error,omitempty"`
}

func newOutputView(host string, r psexec.FanoutResult) outputView {
	v := outputView{Host: host}
	if out := r.Output; out != nil {
		v.InvocationID = out.InvocationID
		v.State = out.State.String()
		v.Output = out.Output
		v.Errors = out.Errors
		v.Duration = out.Duration.String()
		v.Transcript = out.Transcript
	}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	return v
}

// report writes the results and returns an error if any invocation failed.
func report(stdout, stderr io.Writer, format string, hosts []string, results []psexec.FanoutResult) error {
	views := make([]outputView, len(results))
	failed := 0
	for i, r := range results {
		views[i] = newOutputView(hosts[i], r)
		if r.Err != nil || (r.Output != nil && r.Output.State == psexec.StateFailed) {
			failed++
		}
	}

	switch format {
	case "json":
		if err := output.PrintJSON(stdout, views); err != nil {
			return err
		}
	case "yaml":
		if err := output.PrintYAML(stdout, views); err != nil {
			return err
		}
	default:
		writeText(stdout, stderr, views)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d invocations failed", failed, len(results))
	}
	return nil
}

func writeText(stdout, stderr io.Writer, views []outputView) {
	prefix := func(v outputView) string {
		if len(views) > 1 {
			return "[" + v.Host + "] "
		}
		return ""
	}
	for _, v := range views {
		for _, value := range v.Output {
			fmt.Fprintf(stdout, "%s%s\n", prefix(v), formatValue(value))
		}
		for _, rec := range v.Errors {
			fmt.Fprintf(stderr, "%s%s\n", prefix(v), rec.String())
		}
		if v.State == psexec.StateDisconnected.String() {
			fmt.Fprintf(stderr, "%sdisconnected, invocation %s keeps running\n", prefix(v), v.InvocationID)
		}
		if v.Error != "" {
			fmt.Fprintf(stderr, "%serror: %s\n", prefix(v), v.Error)
		}
	}
}

// formatValue prints strings as-is and structured values as JSON.
func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	default:
		return fmt.Sprint(v)
	}
}
