package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smnsjas/go-winrmexec/clixml"
	"github.com/smnsjas/go-winrmexec/history"
	"github.com/smnsjas/go-winrmexec/internal/config"
	winlog "github.com/smnsjas/go-winrmexec/internal/log"
	"github.com/smnsjas/go-winrmexec/psexec"
	"github.com/smnsjas/go-winrmexec/session"
	"github.com/smnsjas/go-winrmexec/wsman"
	"github.com/smnsjas/go-winrmexec/wsman/auth"
	"github.com/smnsjas/go-winrmexec/wsman/transport"
)

// app holds the components of one run.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	security *winlog.SecurityLogger
	registry *prometheus.Registry
	authM    *auth.Metrics
	sessions *session.Manager
	executor *psexec.Executor
	history  *history.Store

	closers []io.Closer
}

// newApp builds logging, metrics, history, the session manager and the
// executor from cfg. Clients are added per host by client.
func newApp(cfg *config.Config) (*app, error) {
	logger, logCloser, err := winlog.New(winlog.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		security: winlog.NewSecurityLogger(logger, cfg.Auth.Credentials().Username, cfg.Endpoint.Host),
		registry: prometheus.NewRegistry(),
		closers:  []io.Closer{logCloser},
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.authM = auth.NewMetrics(a.registry)

	opts := []psexec.Option{
		psexec.WithParser(clixml.New()),
		psexec.WithLogger(logger),
		psexec.WithSecurityLogger(a.security),
		psexec.WithMetrics(psexec.NewMetrics(a.registry)),
		psexec.WithPollInterval(cfg.Execution.PollInterval),
		psexec.WithThrottleLimit(cfg.Execution.ThrottleLimit),
	}
	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.history = store
		a.closers = append(a.closers, store)
		opts = append(opts, psexec.WithRecorder(store))
	}
	a.executor = psexec.New(opts...)
	a.sessions = session.NewManager(nil,
		session.WithLogger(logger),
		session.WithSecurityLogger(a.security))
	return a, nil
}

// client builds the WSMan client for host.
func (a *app) client(host string) (*wsman.Client, error) {
	endpoint := a.cfg.Endpoint
	endpoint.Host = host
	creds := a.cfg.Auth.Credentials()
	if a.cfg.Auth.Method != auth.MethodCertificate {
		if err := creds.Validate(); err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
	}

	opts := []transport.HTTPTransportOption{
		transport.WithTimeout(endpoint.Timeout),
		transport.WithLogger(a.logger),
		transport.WithInsecureSkipVerify(endpoint.InsecureSkipVerify),
		transport.WithAuthenticator(auth.NewChallengeAuth(a.cfg.Auth.Method, creds,
			auth.WithLogger(a.logger),
			auth.WithMetrics(a.authM),
			auth.WithSecurityLogger(a.security))),
	}
	if a.cfg.Auth.Method == auth.MethodCertificate {
		cert, err := auth.LoadClientCertificate(creds)
		if err != nil {
			return nil, err
		}
		opts = append(opts, transport.WithClientCertificate(cert))
	}
	tr := transport.NewHTTPTransport(opts...)
	a.closers = append(a.closers, idleCloser{tr})
	return wsman.NewClient(endpoint.URL(), tr), nil
}

// idleCloser drops a transport's pooled connections when the app closes.
type idleCloser struct{ tr *transport.HTTPTransport }

func (c idleCloser) Close() error {
	c.tr.CloseIdleConnections()
	return nil
}

// serveMetrics exposes the registry on listen until ctx ends.
func (a *app) serveMetrics(ctx context.Context, listen string) {
	srv := &http.Server{
		Addr:              listen,
		Handler:           promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("metrics server stopped", "listen", listen, "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Debug("metrics server shutdown", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "listen", listen, "path", "/metrics")
}

// Close releases the history store, pooled connections and log file.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// splitHosts accepts repeated and comma separated host flags.
func splitHosts(values []string) []string {
	var hosts []string
	for _, v := range values {
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hosts = append(hosts, h)
			}
		}
	}
	return hosts
}
