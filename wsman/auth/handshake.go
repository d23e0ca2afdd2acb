package auth

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	winlog "github.com/smnsjas/go-winrmexec/internal/log"
)

// maxHandshakeRounds is the maximum number of requests per handshake.
// This prevents infinite loops from malicious servers.
const maxHandshakeRounds = 5

// ErrAuthenticationFailed is returned when the server keeps answering 401
// after the provider has nothing more to send.
var ErrAuthenticationFailed = errors.New("auth: authentication rejected by server")

// Authenticator wraps an http.RoundTripper with authentication.
type Authenticator interface {
	// Transport wraps an http.RoundTripper with authentication.
	Transport(base http.RoundTripper) http.RoundTripper

	// Name returns the authentication scheme name.
	Name() string
}

// ChallengeAuth runs a Provider handshake for every request. A fresh
// provider is built per request since provider state is bound to one
// connection attempt.
type ChallengeAuth struct {
	method   Method
	creds    Credentials
	logger   *slog.Logger
	metrics  *Metrics
	security *winlog.SecurityLogger

	// successOnce limits success events to the first completed handshake;
	// NTLM repeats the handshake on every connection.
	successOnce sync.Once
}

// ChallengeAuthOption configures a ChallengeAuth.
type ChallengeAuthOption func(*ChallengeAuth)

// WithLogger sets the logger used for handshake diagnostics.
func WithLogger(logger *slog.Logger) ChallengeAuthOption {
	return func(a *ChallengeAuth) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics records handshake outcomes in m.
func WithMetrics(m *Metrics) ChallengeAuthOption {
	return func(a *ChallengeAuth) {
		a.metrics = m
	}
}

// WithSecurityLogger records authentication events.
func WithSecurityLogger(l *winlog.SecurityLogger) ChallengeAuthOption {
	return func(a *ChallengeAuth) {
		a.security = l
	}
}

// NewChallengeAuth creates an Authenticator for method and creds.
func NewChallengeAuth(method Method, creds Credentials, opts ...ChallengeAuthOption) *ChallengeAuth {
	a := &ChallengeAuth{
		method: method,
		creds:  creds,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the configured method name.
func (a *ChallengeAuth) Name() string {
	return a.method.String()
}

// Transport wraps base with the handshake.
func (a *ChallengeAuth) Transport(base http.RoundTripper) http.RoundTripper {
	return &challengeRoundTripper{auth: a, base: base}
}

type challengeRoundTripper struct {
	auth     *ChallengeAuth
	base     http.RoundTripper
	warnOnce sync.Once
}

func (rt *challengeRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	provider, err := NewProvider(rt.auth.method, rt.auth.creds)
	if err != nil {
		return nil, err
	}
	method := strings.ToLower(provider.Name())

	if provider.RequiresHTTPS() && req.URL.Scheme != "https" {
		rt.warnOnce.Do(func() {
			rt.auth.logger.Warn("authentication over non-HTTPS connection, credentials are not protected",
				"method", provider.Name(), "host", req.URL.Host)
		})
	}

	header, err := provider.InitialAuthHeader()
	if err != nil {
		rt.auth.metrics.observe(method, "error", 0)
		return nil, fmt.Errorf("%s initial header: %w", provider.Name(), err)
	}

	// Buffer the request body upfront so we can replay it
	var bodyBytes []byte
	if req.Body != nil && req.ContentLength != 0 {
		bodyBytes, err = io.ReadAll(req.Body)
		closeErr := req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		if closeErr != nil {
			rt.auth.logger.Debug("close request body", "error", closeErr)
		}
	}

	for round := 1; round <= maxHandshakeRounds; round++ {
		reqClone := req.Clone(req.Context())
		if bodyBytes != nil {
			reqClone.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			reqClone.ContentLength = int64(len(bodyBytes))
			reqClone.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(bodyBytes)), nil
			}
		}
		if header != "" {
			reqClone.Header.Set("Authorization", header)
		}

		resp, err := rt.base.RoundTrip(reqClone)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusUnauthorized {
			rt.auth.metrics.observe(method, "success", round)
			rt.auth.successOnce.Do(func() {
				rt.auth.audit(winlog.SubtypeAuthSuccess, winlog.OutcomeSuccess, winlog.SeverityInfo, req, round, nil)
			})
			return resp, nil
		}

		challenge := selectChallenge(resp.Header.Values("WWW-Authenticate"), provider.Name())
		drainAndClose(resp.Body)

		var send bool
		header, send, err = provider.ProcessChallenge(challenge)
		if err != nil {
			rt.auth.metrics.observe(method, "error", round)
			err = fmt.Errorf("%s challenge: %w", provider.Name(), err)
			rt.auth.audit(winlog.SubtypeAuthFailure, winlog.OutcomeFailure, winlog.SeverityWarning, req, round, err)
			return nil, err
		}
		if !send {
			rt.auth.metrics.observe(method, "rejected", round)
			err = fmt.Errorf("%s: %w", provider.Name(), ErrAuthenticationFailed)
			rt.auth.audit(winlog.SubtypeAuthFailure, winlog.OutcomeDenied, winlog.SeverityWarning, req, round, err)
			return nil, err
		}
		rt.auth.logger.Debug("authentication round", "method", provider.Name(), "round", round)
	}

	rt.auth.metrics.observe(method, "rejected", maxHandshakeRounds)
	err = fmt.Errorf("%s: %w after %d attempts", provider.Name(), ErrAuthenticationFailed, maxHandshakeRounds)
	rt.auth.audit(winlog.SubtypeAuthFailure, winlog.OutcomeDenied, winlog.SeverityWarning, req, maxHandshakeRounds, err)
	return nil, err
}

func (a *ChallengeAuth) audit(subtype, outcome, severity string, req *http.Request, rounds int, err error) {
	details := map[string]any{
		"method": a.method.String(),
		"host":   req.URL.Host,
		"rounds": rounds,
	}
	if err != nil {
		details["error"] = err.Error()
	}
	a.security.LogAuthentication(subtype, outcome, severity, details)
}

// challengeSchemes maps provider names to the WWW-Authenticate schemes they
// answer.
var challengeSchemes = map[string][]string{
	"NTLM":      {"Negotiate", "NTLM"},
	"Negotiate": {"Negotiate", "NTLM"},
	"Digest":    {"Digest"},
	"Basic":     {"Basic"},
	"Kerberos":  {"Kerberos", "Negotiate"},
	"CredSSP":   {"CredSSP"},
}

// selectChallenge returns the first WWW-Authenticate value whose scheme
// matches the provider, or the first value when none match.
func selectChallenge(values []string, providerName string) string {
	for _, scheme := range challengeSchemes[providerName] {
		for _, v := range values {
			v = strings.TrimSpace(v)
			if len(v) >= len(scheme) && strings.EqualFold(v[:len(scheme)], scheme) &&
				(len(v) == len(scheme) || v[len(scheme)] == ' ') {
				return v
			}
		}
	}
	if len(values) > 0 {
		return values[0]
	}
	return ""
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	// Drain so the connection can be reused; NTLM is connection bound.
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}
