package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/smnsjas/go-winrmexec/wsman/auth"
)

// ErrUnauthorized is returned when the server responds with 401 Unauthorized.
// Use errors.Is(err, ErrUnauthorized) to check for authentication failures.
var ErrUnauthorized = errors.New("transport: authentication failed (401 Unauthorized)")

const (
	// ContentTypeSOAP is the content type for SOAP 1.2 messages.
	ContentTypeSOAP = "application/soap+xml;charset=UTF-8"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 60 * time.Second

	// defaultBufferSize is the initial size for pooled buffers.
	defaultBufferSize = 32 * 1024 // 32KB

	// maxErrorBody caps how much of an error response is quoted back.
	maxErrorBody = 3000
)

// bufferPool is a pool of reusable bytes.Buffer to reduce allocations.
var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, defaultBufferSize))
	},
}

// readAllPooled reads from r using a pooled buffer and returns a copy of the data.
func readAllPooled(r io.Reader) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufferPool.Put(buf)
	}()

	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}

	// Return a copy since buf will be reused
	return bytes.Clone(buf.Bytes()), nil
}

// HTTPTransport posts SOAP envelopes to a WinRM listener.
type HTTPTransport struct {
	client *http.Client
	base   *http.Transport
	auth   auth.Authenticator
	logger *slog.Logger
}

// HTTPTransportOption configures an HTTPTransport.
type HTTPTransportOption func(*HTTPTransport)

// NewHTTPTransport creates a new HTTP transport with the given options.
func NewHTTPTransport(opts ...HTTPTransportOption) *HTTPTransport {
	t := &HTTPTransport{
		base: &http.Transport{
			TLSClientConfig: &tls.Config{
				// TLS 1.2 for compatibility with older Windows servers
				MinVersion: tls.VersionTLS12,
			},
			// NTLM requires persistent connections for the handshake
			DisableKeepAlives:   false,
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			MaxConnsPerHost:     10,
			IdleConnTimeout:     90 * time.Second,
		},
		logger: slog.Default(),
	}
	t.client = &http.Client{Timeout: DefaultTimeout}

	for _, opt := range opts {
		opt(t)
	}

	if t.auth != nil {
		t.client.Transport = t.auth.Transport(t.base)
	} else {
		t.client.Transport = t.base
	}
	return t
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.client.Timeout = d
	}
}

// WithLogger sets the logger used for transport warnings.
func WithLogger(logger *slog.Logger) HTTPTransportOption {
	return func(t *HTTPTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithAuthenticator wraps every request in a's handshake.
func WithAuthenticator(a auth.Authenticator) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.auth = a
	}
}

// WithInsecureSkipVerify configures TLS to skip certificate verification.
// WARNING: Only use this for testing. Never use in production.
func WithInsecureSkipVerify(skip bool) HTTPTransportOption {
	return func(t *HTTPTransport) {
		if skip {
			t.logger.Warn("TLS certificate verification disabled, only use this for testing")
		}
		t.tlsConfig().InsecureSkipVerify = skip
	}
}

// WithTLSConfig sets a custom TLS configuration.
// NOTE: MinVersion is enforced to be at least TLS 1.2 for security.
func WithTLSConfig(cfg *tls.Config) HTTPTransportOption {
	return func(t *HTTPTransport) {
		if cfg.MinVersion < tls.VersionTLS12 {
			cfg.MinVersion = tls.VersionTLS12
		}
		t.base.TLSClientConfig = cfg
	}
}

// WithClientCertificate presents cert during the TLS handshake, which is
// how WinRM certificate authentication identifies the caller.
func WithClientCertificate(cert tls.Certificate) HTTPTransportOption {
	return func(t *HTTPTransport) {
		cfg := t.tlsConfig()
		cfg.Certificates = append(cfg.Certificates, cert)
	}
}

func (t *HTTPTransport) tlsConfig() *tls.Config {
	if t.base.TLSClientConfig == nil {
		t.base.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return t.base.TLSClientConfig
}

// Post sends a SOAP request and returns the response body.
func (t *HTTPTransport) Post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", ContentTypeSOAP)

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, auth.ErrAuthenticationFailed) {
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("transport: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := readAllPooled(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusForbidden:
		return nil, errors.New("transport: access denied (403 Forbidden)")
	case resp.StatusCode >= 400 && isSOAP(resp.Header.Get("Content-Type")):
		// WinRM reports faults as HTTP 500 with a SOAP body; the caller
		// decodes the fault.
		return respBody, nil
	case resp.StatusCode >= 400:
		preview := string(respBody)
		if len(preview) > maxErrorBody {
			preview = preview[:maxErrorBody] + "..."
		}
		return nil, fmt.Errorf("transport: HTTP %d: %s", resp.StatusCode, preview)
	}

	return respBody, nil
}

func isSOAP(contentType string) bool {
	return strings.Contains(contentType, "soap+xml")
}

// CloseIdleConnections closes any idle connections in the transport.
// The next request starts a fresh authentication handshake.
func (t *HTTPTransport) CloseIdleConnections() {
	t.client.CloseIdleConnections()
}
