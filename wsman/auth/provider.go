package auth

import (
	"fmt"
	"strings"
)

// Provider drives one challenge-response authentication exchange.
//
// # Thread Safety
//
// Provider implementations are NOT safe for concurrent use and must not be
// reused across connections: NTLM state and Digest nonce counters are only
// valid for the handshake they were created for. Build a fresh provider
// with NewProvider for every authentication attempt.
//
// # Authentication Flow
//
//  1. InitialAuthHeader returns the first Authorization value ("" means
//     send the request without one and wait for a challenge).
//  2. For every 401 response, ProcessChallenge receives the server's
//     WWW-Authenticate value and returns the next Authorization value.
//  3. send == false means the exchange is complete and nothing more
//     should be sent.
type Provider interface {
	// Name returns the authentication scheme name.
	Name() string

	// InitialAuthHeader returns the Authorization value for the first request.
	InitialAuthHeader() (string, error)

	// ProcessChallenge consumes a server challenge and produces the next
	// Authorization value.
	ProcessChallenge(challenge string) (header string, send bool, err error)

	// RequiresHTTPS reports whether the mechanism leaks secrets over plain HTTP.
	RequiresHTTPS() bool

	// SupportsChannelBinding reports whether the mechanism can bind to the
	// TLS channel.
	SupportsChannelBinding() bool
}

// Method selects an authentication mechanism.
type Method int

const (
	// MethodDefault resolves to Negotiate.
	MethodDefault Method = iota
	MethodBasic
	MethodNTLM
	MethodNegotiate
	MethodKerberos
	MethodCredSSP
	MethodCertificate
	MethodDigest
)

var methodNames = map[Method]string{
	MethodDefault:     "default",
	MethodBasic:       "basic",
	MethodNTLM:        "ntlm",
	MethodNegotiate:   "negotiate",
	MethodKerberos:    "kerberos",
	MethodCredSSP:     "credssp",
	MethodCertificate: "certificate",
	MethodDigest:      "digest",
}

// String returns the lower-case method name.
func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// MarshalText implements encoding.TextMarshaler.
func (m Method) MarshalText() ([]byte, error) {
	if _, ok := methodNames[m]; !ok {
		return nil, fmt.Errorf("auth: unknown authentication method %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Method) UnmarshalText(text []byte) error {
	parsed, err := ParseMethod(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMethod maps a configured method name to a Method. Matching is
// case-insensitive and the empty string means MethodDefault.
func ParseMethod(s string) (Method, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return MethodDefault, nil
	}
	for m, name := range methodNames {
		if name == s {
			return m, nil
		}
	}
	return MethodDefault, fmt.Errorf("auth: unknown authentication method %q", s)
}

// NewProvider builds the provider for method. Default and Negotiate both
// yield the NTLM-backed Negotiate provider.
func NewProvider(method Method, creds Credentials) (Provider, error) {
	switch method {
	case MethodBasic:
		return NewBasicProvider(creds), nil
	case MethodNTLM:
		return NewNTLMProvider(creds), nil
	case MethodDefault, MethodNegotiate:
		return NewNegotiateProvider(creds), nil
	case MethodKerberos:
		return NewKerberosProvider(creds), nil
	case MethodCredSSP:
		return NewCredSSPProvider(creds), nil
	case MethodCertificate:
		return NewCertificateProvider(creds), nil
	case MethodDigest:
		return NewDigestProvider(creds), nil
	default:
		return nil, fmt.Errorf("auth: unsupported authentication method %v", method)
	}
}
