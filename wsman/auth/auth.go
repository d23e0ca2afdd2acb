// Package auth provides authentication providers for WSMan connections.
package auth

import (
	"errors"
	"log/slog"
	"strings"
)

var (
	// ErrMalformedMessage is returned when a server authentication token
	// cannot be decoded.
	ErrMalformedMessage = errors.New("auth: malformed authentication message")

	// ErrMethodUnimplemented is returned by providers that only exist as
	// placeholders for mechanisms this package does not speak.
	ErrMethodUnimplemented = errors.New("auth: authentication method not implemented")

	// ErrCertificateNotConfigured is returned when certificate auth is
	// selected without a certificate path or thumbprint.
	ErrCertificateNotConfigured = errors.New("auth: certificate path or thumbprint is required")
)

// Credentials holds authentication credentials.
type Credentials struct {
	// Username is the user name for authentication.
	Username string

	// Password is the password for authentication.
	Password string

	// Domain is the optional domain for NTLM, Digest and Basic authentication.
	Domain string

	// CertificatePath is the PEM client certificate used for certificate auth.
	CertificatePath string

	// CertificateThumbprint identifies a certificate in a local store.
	CertificateThumbprint string

	// PrivateKeyPath is the PEM private key matching CertificatePath.
	PrivateKeyPath string
}

// Validate checks that required credential fields are populated.
// Certificate credentials are checked by the certificate provider instead.
func (c *Credentials) Validate() error {
	if c.Username == "" {
		return errors.New("username is required")
	}
	if c.Password == "" {
		return errors.New("password is required")
	}
	return nil
}

// SplitDomain returns a copy of c where a "DOMAIN\user" username has been
// split into Domain and Username. An explicit Domain always wins.
func (c Credentials) SplitDomain() Credentials {
	if c.Domain != "" {
		return c
	}
	if i := strings.IndexByte(c.Username, '\\'); i > 0 {
		c.Domain = c.Username[:i]
		c.Username = c.Username[i+1:]
	}
	return c
}

// qualifiedUser returns "domain\user", or just the user when no domain is set.
func (c Credentials) qualifiedUser() string {
	if c.Domain == "" {
		return c.Username
	}
	return c.Domain + `\` + c.Username
}

// LogValue implements slog.LogValuer so credentials never reach a log in clear.
func (c Credentials) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("username", c.Username),
		slog.String("domain", c.Domain),
	}
	if c.Password != "" {
		attrs = append(attrs, slog.String("password", "[REDACTED]"))
	}
	if c.CertificatePath != "" {
		attrs = append(attrs, slog.String("certificate_path", c.CertificatePath))
	}
	if c.CertificateThumbprint != "" {
		attrs = append(attrs, slog.String("certificate_thumbprint", c.CertificateThumbprint))
	}
	return slog.GroupValue(attrs...)
}
