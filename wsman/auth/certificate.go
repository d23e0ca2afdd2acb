package auth

import (
	"crypto/tls"
	"errors"
	"fmt"
)

// CertificateProvider implements WinRM client certificate authentication.
// No Authorization header is produced: the certificate is presented during
// the TLS handshake (see LoadClientCertificate).
type CertificateProvider struct {
	creds Credentials
}

// NewCertificateProvider creates a certificate authentication provider.
func NewCertificateProvider(creds Credentials) *CertificateProvider {
	return &CertificateProvider{creds: creds}
}

// Name returns the authentication scheme name.
func (p *CertificateProvider) Name() string { return "Certificate" }

// InitialAuthHeader returns "" once a certificate path or thumbprint is set.
func (p *CertificateProvider) InitialAuthHeader() (string, error) {
	if p.creds.CertificatePath == "" && p.creds.CertificateThumbprint == "" {
		return "", ErrCertificateNotConfigured
	}
	return "", nil
}

// ProcessChallenge reports completion; a 401 here is a TLS-level rejection.
func (p *CertificateProvider) ProcessChallenge(string) (string, bool, error) {
	if _, err := p.InitialAuthHeader(); err != nil {
		return "", false, err
	}
	return "", false, nil
}

// RequiresHTTPS is true.
func (p *CertificateProvider) RequiresHTTPS() bool { return true }

// SupportsChannelBinding is false.
func (p *CertificateProvider) SupportsChannelBinding() bool { return false }

// LoadClientCertificate loads the PEM certificate and key named in creds
// for use in a tls.Config. Thumbprint-only credentials refer to a Windows
// certificate store and cannot be loaded here.
func LoadClientCertificate(creds Credentials) (tls.Certificate, error) {
	if creds.CertificatePath == "" {
		if creds.CertificateThumbprint != "" {
			return tls.Certificate{}, errors.New("auth: certificate store lookup by thumbprint is not supported, set a certificate path")
		}
		return tls.Certificate{}, ErrCertificateNotConfigured
	}
	keyPath := creds.PrivateKeyPath
	if keyPath == "" {
		keyPath = creds.CertificatePath
	}
	cert, err := tls.LoadX509KeyPair(creds.CertificatePath, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("auth: load client certificate: %w", err)
	}
	return cert, nil
}
