package auth

import "fmt"

// KerberosProvider is a placeholder for Kerberos. Every handshake fails
// with ErrMethodUnimplemented; configure Negotiate or NTLM instead.
type KerberosProvider struct {
	creds Credentials
}

// NewKerberosProvider creates the Kerberos placeholder.
func NewKerberosProvider(creds Credentials) *KerberosProvider {
	return &KerberosProvider{creds: creds}
}

// Name returns the authentication scheme name.
func (p *KerberosProvider) Name() string { return "Kerberos" }

// InitialAuthHeader always fails.
func (p *KerberosProvider) InitialAuthHeader() (string, error) {
	return "", fmt.Errorf("%w: Kerberos is not supported, use Negotiate or NTLM authentication instead", ErrMethodUnimplemented)
}

// ProcessChallenge always fails.
func (p *KerberosProvider) ProcessChallenge(string) (string, bool, error) {
	_, err := p.InitialAuthHeader()
	return "", false, err
}

// RequiresHTTPS is false.
func (p *KerberosProvider) RequiresHTTPS() bool { return false }

// SupportsChannelBinding is true.
func (p *KerberosProvider) SupportsChannelBinding() bool { return true }

// CredSSPProvider is a placeholder for CredSSP credential delegation.
// Every handshake fails with ErrMethodUnimplemented.
type CredSSPProvider struct {
	creds Credentials
}

// NewCredSSPProvider creates the CredSSP placeholder.
func NewCredSSPProvider(creds Credentials) *CredSSPProvider {
	return &CredSSPProvider{creds: creds}
}

// Name returns the authentication scheme name.
func (p *CredSSPProvider) Name() string { return "CredSSP" }

// InitialAuthHeader always fails.
func (p *CredSSPProvider) InitialAuthHeader() (string, error) {
	return "", fmt.Errorf("%w: CredSSP is not supported, use Negotiate or NTLM authentication instead", ErrMethodUnimplemented)
}

// ProcessChallenge always fails.
func (p *CredSSPProvider) ProcessChallenge(string) (string, bool, error) {
	_, err := p.InitialAuthHeader()
	return "", false, err
}

// RequiresHTTPS is true.
func (p *CredSSPProvider) RequiresHTTPS() bool { return true }

// SupportsChannelBinding is true.
func (p *CredSSPProvider) SupportsChannelBinding() bool { return true }
