package auth

import "encoding/base64"

// BasicProvider implements HTTP Basic authentication. The whole exchange is
// the initial header; any later challenge is ignored.
type BasicProvider struct {
	creds Credentials
}

// NewBasicProvider creates a new Basic authentication provider.
func NewBasicProvider(creds Credentials) *BasicProvider {
	return &BasicProvider{creds: creds}
}

// Name returns the authentication scheme name.
func (p *BasicProvider) Name() string {
	return "Basic"
}

// InitialAuthHeader returns "Basic base64([domain\]user:password)".
func (p *BasicProvider) InitialAuthHeader() (string, error) {
	raw := p.creds.qualifiedUser() + ":" + p.creds.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw)), nil
}

// ProcessChallenge always reports completion.
func (p *BasicProvider) ProcessChallenge(string) (string, bool, error) {
	return "", false, nil
}

// RequiresHTTPS is true: Basic sends the password in a reversible encoding.
func (p *BasicProvider) RequiresHTTPS() bool { return true }

// SupportsChannelBinding is false.
func (p *BasicProvider) SupportsChannelBinding() bool { return false }
