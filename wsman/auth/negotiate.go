package auth

// NegotiateProvider implements the SPNEGO "Negotiate" scheme. It never
// attempts Kerberos; every exchange is delegated to an NTLM provider.
type NegotiateProvider struct {
	ntlm *NTLMProvider
}

// NewNegotiateProvider creates a Negotiate provider backed by NTLM.
func NewNegotiateProvider(creds Credentials, opts ...NTLMOption) *NegotiateProvider {
	return &NegotiateProvider{ntlm: NewNTLMProvider(creds, opts...)}
}

// Name returns the authentication scheme name.
func (p *NegotiateProvider) Name() string {
	return "Negotiate"
}

// InitialAuthHeader delegates to NTLM.
func (p *NegotiateProvider) InitialAuthHeader() (string, error) {
	return p.ntlm.InitialAuthHeader()
}

// ProcessChallenge delegates to NTLM.
func (p *NegotiateProvider) ProcessChallenge(challenge string) (string, bool, error) {
	return p.ntlm.ProcessChallenge(challenge)
}

// RequiresHTTPS is false.
func (p *NegotiateProvider) RequiresHTTPS() bool { return false }

// SupportsChannelBinding is false.
func (p *NegotiateProvider) SupportsChannelBinding() bool { return false }
