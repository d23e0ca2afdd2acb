package auth

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// ntlmState tracks progress through the three-message NTLM handshake.
type ntlmState int

const (
	ntlmInitial ntlmState = iota
	ntlmNegotiateSent
	ntlmAuthenticated
)

// NTLMProvider implements NTLMv2 authentication carried in the
// "Negotiate" HTTP scheme, which is what WinRM listeners expect.
type NTLMProvider struct {
	creds       Credentials
	workstation string
	state       ntlmState
	builder     authenticateBuilder
}

// NTLMOption configures an NTLMProvider.
type NTLMOption func(*NTLMProvider)

// WithWorkstation sets the workstation name sent in the Type 3 message.
func WithWorkstation(name string) NTLMOption {
	return func(p *NTLMProvider) {
		p.workstation = name
	}
}

// NewNTLMProvider creates a new NTLM authentication provider. A username in
// "DOMAIN\user" form is split when no domain is given.
func NewNTLMProvider(creds Credentials, opts ...NTLMOption) *NTLMProvider {
	p := &NTLMProvider{
		creds:   creds.SplitDomain(),
		builder: defaultAuthenticateBuilder(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the authentication scheme name.
func (p *NTLMProvider) Name() string {
	return "NTLM"
}

// InitialAuthHeader returns "Negotiate " followed by the Type 1 message.
func (p *NTLMProvider) InitialAuthHeader() (string, error) {
	return "Negotiate " + base64.StdEncoding.EncodeToString(NewNegotiateMessage()), nil
}

// ProcessChallenge advances the handshake. The first call resends the
// Type 1 header, the second answers the server's Type 2 with a Type 3, and
// any later call reports completion.
func (p *NTLMProvider) ProcessChallenge(challenge string) (string, bool, error) {
	switch p.state {
	case ntlmInitial:
		p.state = ntlmNegotiateSent
		header, err := p.InitialAuthHeader()
		return header, err == nil, err

	case ntlmNegotiateSent:
		token := strings.TrimSpace(challenge)
		for _, prefix := range []string{"Negotiate ", "NTLM "} {
			if strings.HasPrefix(token, prefix) {
				token = strings.TrimSpace(token[len(prefix):])
				break
			}
		}
		raw, err := base64.StdEncoding.DecodeString(token)
		if err != nil {
			return "", false, fmt.Errorf("%w: decode challenge: %v", ErrMalformedMessage, err)
		}
		cm, err := ParseChallengeMessage(raw)
		if err != nil {
			return "", false, err
		}
		msg, err := p.builder.build(cm, p.creds.Username, p.creds.Password, p.creds.Domain, p.workstation)
		if err != nil {
			return "", false, err
		}
		p.state = ntlmAuthenticated
		return "Negotiate " + base64.StdEncoding.EncodeToString(msg), true, nil

	default:
		return "", false, nil
	}
}

// RequiresHTTPS is false: NTLM never sends the password itself.
func (p *NTLMProvider) RequiresHTTPS() bool { return false }

// SupportsChannelBinding is false; the Type 3 message carries no AV pairs.
func (p *NTLMProvider) SupportsChannelBinding() bool { return false }

// Authenticated reports whether the Type 3 message has been produced.
func (p *NTLMProvider) Authenticated() bool {
	return p.state == ntlmAuthenticated
}
