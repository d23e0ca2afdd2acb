// Package auth provides authentication providers for WSMan connections.
//
// # Supported Authentication Methods
//
//   - Basic: HTTP Basic authentication (use only over TLS)
//   - NTLM: NTLMv2, messages built by this package
//   - Negotiate: SPNEGO scheme name, always answered with NTLM
//   - Digest: RFC 7616 qop=auth, MD5 unless the server asks for SHA-256
//   - Certificate: client certificate presented during the TLS handshake
//   - Kerberos, CredSSP: placeholders that fail with ErrMethodUnimplemented
//
// # Usage
//
// Providers are single use. NewChallengeAuth builds one per request and
// drives it against the server's 401 challenges:
//
//	a := auth.NewChallengeAuth(auth.MethodNegotiate, auth.Credentials{
//	    Username: "administrator",
//	    Password: "password",
//	    Domain:   "DOMAIN",
//	})
//	client := &http.Client{Transport: a.Transport(http.DefaultTransport)}
//
// Driving a provider by hand:
//
//	p, _ := auth.NewProvider(auth.MethodDigest, creds)
//	header, _ := p.InitialAuthHeader()
//	next, send, err := p.ProcessChallenge(resp.Header.Get("WWW-Authenticate"))
package auth
