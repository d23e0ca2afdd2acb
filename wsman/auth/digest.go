package auth

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
)

const (
	digestMethod = "POST"
	digestURI    = "/wsman"
	digestQOP    = "auth"
)

// ParseDigestChallenge parses a WWW-Authenticate Digest value into its
// parameters. The "Digest " prefix is optional, keys are lower-cased and
// surrounding quotes are stripped. Commas inside quoted values are kept.
func ParseDigestChallenge(header string) map[string]string {
	header = strings.TrimSpace(header)
	if len(header) >= 7 && strings.EqualFold(header[:7], "Digest ") {
		header = header[7:]
	}

	params := make(map[string]string)
	for _, part := range splitQuoted(header, ',') {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}
		if key != "" {
			params[key] = value
		}
	}
	return params
}

// splitQuoted splits s on sep, ignoring separators inside double quotes.
func splitQuoted(s string, sep byte) []string {
	var parts []string
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case sep:
			if !inQuote {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// digestHash returns the hash constructor for a challenge's algorithm
// parameter. MD5 is the default; SHA-256 is used when the server asks.
func digestHash(algorithm string) (func() hash.Hash, string) {
	switch strings.ToUpper(algorithm) {
	case "SHA-256":
		return sha256.New, "SHA-256"
	default:
		return md5.New, ""
	}
}

func hexDigest(newHash func() hash.Hash, s string) string {
	h := newHash()
	h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))
}

// digestResponse computes the qop=auth response value.
func digestResponse(newHash func() hash.Hash, user, realm, password, nonce string, nc uint32, cnonce string) string {
	ha1 := hexDigest(newHash, user+":"+realm+":"+password)
	ha2 := hexDigest(newHash, digestMethod+":"+digestURI)
	return hexDigest(newHash, fmt.Sprintf("%s:%s:%08x:%s:%s:%s", ha1, nonce, nc, cnonce, digestQOP, ha2))
}

// DigestProvider implements HTTP Digest authentication (qop=auth).
type DigestProvider struct {
	creds  Credentials
	realm  string
	nonce  string
	nc     uint32
	random io.Reader
}

// NewDigestProvider creates a new Digest authentication provider.
func NewDigestProvider(creds Credentials) *DigestProvider {
	return &DigestProvider{creds: creds, random: rand.Reader}
}

// Name returns the authentication scheme name.
func (p *DigestProvider) Name() string { return "Digest" }

// InitialAuthHeader returns "": Digest needs a server nonce first.
func (p *DigestProvider) InitialAuthHeader() (string, error) {
	return "", nil
}

// ProcessChallenge answers a Digest challenge. Every call bumps the nonce
// count and draws a fresh client nonce.
func (p *DigestProvider) ProcessChallenge(challenge string) (string, bool, error) {
	params := ParseDigestChallenge(challenge)
	nonce := params["nonce"]
	if nonce == "" {
		return "", false, fmt.Errorf("%w: digest challenge has no nonce", ErrMalformedMessage)
	}
	if qop, ok := params["qop"]; ok && !qopOffersAuth(qop) {
		return "", false, errors.New("auth: digest challenge does not offer qop=auth")
	}
	p.realm = params["realm"]
	p.nonce = nonce
	p.nc++

	cnonceRaw := make([]byte, 16)
	if _, err := io.ReadFull(p.random, cnonceRaw); err != nil {
		return "", false, fmt.Errorf("generate cnonce: %w", err)
	}
	cnonce := hex.EncodeToString(cnonceRaw)

	newHash, algorithm := digestHash(params["algorithm"])
	user := p.creds.qualifiedUser()
	response := digestResponse(newHash, user, p.realm, p.creds.Password, p.nonce, p.nc, cnonce)

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s", nc=%08x, cnonce="%s", qop=%s, response="%s"`,
		user, p.realm, p.nonce, digestURI, p.nc, cnonce, digestQOP, response)
	if opaque, ok := params["opaque"]; ok {
		fmt.Fprintf(&b, `, opaque="%s"`, opaque)
	}
	if algorithm != "" {
		fmt.Fprintf(&b, ", algorithm=%s", algorithm)
	}
	return b.String(), true, nil
}

func qopOffersAuth(qop string) bool {
	for _, v := range strings.Split(qop, ",") {
		if strings.EqualFold(strings.TrimSpace(v), digestQOP) {
			return true
		}
	}
	return false
}

// RequiresHTTPS is false.
func (p *DigestProvider) RequiresHTTPS() bool { return false }

// SupportsChannelBinding is false.
func (p *DigestProvider) SupportsChannelBinding() bool { return false }
