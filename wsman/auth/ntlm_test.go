package auth

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Azure/go-ntlmssp"
)

var testServerChallenge = [8]byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef}

// buildChallenge returns a Type 2 message with a target name and a
// target info block holding only the domain name and terminator.
func buildChallenge(target string) []byte {
	targetName := encodeUTF16LE(target)
	targetInfo := []byte{0x02, 0x00} // MsvAvNbDomainName
	targetInfo = binary.LittleEndian.AppendUint16(targetInfo, uint16(len(targetName)))
	targetInfo = append(targetInfo, targetName...)
	targetInfo = append(targetInfo, 0, 0, 0, 0) // MsvAvEOL

	const headerLen = 56
	msg := make([]byte, headerLen)
	copy(msg, ntlmSignature)
	binary.LittleEndian.PutUint32(msg[8:], ntlmChallenge)
	binary.LittleEndian.PutUint16(msg[12:], uint16(len(targetName)))
	binary.LittleEndian.PutUint16(msg[14:], uint16(len(targetName)))
	binary.LittleEndian.PutUint32(msg[16:], headerLen)
	flags := flagUnicode | flagRequestTarget | flagNTLM | flagAlwaysSign | flagNTLM2 |
		0x00800000 | // target info
		0x02000000 | // version
		flag128 | flag56
	binary.LittleEndian.PutUint32(msg[20:], flags)
	copy(msg[24:32], testServerChallenge[:])
	binary.LittleEndian.PutUint16(msg[40:], uint16(len(targetInfo)))
	binary.LittleEndian.PutUint16(msg[42:], uint16(len(targetInfo)))
	binary.LittleEndian.PutUint32(msg[44:], uint32(headerLen+len(targetName)))
	copy(msg[48:], []byte{10, 0, 0x61, 0x4a, 0, 0, 0, 15})
	msg = append(msg, targetName...)
	return append(msg, targetInfo...)
}

func fixedBuilder() authenticateBuilder {
	return authenticateBuilder{
		now:    func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) },
		random: bytes.NewReader(bytes.Repeat([]byte{0xaa}, 64)),
	}
}

// TestNegotiateMessage verifies the Type 1 header.
func TestNegotiateMessage(t *testing.T) {
	msg := NewNegotiateMessage()
	if len(msg) != 32 {
		t.Fatalf("len = %d, want 32", len(msg))
	}
	if !bytes.Equal(msg[:8], []byte("NTLMSSP\x00")) {
		t.Errorf("signature = %q", msg[:8])
	}
	if got := binary.LittleEndian.Uint32(msg[8:]); got != 1 {
		t.Errorf("type = %d, want 1", got)
	}
	if got := binary.LittleEndian.Uint32(msg[12:]); got != 0xa0088207 {
		t.Errorf("flags = %#x, want 0xa0088207", got)
	}
	if !bytes.Equal(msg[16:], make([]byte, 16)) {
		t.Errorf("domain/workstation descriptors = %x, want zeros", msg[16:])
	}
}

func TestParseChallengeMessage(t *testing.T) {
	cm, err := ParseChallengeMessage(buildChallenge("CORP"))
	if err != nil {
		t.Fatalf("ParseChallengeMessage() error = %v", err)
	}
	if cm.ServerChallenge != testServerChallenge {
		t.Errorf("ServerChallenge = %x, want %x", cm.ServerChallenge, testServerChallenge)
	}
	if cm.Flags&flagUnicode == 0 {
		t.Errorf("Flags = %#x, want unicode bit", cm.Flags)
	}

	// Exactly 32 bytes is the minimum.
	if _, err := ParseChallengeMessage(buildChallenge("CORP")[:32]); err != nil {
		t.Errorf("32-byte challenge error = %v", err)
	}
	for _, n := range []int{0, 8, 31} {
		_, err := ParseChallengeMessage(make([]byte, n))
		if !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("len %d: error = %v, want ErrMalformedMessage", n, err)
		}
	}
}

// TestAuthenticateMessage_Layout checks every descriptor of a Type 3 message.
func TestAuthenticateMessage_Layout(t *testing.T) {
	cm, _ := ParseChallengeMessage(buildChallenge("CORP"))
	msg, err := fixedBuilder().build(cm, "bob", "pw", "CORP", "WS01")
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}

	if !bytes.Equal(msg[:8], ntlmSignature) {
		t.Errorf("signature = %q", msg[:8])
	}
	if got := binary.LittleEndian.Uint32(msg[8:]); got != 3 {
		t.Errorf("type = %d, want 3", got)
	}
	if got := binary.LittleEndian.Uint32(msg[60:]); got != negotiateFlags {
		t.Errorf("flags = %#x, want %#x", got, negotiateFlags)
	}
	if !bytes.Equal(msg[64:88], make([]byte, 24)) {
		t.Errorf("bytes 64..88 = %x, want zeros", msg[64:88])
	}

	fields := []struct {
		name string
		at   int
		want []byte
	}{
		{"lm", authLMResponseField, []byte{}},
		{"domain", authDomainField, encodeUTF16LE("CORP")},
		{"user", authUserField, encodeUTF16LE("bob")},
		{"workstation", authWorkstationField, encodeUTF16LE("WS01")},
		{"session key", authSessionKeyField, []byte{}},
	}
	for _, f := range fields {
		if got := messageField(msg, f.at); !bytes.Equal(got, f.want) {
			t.Errorf("%s = %x, want %x", f.name, got, f.want)
		}
	}

	nt := messageField(msg, authNTResponseField)
	if len(nt) != 16+28 {
		t.Fatalf("nt response len = %d, want 44", len(nt))
	}
	if off := binary.LittleEndian.Uint32(msg[authNTResponseField+4:]); off != 88 {
		t.Errorf("nt offset = %d, want 88", off)
	}
	if off := binary.LittleEndian.Uint32(msg[authDomainField+4:]); off != 88+44 {
		t.Errorf("domain offset = %d, want %d", off, 88+44)
	}
	if len(msg) != 88+44+8+6+8 {
		t.Errorf("len = %d, want %d", len(msg), 88+44+8+6+8)
	}

	blob := nt[16:]
	if !bytes.Equal(blob[:8], []byte{1, 1, 0, 0, 0, 0, 0, 0}) {
		t.Errorf("blob header = %x", blob[:8])
	}
	if got, want := binary.LittleEndian.Uint64(blob[8:]), filetime(fixedBuilder().now()); got != want {
		t.Errorf("timestamp = %d, want %d", got, want)
	}
	if !bytes.Equal(blob[16:24], bytes.Repeat([]byte{0xaa}, 8)) {
		t.Errorf("client challenge = %x", blob[16:24])
	}
	if !bytes.Equal(blob[24:], make([]byte, 4)) {
		t.Errorf("blob trailer = %x", blob[24:])
	}
}

// TestAuthenticateMessage_ProofRoundTrip re-derives the proof from the
// embedded blob.
func TestAuthenticateMessage_ProofRoundTrip(t *testing.T) {
	cm, _ := ParseChallengeMessage(buildChallenge("CORP"))
	msg, err := NewAuthenticateMessage(cm, "Bob", "S3cret!", "CORP", "")
	if err != nil {
		t.Fatalf("NewAuthenticateMessage() error = %v", err)
	}
	nt := messageField(msg, authNTResponseField)
	proof, blob := nt[:16], nt[16:]

	got := ntProof(ntlmv2Key("Bob", "S3cret!", "CORP"), testServerChallenge[:], blob)
	if !bytes.Equal(got, proof) {
		t.Errorf("re-derived proof = %x, want %x", got, proof)
	}

	other := ntProof(ntlmv2Key("Bob", "wrong", "CORP"), testServerChallenge[:], blob)
	if bytes.Equal(other, proof) {
		t.Error("proof should depend on the password")
	}
}

// TestNTHash checks the MD4 hash against the well-known value for "Password".
func TestNTHash(t *testing.T) {
	got := hex.EncodeToString(ntHash("Password"))
	if want := "a4f49c406510bdcab6824ee7c30fd852"; got != want {
		t.Errorf("ntHash(Password) = %s, want %s", got, want)
	}
}

// TestNTLMv2_AgainstGoNTLMSSP verifies key derivation against an
// independent implementation.
func TestNTLMv2_AgainstGoNTLMSSP(t *testing.T) {
	challenge := buildChallenge("CORP")
	msg, err := ntlmssp.ProcessChallenge(challenge, "alice", "Hunter2!", true)
	if err != nil {
		t.Fatalf("ntlmssp.ProcessChallenge() error = %v", err)
	}
	nt := messageField(msg, authNTResponseField)
	if len(nt) < 16+28 {
		t.Fatalf("nt response len = %d", len(nt))
	}
	proof, blob := nt[:16], nt[16:]

	got := ntProof(ntlmv2Key("alice", "Hunter2!", "CORP"), testServerChallenge[:], blob)
	if !bytes.Equal(got, proof) {
		t.Errorf("proof = %x, go-ntlmssp = %x", got, proof)
	}
}

// TestNTLMProvider_StateMachine walks Initial -> NegotiateSent -> Authenticated.
func TestNTLMProvider_StateMachine(t *testing.T) {
	p := NewNTLMProvider(Credentials{Username: `CORP\bob`, Password: "pw"}, WithWorkstation("WS01"))
	p.builder = fixedBuilder()

	initial, err := p.InitialAuthHeader()
	if err != nil {
		t.Fatalf("InitialAuthHeader() error = %v", err)
	}
	wantInitial := "Negotiate " + base64.StdEncoding.EncodeToString(NewNegotiateMessage())
	if initial != wantInitial {
		t.Errorf("InitialAuthHeader() = %q, want %q", initial, wantInitial)
	}

	// First challenge resends the negotiate message.
	next, send, err := p.ProcessChallenge("Negotiate")
	if err != nil || !send || next != wantInitial {
		t.Fatalf("first ProcessChallenge() = (%q, %v, %v)", next, send, err)
	}

	for _, prefix := range []string{"Negotiate ", "NTLM "} {
		q := NewNTLMProvider(Credentials{Username: `CORP\bob`, Password: "pw"})
		q.state = ntlmNegotiateSent
		header, send, err := q.ProcessChallenge(prefix + base64.StdEncoding.EncodeToString(buildChallenge("CORP")))
		if err != nil || !send {
			t.Fatalf("%q: ProcessChallenge() = (%v, %v)", prefix, send, err)
		}
		if !strings.HasPrefix(header, "Negotiate ") {
			t.Errorf("%q: header = %q, want Negotiate prefix", prefix, header)
		}
		raw, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, "Negotiate "))
		if got := messageField(raw, authDomainField); !bytes.Equal(got, encodeUTF16LE("CORP")) {
			t.Errorf("%q: domain = %x, want split CORP", prefix, got)
		}
		if !q.Authenticated() {
			t.Errorf("%q: not authenticated", prefix)
		}
	}

	header, send, err := p.ProcessChallenge("Negotiate " + base64.StdEncoding.EncodeToString(buildChallenge("CORP")))
	if err != nil || !send || header == "" {
		t.Fatalf("second ProcessChallenge() = (%q, %v, %v)", header, send, err)
	}

	// Once authenticated nothing more is sent.
	header, send, err = p.ProcessChallenge("Negotiate abc")
	if header != "" || send || err != nil {
		t.Errorf("third ProcessChallenge() = (%q, %v, %v), want none", header, send, err)
	}
}

func TestNTLMProvider_MalformedChallenge(t *testing.T) {
	tests := []struct {
		name      string
		challenge string
	}{
		{"not base64", "Negotiate !!!"},
		{"too short", "Negotiate " + base64.StdEncoding.EncodeToString(make([]byte, 20))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewNTLMProvider(Credentials{Username: "bob", Password: "pw"})
			p.state = ntlmNegotiateSent
			_, _, err := p.ProcessChallenge(tt.challenge)
			if !errors.Is(err, ErrMalformedMessage) {
				t.Errorf("error = %v, want ErrMalformedMessage", err)
			}
			if p.Authenticated() {
				t.Error("state advanced on failure")
			}
		})
	}
}

func TestNegotiateProvider_DelegatesToNTLM(t *testing.T) {
	p := NewNegotiateProvider(Credentials{Username: "bob", Password: "pw"})
	initial, err := p.InitialAuthHeader()
	if err != nil {
		t.Fatalf("InitialAuthHeader() error = %v", err)
	}
	if want := "Negotiate " + base64.StdEncoding.EncodeToString(NewNegotiateMessage()); initial != want {
		t.Errorf("InitialAuthHeader() = %q, want %q", initial, want)
	}
	if _, send, _ := p.ProcessChallenge("Negotiate"); !send {
		t.Error("first challenge should resend negotiate")
	}
	if _, send, err := p.ProcessChallenge("Negotiate " + base64.StdEncoding.EncodeToString(buildChallenge("X"))); !send || err != nil {
		t.Errorf("second challenge = (%v, %v)", send, err)
	}
	if !p.ntlm.Authenticated() {
		t.Error("inner NTLM provider not authenticated")
	}
}

// messageField returns the payload referenced by the descriptor at
// offset at, or nil if it points outside msg.
func messageField(msg []byte, at int) []byte {
	if len(msg) < at+8 {
		return nil
	}
	length := int(binary.LittleEndian.Uint16(msg[at:]))
	off := int(binary.LittleEndian.Uint32(msg[at+4:]))
	if off < 0 || off+length > len(msg) {
		return nil
	}
	return msg[off : off+length]
}
