package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/md4"
	"golang.org/x/text/encoding/unicode"
)

// NTLM message types. [MS-NLMP] 2.2.1
const (
	ntlmNegotiate    uint32 = 1
	ntlmChallenge    uint32 = 2
	ntlmAuthenticate uint32 = 3
)

var ntlmSignature = []byte("NTLMSSP\x00")

// Negotiate flags advertised in every message we send. [MS-NLMP] 2.2.2.5
const (
	flagUnicode       uint32 = 0x00000001
	flagOEM           uint32 = 0x00000002
	flagRequestTarget uint32 = 0x00000004
	flagNTLM          uint32 = 0x00000200
	flagAlwaysSign    uint32 = 0x00008000
	flagNTLM2         uint32 = 0x00080000
	flag128           uint32 = 0x20000000
	flag56            uint32 = 0x80000000

	negotiateFlags = flagUnicode | flagOEM | flagRequestTarget | flagNTLM |
		flagAlwaysSign | flagNTLM2 | flag128 | flag56
)

// Negotiate (Type 1) layout.
const (
	negotiateFlagsOffset = 12
	negotiateSize        = 32
)

// Challenge (Type 2) layout.
const (
	challengeFlagsOffset      = 20
	challengeServerChalOffset = 24
	challengeMinSize          = 32
	serverChallengeSize       = 8
)

// Authenticate (Type 3) layout: six (len, maxlen, offset) descriptors then
// flags, payload at a fixed offset.
const (
	authLMResponseField   = 12
	authNTResponseField   = 20
	authDomainField       = 28
	authUserField         = 36
	authWorkstationField  = 44
	authSessionKeyField   = 52
	authFlagsOffset       = 60
	authPayloadOffset     = 88
	ntlmv2BlobSize        = 28
	clientChallengeSize   = 8
	filetimeUnixEpochDiff = 116444736000000000
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// encodeUTF16LE converts s to UTF-16LE without a byte order mark.
func encodeUTF16LE(s string) []byte {
	b, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil
	}
	return b
}

// NewNegotiateMessage builds the 32-byte NTLM Type 1 message. Domain and
// workstation are never advertised, so both descriptors are zero.
func NewNegotiateMessage() []byte {
	msg := make([]byte, negotiateSize)
	copy(msg, ntlmSignature)
	binary.LittleEndian.PutUint32(msg[8:], ntlmNegotiate)
	binary.LittleEndian.PutUint32(msg[negotiateFlagsOffset:], negotiateFlags)
	return msg
}

// ChallengeMessage holds the fields of a Type 2 message this package uses.
type ChallengeMessage struct {
	Flags           uint32
	ServerChallenge [serverChallengeSize]byte
}

// ParseChallengeMessage decodes a Type 2 message. Only the length is
// validated; servers vary in what else they send.
func ParseChallengeMessage(data []byte) (*ChallengeMessage, error) {
	if len(data) < challengeMinSize {
		return nil, fmt.Errorf("%w: challenge is %d bytes, need at least %d",
			ErrMalformedMessage, len(data), challengeMinSize)
	}
	cm := &ChallengeMessage{
		Flags: binary.LittleEndian.Uint32(data[challengeFlagsOffset:]),
	}
	copy(cm.ServerChallenge[:], data[challengeServerChalOffset:challengeServerChalOffset+serverChallengeSize])
	return cm, nil
}

// ntHash returns MD4(UTF-16LE(password)).
func ntHash(password string) []byte {
	h := md4.New()
	h.Write(encodeUTF16LE(password))
	return h.Sum(nil)
}

// ntlmv2Key returns HMAC-MD5(ntHash, UTF-16LE(UPPER(user) + domain)).
func ntlmv2Key(user, password, domain string) []byte {
	mac := hmac.New(md5.New, ntHash(password))
	mac.Write(encodeUTF16LE(strings.ToUpper(user) + domain))
	return mac.Sum(nil)
}

// ntProof returns HMAC-MD5(key, serverChallenge || blob).
func ntProof(key, serverChallenge, blob []byte) []byte {
	mac := hmac.New(md5.New, key)
	mac.Write(serverChallenge)
	mac.Write(blob)
	return mac.Sum(nil)
}

// filetime converts t to a Windows FILETIME (100ns ticks since 1601).
func filetime(t time.Time) uint64 {
	return uint64(t.UnixNano()/100) + filetimeUnixEpochDiff
}

// ntlmv2Blob builds the 28-byte client blob.
func ntlmv2Blob(now time.Time, clientChallenge []byte) []byte {
	blob := make([]byte, ntlmv2BlobSize)
	blob[0], blob[1] = 0x01, 0x01
	binary.LittleEndian.PutUint64(blob[8:], filetime(now))
	copy(blob[16:24], clientChallenge)
	return blob
}

// authenticateBuilder builds Type 3 messages. now and random are swapped
// out by tests.
type authenticateBuilder struct {
	now    func() time.Time
	random io.Reader
}

func defaultAuthenticateBuilder() authenticateBuilder {
	return authenticateBuilder{now: time.Now, random: rand.Reader}
}

// NewAuthenticateMessage builds an NTLMv2 Type 3 message for the given
// challenge.
func NewAuthenticateMessage(challenge *ChallengeMessage, user, password, domain, workstation string) ([]byte, error) {
	return defaultAuthenticateBuilder().build(challenge, user, password, domain, workstation)
}

func (b authenticateBuilder) build(challenge *ChallengeMessage, user, password, domain, workstation string) ([]byte, error) {
	clientChallenge := make([]byte, clientChallengeSize)
	if _, err := io.ReadFull(b.random, clientChallenge); err != nil {
		return nil, fmt.Errorf("generate client challenge: %w", err)
	}

	blob := ntlmv2Blob(b.now(), clientChallenge)
	proof := ntProof(ntlmv2Key(user, password, domain), challenge.ServerChallenge[:], blob)
	ntResponse := append(proof, blob...)

	domainBytes := encodeUTF16LE(domain)
	userBytes := encodeUTF16LE(user)
	workstationBytes := encodeUTF16LE(workstation)

	var buf bytes.Buffer
	buf.Grow(authPayloadOffset + len(ntResponse) + len(domainBytes) + len(userBytes) + len(workstationBytes))

	header := make([]byte, authPayloadOffset)
	copy(header, ntlmSignature)
	binary.LittleEndian.PutUint32(header[8:], ntlmAuthenticate)

	offset := uint32(authPayloadOffset)
	putField := func(at int, length int) {
		binary.LittleEndian.PutUint16(header[at:], uint16(length))
		binary.LittleEndian.PutUint16(header[at+2:], uint16(length))
		binary.LittleEndian.PutUint32(header[at+4:], offset)
		offset += uint32(length)
	}
	putField(authLMResponseField, 0)
	putField(authNTResponseField, len(ntResponse))
	putField(authDomainField, len(domainBytes))
	putField(authUserField, len(userBytes))
	putField(authWorkstationField, len(workstationBytes))
	putField(authSessionKeyField, 0)
	binary.LittleEndian.PutUint32(header[authFlagsOffset:], negotiateFlags)

	buf.Write(header)
	buf.Write(ntResponse)
	buf.Write(domainBytes)
	buf.Write(userBytes)
	buf.Write(workstationBytes)
	return buf.Bytes(), nil
}
