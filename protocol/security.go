package protocol

import (
	"crypto/des" // #nosec G502 - VNC authentication is defined in terms of DES
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// SecurityType is an RFB security type identifier.
type SecurityType uint8

const (
	SecurityInvalid SecurityType = 0
	SecurityNone    SecurityType = 1
	SecurityVNC     SecurityType = 2
)

func (t SecurityType) String() string {
	switch t {
	case SecurityInvalid:
		return "invalid"
	case SecurityNone:
		return "none"
	case SecurityVNC:
		return "vnc-challenge"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// SecurityResult is the 4-byte outcome of the security handshake.
type SecurityResult uint32

const (
	SecurityResultOK     SecurityResult = 0
	SecurityResultFailed SecurityResult = 1
)

const (
	// ChallengeLen is the size of a VNC authentication challenge and response.
	ChallengeLen = 16

	desKeyLen = 8
)

// EncodeSecurityTypes writes a count byte followed by one byte per type.
func EncodeSecurityTypes(types []SecurityType) ([]byte, error) {
	if len(types) == 0 || len(types) > 255 {
		return nil, NewError("EncodeSecurityTypes", CodeConfiguration,
			fmt.Sprintf("security type list must hold 1-255 entries, got %d", len(types)), nil)
	}
	out := make([]byte, 1+len(types))
	out[0] = uint8(len(types))
	for i, t := range types {
		out[1+i] = uint8(t)
	}
	return out, nil
}

// ParseSecurityType validates the client's one-byte selection. Only "none"
// and "vnc-challenge" are known.
func ParseSecurityType(b byte) (SecurityType, error) {
	switch t := SecurityType(b); t {
	case SecurityNone, SecurityVNC:
		return t, nil
	default:
		return 0, protocolError("ParseSecurityType", fmt.Sprintf("unsupported security type %d", b))
	}
}

// EncodeSecurityResult writes the 4-byte result code. A failed result is
// followed by a 4-byte reason length and the reason text.
func EncodeSecurityResult(result SecurityResult, reason string) []byte {
	if result == SecurityResultOK {
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, uint32(result))
		return out
	}
	out := make([]byte, 8+len(reason))
	binary.BigEndian.PutUint32(out[0:4], uint32(result))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(reason)))
	copy(out[8:], reason)
	return out
}

// NewChallenge returns ChallengeLen random bytes.
func NewChallenge() ([]byte, error) {
	c := make([]byte, ChallengeLen)
	if _, err := rand.Read(c); err != nil {
		return nil, NewError("NewChallenge", CodeAuthentication, "failed to generate challenge", err)
	}
	return c, nil
}

// EncryptChallenge computes the response a client holding password must send
// for challenge: DES-ECB over both 8-byte halves, keyed with the first eight
// password bytes, each bit-reversed and zero padded.
func EncryptChallenge(password string, challenge []byte) ([]byte, error) {
	if len(challenge) != ChallengeLen {
		return nil, NewError("EncryptChallenge", CodeAuthentication,
			fmt.Sprintf("challenge must be %d bytes, got %d", ChallengeLen, len(challenge)), nil)
	}

	key := make([]byte, desKeyLen)
	for i := 0; i < desKeyLen && i < len(password); i++ {
		key[i] = reverseBits(password[i])
	}

	block, err := des.NewCipher(key) // #nosec G405
	if err != nil {
		return nil, NewError("EncryptChallenge", CodeAuthentication, "failed to create cipher", err)
	}

	out := make([]byte, ChallengeLen)
	block.Encrypt(out[:desKeyLen], challenge[:desKeyLen])
	block.Encrypt(out[desKeyLen:], challenge[desKeyLen:])
	return out, nil
}

// VerifyChallenge compares response against the expected encryption of
// challenge in constant time.
func VerifyChallenge(password string, challenge, response []byte) (bool, error) {
	want, err := EncryptChallenge(password, challenge)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(want, response) == 1, nil
}

func reverseBits(b byte) byte {
	var r byte
	for i := 0; i < 8; i++ {
		r = r<<1 | b&1
		b >>= 1
	}
	return r
}
