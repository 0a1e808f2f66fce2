package protocol

import (
	"bytes"
	"fmt"
)

// VersionLen is the size of a ProtocolVersion message.
const VersionLen = 12

// Version identifies one of the supported RFB protocol versions.
type Version int

const (
	Version3_3 Version = 3003
	Version3_7 Version = 3007
	Version3_8 Version = 3008
)

var (
	version3_3 = []byte("RFB 003.003\n")
	version3_7 = []byte("RFB 003.007\n")
	version3_8 = []byte("RFB 003.008\n")
)

func (v Version) String() string {
	switch v {
	case Version3_3:
		return "3.3"
	case Version3_7:
		return "3.7"
	case Version3_8:
		return "3.8"
	default:
		return fmt.Sprintf("unknown(%d)", int(v))
	}
}

// Valid reports whether v is one of the three supported versions.
func (v Version) Valid() bool {
	return v == Version3_3 || v == Version3_7 || v == Version3_8
}

// EncodeVersion returns the 12-byte ProtocolVersion literal for v.
func EncodeVersion(v Version) ([]byte, error) {
	var lit []byte
	switch v {
	case Version3_3:
		lit = version3_3
	case Version3_7:
		lit = version3_7
	case Version3_8:
		lit = version3_8
	default:
		return nil, NewError("EncodeVersion", CodeConfiguration,
			fmt.Sprintf("unsupported server version %d", int(v)), nil)
	}
	out := make([]byte, VersionLen)
	copy(out, lit)
	return out, nil
}

// ParseVersion matches b exactly against the supported literals. Anything
// else, including a well-formed but unsupported version, is a protocol
// violation.
func ParseVersion(b []byte) (Version, error) {
	switch {
	case bytes.Equal(b, version3_8):
		return Version3_8, nil
	case bytes.Equal(b, version3_7):
		return Version3_7, nil
	case bytes.Equal(b, version3_3):
		return Version3_3, nil
	}
	return 0, protocolError("ParseVersion", fmt.Sprintf("unsupported version %q", b))
}
