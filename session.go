package novarfb

import (
	"fmt"

	"github.com/gogogo1024/novarfb/protocol"
)

// ServerParams are fixed when a connection is created and read-only after.
type ServerParams struct {
	Version     protocol.Version
	Width       uint16
	Height      uint16
	PixelFormat protocol.PixelFormat
	Name        string

	// Password enables VNC challenge authentication. When empty only the
	// "none" security type is offered.
	Password string
}

// DefaultServerParams returns an 800x600, 32bpp, RFB 3.8 server named "novarfb".
func DefaultServerParams() ServerParams {
	return ServerParams{
		Version:     protocol.Version3_8,
		Width:       800,
		Height:      600,
		PixelFormat: protocol.DefaultPixelFormat,
		Name:        "novarfb",
	}
}

// SecurityTypes returns the ordered list advertised to clients.
func (p ServerParams) SecurityTypes() []protocol.SecurityType {
	if p.Password != "" {
		return []protocol.SecurityType{protocol.SecurityVNC}
	}
	return []protocol.SecurityType{protocol.SecurityNone}
}

func (p ServerParams) offers(t protocol.SecurityType) bool {
	for _, s := range p.SecurityTypes() {
		if s == t {
			return true
		}
	}
	return false
}

// Validate reports configuration errors before any byte is exchanged.
func (p ServerParams) Validate() error {
	if !p.Version.Valid() {
		return protocol.NewError("ServerParams.Validate", protocol.CodeConfiguration,
			fmt.Sprintf("unsupported version %d", int(p.Version)), nil)
	}
	if err := p.PixelFormat.Validate(); err != nil {
		return err
	}
	return nil
}

// Limits bound what a peer can make a connection hold. Zero disables a bound.
type Limits struct {
	MaxEncodings int
	MaxCutText   int
	MaxPending   int

	// InputRate and InputBurst form a token bucket for key and pointer
	// events. Events over the rate are consumed but not dispatched.
	InputRate  int
	InputBurst int
}

func DefaultLimits() Limits {
	return Limits{
		MaxEncodings: 1024,
		MaxCutText:   1 << 20,
		MaxPending:   2 << 20,
		InputRate:    1000,
		InputBurst:   2000,
	}
}

// ClientSession is what the client has told the server so far. Encodings
// holds the last complete SetEncodings list. EncodingCount and
// PendingCutTextLength are only meaningful between a header frame and the
// value frame that consumes it.
type ClientSession struct {
	Version              protocol.Version
	SecurityType         protocol.SecurityType
	Shared               bool
	PixelFormat          protocol.PixelFormat
	EncodingCount        int
	Encodings            []int32
	PendingCutTextLength uint32
}

func (s ClientSession) clone() ClientSession {
	if s.Encodings != nil {
		encs := make([]int32, len(s.Encodings))
		copy(encs, s.Encodings)
		s.Encodings = encs
	}
	return s
}
