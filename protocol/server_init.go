package protocol

import "encoding/binary"

// ServerInitHeaderLen is the fixed part of ServerInit that precedes the name.
const ServerInitHeaderLen = 2 + 2 + PixelFormatLen + 4

// ServerInit is sent once the client has delivered ClientInit.
type ServerInit struct {
	Width       uint16
	Height      uint16
	PixelFormat PixelFormat
	Name        string
}

// Encode returns width, height, the 16-byte pixel format, then the
// length-prefixed name.
func (m *ServerInit) Encode() []byte {
	out := make([]byte, 4, ServerInitHeaderLen+len(m.Name))
	binary.BigEndian.PutUint16(out[0:2], m.Width)
	binary.BigEndian.PutUint16(out[2:4], m.Height)
	out = AppendPixelFormat(out, m.PixelFormat)
	out = binary.BigEndian.AppendUint32(out, uint32(len(m.Name)))
	return append(out, m.Name...)
}
