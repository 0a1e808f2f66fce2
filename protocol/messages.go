package protocol

import (
	"encoding/binary"
	"fmt"
)

// MessageType is the leading byte of a client-to-server message.
type MessageType uint8

// Client to server messages. See RFC 6143 Section 7.5.
const (
	TypeSetPixelFormat           MessageType = 0
	TypeSetEncodings             MessageType = 2
	TypeFramebufferUpdateRequest MessageType = 3
	TypeKeyEvent                 MessageType = 4
	TypePointerEvent             MessageType = 5
	TypeClientCutText            MessageType = 6
)

func (t MessageType) String() string {
	switch t {
	case TypeSetPixelFormat:
		return "SetPixelFormat"
	case TypeSetEncodings:
		return "SetEncodings"
	case TypeFramebufferUpdateRequest:
		return "FramebufferUpdateRequest"
	case TypeKeyEvent:
		return "KeyEvent"
	case TypePointerEvent:
		return "PointerEvent"
	case TypeClientCutText:
		return "ClientCutText"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Body sizes, excluding the type byte.
const (
	SetPixelFormatLen           = 19
	SetEncodingsHeaderLen       = 3
	EncodingLen                 = 4
	FramebufferUpdateRequestLen = 9
	KeyEventLen                 = 7
	PointerEventLen             = 5
	ClientCutTextHeaderLen      = 7
)

// ParseMessageType validates a client message header byte.
func ParseMessageType(b byte) (MessageType, error) {
	switch t := MessageType(b); t {
	case TypeSetPixelFormat, TypeSetEncodings, TypeFramebufferUpdateRequest,
		TypeKeyEvent, TypePointerEvent, TypeClientCutText:
		return t, nil
	default:
		return 0, protocolError("ParseMessageType", fmt.Sprintf("unsupported message type %d", b))
	}
}

// ClientMessage is a fully decoded client-to-server message.
type ClientMessage interface {
	Type() MessageType
	// Encode returns the complete wire message, type byte included.
	Encode() []byte
}

// ButtonMask is the pointer button state; bit 0 is the left button.
type ButtonMask uint8

const (
	ButtonLeft ButtonMask = 1 << iota
	ButtonMiddle
	ButtonRight
	ButtonWheelUp
	ButtonWheelDown
)

// See RFC 6143 Section 7.5.1
type SetPixelFormat struct {
	PixelFormat PixelFormat
}

// See RFC 6143 Section 7.5.2
type SetEncodings struct {
	Encodings []int32
}

// See RFC 6143 Section 7.5.3
type FramebufferUpdateRequest struct {
	Incremental bool
	X, Y        uint16
	Width       uint16
	Height      uint16
}

// See RFC 6143 Section 7.5.4
type KeyEvent struct {
	Down bool
	Key  uint32
}

// See RFC 6143 Section 7.5.5
type PointerEvent struct {
	Buttons ButtonMask
	X, Y    uint16
}

// See RFC 6143 Section 7.5.6
type ClientCutText struct {
	Text []byte
}

func (*SetPixelFormat) Type() MessageType           { return TypeSetPixelFormat }
func (*SetEncodings) Type() MessageType             { return TypeSetEncodings }
func (*FramebufferUpdateRequest) Type() MessageType { return TypeFramebufferUpdateRequest }
func (*KeyEvent) Type() MessageType                 { return TypeKeyEvent }
func (*PointerEvent) Type() MessageType             { return TypePointerEvent }
func (*ClientCutText) Type() MessageType            { return TypeClientCutText }

func (m *KeyEvent) String() string {
	return fmt.Sprintf("KeyEvent,%t,0x%x", m.Down, m.Key)
}

func (m *PointerEvent) String() string {
	return fmt.Sprintf("PointerEvent,%d,%d,%d", m.Buttons, m.X, m.Y)
}

// DecodeSetPixelFormat decodes the 19-byte body: 3 padding bytes, the
// pixel format fields, 3 more padding bytes.
func DecodeSetPixelFormat(b []byte) (*SetPixelFormat, error) {
	if err := needLen("DecodeSetPixelFormat", b, SetPixelFormatLen); err != nil {
		return nil, err
	}
	pf, err := DecodePixelFormat(b[3 : 3+pixelFormatFieldsLen])
	if err != nil {
		return nil, err
	}
	return &SetPixelFormat{PixelFormat: pf}, nil
}

// DecodeSetEncodingsHeader returns the encoding count from the 3-byte header.
func DecodeSetEncodingsHeader(b []byte) (uint16, error) {
	if err := needLen("DecodeSetEncodingsHeader", b, SetEncodingsHeaderLen); err != nil {
		return 0, err
	}
	// [0, 1) padding
	return binary.BigEndian.Uint16(b[1:3]), nil
}

// DecodeEncodings decodes count signed 32-bit encoding identifiers.
func DecodeEncodings(b []byte, count int) (*SetEncodings, error) {
	if err := needLen("DecodeEncodings", b, count*EncodingLen); err != nil {
		return nil, err
	}
	encs := make([]int32, count)
	for i := range encs {
		encs[i] = int32(binary.BigEndian.Uint32(b[i*EncodingLen:]))
	}
	return &SetEncodings{Encodings: encs}, nil
}

func DecodeFramebufferUpdateRequest(b []byte) (*FramebufferUpdateRequest, error) {
	if err := needLen("DecodeFramebufferUpdateRequest", b, FramebufferUpdateRequestLen); err != nil {
		return nil, err
	}
	return &FramebufferUpdateRequest{
		Incremental: b[0] != 0,
		X:           binary.BigEndian.Uint16(b[1:3]),
		Y:           binary.BigEndian.Uint16(b[3:5]),
		Width:       binary.BigEndian.Uint16(b[5:7]),
		Height:      binary.BigEndian.Uint16(b[7:9]),
	}, nil
}

func DecodeKeyEvent(b []byte) (*KeyEvent, error) {
	if err := needLen("DecodeKeyEvent", b, KeyEventLen); err != nil {
		return nil, err
	}
	// [1, 3) padding
	return &KeyEvent{
		Down: b[0] != 0,
		Key:  binary.BigEndian.Uint32(b[3:7]),
	}, nil
}

func DecodePointerEvent(b []byte) (*PointerEvent, error) {
	if err := needLen("DecodePointerEvent", b, PointerEventLen); err != nil {
		return nil, err
	}
	return &PointerEvent{
		Buttons: ButtonMask(b[0]),
		X:       binary.BigEndian.Uint16(b[1:3]),
		Y:       binary.BigEndian.Uint16(b[3:5]),
	}, nil
}

// DecodeClientCutTextHeader returns the text length from the 7-byte header.
func DecodeClientCutTextHeader(b []byte) (uint32, error) {
	if err := needLen("DecodeClientCutTextHeader", b, ClientCutTextHeaderLen); err != nil {
		return 0, err
	}
	// [0, 3) padding
	return binary.BigEndian.Uint32(b[3:7]), nil
}

// DecodeClientCutText copies the text payload so it outlives the frame buffer.
func DecodeClientCutText(b []byte) *ClientCutText {
	text := make([]byte, len(b))
	copy(text, b)
	return &ClientCutText{Text: text}
}

func (m *SetPixelFormat) Encode() []byte {
	out := []byte{byte(TypeSetPixelFormat), 0, 0, 0}
	return AppendPixelFormat(out, m.PixelFormat)
}

func (m *SetEncodings) Encode() []byte {
	out := make([]byte, 4, 4+len(m.Encodings)*EncodingLen)
	out[0] = byte(TypeSetEncodings)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(m.Encodings)))
	for _, e := range m.Encodings {
		out = binary.BigEndian.AppendUint32(out, uint32(e))
	}
	return out
}

func (m *FramebufferUpdateRequest) Encode() []byte {
	out := make([]byte, 10)
	out[0] = byte(TypeFramebufferUpdateRequest)
	out[1] = boolByte(m.Incremental)
	binary.BigEndian.PutUint16(out[2:4], m.X)
	binary.BigEndian.PutUint16(out[4:6], m.Y)
	binary.BigEndian.PutUint16(out[6:8], m.Width)
	binary.BigEndian.PutUint16(out[8:10], m.Height)
	return out
}

func (m *KeyEvent) Encode() []byte {
	out := make([]byte, 8)
	out[0] = byte(TypeKeyEvent)
	out[1] = boolByte(m.Down)
	binary.BigEndian.PutUint32(out[4:8], m.Key)
	return out
}

func (m *PointerEvent) Encode() []byte {
	out := make([]byte, 6)
	out[0] = byte(TypePointerEvent)
	out[1] = byte(m.Buttons)
	binary.BigEndian.PutUint16(out[2:4], m.X)
	binary.BigEndian.PutUint16(out[4:6], m.Y)
	return out
}

func (m *ClientCutText) Encode() []byte {
	out := make([]byte, 8, 8+len(m.Text))
	out[0] = byte(TypeClientCutText)
	binary.BigEndian.PutUint32(out[4:8], uint32(len(m.Text)))
	return append(out, m.Text...)
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func needLen(op string, b []byte, n int) error {
	if len(b) != n {
		return protocolError(op, fmt.Sprintf("need %d bytes, got %d", n, len(b)))
	}
	return nil
}
