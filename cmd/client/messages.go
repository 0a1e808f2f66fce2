package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gogogo1024/novarfb/internal/recording"
	"github.com/gogogo1024/novarfb/protocol"
)

// parseMessage reads one message in the comma separated form used by
// recordings, extended to every client message type:
//
//	KeyEvent,<down>,<keysym>
//	PointerEvent,<mask>,<x>,<y>
//	SetEncodings[,<id>...]
//	FramebufferUpdateRequest,<incremental>,<x>,<y>,<w>,<h>
//	ClientCutText,<text>
//	SetPixelFormat[,<bpp>,<depth>,<big-endian>,<true-colour>,<rmax>,<gmax>,<bmax>,<rshift>,<gshift>,<bshift>]
func parseMessage(s string) (protocol.ClientMessage, error) {
	name, rest, _ := strings.Cut(s, ",")

	switch name {
	case "KeyEvent", "PointerEvent":
		return recording.ParseEvent(s)

	case "ClientCutText":
		return &protocol.ClientCutText{Text: []byte(rest)}, nil

	case "SetEncodings":
		m := &protocol.SetEncodings{}
		if rest == "" {
			return m, nil
		}
		for _, f := range strings.Split(rest, ",") {
			e, err := strconv.ParseInt(strings.TrimSpace(f), 0, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid SetEncodings: %v", err)
			}
			m.Encodings = append(m.Encodings, int32(e))
		}
		return m, nil

	case "FramebufferUpdateRequest":
		fields := strings.Split(rest, ",")
		if len(fields) != 5 {
			return nil, fmt.Errorf("expected 5 values for FramebufferUpdateRequest, got %v", len(fields))
		}
		incremental, err := strconv.ParseBool(fields[0])
		if err != nil {
			return nil, fmt.Errorf("invalid FramebufferUpdateRequest: %v", err)
		}
		v, err := parseUint16s(fields[1:])
		if err != nil {
			return nil, fmt.Errorf("invalid FramebufferUpdateRequest: %v", err)
		}
		return &protocol.FramebufferUpdateRequest{
			Incremental: incremental,
			X:           v[0],
			Y:           v[1],
			Width:       v[2],
			Height:      v[3],
		}, nil

	case "SetPixelFormat":
		if rest == "" {
			return &protocol.SetPixelFormat{PixelFormat: protocol.DefaultPixelFormat}, nil
		}
		fields := strings.Split(rest, ",")
		if len(fields) != 10 {
			return nil, fmt.Errorf("expected 10 values for SetPixelFormat, got %v", len(fields))
		}
		v, err := parseUint16s(fields)
		if err != nil {
			return nil, fmt.Errorf("invalid SetPixelFormat: %v", err)
		}
		for _, i := range []int{0, 1, 2, 3, 7, 8, 9} {
			if v[i] > 0xFF {
				return nil, fmt.Errorf("invalid SetPixelFormat: value %d does not fit in a byte", v[i])
			}
		}
		return &protocol.SetPixelFormat{PixelFormat: protocol.PixelFormat{
			BitsPerPixel:  uint8(v[0]),
			Depth:         uint8(v[1]),
			BigEndianFlag: uint8(v[2]),
			TrueColorFlag: uint8(v[3]),
			RedMax:        v[4],
			GreenMax:      v[5],
			BlueMax:       v[6],
			RedShift:      uint8(v[7]),
			GreenShift:    uint8(v[8]),
			BlueShift:     uint8(v[9]),
		}}, nil
	}

	return nil, fmt.Errorf("invalid message type: %v", name)
}

func parseUint16s(fields []string) ([]uint16, error) {
	out := make([]uint16, len(fields))
	for i, f := range fields {
		n, err := strconv.ParseUint(strings.TrimSpace(f), 0, 16)
		if err != nil {
			return nil, err
		}
		out[i] = uint16(n)
	}
	return out, nil
}
