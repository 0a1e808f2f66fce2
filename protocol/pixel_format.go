package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	// PixelFormatLen is the size of a PIXEL_FORMAT on the wire, padding included.
	PixelFormatLen = 16

	// pixelFormatFieldsLen is the meaningful prefix of PIXEL_FORMAT.
	pixelFormatFieldsLen = 13
)

// PixelFormat describes how a pixel's colour channels are packed. It is a
// value type: a connection replaces it wholesale, never field by field.
type PixelFormat struct {
	BitsPerPixel uint8
	Depth        uint8
	// BigEndianFlag and TrueColorFlag keep the raw wire byte; any non-zero
	// value means true.
	BigEndianFlag uint8
	TrueColorFlag uint8
	RedMax        uint16
	GreenMax      uint16
	BlueMax       uint16
	RedShift      uint8
	GreenShift    uint8
	BlueShift     uint8
}

// DefaultPixelFormat is 32bpp, depth 24, big-endian true colour with 8 bits
// per channel laid out as 0x00RRGGBB.
var DefaultPixelFormat = PixelFormat{
	BitsPerPixel:  32,
	Depth:         24,
	BigEndianFlag: 1,
	TrueColorFlag: 1,
	RedMax:        255,
	GreenMax:      255,
	BlueMax:       255,
	RedShift:      16,
	GreenShift:    8,
	BlueShift:     0,
}

func (pf PixelFormat) BigEndian() bool { return pf.BigEndianFlag != 0 }

func (pf PixelFormat) TrueColor() bool { return pf.TrueColorFlag != 0 }

func (pf PixelFormat) String() string {
	return fmt.Sprintf("bpp=%d depth=%d be=%d tc=%d max=%d/%d/%d shift=%d/%d/%d",
		pf.BitsPerPixel, pf.Depth, pf.BigEndianFlag, pf.TrueColorFlag,
		pf.RedMax, pf.GreenMax, pf.BlueMax,
		pf.RedShift, pf.GreenShift, pf.BlueShift)
}

// AppendPixelFormat appends the 16-byte wire form of pf to dst.
func AppendPixelFormat(dst []byte, pf PixelFormat) []byte {
	var b [PixelFormatLen]byte
	b[0] = pf.BitsPerPixel
	b[1] = pf.Depth
	b[2] = pf.BigEndianFlag
	b[3] = pf.TrueColorFlag
	binary.BigEndian.PutUint16(b[4:6], pf.RedMax)
	binary.BigEndian.PutUint16(b[6:8], pf.GreenMax)
	binary.BigEndian.PutUint16(b[8:10], pf.BlueMax)
	b[10] = pf.RedShift
	b[11] = pf.GreenShift
	b[12] = pf.BlueShift
	// [13, 16) padding
	return append(dst, b[:]...)
}

// DecodePixelFormat reads the 13 meaningful bytes at the start of b.
func DecodePixelFormat(b []byte) (PixelFormat, error) {
	if len(b) < pixelFormatFieldsLen {
		return PixelFormat{}, protocolError("DecodePixelFormat",
			fmt.Sprintf("need %d bytes, got %d", pixelFormatFieldsLen, len(b)))
	}
	return PixelFormat{
		BitsPerPixel:  b[0],
		Depth:         b[1],
		BigEndianFlag: b[2],
		TrueColorFlag: b[3],
		RedMax:        binary.BigEndian.Uint16(b[4:6]),
		GreenMax:      binary.BigEndian.Uint16(b[6:8]),
		BlueMax:       binary.BigEndian.Uint16(b[8:10]),
		RedShift:      b[10],
		GreenShift:    b[11],
		BlueShift:     b[12],
	}, nil
}

// Validate checks pf for internal consistency. The connection itself never
// rejects a client format; this is used for server configuration.
func (pf PixelFormat) Validate() error {
	switch pf.BitsPerPixel {
	case 8, 16, 32:
	default:
		return NewError("PixelFormat.Validate", CodeConfiguration,
			fmt.Sprintf("bits per pixel must be 8, 16 or 32, got %d", pf.BitsPerPixel), nil)
	}

	if pf.Depth == 0 || pf.Depth > pf.BitsPerPixel {
		return NewError("PixelFormat.Validate", CodeConfiguration,
			fmt.Sprintf("depth %d must be in 1-%d", pf.Depth, pf.BitsPerPixel), nil)
	}

	if !pf.TrueColor() {
		return nil
	}

	if pf.RedMax == 0 && pf.GreenMax == 0 && pf.BlueMax == 0 {
		return NewError("PixelFormat.Validate", CodeConfiguration,
			"all colour maximums are zero in true colour mode", nil)
	}

	maxShift := pf.BitsPerPixel - 1
	if pf.RedShift > maxShift || pf.GreenShift > maxShift || pf.BlueShift > maxShift {
		return NewError("PixelFormat.Validate", CodeConfiguration,
			fmt.Sprintf("colour shift exceeds %d for %d-bit pixels", maxShift, pf.BitsPerPixel), nil)
	}

	bits := countBits(pf.RedMax) + countBits(pf.GreenMax) + countBits(pf.BlueMax)
	if bits > int(pf.Depth) {
		return NewError("PixelFormat.Validate", CodeConfiguration,
			fmt.Sprintf("colour components use %d bits, depth is %d", bits, pf.Depth), nil)
	}
	return nil
}

// countBits returns the number of bits needed to represent max.
func countBits(max uint16) int {
	n := 0
	for max > 0 {
		max >>= 1
		n++
	}
	return n
}
