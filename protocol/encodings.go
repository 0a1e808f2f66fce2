package protocol

import (
	"fmt"
	"strings"
	"sync"
)

// Well-known encoding and pseudo-encoding identifiers.
const (
	EncodingRaw         int32 = 0
	EncodingCopyRect    int32 = 1
	EncodingRRE         int32 = 2
	EncodingHextile     int32 = 5
	EncodingTight       int32 = 7
	EncodingZRLE        int32 = 16
	EncodingDesktopSize int32 = -223
	EncodingLastRect    int32 = -224
	EncodingCursor      int32 = -239
	EncodingDesktopName int32 = -307
)

var (
	encodingNamesMu sync.RWMutex
	encodingNames   = map[int32]string{
		EncodingRaw:         "Raw",
		EncodingCopyRect:    "CopyRect",
		EncodingRRE:         "RRE",
		EncodingHextile:     "Hextile",
		EncodingTight:       "Tight",
		EncodingZRLE:        "ZRLE",
		EncodingDesktopSize: "DesktopSize",
		EncodingLastRect:    "LastRect",
		EncodingCursor:      "Cursor",
		EncodingDesktopName: "DesktopName",
	}
)

// RegisterEncodingName binds a display name to an encoding identifier.
// Binding a second, different name to the same identifier panics.
func RegisterEncodingName(id int32, name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		panic("RegisterEncodingName: empty name")
	}

	encodingNamesMu.Lock()
	defer encodingNamesMu.Unlock()
	if existing, ok := encodingNames[id]; ok && existing != name {
		panic(fmt.Sprintf("encoding %d already bound to %q (attempted %q)", id, existing, name))
	}
	encodingNames[id] = name
}

// EncodingName returns the registered name for id, or a numeric fallback.
func EncodingName(id int32) string {
	encodingNamesMu.RLock()
	name, ok := encodingNames[id]
	encodingNamesMu.RUnlock()
	if ok {
		return name
	}
	if id >= -256 && id <= -247 {
		return fmt.Sprintf("CompressLevel%d", id+256)
	}
	if id >= -32 && id <= -23 {
		return fmt.Sprintf("QualityLevel%d", id+32)
	}
	return fmt.Sprintf("Encoding(%d)", id)
}

// EncodingNames maps each identifier in ids through EncodingName.
func EncodingNames(ids []int32) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = EncodingName(id)
	}
	return out
}
