package recording

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gogogo1024/novarfb/protocol"
)

// Entry is one recorded event and the delay before it.
type Entry struct {
	Delay   time.Duration
	Message protocol.ClientMessage
}

// ReadRecording parses a gzip compressed recording. Blank lines and lines
// starting with '#' are skipped.
func ReadRecording(r io.Reader) ([]Entry, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	var entries []Entry
	scanner := bufio.NewScanner(gz)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		s := strings.SplitN(text, ":", 2)
		if len(s) != 2 {
			return nil, fmt.Errorf("line %d: malformed entry %q", line, text)
		}
		ns, err := strconv.ParseInt(s[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid delay: %w", line, err)
		}
		m, err := ParseEvent(s[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		entries = append(entries, Entry{Delay: time.Duration(ns), Message: m})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// ParseEvent parses "KeyEvent,<down>,<keysym>" or
// "PointerEvent,<mask>,<x>,<y>".
func ParseEvent(cmd string) (protocol.ClientMessage, error) {
	fields := strings.Split(cmd, ",")

	switch fields[0] {
	case "KeyEvent":
		if len(fields) != 3 {
			return nil, fmt.Errorf("expected 2 values for KeyEvent, got %v", len(fields)-1)
		}
		down, err := strconv.ParseBool(fields[1])
		if err != nil {
			return nil, fmt.Errorf("invalid KeyEvent: %v", err)
		}
		key, err := strconv.ParseUint(fields[2], 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid KeyEvent: %v", err)
		}
		return &protocol.KeyEvent{Down: down, Key: uint32(key)}, nil

	case "PointerEvent":
		if len(fields) != 4 {
			return nil, fmt.Errorf("expected 3 values for PointerEvent, got %v", len(fields)-1)
		}
		mask, err := strconv.ParseUint(fields[1], 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid PointerEvent: %v", err)
		}
		x, err := strconv.ParseUint(fields[2], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid PointerEvent: %v", err)
		}
		y, err := strconv.ParseUint(fields[3], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid PointerEvent: %v", err)
		}
		return &protocol.PointerEvent{Buttons: protocol.ButtonMask(mask), X: uint16(x), Y: uint16(y)}, nil
	}

	return nil, fmt.Errorf("invalid event type: %v", fields[0])
}
