package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failure on an RFB connection.
type ErrorCode int

const (
	// CodeProtocol is a value outside the protocol's defined domain.
	CodeProtocol ErrorCode = iota
	// CodeTransport is a read or write failure of the underlying stream.
	CodeTransport
	// CodeAuthentication is a failed security handshake.
	CodeAuthentication
	// CodeLimit is a peer-declared size above a configured bound.
	CodeLimit
	// CodeConfiguration is an invalid server setting.
	CodeConfiguration
)

func (c ErrorCode) String() string {
	switch c {
	case CodeProtocol:
		return "protocol"
	case CodeTransport:
		return "transport"
	case CodeAuthentication:
		return "authentication"
	case CodeLimit:
		return "limit"
	case CodeConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error carries the operation that failed along with its classification.
type Error struct {
	Op      string
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rfb %s: %s: %s: %v", e.Code, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("rfb %s: %s: %s", e.Code, e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same code and op.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code && e.Op == t.Op
	}
	return false
}

// NewError builds an *Error.
func NewError(op string, code ErrorCode, message string, err error) *Error {
	return &Error{Op: op, Code: code, Message: message, Err: err}
}

// CodeOf returns the code of err, or -1 when err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrorCode(-1)
}

// IsProtocolViolation reports whether err is fatal because of what the peer
// sent. Limit violations count as protocol violations.
func IsProtocolViolation(err error) bool {
	switch CodeOf(err) {
	case CodeProtocol, CodeLimit:
		return true
	}
	return false
}

// IsTransportError reports whether err came from the byte stream itself.
func IsTransportError(err error) bool {
	return CodeOf(err) == CodeTransport
}

func protocolError(op, message string) error {
	return NewError(op, CodeProtocol, message, nil)
}
