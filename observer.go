package novarfb

import "github.com/gogogo1024/novarfb/protocol"

// Observer receives connection counters. internal/metrics provides the
// Prometheus implementation.
type Observer interface {
	ConnOpened()
	ConnClosed()
	MessageReceived(t protocol.MessageType)
	EventDropped(t protocol.MessageType)
	// ConnFailed reports the code of the error that stopped a connection,
	// -1 when it was not a protocol.Error.
	ConnFailed(code protocol.ErrorCode)
	BytesRead(n int)
	BytesWritten(n int)
}

type nopObserver struct{}

func (nopObserver) ConnOpened()                          {}
func (nopObserver) ConnClosed()                          {}
func (nopObserver) MessageReceived(protocol.MessageType) {}
func (nopObserver) EventDropped(protocol.MessageType)    {}
func (nopObserver) ConnFailed(protocol.ErrorCode)        {}
func (nopObserver) BytesRead(int)                        {}
func (nopObserver) BytesWritten(int)                     {}
