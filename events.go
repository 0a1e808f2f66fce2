package novarfb

import (
	"context"

	"github.com/gogogo1024/novarfb/protocol"
)

// Dispatcher receives every client message a connection decodes, in wire
// order. A returned error is fatal to the connection.
type Dispatcher interface {
	Dispatch(ctx context.Context, m protocol.ClientMessage) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, m protocol.ClientMessage) error

func (f DispatcherFunc) Dispatch(ctx context.Context, m protocol.ClientMessage) error {
	return f(ctx, m)
}

// ConnCloser is implemented by dispatchers that keep per-connection state.
// ConnClosed is called once with the connection's context when it ends.
type ConnCloser interface {
	ConnClosed(ctx context.Context) error
}

// Events is a Dispatcher with one typed hook per message kind. Nil hooks
// are skipped.
type Events struct {
	OnSetPixelFormat           func(context.Context, *protocol.SetPixelFormat) error
	OnSetEncodings             func(context.Context, *protocol.SetEncodings) error
	OnFramebufferUpdateRequest func(context.Context, *protocol.FramebufferUpdateRequest) error
	OnKeyEvent                 func(context.Context, *protocol.KeyEvent) error
	OnPointerEvent             func(context.Context, *protocol.PointerEvent) error
	OnClientCutText            func(context.Context, *protocol.ClientCutText) error
}

func (e *Events) Dispatch(ctx context.Context, m protocol.ClientMessage) error {
	switch m := m.(type) {
	case *protocol.SetPixelFormat:
		if e.OnSetPixelFormat != nil {
			return e.OnSetPixelFormat(ctx, m)
		}
	case *protocol.SetEncodings:
		if e.OnSetEncodings != nil {
			return e.OnSetEncodings(ctx, m)
		}
	case *protocol.FramebufferUpdateRequest:
		if e.OnFramebufferUpdateRequest != nil {
			return e.OnFramebufferUpdateRequest(ctx, m)
		}
	case *protocol.KeyEvent:
		if e.OnKeyEvent != nil {
			return e.OnKeyEvent(ctx, m)
		}
	case *protocol.PointerEvent:
		if e.OnPointerEvent != nil {
			return e.OnPointerEvent(ctx, m)
		}
	case *protocol.ClientCutText:
		if e.OnClientCutText != nil {
			return e.OnClientCutText(ctx, m)
		}
	}
	return nil
}

// MultiDispatcher delivers to each dispatcher in order and stops at the
// first error.
type MultiDispatcher []Dispatcher

func (md MultiDispatcher) Dispatch(ctx context.Context, m protocol.ClientMessage) error {
	for _, d := range md {
		if err := d.Dispatch(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (md MultiDispatcher) ConnClosed(ctx context.Context) error {
	var first error
	for _, d := range md {
		if c, ok := d.(ConnCloser); ok {
			if err := c.ConnClosed(ctx); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

type connIDKey struct{}

// ContextWithConnID tags ctx with the connection identifier.
func ContextWithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey{}, id)
}

// ConnIDFromContext returns the identifier set by ContextWithConnID, or "".
func ConnIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(connIDKey{}).(string)
	return id
}
