package novarfb

import (
	"context"
	"sync"

	"github.com/gogogo1024/novarfb/protocol"
)

// Handler handles one decoded client message.
type Handler func(context.Context, protocol.ClientMessage) error

// Router is the default in-process message router. Messages with no
// registered handler are accepted and ignored. It is safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	handlers map[protocol.MessageType]Handler
	sinks    MultiDispatcher
}

func NewRouter() *Router {
	return &Router{handlers: make(map[protocol.MessageType]Handler)}
}

// Register binds h to message type t, replacing any earlier handler.
func (r *Router) Register(t protocol.MessageType, h Handler) {
	r.mu.Lock()
	r.handlers[t] = h
	r.mu.Unlock()
}

// Use adds a dispatcher that sees every message after the typed handler.
func (r *Router) Use(d Dispatcher) {
	r.mu.Lock()
	r.sinks = append(r.sinks, d)
	r.mu.Unlock()
}

func (r *Router) Dispatch(ctx context.Context, m protocol.ClientMessage) error {
	r.mu.RLock()
	h := r.handlers[m.Type()]
	sinks := r.sinks
	r.mu.RUnlock()

	if h != nil {
		if err := h(ctx, m); err != nil {
			return err
		}
	}
	return sinks.Dispatch(ctx, m)
}

// ConnClosed forwards to every sink implementing ConnCloser.
func (r *Router) ConnClosed(ctx context.Context) error {
	r.mu.RLock()
	sinks := r.sinks
	r.mu.RUnlock()
	return sinks.ConnClosed(ctx)
}
