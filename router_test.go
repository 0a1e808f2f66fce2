package novarfb

import (
	"context"
	"errors"
	"testing"

	"github.com/gogogo1024/novarfb/protocol"
)

type closeTracker struct {
	messageLog
	closed []string
}

func (c *closeTracker) ConnClosed(ctx context.Context) error {
	c.closed = append(c.closed, ConnIDFromContext(ctx))
	return nil
}

func TestRouterIgnoresUnregisteredTypes(t *testing.T) {
	r := NewRouter()
	if err := r.Dispatch(context.Background(), &protocol.KeyEvent{Key: 1}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
}

func TestRouterHandlerThenSinks(t *testing.T) {
	var order []string
	r := NewRouter()
	r.Register(protocol.TypeKeyEvent, func(context.Context, protocol.ClientMessage) error {
		order = append(order, "handler")
		return nil
	})
	r.Use(DispatcherFunc(func(context.Context, protocol.ClientMessage) error {
		order = append(order, "sink")
		return nil
	}))

	if err := r.Dispatch(context.Background(), &protocol.KeyEvent{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(order) != 2 || order[0] != "handler" || order[1] != "sink" {
		t.Fatalf("order=%v", order)
	}

	order = nil
	if err := r.Dispatch(context.Background(), &protocol.PointerEvent{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(order) != 1 || order[0] != "sink" {
		t.Fatalf("order=%v", order)
	}
}

func TestRouterHandlerErrorSkipsSinks(t *testing.T) {
	boom := errors.New("boom")
	sink := &messageLog{}
	r := NewRouter()
	r.Register(protocol.TypeClientCutText, func(context.Context, protocol.ClientMessage) error { return boom })
	r.Use(sink)

	if err := r.Dispatch(context.Background(), &protocol.ClientCutText{}); !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if len(sink.msgs) != 0 {
		t.Fatalf("sink saw a message after handler error")
	}
}

func TestRouterConnClosedReachesSinks(t *testing.T) {
	tracker := &closeTracker{}
	r := NewRouter()
	r.Use(&messageLog{})
	r.Use(tracker)

	ctx := ContextWithConnID(context.Background(), "tcp-7")
	if err := r.ConnClosed(ctx); err != nil {
		t.Fatalf("ConnClosed: %v", err)
	}
	if len(tracker.closed) != 1 || tracker.closed[0] != "tcp-7" {
		t.Fatalf("closed=%v", tracker.closed)
	}
}

func TestEventsDispatchTyped(t *testing.T) {
	var got []string
	e := &Events{
		OnSetPixelFormat: func(context.Context, *protocol.SetPixelFormat) error {
			got = append(got, "pf")
			return nil
		},
		OnSetEncodings: func(_ context.Context, m *protocol.SetEncodings) error {
			got = append(got, protocol.EncodingName(m.Encodings[0]))
			return nil
		},
		OnFramebufferUpdateRequest: func(_ context.Context, m *protocol.FramebufferUpdateRequest) error {
			if m.Incremental {
				got = append(got, "fbur-inc")
			}
			return nil
		},
		OnPointerEvent: func(context.Context, *protocol.PointerEvent) error {
			got = append(got, "ptr")
			return nil
		},
	}

	msgs := []protocol.ClientMessage{
		&protocol.SetPixelFormat{},
		&protocol.SetEncodings{Encodings: []int32{protocol.EncodingHextile}},
		&protocol.FramebufferUpdateRequest{Incremental: true},
		&protocol.KeyEvent{}, // no hook
		&protocol.PointerEvent{},
		&protocol.ClientCutText{}, // no hook
	}
	for _, m := range msgs {
		if err := e.Dispatch(context.Background(), m); err != nil {
			t.Fatalf("Dispatch(%s): %v", m.Type(), err)
		}
	}
	want := []string{"pf", "Hextile", "fbur-inc", "ptr"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestMultiDispatcherStopsAtFirstError(t *testing.T) {
	boom := errors.New("boom")
	after := &messageLog{}
	md := MultiDispatcher{
		&messageLog{},
		DispatcherFunc(func(context.Context, protocol.ClientMessage) error { return boom }),
		after,
	}
	if err := md.Dispatch(context.Background(), &protocol.KeyEvent{}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(after.msgs) != 0 {
		t.Fatalf("dispatcher after the failing one was called")
	}
}

func TestConnIDFromContext(t *testing.T) {
	if got := ConnIDFromContext(context.Background()); got != "" {
		t.Fatalf("expected empty id, got %q", got)
	}
	if got := ConnIDFromContext(ContextWithConnID(context.Background(), "ws-1")); got != "ws-1" {
		t.Fatalf("got %q", got)
	}
}
