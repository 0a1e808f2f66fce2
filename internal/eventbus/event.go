// Package eventbus forwards decoded client messages to other processes.
package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gogogo1024/novarfb"
	"github.com/gogogo1024/novarfb/protocol"
)

// Event is the published form of one client message.
type Event struct {
	Conn    string          `json:"conn"`
	Type    string          `json:"type"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent captures m as seen on the connection carried by ctx.
func NewEvent(ctx context.Context, m protocol.ClientMessage, at time.Time) (Event, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Conn:    novarfb.ConnIDFromContext(ctx),
		Type:    m.Type().String(),
		Time:    at.UTC(),
		Payload: payload,
	}, nil
}

// Decode unmarshals Payload into the message type named by Type.
func (e Event) Decode() (protocol.ClientMessage, error) {
	var m protocol.ClientMessage
	switch e.Type {
	case protocol.TypeSetPixelFormat.String():
		m = &protocol.SetPixelFormat{}
	case protocol.TypeSetEncodings.String():
		m = &protocol.SetEncodings{}
	case protocol.TypeFramebufferUpdateRequest.String():
		m = &protocol.FramebufferUpdateRequest{}
	case protocol.TypeKeyEvent.String():
		m = &protocol.KeyEvent{}
	case protocol.TypePointerEvent.String():
		m = &protocol.PointerEvent{}
	case protocol.TypeClientCutText.String():
		m = &protocol.ClientCutText{}
	default:
		return nil, protocol.NewError("Event.Decode", protocol.CodeProtocol, "unknown event type "+e.Type, nil)
	}
	if err := json.Unmarshal(e.Payload, m); err != nil {
		return nil, err
	}
	return m, nil
}

// typeFilter is nil when every type passes.
type typeFilter map[protocol.MessageType]bool

func newTypeFilter(types []protocol.MessageType) typeFilter {
	if len(types) == 0 {
		return nil
	}
	f := make(typeFilter, len(types))
	for _, t := range types {
		f[t] = true
	}
	return f
}

func (f typeFilter) accepts(t protocol.MessageType) bool {
	return f == nil || f[t]
}
