package novarfb

import (
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gogogo1024/novarfb/protocol"
)

// WebSocketHandler serves RFB over WebSocket the way websockify does: each
// binary message is one transport chunk and every server write goes out as
// one binary message.
func WebSocketHandler(setup SetupFunc, opts ...ServeOption) (http.Handler, error) {
	cfg := newServeConfig(opts)
	router, err := cfg.newRouter(setup)
	if err != nil {
		return nil, err
	}
	return &wsHandler{
		cfg:    cfg,
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readChunkSize,
			WriteBufferSize: readChunkSize,
			Subprotocols:    []string{"binary"},
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

type wsHandler struct {
	cfg      *serveConfig
	router   *Router
	upgrader websocket.Upgrader
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.cfg.logger.Warn("websocket upgrade failed", "peer", r.RemoteAddr, "error", err)
		return
	}
	defer ws.Close()
	if n := h.cfg.limits.MaxPending; n > 0 {
		ws.SetReadLimit(int64(n))
	}

	read := func() ([]byte, error) {
		return readMessage(ws, h.cfg.idleTimeout)
	}
	write := func(p []byte) error {
		if h.cfg.writeTimeout > 0 {
			_ = ws.SetWriteDeadline(time.Now().Add(h.cfg.writeTimeout))
		}
		return ws.WriteMessage(websocket.BinaryMessage, p)
	}
	if err := h.cfg.serveTransport(r.Context(), "ws", r.RemoteAddr, h.router, read, write); err != nil {
		h.cfg.logger.Warn("conn error", "peer", r.RemoteAddr, "error", err)
	}
}

// readMessage returns the next binary message. Text messages are skipped.
// A close frame, an idle timeout or a dropped stream is reported as io.EOF.
// A message over the read limit is a CodeLimit error.
func readMessage(ws *websocket.Conn, idle time.Duration) ([]byte, error) {
	for {
		if idle > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(idle))
		}
		mt, msg, err := ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, protocol.NewError("ReadMessage", protocol.CodeLimit, "message exceeds read limit", err)
			}
			var ne net.Error
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				(errors.As(err, &ne) && ne.Timeout()) ||
				errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				return nil, io.EOF
			}
			return nil, err
		}
		if mt == websocket.BinaryMessage {
			return msg, nil
		}
	}
}
