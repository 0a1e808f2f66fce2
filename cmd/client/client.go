package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gogogo1024/novarfb/protocol"
)

// serverInfo is what the server reveals during the handshake.
type serverInfo struct {
	Version     protocol.Version
	Security    protocol.SecurityType
	Width       uint16
	Height      uint16
	PixelFormat protocol.PixelFormat
	Name        string
}

type clientOptions struct {
	version   protocol.Version
	password  string
	shared    bool
	timeout   time.Duration
	chunkSize int
	chunkGap  time.Duration
}

// rfbClient is the client side of one RFB connection.
type rfbClient struct {
	conn io.ReadWriteCloser
	opts clientOptions
}

type deadliner interface {
	SetDeadline(time.Time) error
}

func dial(addr string, opts clientOptions) (*rfbClient, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		d := websocket.Dialer{
			HandshakeTimeout: opts.timeout,
			Subprotocols:     []string{"binary"},
		}
		ws, _, err := d.Dial(addr, http.Header{})
		if err != nil {
			return nil, err
		}
		return &rfbClient{conn: &wsStream{ws: ws}, opts: opts}, nil
	}

	conn, err := net.DialTimeout("tcp", addr, opts.timeout)
	if err != nil {
		return nil, err
	}
	return &rfbClient{conn: conn, opts: opts}, nil
}

func (c *rfbClient) Close() error { return c.conn.Close() }

func (c *rfbClient) arm() {
	if d, ok := c.conn.(deadliner); ok && c.opts.timeout > 0 {
		_ = d.SetDeadline(time.Now().Add(c.opts.timeout))
	}
}

func (c *rfbClient) read(n int) ([]byte, error) {
	c.arm()
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// write sends p in chunks of chunkSize bytes, pausing chunkGap between them.
func (c *rfbClient) write(p []byte) error {
	size := c.opts.chunkSize
	if size <= 0 {
		size = len(p)
	}
	for len(p) > 0 {
		n := min(size, len(p))
		c.arm()
		if _, err := c.conn.Write(p[:n]); err != nil {
			return err
		}
		p = p[n:]
		if len(p) > 0 && c.opts.chunkGap > 0 {
			time.Sleep(c.opts.chunkGap)
		}
	}
	return nil
}

// Handshake runs version negotiation, security and initialisation.
func (c *rfbClient) Handshake() (*serverInfo, error) {
	b, err := c.read(protocol.VersionLen)
	if err != nil {
		return nil, fmt.Errorf("read server version: %w", err)
	}
	serverVersion, err := protocol.ParseVersion(b)
	if err != nil {
		return nil, err
	}

	version := c.opts.version
	if version == 0 || version > serverVersion {
		version = serverVersion
	}
	out, err := protocol.EncodeVersion(version)
	if err != nil {
		return nil, err
	}
	if err := c.write(out); err != nil {
		return nil, err
	}
	info := &serverInfo{Version: version}

	b, err = c.read(1)
	if err != nil {
		return nil, fmt.Errorf("read security types: %w", err)
	}
	offered, err := c.read(int(b[0]))
	if err != nil {
		return nil, fmt.Errorf("read security types: %w", err)
	}
	info.Security, err = c.chooseSecurity(offered)
	if err != nil {
		return nil, err
	}
	if err := c.write([]byte{byte(info.Security)}); err != nil {
		return nil, err
	}

	if info.Security == protocol.SecurityVNC {
		challenge, err := c.read(protocol.ChallengeLen)
		if err != nil {
			return nil, fmt.Errorf("read challenge: %w", err)
		}
		response, err := protocol.EncryptChallenge(c.opts.password, challenge)
		if err != nil {
			return nil, err
		}
		if err := c.write(response); err != nil {
			return nil, err
		}
	}
	if err := c.readSecurityResult(); err != nil {
		return nil, err
	}

	if err := c.write([]byte{boolByte(c.opts.shared)}); err != nil {
		return nil, err
	}
	if err := c.readServerInit(info); err != nil {
		return nil, err
	}
	return info, nil
}

func (c *rfbClient) chooseSecurity(offered []byte) (protocol.SecurityType, error) {
	want := protocol.SecurityNone
	if c.opts.password != "" {
		want = protocol.SecurityVNC
	}
	for _, t := range offered {
		if protocol.SecurityType(t) == want {
			return want, nil
		}
	}
	if len(offered) > 0 && protocol.SecurityType(offered[0]) == protocol.SecurityVNC {
		return 0, errors.New("server requires a password")
	}
	return 0, fmt.Errorf("server does not offer %s security", want)
}

func (c *rfbClient) readSecurityResult() error {
	b, err := c.read(4)
	if err != nil {
		return fmt.Errorf("read security result: %w", err)
	}
	if protocol.SecurityResult(binary.BigEndian.Uint32(b)) == protocol.SecurityResultOK {
		return nil
	}
	b, err = c.read(4)
	if err != nil {
		return errors.New("security handshake failed")
	}
	reason, err := c.read(int(binary.BigEndian.Uint32(b)))
	if err != nil {
		return errors.New("security handshake failed")
	}
	return fmt.Errorf("security handshake failed: %s", reason)
}

func (c *rfbClient) readServerInit(info *serverInfo) error {
	b, err := c.read(protocol.ServerInitHeaderLen)
	if err != nil {
		return fmt.Errorf("read server init: %w", err)
	}
	info.Width = binary.BigEndian.Uint16(b[0:2])
	info.Height = binary.BigEndian.Uint16(b[2:4])
	info.PixelFormat, err = protocol.DecodePixelFormat(b[4 : 4+protocol.PixelFormatLen])
	if err != nil {
		return err
	}
	name, err := c.read(int(binary.BigEndian.Uint32(b[4+protocol.PixelFormatLen:])))
	if err != nil {
		return fmt.Errorf("read desktop name: %w", err)
	}
	info.Name = string(name)
	return nil
}

// Send writes m in the configured chunk size.
func (c *rfbClient) Send(m protocol.ClientMessage) error {
	return c.write(m.Encode())
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// wsStream presents a WebSocket connection as a byte stream. Each Write is
// one binary message.
type wsStream struct {
	ws      *websocket.Conn
	pending []byte
}

func (s *wsStream) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		mt, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		if mt == websocket.BinaryMessage {
			s.pending = data
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) SetDeadline(t time.Time) error {
	if err := s.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return s.ws.SetWriteDeadline(t)
}

func (s *wsStream) Close() error {
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.ws.Close()
}
