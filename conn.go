package novarfb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gogogo1024/novarfb/protocol"
)

var (
	// ErrNoSetup is returned by the serve functions when setup is nil.
	ErrNoSetup = errors.New("novarfb: setup is required")
	// ErrClosed is returned by a Conn after Close.
	ErrClosed = errors.New("novarfb: connection closed")
)

const (
	reasonAuthFailed      = "authentication failed"
	reasonUnsupportedType = "unsupported security type"
)

// Conn is the server side of one RFB connection: it assembles frames from
// transport chunks, runs the handshake and decodes client messages.
//
// A Conn is not safe for concurrent use; callers serialize Start,
// OnReadable and Close. Once a call fails the error is kept and returned by
// every later call, and the connection state no longer changes.
type Conn struct {
	id         string
	params     ServerParams
	limits     Limits
	transport  Transport
	dispatcher Dispatcher
	logger     *slog.Logger
	observer   Observer

	quota *ConnContext
	asm   *protocol.Assembler

	state     State
	session   ClientSession
	challenge []byte
	started   bool
	err       error
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

func WithDispatcher(d Dispatcher) ConnOption {
	return func(c *Conn) { c.dispatcher = d }
}

func WithConnLimits(l Limits) ConnOption {
	return func(c *Conn) { c.limits = l }
}

func WithConnLogger(l *slog.Logger) ConnOption {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithConnObserver(o Observer) ConnOption {
	return func(c *Conn) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithConnID sets the identifier used in logs.
func WithConnID(id string) ConnOption {
	return func(c *Conn) { c.id = id }
}

// NewConn returns a Conn in StateAwaitingClientVersion. Nothing is written
// until Start.
func NewConn(t Transport, params ServerParams, opts ...ConnOption) (*Conn, error) {
	if t == nil {
		return nil, protocol.NewError("NewConn", protocol.CodeConfiguration, "nil transport", nil)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	c := &Conn{
		params:    params,
		limits:    DefaultLimits(),
		transport: t,
		logger:    slog.Default(),
		observer:  nopObserver{},
		state:     StateAwaitingClientVersion,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dispatcher == nil {
		c.dispatcher = MultiDispatcher(nil)
	}
	c.quota = NewConnContext(c.limits)
	c.asm = protocol.NewAssembler(4 * 1024)
	c.session.PixelFormat = params.PixelFormat
	c.logger = c.logger.With("conn", c.id)
	return c, nil
}

// Start writes the server's ProtocolVersion. Calling it again does nothing.
func (c *Conn) Start() error {
	if c.err != nil {
		return c.err
	}
	if c.started {
		return nil
	}
	c.started = true

	v, err := protocol.EncodeVersion(c.params.Version)
	if err != nil {
		return c.fail(err)
	}
	if err := c.write(v); err != nil {
		return c.fail(err)
	}
	c.logger.Debug("sent server version", "version", c.params.Version)
	return nil
}

// OnReadable drains the transport and processes every complete frame. It
// returns once the transport has nothing more and the pending bytes cannot
// complete the current frame.
func (c *Conn) OnReadable(ctx context.Context) error {
	if c.err != nil {
		return c.err
	}
	if !c.started {
		if err := c.Start(); err != nil {
			return err
		}
	}

	for {
		chunk, err := c.transport.ReadChunk()
		if err != nil {
			return c.fail(protocol.NewError("ReadChunk", protocol.CodeTransport, "read failed", err))
		}
		if !c.asm.Append(chunk) {
			return nil
		}
		c.observer.BytesRead(len(chunk))
		if !c.quota.Reserve(len(chunk)) {
			return c.fail(protocol.NewError("OnReadable", protocol.CodeLimit,
				fmt.Sprintf("pending bytes %d exceed limit %d", c.quota.Used(), c.limits.MaxPending), nil))
		}
		if err := c.drain(ctx); err != nil {
			return c.fail(err)
		}
	}
}

// drain extracts and handles frames until the buffer runs short.
func (c *Conn) drain(ctx context.Context) error {
	for {
		n := frameLen(c.state, &c.session)
		if n < 0 {
			return protocol.NewError("drain", protocol.CodeProtocol,
				fmt.Sprintf("unreachable state %s", c.state), nil)
		}
		frame, ok := c.asm.TryExtract(n)
		if !ok {
			return nil
		}
		c.quota.Release(n)
		if err := c.step(ctx, frame); err != nil {
			return err
		}
	}
}

func (c *Conn) step(ctx context.Context, frame []byte) error {
	switch c.state {
	case StateAwaitingClientVersion:
		return c.onVersion(frame)
	case StateAwaitingClientSecurity:
		return c.onSecurity(frame[0])
	case StateAwaitingChallengeResponse:
		return c.onChallengeResponse(frame)
	case StateAwaitingClientInit:
		return c.onClientInit(frame[0])
	case StateAwaitingClientMessageHeader:
		t, err := protocol.ParseMessageType(frame[0])
		if err != nil {
			return err
		}
		c.observer.MessageReceived(t)
		c.transition(bodyState(t))
		return nil

	case StateAwaitingSetPixelFormatBody:
		m, err := protocol.DecodeSetPixelFormat(frame)
		if err != nil {
			return err
		}
		c.session.PixelFormat = m.PixelFormat
		return c.deliver(ctx, m)

	case StateAwaitingSetEncodingsHeader:
		n, err := protocol.DecodeSetEncodingsHeader(frame)
		if err != nil {
			return err
		}
		if c.limits.MaxEncodings > 0 && int(n) > c.limits.MaxEncodings {
			return protocol.NewError("SetEncodings", protocol.CodeLimit,
				fmt.Sprintf("encoding count %d exceeds limit %d", n, c.limits.MaxEncodings), nil)
		}
		c.session.EncodingCount = int(n)
		c.transition(StateAwaitingSetEncodingsValues)
		return nil

	case StateAwaitingSetEncodingsValues:
		m, err := protocol.DecodeEncodings(frame, c.session.EncodingCount)
		if err != nil {
			return err
		}
		c.session.Encodings = m.Encodings
		c.session.EncodingCount = 0
		if c.logger.Enabled(ctx, slog.LevelDebug) {
			c.logger.Debug("client encodings", "encodings", protocol.EncodingNames(m.Encodings))
		}
		return c.deliver(ctx, m)

	case StateAwaitingFramebufferUpdateRequestBody:
		m, err := protocol.DecodeFramebufferUpdateRequest(frame)
		if err != nil {
			return err
		}
		return c.deliver(ctx, m)

	case StateAwaitingKeyEventBody:
		m, err := protocol.DecodeKeyEvent(frame)
		if err != nil {
			return err
		}
		return c.deliverInput(ctx, m)

	case StateAwaitingPointerEventBody:
		m, err := protocol.DecodePointerEvent(frame)
		if err != nil {
			return err
		}
		return c.deliverInput(ctx, m)

	case StateAwaitingClientCutTextHeader:
		n, err := protocol.DecodeClientCutTextHeader(frame)
		if err != nil {
			return err
		}
		if c.limits.MaxCutText > 0 && uint64(n) > uint64(c.limits.MaxCutText) {
			return protocol.NewError("ClientCutText", protocol.CodeLimit,
				fmt.Sprintf("cut text length %d exceeds limit %d", n, c.limits.MaxCutText), nil)
		}
		c.session.PendingCutTextLength = n
		c.transition(StateAwaitingClientCutTextValue)
		return nil

	case StateAwaitingClientCutTextValue:
		m := protocol.DecodeClientCutText(frame)
		c.session.PendingCutTextLength = 0
		return c.deliver(ctx, m)

	default:
		return protocol.NewError("step", protocol.CodeProtocol,
			fmt.Sprintf("unreachable state %s", c.state), nil)
	}
}

func (c *Conn) onVersion(frame []byte) error {
	v, err := protocol.ParseVersion(frame)
	if err != nil {
		return err
	}
	types, err := protocol.EncodeSecurityTypes(c.params.SecurityTypes())
	if err != nil {
		return err
	}
	if err := c.write(types); err != nil {
		return err
	}
	c.session.Version = v
	c.transition(StateAwaitingClientSecurity)
	return nil
}

func (c *Conn) onSecurity(b byte) error {
	t, err := protocol.ParseSecurityType(b)
	if err != nil {
		return err
	}
	if !c.params.offers(t) {
		if err := c.write(protocol.EncodeSecurityResult(protocol.SecurityResultFailed, reasonUnsupportedType)); err != nil {
			return err
		}
		return protocol.NewError("ClientSecurity", protocol.CodeProtocol,
			fmt.Sprintf("security type %s was not offered", t), nil)
	}

	switch t {
	case protocol.SecurityVNC:
		challenge, err := protocol.NewChallenge()
		if err != nil {
			return err
		}
		if err := c.write(challenge); err != nil {
			return err
		}
		c.challenge = challenge
		c.session.SecurityType = t
		c.transition(StateAwaitingChallengeResponse)
	default:
		if err := c.write(protocol.EncodeSecurityResult(protocol.SecurityResultOK, "")); err != nil {
			return err
		}
		c.session.SecurityType = t
		c.transition(StateAwaitingClientInit)
	}
	return nil
}

func (c *Conn) onChallengeResponse(frame []byte) error {
	ok, err := protocol.VerifyChallenge(c.params.Password, c.challenge, frame)
	if err != nil {
		return err
	}
	if !ok {
		if err := c.write(protocol.EncodeSecurityResult(protocol.SecurityResultFailed, reasonAuthFailed)); err != nil {
			return err
		}
		return protocol.NewError("ChallengeResponse", protocol.CodeAuthentication, reasonAuthFailed, nil)
	}
	if err := c.write(protocol.EncodeSecurityResult(protocol.SecurityResultOK, "")); err != nil {
		return err
	}
	c.challenge = nil
	c.transition(StateAwaitingClientInit)
	return nil
}

func (c *Conn) onClientInit(b byte) error {
	init := &protocol.ServerInit{
		Width:       c.params.Width,
		Height:      c.params.Height,
		PixelFormat: c.params.PixelFormat,
		Name:        c.params.Name,
	}
	if err := c.write(init.Encode()); err != nil {
		return err
	}
	c.session.Shared = b != 0
	c.transition(StateAwaitingClientMessageHeader)
	return nil
}

// deliver returns to the header state and hands m to the dispatcher.
func (c *Conn) deliver(ctx context.Context, m protocol.ClientMessage) error {
	c.transition(StateAwaitingClientMessageHeader)
	c.logger.Debug("client message", "type", m.Type())
	return c.dispatcher.Dispatch(ctx, m)
}

// deliverInput is deliver for key and pointer events, which are subject to
// the input token bucket.
func (c *Conn) deliverInput(ctx context.Context, m protocol.ClientMessage) error {
	if !c.quota.Allow() {
		c.transition(StateAwaitingClientMessageHeader)
		c.observer.EventDropped(m.Type())
		return nil
	}
	return c.deliver(ctx, m)
}

func (c *Conn) transition(next State) {
	if next == c.state {
		return
	}
	c.logger.Debug("state transition", "from", c.state, "to", next)
	c.state = next
}

func (c *Conn) write(p []byte) error {
	if err := c.transport.Write(p); err != nil {
		return protocol.NewError("Write", protocol.CodeTransport, "write failed", err)
	}
	c.observer.BytesWritten(len(p))
	return nil
}

func (c *Conn) fail(err error) error {
	if c.err != nil {
		return c.err
	}
	c.err = err
	c.observer.ConnFailed(protocol.CodeOf(err))
	c.logger.Debug("connection failed", "state", c.state, "error", err)
	return err
}

// Close releases the pending buffer. Later calls return ErrClosed unless
// the connection had already failed.
func (c *Conn) Close() error {
	if c.err == nil {
		c.err = ErrClosed
	}
	c.quota.Release(c.quota.Used())
	c.asm = protocol.NewAssembler(0)
	return nil
}

// ID returns the identifier given by WithConnID.
func (c *Conn) ID() string { return c.id }

func (c *Conn) State() State { return c.state }

// Session returns a copy of the client session.
func (c *Conn) Session() ClientSession { return c.session.clone() }

// Err returns the error that stopped the connection, if any.
func (c *Conn) Err() error { return c.err }

// Pending reports the number of received bytes not yet consumed.
func (c *Conn) Pending() int { return c.asm.Len() }
