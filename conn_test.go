package novarfb

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/gogogo1024/novarfb/protocol"
)

type messageLog struct {
	msgs []protocol.ClientMessage
}

func (l *messageLog) Dispatch(_ context.Context, m protocol.ClientMessage) error {
	l.msgs = append(l.msgs, m)
	return nil
}

type countingObserver struct {
	nopObserver
	dropped int
	failed  []protocol.ErrorCode
}

func (o *countingObserver) EventDropped(protocol.MessageType) { o.dropped++ }
func (o *countingObserver) ConnFailed(c protocol.ErrorCode)   { o.failed = append(o.failed, c) }

type harness struct {
	t   *testing.T
	c   *Conn
	tr  *ChunkTransport
	out bytes.Buffer
	log messageLog
}

func newHarness(t *testing.T, params ServerParams, opts ...ConnOption) *harness {
	t.Helper()
	h := &harness{t: t}
	h.tr = NewChunkTransport(func(p []byte) error {
		h.out.Write(p)
		return nil
	})
	opts = append([]ConnOption{WithDispatcher(&h.log), WithConnLimits(unlimitedInput())}, opts...)
	c, err := NewConn(h.tr, params, opts...)
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	h.c = c
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.out.Reset()
	return h
}

func unlimitedInput() Limits {
	l := DefaultLimits()
	l.InputRate = 0
	return l
}

// feed delivers each chunk followed by a readiness notification.
func (h *harness) feed(chunks ...[]byte) error {
	for _, c := range chunks {
		h.tr.Push(c)
		if err := h.c.OnReadable(context.Background()); err != nil {
			return err
		}
	}
	return nil
}

func (h *harness) mustFeed(chunks ...[]byte) {
	h.t.Helper()
	if err := h.feed(chunks...); err != nil {
		h.t.Fatalf("feed: %v", err)
	}
}

func (h *harness) takeOutput() []byte {
	out := append([]byte(nil), h.out.Bytes()...)
	h.out.Reset()
	return out
}

func clientHandshake() []byte {
	b := []byte("RFB 003.008\n")
	b = append(b, byte(protocol.SecurityNone)) // security
	return append(b, 1)                        // shared
}

func TestConnStartWritesServerVersion(t *testing.T) {
	var out bytes.Buffer
	tr := NewChunkTransport(func(p []byte) error { out.Write(p); return nil })
	params := DefaultServerParams()
	params.Version = protocol.Version3_7
	c, err := NewConn(tr, params)
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := out.String(); got != "RFB 003.007\n" {
		t.Fatalf("server version=%q", got)
	}
	if c.State() != StateAwaitingClientVersion {
		t.Fatalf("state=%s", c.State())
	}
}

func TestConnVersionWritesSecurityTypes(t *testing.T) {
	h := newHarness(t, DefaultServerParams())
	h.mustFeed([]byte("RFB 003.008\n"))

	if got := h.takeOutput(); !bytes.Equal(got, []byte{0x01, 0x01}) {
		t.Fatalf("security types=% x, want 01 01", got)
	}
	if h.c.State() != StateAwaitingClientSecurity {
		t.Fatalf("state=%s, want AwaitingClientSecurity", h.c.State())
	}
	if h.c.Session().Version != protocol.Version3_8 {
		t.Fatalf("client version=%s", h.c.Session().Version)
	}
}

func TestConnSecurityNoneWritesOK(t *testing.T) {
	h := newHarness(t, DefaultServerParams())
	h.mustFeed([]byte("RFB 003.003\n"))
	h.takeOutput()

	h.mustFeed([]byte{0x01})
	if got := h.takeOutput(); !bytes.Equal(got, []byte{0, 0, 0, 0}) {
		t.Fatalf("security result=% x, want 00 00 00 00", got)
	}
	if h.c.State() != StateAwaitingClientInit {
		t.Fatalf("state=%s, want AwaitingClientInit", h.c.State())
	}
}

func TestConnClientInitWritesServerInit(t *testing.T) {
	params := DefaultServerParams()
	params.Width, params.Height, params.Name = 1280, 720, "device-1"
	h := newHarness(t, params)
	h.mustFeed([]byte("RFB 003.008\n"), []byte{0x01})
	h.takeOutput()

	h.mustFeed([]byte{0x01})
	got := h.takeOutput()
	if len(got) != 24+len(params.Name) {
		t.Fatalf("ServerInit len=%d, want %d", len(got), 24+len(params.Name))
	}
	want := (&protocol.ServerInit{Width: 1280, Height: 720, PixelFormat: params.PixelFormat, Name: "device-1"}).Encode()
	if !bytes.Equal(got, want) {
		t.Fatalf("ServerInit=% x\nwant      % x", got, want)
	}
	if !h.c.Session().Shared {
		t.Fatalf("expected shared flag to be recorded")
	}
	if h.c.State() != StateAwaitingClientMessageHeader {
		t.Fatalf("state=%s", h.c.State())
	}
}

func sampleStream() []byte {
	stream := clientHandshake()
	msgs := []protocol.ClientMessage{
		&protocol.SetPixelFormat{PixelFormat: protocol.PixelFormat{
			BitsPerPixel: 16, Depth: 16, TrueColorFlag: 1,
			RedMax: 31, GreenMax: 63, BlueMax: 31, RedShift: 11, GreenShift: 5,
		}},
		&protocol.SetEncodings{Encodings: []int32{protocol.EncodingZRLE, protocol.EncodingRaw, protocol.EncodingCursor}},
		&protocol.SetEncodings{Encodings: []int32{}},
		&protocol.FramebufferUpdateRequest{Incremental: true, Width: 800, Height: 600},
		&protocol.KeyEvent{Down: true, Key: 0x61},
		&protocol.KeyEvent{Down: false, Key: 0x61},
		&protocol.PointerEvent{Buttons: protocol.ButtonLeft, X: 10, Y: 20},
		&protocol.ClientCutText{Text: []byte("hello")},
		&protocol.ClientCutText{Text: []byte{}},
		&protocol.SetEncodings{Encodings: []int32{}},
	}
	for _, m := range msgs {
		stream = append(stream, m.Encode()...)
	}
	return stream
}

type runResult struct {
	out     []byte
	msgs    []protocol.ClientMessage
	state   State
	session ClientSession
}

func runChunks(t *testing.T, chunks [][]byte) runResult {
	t.Helper()
	h := newHarness(t, DefaultServerParams())
	h.mustFeed(chunks...)
	if h.c.Pending() != 0 {
		t.Fatalf("pending=%d after full stream", h.c.Pending())
	}
	return runResult{out: h.takeOutput(), msgs: h.log.msgs, state: h.c.State(), session: h.c.Session()}
}

func TestConnChunkBoundaryInvariance(t *testing.T) {
	stream := sampleStream()
	whole := runChunks(t, [][]byte{stream})

	if len(whole.msgs) != 10 {
		t.Fatalf("decoded %d messages, want 10", len(whole.msgs))
	}
	if whole.state != StateAwaitingClientMessageHeader {
		t.Fatalf("final state=%s", whole.state)
	}

	check := func(name string, got runResult) {
		t.Helper()
		if !bytes.Equal(got.out, whole.out) {
			t.Fatalf("%s: output differs\n got % x\nwant % x", name, got.out, whole.out)
		}
		if !reflect.DeepEqual(got.msgs, whole.msgs) {
			t.Fatalf("%s: messages differ", name)
		}
		if got.state != whole.state || !reflect.DeepEqual(got.session, whole.session) {
			t.Fatalf("%s: final state differs", name)
		}
	}

	for i := 1; i < len(stream); i++ {
		check("split", runChunks(t, [][]byte{stream[:i], stream[i:]}))
	}

	bytewise := make([][]byte, len(stream))
	for i := range stream {
		bytewise[i] = stream[i : i+1]
	}
	check("byte-at-a-time", runChunks(t, bytewise))

	for _, size := range []int{2, 3, 5, 7, 13} {
		var chunks [][]byte
		for i := 0; i < len(stream); i += size {
			end := i + size
			if end > len(stream) {
				end = len(stream)
			}
			chunks = append(chunks, stream[i:end])
		}
		check("fixed-size", runChunks(t, chunks))
	}
}

func TestConnZeroCountSetEncodingsDoesNotDesync(t *testing.T) {
	h := newHarness(t, DefaultServerParams())
	h.mustFeed(clientHandshake())

	// A zero-count SetEncodings completes with nothing else buffered.
	h.mustFeed([]byte{byte(protocol.TypeSetEncodings), 0, 0, 0})
	if len(h.log.msgs) != 1 {
		t.Fatalf("expected zero-count SetEncodings to be dispatched, got %d messages", len(h.log.msgs))
	}
	if h.c.State() != StateAwaitingClientMessageHeader {
		t.Fatalf("state=%s", h.c.State())
	}

	h.mustFeed(append([]byte{byte(protocol.TypeSetEncodings), 0, 0, 0}, (&protocol.KeyEvent{Down: true, Key: 0x41}).Encode()...))
	if len(h.log.msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(h.log.msgs))
	}
	key, ok := h.log.msgs[2].(*protocol.KeyEvent)
	if !ok || key.Key != 0x41 || !key.Down {
		t.Fatalf("third message=%#v, want KeyEvent 0x41 down", h.log.msgs[2])
	}
}

func TestConnUnknownMessageTypeIsFatal(t *testing.T) {
	h := newHarness(t, DefaultServerParams())
	h.mustFeed(clientHandshake())
	h.takeOutput()
	before := h.c.Session()

	err := h.feed([]byte{0xFF})
	if !protocol.IsProtocolViolation(err) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if h.c.State() != StateAwaitingClientMessageHeader {
		t.Fatalf("state changed to %s", h.c.State())
	}

	// Later input is neither decoded nor answered.
	err2 := h.feed((&protocol.KeyEvent{Down: true, Key: 1}).Encode())
	if err2 != err {
		t.Fatalf("expected sticky error %v, got %v", err, err2)
	}
	if len(h.log.msgs) != 0 || h.out.Len() != 0 {
		t.Fatalf("connection mutated after fatal error")
	}
	if !reflect.DeepEqual(h.c.Session(), before) || h.c.Err() != err {
		t.Fatalf("session or error changed after fatal error")
	}
}

func TestConnSetPixelFormatConsumesExactly19Bytes(t *testing.T) {
	h := newHarness(t, DefaultServerParams())
	h.mustFeed(clientHandshake())

	pf := protocol.PixelFormat{
		BitsPerPixel: 8, Depth: 8, TrueColorFlag: 1,
		RedMax: 7, GreenMax: 7, BlueMax: 3, RedShift: 5, GreenShift: 2,
	}
	msg := (&protocol.SetPixelFormat{PixelFormat: pf}).Encode()
	if len(msg) != 1+19 {
		t.Fatalf("encoded SetPixelFormat len=%d", len(msg))
	}

	// Header, the 19-byte body, and the first byte of the next message.
	h.mustFeed(append(msg, byte(protocol.TypeFramebufferUpdateRequest)))

	if got := h.c.Session().PixelFormat; got != pf {
		t.Fatalf("client pixel format=%s, want %s", got, pf)
	}
	if h.c.State() != StateAwaitingFramebufferUpdateRequestBody {
		t.Fatalf("state=%s, want AwaitingFramebufferUpdateRequestBody", h.c.State())
	}
	if h.c.Pending() != 0 {
		t.Fatalf("pending=%d, want 0", h.c.Pending())
	}
}

func TestConnRejectsUnsupportedVersion(t *testing.T) {
	h := newHarness(t, DefaultServerParams())
	err := h.feed([]byte("RFB 003.889\n"))
	if !protocol.IsProtocolViolation(err) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if h.out.Len() != 0 {
		t.Fatalf("unexpected output % x", h.out.Bytes())
	}
}

func TestConnRejectsUnknownSecurityType(t *testing.T) {
	h := newHarness(t, DefaultServerParams())
	h.mustFeed([]byte("RFB 003.008\n"))
	h.takeOutput()

	if err := h.feed([]byte{0x05}); !protocol.IsProtocolViolation(err) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if h.out.Len() != 0 {
		t.Fatalf("unexpected output % x", h.out.Bytes())
	}
}

func TestConnRejectsSecurityTypeNotOffered(t *testing.T) {
	h := newHarness(t, DefaultServerParams())
	h.mustFeed([]byte("RFB 003.008\n"))
	h.takeOutput()

	err := h.feed([]byte{byte(protocol.SecurityVNC)})
	if !protocol.IsProtocolViolation(err) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	want := protocol.EncodeSecurityResult(protocol.SecurityResultFailed, "unsupported security type")
	if got := h.takeOutput(); !bytes.Equal(got, want) {
		t.Fatalf("security result=% x, want % x", got, want)
	}
}

func TestConnVNCAuthentication(t *testing.T) {
	params := DefaultServerParams()
	params.Password = "secret"

	t.Run("success", func(t *testing.T) {
		h := newHarness(t, params)
		h.mustFeed([]byte("RFB 003.008\n"))
		if got := h.takeOutput(); !bytes.Equal(got, []byte{0x01, 0x02}) {
			t.Fatalf("security types=% x, want 01 02", got)
		}

		h.mustFeed([]byte{byte(protocol.SecurityVNC)})
		challenge := h.takeOutput()
		if len(challenge) != protocol.ChallengeLen {
			t.Fatalf("challenge len=%d", len(challenge))
		}
		if h.c.State() != StateAwaitingChallengeResponse {
			t.Fatalf("state=%s", h.c.State())
		}

		resp, err := protocol.EncryptChallenge("secret", challenge)
		if err != nil {
			t.Fatalf("EncryptChallenge: %v", err)
		}
		h.mustFeed(resp[:5], resp[5:])
		if got := h.takeOutput(); !bytes.Equal(got, []byte{0, 0, 0, 0}) {
			t.Fatalf("security result=% x", got)
		}
		if h.c.State() != StateAwaitingClientInit {
			t.Fatalf("state=%s", h.c.State())
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		h := newHarness(t, params)
		h.mustFeed([]byte("RFB 003.008\n"), []byte{byte(protocol.SecurityVNC)})
		challenge := h.takeOutput()[2:]

		resp, _ := protocol.EncryptChallenge("guess", challenge)
		err := h.feed(resp)
		if protocol.CodeOf(err) != protocol.CodeAuthentication {
			t.Fatalf("expected authentication error, got %v", err)
		}
		want := protocol.EncodeSecurityResult(protocol.SecurityResultFailed, "authentication failed")
		if got := h.takeOutput(); !bytes.Equal(got, want) {
			t.Fatalf("security result=% x, want % x", got, want)
		}
	})

	t.Run("none not offered", func(t *testing.T) {
		h := newHarness(t, params)
		h.mustFeed([]byte("RFB 003.008\n"))
		if err := h.feed([]byte{byte(protocol.SecurityNone)}); !protocol.IsProtocolViolation(err) {
			t.Fatalf("expected protocol violation, got %v", err)
		}
	})
}

func TestConnLimits(t *testing.T) {
	t.Run("encodings", func(t *testing.T) {
		h := newHarness(t, DefaultServerParams())
		h.mustFeed(clientHandshake())
		err := h.feed([]byte{byte(protocol.TypeSetEncodings), 0, 0x07, 0xD0}) // 2000
		if protocol.CodeOf(err) != protocol.CodeLimit || !protocol.IsProtocolViolation(err) {
			t.Fatalf("expected limit violation, got %v", err)
		}
	})

	t.Run("cut text", func(t *testing.T) {
		l := unlimitedInput()
		l.MaxCutText = 8
		h := newHarness(t, DefaultServerParams(), WithConnLimits(l))
		h.mustFeed(clientHandshake())
		err := h.feed((&protocol.ClientCutText{Text: []byte("nine bytes")}).Encode())
		if protocol.CodeOf(err) != protocol.CodeLimit {
			t.Fatalf("expected limit violation, got %v", err)
		}
		if len(h.log.msgs) != 0 {
			t.Fatalf("oversized cut text was dispatched")
		}
	})

	t.Run("pending", func(t *testing.T) {
		l := unlimitedInput()
		l.MaxPending = 8
		h := newHarness(t, DefaultServerParams(), WithConnLimits(l))
		err := h.feed([]byte("RFB 003.008\n"))
		if protocol.CodeOf(err) != protocol.CodeLimit {
			t.Fatalf("expected limit violation, got %v", err)
		}
	})
}

func TestConnDropsInputOverRate(t *testing.T) {
	obs := &countingObserver{}
	l := DefaultLimits()
	l.InputRate, l.InputBurst = 1, 1
	h := newHarness(t, DefaultServerParams(), WithConnLimits(l), WithConnObserver(obs))
	h.mustFeed(clientHandshake())

	var in []byte
	for i := 0; i < 3; i++ {
		in = append(in, (&protocol.PointerEvent{X: uint16(i)}).Encode()...)
	}
	in = append(in, (&protocol.FramebufferUpdateRequest{Width: 1, Height: 1}).Encode()...)
	h.mustFeed(in)

	if len(h.log.msgs) != 2 {
		t.Fatalf("dispatched %d messages, want 2", len(h.log.msgs))
	}
	if obs.dropped != 2 {
		t.Fatalf("dropped=%d, want 2", obs.dropped)
	}
	if _, ok := h.log.msgs[1].(*protocol.FramebufferUpdateRequest); !ok {
		t.Fatalf("framing lost after dropped events: %#v", h.log.msgs[1])
	}
}

func TestConnDispatcherErrorIsFatal(t *testing.T) {
	boom := errors.New("boom")
	obs := &countingObserver{}
	h := newHarness(t, DefaultServerParams(),
		WithDispatcher(DispatcherFunc(func(context.Context, protocol.ClientMessage) error { return boom })),
		WithConnObserver(obs))
	h.mustFeed(clientHandshake())

	if err := h.feed((&protocol.KeyEvent{Key: 1}).Encode()); !errors.Is(err, boom) {
		t.Fatalf("expected dispatcher error, got %v", err)
	}
	if len(obs.failed) != 1 || obs.failed[0] != -1 {
		t.Fatalf("failed codes=%v", obs.failed)
	}
}

func TestConnTransportWriteErrorIsTransportError(t *testing.T) {
	tr := NewChunkTransport(func([]byte) error { return errors.New("broken pipe") })
	c, err := NewConn(tr, DefaultServerParams())
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	if err := c.Start(); !protocol.IsTransportError(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if err := c.OnReadable(context.Background()); !protocol.IsTransportError(err) {
		t.Fatalf("expected sticky transport error, got %v", err)
	}
}

func TestConnCloseIsSticky(t *testing.T) {
	h := newHarness(t, DefaultServerParams())
	h.mustFeed([]byte("RFB 003"))
	if err := h.c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.feed([]byte(".008\n")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if h.c.Pending() != 0 {
		t.Fatalf("pending=%d after Close", h.c.Pending())
	}
}

func TestNewConnValidatesParams(t *testing.T) {
	tr := NewChunkTransport(func([]byte) error { return nil })
	params := DefaultServerParams()
	params.Version = protocol.Version(4000)
	if _, err := NewConn(tr, params); protocol.CodeOf(err) != protocol.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := NewConn(nil, DefaultServerParams()); err == nil {
		t.Fatalf("expected error for nil transport")
	}
}

func TestFrameLenPerState(t *testing.T) {
	sess := &ClientSession{EncodingCount: 3, PendingCutTextLength: 11}
	tests := []struct {
		state State
		want  int
	}{
		{StateAwaitingClientVersion, 12},
		{StateAwaitingClientSecurity, 1},
		{StateAwaitingChallengeResponse, 16},
		{StateAwaitingClientInit, 1},
		{StateAwaitingClientMessageHeader, 1},
		{StateAwaitingSetPixelFormatBody, 19},
		{StateAwaitingSetEncodingsHeader, 3},
		{StateAwaitingSetEncodingsValues, 12},
		{StateAwaitingFramebufferUpdateRequestBody, 9},
		{StateAwaitingKeyEventBody, 7},
		{StateAwaitingPointerEventBody, 5},
		{StateAwaitingClientCutTextHeader, 7},
		{StateAwaitingClientCutTextValue, 11},
		{State(200), -1},
	}
	for _, tt := range tests {
		if got := frameLen(tt.state, sess); got != tt.want {
			t.Fatalf("frameLen(%s)=%d, want %d", tt.state, got, tt.want)
		}
	}
	if got := State(200).String(); got != "State(200)" {
		t.Fatalf("String()=%q", got)
	}
}
