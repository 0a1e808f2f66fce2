package novarfb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gogogo1024/novarfb/protocol"
)

const readChunkSize = 4 * 1024

var connSeq atomic.Uint64

// HandleConn serves RFB on conn until the peer leaves, the idle timeout
// passes, ctx is done or the connection fails. The first three return nil.
// The caller owns conn and closes it.
func HandleConn(ctx context.Context, conn net.Conn, router *Router, opts ...ServeOption) error {
	if router == nil {
		return errors.New("novarfb: nil router")
	}
	return newServeConfig(opts).handleConn(ctx, conn, router)
}

func (cfg *serveConfig) handleConn(ctx context.Context, conn net.Conn, router *Router) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	tmp := make([]byte, readChunkSize)
	read := func() ([]byte, error) {
		return readChunk(conn, tmp, cfg.idleTimeout)
	}
	write := func(p []byte) error {
		return writeAll(conn, p, cfg.writeTimeout)
	}
	return cfg.serveTransport(ctx, "tcp", remoteAddr(conn), router, read, write)
}

// serveTransport runs one Conn over read and write. read returns io.EOF
// when the peer is gone or idle; that ends the connection without error.
func (cfg *serveConfig) serveTransport(ctx context.Context, network, peer string, router *Router,
	read func() ([]byte, error), write func([]byte) error) (err error) {
	id := fmt.Sprintf("%s-%d", network, connSeq.Add(1))
	ctx = ContextWithConnID(ctx, id)
	ctx, span := cfg.tracer.Start(ctx, "rfb.conn",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rfb.conn_id", id),
			attribute.String("net.transport", network),
			attribute.String("net.peer.addr", peer),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	transport := NewChunkTransport(write)
	c, err := NewConn(transport, cfg.params,
		WithDispatcher(router),
		WithConnLimits(cfg.limits),
		WithConnLogger(cfg.logger),
		WithConnObserver(cfg.observer),
		WithConnID(id),
	)
	if err != nil {
		return err
	}

	cfg.observer.ConnOpened()
	cfg.logger.Debug("connection opened", "conn", id, "peer", peer)
	defer func() {
		span.SetAttributes(attribute.String("rfb.state", c.State().String()))
		_ = c.Close()
		if cerr := router.ConnClosed(ctx); cerr != nil {
			cfg.logger.Warn("sink close failed", "conn", id, "error", cerr)
		}
		cfg.observer.ConnClosed()
		cfg.logger.Debug("connection closed", "conn", id, "state", c.State(), "error", err)
	}()

	if err := c.Start(); err != nil {
		return err
	}
	for {
		chunk, rerr := read()
		if len(chunk) > 0 {
			transport.Push(chunk)
			if err := c.OnReadable(ctx); err != nil {
				return err
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			var pe *protocol.Error
			if !errors.As(rerr, &pe) {
				rerr = protocol.NewError("Read", protocol.CodeTransport, "read failed", rerr)
			}
			cfg.observer.ConnFailed(protocol.CodeOf(rerr))
			return rerr
		}
	}
}

// readChunk reads what is available into buf. Idle timeouts and a closed
// stream are reported as io.EOF.
func readChunk(conn net.Conn, buf []byte, idle time.Duration) ([]byte, error) {
	if idle > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
	}
	n, err := conn.Read(buf)
	if err != nil {
		var ne net.Error
		if (errors.As(err, &ne) && ne.Timeout()) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			err = io.EOF
		}
	}
	return buf[:n], err
}

// writeAll writes data under a deadline of timeout, then clears the
// deadline whatever the outcome.
func writeAll(conn net.Conn, data []byte, timeout time.Duration) error {
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()

	for len(data) > 0 {
		n, err := conn.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
