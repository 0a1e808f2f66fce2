package novarfb

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// SetupFunc is an injection point for registering handlers and sinks.
// It is called once before serving starts.
type SetupFunc func(r *Router) error

const (
	defaultAddr         = ":5900"
	defaultIdleTimeout  = 5 * time.Minute
	defaultWriteTimeout = 10 * time.Second
	tracerName          = "github.com/gogogo1024/novarfb"

	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

type serveConfig struct {
	addr         string
	idleTimeout  time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
	observer     Observer
	params       ServerParams
	limits       Limits
	tracer       trace.Tracer
}

// ServeOption configures ListenAndServe, Serve, ServeWithContext,
// HandleConn and WebSocketHandler.
type ServeOption func(*serveConfig)

// WithAddr sets the listen address used when ListenAndServe gets "".
func WithAddr(addr string) ServeOption {
	return func(c *serveConfig) { c.addr = addr }
}

// WithIdleTimeout closes a connection that sends nothing for d. Zero waits
// forever.
func WithIdleTimeout(d time.Duration) ServeOption {
	return func(c *serveConfig) { c.idleTimeout = d }
}

// WithWriteTimeout bounds each write. Zero waits forever.
func WithWriteTimeout(d time.Duration) ServeOption {
	return func(c *serveConfig) { c.writeTimeout = d }
}

func WithLogger(l *slog.Logger) ServeOption {
	return func(c *serveConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics reports connection counters to o.
func WithMetrics(o Observer) ServeOption {
	return func(c *serveConfig) {
		if o != nil {
			c.observer = o
		}
	}
}

func WithServerParams(p ServerParams) ServeOption {
	return func(c *serveConfig) { c.params = p }
}

func WithLimits(l Limits) ServeOption {
	return func(c *serveConfig) { c.limits = l }
}

// WithTracer replaces the tracer taken from the global provider.
func WithTracer(t trace.Tracer) ServeOption {
	return func(c *serveConfig) {
		if t != nil {
			c.tracer = t
		}
	}
}

func newServeConfig(opts []ServeOption) *serveConfig {
	cfg := &serveConfig{
		idleTimeout:  defaultIdleTimeout,
		writeTimeout: defaultWriteTimeout,
		logger:       slog.Default(),
		observer:     nopObserver{},
		params:       DefaultServerParams(),
		limits:       DefaultLimits(),
		tracer:       otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg
}

// normalizeAddr picks the explicit addr, then WithAddr, then the default.
func normalizeAddr(addr string, opts []ServeOption) string {
	if addr != "" {
		return addr
	}
	if cfg := newServeConfig(opts); cfg.addr != "" {
		return cfg.addr
	}
	return defaultAddr
}

func (cfg *serveConfig) newRouter(setup SetupFunc) (*Router, error) {
	if setup == nil {
		return nil, ErrNoSetup
	}
	if err := cfg.params.Validate(); err != nil {
		return nil, err
	}
	router := NewRouter()
	if err := setup(router); err != nil {
		return nil, err
	}
	return router, nil
}

// ListenAndServe starts a TCP listener on addr and serves RFB.
func ListenAndServe(addr string, setup SetupFunc, opts ...ServeOption) error {
	listener, err := net.Listen("tcp", normalizeAddr(addr, opts))
	if err != nil {
		return err
	}
	return Serve(listener, setup, opts...)
}

// Serve handles accepted connections from an existing listener until
// Accept fails permanently.
func Serve(listener net.Listener, setup SetupFunc, opts ...ServeOption) error {
	return ServeWithContext(context.Background(), listener, setup, opts...)
}

// ServeWithContext is Serve that stops when ctx is done. It closes the
// listener, waits for open connections to end and returns nil.
func ServeWithContext(ctx context.Context, listener net.Listener, setup SetupFunc, opts ...ServeOption) error {
	cfg := newServeConfig(opts)
	router, err := cfg.newRouter(setup)
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			backoff = nextAcceptBackoff(backoff)
			cfg.logger.Warn("accept error", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			defer c.Close()
			if err := cfg.handleConn(ctx, c, router); err != nil {
				cfg.logger.Warn("conn error", "peer", remoteAddr(c), "error", err)
			}
		}(conn)
	}
}

// nextAcceptBackoff doubles cur, starting at 5ms and capped at one second.
func nextAcceptBackoff(cur time.Duration) time.Duration {
	if cur <= 0 {
		return minAcceptBackoff
	}
	cur *= 2
	if cur > maxAcceptBackoff {
		cur = maxAcceptBackoff
	}
	return cur
}

func remoteAddr(c net.Conn) string {
	if a := c.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
