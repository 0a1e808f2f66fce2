package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gogogo1024/novarfb"
	"github.com/gogogo1024/novarfb/protocol"
)

const (
	defaultChannel        = "novarfb:events"
	defaultQueueSize      = 1024
	defaultPublishTimeout = time.Second
)

// RedisPublisher publishes each accepted message as JSON on a Redis pub/sub
// channel. Dispatch only queues the event; a single worker publishes it.
// A full queue or a failed publish is logged and counted but never stops
// or stalls the RFB connection.
type RedisPublisher struct {
	c       *redis.Client
	channel string
	filter  typeFilter
	logger  *slog.Logger
	timeout time.Duration
	failed  atomic.Int64

	queue  chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

var _ novarfb.Dispatcher = (*RedisPublisher)(nil)

// PublisherOption configures a RedisPublisher.
type PublisherOption func(*publisherConfig)

type publisherConfig struct {
	types     []protocol.MessageType
	queueSize int
	timeout   time.Duration
}

// WithTypes limits publishing to the given message types.
func WithTypes(types ...protocol.MessageType) PublisherOption {
	return func(c *publisherConfig) { c.types = types }
}

// WithQueueSize sets how many events may wait for the worker before
// Dispatch starts dropping them.
func WithQueueSize(n int) PublisherOption {
	return func(c *publisherConfig) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithPublishTimeout bounds each PUBLISH round trip.
func WithPublishTimeout(d time.Duration) PublisherOption {
	return func(c *publisherConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewRedisPublisher starts the publishing worker. Call Close to stop it.
func NewRedisPublisher(c *redis.Client, channel string, logger *slog.Logger, opts ...PublisherOption) *RedisPublisher {
	if channel == "" {
		channel = defaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg := publisherConfig{queueSize: defaultQueueSize, timeout: defaultPublishTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &RedisPublisher{
		c:       c,
		channel: channel,
		filter:  newTypeFilter(cfg.types),
		logger:  logger,
		timeout: cfg.timeout,
		queue:   make(chan []byte, cfg.queueSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *RedisPublisher) Channel() string {
	return p.channel
}

// Failures reports how many events were dropped or failed to publish.
func (p *RedisPublisher) Failures() int64 {
	return p.failed.Load()
}

func (p *RedisPublisher) Dispatch(ctx context.Context, m protocol.ClientMessage) error {
	if !p.filter.accepts(m.Type()) {
		return nil
	}
	ev, err := NewEvent(ctx, m, time.Now())
	if err != nil {
		return err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.failed.Add(1)
		return nil
	}
	select {
	case p.queue <- b:
	default:
		p.failed.Add(1)
		p.logger.Debug("event queue full, dropping", "channel", p.channel, "conn", ev.Conn, "type", ev.Type)
	}
	return nil
}

func (p *RedisPublisher) run() {
	defer close(p.done)
	for b := range p.queue {
		if p.ctx.Err() != nil {
			p.failed.Add(1)
			continue
		}
		ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
		err := p.c.Publish(ctx, p.channel, b).Err()
		cancel()
		if err != nil {
			p.failed.Add(1)
			p.logger.Warn("publish event failed", "channel", p.channel, "error", err)
		}
	}
}

// Close stops the worker. Events still queued are counted as failures
// rather than published. Close does not close the Redis client.
func (p *RedisPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cancel()
	close(p.queue)
	p.mu.Unlock()
	<-p.done
	return nil
}

// Subscribe streams events published on channel until ctx is done. The
// returned channel is closed when the subscription ends.
func Subscribe(ctx context.Context, c *redis.Client, channel string) (<-chan Event, error) {
	if channel == "" {
		channel = defaultChannel
	}
	sub := c.Subscribe(ctx, channel)
	// Wait for the confirmation so a publish right after Subscribe is not lost.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
