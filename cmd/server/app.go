package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/gogogo1024/novarfb"
	"github.com/gogogo1024/novarfb/internal/eventbus"
	"github.com/gogogo1024/novarfb/internal/metrics"
	"github.com/gogogo1024/novarfb/internal/recording"
	"github.com/gogogo1024/novarfb/protocol"
)

const recentEvents = 1024

// app holds everything rfbd serves besides the RFB listener itself.
type app struct {
	logger    *slog.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Collector
	recent    *eventbus.MemorySink
	redis     *redis.Client
	publisher *eventbus.RedisPublisher
	recorder  *recording.Recorder
	opts      []novarfb.ServeOption
}

func newApp(cfg serverConfig, logger *slog.Logger) (*app, error) {
	opts, err := cfg.serveOptions()
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &app{
		logger:   logger,
		registry: reg,
		metrics:  metrics.New(reg),
		recent:   eventbus.NewMemorySink(recentEvents),
	}
	a.opts = append(opts, novarfb.WithLogger(logger), novarfb.WithMetrics(a.metrics))

	if addr := cfg.str("redis-addr"); addr != "" {
		a.redis = redis.NewClient(redisOptions(cfg, addr))
		a.publisher = eventbus.NewRedisPublisher(a.redis, cfg.str("redis-channel"), logger,
			eventbus.WithPublishTimeout(cfg.duration("redis-publish-timeout")),
			eventbus.WithQueueSize(cfg.integer("redis-queue")))
	}

	store, err := recordingStore(cfg)
	if err != nil {
		return nil, err
	}
	if store != nil {
		a.recorder = recording.NewRecorder(store, logger)
	}
	return a, nil
}

func recordingStore(cfg serverConfig) (recording.Store, error) {
	if dir := cfg.str("record-dir"); dir != "" {
		return recording.NewFileStore(dir)
	}
	bucket := cfg.str("record-s3-bucket")
	if bucket == "" {
		return nil, nil
	}

	opts := s3.Options{
		Region:      cfg.str("record-s3-region"),
		Credentials: aws.NewCredentialsCache(envCredentials{}),
	}
	if endpoint := cfg.str("record-s3-endpoint"); endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
		opts.UsePathStyle = true
	}
	return recording.NewS3Store(s3.New(opts), bucket, cfg.str("record-s3-prefix")), nil
}

// envCredentials reads the standard AWS_* variables.
type envCredentials struct{}

func (envCredentials) Retrieve(context.Context) (aws.Credentials, error) {
	id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
	if id == "" || secret == "" {
		return aws.Credentials{}, errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
	}
	return aws.Credentials{
		AccessKeyID:     id,
		SecretAccessKey: secret,
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		Source:          "environment",
	}, nil
}

// setup wires the sinks into every connection's router.
func (a *app) setup(r *novarfb.Router) error {
	r.Use(a.recent)
	if a.publisher != nil {
		r.Use(a.publisher)
	}
	if a.recorder != nil {
		r.Use(a.recorder)
	}

	r.Register(protocol.TypeClientCutText, func(ctx context.Context, m protocol.ClientMessage) error {
		a.logger.Debug("clipboard updated",
			"conn", novarfb.ConnIDFromContext(ctx),
			"bytes", len(m.(*protocol.ClientCutText).Text))
		return nil
	})
	return nil
}

func (a *app) handler() (http.Handler, error) {
	ws, err := novarfb.WebSocketHandler(a.setup, a.opts...)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	r.Get("/events", a.serveEvents)
	r.Handle("/websockify", ws)
	return r, nil
}

func (a *app) serveEvents(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.recent.Events()); err != nil {
		a.logger.Warn("encode events failed", "error", err)
	}
}

// redisOptions keeps every Redis round trip short so a slow or absent
// server only costs dropped events.
func redisOptions(cfg serverConfig, addr string) *redis.Options {
	return &redis.Options{
		Addr:                  addr,
		DialTimeout:           cfg.duration("redis-dial-timeout"),
		ReadTimeout:           cfg.duration("redis-read-timeout"),
		WriteTimeout:          cfg.duration("redis-write-timeout"),
		MaxRetries:            cfg.integer("redis-max-retries"),
		ContextTimeoutEnabled: true,
	}
}

func (a *app) Close() error {
	if a.redis == nil {
		return nil
	}
	_ = a.publisher.Close()
	if err := a.redis.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
