// Command rfbd accepts RFB clients over TCP and WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gogogo1024/novarfb"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// In some environments `go test ./...` may execute command mains.
	// Avoid starting a long-running listener from a test binary.
	if strings.HasSuffix(filepath.Base(os.Args[0]), ".test") {
		return
	}

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("load config failed", "error", err)
		os.Exit(2)
	}

	level, err := cfg.logLevel()
	if err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("rfbd stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg serverConfig, logger *slog.Logger) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("configuration",
		"config", cfg.configPath, "config_loaded", cfg.configLoaded,
		"dotenv", cfg.dotenvPath, "dotenv_loaded", cfg.dotenvLoaded,
		"addr", cfg.addr(), "addr_source", cfg.source("addr"),
		"idle_timeout", cfg.duration("idle-timeout"), "idle_timeout_source", cfg.source("idle-timeout"),
		"write_timeout", cfg.duration("write-timeout"), "write_timeout_source", cfg.source("write-timeout"),
		"auth", cfg.str("password") != "",
		"redis", cfg.str("redis-addr") != "",
		"recording", a.recorder != nil,
	)

	ln, err := net.Listen("tcp", cfg.addr())
	if err != nil {
		return err
	}
	logger.Info("rfbd listening", "addr", ln.Addr().String())

	httpErr := make(chan error, 1)
	if addr := cfg.httpAddr(); addr != "" {
		h, err := a.handler()
		if err != nil {
			ln.Close()
			return err
		}
		srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("http listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErr <- err
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case err := <-httpErr:
			logger.Error("http server failed", "error", err)
			cancel()
		case <-ctx.Done():
		}
	}()

	return novarfb.ServeWithContext(ctx, ln, a.setup, a.opts...)
}
