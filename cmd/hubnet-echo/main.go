package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/luciancaetano/hubnet"
	"github.com/luciancaetano/hubnet/ws"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	hubnet.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config) error {
	limit := ws.NoRateLimit()
	if cfg.RateLimit > 0 {
		limit = &ws.RateLimitConfig{MessagesPerSecond: rate.Limit(cfg.RateLimit), Burst: cfg.RateBurst, Enabled: true}
	}

	chat := NewChat()
	server, err := ws.New(ws.NewConfig(cfg.Addr,
		ws.WithBufferSize(cfg.BufferSize),
		ws.WithCompression(cfg.Compress),
		ws.WithRateLimit(limit),
		ws.WithCheckOrigin(ws.AllOrigins()),
		ws.WithObserver(hubnet.Observer{
			OnConnected: func(c hubnet.Client) {
				slog.Debug("client connected", "client_id", c.ID(), "remote_addr", c.RemoteAddr())
			},
			OnDisconnected: chat.leave,
			OnError: func(c hubnet.Client, err error) {
				slog.Warn("hub error", "client_id", c.ID(), "error", err)
			},
		}),
	))
	if err != nil {
		return err
	}
	chat.server = server

	table, err := echoTable()
	if err != nil {
		return err
	}
	if err := server.AddTable("echo", &Echo{}, table); err != nil {
		return err
	}
	if err := server.AddService(chat); err != nil {
		return err
	}

	if err := server.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	slog.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Stop(stopCtx)
}
