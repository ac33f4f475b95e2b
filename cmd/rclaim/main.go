package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgnsrekt/rclaim/internal/api"
	"github.com/dgnsrekt/rclaim/internal/auth"
	"github.com/dgnsrekt/rclaim/internal/config"
	"github.com/dgnsrekt/rclaim/internal/notify"
	"github.com/dgnsrekt/rclaim/internal/relay"
	"github.com/dgnsrekt/rclaim/internal/scrape"
	"github.com/dgnsrekt/rclaim/internal/watch"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("rclaim config loaded",
		"bind_addr", cfg.BindAddr(),
		"map_url", cfg.MapURL,
		"cdp_url", cfg.CDPURL(),
		"poll_interval", cfg.PollInterval,
		"rate_window", cfg.RateWindow,
		"rate_limit", cfg.RateLimit,
		"ntfy_enabled", cfg.NtfyEndpoint != "",
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	clock := clockwork.NewRealClock()

	authenticator := auth.New(cfg.AuthToken)
	cache := watch.NewCache()
	broker := relay.NewBroker()
	registry := relay.NewRegistry(cfg.RateWindow, cfg.RateLimit, clock)

	source := scrape.NewMapSource(cfg.CDPURL(), cfg.MapURL, cfg.ScrapeTimeout)
	defer source.Close()

	pollCtx, stopPolling := context.WithCancel(context.Background())
	defer stopPolling()

	scheduler := watch.NewScheduler(source, cache, broker, cfg.PollInterval, clock)
	go scheduler.Run(pollCtx)

	if cfg.NtfyEndpoint != "" {
		go forwardNotifications(pollCtx, broker, cfg.NtfyEndpoint)
	}

	wsHandler := relay.NewHandler(authenticator, broker, registry)
	// registry.Len counts live websocket sessions only; the broker also
	// carries the internal push-forwarder subscription.
	statusFn := func() api.Status {
		return api.Status{
			Subscribers:         registry.Len(),
			ActiveMarkers:       cache.Len(),
			PollIntervalSeconds: int(cfg.PollInterval.Seconds()),
		}
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.GovernorRPS), cfg.GovernorBurst)

	srv := &http.Server{Addr: cfg.BindAddr(), Handler: api.NewServer(wsHandler, statusFn, limiter)}

	go func() {
		slog.Info("rclaim listening", "addr", cfg.BindAddr(), "docs", "http://"+cfg.BindAddr()+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("rclaim server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopPolling()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("rclaim shutdown failed", "error", err)
	}
}

// forwardNotifications mirrors every published event to the configured
// push endpoint. Delivery is best effort; failures are logged and skipped.
func forwardNotifications(ctx context.Context, broker *relay.Broker, endpoint string) {
	id, events := broker.Subscribe()
	defer broker.Unsubscribe(id)

	client := &http.Client{Timeout: 10 * time.Second}
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := notify.Send(ctx, client, endpoint, relay.EventMessage(evt)); err != nil {
				slog.Warn("push notification failed", "endpoint", endpoint, "error", err)
			}
		}
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))

	return nil
}
