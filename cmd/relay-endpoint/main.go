package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/silviot/live_translation_relay_go/pkg/audio"
	"github.com/silviot/live_translation_relay_go/pkg/bus"
	"github.com/silviot/live_translation_relay_go/pkg/config"
	"github.com/silviot/live_translation_relay_go/pkg/endpoint"
	"github.com/silviot/live_translation_relay_go/pkg/metrics"
	"github.com/silviot/live_translation_relay_go/pkg/relay"
	"github.com/silviot/live_translation_relay_go/pkg/translation"
	"github.com/silviot/live_translation_relay_go/pkg/webrtc"
)

func main() {
	// A missing .env is fine; the environment may already be set
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		role       = flag.String("role", "", "Endpoint role (customer or agent)")
		language   = flag.String("language", "", "Local language code")
		room       = flag.String("room", "", "Room shared by the two endpoints")
		address    = flag.String("address", "", "HTTP listen address")
		logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Flags win over file and environment
	if *role != "" {
		cfg.Endpoint.Role = *role
	}
	if *language != "" {
		cfg.Endpoint.Language = *language
	}
	if *room != "" {
		cfg.Endpoint.Room = *room
	}
	if *address != "" {
		cfg.HTTP.Address = *address
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	if err := cfg.ValidateEndpoint(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration:\n%v\n", err)
		os.Exit(1)
	}

	// Partner audio on stdout pushes logs to stderr
	logOut := io.Writer(os.Stdout)
	if cfg.Audio.Playback == "-" {
		logOut = os.Stderr
	}
	logger := setupLogger(logOut, cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, logger); err != nil {
		logger.Error("relay endpoint failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	role, _ := cfg.Role()
	lang, _ := cfg.Language()

	logger.Info("starting relay endpoint",
		"role", role,
		"language", lang.Code,
		"room", cfg.Endpoint.Room,
		"bus", cfg.Bus.Kind)

	collector := metrics.NewPrometheusCollector()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, closeClient, err := openBus(ctx, cfg, logger, collector)
	if err != nil {
		return err
	}
	defer closeClient()
	defer b.Close()

	peers, err := webrtc.NewManager(cfg.ConnectionConfig(), webrtc.NewIVFSource(cfg.WebRTC.VideoDir, logger), logger)
	if err != nil {
		return fmt.Errorf("failed to create webrtc manager: %w", err)
	}

	var playback relay.Sink
	if cfg.Audio.Playback != "" {
		w, closeFn, err := openPlayback(cfg.Audio.Playback)
		if err != nil {
			return err
		}
		defer closeFn()
		sink := relay.NewWriterSink(w, logger)
		defer sink.Close()
		playback = sink
	}

	ep, err := endpoint.New(endpoint.Config{
		Role:     role,
		Language: lang,
		Bus:      b,
		Translation: translation.NewClient(translation.Config{
			URL:    cfg.Translation.URL,
			APIKey: cfg.Translation.APIKey,
			Model:  cfg.Translation.Model,
			Logger: logger,
		}),
		NewPeer: peers.NewPeer,
		Capturer: &audio.ReaderCapturer{
			SampleRate: cfg.Audio.SampleRate,
			Loop:       cfg.Audio.Loop,
			Logger:     logger,
		},
		Playback:           playback,
		AudioDevice:        cfg.Audio.Device,
		VideoDevice:        cfg.WebRTC.VideoDevice,
		Voice:              cfg.Translation.Voice,
		HeartbeatInterval:  cfg.Rendezvous.Interval,
		StaleAfter:         cfg.Rendezvous.StaleAfter,
		GraceDelay:         cfg.Negotiation.GraceDelay,
		RetryBaseDelay:     cfg.Session.BaseDelay,
		RetryMaxDelay:      cfg.Session.MaxDelay,
		RetryMaxAttempts:   cfg.Session.MaxAttempts,
		TranslatingTimeout: cfg.Session.TranslatingTimeout,
		Logger:             logger,
		Metrics:            collector,
	})
	if err != nil {
		return fmt.Errorf("failed to create endpoint: %w", err)
	}
	defer ep.Close()

	if err := ep.Start(ctx); err != nil {
		return fmt.Errorf("failed to start endpoint: %w", err)
	}

	mux := http.NewServeMux()
	ep.Routes(mux)
	mux.Handle("GET /metrics", collector.Handler())

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("relay endpoint stopped", "peers", peers.PeerCount())
	return nil
}

// openBus connects the configured signaling transport, scoped to the room.
// The returned func releases the underlying client after the bus is closed.
func openBus(ctx context.Context, cfg *config.Config, logger *slog.Logger, m metrics.Collector) (bus.Bus, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Bus.Kind {
	case config.BusRedis:
		client, err := bus.NewRedisClient(cfg.Bus.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		b, err := bus.NewRedis(bus.RedisConfig{
			Client:  client,
			Channel: cfg.Bus.Channel + ":" + cfg.Endpoint.Room,
			Logger:  logger,
			Metrics: m,
		})
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return b, client.Close, nil
	default:
		u, err := url.Parse(cfg.Bus.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid bus url: %w", err)
		}
		q := u.Query()
		q.Set("room", cfg.Endpoint.Room)
		u.RawQuery = q.Encode()

		ws := bus.NewWebSocket(bus.WebSocketConfig{
			URL:          u.String(),
			PingInterval: cfg.Bus.PingInterval,
			MinBackoff:   cfg.Bus.MinBackoff,
			MaxBackoff:   cfg.Bus.MaxBackoff,
			Logger:       logger,
			Metrics:      m,
		})
		if err := ws.Connect(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to connect to signaling hub: %w", err)
		}
		return ws, noop, nil
	}
}

func openPlayback(target string) (io.Writer, func() error, error) {
	if target == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(target)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open playback file: %w", err)
	}
	return f, f.Close, nil
}

// setupLogger creates a structured logger
func setupLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
