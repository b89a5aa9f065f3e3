package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/silviot/live_translation_relay_go/pkg/bus"
	"github.com/silviot/live_translation_relay_go/pkg/config"
	"github.com/silviot/live_translation_relay_go/pkg/metrics"
)

func main() {
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		address    = flag.String("address", "", "Listen address")
		logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *address != "" {
		cfg.Hub.Address = *address
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.ValidateHub(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting signaling hub", "address", cfg.Hub.Address, "path", cfg.Hub.Path)

	collector := metrics.NewPrometheusCollector()
	hub := bus.NewHub(bus.HubConfig{Logger: logger, Metrics: collector})
	go hub.Run()
	defer hub.Close()

	mux := http.NewServeMux()
	mux.Handle(cfg.Hub.Path, hub)
	mux.Handle("GET /metrics", collector.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "healthy",
			"clients":   hub.ClientCount(),
			"timestamp": time.Now().Unix(),
		})
	})

	server := &http.Server{
		Addr:    cfg.Hub.Address,
		Handler: mux,
	}

	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, gracefully shutting down")

	// Hijacked WebSocket connections are not tracked by Shutdown; the hub closes them
	hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("signaling hub stopped")
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
