// Package main runs the house: the moderator process that owns every game,
// drives its phases and serves the coordination bus to participant processes.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                 House                   │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /games/*      - Game lifecycle       │
//	│    /channels/*   - Chat relay           │
//	│    /rooms/*      - Whisper rooms        │
//	│    /bus          - Bus over WebSocket   │
//	│    /health       - Health check         │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    Registry      - Games and trackers   │
//	│    Bus           - Coordination events  │
//	│    Relay         - Channel messages     │
//	│    Heartbeats    - Participant liveness │
//	└─────────────────────────────────────────┘
//
// Every flag can also be set through a WHISPERHOUSE_* environment variable
// or a .env file in the working directory.
//
// Example usage:
//
//	house --port 8080 --settings presets/quick.yaml
//
//	curl -X POST localhost:8080/games \
//	  -d '{"participants":["alice","bob","carol"]}'
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/slack-go/slack"
	"github.com/spf13/cobra"

	"github.com/dreamware/whisperhouse/internal/bus"
	"github.com/dreamware/whisperhouse/internal/config"
	"github.com/dreamware/whisperhouse/internal/coordinator"
	"github.com/dreamware/whisperhouse/internal/relay"
	"github.com/dreamware/whisperhouse/internal/storage"
)

const releaseVersion = "0.1.0"

func main() {
	// A missing .env file is fine; flags and the environment still apply.
	_ = godotenv.Load()

	cfg := &Config{}
	cobra.CheckErr(newCmd(cfg).Execute())
}

func serve(ctx context.Context, cfg *Config) error {
	level := slog.LevelInfo
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	settings := config.Default()
	if cfg.settings != "" {
		s, err := config.LoadSettings(cfg.settings)
		if err != nil {
			return err
		}
		settings = s
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bus.New()
	defer b.Close()

	store := storage.NewMemoryStore()
	mem := relay.NewMemory(storage.NewTranscripts(store))
	var rel relay.Relay = mem
	if cfg.slackToken != "" {
		rel = relay.NewSlackMirror(mem, slack.New(cfg.slackToken), cfg.slackChannel, logger)
		logger.Info("mirroring channel traffic to slack", "slack_channel", cfg.slackChannel)
	}

	heartbeats := coordinator.NewHeartbeatMonitor(b, cfg.heartbeatInterval, cfg.heartbeatMisses, logger)
	reg := coordinator.NewRegistry(coordinator.Options{
		Bus:        b,
		Relay:      rel,
		Store:      store,
		Heartbeats: heartbeats,
		Logger:     logger,
	})
	go heartbeats.Start(ctx)

	srv := newServer(reg, b, rel, mem, store, settings, logger)
	httpSrv := &http.Server{
		Addr:              cfg.addr(),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("house listening", "addr", cfg.addr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("listen: %w", err)
		}
		close(errs)
	}()

	select {
	case err := <-errs:
		heartbeats.Stop()
		reg.Close()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server failed to shut down gracefully", "error", err)
	}
	heartbeats.Stop()
	reg.Close()
	logger.Info("house stopped")
	return nil
}
