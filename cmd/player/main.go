// Package main runs one autonomous participant against a house. It joins the
// house bus over WebSocket, relays chat through the house HTTP API and writes
// its lines with a completion endpoint (or canned replies when none is set).
//
// Example usage:
//
//	player --house http://localhost:8080 --game 4f7c... --id alice \
//	  --persona "You are Alice, a cautious librarian." \
//	  --completion http://localhost:9000/complete
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dreamware/whisperhouse/internal/bus"
	"github.com/dreamware/whisperhouse/internal/completion"
	"github.com/dreamware/whisperhouse/internal/participant"
	"github.com/dreamware/whisperhouse/internal/relay"
)

const releaseVersion = "0.1.0"

func main() {
	// A missing .env file is fine; flags and the environment still apply.
	_ = godotenv.Load()

	cfg := &Config{}
	cobra.CheckErr(newCmd(cfg).Execute())
}

func completer(cfg *Config) completion.Completer {
	if cfg.completion != "" {
		return completion.NewHTTP(cfg.completion)
	}
	return completion.NewScripted(cfg.replies...)
}

func play(ctx context.Context, cfg *Config) error {
	level := slog.LevelInfo
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	busURL, err := cfg.busURL()
	if err != nil {
		return err
	}
	remote, err := bus.Dial(ctx, busURL, logger)
	if err != nil {
		return fmt.Errorf("join house: %w", err)
	}
	defer remote.Close()

	rel := relay.NewHTTPClient(cfg.house, cfg.pollInterval, logger)
	p := participant.New(participant.Config{
		ID:                cfg.id,
		GameID:            cfg.game,
		Persona:           cfg.persona,
		LobbyMessages:     cfg.lobbyMessages,
		HeartbeatInterval: cfg.heartbeatInterval,
		Params: completion.SamplingParams{
			Temperature: cfg.temperature,
			MaxTokens:   cfg.maxTokens,
		},
	}, participant.Deps{
		Bus:       remote,
		Relay:     rel,
		Completer: completer(cfg),
		Journal:   participant.RelayJournal{Relay: rel},
		Logger:    logger,
	})

	// Stop playing if the house drops the connection.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-remote.Done():
			logger.Warn("house connection lost")
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("joining game", "game_id", cfg.game, "participant_id", cfg.id, "house", cfg.house)
	return p.Run(ctx)
}
