package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/susu3304/kifubot/internal/api"
	"github.com/susu3304/kifubot/internal/bot"
	"github.com/susu3304/kifubot/internal/config"
	"github.com/susu3304/kifubot/internal/experiment"
)

const shutdownTimeout = 10 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	p := experiment.ParamsFromConfig(cfg)
	sessions := experiment.NewSessionManager(store, nil, logger)
	// Serving with an empty state after a failed read would reuse closed rounds.
	state, err := experiment.Recover(ctx, p, store, sessions, logger)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	coordinator := experiment.NewCoordinator(p, store, sessions, state, logger)

	if cfg.DiscordToken != "" {
		discordBot, err := bot.New(cfg, coordinator, logger)
		if err != nil {
			return err
		}
		coordinator.OnRoundClosed(discordBot.Announce)
		if err := discordBot.Start(); err != nil {
			return err
		}
		defer func() {
			if err := discordBot.Stop(); err != nil {
				logger.Warn("Failed to stop discord bot", zap.Error(err))
			}
		}()
	} else {
		logger.Info("DISCORD_TOKEN not set; Discord bot disabled")
	}

	apiServer := api.New(cfg, coordinator, store, logger)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- apiServer.Start()
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown incomplete", zap.Error(err))
	}
	return nil
}
