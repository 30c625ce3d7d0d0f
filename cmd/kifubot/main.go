package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/susu3304/kifubot/internal/config"
	"github.com/susu3304/kifubot/internal/db"
	"github.com/susu3304/kifubot/internal/experiment"
	"github.com/susu3304/kifubot/internal/ledger"
	"github.com/susu3304/kifubot/internal/ledger/sqlite"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "kifubot",
		Short:         "kifubot: public-goods donation experiment over HTTP and Discord",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Recover the current session and accept submissions",
		RunE:  runServe,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "recover",
		Short: "Print the current session rebuilt from the ledger without writing to it",
		RunE:  runRecover,
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

// openStore connects the configured backend and wraps it with retries.
// The returned close func releases the backend.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*ledger.Retrying, func(), error) {
	var (
		store   ledger.Store
		closeFn = func() {}
	)
	switch cfg.LedgerDriver {
	case config.DriverPostgres:
		database, err := db.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		store, closeFn = database, database.Close
	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		store = s
		closeFn = func() {
			if err := s.Close(); err != nil {
				logger.Warn("Failed to close sqlite ledger", zap.Error(err))
			}
		}
	case config.DriverMemory:
		logger.Warn("Using in-memory ledger; settlements are lost on exit")
		store = ledger.NewMemory()
	default:
		return nil, nil, fmt.Errorf("unknown LEDGER_DRIVER %q", cfg.LedgerDriver)
	}

	logger.Info("Ledger opened", zap.String("driver", cfg.LedgerDriver))
	retrying := ledger.NewRetrying(store, ledger.RetryOptions{
		AttemptTimeout: cfg.LedgerTimeout,
		MaxAttempts:    cfg.LedgerRetries,
	}, logger)
	return retrying, closeFn, nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	p := experiment.ParamsFromConfig(cfg)
	sessions := experiment.NewSessionManager(store, nil, logger)
	state, err := experiment.Inspect(ctx, p, store, sessions)
	if errors.Is(err, experiment.ErrNoSession) {
		fmt.Fprintln(cmd.OutOrStdout(), "session: none recorded")
		return nil
	}
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	printState(cmd.OutOrStdout(), p, state)
	return nil
}

func printState(w io.Writer, p experiment.Params, s *experiment.State) {
	fmt.Fprintf(w, "session: %s\n", s.SessionID)
	if s.Complete() {
		fmt.Fprintf(w, "round:   complete (%d of %d)\n", p.TotalRounds, p.TotalRounds)
	} else {
		fmt.Fprintf(w, "round:   %d of %d\n", s.CurrentRound, p.TotalRounds)
	}
	fmt.Fprintf(w, "rows:    %d\n", len(s.Settled))
	fmt.Fprintf(w, "cohort:  %s\n", strings.Join(s.Cohort(), ", "))
	if r := s.Round(s.CurrentRound); r != nil && r.Count() > 0 {
		fmt.Fprintf(w, "pending: %s\n", strings.Join(r.ParticipantIDs(), ", "))
	}
}
