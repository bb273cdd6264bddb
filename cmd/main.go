package main

import (
	"context"
	"errors"
	"fmt"
	"github.com/joho/godotenv"
	"github.com/kittenbark/tg-filestore/internal/archive"
	"github.com/kittenbark/tg-filestore/internal/health"
	"github.com/kittenbark/tg-filestore/internal/store"
	"github.com/kittenbark/tg-filestore/internal/telegram"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func NewFilestoreCommand() *cobra.Command {
	var (
		configPath string
		loglevel   int
	)

	cmd := &cobra.Command{
		Use:           "filestore",
		Short:         "Telegram file store bot with self-destructing deliveries",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetLogLoggerLevel(slog.Level(loglevel))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config file")
	cmd.PersistentFlags().IntVar(&loglevel, "loglevel", int(slog.LevelInfo), "log level")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the bot, the expiry scheduler and the health server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context(), configPath)
			},
		},
		NewLinkCommand(),
	)
	return cmd
}

func serve(ctx context.Context, configPath string) error {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("main#dotenv", "err", err)
	}
	cfg, err := archive.LoadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("main#store_close", "err", err)
		}
	}()

	bot, username, err := archive.NewBot(cfg)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	go func() {
		if err := health.Serve(ctx, cfg.HealthAddr, prometheus.DefaultGatherer); err != nil {
			slog.Error("main#health", "err", err)
		}
	}()

	arch := archive.New(cfg, bot, username, telegram.New(bot), st, archive.WithRegisterer(prometheus.DefaultRegisterer))
	arch.Start(ctx)
	return nil
}

func main() {
	cmd := NewFilestoreCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("main#exit", "err", err)
		os.Exit(1)
	}
}
