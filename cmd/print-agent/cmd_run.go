package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/recky/print-agent/internal/app"
	"github.com/recky/print-agent/internal/config"
	"github.com/recky/print-agent/internal/logger"
)

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), *configPath)
		},
	}
}

func runAgent(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	log, err := logger.New(logger.Options{Level: level, File: cfg.Logging.File})
	if err != nil {
		return err
	}
	defer log.Close()

	a, err := app.New(cfg, log)
	if err != nil {
		log.Errorf("startup failed: %v", err)
		return fmt.Errorf("startup: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	return a.Run(ctx)
}
