package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/chatstream/internal/config"
	"github.com/capitalize-ai/chatstream/internal/store/postgres"
	"github.com/capitalize-ai/chatstream/pkg/logger"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	log, err := logger.ForEnv(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetGlobal(log)

	return postgres.RunMigrations(cfg.DatabaseURL, log)
}
