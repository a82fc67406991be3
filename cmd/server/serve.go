package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/OpenWCS/internal/config"
	"github.com/KevinKickass/OpenWCS/internal/storage"
	"github.com/KevinKickass/OpenWCS/internal/system"
	"github.com/KevinKickass/OpenWCS/internal/tags"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run poller, dispatcher and HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// PostgreSQL verbinden
	db, err := storage.NewPostgresClient(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	if err := storage.MigrateUp(cfg.Database.DSN()); err != nil {
		return err
	}
	logger.Info("Database connected successfully")

	tagSource, err := newTagSource(cfg, db)
	if err != nil {
		return err
	}

	lifecycle, err := system.NewLifecycleManager(cfg, db, tagSource, logger)
	if err != nil {
		return err
	}

	if err := lifecycle.Start(ctx); err != nil {
		_ = lifecycle.Shutdown(context.Background())
		return fmt.Errorf("start system: %w", err)
	}

	logger.Info("OpenWCS started successfully")

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		return err
	}

	logger.Info("OpenWCS stopped successfully")
	return nil
}

func newTagSource(cfg *config.Config, db *storage.PostgresClient) (tags.Registry, error) {
	if cfg.Tags.Source == config.TagSourceFile {
		return tags.NewFileRegistry(cfg.Tags.File)
	}
	return storage.NewTagRegistry(db), nil
}
