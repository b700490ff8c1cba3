// Package main implements the entry point for the taskboard API server:
// a task management backend with a durable job queue driving asynchronous
// status updates and overdue-task notifications.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"

	"github.com/joho/godotenv"

	"github.com/tmarek/taskboard-api/internal/config"
	"github.com/tmarek/taskboard-api/internal/platform/logger"
)

func main() {
	migrateCmd := flag.String("migrate", "", "run a migration command (up, down, status) and exit")
	flag.Parse()

	// A missing .env file is fine; the environment may carry everything.
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded environment from .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger.Setup(cfg.Server.LogLevel)
	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"worker_concurrency", cfg.Worker.Concurrency,
		"scanner_interval_minutes", cfg.Scanner.IntervalMinutes)

	if err := run(cfg, *migrateCmd); err != nil {
		slog.Error("server exited with error", "error", err)
		log.Fatalf("Fatal: %v", err)
	}
}

// run wires the application together and blocks until shutdown.
func run(cfg *config.Config, migrateCmd string) error {
	db, err := setupDatabase(cfg)
	if err != nil {
		return fmt.Errorf("failed to set up database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("failed to close database", "error", err)
		}
	}()

	if migrateCmd != "" {
		return runMigrationCommand(db, migrateCmd)
	}

	if err := migrateUp(db); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	app, err := newApplication(cfg, db)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	return app.serve()
}
