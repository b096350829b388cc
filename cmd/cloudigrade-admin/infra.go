package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cloudigrade/cloudigrade/config"
	"github.com/cloudigrade/cloudigrade/internal/bootstrap"
)

// connectDB loads the configuration and opens the database.
func (a *app) connectDB() (*sql.DB, *config.AppConfig, *slog.Logger, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger := a.logger()
	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{DBConfig: cfg.Postgres, Logger: logger})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect db: %w", err)
	}
	return db, &cfg, logger, nil
}

// withDB runs fn with an open database and closes it afterwards.
func (a *app) withDB(
	ctx context.Context,
	fn func(ctx context.Context, db *sql.DB, cfg *config.AppConfig, logger *slog.Logger) error,
) (err error) {
	db, cfg, logger, err := a.connectDB()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close db: %w", cerr))
		}
	}()
	return fn(ctx, db, cfg, logger)
}
