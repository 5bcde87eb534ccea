// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package service holds the process plumbing shared by the orchestrator
// and agent binaries: configuration bootstrap, database connection and a
// gracefully stopping HTTP server.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/psreek-ai/AIFirstPodcastApp-sub000/shared/config"
	"github.com/psreek-ai/AIFirstPodcastApp-sub000/shared/logger"
)

// DefaultShutdownTimeout bounds the drain phase of Serve
const DefaultShutdownTimeout = 30 * time.Second

// Bootstrap loads configuration, applies the log level and resolves
// secret references through AWS Secrets Manager when one is configured.
func Bootstrap(ctx context.Context, path, component string) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	log := logger.New(component)
	if err := log.SetLevel(cfg.Log.Level); err != nil {
		return nil, nil, err
	}

	if cfg.DB.PasswordSecretID != "" {
		awsCfg, err := config.LoadAWS(ctx, cfg.AWS)
		if err != nil {
			return nil, nil, err
		}
		if err := config.ResolveSecrets(ctx, cfg, config.NewSecretFetcher(awsCfg)); err != nil {
			return nil, nil, err
		}
		log.Info("", "", "Resolved database password from Secrets Manager", nil)
	}
	return cfg, log, nil
}

// OpenDB opens the PostgreSQL pool and verifies connectivity
func OpenDB(ctx context.Context, c config.DBConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", c.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if c.MaxOpenConns > 0 {
		db.SetMaxOpenConns(c.MaxOpenConns)
	}
	if c.MaxIdleConns > 0 {
		db.SetMaxIdleConns(c.MaxIdleConns)
	}
	if c.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(c.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// NewHTTPServer applies the http section to handler
func NewHTTPServer(c config.HTTPConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              c.Addr,
		Handler:           handler,
		ReadTimeout:       c.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      c.WriteTimeout,
	}
}

// Serve runs srv until ctx is canceled, then stops accepting connections
// and calls drain (may be nil) with the remaining shutdown budget.
func Serve(ctx context.Context, srv *http.Server, log *logger.Logger, drain func(context.Context) error, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("", "", "HTTP server starting", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("", "", "Shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if drain != nil {
		if err := drain(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("drain: %w", err))
		}
	}
	return errors.Join(errs...)
}
