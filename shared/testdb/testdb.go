// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package testdb starts a throwaway PostgreSQL container for integration
// tests and applies the embedded migrations to it. Tests using it are
// skipped with -short or when no container runtime is reachable.
package testdb

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/psreek-ai/AIFirstPodcastApp-sub000/shared/logger"
	"github.com/psreek-ai/AIFirstPodcastApp-sub000/shared/migrations"
)

// Start returns a migrated database. When PODCAST_TEST_DATABASE_URL is set
// that database is used instead of a container.
func Start(t *testing.T, sets ...migrations.Set) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dsn := os.Getenv("PODCAST_TEST_DATABASE_URL")
	if dsn == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)

		container, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("podcast_test"),
			postgres.WithUsername("podcast"),
			postgres.WithPassword("podcast"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2)),
		)
		if err != nil {
			t.Fatalf("failed to start postgres container: %v", err)
		}
		t.Cleanup(func() {
			if err := container.Terminate(context.Background()); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("failed to get connection string: %v", err)
		}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}
	if _, err := migrations.Migrate(ctx, db, logger.Nop(), sets...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}
