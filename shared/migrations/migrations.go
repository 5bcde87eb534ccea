// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package migrations applies the embedded SQL schema for the ledger and
// the idempotency guard and records every applied file in
// schema_migrations.
//
// Layout:
//
//	sql/
//	├── ledger/       (001-099) orchestrator-owned tables
//	└── idempotency/  (100-199) agent-owned guard table
//
// Versions are unique across sets so both can share one database.
package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/psreek-ai/AIFirstPodcastApp-sub000/shared/logger"
)

//go:embed sql
var files embed.FS

// Set names a group of migrations owned by one service
type Set string

const (
	SetLedger      Set = "ledger"
	SetIdempotency Set = "idempotency"
)

// File is one embedded migration
type File struct {
	Set      Set
	Version  string
	Name     string
	Path     string
	Checksum string
	SQL      string
}

// Collect returns the migrations of the requested sets ordered by version
func Collect(sets ...Set) ([]File, error) {
	var out []File
	for _, set := range sets {
		dir := path.Join("sql", string(set))
		entries, err := fs.ReadDir(files, dir)
		if err != nil {
			return nil, fmt.Errorf("unknown migration set %q: %w", set, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
				continue
			}
			p := path.Join(dir, entry.Name())
			data, err := fs.ReadFile(files, p)
			if err != nil {
				return nil, fmt.Errorf("failed to read migration %s: %w", p, err)
			}
			sum := sha256.Sum256(data)
			out = append(out, File{
				Set:      set,
				Version:  extractVersion(entry.Name()),
				Name:     extractName(entry.Name()),
				Path:     p,
				Checksum: hex.EncodeToString(sum[:]),
				SQL:      string(data),
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	for i := 1; i < len(out); i++ {
		if out[i].Version == out[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %s (%s, %s)", out[i].Version, out[i-1].Path, out[i].Path)
		}
	}
	return out, nil
}

// Migrate applies every pending migration of the given sets. Each file runs
// in its own transaction together with its schema_migrations row.
func Migrate(ctx context.Context, db *sql.DB, log *logger.Logger, sets ...Set) (int, error) {
	pending, err := Collect(sets...)
	if err != nil {
		return 0, err
	}

	if err := ensureTrackingTable(ctx, db); err != nil {
		return 0, err
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, m := range pending {
		if applied[m.Version] {
			continue
		}
		start := time.Now()
		if err := apply(ctx, db, m, start); err != nil {
			recordFailure(ctx, db, m, err, time.Since(start))
			log.ErrorWithErr("", m.Version, "Migration failed", err, map[string]interface{}{"name": m.Name, "set": string(m.Set)})
			return count, fmt.Errorf("migration %s_%s failed: %w", m.Version, m.Name, err)
		}
		log.InfoWithDuration("", m.Version, "Migration applied", time.Since(start), map[string]interface{}{"name": m.Name, "set": string(m.Set)})
		count++
	}
	return count, nil
}

func ensureTrackingTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id SERIAL PRIMARY KEY,
			version VARCHAR(20) NOT NULL UNIQUE,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			execution_time_ms INTEGER,
			success BOOLEAN NOT NULL DEFAULT true,
			error_message TEXT,
			checksum VARCHAR(64),
			hostname VARCHAR(255)
		)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations WHERE success = true`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func apply(ctx context.Context, db *sql.DB, m File, start time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, name, execution_time_ms, success, checksum, hostname)
		VALUES ($1, $2, $3, true, $4, $5)
		ON CONFLICT (version) DO UPDATE SET
			applied_at = NOW(),
			execution_time_ms = EXCLUDED.execution_time_ms,
			success = true,
			error_message = NULL,
			checksum = EXCLUDED.checksum`,
		m.Version, m.Name, int(time.Since(start).Milliseconds()), m.Checksum, hostname)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// recordFailure is best effort; the migration error is what the caller sees.
func recordFailure(ctx context.Context, db *sql.DB, m File, migrationErr error, elapsed time.Duration) {
	hostname, _ := os.Hostname()
	_, _ = db.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, name, execution_time_ms, success, error_message, checksum, hostname)
		VALUES ($1, $2, $3, false, $4, $5, $6)
		ON CONFLICT (version) DO UPDATE SET
			applied_at = NOW(),
			execution_time_ms = EXCLUDED.execution_time_ms,
			success = false,
			error_message = EXCLUDED.error_message`,
		m.Version, m.Name, int(elapsed.Milliseconds()), migrationErr.Error(), m.Checksum, hostname)
}

// extractVersion extracts the version number from a migration filename
//
//	"001_workflow_ledger.sql" -> "001"
func extractVersion(filename string) string {
	name := strings.TrimSuffix(filename, ".sql")
	if i := strings.Index(name, "_"); i > 0 {
		return name[:i]
	}
	return name
}

// extractName extracts the human-readable name from a migration filename
//
//	"001_workflow_ledger.sql" -> "workflow_ledger"
func extractName(filename string) string {
	name := strings.TrimSuffix(filename, ".sql")
	if i := strings.Index(name, "_"); i > 0 {
		return name[i+1:]
	}
	return name
}
