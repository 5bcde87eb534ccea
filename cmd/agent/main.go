// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package main runs one podcast agent service.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/psreek-ai/AIFirstPodcastApp-sub000/shared/migrations"
	"github.com/psreek-ai/AIFirstPodcastApp-sub000/shared/service"
)

var version = "1.0.0"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "agent",
		Short:   "Podcast agent service",
		Long:    `agent executes one kind of podcast task (topic curation, script weaving, cover rendering or episode assembly) behind the dispatch protocol.`,
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default: ./config.yaml or ./config/config.yaml)")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// serveCmd returns the serve subcommand which accepts dispatched tasks.
func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the task dispatch endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, log, err := service.Bootstrap(ctx, *configPath, "agent")
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := service.NewHTTPServer(cfg.HTTP, a.server.Handler())
			return service.Serve(ctx, srv, log, a.server.Shutdown, service.DefaultShutdownTimeout)
		},
	}
}

// migrateCmd returns the migrate subcommand for the idempotency schema.
func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending idempotency migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, err := service.Bootstrap(ctx, *configPath, "agent")
			if err != nil {
				return err
			}
			db, err := service.OpenDB(ctx, cfg.DB)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := migrations.Migrate(ctx, db, log, migrations.SetIdempotency)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
			return nil
		},
	}
}
