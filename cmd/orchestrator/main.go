// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package main runs the podcast workflow orchestrator.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/psreek-ai/AIFirstPodcastApp-sub000/orchestrator"
	"github.com/psreek-ai/AIFirstPodcastApp-sub000/shared/migrations"
	"github.com/psreek-ai/AIFirstPodcastApp-sub000/shared/service"
)

var version = "1.0.0"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "orchestrator",
		Short:   "Podcast workflow orchestrator",
		Long:    `orchestrator runs podcast workflows by dispatching each plan step to its agent and recording progress in the ledger.`,
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default: ./config.yaml or ./config/config.yaml)")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(runWorkflowCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// serveCmd returns the serve subcommand which exposes the workflow API.
func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the workflow HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, log, err := service.Bootstrap(ctx, *configPath, "orchestrator")
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := service.NewHTTPServer(cfg.HTTP, a.api.Handler())
			return service.Serve(ctx, srv, log, a.engine.Shutdown, service.DefaultShutdownTimeout)
		},
	}
}

// migrateCmd returns the migrate subcommand for the ledger schema.
func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending ledger migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, err := service.Bootstrap(ctx, *configPath, "orchestrator")
			if err != nil {
				return err
			}
			db, err := service.OpenDB(ctx, cfg.DB)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := migrations.Migrate(ctx, db, log, migrations.SetLedger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
			return nil
		},
	}
}

// runWorkflowCmd returns the run-workflow subcommand which executes one
// workflow synchronously and prints the final record.
func runWorkflowCmd(configPath *string) *cobra.Command {
	var (
		triggerKind string
		details     string
		key         string
		planName    string
	)

	cmd := &cobra.Command{
		Use:   "run-workflow",
		Short: "Run one workflow to completion and print it",
		Example: `  orchestrator run-workflow --trigger generate_podcast --details '{"topic":"tides"}' --key ep-42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildTrigger(triggerKind, details, key, planName)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, log, err := service.Bootstrap(ctx, *configPath, "orchestrator")
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			wf, err := a.engine.Run(ctx, req)
			if err != nil {
				return err
			}
			_, tasks, err := a.engine.Get(context.WithoutCancel(ctx), wf.WorkflowID)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(orchestrator.NewWorkflowView(wf, tasks))
		},
	}

	cmd.Flags().StringVar(&triggerKind, "trigger", "", "trigger kind, e.g. generate_podcast")
	cmd.Flags().StringVar(&details, "details", "{}", "trigger details as a JSON object")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (default: random)")
	cmd.Flags().StringVar(&planName, "plan", "", "plan name (default: the plan registered for the trigger)")
	_ = cmd.MarkFlagRequired("trigger")

	return cmd
}

func buildTrigger(triggerKind, details, key, planName string) (orchestrator.TriggerRequest, error) {
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(details), &parsed); err != nil {
		return orchestrator.TriggerRequest{}, fmt.Errorf("--details must be a JSON object: %w", err)
	}
	if key == "" {
		key = uuid.NewString()
	}
	return orchestrator.TriggerRequest{
		TriggerKind:    triggerKind,
		TriggerDetails: parsed,
		PlanName:       planName,
		OperationKey:   key,
		CorrelationID:  key,
	}, nil
}
