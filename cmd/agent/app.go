// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/psreek-ai/AIFirstPodcastApp-sub000/agent"
	"github.com/psreek-ai/AIFirstPodcastApp-sub000/dispatch"
	"github.com/psreek-ai/AIFirstPodcastApp-sub000/idempotency"
	"github.com/psreek-ai/AIFirstPodcastApp-sub000/shared/config"
	"github.com/psreek-ai/AIFirstPodcastApp-sub000/shared/logger"
	"github.com/psreek-ai/AIFirstPodcastApp-sub000/shared/service"
)

// Executor backends selectable through agent.executor
const (
	executorBedrock = "bedrock"
	executorEpisode = "episode"
)

// app holds the wired agent process
type app struct {
	log     *logger.Logger
	server  *agent.Server
	closers []func() error
}

// newApp connects the idempotency store and builds the executor and
// server for the configured kind.
func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	if cfg.Agent.Kind == "" {
		return nil, fmt.Errorf("agent.kind is required")
	}
	a := &app{log: log}

	awsCfg, err := config.LoadAWS(ctx, cfg.AWS)
	if err != nil {
		return nil, err
	}
	artifacts, err := agent.NewArtifactStore(ctx, cfg.Artifacts, awsCfg)
	if err != nil {
		return nil, err
	}
	if c, ok := artifacts.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	exec, err := newExecutor(cfg.Agent, awsCfg, artifacts)
	if err != nil {
		a.Close()
		return nil, err
	}

	db, err := service.OpenDB(ctx, cfg.DB)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, db.Close)

	guard := idempotency.NewGuard(idempotency.NewPostgresStore(db), cfg.Idempotency.LockTimeout,
		idempotency.WithLogger(log.With("idempotency")))

	server, err := newServer(cfg, log, exec, guard)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.server = server
	return a, nil
}

// Close releases connections in reverse order of acquisition
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.ErrorWithErr("", "", "Failed to release resource", err, nil)
		}
	}
	a.closers = nil
}

// newExecutor selects the executor backend named by agent.executor
func newExecutor(c config.AgentConfig, awsCfg aws.Config, artifacts agent.ArtifactStore) (agent.Executor, error) {
	switch c.Executor {
	case executorBedrock:
		bc, err := agent.BedrockConfigFor(c.Kind, c.ModelID, c.PromptTemplate, c.MaxTokens, c.Temperature)
		if err != nil {
			return nil, err
		}
		exec, err := agent.NewBedrockExecutor(bc, bedrockruntime.NewFromConfig(awsCfg), artifacts)
		if err != nil {
			return nil, err
		}
		return exec, nil
	case executorEpisode:
		return agent.NewEpisodeAssembler(c.Kind, artifacts), nil
	default:
		return nil, fmt.Errorf("unknown agent.executor %q (want %s or %s)", c.Executor, executorBedrock, executorEpisode)
	}
}

// newServer wraps exec in the dispatch server. Service tokens are
// required when auth.service_token_secret is set; the audience is the
// agent name the orchestrator dispatches to.
func newServer(cfg *config.Config, log *logger.Logger, exec agent.Executor, guard *idempotency.Guard) (*agent.Server, error) {
	name := cfg.Agent.Name
	if name == "" {
		name = exec.Kind()
	}
	verifier := dispatch.NewTokenVerifier(cfg.Auth.ServiceTokenSecret, name)
	if verifier == nil {
		log.Warn("", "", "auth.service_token_secret not set; accepting unauthenticated dispatches", nil)
	}
	return agent.NewServer(agent.ServerConfig{
		Name:           name,
		Executor:       exec,
		Guard:          guard,
		Verifier:       verifier,
		Logger:         log.With(name),
		MaxConcurrent:  cfg.Agent.MaxConcurrent,
		TaskTimeout:    cfg.Agent.TaskTimeout,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})
}
