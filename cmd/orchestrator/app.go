// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"context"
	"database/sql"

	"github.com/psreek-ai/AIFirstPodcastApp-sub000/dispatch"
	"github.com/psreek-ai/AIFirstPodcastApp-sub000/ledger"
	"github.com/psreek-ai/AIFirstPodcastApp-sub000/orchestrator"
	"github.com/psreek-ai/AIFirstPodcastApp-sub000/shared/config"
	"github.com/psreek-ai/AIFirstPodcastApp-sub000/shared/logger"
	"github.com/psreek-ai/AIFirstPodcastApp-sub000/shared/service"
)

// tokenIssuer is the issuer claim on service tokens minted by the orchestrator
const tokenIssuer = "orchestrator"

// app holds the wired orchestrator process
type app struct {
	log     *logger.Logger
	db      *sql.DB
	engine  *orchestrator.Engine
	api     *orchestrator.API
	closers []func() error
}

// newApp connects the ledger and the notification channel and builds the
// engine. Errors are returned rather than logged so callers decide how
// to exit.
func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{log: log}

	db, err := service.OpenDB(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	notifier, closeNotifier, err := newNotifier(ctx, cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	if closeNotifier != nil {
		a.closers = append(a.closers, closeNotifier)
	}

	engine, err := newEngine(cfg, log, ledger.NewPostgresRepository(db), notifier)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = engine
	a.api = orchestrator.NewAPI(engine, log, cfg.HTTP.AllowedOrigins)
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

// newNotifier publishes on Redis when redis.url is set and logs otherwise
func newNotifier(ctx context.Context, cfg *config.Config, log *logger.Logger) (orchestrator.Notifier, func() error, error) {
	if cfg.Redis.URL == "" {
		log.Warn("", "", "redis.url not set; artifact-ready events are only logged", nil)
		return orchestrator.NewLogNotifier(log), nil, nil
	}
	n, err := orchestrator.NewRedisNotifierFromURL(ctx, cfg.Redis.URL, cfg.Orch.NotifyChannel)
	if err != nil {
		return nil, nil, err
	}
	log.Info("", "", "Publishing artifact-ready events to Redis", map[string]interface{}{"channel": cfg.Orch.NotifyChannel})
	return n, n.Close, nil
}

// newEngine loads the plan catalog and agent policies and builds the
// engine around repo.
func newEngine(cfg *config.Config, log *logger.Logger, repo ledger.Repository, notifier orchestrator.Notifier) (*orchestrator.Engine, error) {
	plans, err := orchestrator.LoadPlans(cfg.Orch.PlansFile)
	if err != nil {
		return nil, err
	}
	policies, err := orchestrator.LoadPolicyTable(cfg.Orch.AgentsFile)
	if err != nil {
		return nil, err
	}

	opts := []dispatch.ClientOption{dispatch.WithLogger(log.With("dispatch"))}
	if cfg.Auth.ServiceTokenSecret != "" {
		opts = append(opts, dispatch.WithTokenSigner(dispatch.NewTokenSigner(cfg.Auth.ServiceTokenSecret, tokenIssuer, cfg.Auth.TokenTTL)))
	} else {
		log.Warn("", "", "auth.service_token_secret not set; dispatching without service tokens", nil)
	}

	return orchestrator.NewEngine(orchestrator.EngineConfig{
		Repository:  repo,
		Client:      dispatch.NewHTTPClient(opts...),
		Plans:       plans,
		Policies:    policies,
		Notifier:    notifier,
		Logger:      log.With("engine"),
		MaxParallel: cfg.Orch.MaxParallel,
	})
}
