// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/psreek-ai/AIFirstPodcastApp-sub000/shared/logger"
)

// ArtifactReady announces a finished artifact to the delivery side
type ArtifactReady struct {
	WorkflowID  string      `json:"workflow_id"`
	Status      string      `json:"status"`
	ArtifactKey string      `json:"artifact_key"`
	ArtifactRef interface{} `json:"artifact_ref"`
}

// Notifier delivers artifact-ready events. Delivery is fire-and-forget:
// the engine logs errors and never changes workflow state because of them.
type Notifier interface {
	NotifyArtifactReady(ctx context.Context, event ArtifactReady) error
}

// RedisNotifier publishes events on a Redis pub/sub channel
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier creates a notifier publishing on channel
func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

// NewRedisNotifierFromURL parses a redis:// URL and checks connectivity
func NewRedisNotifierFromURL(ctx context.Context, redisURL, channel string) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisNotifier(client, channel), nil
}

func (n *RedisNotifier) NotifyArtifactReady(ctx context.Context, event ArtifactReady) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode artifact event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish artifact event: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// LogNotifier writes events to the log. Used when Redis is not configured.
type LogNotifier struct {
	log *logger.Logger
}

// NewLogNotifier creates a log-only notifier
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) NotifyArtifactReady(ctx context.Context, event ArtifactReady) error {
	n.log.Info(event.WorkflowID, "", "Artifact ready", map[string]interface{}{
		"artifact_key": event.ArtifactKey,
		"artifact_ref": event.ArtifactRef,
		"status":       event.Status,
	})
	return nil
}
