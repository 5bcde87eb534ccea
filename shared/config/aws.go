// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// LoadAWS builds an aws.Config from the aws section. Explicit credentials
// are used when both key id and secret are present, otherwise the default
// credential chain applies (IAM role, env, shared profile).
func LoadAWS(ctx context.Context, c AWSConfig) (aws.Config, error) {
	optFns := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(c.Region),
	}
	if c.AccessKeyID != "" && c.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, c.SessionToken)
		optFns = append(optFns, awsconfig.WithCredentialsProvider(creds))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

// SecretFetcher is the subset of the Secrets Manager client used here
type SecretFetcher interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewSecretFetcher returns a Secrets Manager client for the given AWS config
func NewSecretFetcher(cfg aws.Config) SecretFetcher {
	return secretsmanager.NewFromConfig(cfg)
}

// ResolveSecrets replaces secret references with their values. Only
// db.password_secret_id is supported; an empty id is a no-op.
func ResolveSecrets(ctx context.Context, cfg *Config, fetcher SecretFetcher) error {
	if cfg.DB.PasswordSecretID == "" {
		return nil
	}
	if fetcher == nil {
		return fmt.Errorf("db.password_secret_id is set but no secret fetcher is configured")
	}

	out, err := fetcher.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(cfg.DB.PasswordSecretID),
	})
	if err != nil {
		return fmt.Errorf("failed to fetch database password secret: %w", err)
	}
	if out.SecretString == nil || strings.TrimSpace(*out.SecretString) == "" {
		return fmt.Errorf("secret %s has no string value", cfg.DB.PasswordSecretID)
	}

	cfg.DB.Password = strings.TrimSpace(*out.SecretString)
	return nil
}
