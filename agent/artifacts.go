// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"google.golang.org/api/option"

	"github.com/psreek-ai/AIFirstPodcastApp-sub000/shared/config"
)

// ArtifactStore persists generated content and returns a reference the
// orchestrator can hand to downstream steps.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// NewArtifactStore builds the store selected by cfg.Backend. awsCfg is only
// used by the s3 backend.
func NewArtifactStore(ctx context.Context, cfg config.ArtifactsConfig, awsCfg aws.Config) (ArtifactStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryArtifactStore(cfg.Prefix), nil

	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("artifacts.bucket is required for the s3 backend")
		}
		var opts []func(*s3.Options)
		if cfg.Endpoint != "" {
			opts = append(opts, func(o *s3.Options) {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				o.UsePathStyle = true
			})
		}
		return NewS3ArtifactStore(s3.NewFromConfig(awsCfg, opts...), cfg.Bucket, cfg.Prefix), nil

	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("artifacts.bucket is required for the gcs backend")
		}
		var opts []option.ClientOption
		if cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		}
		if cfg.Endpoint != "" {
			opts = append(opts, option.WithEndpoint(cfg.Endpoint))
		}
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCS client: %w", err)
		}
		return NewGCSArtifactStore(client, cfg.Bucket, cfg.Prefix), nil

	case "azure":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("artifacts.bucket (container) is required for the azure backend")
		}
		client, err := newAzureClient(cfg)
		if err != nil {
			return nil, err
		}
		return NewAzureArtifactStore(client, cfg.Bucket, cfg.Prefix), nil

	default:
		return nil, fmt.Errorf("unknown artifacts backend %q", cfg.Backend)
	}
}

func newAzureClient(cfg config.ArtifactsConfig) (*azblob.Client, error) {
	if cfg.AzureConnString != "" {
		client, err := azblob.NewClientFromConnectionString(cfg.AzureConnString, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure client from connection string: %w", err)
		}
		return client, nil
	}
	if cfg.AzureAccountURL == "" {
		return nil, fmt.Errorf("artifacts.azure_account_url or artifacts.azure_connection_string is required for the azure backend")
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}
	client, err := azblob.NewClient(cfg.AzureAccountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}
	return client, nil
}

func objectKey(prefix, key string) string {
	return strings.TrimPrefix(path.Join(prefix, key), "/")
}

// MemoryArtifactStore keeps artifacts in process. Used in tests and local runs.
type MemoryArtifactStore struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string]storedArtifact
}

type storedArtifact struct {
	data        []byte
	contentType string
}

// NewMemoryArtifactStore creates an empty store
func NewMemoryArtifactStore(prefix string) *MemoryArtifactStore {
	return &MemoryArtifactStore{prefix: prefix, objects: make(map[string]storedArtifact)}
}

func (m *MemoryArtifactStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	k := objectKey(m.prefix, key)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[k] = storedArtifact{data: append([]byte(nil), data...), contentType: contentType}
	return "memory://" + k, nil
}

// Get returns a stored artifact by its full key
func (m *MemoryArtifactStore) Get(key string) ([]byte, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.objects[key]
	return a.data, a.contentType, ok
}

// Len returns the number of stored artifacts
func (m *MemoryArtifactStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// S3PutAPI is the subset of the S3 client used for uploads
type S3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3ArtifactStore writes artifacts to an S3 (or S3 compatible) bucket
type S3ArtifactStore struct {
	client S3PutAPI
	bucket string
	prefix string
}

// NewS3ArtifactStore creates a store writing to bucket
func NewS3ArtifactStore(client S3PutAPI, bucket, prefix string) *S3ArtifactStore {
	return &S3ArtifactStore{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3ArtifactStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	k := objectKey(s.prefix, key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(k),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload s3://%s/%s: %w", s.bucket, k, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, k), nil
}

// GCSArtifactStore writes artifacts to a Cloud Storage bucket
type GCSArtifactStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSArtifactStore creates a store writing to bucket
func NewGCSArtifactStore(client *storage.Client, bucket, prefix string) *GCSArtifactStore {
	return &GCSArtifactStore{client: client, bucket: bucket, prefix: prefix}
}

func (g *GCSArtifactStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	k := objectKey(g.prefix, key)
	writer := g.client.Bucket(g.bucket).Object(k).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("failed to write gs://%s/%s: %w", g.bucket, k, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close writer for gs://%s/%s: %w", g.bucket, k, err)
	}
	return fmt.Sprintf("gs://%s/%s", g.bucket, k), nil
}

// Close releases the underlying client
func (g *GCSArtifactStore) Close() error {
	return g.client.Close()
}

// AzureArtifactStore writes artifacts to an Azure Blob container
type AzureArtifactStore struct {
	client    *azblob.Client
	container string
	prefix    string
}

// NewAzureArtifactStore creates a store writing to container
func NewAzureArtifactStore(client *azblob.Client, container, prefix string) *AzureArtifactStore {
	return &AzureArtifactStore{client: client, container: container, prefix: prefix}
}

func (a *AzureArtifactStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	k := objectKey(a.prefix, key)
	_, err := a.client.UploadBuffer(ctx, a.container, k, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: &contentType,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload blob %s/%s: %w", a.container, k, err)
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(a.client.URL(), "/"), a.container, k), nil
}
