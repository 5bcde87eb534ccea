// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psreek-ai/AIFirstPodcastApp-sub000/shared/config"
)

type failingStore struct{}

func (failingStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	return "", errors.New("bucket unreachable")
}

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = params
	f.body, _ = io.ReadAll(params.Body)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestMemoryArtifactStore(t *testing.T) {
	store := NewMemoryArtifactStore("episodes/")
	ref, err := store.Put(context.Background(), "weave_script/a.txt", []byte("hello"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "memory://episodes/weave_script/a.txt", ref)

	data, ct, ok := store.Get("episodes/weave_script/a.txt")
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "text/plain", ct)

	_, _, ok = store.Get("missing")
	assert.False(t, ok)
}

func TestS3ArtifactStore(t *testing.T) {
	fake := &fakeS3{}
	store := NewS3ArtifactStore(fake, "podcast-artifacts", "prod")

	ref, err := store.Put(context.Background(), "curate_topic/h.json", []byte(`{"title":"Tides"}`), "application/json")
	require.NoError(t, err)
	assert.Equal(t, "s3://podcast-artifacts/prod/curate_topic/h.json", ref)
	assert.Equal(t, "podcast-artifacts", aws.ToString(fake.input.Bucket))
	assert.Equal(t, "prod/curate_topic/h.json", aws.ToString(fake.input.Key))
	assert.Equal(t, "application/json", aws.ToString(fake.input.ContentType))
	assert.Equal(t, `{"title":"Tides"}`, string(fake.body))

	fake.err = errors.New("AccessDenied")
	_, err = store.Put(context.Background(), "k", []byte("x"), "text/plain")
	assert.ErrorContains(t, err, "failed to upload s3://podcast-artifacts/prod/k")
}

func TestNewArtifactStore(t *testing.T) {
	ctx := context.Background()
	awsCfg := aws.Config{Region: "us-east-1"}

	store, err := NewArtifactStore(ctx, config.ArtifactsConfig{Backend: "memory"}, awsCfg)
	require.NoError(t, err)
	assert.IsType(t, &MemoryArtifactStore{}, store)

	store, err = NewArtifactStore(ctx, config.ArtifactsConfig{Backend: "s3", Bucket: "b", Endpoint: "http://localhost:9000"}, awsCfg)
	require.NoError(t, err)
	assert.IsType(t, &S3ArtifactStore{}, store)

	store, err = NewArtifactStore(ctx, config.ArtifactsConfig{
		Backend:         "azure",
		Bucket:          "episodes",
		AzureConnString: "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;AccountKey=Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==;BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1;",
	}, awsCfg)
	require.NoError(t, err)
	assert.IsType(t, &AzureArtifactStore{}, store)

	t.Setenv("STORAGE_EMULATOR_HOST", "localhost:9023")
	store, err = NewArtifactStore(ctx, config.ArtifactsConfig{Backend: "gcs", Bucket: "episodes"}, awsCfg)
	require.NoError(t, err)
	require.IsType(t, &GCSArtifactStore{}, store)
	assert.NoError(t, store.(*GCSArtifactStore).Close())
}

func TestNewArtifactStore_Errors(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ArtifactsConfig
		wantErr string
	}{
		{name: "s3 without bucket", cfg: config.ArtifactsConfig{Backend: "s3"}, wantErr: "artifacts.bucket is required"},
		{name: "gcs without bucket", cfg: config.ArtifactsConfig{Backend: "gcs"}, wantErr: "artifacts.bucket is required"},
		{name: "azure without container", cfg: config.ArtifactsConfig{Backend: "azure"}, wantErr: "container"},
		{name: "azure without account", cfg: config.ArtifactsConfig{Backend: "azure", Bucket: "c"}, wantErr: "azure_account_url"},
		{name: "unknown backend", cfg: config.ArtifactsConfig{Backend: "ftp"}, wantErr: "unknown artifacts backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewArtifactStore(context.Background(), tt.cfg, aws.Config{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
