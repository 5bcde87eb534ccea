// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psreek-ai/AIFirstPodcastApp-sub000/shared/migrations"
	"github.com/psreek-ai/AIFirstPodcastApp-sub000/shared/testdb"
)

func TestPostgresStore_Integration(t *testing.T) {
	db := testdb.Start(t, migrations.SetIdempotency)
	ctx := context.Background()

	t.Run("concurrent first submissions execute once", func(t *testing.T) {
		g := NewGuard(NewPostgresStore(db), time.Minute)

		var executions atomic.Int32
		var wg sync.WaitGroup
		outcomes := make([]Outcome, 8)
		for i := range outcomes {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				d, err := g.Run(ctx, "k1", "weave_script", "wf-int", func(ctx context.Context) (json.RawMessage, error) {
					executions.Add(1)
					time.Sleep(20 * time.Millisecond)
					return json.RawMessage(`{"script_ref":"k1"}`), nil
				})
				assert.NoError(t, err)
				outcomes[i] = d.Outcome
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), executions.Load())
		var rows int
		require.NoError(t, db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM idempotency_records WHERE operation_key = 'k1'`).Scan(&rows))
		assert.Equal(t, 1, rows)
	})

	t.Run("stale lock reclaimed with advanced clock", func(t *testing.T) {
		clock := NewManualClock(time.Now().UTC().Truncate(time.Microsecond))
		g := NewGuard(NewPostgresStore(db), time.Minute, WithClock(clock))

		d, err := g.Begin(ctx, "k-stale", "weave_script", "")
		require.NoError(t, err)
		require.Equal(t, Proceed, d.Outcome)

		d, err = g.Begin(ctx, "k-stale", "weave_script", "")
		require.NoError(t, err)
		assert.Equal(t, Conflict, d.Outcome)

		clock.Advance(2 * time.Minute)
		d, err = g.Begin(ctx, "k-stale", "weave_script", "")
		require.NoError(t, err)
		assert.Equal(t, Proceed, d.Outcome)
		assert.Equal(t, 2, d.Record.Attempts)
	})

	t.Run("retry transitions failed to processing in place", func(t *testing.T) {
		g := NewGuard(NewPostgresStore(db), time.Minute)

		_, err := g.Begin(ctx, "k-retry", "synthesize_segment", "")
		require.NoError(t, err)
		_, err = g.Fail(ctx, "k-retry", "synthesize_segment", Failure{Code: "tts_unavailable", Retryable: true})
		require.NoError(t, err)

		d, err := g.Begin(ctx, "k-retry", "synthesize_segment", "")
		require.NoError(t, err)
		assert.Equal(t, Proceed, d.Outcome)

		rec, err := g.LookupHandle(ctx, d.Record.TaskHandle)
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, rec.Status)
		assert.Nil(t, rec.Failure)
	})
}
