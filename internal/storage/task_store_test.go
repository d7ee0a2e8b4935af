package storage

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestTaskStore(t *testing.T) *SQLiteTaskStore {
	t.Helper()

	store, err := NewSQLiteTaskStore(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteTaskStore(t *testing.T) {
	ctx := context.Background()
	store := newTestTaskStore(t)
	now := time.Now()

	t.Run("Upsert Is Idempotent", func(t *testing.T) {
		require.NoError(t, store.UpsertTask(ctx, "upsert", []byte(`{"version":2}`), now))

		later := now.Add(time.Hour)
		require.NoError(t, store.UpsertTask(ctx, "upsert", []byte(`{"version":2,"cadence":"PT1M"}`), later))

		row, err := store.GetTask(ctx, "upsert")
		require.NoError(t, err)
		assert.JSONEq(t, `{"version":2,"cadence":"PT1M"}`, string(row.Settings))
		assert.Equal(t, now.UnixMilli(), row.NextRunStartAt.UnixMilli(), "schedule must survive re-registration")
		assert.False(t, row.Claimed())
	})

	t.Run("Claim And Release", func(t *testing.T) {
		require.NoError(t, store.UpsertTask(ctx, "claim", []byte(`{}`), now))

		claimed, err := store.ClaimTask(ctx, "claim", "ticket-1", now, time.Time{})
		require.NoError(t, err)
		assert.True(t, claimed)

		claimed, err = store.ClaimTask(ctx, "claim", "ticket-2", now, time.Time{})
		require.NoError(t, err)
		assert.False(t, claimed, "claimed row must not be claimed twice")

		row, err := store.GetTask(ctx, "claim")
		require.NoError(t, err)
		require.NotNil(t, row.CurrentRunTicket)
		assert.Equal(t, "ticket-1", *row.CurrentRunTicket)
		require.NotNil(t, row.CurrentRunStartedAt)

		next := now.Add(time.Minute)
		released, err := store.ReleaseTask(ctx, "claim", "ticket-2", next)
		require.NoError(t, err)
		assert.False(t, released, "foreign ticket must not release")

		released, err = store.ReleaseTask(ctx, "claim", "ticket-1", next)
		require.NoError(t, err)
		assert.True(t, released)

		row, err = store.GetTask(ctx, "claim")
		require.NoError(t, err)
		assert.Nil(t, row.CurrentRunTicket)
		assert.Nil(t, row.CurrentRunStartedAt)
		assert.Equal(t, next.UnixMilli(), row.NextRunStartAt.UnixMilli())
	})

	t.Run("Claim Not Yet Due", func(t *testing.T) {
		require.NoError(t, store.UpsertTask(ctx, "future", []byte(`{}`), now.Add(time.Hour)))

		claimed, err := store.ClaimTask(ctx, "future", "ticket", now, time.Time{})
		require.NoError(t, err)
		assert.False(t, claimed)
	})

	t.Run("Claim Unknown Task", func(t *testing.T) {
		claimed, err := store.ClaimTask(ctx, "missing", "ticket", now, time.Time{})
		require.NoError(t, err)
		assert.False(t, claimed)
	})

	t.Run("Reclaim Stale Claim", func(t *testing.T) {
		claimedAt := now.Add(-time.Hour)
		require.NoError(t, store.UpsertTask(ctx, "stale", []byte(`{}`), claimedAt))

		claimed, err := store.ClaimTask(ctx, "stale", "dead-instance", claimedAt, time.Time{})
		require.NoError(t, err)
		require.True(t, claimed)

		claimed, err = store.ClaimTask(ctx, "stale", "fresh", now, now.Add(-2*time.Hour))
		require.NoError(t, err)
		assert.False(t, claimed, "claim younger than the threshold must be honored")

		claimed, err = store.ClaimTask(ctx, "stale", "fresh", now, now.Add(-30*time.Minute))
		require.NoError(t, err)
		assert.True(t, claimed)

		released, err := store.ReleaseTask(ctx, "stale", "dead-instance", now)
		require.NoError(t, err)
		assert.False(t, released, "the abandoned claim owner must not clear the new claim")
	})

	t.Run("Trigger", func(t *testing.T) {
		require.NoError(t, store.UpsertTask(ctx, "trigger", []byte(`{}`), now.Add(time.Hour)))

		ok, err := store.TriggerTask(ctx, "trigger", now)
		require.NoError(t, err)
		assert.True(t, ok)

		row, err := store.GetTask(ctx, "trigger")
		require.NoError(t, err)
		assert.Equal(t, now.UnixMilli(), row.NextRunStartAt.UnixMilli())

		claimed, err := store.ClaimTask(ctx, "trigger", "ticket", now, time.Time{})
		require.NoError(t, err)
		require.True(t, claimed)

		ok, err = store.TriggerTask(ctx, "trigger", now)
		require.NoError(t, err)
		assert.False(t, ok, "claimed task must not be triggered")

		ok, err = store.TriggerTask(ctx, "missing", now)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Exists And Get", func(t *testing.T) {
		exists, err := store.TaskExists(ctx, "upsert")
		require.NoError(t, err)
		assert.True(t, exists)

		exists, err = store.TaskExists(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, exists)

		_, err = store.GetTask(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSQLiteTaskStoreConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	store := newTestTaskStore(t)
	now := time.Now()

	require.NoError(t, store.UpsertTask(ctx, "contended", []byte(`{}`), now))

	const contenders = 16
	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			claimed, err := store.ClaimTask(ctx, "contended", uuid.NewString(), now, time.Time{})
			assert.NoError(t, err)
			if claimed {
				winners.Add(1)
			}
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}
