package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/tss/internal/model"
)

func TestRunTask(t *testing.T) {
	t.Run("Completed", func(t *testing.T) {
		status, err := runTask(context.Background(), time.Second, func(ctx context.Context) error {
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, model.RunStatusCompleted, status)
	})

	t.Run("Failed", func(t *testing.T) {
		status, err := runTask(context.Background(), time.Second, func(ctx context.Context) error {
			return errors.New("boom")
		})
		assert.EqualError(t, err, "boom")
		assert.Equal(t, model.RunStatusFailed, status)
	})

	t.Run("Panic Is Recovered", func(t *testing.T) {
		status, err := runTask(context.Background(), time.Second, func(ctx context.Context) error {
			panic("kaboom")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "kaboom")
		assert.Equal(t, model.RunStatusFailed, status)
	})

	t.Run("Context Released After Run", func(t *testing.T) {
		var captured context.Context
		_, err := runTask(context.Background(), time.Hour, func(ctx context.Context) error {
			captured = ctx
			assert.NoError(t, ctx.Err())
			return nil
		})
		require.NoError(t, err)
		assert.ErrorIs(t, captured.Err(), context.Canceled)
	})

	t.Run("Timeout Does Not Wait For A Stuck Function", func(t *testing.T) {
		observed := make(chan struct{})
		release := make(chan struct{})
		defer close(release)

		start := time.Now()
		status, err := runTask(context.Background(), 50*time.Millisecond, func(ctx context.Context) error {
			<-ctx.Done()
			close(observed)
			<-release
			return nil
		})

		assert.Error(t, err)
		assert.Equal(t, model.RunStatusTimedOut, status)
		assert.Less(t, time.Since(start), time.Second)

		select {
		case <-observed:
		case <-time.After(time.Second):
			t.Fatal("task never observed cancellation")
		}
	})

	t.Run("Parent Cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)
		release := make(chan struct{})
		defer close(release)

		status, err := runTask(ctx, time.Hour, func(ctx context.Context) error {
			<-release
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, model.RunStatusCanceled, status)
	})
}

func TestSleep(t *testing.T) {
	t.Run("Elapses", func(t *testing.T) {
		assert.True(t, sleep(context.Background(), 10*time.Millisecond, nil))
	})

	t.Run("Zero", func(t *testing.T) {
		assert.True(t, sleep(context.Background(), 0, nil))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.False(t, sleep(ctx, 0, nil))
	})

	t.Run("Cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(5*time.Millisecond, cancel)

		start := time.Now()
		assert.False(t, sleep(ctx, 10*time.Minute, nil))
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("Woken", func(t *testing.T) {
		wake := make(chan struct{}, 1)
		wake <- struct{}{}

		start := time.Now()
		assert.True(t, sleep(context.Background(), 10*time.Minute, wake))
		assert.Less(t, time.Since(start), time.Second)
	})
}
