package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/tss/internal/model"
)

func TestTaskWorker(t *testing.T) {
	ctx := context.Background()

	t.Run("Releases After Success", func(t *testing.T) {
		store := newTestStore(t)
		observer := newRecordingObserver()
		s := newTestScheduler(t, store, WithPollInterval(10*time.Millisecond), WithRunObserver(observer))

		err := s.ScheduleTask(ctx, TaskDefinition{
			TaskScheduleDefinition: TaskScheduleDefinition{Frequency: "PT1H", Timeout: "PT1S"},
			TaskInvocationDefinition: TaskInvocationDefinition{
				ID: "success",
				Fn: func(ctx context.Context) error { return nil },
			},
		})
		require.NoError(t, err)

		run := observer.next(t, 2*time.Second)
		assert.Equal(t, model.RunStatusCompleted, run.Status)
		assert.Equal(t, model.RunModeDistributed, run.Mode)
		assert.NotEmpty(t, run.Ticket)

		row, err := store.GetTask(ctx, "success")
		require.NoError(t, err)
		assert.Nil(t, row.CurrentRunTicket)
		assert.WithinDuration(t, run.CompletedAt.Add(time.Hour-run.Duration), row.NextRunStartAt, 50*time.Millisecond)
		assert.True(t, row.NextRunStartAt.After(time.Now()))
	})

	t.Run("Releases After Failure And Timeout", func(t *testing.T) {
		tests := []struct {
			name   string
			fn     TaskFunc
			status model.RunStatus
		}{
			{
				name:   "Error",
				fn:     func(ctx context.Context) error { return errors.New("boom") },
				status: model.RunStatusFailed,
			},
			{
				name:   "Panic",
				fn:     func(ctx context.Context) error { panic("kaboom") },
				status: model.RunStatusFailed,
			},
			{
				name: "Timeout",
				fn: func(ctx context.Context) error {
					time.Sleep(time.Second)
					return nil
				},
				status: model.RunStatusTimedOut,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				store := newTestStore(t)
				observer := newRecordingObserver()
				s := newTestScheduler(t, store, WithPollInterval(10*time.Millisecond), WithRunObserver(observer))

				require.NoError(t, s.ScheduleTask(ctx, TaskDefinition{
					TaskScheduleDefinition:   TaskScheduleDefinition{Frequency: "PT1M", Timeout: "PT0.05S"},
					TaskInvocationDefinition: TaskInvocationDefinition{ID: "flaky", Fn: tt.fn},
				}))

				run := observer.next(t, 2*time.Second)
				assert.Equal(t, tt.status, run.Status)
				assert.Less(t, run.Duration, 500*time.Millisecond)

				row, err := store.GetTask(ctx, "flaky")
				require.NoError(t, err)
				assert.Nil(t, row.CurrentRunTicket)
				assert.True(t, row.NextRunStartAt.After(time.Now()))
			})
		}
	})

	t.Run("Interval Subtracts Run Time", func(t *testing.T) {
		store := newTestStore(t)
		observer := newRecordingObserver()
		s := newTestScheduler(t, store, WithPollInterval(10*time.Millisecond), WithRunObserver(observer))

		require.NoError(t, s.ScheduleTask(ctx, TaskDefinition{
			TaskScheduleDefinition: TaskScheduleDefinition{Frequency: "PT1S", Timeout: "PT5S"},
			TaskInvocationDefinition: TaskInvocationDefinition{
				ID: "slow",
				Fn: func(ctx context.Context) error {
					time.Sleep(200 * time.Millisecond)
					return nil
				},
			},
		}))

		run := observer.next(t, 2*time.Second)
		row, err := store.GetTask(ctx, "slow")
		require.NoError(t, err)

		gap := row.NextRunStartAt.Sub(run.CompletedAt)
		assert.InDelta(t, float64(time.Second-run.Duration), float64(gap), float64(50*time.Millisecond))
		assert.Less(t, gap, 850*time.Millisecond)
	})

	t.Run("Cron Task Waits For First Fire Time", func(t *testing.T) {
		store := newTestStore(t)
		s := newTestScheduler(t, store, WithPollInterval(time.Hour))

		registeredAt := time.Now()
		require.NoError(t, s.ScheduleTask(ctx, TaskDefinition{
			TaskScheduleDefinition: TaskScheduleDefinition{Frequency: "0 0 * * *", Timeout: "PT1M"},
			TaskInvocationDefinition: TaskInvocationDefinition{
				ID: "nightly",
				Fn: func(ctx context.Context) error { return nil },
			},
		}))

		row, err := store.GetTask(ctx, "nightly")
		require.NoError(t, err)
		assert.True(t, row.NextRunStartAt.After(registeredAt))

		year, month, day := registeredAt.Date()
		midnight := time.Date(year, month, day+1, 0, 0, 0, 0, registeredAt.Location())
		assert.WithinDuration(t, midnight, row.NextRunStartAt, 100*time.Millisecond)
	})

	t.Run("Cancel During Poll Sleep", func(t *testing.T) {
		store := newTestStore(t)
		s := newTestScheduler(t, store, WithPollInterval(10*time.Minute))

		signal, cancel := context.WithCancel(context.Background())
		require.NoError(t, s.ScheduleTask(ctx, TaskDefinition{
			TaskScheduleDefinition: TaskScheduleDefinition{Frequency: "PT1M", Timeout: "PT1S", InitialDelay: "PT1H"},
			TaskInvocationDefinition: TaskInvocationDefinition{
				ID:     "sleepy",
				Fn:     func(ctx context.Context) error { return nil },
				Signal: signal,
			},
		}))

		time.Sleep(5 * time.Millisecond)
		start := time.Now()
		cancel()

		s.mu.Lock()
		worker := s.tasks["sleepy"][0]
		s.mu.Unlock()
		waitDone(t, worker.Done(), time.Second)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("Stop Mid Run Still Releases", func(t *testing.T) {
		store := newTestStore(t)
		s, err := New(store, zapNop(), WithPollInterval(10*time.Millisecond))
		require.NoError(t, err)

		started := make(chan struct{}, 1)
		require.NoError(t, s.ScheduleTask(ctx, TaskDefinition{
			TaskScheduleDefinition: TaskScheduleDefinition{Frequency: "PT1M", Timeout: "PT1M"},
			TaskInvocationDefinition: TaskInvocationDefinition{
				ID: "interrupted",
				Fn: func(ctx context.Context) error {
					started <- struct{}{}
					<-ctx.Done()
					return ctx.Err()
				},
			},
		}))

		<-started
		s.Stop()

		row, err := store.GetTask(ctx, "interrupted")
		require.NoError(t, err)
		assert.Nil(t, row.CurrentRunTicket)
	})
}

func TestTaskWorkerMutualExclusion(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	const instances = 4
	var running, maxRunning, total atomic.Int32
	fn := func(ctx context.Context) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			old := maxRunning.Load()
			if n <= old || maxRunning.CompareAndSwap(old, n) {
				break
			}
		}
		total.Add(1)
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	for i := 0; i < instances; i++ {
		s := newTestScheduler(t, store,
			WithInstanceID(fmt.Sprintf("instance-%d", i)),
			WithPollInterval(5*time.Millisecond))

		// every instance registers the same id; registration is an upsert
		require.NoError(t, s.ScheduleTask(ctx, TaskDefinition{
			TaskScheduleDefinition:   TaskScheduleDefinition{Frequency: "PT0.01S", Timeout: "PT1S"},
			TaskInvocationDefinition: TaskInvocationDefinition{ID: "shared", Fn: fn},
		}))
	}

	time.Sleep(500 * time.Millisecond)

	assert.Equal(t, int32(1), maxRunning.Load(), "two instances ran the task at once")
	assert.GreaterOrEqual(t, total.Load(), int32(5))
}
