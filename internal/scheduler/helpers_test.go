package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/tss/internal/model"
	"github.com/t77yq/tss/internal/storage"
)

// recordingObserver collects finished runs for assertions
type recordingObserver struct {
	mu   sync.Mutex
	runs []*model.TaskRun
	ch   chan *model.TaskRun
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{ch: make(chan *model.TaskRun, 256)}
}

func (o *recordingObserver) ObserveRun(_ context.Context, run *model.TaskRun) {
	o.mu.Lock()
	o.runs = append(o.runs, run)
	o.mu.Unlock()

	select {
	case o.ch <- run:
	default:
	}
}

// next waits for the next finished run
func (o *recordingObserver) next(t *testing.T, timeout time.Duration) *model.TaskRun {
	t.Helper()

	select {
	case run := <-o.ch:
		return run
	case <-time.After(timeout):
		t.Fatalf("no task run within %s", timeout)
		return nil
	}
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs)
}

func newTestStore(t *testing.T) *storage.SQLiteTaskStore {
	t.Helper()

	store, err := storage.NewSQLiteTaskStore(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestScheduler(t *testing.T, store storage.TaskStore, opts ...Option) *TaskScheduler {
	t.Helper()

	s, err := New(store, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func waitDone(t *testing.T, done <-chan struct{}, timeout time.Duration) {
	t.Helper()

	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("worker loop still running after %s", timeout)
	}
}

func zapNop() *zap.Logger {
	return zap.NewNop()
}
