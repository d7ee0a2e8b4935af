package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/tss/internal/model"
)

// TaskStore is the shared state behind distributed tasks. Every mutation is a
// single conditional statement so that cooperating instances never race on a
// read followed by a write.
type TaskStore interface {
	// UpsertTask registers a task row. An existing row only has its settings
	// refreshed; its schedule and claim are left alone.
	UpsertTask(ctx context.Context, id string, settings []byte, nextRunStartAt time.Time) error

	// ClaimTask sets ticket on the row if it is free and due at now. A non-zero
	// staleBefore also allows taking over a claim made before that instant.
	ClaimTask(ctx context.Context, id, ticket string, now, staleBefore time.Time) (bool, error)

	// ReleaseTask clears the claim held by ticket and sets the next start time
	ReleaseTask(ctx context.Context, id, ticket string, nextRunStartAt time.Time) (bool, error)

	// TriggerTask makes a free task due at now. It reports false if the task
	// is claimed or missing.
	TriggerTask(ctx context.Context, id string, now time.Time) (bool, error)

	// TaskExists reports whether a row exists for id
	TaskExists(ctx context.Context, id string) (bool, error)

	// GetTask returns the row for id or ErrNotFound
	GetTask(ctx context.Context, id string) (*model.ScheduledTaskRow, error)

	// Close releases the underlying connections
	Close() error
}

// SQLiteTaskStore implements TaskStore using SQLite
type SQLiteTaskStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteTaskStore opens (or creates) the scheduled task table at dbPath
func NewSQLiteTaskStore(logger *zap.Logger, dbPath string) (*SQLiteTaskStore, error) {
	db, err := openSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteTaskStore{
		logger: logger,
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Opened scheduled task store", zap.String("path", dbPath))
	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteTaskStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			settings_json TEXT NOT NULL,
			next_run_start_at INTEGER NOT NULL,
			current_run_ticket TEXT,
			current_run_started_at INTEGER
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// UpsertTask implements TaskStore.UpsertTask
func (s *SQLiteTaskStore) UpsertTask(ctx context.Context, id string, settings []byte, nextRunStartAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, settings_json, next_run_start_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET settings_json = excluded.settings_json`,
		id,
		string(settings),
		toMillis(nextRunStartAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert scheduled task: %w", err)
	}
	return nil
}

// ClaimTask implements TaskStore.ClaimTask
func (s *SQLiteTaskStore) ClaimTask(ctx context.Context, id, ticket string, now, staleBefore time.Time) (bool, error) {
	query := `
		UPDATE scheduled_tasks SET
			current_run_ticket = ?,
			current_run_started_at = ?
		WHERE id = ?
			AND next_run_start_at <= ?
			AND current_run_ticket IS NULL`
	args := []interface{}{ticket, toMillis(now), id, toMillis(now)}

	if !staleBefore.IsZero() {
		query = `
			UPDATE scheduled_tasks SET
				current_run_ticket = ?,
				current_run_started_at = ?
			WHERE id = ?
				AND next_run_start_at <= ?
				AND (current_run_ticket IS NULL OR current_run_started_at < ?)`
		args = append(args, toMillis(staleBefore))
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to claim scheduled task: %w", err)
	}
	return affectedOne(result)
}

// ReleaseTask implements TaskStore.ReleaseTask
func (s *SQLiteTaskStore) ReleaseTask(ctx context.Context, id, ticket string, nextRunStartAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET
			current_run_ticket = NULL,
			current_run_started_at = NULL,
			next_run_start_at = ?
		WHERE id = ? AND current_run_ticket = ?`,
		toMillis(nextRunStartAt),
		id,
		ticket,
	)
	if err != nil {
		return false, fmt.Errorf("failed to release scheduled task: %w", err)
	}
	return affectedOne(result)
}

// TriggerTask implements TaskStore.TriggerTask
func (s *SQLiteTaskStore) TriggerTask(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET next_run_start_at = ?
		WHERE id = ? AND current_run_ticket IS NULL`,
		toMillis(now),
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to trigger scheduled task: %w", err)
	}
	return affectedOne(result)
}

// TaskExists implements TaskStore.TaskExists
func (s *SQLiteTaskStore) TaskExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM scheduled_tasks WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check scheduled task: %w", err)
	}
	return true, nil
}

// GetTask implements TaskStore.GetTask
func (s *SQLiteTaskStore) GetTask(ctx context.Context, id string) (*model.ScheduledTaskRow, error) {
	var row model.ScheduledTaskRow
	var settings string
	var nextRun int64
	var ticket sql.NullString
	var startedAt sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, settings_json, next_run_start_at, current_run_ticket, current_run_started_at
		FROM scheduled_tasks
		WHERE id = ?`, id).Scan(
		&row.ID,
		&settings,
		&nextRun,
		&ticket,
		&startedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan scheduled task: %w", err)
	}

	row.Settings = []byte(settings)
	row.NextRunStartAt = fromMillis(nextRun)
	if ticket.Valid {
		row.CurrentRunTicket = &ticket.String
	}
	if startedAt.Valid {
		t := fromMillis(startedAt.Int64)
		row.CurrentRunStartedAt = &t
	}

	return &row, nil
}

// Close closes the database connection
func (s *SQLiteTaskStore) Close() error {
	return s.db.Close()
}

func affectedOne(result sql.Result) (bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected == 1, nil
}
