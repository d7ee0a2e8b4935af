package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/tss/internal/model"
)

// HistoryFilter narrows List and Count. Empty fields match everything.
type HistoryFilter struct {
	TaskID     string
	InstanceID string
	Status     model.RunStatus
}

// TaskHistoryStorage defines the interface for task run history storage
type TaskHistoryStorage interface {
	// Store stores a finished task run
	Store(ctx context.Context, run *model.TaskRun) error

	// Get retrieves a task run by ID
	Get(ctx context.Context, id string) (*model.TaskRun, error)

	// List retrieves task runs, newest first, with pagination and filters
	List(ctx context.Context, filter HistoryFilter, offset, limit int) ([]*model.TaskRun, error)

	// Count returns the total number of runs matching the filter
	Count(ctx context.Context, filter HistoryFilter) (int, error)

	// DeleteBefore deletes runs started before the specified time
	DeleteBefore(ctx context.Context, before time.Time) error
}

// SQLiteTaskHistory implements TaskHistoryStorage using SQLite
type SQLiteTaskHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteTaskHistory creates a new SQLite-based task history storage
func NewSQLiteTaskHistory(logger *zap.Logger, dbPath string) (*SQLiteTaskHistory, error) {
	db, err := openSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	storage := &SQLiteTaskHistory{
		logger: logger,
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteTaskHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_history (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			ticket TEXT,
			instance_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			started_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL,
			duration INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_task_history_task_id ON task_history(task_id);
		CREATE INDEX IF NOT EXISTS idx_task_history_status ON task_history(status);
		CREATE INDEX IF NOT EXISTS idx_task_history_started_at ON task_history(started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Store implements TaskHistoryStorage.Store
func (s *SQLiteTaskHistory) Store(ctx context.Context, run *model.TaskRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_history (
			id, task_id, ticket, instance_id, mode, status, error, started_at, completed_at, duration
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.TaskID,
		sql.NullString{String: run.Ticket, Valid: run.Ticket != ""},
		run.InstanceID,
		run.Mode,
		run.Status,
		sql.NullString{String: run.Error, Valid: run.Error != ""},
		toMillis(run.StartedAt),
		toMillis(run.CompletedAt),
		int64(run.Duration),
	)
	if err != nil {
		return fmt.Errorf("failed to store task history: %w", err)
	}
	return nil
}

const historyColumns = "id, task_id, ticket, instance_id, mode, status, error, started_at, completed_at, duration"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*model.TaskRun, error) {
	run := &model.TaskRun{}
	var ticket, errorStr sql.NullString
	var startedAt, completedAt, duration int64

	err := row.Scan(
		&run.ID,
		&run.TaskID,
		&ticket,
		&run.InstanceID,
		&run.Mode,
		&run.Status,
		&errorStr,
		&startedAt,
		&completedAt,
		&duration,
	)
	if err != nil {
		return nil, err
	}

	if ticket.Valid {
		run.Ticket = ticket.String
	}
	if errorStr.Valid {
		run.Error = errorStr.String
	}
	run.StartedAt = fromMillis(startedAt)
	run.CompletedAt = fromMillis(completedAt)
	run.Duration = time.Duration(duration)
	return run, nil
}

// Get implements TaskHistoryStorage.Get
func (s *SQLiteTaskHistory) Get(ctx context.Context, id string) (*model.TaskRun, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+historyColumns+" FROM task_history WHERE id = ?", id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan task history: %w", err)
	}
	return run, nil
}

func (f HistoryFilter) where() (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.InstanceID != "" {
		clauses = append(clauses, "instance_id = ?")
		args = append(args, f.InstanceID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// List implements TaskHistoryStorage.List
func (s *SQLiteTaskHistory) List(ctx context.Context, filter HistoryFilter, offset, limit int) ([]*model.TaskRun, error) {
	where, args := filter.where()
	query := "SELECT " + historyColumns + " FROM task_history" + where +
		" ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task history: %w", err)
	}
	defer rows.Close()

	var runs []*model.TaskRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task history: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return runs, nil
}

// Count implements TaskHistoryStorage.Count
func (s *SQLiteTaskHistory) Count(ctx context.Context, filter HistoryFilter) (int, error) {
	where, args := filter.where()

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_history"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count task history: %w", err)
	}
	return count, nil
}

// DeleteBefore implements TaskHistoryStorage.DeleteBefore
func (s *SQLiteTaskHistory) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM task_history WHERE started_at < ?", toMillis(before))
	if err != nil {
		return fmt.Errorf("failed to delete task history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old task history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return nil
}

// Close closes the database connection
func (s *SQLiteTaskHistory) Close() error {
	return s.db.Close()
}
