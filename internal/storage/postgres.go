package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/t77yq/tss/internal/model"
)

// PostgresConfig holds connection settings for the PostgreSQL task store
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// DSN renders the config as a libpq keyword/value connection string
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// PostgresTaskStore implements TaskStore using PostgreSQL. It is the store to
// use when instances run on different hosts.
type PostgresTaskStore struct {
	logger *zap.Logger
	pool   *pgxpool.Pool
}

// NewPostgresTaskStore connects to PostgreSQL and creates the scheduled task
// table if needed
func NewPostgresTaskStore(ctx context.Context, logger *zap.Logger, dsn string, maxConns int32) (*PostgresTaskStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresTaskStore{
		logger: logger,
		pool:   pool,
	}
	if err := store.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("Opened scheduled task store",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database))
	return store, nil
}

func (s *PostgresTaskStore) initialize(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			settings_json TEXT NOT NULL,
			next_run_start_at TIMESTAMPTZ NOT NULL,
			current_run_ticket TEXT,
			current_run_started_at TIMESTAMPTZ
		)`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// UpsertTask implements TaskStore.UpsertTask
func (s *PostgresTaskStore) UpsertTask(ctx context.Context, id string, settings []byte, nextRunStartAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduled_tasks (id, settings_json, next_run_start_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET settings_json = EXCLUDED.settings_json`,
		id, string(settings), nextRunStartAt)
	if err != nil {
		return fmt.Errorf("failed to upsert scheduled task: %w", err)
	}
	return nil
}

// ClaimTask implements TaskStore.ClaimTask
func (s *PostgresTaskStore) ClaimTask(ctx context.Context, id, ticket string, now, staleBefore time.Time) (bool, error) {
	var tag pgconn.CommandTag
	var err error
	if staleBefore.IsZero() {
		tag, err = s.pool.Exec(ctx, `
			UPDATE scheduled_tasks SET current_run_ticket = $1, current_run_started_at = $2
			WHERE id = $3 AND next_run_start_at <= $2 AND current_run_ticket IS NULL`,
			ticket, now, id)
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE scheduled_tasks SET current_run_ticket = $1, current_run_started_at = $2
			WHERE id = $3 AND next_run_start_at <= $2
				AND (current_run_ticket IS NULL OR current_run_started_at < $4)`,
			ticket, now, id, staleBefore)
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim scheduled task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseTask implements TaskStore.ReleaseTask
func (s *PostgresTaskStore) ReleaseTask(ctx context.Context, id, ticket string, nextRunStartAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_tasks SET
			current_run_ticket = NULL,
			current_run_started_at = NULL,
			next_run_start_at = $1
		WHERE id = $2 AND current_run_ticket = $3`,
		nextRunStartAt, id, ticket)
	if err != nil {
		return false, fmt.Errorf("failed to release scheduled task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TriggerTask implements TaskStore.TriggerTask
func (s *PostgresTaskStore) TriggerTask(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_tasks SET next_run_start_at = $1
		WHERE id = $2 AND current_run_ticket IS NULL`,
		now, id)
	if err != nil {
		return false, fmt.Errorf("failed to trigger scheduled task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TaskExists implements TaskStore.TaskExists
func (s *PostgresTaskStore) TaskExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, "SELECT 1 FROM scheduled_tasks WHERE id = $1", id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check scheduled task: %w", err)
	}
	return true, nil
}

// GetTask implements TaskStore.GetTask
func (s *PostgresTaskStore) GetTask(ctx context.Context, id string) (*model.ScheduledTaskRow, error) {
	var row model.ScheduledTaskRow
	var settings string

	err := s.pool.QueryRow(ctx, `
		SELECT id, settings_json, next_run_start_at, current_run_ticket, current_run_started_at
		FROM scheduled_tasks
		WHERE id = $1`, id).Scan(
		&row.ID,
		&settings,
		&row.NextRunStartAt,
		&row.CurrentRunTicket,
		&row.CurrentRunStartedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan scheduled task: %w", err)
	}
	row.Settings = []byte(settings)
	return &row, nil
}

// Close closes the connection pool
func (s *PostgresTaskStore) Close() error {
	s.pool.Close()
	return nil
}
