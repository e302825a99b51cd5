package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/veranemoloko/download-queue/internal/domain"
	errpkg "github.com/veranemoloko/download-queue/internal/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	seq         INTEGER NOT NULL,
	name        TEXT NOT NULL,
	url         TEXT NOT NULL,
	destination TEXT NOT NULL,
	status      TEXT NOT NULL,
	downloaded  INTEGER NOT NULL DEFAULT 0,
	total       INTEGER NOT NULL DEFAULT 0,
	percent     INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	finished_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_seq ON tasks(seq);
`

const selectColumns = `SELECT id, seq, name, url, destination, status, downloaded, total, percent, error, created_at, updated_at, finished_at FROM tasks`

// SQLiteStorage persists tasks in a SQLite database.
type SQLiteStorage struct {
	db *sql.DB
}

var _ TaskRepo = (*SQLiteStorage)(nil)

// NewSQLiteStorage opens (or creates) the database at path and ensures the schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA busy_timeout = 5000;
		PRAGMA journal_mode = WAL;
	`); err != nil {
		slog.Warn("failed to apply sqlite pragmas", "error", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	slog.Info("SQLite repository initialized", "path", path)
	return &SQLiteStorage{db: db}, nil
}

// CreateTask inserts a new task.
func (s *SQLiteStorage) CreateTask(ctx context.Context, task domain.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, seq, name, url, destination, status, downloaded, total, percent, error, created_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Seq, task.Name, task.URL, task.Destination, string(task.Status),
		task.Downloaded, task.Total, task.Percent, task.Error,
		task.CreatedAt.UnixNano(), task.UpdatedAt.UnixNano(), nullableTime(task.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStorage) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, errpkg.ErrTaskNotFound
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// UpdateTask overwrites the mutable fields of an existing task.
func (s *SQLiteStorage) UpdateTask(ctx context.Context, task domain.Task) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, downloaded = ?, total = ?, percent = ?, error = ?, updated_at = ?, finished_at = ?
		WHERE id = ?`,
		string(task.Status), task.Downloaded, task.Total, task.Percent, task.Error,
		task.UpdatedAt.UnixNano(), nullableTime(task.FinishedAt), task.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n == 0 {
		return errpkg.ErrTaskNotFound
	}
	return nil
}

// DeleteTask removes a task. Unknown ids are ignored.
func (s *SQLiteStorage) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// GetTasksByStatus returns all tasks with the specified status in submission order.
func (s *SQLiteStorage) GetTasksByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error) {
	return s.query(ctx, selectColumns+` WHERE status = ? ORDER BY seq`, string(status))
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) query(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.Task, error) {
	var (
		task      domain.Task
		status    string
		createdAt int64
		updatedAt int64
		finished  sql.NullInt64
	)
	err := row.Scan(&task.ID, &task.Seq, &task.Name, &task.URL, &task.Destination, &status,
		&task.Downloaded, &task.Total, &task.Percent, &task.Error, &createdAt, &updatedAt, &finished)
	if err != nil {
		return domain.Task{}, err
	}

	task.Status = domain.TaskStatus(status)
	task.CreatedAt = time.Unix(0, createdAt)
	task.UpdatedAt = time.Unix(0, updatedAt)
	if finished.Valid {
		t := time.Unix(0, finished.Int64)
		task.FinishedAt = &t
	}
	return task, nil
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
