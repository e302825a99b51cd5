package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/veranemoloko/download-queue/internal/domain"
	errpkg "github.com/veranemoloko/download-queue/internal/errors"
)

// TaskStorage keeps tasks in memory and mirrors them to a JSON state file.
type TaskStorage struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
	file  string

	// writeMu serializes state file rewrites.
	writeMu sync.Mutex
}

var _ TaskRepo = (*TaskStorage)(nil)

// NewTaskStorage creates a new TaskStorage and loads tasks from the file if it exists.
func NewTaskStorage(filePath string) (*TaskStorage, error) {
	repo := &TaskStorage{
		tasks: make(map[string]domain.Task),
		file:  filepath.Clean(filePath),
	}

	if err := repo.restoreTasks(); err != nil {
		return nil, fmt.Errorf("failed to load state from file: %w", err)
	}

	slog.Info("File repository initialized", "file_path", repo.file, "tasks_count", len(repo.tasks))
	return repo, nil
}

func (r *TaskStorage) restoreTasks() error {
	if isFileNotExist(r.file) {
		slog.Info("State file does not exist, starting with empty state", "file_path", r.file)
		return nil
	}

	data, err := os.ReadFile(r.file)
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	if len(data) == 0 {
		slog.Warn("State file is empty")
		return nil
	}

	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return fmt.Errorf("failed to unmarshal state file: %w", err)
	}

	for _, task := range tasks {
		r.tasks[task.ID] = task
	}

	slog.Info("State loaded from file", "tasks_count", len(tasks), "file_path", r.file)
	return nil
}

func isFileNotExist(filePath string) bool {
	_, err := os.Stat(filePath)
	return os.IsNotExist(err)
}

func (r *TaskStorage) persistTasks() error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tasks := r.snapshot()

	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tasks: %w", err)
	}

	if dir := filepath.Dir(r.file); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	tempFile := r.file + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Rename(tempFile, r.file); err != nil {
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	slog.Debug("State saved to file", "tasks_count", len(tasks), "file_path", r.file)
	return nil
}

func (r *TaskStorage) snapshot() []domain.Task {
	r.mu.RLock()
	tasks := make([]domain.Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		tasks = append(tasks, task)
	}
	r.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Seq < tasks[j].Seq })
	return tasks
}

// CreateTask adds a new task and persists it to the file.
func (r *TaskStorage) CreateTask(ctx context.Context, task domain.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.tasks[task.ID] = task
	r.mu.Unlock()

	if err := r.persistTasks(); err != nil {
		return fmt.Errorf("failed to save state after creating task: %w", err)
	}

	slog.Debug("Task created and saved", "task_id", task.ID)
	return nil
}

// GetTask retrieves a task by ID.
func (r *TaskStorage) GetTask(ctx context.Context, id string) (domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return domain.Task{}, err
	}

	r.mu.RLock()
	task, exists := r.tasks[id]
	r.mu.RUnlock()

	if !exists {
		return domain.Task{}, errpkg.ErrTaskNotFound
	}
	return task, nil
}

// UpdateTask replaces an existing task and persists it to the file.
func (r *TaskStorage) UpdateTask(ctx context.Context, task domain.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.tasks[task.ID]; !exists {
		r.mu.Unlock()
		return errpkg.ErrTaskNotFound
	}
	r.tasks[task.ID] = task
	r.mu.Unlock()

	if err := r.persistTasks(); err != nil {
		return fmt.Errorf("failed to save state after updating task: %w", err)
	}

	slog.Debug("Task updated and saved", "task_id", task.ID, "status", task.Status)
	return nil
}

// DeleteTask removes a task and persists the change. Unknown ids are ignored.
func (r *TaskStorage) DeleteTask(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.tasks, id)
	r.mu.Unlock()

	if err := r.persistTasks(); err != nil {
		return fmt.Errorf("failed to save state after deleting task: %w", err)
	}
	return nil
}

// GetTasksByStatus returns all tasks with the specified status in submission order.
func (r *TaskStorage) GetTasksByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var filtered []domain.Task
	for _, task := range r.snapshot() {
		if task.Status == status {
			filtered = append(filtered, task)
		}
	}
	return filtered, nil
}

// Close is a no-op; every write is already on disk.
func (r *TaskStorage) Close() error {
	return nil
}
