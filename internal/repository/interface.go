package repository

import (
	"context"

	"github.com/veranemoloko/download-queue/internal/domain"
)

// TaskRepo defines the interface for task storage operations.
// Implementations store copies; callers never share memory with the store.
type TaskRepo interface {
	CreateTask(ctx context.Context, task domain.Task) error
	GetTask(ctx context.Context, id string) (domain.Task, error)
	UpdateTask(ctx context.Context, task domain.Task) error
	DeleteTask(ctx context.Context, id string) error
	// GetTasksByStatus returns the tasks in one status in submission order.
	GetTasksByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error)
	Close() error
}
