package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/veranemoloko/download-queue/internal/domain"
	errpkg "github.com/veranemoloko/download-queue/internal/errors"
	"github.com/veranemoloko/download-queue/internal/storage"
	"github.com/veranemoloko/download-queue/internal/validation"
)

// CoordinatorI defines the queue operations exposed over HTTP.
type CoordinatorI interface {
	Submit(ctx context.Context, req domain.SubmitRequest) (domain.Task, error)
	Get(id string) (domain.Task, error)
	List() []domain.Task
	Pause(id string) error
	Resume(id string) error
	Cancel(id string) error
	SetMaxConcurrent(n int) error
}

// DestinationResolver maps a requested destination to a path inside the
// download directory.
type DestinationResolver interface {
	Resolve(name, rawURL string) (string, error)
}

// TaskHandler handles HTTP requests for tasks.
type TaskHandler struct {
	coordinator  CoordinatorI
	resolver     DestinationResolver
	validator    *validator.Validate
	allowPrivate bool
	logger       *slog.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(coordinator CoordinatorI, resolver DestinationResolver, allowPrivate bool, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		coordinator:  coordinator,
		resolver:     resolver,
		validator:    validator.New(),
		allowPrivate: allowPrivate,
		logger:       logger,
	}
}

// CreateTask handles POST /tasks.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req domain.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("failed to decode request", "error", err)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := validation.ValidateRequest(req, h.allowPrivate); err != nil {
		h.logger.Warn("validation failed", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	dest, err := h.resolver.Resolve(req.Destination, req.URL)
	if err != nil {
		h.logger.Warn("invalid destination", "destination", req.Destination, "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Destination = dest

	task, err := h.coordinator.Submit(r.Context(), req)
	if err != nil {
		h.handleError(w, "failed to submit task", "", err)
		return
	}

	writeJSON(w, http.StatusCreated, domain.SubmitResponse{
		TaskID: task.ID,
		Status: task.Status,
	})
}

// ListTasks handles GET /tasks.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, domain.TaskListResponse{Tasks: h.coordinator.List()})
}

// GetTask handles GET /tasks/{taskID}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	task, err := h.coordinator.Get(taskID)
	if err != nil {
		h.handleError(w, "failed to get task", taskID, err)
		return
	}

	writeJSON(w, http.StatusOK, task)
}

// PauseTask handles POST /tasks/{taskID}/pause.
func (h *TaskHandler) PauseTask(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "pause", h.coordinator.Pause)
}

// ResumeTask handles POST /tasks/{taskID}/resume.
func (h *TaskHandler) ResumeTask(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "resume", h.coordinator.Resume)
}

// CancelTask handles POST /tasks/{taskID}/cancel.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "cancel", h.coordinator.Cancel)
}

// SetConcurrency handles PUT /settings/concurrency.
func (h *TaskHandler) SetConcurrency(w http.ResponseWriter, r *http.Request) {
	var req domain.ConcurrencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.coordinator.SetMaxConcurrent(req.MaxConcurrent); err != nil {
		h.handleError(w, "failed to change concurrency", "", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *TaskHandler) control(w http.ResponseWriter, r *http.Request, action string, op func(string) error) {
	taskID := chi.URLParam(r, "taskID")

	if err := op(taskID); err != nil {
		h.handleError(w, "failed to "+action+" task", taskID, err)
		return
	}

	h.logger.Info("task control", "task_id", taskID, "action", action)
	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskHandler) handleError(w http.ResponseWriter, msg, taskID string, err error) {
	switch {
	case errors.Is(err, errpkg.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, errpkg.ErrInvalidRequest), errors.Is(err, storage.ErrOutsideRoot):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errpkg.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "service is shutting down")
	default:
		h.logger.Error(msg, "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
