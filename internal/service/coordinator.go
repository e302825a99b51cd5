package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veranemoloko/download-queue/internal/domain"
	errpkg "github.com/veranemoloko/download-queue/internal/errors"
	"github.com/veranemoloko/download-queue/internal/metrics"
	"github.com/veranemoloko/download-queue/internal/repository"
	"github.com/veranemoloko/download-queue/internal/storage"
	"github.com/veranemoloko/download-queue/internal/worker"
)

// Notifier receives task events. Notify is called while the coordinator holds
// its lock: it must not block and must not call back into the coordinator.
type Notifier interface {
	Notify(domain.Event)
}

// Options configure a Coordinator.
type Options struct {
	// MaxConcurrent bounds the number of occupied slots. Default 3.
	MaxConcurrent int
	// RetainFinished is how many terminal tasks are kept; 0 keeps all.
	RetainFinished int
	// RetentionWindow evicts terminal tasks older than this; 0 disables it.
	RetentionWindow time.Duration
	Transfer        worker.Options
}

// Coordinator admits submitted downloads into a fixed number of slots in
// strict FIFO order and routes transfer reports to a Notifier.
//
// A slot is held by a task while it is downloading or paused. A paused task
// has no live transfer; resuming starts a new one that continues from the
// partial file with a range request.
type Coordinator struct {
	mu            sync.Mutex
	tasks         map[string]*domain.Task
	running       map[string]*slot
	backlog       []string
	destinations  map[string]string // destination -> id of the non-terminal task writing it
	maxConcurrent int
	seq           int64
	closed        bool

	files    *storage.FileStorage
	client   *http.Client
	repo     repository.TaskRepo
	notifier Notifier
	logger   *slog.Logger
	opts     Options
	now      func() time.Time
	wg       sync.WaitGroup
}

type slot struct {
	transfer *worker.Transfer // nil while parked
	started  time.Time

	// set while a stopping transfer has not reported yet
	resumeWanted bool
	cancelWanted bool
}

type nopNotifier struct{}

func (nopNotifier) Notify(domain.Event) {}

// NewCoordinator creates a Coordinator. repo and notifier may be nil.
func NewCoordinator(opts Options, files *storage.FileStorage, client *http.Client, repo repository.TaskRepo, notifier Notifier, logger *slog.Logger) *Coordinator {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Coordinator{
		tasks:         make(map[string]*domain.Task),
		running:       make(map[string]*slot),
		destinations:  make(map[string]string),
		maxConcurrent: opts.MaxConcurrent,
		files:         files,
		client:        client,
		repo:          repo,
		notifier:      notifier,
		logger:        logger,
		opts:          opts,
		now:           time.Now,
	}
}

// Submit records a new waiting task, appends it to the backlog and admits
// queued work into free slots. A destination already claimed by an unfinished
// task is rejected with ErrInvalidRequest.
func (c *Coordinator) Submit(ctx context.Context, req domain.SubmitRequest) (domain.Task, error) {
	if req.URL == "" || req.Destination == "" {
		return domain.Task{}, fmt.Errorf("%w: url and destination are required", errpkg.ErrInvalidRequest)
	}
	name := req.Name
	if name == "" {
		name = filepath.Base(req.Destination)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return domain.Task{}, errpkg.ErrShuttingDown
	}
	if owner, busy := c.destinations[req.Destination]; busy {
		return domain.Task{}, fmt.Errorf("%w: destination %s is in use by task %s",
			errpkg.ErrInvalidRequest, req.Destination, owner)
	}

	now := c.now()
	c.seq++
	task := &domain.Task{
		ID:          uuid.NewString(),
		Name:        name,
		URL:         req.URL,
		Destination: req.Destination,
		Status:      domain.TaskStatusWaiting,
		Seq:         c.seq,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if c.repo != nil {
		if err := c.repo.CreateTask(ctx, *task); err != nil {
			return domain.Task{}, fmt.Errorf("failed to save task: %w", err)
		}
	}

	c.tasks[task.ID] = task
	c.backlog = append(c.backlog, task.ID)
	c.destinations[task.Destination] = task.ID
	metrics.TasksSubmitted.Inc()

	c.logger.Info("task submitted", "task_id", task.ID, "name", name, "url", req.URL)
	c.emit(domain.EventAdded, task, nil)

	c.admit()
	return *task, nil
}

// Pause stops a downloading task and keeps its slot. It is a no-op for tasks
// that are waiting, already paused or finished.
func (c *Coordinator) Pause(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[id]
	if !ok {
		return errpkg.ErrTaskNotFound
	}
	s, running := c.running[id]
	if !running || task.Status != domain.TaskStatusDownloading {
		return nil
	}

	if s.transfer != nil {
		s.transfer.Pause()
	}
	s.resumeWanted = false

	c.transition(task, domain.TaskStatusPaused)
	task.Speed = ""
	c.persist(task)
	c.emit(domain.EventPaused, task, nil)
	return nil
}

// Resume continues a paused task from its partial file. It is a no-op for
// tasks that are not paused.
func (c *Coordinator) Resume(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[id]
	if !ok {
		return errpkg.ErrTaskNotFound
	}
	s, running := c.running[id]
	if !running || task.Status != domain.TaskStatusPaused {
		return nil
	}
	if c.closed {
		return errpkg.ErrShuttingDown
	}

	c.transition(task, domain.TaskStatusDownloading)
	c.persist(task)
	c.emit(domain.EventResumed, task, nil)

	if s.transfer != nil {
		// the paused transfer has not reported yet
		s.resumeWanted = true
		return nil
	}
	c.start(task)
	return nil
}

// Cancel stops a task for good. A waiting task is removed from the backlog
// without ever starting; a running one is signalled and reports Cancelled
// once its transfer has stopped.
func (c *Coordinator) Cancel(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[id]
	if !ok {
		return errpkg.ErrTaskNotFound
	}
	if task.Status.IsTerminal() {
		return nil
	}

	if task.Status == domain.TaskStatusWaiting {
		c.removeFromBacklog(id)
		c.finish(task, domain.TaskStatusCancelled, "cancelled")
		return nil
	}

	s, running := c.running[id]
	if !running {
		return nil
	}
	if s.transfer != nil {
		s.cancelWanted = true
		s.resumeWanted = false
		s.transfer.Cancel()
		return nil
	}

	// Parked: no transfer owns the partial file.
	if err := c.files.Discard(task.Destination); err != nil {
		c.logger.Warn("failed to remove partial file", "task_id", id, "error", err)
	}
	c.finish(task, domain.TaskStatusCancelled, "cancelled")
	return nil
}

// Get returns a snapshot of a task.
func (c *Coordinator) Get(id string) (domain.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[id]
	if !ok {
		return domain.Task{}, errpkg.ErrTaskNotFound
	}
	return *task, nil
}

// List returns snapshots of all retained tasks in submission order.
func (c *Coordinator) List() []domain.Task {
	c.mu.Lock()
	tasks := make([]domain.Task, 0, len(c.tasks))
	for _, task := range c.tasks {
		tasks = append(tasks, *task)
	}
	c.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Seq < tasks[j].Seq })
	return tasks
}

// SetMaxConcurrent changes the slot ceiling. Lowering it never stops running
// transfers; it only delays further admissions.
func (c *Coordinator) SetMaxConcurrent(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: max concurrent must be positive: %d", errpkg.ErrInvalidRequest, n)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.maxConcurrent = n
	c.logger.Info("concurrency limit changed", "max_concurrent", n)
	c.admit()
	return nil
}

var (
	pendingStatuses  = []domain.TaskStatus{domain.TaskStatusWaiting, domain.TaskStatusDownloading, domain.TaskStatusPaused}
	finishedStatuses = []domain.TaskStatus{domain.TaskStatusCompleted, domain.TaskStatusFailed, domain.TaskStatusCancelled}
)

// Recover loads persisted tasks. Unfinished tasks go back to the backlog as
// waiting in their original submission order and are admitted; their partial
// files make the new transfers resume where the old ones stopped. Call it
// before the first Submit.
func (c *Coordinator) Recover(ctx context.Context) error {
	if c.repo == nil {
		return nil
	}

	pending, err := c.loadByStatus(ctx, pendingStatuses)
	if err != nil {
		return err
	}
	finished, err := c.loadByStatus(ctx, finishedStatuses)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range finished {
		task := finished[i]
		c.seq = max(c.seq, task.Seq)
		c.tasks[task.ID] = &task
	}

	requeued := 0
	for i := range pending {
		task := pending[i]
		c.seq = max(c.seq, task.Seq)
		c.tasks[task.ID] = &task

		task.Speed = ""
		task.UpdatedAt = c.now()

		if owner, busy := c.destinations[task.Destination]; busy {
			// An older unfinished task already owns the file.
			now := c.now()
			task.Status = domain.TaskStatusFailed
			task.Error = fmt.Sprintf("destination %s is in use by task %s", task.Destination, owner)
			task.FinishedAt = &now
			c.persist(&task)
			c.logger.Warn("recovered task conflicts on destination", "task_id", task.ID, "owner", owner)
			continue
		}

		task.Status = domain.TaskStatusWaiting
		c.destinations[task.Destination] = task.ID
		c.backlog = append(c.backlog, task.ID)
		c.persist(&task)
		requeued++
	}

	c.logger.Info("tasks recovered", "total", len(pending)+len(finished), "requeued", requeued)
	c.evict()
	c.admit()
	return nil
}

// loadByStatus reads the tasks in each status and orders them by submission.
func (c *Coordinator) loadByStatus(ctx context.Context, statuses []domain.TaskStatus) ([]domain.Task, error) {
	var tasks []domain.Task
	for _, status := range statuses {
		batch, err := c.repo.GetTasksByStatus(ctx, status)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s tasks: %w", status, err)
		}
		tasks = append(tasks, batch...)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Seq < tasks[j].Seq })
	return tasks, nil
}

// RunJanitor evicts expired terminal tasks every interval until ctx is done.
func (c *Coordinator) RunJanitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.mu.Lock()
			c.evict()
			c.mu.Unlock()
		}
	}
}

// Shutdown stops admitting work and stops every live transfer, keeping
// partial files so the tasks resume after a restart.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.logger.Info("shutting down coordinator")

	c.mu.Lock()
	c.closed = true
	for _, s := range c.running {
		if s.transfer != nil {
			s.transfer.Pause()
		}
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("coordinator shutdown completed")
		return nil
	case <-ctx.Done():
		c.logger.Warn("coordinator shutdown timed out")
		return ctx.Err()
	}
}

// admit fills free slots from the head of the backlog. Caller holds c.mu.
func (c *Coordinator) admit() {
	for !c.closed && len(c.running) < c.maxConcurrent && len(c.backlog) > 0 {
		id := c.backlog[0]
		c.backlog = c.backlog[1:]

		task, ok := c.tasks[id]
		if !ok || task.Status != domain.TaskStatusWaiting {
			continue
		}

		c.running[id] = &slot{}
		c.transition(task, domain.TaskStatusDownloading)
		c.persist(task)
		c.emit(domain.EventStarted, task, nil)
		c.start(task)
	}
	c.updateGauges()
}

// start launches a transfer for a task that holds a slot. Caller holds c.mu.
func (c *Coordinator) start(task *domain.Task) {
	s := c.running[task.ID]
	tr := worker.NewTransfer(task.ID, task.URL, task.Destination, c.client, c.files,
		relay{c: c}, c.logger, c.opts.Transfer)
	s.transfer = tr
	s.started = c.now()
	metrics.TransfersStarted.Inc()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res := tr.Run(context.Background())
		c.onResult(tr, res)
	}()
}

func (c *Coordinator) onResult(tr *worker.Transfer, res worker.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[res.TaskID]
	s, running := c.running[res.TaskID]
	if !ok || !running || s.transfer != tr {
		return
	}
	s.transfer = nil

	metrics.TransferDuration.WithLabelValues(res.Outcome.String()).Observe(c.now().Sub(s.started).Seconds())

	task.Downloaded = res.Downloaded
	if res.Total > 0 {
		task.Total = res.Total
		task.Percent = domain.Percentage(res.Downloaded, res.Total)
	}
	task.Speed = ""

	switch res.Outcome {
	case worker.OutcomeCompleted:
		task.Percent = 100
		c.finish(task, domain.TaskStatusCompleted, res.Path)

	case worker.OutcomeCancelled:
		c.finish(task, domain.TaskStatusCancelled, "cancelled")

	case worker.OutcomeFailed:
		task.Error = res.Err.Error()
		c.finish(task, domain.TaskStatusFailed, task.Error)

	case worker.OutcomePaused:
		switch {
		case s.cancelWanted:
			if err := c.files.Discard(task.Destination); err != nil {
				c.logger.Warn("failed to remove partial file", "task_id", task.ID, "error", err)
			}
			c.finish(task, domain.TaskStatusCancelled, "cancelled")
		case c.closed:
			// Stopped by Shutdown: keep the persisted state resumable.
			c.persist(task)
		case s.resumeWanted:
			s.resumeWanted = false
			c.start(task)
		default:
			c.persist(task)
		}
	}
}

// finish moves a task into a terminal state, frees its slot and admits the
// next backlog entry. Caller holds c.mu.
func (c *Coordinator) finish(task *domain.Task, status domain.TaskStatus, message string) {
	delete(c.running, task.ID)
	if c.destinations[task.Destination] == task.ID {
		delete(c.destinations, task.Destination)
	}

	now := c.now()
	c.transition(task, status)
	task.FinishedAt = &now
	task.Speed = ""
	c.persist(task)

	metrics.TasksFinished.WithLabelValues(string(status)).Inc()
	c.logger.Info("task finished", "task_id", task.ID, "status", status, "message", message)
	c.emit(domain.EventFinished, task, func(ev *domain.Event) {
		ev.Success = status == domain.TaskStatusCompleted
		ev.Message = message
	})

	c.admit()
	c.evict()
}

func (c *Coordinator) transition(task *domain.Task, next domain.TaskStatus) {
	if !task.Status.CanTransition(next) {
		c.logger.Error("invalid status transition", "task_id", task.ID, "from", task.Status, "to", next)
	}
	task.Status = next
	task.UpdatedAt = c.now()
}

func (c *Coordinator) removeFromBacklog(id string) {
	for i, queued := range c.backlog {
		if queued == id {
			c.backlog = append(c.backlog[:i], c.backlog[i+1:]...)
			return
		}
	}
}

// evict drops terminal tasks beyond the retention limits. Caller holds c.mu.
func (c *Coordinator) evict() {
	var finished []*domain.Task
	for _, task := range c.tasks {
		if task.Status.IsTerminal() {
			finished = append(finished, task)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finishedAt(finished[i]).Before(finishedAt(finished[j])) })

	cutoff := time.Time{}
	if c.opts.RetentionWindow > 0 {
		cutoff = c.now().Add(-c.opts.RetentionWindow)
	}

	excess := 0
	if c.opts.RetainFinished > 0 && len(finished) > c.opts.RetainFinished {
		excess = len(finished) - c.opts.RetainFinished
	}

	for i, task := range finished {
		if i >= excess && !finishedAt(task).Before(cutoff) {
			continue
		}
		delete(c.tasks, task.ID)
		if c.repo != nil {
			if err := c.repo.DeleteTask(context.Background(), task.ID); err != nil {
				c.logger.Error("failed to delete evicted task", "task_id", task.ID, "error", err)
			}
		}
		c.logger.Debug("task evicted", "task_id", task.ID, "status", task.Status)
	}
}

func finishedAt(task *domain.Task) time.Time {
	if task.FinishedAt != nil {
		return *task.FinishedAt
	}
	return task.UpdatedAt
}

func (c *Coordinator) persist(task *domain.Task) {
	if c.repo == nil {
		return
	}
	if err := c.repo.UpdateTask(context.Background(), *task); err != nil {
		c.logger.Error("failed to persist task", "task_id", task.ID, "status", task.Status, "error", err)
	}
}

func (c *Coordinator) emit(typ domain.EventType, task *domain.Task, fill func(*domain.Event)) {
	ev := domain.Event{
		Type:       typ,
		TaskID:     task.ID,
		Status:     task.Status,
		Percent:    task.Percent,
		Downloaded: task.Downloaded,
		Total:      task.Total,
		Speed:      task.Speed,
		Time:       c.now(),
	}
	if typ == domain.EventAdded {
		ev.Name = task.Name
		ev.URL = task.URL
	}
	if fill != nil {
		fill(&ev)
	}
	c.notifier.Notify(ev)
}

func (c *Coordinator) updateGauges() {
	metrics.TasksRunning.Set(float64(len(c.running)))
	metrics.TasksWaiting.Set(float64(len(c.backlog)))
}
