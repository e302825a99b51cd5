package domain

// TaskStatus represents the current state of a Task.
type TaskStatus string

const (
	TaskStatusWaiting     TaskStatus = "waiting"
	TaskStatusDownloading TaskStatus = "downloading"
	TaskStatusPaused      TaskStatus = "paused"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusFailed      TaskStatus = "failed"
	TaskStatusCancelled   TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transition may leave s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a task may move from s to next.
//
//	waiting     -> downloading | cancelled
//	downloading -> paused | completed | failed | cancelled
//	paused      -> downloading | completed | failed | cancelled
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskStatusWaiting:
		return next == TaskStatusDownloading || next == TaskStatusCancelled
	case TaskStatusDownloading:
		return next == TaskStatusPaused || next.IsTerminal()
	case TaskStatusPaused:
		return next == TaskStatusDownloading || next.IsTerminal()
	}
	return false
}
