package domain

// SubmitRequest represents the request body for submitting a new download.
type SubmitRequest struct {
	Name        string `json:"name" validate:"omitempty,max=255"`
	URL         string `json:"url" validate:"required,url,startswith=http"`
	Destination string `json:"destination" validate:"omitempty,max=4096"`
}

// SubmitResponse is returned after a task has been accepted.
type SubmitResponse struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
}

// TaskListResponse wraps a list of task snapshots.
type TaskListResponse struct {
	Tasks []Task `json:"tasks"`
}

// ConcurrencyRequest changes the number of download slots.
type ConcurrencyRequest struct {
	MaxConcurrent int `json:"max_concurrent" validate:"required,min=1,max=64"`
}
