package domain

import (
	"time"
)

// Task is one requested download and its lifecycle state.
// URL and Destination never change after submission.
type Task struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	URL         string     `json:"url"`
	Destination string     `json:"destination"`
	Status      TaskStatus `json:"status"`
	Downloaded  int64      `json:"bytes_downloaded"`
	Total       int64      `json:"bytes_total"`
	Percent     int        `json:"percent"`
	Speed       string     `json:"speed,omitempty"`
	Error       string     `json:"error,omitempty"`
	Seq         int64      `json:"seq"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Percentage returns downloaded as a share of total in the range 0-100.
// It returns 0 when total is unknown.
func Percentage(downloaded, total int64) int {
	if total <= 0 {
		return 0
	}
	p := int(downloaded * 100 / total)
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
