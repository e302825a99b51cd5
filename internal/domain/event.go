package domain

import "time"

// EventType identifies a task-lifecycle notification.
type EventType string

const (
	EventAdded    EventType = "added"
	EventStarted  EventType = "started"
	EventProgress EventType = "progress"
	EventSpeed    EventType = "speed"
	EventPaused   EventType = "paused"
	EventResumed  EventType = "resumed"
	EventFinished EventType = "finished"
)

// Event is published by the coordinator for every task state change and for
// transfer progress. Fields not relevant to Type are left zero.
type Event struct {
	Type       EventType  `json:"type"`
	TaskID     string     `json:"task_id"`
	Name       string     `json:"name,omitempty"`
	URL        string     `json:"url,omitempty"`
	Status     TaskStatus `json:"status,omitempty"`
	Percent    int        `json:"percent"`
	Downloaded int64      `json:"bytes_downloaded"`
	Total      int64      `json:"bytes_total"`
	Speed      string     `json:"speed,omitempty"`
	Success    bool       `json:"success,omitempty"`
	Message    string     `json:"message,omitempty"`
	Time       time.Time  `json:"time"`
}
