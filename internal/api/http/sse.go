package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/veranemoloko/download-queue/internal/domain"
)

// EventSource is implemented by events.Broker.
type EventSource interface {
	Subscribe(buffer int) (<-chan domain.Event, func())
}

const keepAliveInterval = 15 * time.Second

// EventStream serves GET /events as text/event-stream. A "snapshot" event
// carrying the current task list is sent first; task events follow.
type EventStream struct {
	source      EventSource
	coordinator CoordinatorI
	logger      *slog.Logger
}

func NewEventStream(source EventSource, coordinator CoordinatorI, logger *slog.Logger) *EventStream {
	return &EventStream{source: source, coordinator: coordinator, logger: logger}
}

func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, unsubscribe := s.source.Subscribe(256)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "snapshot", domain.TaskListResponse{Tasks: s.coordinator.List()}); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, string(ev.Type), ev); err != nil {
				s.logger.Debug("event stream closed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
	return err
}
