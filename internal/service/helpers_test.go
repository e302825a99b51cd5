package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veranemoloko/download-queue/internal/domain"
	"github.com/veranemoloko/download-queue/internal/repository"
	"github.com/veranemoloko/download-queue/internal/storage"
	"github.com/veranemoloko/download-queue/internal/worker"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting condition")
}

// gatedServer serves the same content on every path. Paths with a gate send
// the first half of the requested range and hold the rest until released.
type gatedServer struct {
	*httptest.Server
	content []byte

	mu       sync.Mutex
	gates    map[string]chan struct{}
	requests map[string][]string
	missing  map[string]bool
	unsized  map[string]bool
}

func newGatedServer(t *testing.T) *gatedServer {
	t.Helper()
	s := &gatedServer{
		content:  []byte(strings.Repeat("0123456789abcdef", 4)),
		gates:    make(map[string]chan struct{}),
		requests: make(map[string][]string),
		missing:  make(map[string]bool),
		unsized:  make(map[string]bool),
	}
	s.Server = httptest.NewServer(s)
	t.Cleanup(func() {
		s.mu.Lock()
		for path, gate := range s.gates {
			select {
			case <-gate:
			default:
				close(gate)
			}
			delete(s.gates, path)
		}
		s.mu.Unlock()
		s.Server.Close()
	})
	return s
}

func (s *gatedServer) gate(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gates[path] = make(chan struct{})
}

func (s *gatedServer) release(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gate, ok := s.gates[path]; ok {
		close(gate)
		delete(s.gates, path)
	}
}

func (s *gatedServer) notFound(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missing[path] = true
}

// unknownLength makes path respond without Content-Length.
func (s *gatedServer) unknownLength(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsized[path] = true
}

func (s *gatedServer) requestsFor(path string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests[path]...)
}

func (s *gatedServer) url(path string) string {
	return s.URL + path
}

func (s *gatedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rng := r.Header.Get("Range")

	s.mu.Lock()
	s.requests[r.URL.Path] = append(s.requests[r.URL.Path], rng)
	gate := s.gates[r.URL.Path]
	missing := s.missing[r.URL.Path]
	unsized := s.unsized[r.URL.Path]
	s.mu.Unlock()

	if missing {
		http.NotFound(w, r)
		return
	}

	var offset int
	if rng != "" {
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"))
		if err != nil || n >= len(s.content) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		offset = n
	}
	body := s.content[offset:]

	if !unsized {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	}
	if offset > 0 {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(s.content)-1, len(s.content)))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	half := len(body) / 2
	_, _ = w.Write(body[:half])
	w.(http.Flusher).Flush()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	_, _ = w.Write(body[half:])
}

// recorder stores events and checks coordinator invariants on every
// notification. Notify runs with the coordinator lock held, so it may read
// the coordinator's fields directly.
type recorder struct {
	t  *testing.T
	c  *Coordinator
	mu sync.Mutex
	ev []domain.Event
}

func (r *recorder) Notify(ev domain.Event) {
	r.mu.Lock()
	r.ev = append(r.ev, ev)
	r.mu.Unlock()

	if r.c == nil {
		return
	}
	c := r.c
	if len(c.running) > c.maxConcurrent {
		r.t.Errorf("running %d exceeds max %d", len(c.running), c.maxConcurrent)
	}
	for _, id := range c.backlog {
		if task := c.tasks[id]; task != nil && task.Status != domain.TaskStatusWaiting {
			r.t.Errorf("backlog task %s has status %s", id, task.Status)
		}
	}
	for id := range c.running {
		st := c.tasks[id].Status
		if st != domain.TaskStatusDownloading && st != domain.TaskStatusPaused {
			r.t.Errorf("running task %s has status %s", id, st)
		}
	}
}

func (r *recorder) events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.ev...)
}

func (r *recorder) indexOf(typ domain.EventType, id string) int {
	for i, ev := range r.events() {
		if ev.Type == typ && ev.TaskID == id {
			return i
		}
	}
	return -1
}

type harness struct {
	c   *Coordinator
	rec *recorder
	dir string
}

func newHarness(t *testing.T, opts Options, repo repository.TaskRepo) *harness {
	t.Helper()
	dir := t.TempDir()
	rec := &recorder{t: t}
	c := NewCoordinator(opts, storage.NewFileStorage(dir), worker.NewHTTPClient(5*time.Second), repo, rec, newTestLogger())
	rec.c = c
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return &harness{c: c, rec: rec, dir: dir}
}

func (h *harness) dest(name string) string {
	return filepath.Join(h.dir, name)
}

func (h *harness) status(t *testing.T, id string) domain.TaskStatus {
	t.Helper()
	task, err := h.c.Get(id)
	require.NoError(t, err)
	return task.Status
}

func (h *harness) waitStatus(t *testing.T, id string, want domain.TaskStatus) {
	t.Helper()
	waitFor(t, 5*time.Second, func() bool { return h.status(t, id) == want })
}

// parked reports whether a paused task's transfer has fully stopped.
func (h *harness) parked(id string) bool {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	s, ok := h.c.running[id]
	return ok && s.transfer == nil
}
