package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veranemoloko/download-queue/internal/domain"
	errpkg "github.com/veranemoloko/download-queue/internal/errors"
	"github.com/veranemoloko/download-queue/internal/repository"
	"github.com/veranemoloko/download-queue/internal/storage"
)

func submit(t *testing.T, h *harness, name, url string) string {
	t.Helper()
	task, err := h.c.Submit(context.Background(), domain.SubmitRequest{
		Name:        name,
		URL:         url,
		Destination: h.dest(name),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusWaiting, task.Status)
	return task.ID
}

func TestCoordinator_CompletesDownload(t *testing.T) {
	srv := newGatedServer(t)
	h := newHarness(t, Options{MaxConcurrent: 3}, nil)

	id := submit(t, h, "a.bin", srv.url("/a"))
	h.waitStatus(t, id, domain.TaskStatusCompleted)

	data, err := os.ReadFile(h.dest("a.bin"))
	require.NoError(t, err)
	assert.Equal(t, srv.content, data)

	task, err := h.c.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 100, task.Percent)
	assert.EqualValues(t, len(srv.content), task.Downloaded)
	assert.EqualValues(t, len(srv.content), task.Total)
	assert.NotNil(t, task.FinishedAt)

	events := h.rec.events()
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventAdded, events[0].Type)
	assert.Equal(t, "a.bin", events[0].Name)
	last := events[len(events)-1]
	assert.Equal(t, domain.EventFinished, last.Type)
	assert.True(t, last.Success)
	assert.Equal(t, h.dest("a.bin"), last.Message)
	assert.Greater(t, h.rec.indexOf(domain.EventProgress, id), h.rec.indexOf(domain.EventStarted, id))
}

func TestCoordinator_FIFOAdmission(t *testing.T) {
	srv := newGatedServer(t)
	for _, p := range []string{"/a", "/b", "/c"} {
		srv.gate(p)
	}
	h := newHarness(t, Options{MaxConcurrent: 1}, nil)

	a := submit(t, h, "a", srv.url("/a"))
	b := submit(t, h, "b", srv.url("/b"))
	c := submit(t, h, "c", srv.url("/c"))

	assert.Equal(t, domain.TaskStatusDownloading, h.status(t, a))
	assert.Equal(t, domain.TaskStatusWaiting, h.status(t, b))
	assert.Equal(t, domain.TaskStatusWaiting, h.status(t, c))

	srv.release("/a")
	h.waitStatus(t, a, domain.TaskStatusCompleted)
	h.waitStatus(t, b, domain.TaskStatusDownloading)
	assert.Equal(t, domain.TaskStatusWaiting, h.status(t, c))
	assert.Empty(t, srv.requestsFor("/c"))

	srv.release("/b")
	h.waitStatus(t, b, domain.TaskStatusCompleted)
	h.waitStatus(t, c, domain.TaskStatusDownloading)

	srv.release("/c")
	h.waitStatus(t, c, domain.TaskStatusCompleted)

	startA := h.rec.indexOf(domain.EventStarted, a)
	startB := h.rec.indexOf(domain.EventStarted, b)
	startC := h.rec.indexOf(domain.EventStarted, c)
	assert.Less(t, startA, startB)
	assert.Less(t, h.rec.indexOf(domain.EventFinished, a), startB)
	assert.Less(t, h.rec.indexOf(domain.EventFinished, b), startC)
}

func TestCoordinator_SlotRecycling(t *testing.T) {
	srv := newGatedServer(t)
	for _, p := range []string{"/1", "/2", "/3"} {
		srv.gate(p)
	}
	h := newHarness(t, Options{MaxConcurrent: 2}, nil)

	t1 := submit(t, h, "1", srv.url("/1"))
	t2 := submit(t, h, "2", srv.url("/2"))
	t3 := submit(t, h, "3", srv.url("/3"))

	assert.Equal(t, domain.TaskStatusDownloading, h.status(t, t1))
	assert.Equal(t, domain.TaskStatusDownloading, h.status(t, t2))
	assert.Equal(t, domain.TaskStatusWaiting, h.status(t, t3))

	srv.release("/1")
	h.waitStatus(t, t1, domain.TaskStatusCompleted)
	assert.Equal(t, domain.TaskStatusDownloading, h.status(t, t3))

	finished := h.rec.indexOf(domain.EventFinished, t1)
	started := h.rec.indexOf(domain.EventStarted, t3)
	require.NotEqual(t, -1, finished)
	assert.Equal(t, finished+1, started, "task 3 must start right after task 1 finishes")

	assert.Equal(t, domain.TaskStatusDownloading, h.status(t, t2))
}

func TestCoordinator_CancelWaitingNeverStarts(t *testing.T) {
	srv := newGatedServer(t)
	srv.gate("/a")
	h := newHarness(t, Options{MaxConcurrent: 1}, nil)

	a := submit(t, h, "a", srv.url("/a"))
	b := submit(t, h, "b", srv.url("/b"))

	require.NoError(t, h.c.Cancel(b))
	assert.Equal(t, domain.TaskStatusCancelled, h.status(t, b))

	srv.release("/a")
	h.waitStatus(t, a, domain.TaskStatusCompleted)

	assert.Empty(t, srv.requestsFor("/b"))
	assert.Equal(t, -1, h.rec.indexOf(domain.EventStarted, b))
	assert.NotEqual(t, -1, h.rec.indexOf(domain.EventFinished, b))

	require.NoError(t, h.c.Cancel(b), "cancelling a terminal task is a no-op")
	assert.Equal(t, domain.TaskStatusCancelled, h.status(t, b))
}

func TestCoordinator_CancelRunningRemovesPartial(t *testing.T) {
	srv := newGatedServer(t)
	srv.gate("/a")
	h := newHarness(t, Options{MaxConcurrent: 1}, nil)

	a := submit(t, h, "a", srv.url("/a"))
	partial := storage.PartialPath(h.dest("a"))
	waitFor(t, 5*time.Second, func() bool {
		task, _ := h.c.Get(a)
		return task.Downloaded > 0
	})
	assert.FileExists(t, partial)

	require.NoError(t, h.c.Cancel(a))
	h.waitStatus(t, a, domain.TaskStatusCancelled)

	assert.NoFileExists(t, partial)
	assert.NoFileExists(t, h.dest("a"))

	idx := h.rec.indexOf(domain.EventFinished, a)
	require.NotEqual(t, -1, idx)
	ev := h.rec.events()[idx]
	assert.False(t, ev.Success)
	assert.Equal(t, "cancelled", ev.Message)
}

func TestCoordinator_PauseAndResume(t *testing.T) {
	srv := newGatedServer(t)
	srv.gate("/a")
	h := newHarness(t, Options{MaxConcurrent: 1}, nil)

	a := submit(t, h, "a", srv.url("/a"))
	b := submit(t, h, "b", srv.url("/b"))

	half := int64(len(srv.content) / 2)
	waitFor(t, 5*time.Second, func() bool {
		task, _ := h.c.Get(a)
		return task.Downloaded == half
	})

	require.NoError(t, h.c.Pause(a))
	assert.Equal(t, domain.TaskStatusPaused, h.status(t, a))
	waitFor(t, 5*time.Second, func() bool { return h.parked(a) })

	require.NoError(t, h.c.Pause(a), "pausing a paused task is a no-op")
	assert.Equal(t, domain.TaskStatusPaused, h.status(t, a))

	// the paused task keeps its slot
	assert.Equal(t, domain.TaskStatusWaiting, h.status(t, b))

	info, err := os.Stat(storage.PartialPath(h.dest("a")))
	require.NoError(t, err)
	assert.Equal(t, half, info.Size())

	require.NoError(t, h.c.Resume(a))
	assert.Equal(t, domain.TaskStatusDownloading, h.status(t, a))
	require.NoError(t, h.c.Resume(a), "resuming a downloading task is a no-op")
	assert.Equal(t, domain.TaskStatusDownloading, h.status(t, a))

	waitFor(t, 5*time.Second, func() bool { return len(srv.requestsFor("/a")) == 2 })
	srv.release("/a")
	h.waitStatus(t, a, domain.TaskStatusCompleted)

	reqs := srv.requestsFor("/a")
	assert.Equal(t, "", reqs[0])
	assert.Equal(t, "bytes=32-", reqs[1])

	data, err := os.ReadFile(h.dest("a"))
	require.NoError(t, err)
	assert.Equal(t, srv.content, data)

	h.waitStatus(t, b, domain.TaskStatusCompleted)

	assert.Less(t, h.rec.indexOf(domain.EventPaused, a), h.rec.indexOf(domain.EventResumed, a))
}

func TestCoordinator_ResumeBeforeTransferStops(t *testing.T) {
	srv := newGatedServer(t)
	srv.gate("/a")
	h := newHarness(t, Options{MaxConcurrent: 1}, nil)

	a := submit(t, h, "a", srv.url("/a"))
	waitFor(t, 5*time.Second, func() bool {
		task, _ := h.c.Get(a)
		return task.Downloaded > 0
	})

	require.NoError(t, h.c.Pause(a))
	require.NoError(t, h.c.Resume(a))

	waitFor(t, 5*time.Second, func() bool { return len(srv.requestsFor("/a")) == 2 })
	srv.release("/a")
	h.waitStatus(t, a, domain.TaskStatusCompleted)

	data, err := os.ReadFile(h.dest("a"))
	require.NoError(t, err)
	assert.Equal(t, srv.content, data)
}

func TestCoordinator_CancelPausedTask(t *testing.T) {
	srv := newGatedServer(t)
	srv.gate("/a")
	h := newHarness(t, Options{MaxConcurrent: 1}, nil)

	a := submit(t, h, "a", srv.url("/a"))
	b := submit(t, h, "b", srv.url("/b"))
	waitFor(t, 5*time.Second, func() bool {
		task, _ := h.c.Get(a)
		return task.Downloaded > 0
	})

	require.NoError(t, h.c.Pause(a))
	waitFor(t, 5*time.Second, func() bool { return h.parked(a) })
	assert.FileExists(t, storage.PartialPath(h.dest("a")))

	require.NoError(t, h.c.Cancel(a))
	assert.Equal(t, domain.TaskStatusCancelled, h.status(t, a))
	assert.NoFileExists(t, storage.PartialPath(h.dest("a")))

	h.waitStatus(t, b, domain.TaskStatusCompleted)
}

func TestCoordinator_CancelWhilePausing(t *testing.T) {
	srv := newGatedServer(t)
	srv.gate("/a")
	h := newHarness(t, Options{MaxConcurrent: 1}, nil)

	a := submit(t, h, "a", srv.url("/a"))
	waitFor(t, 5*time.Second, func() bool {
		task, _ := h.c.Get(a)
		return task.Downloaded > 0
	})

	require.NoError(t, h.c.Pause(a))
	require.NoError(t, h.c.Cancel(a))

	h.waitStatus(t, a, domain.TaskStatusCancelled)
	assert.NoFileExists(t, storage.PartialPath(h.dest("a")))
}

func TestCoordinator_FailureFreesSlot(t *testing.T) {
	srv := newGatedServer(t)
	srv.notFound("/missing")
	h := newHarness(t, Options{MaxConcurrent: 1}, nil)

	bad := submit(t, h, "bad", srv.url("/missing"))
	good := submit(t, h, "good", srv.url("/ok"))

	h.waitStatus(t, bad, domain.TaskStatusFailed)
	h.waitStatus(t, good, domain.TaskStatusCompleted)

	task, err := h.c.Get(bad)
	require.NoError(t, err)
	assert.Contains(t, task.Error, "404")

	ev := h.rec.events()[h.rec.indexOf(domain.EventFinished, bad)]
	assert.False(t, ev.Success)
	assert.Equal(t, domain.TaskStatusFailed, ev.Status)
}

func TestCoordinator_NoOpsAndUnknownIDs(t *testing.T) {
	srv := newGatedServer(t)
	srv.gate("/a")
	h := newHarness(t, Options{MaxConcurrent: 1}, nil)

	submit(t, h, "a", srv.url("/a"))
	b := submit(t, h, "b", srv.url("/b"))

	require.NoError(t, h.c.Pause(b))
	assert.Equal(t, domain.TaskStatusWaiting, h.status(t, b))
	require.NoError(t, h.c.Resume(b))
	assert.Equal(t, domain.TaskStatusWaiting, h.status(t, b))

	assert.ErrorIs(t, h.c.Pause("nope"), errpkg.ErrTaskNotFound)
	assert.ErrorIs(t, h.c.Resume("nope"), errpkg.ErrTaskNotFound)
	assert.ErrorIs(t, h.c.Cancel("nope"), errpkg.ErrTaskNotFound)
	_, err := h.c.Get("nope")
	assert.ErrorIs(t, err, errpkg.ErrTaskNotFound)

	_, err = h.c.Submit(context.Background(), domain.SubmitRequest{URL: srv.url("/x")})
	assert.ErrorIs(t, err, errpkg.ErrInvalidRequest)
}

func TestCoordinator_UniqueIDsUnderConcurrentSubmit(t *testing.T) {
	srv := newGatedServer(t)
	srv.notFound("/x")
	h := newHarness(t, Options{MaxConcurrent: 4}, nil)

	const n = 100
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]struct{}, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("file-%d", i)
			task, err := h.c.Submit(context.Background(), domain.SubmitRequest{
				Name:        name,
				URL:         srv.url("/x"),
				Destination: h.dest(name),
			})
			assert.NoError(t, err)
			mu.Lock()
			ids[task.ID] = struct{}{}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, ids, n)
	waitFor(t, 10*time.Second, func() bool {
		for _, task := range h.c.List() {
			if !task.Status.IsTerminal() {
				return false
			}
		}
		return true
	})
	assert.Len(t, h.c.List(), n)
}

func TestCoordinator_SetMaxConcurrentAdmits(t *testing.T) {
	srv := newGatedServer(t)
	srv.gate("/a")
	srv.gate("/b")
	h := newHarness(t, Options{MaxConcurrent: 1}, nil)

	submit(t, h, "a", srv.url("/a"))
	b := submit(t, h, "b", srv.url("/b"))
	assert.Equal(t, domain.TaskStatusWaiting, h.status(t, b))

	require.NoError(t, h.c.SetMaxConcurrent(2))
	assert.Equal(t, domain.TaskStatusDownloading, h.status(t, b))

	assert.ErrorIs(t, h.c.SetMaxConcurrent(0), errpkg.ErrInvalidRequest)
}

func TestCoordinator_RetainFinished(t *testing.T) {
	srv := newGatedServer(t)
	h := newHarness(t, Options{MaxConcurrent: 1, RetainFinished: 2}, nil)

	var ids []string
	for _, name := range []string{"1", "2", "3", "4"} {
		id := submit(t, h, name, srv.url("/"+name))
		ids = append(ids, id)
	}
	waitFor(t, 5*time.Second, func() bool {
		task, err := h.c.Get(ids[3])
		return err == nil && task.Status == domain.TaskStatusCompleted
	})

	list := h.c.List()
	require.Len(t, list, 2)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[3], list[1].ID)

	_, err := h.c.Get(ids[0])
	assert.ErrorIs(t, err, errpkg.ErrTaskNotFound)
}

func TestCoordinator_RetentionWindow(t *testing.T) {
	srv := newGatedServer(t)
	h := newHarness(t, Options{MaxConcurrent: 1, RetentionWindow: time.Hour}, nil)

	id := submit(t, h, "a", srv.url("/a"))
	h.waitStatus(t, id, domain.TaskStatusCompleted)

	h.c.mu.Lock()
	h.c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	h.c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.c.RunJanitor(ctx, 10*time.Millisecond) }()

	waitFor(t, 5*time.Second, func() bool {
		_, err := h.c.Get(id)
		return err != nil
	})
	cancel()
	assert.NoError(t, <-done)
}

func TestCoordinator_RecoverRequeuesUnfinished(t *testing.T) {
	srv := newGatedServer(t)
	dir := t.TempDir()
	repo, err := repository.NewTaskStorage(filepath.Join(dir, "state.json"))
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Now()
	seed := []domain.Task{
		{ID: "done", Seq: 1, Name: "done", URL: srv.url("/done"), Destination: filepath.Join(dir, "done"), Status: domain.TaskStatusCompleted, CreatedAt: now, UpdatedAt: now, FinishedAt: &now},
		{ID: "interrupted", Seq: 2, Name: "interrupted", URL: srv.url("/interrupted"), Destination: filepath.Join(dir, "interrupted"), Status: domain.TaskStatusDownloading, CreatedAt: now, UpdatedAt: now},
		{ID: "queued", Seq: 3, Name: "queued", URL: srv.url("/queued"), Destination: filepath.Join(dir, "queued"), Status: domain.TaskStatusWaiting, CreatedAt: now, UpdatedAt: now},
	}
	for _, task := range seed {
		require.NoError(t, repo.CreateTask(ctx, task))
	}
	require.NoError(t, os.WriteFile(storage.PartialPath(filepath.Join(dir, "interrupted")), srv.content[:10], 0o644))

	h := newHarness(t, Options{MaxConcurrent: 1}, repo)
	require.NoError(t, h.c.Recover(ctx))

	h.waitStatus(t, "interrupted", domain.TaskStatusCompleted)
	h.waitStatus(t, "queued", domain.TaskStatusCompleted)
	assert.Equal(t, []string{"bytes=10-"}, srv.requestsFor("/interrupted"))
	assert.Empty(t, srv.requestsFor("/done"))

	data, err := os.ReadFile(filepath.Join(dir, "interrupted"))
	require.NoError(t, err)
	assert.Equal(t, srv.content, data)

	next := submit(t, h, "next", srv.url("/next"))
	task, err := h.c.Get(next)
	require.NoError(t, err)
	assert.EqualValues(t, 4, task.Seq)

	stored, err := repo.GetTask(ctx, "queued")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, stored.Status)
}

func TestCoordinator_ShutdownKeepsPartial(t *testing.T) {
	srv := newGatedServer(t)
	srv.gate("/a")
	h := newHarness(t, Options{MaxConcurrent: 1}, nil)

	a := submit(t, h, "a", srv.url("/a"))
	waitFor(t, 5*time.Second, func() bool {
		task, _ := h.c.Get(a)
		return task.Downloaded > 0
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.c.Shutdown(ctx))

	assert.FileExists(t, storage.PartialPath(h.dest("a")))
	assert.Equal(t, domain.TaskStatusDownloading, h.status(t, a))

	_, err := h.c.Submit(context.Background(), domain.SubmitRequest{URL: srv.url("/b"), Destination: h.dest("b")})
	assert.ErrorIs(t, err, errpkg.ErrShuttingDown)
}

func TestCoordinator_RejectsBusyDestination(t *testing.T) {
	srv := newGatedServer(t)
	srv.gate("/same")
	h := newHarness(t, Options{MaxConcurrent: 2}, nil)

	first := submit(t, h, "same.bin", srv.url("/same"))

	_, err := h.c.Submit(context.Background(), domain.SubmitRequest{
		URL:         srv.url("/same"),
		Destination: h.dest("same.bin"),
	})
	assert.ErrorIs(t, err, errpkg.ErrInvalidRequest)
	assert.Len(t, h.c.List(), 1)

	srv.release("/same")
	h.waitStatus(t, first, domain.TaskStatusCompleted)
	assert.Equal(t, []string{""}, srv.requestsFor("/same"))

	data, err := os.ReadFile(h.dest("same.bin"))
	require.NoError(t, err)
	assert.Equal(t, srv.content, data)

	// a finished task releases its destination
	again := submit(t, h, "same.bin", srv.url("/same"))
	h.waitStatus(t, again, domain.TaskStatusCompleted)
}

func TestCoordinator_CancelledTaskReleasesDestination(t *testing.T) {
	srv := newGatedServer(t)
	srv.gate("/a")
	h := newHarness(t, Options{MaxConcurrent: 1}, nil)

	submit(t, h, "a", srv.url("/a"))
	queued := submit(t, h, "b", srv.url("/b"))
	require.NoError(t, h.c.Cancel(queued))

	next := submit(t, h, "b", srv.url("/b"))
	assert.NotEqual(t, queued, next)
}

func TestCoordinator_RecoverFailsConflictingDestination(t *testing.T) {
	srv := newGatedServer(t)
	dir := t.TempDir()
	repo, err := repository.NewTaskStorage(filepath.Join(dir, "state.json"))
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Now()
	dest := filepath.Join(dir, "shared.bin")
	for i, id := range []string{"older", "newer"} {
		require.NoError(t, repo.CreateTask(ctx, domain.Task{
			ID: id, Seq: int64(i + 1), Name: id, URL: srv.url("/" + id), Destination: dest,
			Status: domain.TaskStatusPaused, CreatedAt: now, UpdatedAt: now,
		}))
	}

	h := newHarness(t, Options{MaxConcurrent: 2}, repo)
	require.NoError(t, h.c.Recover(ctx))

	h.waitStatus(t, "older", domain.TaskStatusCompleted)
	task, err := h.c.Get("newer")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
	assert.Contains(t, task.Error, "in use")
	assert.Empty(t, srv.requestsFor("/newer"))

	stored, err := repo.GetTask(ctx, "newer")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
}

func TestCoordinator_UnknownTotalKeepsCounterCurrent(t *testing.T) {
	srv := newGatedServer(t)
	srv.gate("/stream")
	srv.unknownLength("/stream")
	h := newHarness(t, Options{MaxConcurrent: 1}, nil)

	id := submit(t, h, "stream", srv.url("/stream"))

	half := int64(len(srv.content) / 2)
	waitFor(t, 5*time.Second, func() bool {
		task, _ := h.c.Get(id)
		return task.Downloaded == half
	})
	task, err := h.c.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusDownloading, task.Status)
	assert.Zero(t, task.Total)
	assert.Zero(t, task.Percent)
	assert.Equal(t, -1, h.rec.indexOf(domain.EventProgress, id))

	srv.release("/stream")
	h.waitStatus(t, id, domain.TaskStatusCompleted)
	task, err = h.c.Get(id)
	require.NoError(t, err)
	assert.EqualValues(t, len(srv.content), task.Downloaded)
	assert.Equal(t, -1, h.rec.indexOf(domain.EventProgress, id))
}
