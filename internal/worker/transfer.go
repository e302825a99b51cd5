package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/veranemoloko/download-queue/internal/domain"
	errpkg "github.com/veranemoloko/download-queue/internal/errors"
	"github.com/veranemoloko/download-queue/internal/storage"
)

// ChunkSize is the read buffer used for streaming response bodies.
const ChunkSize = 32 * 1024

// Outcome is how a Transfer ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeFailed
	OutcomeCancelled
	// OutcomePaused means the transfer stopped on request and left its
	// partial file in place for a later range resume.
	OutcomePaused
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Result is reported exactly once when Run returns.
type Result struct {
	TaskID     string
	Outcome    Outcome
	Path       string
	Downloaded int64
	Total      int64
	Err        error
}

// Progress carries byte counters after a chunk has been written.
type Progress struct {
	TaskID     string
	Percent    int
	Downloaded int64
	Total      int64
}

// Speed is a throughput sample taken at most once per second.
type Speed struct {
	TaskID         string
	BytesPerSecond float64
	Text           string
}

// Observer receives reports from the transfer goroutine.
type Observer interface {
	OnProgress(Progress)
	OnSpeed(Speed)
}

// Options tune a Transfer.
type Options struct {
	// ReadTimeout fails the transfer when no data arrives for this long.
	ReadTimeout time.Duration
	UserAgent   string
}

// Transfer downloads one URL into one destination file, resuming from the
// partial file left by an earlier attempt.
type Transfer struct {
	taskID   string
	url      string
	dest     string
	client   *http.Client
	files    *storage.FileStorage
	observer Observer
	logger   *slog.Logger
	opts     Options

	// ctrl carries stop commands; the cause becomes the context cause.
	ctrl chan error
}

// NewTransfer creates a Transfer. It does nothing until Run is called.
func NewTransfer(taskID, url, dest string, client *http.Client, files *storage.FileStorage, observer Observer, logger *slog.Logger, opts Options) *Transfer {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 120 * time.Second
	}
	return &Transfer{
		taskID:   taskID,
		url:      url,
		dest:     dest,
		client:   client,
		files:    files,
		observer: observer,
		logger:   logger.With("task_id", taskID),
		opts:     opts,
		ctrl:     make(chan error, 2),
	}
}

// Pause asks the transfer to stop and keep its partial file.
func (t *Transfer) Pause() {
	t.send(errpkg.ErrPaused)
}

// Cancel asks the transfer to stop and delete its partial file.
func (t *Transfer) Cancel() {
	t.send(errpkg.ErrCancelled)
}

func (t *Transfer) send(cmd error) {
	select {
	case t.ctrl <- cmd:
	default:
	}
}

// Run performs the download and blocks until it ends. The first stop command
// received wins; it is observed at the next chunk boundary or interrupts a
// blocked read.
func (t *Transfer) Run(ctx context.Context) Result {
	ctx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	go func() {
		select {
		case cause := <-t.ctrl:
			stop(cause)
		case <-ctx.Done():
		}
	}()

	downloaded, total, err := t.fetch(ctx, stop)
	res := Result{
		TaskID:     t.taskID,
		Downloaded: downloaded,
		Total:      total,
		Err:        err,
	}

	switch {
	case err == nil:
		res.Outcome = OutcomeCompleted
		res.Path = t.dest
		t.logger.Info("download completed", "path", t.dest, "bytes", downloaded)
	case errors.Is(err, errpkg.ErrCancelled):
		res.Outcome = OutcomeCancelled
		if derr := t.files.Discard(t.dest); derr != nil {
			t.logger.Warn("failed to remove partial file", "error", derr)
		}
		t.logger.Info("download cancelled")
	case errors.Is(err, errpkg.ErrPaused):
		res.Outcome = OutcomePaused
		t.logger.Info("download paused", "bytes", downloaded)
	default:
		res.Outcome = OutcomeFailed
		t.logger.Error("download failed", "url", t.url, "error", err)
	}
	return res
}

func (t *Transfer) fetch(ctx context.Context, stop context.CancelCauseFunc) (int64, int64, error) {
	offset, err := t.files.PartialSize(t.dest)
	if err != nil {
		return 0, 0, fmt.Errorf("stat partial file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return offset, 0, fmt.Errorf("create request: %w", err)
	}
	if t.opts.UserAgent != "" {
		req.Header.Set("User-Agent", t.opts.UserAgent)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return offset, 0, interrupted(ctx, fmt.Errorf("request: %w", err))
	}
	defer resp.Body.Close()

	var (
		downloaded int64
		total      int64
		appendMode bool
	)

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		start, size, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			return offset, 0, fmt.Errorf("%w: content range %q does not match offset %d",
				errpkg.ErrBadStatus, resp.Header.Get("Content-Range"), offset)
		}
		downloaded, total, appendMode = offset, size, true
		t.logger.Debug("resuming download", "offset", offset, "total", total)

	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		_, size, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || size != offset {
			return offset, 0, fmt.Errorf("%w: %s", errpkg.ErrBadStatus, resp.Status)
		}
		// The partial file already holds the whole body.
		t.report(offset, size)
		if err := t.files.Finalize(t.dest); err != nil {
			return offset, size, err
		}
		return offset, size, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if resp.ContentLength > 0 {
			total = resp.ContentLength
		}
		if offset > 0 {
			t.logger.Info("server ignored range request, restarting from zero", "discarded_bytes", offset)
			t.report(0, total)
		}

	default:
		return offset, 0, fmt.Errorf("%w: %s", errpkg.ErrBadStatus, resp.Status)
	}

	file, err := t.files.OpenPartial(t.dest, appendMode)
	if err != nil {
		return downloaded, total, fmt.Errorf("open partial file: %w", err)
	}

	downloaded, err = t.stream(ctx, stop, file, resp.Body, downloaded, total)
	if cerr := file.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close partial file: %w", cerr)
	}
	if err != nil {
		return downloaded, total, err
	}

	if total > 0 && downloaded < total {
		return downloaded, total, fmt.Errorf("received %d of %d bytes: %w", downloaded, total, io.ErrUnexpectedEOF)
	}

	if err := t.files.Finalize(t.dest); err != nil {
		return downloaded, total, err
	}
	return downloaded, total, nil
}

func (t *Transfer) stream(ctx context.Context, stop context.CancelCauseFunc, dst *os.File, src io.Reader, downloaded, total int64) (int64, error) {
	buf := make([]byte, ChunkSize)
	meter := newSpeedMeter(downloaded, time.Now)

	watchdog := time.AfterFunc(t.opts.ReadTimeout, func() { stop(errpkg.ErrStalled) })
	defer watchdog.Stop()

	for {
		nr, rerr := src.Read(buf)

		if ctx.Err() != nil {
			return downloaded, context.Cause(ctx)
		}

		if nr > 0 {
			watchdog.Reset(t.opts.ReadTimeout)

			nw, werr := dst.Write(buf[:nr])
			downloaded += int64(nw)
			if werr != nil {
				return downloaded, fmt.Errorf("write partial file: %w", werr)
			}
			if nw != nr {
				return downloaded, io.ErrShortWrite
			}

			t.report(downloaded, total)
			if bps, ok := meter.sample(downloaded); ok {
				t.observer.OnSpeed(Speed{TaskID: t.taskID, BytesPerSecond: bps, Text: FormatSpeed(bps)})
			}
		}

		if rerr != nil {
			if rerr == io.EOF {
				return downloaded, nil
			}
			return downloaded, interrupted(ctx, fmt.Errorf("read response: %w", rerr))
		}
	}
}

// report publishes the byte counter. Percent and Total stay zero while the
// size is unknown.
func (t *Transfer) report(downloaded, total int64) {
	p := Progress{TaskID: t.taskID, Downloaded: downloaded}
	if total > 0 {
		p.Percent = domain.Percentage(downloaded, total)
		p.Total = total
	}
	t.observer.OnProgress(p)
}

// interrupted prefers the stop cause over the transport error it produced.
func interrupted(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return err
}
