package worker

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	speedInterval = time.Second
	mebibyte      = 1024 * 1024
)

type speedMeter struct {
	now       func() time.Time
	lastTime  time.Time
	lastBytes int64
}

func newSpeedMeter(start int64, now func() time.Time) *speedMeter {
	return &speedMeter{now: now, lastTime: now(), lastBytes: start}
}

// sample returns the throughput since the previous sample once at least a
// second has elapsed.
func (m *speedMeter) sample(downloaded int64) (float64, bool) {
	now := m.now()
	elapsed := now.Sub(m.lastTime)
	if elapsed < speedInterval {
		return 0, false
	}
	bps := float64(downloaded-m.lastBytes) / elapsed.Seconds()
	m.lastTime = now
	m.lastBytes = downloaded
	return bps, true
}

// FormatSpeed renders bytes per second as KB/s up to 1 MiB/s and MB/s above.
func FormatSpeed(bps float64) string {
	if bps > mebibyte {
		return fmt.Sprintf("%.1f MB/s", bps/mebibyte)
	}
	return fmt.Sprintf("%.1f KB/s", bps/1024)
}

// parseContentRange parses "bytes start-end/size" and "bytes */size".
// start is -1 for the unsatisfied form; size is 0 when the server sends "*".
func parseContentRange(header string) (start, size int64, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !found {
		return 0, 0, false
	}
	rng, sz, found := strings.Cut(rest, "/")
	if !found {
		return 0, 0, false
	}

	if sz != "*" {
		n, err := strconv.ParseInt(sz, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, false
		}
		size = n
	}

	if rng == "*" {
		return -1, size, size > 0
	}
	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}
	return start, size, true
}
