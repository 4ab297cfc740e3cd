package fanout

import (
	"time"

	"github.com/dataforeman/connectivity/internal/domain"
)

// window is the per-connection rate window. Only its consumer touches it.
type window struct {
	start    time.Time
	count    int
	bytes    int
	errors   int
	fatal    bool
	lastErr  string
	lastSeen time.Time
}

func newWindow(now time.Time) *window {
	return &window{start: now}
}

func (w *window) add(bytes int, ts time.Time) {
	w.count++
	w.bytes += bytes
	if ts.After(w.lastSeen) {
		w.lastSeen = ts
	}
}

func (w *window) fail(err error, fatal bool) {
	w.errors++
	w.lastErr = err.Error()
	if fatal {
		w.fatal = true
	}
}

func (w *window) pending() bool { return w.count > 0 || w.errors > 0 }

func (w *window) due(now time.Time, period time.Duration) bool {
	return now.Sub(w.start) >= period
}

// drain computes the stats block and resets the counters, keeping lastSeen.
// Errors turn the state to error when the driver reported a fatal condition
// or when no sample made it through the window.
func (w *window) drain(now time.Time) (*domain.Stats, domain.ConnectionState, string) {
	elapsed := now.Sub(w.start)
	secs := elapsed.Seconds()
	if secs <= 0 {
		secs = 1
	}
	stats := &domain.Stats{
		RPS:      float64(w.count) / secs,
		BPS:      8 * float64(w.bytes) / secs,
		Count:    w.count,
		Bytes:    w.bytes,
		Errors:   w.errors,
		WindowMs: elapsed.Milliseconds(),
	}
	if !w.lastSeen.IsZero() {
		seen := w.lastSeen
		stats.LastSeenTS = &seen
	}

	state, reason := domain.StateConnected, ""
	if w.errors > 0 && (w.fatal || w.count == 0) {
		state, reason = domain.StateError, w.lastErr
	}

	w.start = now
	w.count, w.bytes, w.errors = 0, 0, 0
	w.fatal = false
	w.lastErr = ""
	return stats, state, reason
}
