// Package crash implements the crash detector (C9): it classifies a
// container exit as a crash vs. a planned stop using a minimum-runtime
// threshold, then accumulates crashes in a rolling window and signals when
// auto-restart should be disabled.
package crash

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// window is the rolling interval over which crashes are accumulated.
	window = 10 * time.Minute
	// limit is the crash count at which auto-restart is disabled.
	limit = 3
	// minRuntimeForCrash is the runtime below which a non-zero exit counts
	// as a crash rather than a long-running failure.
	minRuntimeForCrash = 10 * time.Second
)

// Detector tracks crash-loop state for one workload. The zero value is not
// usable; construct with New.
type Detector struct {
	count       atomic.Uint32
	windowStart atomic.Int64 // unix seconds, 0 = no window open
	enabled     atomic.Bool

	mu        sync.Mutex
	lastStart time.Time
}

// New creates a Detector with crash detection enabled.
func New() *Detector {
	d := &Detector{}
	d.enabled.Store(true)
	return d
}

// RecordStart latches the wall-clock start time used by IsCrash to compute
// runtime.
func (d *Detector) RecordStart() {
	d.mu.Lock()
	d.lastStart = time.Now()
	d.mu.Unlock()
}

// IsCrash classifies an exit. OOM kills and clean exits are never crashes;
// an exit with runtime under the minimum threshold is a crash; anything
// else (a long-running failure) is not a crash-loop candidate.
func (d *Detector) IsCrash(exitCode int, oomKilled bool) bool {
	if oomKilled {
		return false
	}
	if exitCode == 0 {
		return false
	}

	d.mu.Lock()
	start := d.lastStart
	d.mu.Unlock()

	if start.IsZero() {
		return false
	}
	return time.Since(start) < minRuntimeForCrash
}

// RecordCrash advances the rolling window, incrementing the crash count
// (or opening a fresh window if the current one is stale). It returns true
// when the count has reached the limit, signalling that auto-restart
// should be disabled.
func (d *Detector) RecordCrash() bool {
	if !d.enabled.Load() {
		return true
	}

	now := time.Now().Unix()
	start := d.windowStart.Load()

	if start == 0 || now-start > int64(window.Seconds()) {
		d.windowStart.Store(now)
		d.count.Store(1)
		return false
	}

	count := d.count.Add(1)
	return count >= limit
}

// Reset clears the crash counter and window.
func (d *Detector) Reset() {
	d.count.Store(0)
	d.windowStart.Store(0)
}

// SetEnabled toggles crash detection; when disabled, RecordCrash always
// reports the limit as reached.
func (d *Detector) SetEnabled(enabled bool) { d.enabled.Store(enabled) }

// IsEnabled reports whether crash detection is active.
func (d *Detector) IsEnabled() bool { return d.enabled.Load() }

// CrashCount returns the current count within the active window.
func (d *Detector) CrashCount() uint32 { return d.count.Load() }
