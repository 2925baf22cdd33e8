// Package diskquota implements the cached recursive directory size tracker
// (C5): a TTL-cached used-bytes count, reservation checks, and incremental
// add/sub mutation used by the container stats poller.
package diskquota

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const defaultCacheTTL = 60 * time.Second

// ErrDiskSpaceExceeded is returned by HasSpaceFor when an admission would
// push used bytes past the configured limit.
type ErrDiskSpaceExceeded struct {
	Limit int64
	Used  int64
}

func (e *ErrDiskSpaceExceeded) Error() string {
	return fmt.Sprintf("disk space exceeded: limit=%d used=%d", e.Limit, e.Used)
}

// Tracker is a cached disk-usage tracker. The zero value is not usable;
// construct with New.
type Tracker struct {
	usedBytes int64 // atomic
	lastCheck int64 // atomic, unix seconds
	cacheTTL  time.Duration
	limit     int64 // 0 = unlimited
	logger    zerolog.Logger
}

// New creates a Tracker with the default 60s cache TTL.
func New(limit int64, logger zerolog.Logger) *Tracker {
	return &Tracker{cacheTTL: defaultCacheTTL, limit: limit, logger: logger}
}

// WithCacheTTL creates a Tracker with a custom cache TTL.
func WithCacheTTL(limit int64, ttl time.Duration, logger zerolog.Logger) *Tracker {
	return &Tracker{cacheTTL: ttl, limit: limit, logger: logger}
}

// HasLimit reports whether a non-zero limit is configured.
func (t *Tracker) HasLimit() bool { return t.limit > 0 }

// Limit returns the configured limit (0 = unlimited).
func (t *Tracker) Limit() int64 { return t.limit }

// SetLimit updates the configured limit.
func (t *Tracker) SetLimit(limit int64) { t.limit = limit }

// CachedUsage returns the last-known used-bytes count without rescanning.
func (t *Tracker) CachedUsage() int64 { return atomic.LoadInt64(&t.usedBytes) }

func (t *Tracker) cacheStale() bool {
	last := atomic.LoadInt64(&t.lastCheck)
	return time.Now().Unix()-last > int64(t.cacheTTL.Seconds())
}

// Calculate recurses root, summing regular-file sizes, and updates the
// cache. If the cache is still fresh, it returns the cached value without
// rescanning.
func (t *Tracker) Calculate(root string) (int64, error) {
	if !t.cacheStale() {
		return t.CachedUsage(), nil
	}
	return t.Recalculate(root)
}

// Recalculate forces an immediate full scan, bypassing the TTL.
func (t *Tracker) Recalculate(root string) (int64, error) {
	size, err := calculateDirSize(root, t.logger)
	if err != nil {
		return 0, err
	}
	atomic.StoreInt64(&t.usedBytes, size)
	atomic.StoreInt64(&t.lastCheck, time.Now().Unix())
	return size, nil
}

// HasSpaceFor returns ErrDiskSpaceExceeded iff limit > 0 and
// cachedUsage + additional > limit. The cache is not mutated.
func (t *Tracker) HasSpaceFor(additional int64) error {
	if !t.HasLimit() {
		return nil
	}
	used := t.CachedUsage()
	if used+additional > t.limit {
		return &ErrDiskSpaceExceeded{Limit: t.limit, Used: used}
	}
	return nil
}

// AvailableSpace returns the remaining bytes before the limit, or
// math.MaxInt64 if unlimited.
func (t *Tracker) AvailableSpace() int64 {
	if !t.HasLimit() {
		return 1<<63 - 1
	}
	remaining := t.limit - t.CachedUsage()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// UsagePercentage returns 0-100, or 0 if unlimited.
func (t *Tracker) UsagePercentage() float64 {
	if !t.HasLimit() {
		return 0
	}
	return float64(t.CachedUsage()) / float64(t.limit) * 100
}

// AddUsage adds bytes to the cached usage atomically (for tracking writes).
func (t *Tracker) AddUsage(n int64) { atomic.AddInt64(&t.usedBytes, n) }

// SubUsage subtracts bytes from the cached usage atomically, saturating at
// zero.
func (t *Tracker) SubUsage(n int64) {
	for {
		cur := atomic.LoadInt64(&t.usedBytes)
		next := cur - n
		if next < 0 {
			next = 0
		}
		if atomic.CompareAndSwapInt64(&t.usedBytes, cur, next) {
			return
		}
	}
}

func calculateDirSize(root string, logger zerolog.Logger) (int64, error) {
	var total int64
	stack := []string{root}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(current)
		if err != nil {
			logger.Warn().Err(err).Str("dir", current).Msg("failed to read directory")
			continue
		}

		for _, entry := range entries {
			path := filepath.Join(current, entry.Name())
			info, err := entry.Info()
			if err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("failed to stat entry")
				continue
			}
			if info.IsDir() {
				stack = append(stack, path)
				continue
			}
			total += info.Size()
		}
	}

	return total, nil
}
