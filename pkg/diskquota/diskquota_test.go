package diskquota

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file1.txt"), make([]byte, 1000), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file2.txt"), make([]byte, 2000), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "subdir", "file3.txt"), make([]byte, 500), 0o644))

	tracker := New(0, zerolog.Nop())
	size, err := tracker.Calculate(dir)
	require.NoError(t, err)
	assert.EqualValues(t, 3500, size)
}

func TestHasSpaceFor(t *testing.T) {
	tracker := New(1024, zerolog.Nop())
	tracker.AddUsage(1000)

	err := tracker.HasSpaceFor(100)
	var exceeded *ErrDiskSpaceExceeded
	require.ErrorAs(t, err, &exceeded)
	assert.EqualValues(t, 1024, exceeded.Limit)
	assert.EqualValues(t, 1000, exceeded.Used)
	assert.EqualValues(t, 1000, tracker.CachedUsage(), "cache must be unchanged on rejection")
}

func TestUnlimited(t *testing.T) {
	tracker := New(0, zerolog.Nop())
	assert.False(t, tracker.HasLimit())
	assert.NoError(t, tracker.HasSpaceFor(1<<62))
}

func TestSubUsageSaturatesAtZero(t *testing.T) {
	tracker := New(0, zerolog.Nop())
	tracker.AddUsage(100)
	tracker.SubUsage(500)
	assert.EqualValues(t, 0, tracker.CachedUsage())
}

func TestUsagePercentage(t *testing.T) {
	tracker := New(1000, zerolog.Nop())
	tracker.AddUsage(250)
	assert.InDelta(t, 25.0, tracker.UsagePercentage(), 0.01)
}
