package locker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	l := New()
	assert.False(t, l.IsLocked())

	guard, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, l.IsLocked())

	_, err = l.TryAcquire()
	assert.ErrorIs(t, err, ErrBusy)

	guard.Release()
	assert.False(t, l.IsLocked())

	guard2, err := l.TryAcquire()
	require.NoError(t, err)
	assert.True(t, l.IsLocked())
	guard2.Release()
}

func TestAcquireWithTimeout(t *testing.T) {
	l := New()
	guard, err := l.Acquire(context.Background())
	require.NoError(t, err)
	defer guard.Release()

	_, err = l.AcquireWithTimeout(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestTryAcquireNeverBlocksForKill(t *testing.T) {
	l := New()
	guard, err := l.Acquire(context.Background())
	require.NoError(t, err)
	defer guard.Release()

	done := make(chan struct{})
	go func() {
		_, err := l.TryAcquire()
		assert.ErrorIs(t, err, ErrBusy)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("TryAcquire blocked instead of failing fast")
	}
}
