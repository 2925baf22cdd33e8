package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalWriteReadRoundTrip(t *testing.T) {
	l := NewLocal(t.TempDir())
	ctx := context.Background()

	require.NoError(t, l.Write(ctx, "wl-1", "bk-1", []byte("archive bytes")))

	exists, err := l.Exists(ctx, "wl-1", "bk-1")
	require.NoError(t, err)
	assert.True(t, exists)

	data, err := l.Read(ctx, "wl-1", "bk-1")
	require.NoError(t, err)
	assert.Equal(t, "archive bytes", string(data))

	size, err := l.Size(ctx, "wl-1", "bk-1")
	require.NoError(t, err)
	assert.EqualValues(t, len("archive bytes"), size)
}

func TestLocalReadMissingReturnsNotFound(t *testing.T) {
	l := NewLocal(t.TempDir())
	_, err := l.Read(context.Background(), "wl-1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalListReturnsUUIDsWithoutSuffix(t *testing.T) {
	l := NewLocal(t.TempDir())
	ctx := context.Background()

	require.NoError(t, l.Write(ctx, "wl-1", "bk-1", []byte("a")))
	require.NoError(t, l.Write(ctx, "wl-1", "bk-2", []byte("b")))

	list, err := l.List(ctx, "wl-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bk-1", "bk-2"}, list)
}

func TestLocalDeleteIsIdempotent(t *testing.T) {
	l := NewLocal(t.TempDir())
	ctx := context.Background()

	require.NoError(t, l.Write(ctx, "wl-1", "bk-1", []byte("a")))
	require.NoError(t, l.Delete(ctx, "wl-1", "bk-1"))
	require.NoError(t, l.Delete(ctx, "wl-1", "bk-1"))
}
