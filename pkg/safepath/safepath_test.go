package safepath

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveBasic(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "test"), 0o755))

	r, err := NewResolver(root, nil)
	require.NoError(t, err)

	sp, err := r.Resolve("test")
	require.NoError(t, err)
	assert.True(t, sp.Exists())
	assert.True(t, sp.IsDir())
}

// TestResolveTraversalNormalizesUnderRoot matches spec.md scenario S6: a
// traversal attempt using ".." never escapes the root, and never errors —
// it resolves to a path still under root via component-wise popping.
func TestResolveTraversalNormalizesUnderRoot(t *testing.T) {
	root := t.TempDir()
	r, err := NewResolver(root, nil)
	require.NoError(t, err)

	sp, err := r.Resolve("foo/../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "etc/passwd"), sp.Resolved())

	sp2, err := r.Resolve("../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "etc/passwd"), sp2.Resolved())
}

func TestResolveCleanedPathsJoinCorrectly(t *testing.T) {
	root := t.TempDir()
	r, err := NewResolver(root, nil)
	require.NoError(t, err)

	sp, err := r.Resolve("foo/./bar")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("foo", "bar"), sp.Relative())
}

func TestResolveDenylist(t *testing.T) {
	root := t.TempDir()
	r, err := NewResolver(root, []string{"*.env", ".git"})
	require.NoError(t, err)

	_, err = r.Resolve("secrets.env")
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = r.Resolve(".git")
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestJoinFromSafePath(t *testing.T) {
	root := t.TempDir()
	r, err := NewResolver(root, nil)
	require.NoError(t, err)

	base, err := r.Resolve("")
	require.NoError(t, err)

	joined, err := base.Join("foo/bar")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("foo", "bar"), joined.Relative())
}
