package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarstack/daemon/pkg/backup/adapter"
	"github.com/stellarstack/daemon/pkg/events"
)

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	serverDir := t.TempDir()
	backupDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(serverDir, "world.dat"), []byte("world data"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(serverDir, "logs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(serverDir, "logs", "latest.log"), []byte("log line"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(serverDir, "cache.tmp"), []byte("cache"), 0o644))

	cfg := Config{
		ServerUUID: "wl-1",
		ServerDir:  serverDir,
		BackupDir:  backupDir,
	}
	eng := New(cfg, events.NewWithCapacity(8), adapter.NewLocal(backupDir), zerolog.Nop())
	return eng, serverDir
}

func TestCreateAndInfo(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	info, err := eng.Create(ctx, Request{BackupUUID: "bk-1", IgnoreGlob: []string{"*.tmp"}})
	require.NoError(t, err)
	assert.NotEmpty(t, info.Checksum)
	assert.Greater(t, info.Size, int64(0))

	got, err := eng.Info(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, info.Checksum, got.Checksum)
	assert.Equal(t, info.Size, got.Size)
}

func TestCreateRefusesWhenRunningAndNotAllowed(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.Create(context.Background(), Request{BackupUUID: "bk-1", Running: true})
	assert.ErrorIs(t, err, ErrServerRunning)
}

func TestCreateAllowsLiveBackupWhenConfigured(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.cfg.AllowLiveBackup = true
	_, err := eng.Create(context.Background(), Request{BackupUUID: "bk-1", Running: true})
	assert.NoError(t, err)
}

func TestRestoreExtractsArchive(t *testing.T) {
	eng, serverDir := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Create(ctx, Request{BackupUUID: "bk-1"})
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(serverDir))
	require.NoError(t, os.MkdirAll(serverDir, 0o755))

	err = eng.Restore(ctx, "bk-1", false)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(serverDir, "world.dat"))
	require.NoError(t, err)
	assert.Equal(t, "world data", string(data))
}

func TestRestoreNotFound(t *testing.T) {
	eng, _ := newTestEngine(t)
	err := eng.Restore(context.Background(), "does-not-exist", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRefusesLockedBackup(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Create(ctx, Request{BackupUUID: "bk-1", IsLocked: true})
	require.NoError(t, err)

	err = eng.Delete(ctx, "bk-1")
	assert.ErrorIs(t, err, ErrLocked)
}

func TestDeleteRemovesUnlockedBackup(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Create(ctx, Request{BackupUUID: "bk-1"})
	require.NoError(t, err)

	require.NoError(t, eng.Delete(ctx, "bk-1"))

	_, err = os.Stat(eng.archivePath("bk-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestListReturnsCreatedBackups(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Create(ctx, Request{BackupUUID: "bk-1"})
	require.NoError(t, err)
	_, err = eng.Create(ctx, Request{BackupUUID: "bk-2"})
	require.NoError(t, err)

	list, err := eng.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bk-1", "bk-2"}, list)
}

func TestShouldIgnoreMatchesGlobAndLiteral(t *testing.T) {
	assert.True(t, shouldIgnore("cache.tmp", []string{"*.tmp"}))
	assert.True(t, shouldIgnore("logs/debug.log", []string{"logs/debug.log"}))
	assert.False(t, shouldIgnore("world.dat", []string{"*.tmp"}))
}
