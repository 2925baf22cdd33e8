package manager

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarstack/daemon/pkg/panel"
	wltypes "github.com/stellarstack/daemon/pkg/types"
)

type fakePanel struct {
	workloads []wltypes.WorkloadConfig
	listErr   error

	statusCalls int
	configCalls int
}

func (f *fakePanel) SetServerStatus(ctx context.Context, workloadID, status string) error {
	f.statusCalls++
	return nil
}

func (f *fakePanel) GetInstallationScript(ctx context.Context, workloadID string) (wltypes.InstallScript, error) {
	return wltypes.InstallScript{}, nil
}

func (f *fakePanel) SetInstallationStatus(ctx context.Context, workloadID string, success bool) error {
	return nil
}

func (f *fakePanel) GetServerConfiguration(ctx context.Context, workloadID string) (wltypes.WorkloadConfig, error) {
	f.configCalls++
	for _, w := range f.workloads {
		if w.UUID == workloadID {
			return w, nil
		}
	}
	return wltypes.WorkloadConfig{}, ErrNotFound
}

func (f *fakePanel) ListWorkloads(ctx context.Context, perPage int) ([]wltypes.WorkloadConfig, error) {
	return f.workloads, f.listErr
}

func (f *fakePanel) SetBackupStatus(ctx context.Context, backupUUID string, status panel.BackupStatus) error {
	return nil
}

func (f *fakePanel) SetRestorationStatus(ctx context.Context, backupUUID string, successful bool) error {
	return nil
}

func newTestManager(panel *fakePanel) *Manager {
	cfg := Config{DataDirRoot: "/tmp/stellard-test", TmpDir: "/tmp/stellard-test-tmp"}
	return New(cfg, nil, panel, zerolog.Nop())
}

func TestBootstrapConstructsOneSupervisorPerWorkload(t *testing.T) {
	panel := &fakePanel{workloads: []wltypes.WorkloadConfig{
		{UUID: "aaa"}, {UUID: "bbb"}, {UUID: "ccc"},
	}}
	m := newTestManager(panel)

	err := m.Bootstrap(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, m.Count())
	assert.True(t, m.Exists("aaa"))
	assert.True(t, m.Exists("bbb"))
	assert.True(t, m.Exists("ccc"))
	assert.Equal(t, 3, panel.statusCalls)
}

func TestBootstrapFailsWhenPanelListFails(t *testing.T) {
	panel := &fakePanel{listErr: assert.AnError}
	m := newTestManager(panel)

	err := m.Bootstrap(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0, m.Count())
}

func TestAddRejectsDuplicateUUID(t *testing.T) {
	m := newTestManager(&fakePanel{})

	_, err := m.Add(wltypes.WorkloadConfig{UUID: "dup"})
	require.NoError(t, err)

	_, err = m.Add(wltypes.WorkloadConfig{UUID: "dup"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestRemoveUnknownUUIDReturnsNotFound(t *testing.T) {
	m := newTestManager(&fakePanel{})

	err := m.Remove(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSyncAllRefreshesConfigurationFromPanel(t *testing.T) {
	panel := &fakePanel{workloads: []wltypes.WorkloadConfig{{UUID: "aaa", Startup: "old"}}}
	m := newTestManager(panel)
	_, err := m.Add(wltypes.WorkloadConfig{UUID: "aaa", Startup: "stale"})
	require.NoError(t, err)

	m.SyncAll(context.Background())

	assert.Equal(t, 1, panel.configCalls)
	sup, ok := m.Get("aaa")
	require.True(t, ok)
	assert.Equal(t, "old", sup.Config().Startup)
}

func TestUUIDsAndAllAgreeOnCount(t *testing.T) {
	panel := &fakePanel{workloads: []wltypes.WorkloadConfig{{UUID: "a"}, {UUID: "b"}}}
	m := newTestManager(panel)
	require.NoError(t, m.Bootstrap(context.Background()))

	assert.Len(t, m.UUIDs(), 2)
	assert.Len(t, m.All(), 2)
}
