package stateflags

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTryStartInstalling(t *testing.T) {
	var f Flags
	assert.True(t, f.TryStartInstalling())
	assert.True(t, f.IsInstalling())
	assert.False(t, f.TryStartInstalling())

	f.StopInstalling()
	assert.False(t, f.IsInstalling())
	assert.True(t, f.TryStartInstalling())
}

func TestAnyBusy(t *testing.T) {
	var f Flags
	assert.False(t, f.AnyBusy())

	f.TryStartTransferring()
	assert.True(t, f.AnyBusy())

	f.StopTransferring()
	assert.False(t, f.AnyBusy())
}

func TestSnapshotIndependence(t *testing.T) {
	var f Flags
	f.TryStartRestoring()

	snap := f.Snapshot()
	assert.False(t, snap.Installing)
	assert.False(t, snap.Transferring)
	assert.True(t, snap.Restoring)
}
