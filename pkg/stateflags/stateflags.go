// Package stateflags implements the three independently-settable atomic
// booleans (C4) that mark a long-running exclusive operation on a
// supervisor: installing, transferring, restoring.
package stateflags

import (
	"sync/atomic"

	"github.com/stellarstack/daemon/pkg/types"
)

// Flags holds the three state flags. The zero value is ready to use.
type Flags struct {
	installing   atomic.Bool
	transferring atomic.Bool
	restoring    atomic.Bool
}

// TryStartInstalling sets installing if it was clear, returning false if it
// was already set.
func (f *Flags) TryStartInstalling() bool {
	return f.installing.CompareAndSwap(false, true)
}

// StopInstalling clears installing.
func (f *Flags) StopInstalling() { f.installing.Store(false) }

// IsInstalling reports the current value.
func (f *Flags) IsInstalling() bool { return f.installing.Load() }

// TryStartTransferring sets transferring if it was clear.
func (f *Flags) TryStartTransferring() bool {
	return f.transferring.CompareAndSwap(false, true)
}

// StopTransferring clears transferring.
func (f *Flags) StopTransferring() { f.transferring.Store(false) }

// IsTransferring reports the current value.
func (f *Flags) IsTransferring() bool { return f.transferring.Load() }

// TryStartRestoring sets restoring if it was clear.
func (f *Flags) TryStartRestoring() bool {
	return f.restoring.CompareAndSwap(false, true)
}

// StopRestoring clears restoring.
func (f *Flags) StopRestoring() { f.restoring.Store(false) }

// IsRestoring reports the current value.
func (f *Flags) IsRestoring() bool { return f.restoring.Load() }

// AnyBusy reports whether any of the three flags is set — used by the
// supervisor's power-action busy-check before acquiring the locker.
func (f *Flags) AnyBusy() bool {
	return f.installing.Load() || f.transferring.Load() || f.restoring.Load()
}

// Snapshot returns a point-in-time read of all three flags.
func (f *Flags) Snapshot() types.StateFlagsSnapshot {
	return types.StateFlagsSnapshot{
		Installing:   f.installing.Load(),
		Transferring: f.transferring.Load(),
		Restoring:    f.restoring.Load(),
	}
}
