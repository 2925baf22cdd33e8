// Package types defines the data model shared by the supervisor, manager,
// container environment, and panel client: workload configuration, process
// state, and the event variants published on the event bus.
package types

import (
	"fmt"
	"regexp"
	"time"
)

// ProcessState is the ordered lifecycle state of a workload's container.
type ProcessState string

const (
	StateOffline  ProcessState = "offline"
	StateStarting ProcessState = "starting"
	StateRunning  ProcessState = "running"
	StateStopping ProcessState = "stopping"
)

// String renders the state the way it is sent to the panel.
func (s ProcessState) String() string { return string(s) }

// StopDisciplineKind selects how a workload is asked to stop.
type StopDisciplineKind string

const (
	StopSignal  StopDisciplineKind = "signal"
	StopCommand StopDisciplineKind = "command"
	StopNative  StopDisciplineKind = "native"
)

// StopDiscipline describes how the supervisor should stop the container.
type StopDiscipline struct {
	Kind  StopDisciplineKind
	Value string // signal name for StopSignal, text for StopCommand; unused for StopNative
}

// Mount is a bind mount from the host into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Networking describes the port bindings exposed to a workload's container.
type Networking struct {
	DefaultIP   string
	DefaultPort int
	Additional  map[string][]int // ip -> ports
}

// ReadinessPattern is a compiled regex paired with its source text so the
// supervisor can tell whether the panel actually changed the pattern list
// (see WorkloadConfig.Update, which preserves the compiled cache when the
// text is unchanged).
type ReadinessPattern struct {
	Source   string
	Compiled *regexp.Regexp
}

// CompileReadiness compiles an ordered list of regex source strings.
func CompileReadiness(patterns []string) ([]ReadinessPattern, error) {
	compiled := make([]ReadinessPattern, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling readiness pattern %q: %w", p, err)
		}
		compiled = append(compiled, ReadinessPattern{Source: p, Compiled: re})
	}
	return compiled, nil
}

// Resources holds the resource caps applied to a workload's container.
type Resources struct {
	MemoryBytes       int64 // 0 = unlimited
	SwapBytes         int64 // -1 = unlimited
	CPUQuotaMicros    int64 // microseconds per 100ms period, 0 = unlimited
	CPUShares         int64
	IOWeight          int // 10-1000
	PIDLimit          int64
	DiskSpaceBytes    int64
	CPUPin            string
	OOMDisable        bool
	MemoryOverheadPct float64 // carried from the panel; the container environment does not apply it, the memory limit is MemoryBytes alone
}

// WorkloadConfig is the immutable-by-convention configuration snapshot for
// one workload. It is replaced wholesale only by a sync operation.
type WorkloadConfig struct {
	// identity
	UUID              string
	Name              string
	Suspended         bool
	SkipInstallScript bool

	// runtime
	Startup string
	Image   string
	Env     map[string]string

	// resource caps
	Resources Resources

	// networking
	Networking Networking

	// mounts (the workload data directory mount is always appended by the
	// container environment; callers do not need to include it here)
	Mounts []Mount

	// readiness
	Readiness []ReadinessPattern
	StripANSI bool

	// stop discipline
	Stop StopDiscipline
}

// Update replaces the fields the panel is authoritative over, but preserves
// the compiled readiness cache when the incoming pattern text is unchanged
// (see DESIGN.md, "in-place config edits on sync").
func (c *WorkloadConfig) Update(next WorkloadConfig) {
	if readinessTextEqual(c.Readiness, next.Readiness) {
		next.Readiness = c.Readiness
	}
	*c = next
}

func readinessTextEqual(a, b []ReadinessPattern) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Source != b[i].Source {
			return false
		}
	}
	return true
}

// InstallScript is the installation script fetched from the panel for a
// workload: the image to run it in, the script body, and any extra
// environment variables the egg/image needs during install.
type InstallScript struct {
	ContainerImage string
	Body           string
	Env            map[string]string
}

// StateFlagsSnapshot is a point-in-time read of the three state flags.
type StateFlagsSnapshot struct {
	Installing   bool
	Transferring bool
	Restoring    bool
}

// StatsSample is one resource-usage sample published by the container
// environment's stats poller.
type StatsSample struct {
	MemoryBytes int64
	CPUPercent  float64
	NetworkRx   int64
	NetworkTx   int64
	DiskBytes   int64
	UptimeSec   int64
	SampledAt   time.Time
}

// EventKind discriminates the Event union.
type EventKind string

const (
	EventStateChange         EventKind = "state_change"
	EventStats               EventKind = "stats"
	EventConsoleOutput       EventKind = "console_output"
	EventInstallStarted      EventKind = "install_started"
	EventInstallCompleted    EventKind = "install_completed"
	EventInstallOutput       EventKind = "install_output"
	EventBackupStarted       EventKind = "backup_started"
	EventBackupCompleted     EventKind = "backup_completed"
	EventBackupRestoreStart  EventKind = "backup_restore_started"
	EventBackupRestoreDone   EventKind = "backup_restore_completed"
	EventTransferStarted     EventKind = "transfer_started"
	EventTransferProgress    EventKind = "transfer_progress"
	EventTransferCompleted   EventKind = "transfer_completed"
	EventServerSynced        EventKind = "server_synced"
	EventConfigurationUpdate EventKind = "configuration_updated"
)

// Event is a single typed event published on a workload's event bus.
type Event struct {
	Kind EventKind

	State ProcessState // EventStateChange

	Stats StatsSample // EventStats

	Bytes []byte // EventConsoleOutput, EventInstallOutput

	InstallOK bool // EventInstallCompleted

	BackupUUID     string // EventBackupStarted, EventBackupCompleted
	BackupOK       bool
	BackupChecksum string
	BackupSize     int64

	TransferProgressPct float64
}
