// Package supervisor implements the per-workload supervisor (C10): the
// state machine that composes the event bus, sinks, locker, state flags,
// crash detector, and container environment into start/stop/restart/kill
// power actions, plus the background watchers that keep the panel and the
// container's actual state in sync.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarstack/daemon/pkg/backup"
	"github.com/stellarstack/daemon/pkg/backup/adapter"
	"github.com/stellarstack/daemon/pkg/containerenv"
	"github.com/stellarstack/daemon/pkg/crash"
	"github.com/stellarstack/daemon/pkg/diskquota"
	"github.com/stellarstack/daemon/pkg/events"
	"github.com/stellarstack/daemon/pkg/installer"
	"github.com/stellarstack/daemon/pkg/locker"
	"github.com/stellarstack/daemon/pkg/panel"
	"github.com/stellarstack/daemon/pkg/sink"
	"github.com/stellarstack/daemon/pkg/stateflags"
	"github.com/stellarstack/daemon/pkg/statestore"
	wltypes "github.com/stellarstack/daemon/pkg/types"
)

// PowerAction is a requested power operation.
type PowerAction string

const (
	PowerStart   PowerAction = "start"
	PowerStop    PowerAction = "stop"
	PowerRestart PowerAction = "restart"
	PowerKill    PowerAction = "kill"
)

// ParsePowerAction parses a case-insensitive power action string.
func ParsePowerAction(s string) (PowerAction, bool) {
	switch strings.ToLower(s) {
	case "start":
		return PowerStart, true
	case "stop":
		return PowerStop, true
	case "restart":
		return PowerRestart, true
	case "kill":
		return PowerKill, true
	default:
		return "", false
	}
}

// RequiredPermission returns the panel permission string gating an action.
func (a PowerAction) RequiredPermission() string {
	switch a {
	case PowerStart:
		return "control.start"
	case PowerRestart:
		return "control.restart"
	default:
		return "control.stop"
	}
}

// Sentinel power errors, ported 1:1 from the original daemon's PowerError.
var (
	ErrSuspended         = errors.New("supervisor: workload is suspended")
	ErrInstalling        = errors.New("supervisor: workload is currently installing")
	ErrTransferring      = errors.New("supervisor: workload is currently transferring")
	ErrRestoring         = errors.New("supervisor: workload is currently restoring from backup")
	ErrAlreadyRunning    = errors.New("supervisor: workload is already running")
	ErrBusy              = errors.New("supervisor: another power operation is in progress")
	ErrDiskSpaceExceeded = errors.New("supervisor: disk space exceeded")
)

const stopTimeout = 10 * time.Minute

// PanelClient is the subset of the panel API the supervisor needs to call
// back into. Satisfied by pkg/panel's Client.
type PanelClient interface {
	SetServerStatus(ctx context.Context, workloadID, status string) error
	GetInstallationScript(ctx context.Context, workloadID string) (wltypes.InstallScript, error)
	SetInstallationStatus(ctx context.Context, workloadID string, success bool) error
	GetServerConfiguration(ctx context.Context, workloadID string) (wltypes.WorkloadConfig, error)
	SetBackupStatus(ctx context.Context, backupUUID string, status panel.BackupStatus) error
	SetRestorationStatus(ctx context.Context, backupUUID string, successful bool) error
}

// Supervisor owns the lifecycle of one workload's container.
type Supervisor struct {
	mu     sync.RWMutex
	config wltypes.WorkloadConfig

	env   *containerenv.Environment
	flags *stateflags.Flags
	crash *crash.Detector
	power *locker.Locker

	bus         *events.Bus
	consoleSink *sink.Sink
	installSink *sink.Sink

	panel PanelClient
	store *statestore.Store

	dataDir   string
	tmpDir    string
	backupDir string

	diskQuota *diskquota.Tracker

	watcherMu     sync.Mutex
	watcherCancel context.CancelFunc

	backupOnce   sync.Once
	backupEngine *backup.Engine

	logger zerolog.Logger
}

// New creates a Supervisor for the given workload, already wired to its
// container environment, event bus, and state store.
func New(cfg wltypes.WorkloadConfig, env *containerenv.Environment, bus *events.Bus, consoleSink, installSink *sink.Sink, panel PanelClient, store *statestore.Store, dataDir, tmpDir, backupDir string, logger zerolog.Logger) *Supervisor {
	logger = logger.With().Str("component", "supervisor").Str("uuid", cfg.UUID).Logger()
	return &Supervisor{
		config:      cfg,
		env:         env,
		flags:       &stateflags.Flags{},
		crash:       crash.New(),
		power:       locker.New(),
		bus:         bus,
		consoleSink: consoleSink,
		installSink: installSink,
		panel:       panel,
		store:       store,
		dataDir:     dataDir,
		tmpDir:      tmpDir,
		backupDir:   backupDir,
		diskQuota:   diskquota.New(cfg.Resources.DiskSpaceBytes, logger),
		logger:      logger,
	}
}

// UUID returns the workload's UUID.
func (s *Supervisor) UUID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.UUID
}

// Config returns a copy of the current workload configuration.
func (s *Supervisor) Config() wltypes.WorkloadConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// IsSuspended reports whether the workload is currently suspended.
func (s *Supervisor) IsSuspended() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Suspended
}

// IsBusy reports whether any blocking background operation (install,
// transfer, restore) is in progress.
func (s *Supervisor) IsBusy() bool { return s.flags.AnyBusy() }

// State returns the workload's current process state.
func (s *Supervisor) State() wltypes.ProcessState { return s.env.State() }

// Events returns the workload's event bus.
func (s *Supervisor) Events() *events.Bus { return s.bus }

// ConsoleSink returns the console output sink.
func (s *Supervisor) ConsoleSink() *sink.Sink { return s.consoleSink }

// InstallSink returns the install output sink.
func (s *Supervisor) InstallSink() *sink.Sink { return s.installSink }

// HandlePowerAction validates state-flag preconditions, acquires the power
// lock, and dispatches to the requested action. Kill always uses a
// non-blocking lock acquisition so it can cut through a stuck operation;
// other actions optionally wait for the lock.
func (s *Supervisor) HandlePowerAction(ctx context.Context, action PowerAction, waitForLock bool) error {
	if s.flags.Snapshot().Installing {
		return ErrInstalling
	}
	if s.flags.Snapshot().Transferring {
		return ErrTransferring
	}
	if s.flags.Snapshot().Restoring {
		return ErrRestoring
	}

	var guard *locker.Guard
	var err error
	switch {
	case action == PowerKill:
		guard, err = s.power.TryAcquire()
	case waitForLock:
		guard, err = s.power.Acquire(ctx)
	default:
		guard, err = s.power.TryAcquire()
	}
	if err != nil {
		if errors.Is(err, locker.ErrBusy) {
			return ErrBusy
		}
		return err
	}
	defer guard.Release()

	switch action {
	case PowerStart:
		return s.start(ctx)
	case PowerStop:
		return s.stop(ctx)
	case PowerRestart:
		return s.restart(ctx)
	case PowerKill:
		return s.kill(ctx)
	default:
		return fmt.Errorf("supervisor: unknown power action %q", action)
	}
}

func (s *Supervisor) start(ctx context.Context) error {
	uuid := s.UUID()
	s.logger.Info().Msg("starting workload")

	running, err := s.env.IsRunning(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: checking running state: %w", err)
	}
	if running {
		return ErrAlreadyRunning
	}

	if err := s.onBeforeStart(ctx); err != nil {
		return err
	}

	s.crash.RecordStart()

	watcherCtx := s.resetWatcherContext()
	s.consoleSink.ClearBuffer()
	s.store.ClearConsoleLogs(ctx, uuid)
	s.startWatchers(watcherCtx)

	if err := s.env.Create(ctx); err != nil {
		return fmt.Errorf("supervisor: recreating container: %w", err)
	}
	if err := s.env.Start(ctx); err != nil {
		return fmt.Errorf("supervisor: starting container: %w", err)
	}
	s.markRunningIfNoReadiness(ctx)

	s.logger.Info().Msg("container started, waiting for startup detection")
	s.reportStatus(ctx, uuid, "starting")
	return nil
}

func (s *Supervisor) stop(ctx context.Context) error {
	if err := s.env.Stop(ctx); err != nil {
		return fmt.Errorf("supervisor: stopping container: %w", err)
	}
	if err := s.env.WaitForStop(ctx, stopTimeout, true); err != nil {
		return fmt.Errorf("supervisor: waiting for stop: %w", err)
	}
	s.reportStatus(ctx, s.UUID(), "offline")
	return nil
}

func (s *Supervisor) restart(ctx context.Context) error {
	uuid := s.UUID()

	if err := s.env.Stop(ctx); err != nil {
		return fmt.Errorf("supervisor: stopping container: %w", err)
	}
	if err := s.env.WaitForStop(ctx, stopTimeout, true); err != nil {
		return fmt.Errorf("supervisor: waiting for stop: %w", err)
	}
	s.bus.Publish(wltypes.Event{Kind: wltypes.EventStateChange, State: wltypes.StateOffline})
	s.reportStatus(ctx, uuid, "offline")

	if err := s.onBeforeStart(ctx); err != nil {
		return err
	}

	s.crash.RecordStart()

	watcherCtx := s.resetWatcherContext()
	s.consoleSink.ClearBuffer()
	s.startWatchers(watcherCtx)

	if err := s.env.Create(ctx); err != nil {
		return fmt.Errorf("supervisor: recreating container: %w", err)
	}
	if err := s.env.Start(ctx); err != nil {
		return fmt.Errorf("supervisor: starting container: %w", err)
	}
	s.markRunningIfNoReadiness(ctx)

	s.logger.Info().Msg("container restarted, waiting for startup detection")
	s.reportStatus(ctx, uuid, "starting")
	return nil
}

func (s *Supervisor) kill(ctx context.Context) error {
	if err := s.env.Terminate(ctx, "SIGKILL"); err != nil {
		return fmt.Errorf("supervisor: terminating container: %w", err)
	}
	time.Sleep(500 * time.Millisecond)
	s.reportStatus(ctx, s.UUID(), "offline")
	return nil
}

// resetWatcherContext cancels any previously-installed watcher context and
// installs a fresh child of context.Background, so the background watchers
// outlive the power-action call that started them and are reliably torn
// down on the next start/restart cycle.
func (s *Supervisor) resetWatcherContext() context.Context {
	s.watcherMu.Lock()
	defer s.watcherMu.Unlock()

	if s.watcherCancel != nil {
		s.watcherCancel()
	}
	watcherCtx, cancel := context.WithCancel(context.Background())
	s.watcherCancel = cancel
	return watcherCtx
}

// startWatchers subscribes every background watcher to the bus before the
// container is (re)started, so no early state/console/exit event is
// dropped for lack of a subscriber.
func (s *Supervisor) startWatchers(ctx context.Context) {
	s.startStartupDetector(ctx)
	s.startStateWatcher(ctx)
	s.startConsoleLogForwarder(ctx)
	s.startExitWatcher(ctx)
	s.startStatsPoller(ctx)
}

func (s *Supervisor) onBeforeStart(ctx context.Context) error {
	cfg := s.Config()
	s.logger.Info().Bool("suspended", cfg.Suspended).Str("startup", cfg.Startup).Msg("pre-boot checks")

	if cfg.Suspended {
		return ErrSuspended
	}

	exists, err := s.env.Exists(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: checking container existence: %w", err)
	}
	if exists {
		if err := s.env.Destroy(ctx); err != nil {
			return fmt.Errorf("supervisor: destroying stale container: %w", err)
		}
	}
	return nil
}

// Install fetches the workload's installation script from the panel, runs
// it to completion in a one-shot container, and reports success/failure
// back to the panel. Concurrent installs on the same workload are refused.
func (s *Supervisor) Install(ctx context.Context) error {
	if !s.flags.TryStartInstalling() {
		return ErrInstalling
	}
	defer s.flags.StopInstalling()

	uuid := s.UUID()
	s.logger.Info().Msg("fetching installation script")

	script, err := s.panel.GetInstallationScript(ctx, uuid)
	if err != nil {
		return fmt.Errorf("supervisor: fetching installation script: %w", err)
	}

	proc := installer.New(s.env.DockerClient(), uuid, script, s.dataDir, s.tmpDir, s.bus, s.installSink, s.logger)
	runErr := proc.Run(ctx)

	if err := s.panel.SetInstallationStatus(ctx, uuid, runErr == nil); err != nil {
		s.logger.Warn().Err(err).Msg("failed to report install status to panel")
	}
	if runErr != nil {
		return fmt.Errorf("supervisor: running installer: %w", runErr)
	}
	return nil
}

// backupEngineFor lazily constructs the workload's backup engine against a
// local storage adapter rooted at backupDir.
func (s *Supervisor) backupEngineFor() *backup.Engine {
	s.backupOnce.Do(func() {
		cfg := s.Config()
		s.backupEngine = backup.New(backup.Config{
			ServerUUID: cfg.UUID,
			ServerDir:  s.dataDir,
			BackupDir:  s.backupDir,
		}, s.bus, adapter.NewLocal(s.backupDir), s.logger)
	})
	return s.backupEngine
}

// Backup creates an archive of the workload's data directory and reports
// the result back to the panel.
func (s *Supervisor) Backup(ctx context.Context, req backup.Request) (backup.Info, error) {
	req.Running = s.env.State() == wltypes.StateRunning

	info, runErr := s.backupEngineFor().Create(ctx, req)

	status := panel.BackupStatus{Successful: runErr == nil}
	if runErr == nil {
		status.Checksum = info.Checksum
		status.ChecksumType = "sha256"
		status.Size = info.Size
	}
	if s.panel != nil {
		if err := s.panel.SetBackupStatus(ctx, req.BackupUUID, status); err != nil {
			s.logger.Warn().Err(err).Str("backup", req.BackupUUID).Msg("failed to report backup status to panel")
		}
	}
	if runErr != nil {
		return backup.Info{}, fmt.Errorf("supervisor: creating backup: %w", runErr)
	}
	s.logger.Info().Str("backup", req.BackupUUID).Msg("backup complete")
	return info, nil
}

// RestoreBackup restores a previously-created backup over the workload's
// data directory. Concurrent restores on the same workload are refused.
func (s *Supervisor) RestoreBackup(ctx context.Context, backupUUID string, truncate bool) error {
	if !s.flags.TryStartRestoring() {
		return ErrRestoring
	}
	defer s.flags.StopRestoring()

	runErr := s.backupEngineFor().Restore(ctx, backupUUID, truncate)

	if s.panel != nil {
		if err := s.panel.SetRestorationStatus(ctx, backupUUID, runErr == nil); err != nil {
			s.logger.Warn().Err(err).Str("backup", backupUUID).Msg("failed to report restoration status to panel")
		}
	}
	if runErr != nil {
		return fmt.Errorf("supervisor: restoring backup: %w", runErr)
	}
	return nil
}

// SendCommand writes a line to the workload's console.
func (s *Supervisor) SendCommand(cmd string) error {
	return s.env.SendCommand(cmd)
}

func (s *Supervisor) reportStatus(ctx context.Context, uuid, status string) {
	if s.panel == nil {
		return
	}
	if err := s.panel.SetServerStatus(ctx, uuid, status); err != nil {
		s.logger.Warn().Err(err).Str("status", status).Msg("failed to sync status to panel")
	} else {
		s.logger.Info().Str("status", status).Msg("status synced to panel")
	}
}

// ReportStatus reports the supervisor's last known process state to the
// panel without touching the container. This is the light check run every
// reconciliation cycle; it never reattaches or restarts watchers, unlike
// SyncStatusToPanel.
func (s *Supervisor) ReportStatus(ctx context.Context) error {
	if s.panel == nil {
		return nil
	}
	return s.panel.SetServerStatus(ctx, s.UUID(), string(s.State()))
}

// Sync refreshes the workload's configuration snapshot from the panel. The
// snapshot is replaced through WorkloadConfig.Update, which keeps the
// existing compiled readiness patterns when the incoming pattern text is
// unchanged and takes the panel's patterns only when the list differs. A
// readiness detector that is already running keeps the patterns it read
// when it started; a changed list takes effect on the next start.
func (s *Supervisor) Sync(ctx context.Context) error {
	cfg, err := s.panel.GetServerConfiguration(ctx, s.UUID())
	if err != nil {
		return fmt.Errorf("supervisor: refreshing configuration: %w", err)
	}
	s.mu.Lock()
	s.config.Update(cfg)
	s.mu.Unlock()
	return nil
}

// Destroy cancels any in-flight work and removes the backing container.
func (s *Supervisor) Destroy(ctx context.Context) error {
	s.watcherMu.Lock()
	if s.watcherCancel != nil {
		s.watcherCancel()
	}
	s.watcherMu.Unlock()

	if err := s.env.Destroy(ctx); err != nil {
		return fmt.Errorf("supervisor: destroying container: %w", err)
	}
	return nil
}
