// Package manager implements the manager (C13): the collection of
// per-workload supervisors on this node. It bootstraps supervisors from
// the panel's workload list under bounded concurrency, runs a periodic
// lightweight reconciliation loop, and exposes add/remove/sync_all/shutdown
// operations. Grounded on the bootstrap/fan-out shape of
// original_source/.../server/manager.rs and the ticker+metrics idiom of
// the teacher's pkg/reconciler.
package manager

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/docker/docker/client"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/stellarstack/daemon/pkg/containerenv"
	"github.com/stellarstack/daemon/pkg/events"
	"github.com/stellarstack/daemon/pkg/metrics"
	"github.com/stellarstack/daemon/pkg/sink"
	"github.com/stellarstack/daemon/pkg/statestore"
	"github.com/stellarstack/daemon/pkg/supervisor"
	wltypes "github.com/stellarstack/daemon/pkg/types"
)

// Sentinel manager errors.
var (
	ErrNotFound      = errors.New("manager: workload not found")
	ErrAlreadyExists = errors.New("manager: workload already exists")
)

const reconcileInterval = 30 * time.Second

// PanelClient is the subset of the panel API the manager needs beyond what
// it hands down to individual supervisors.
type PanelClient interface {
	supervisor.PanelClient
	ListWorkloads(ctx context.Context, perPage int) ([]wltypes.WorkloadConfig, error)
}

// Config configures a Manager.
type Config struct {
	DataDirRoot   string // parent of each workload's data directory
	TmpDir        string // scratch space for installer runs
	BackupDirRoot string // parent of each workload's backup staging directory

	BootstrapPerPage int // panel page size when listing workloads on boot; default 50

	RedisEnabled bool
	RedisPrefix  string
	RedisAddr    string
}

// Manager owns every Supervisor on this node.
type Manager struct {
	cfg Config

	mu          sync.RWMutex
	supervisors map[string]*supervisor.Supervisor

	docker *client.Client
	panel  PanelClient
	store  *statestore.Store
	logger zerolog.Logger

	stopCh chan struct{}
}

// New creates a Manager. Bootstrap connects the state store and loads
// workloads from the panel.
func New(cfg Config, docker *client.Client, panel PanelClient, logger zerolog.Logger) *Manager {
	if cfg.BootstrapPerPage == 0 {
		cfg.BootstrapPerPage = 50
	}
	logger = logger.With().Str("component", "manager").Logger()
	return &Manager{
		cfg:         cfg,
		supervisors: make(map[string]*supervisor.Supervisor),
		docker:      docker,
		panel:       panel,
		store:       statestore.New(cfg.RedisPrefix, cfg.RedisEnabled, logger),
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// StateStore returns the manager's state store, for collaborators (e.g.
// the console forwarder) that need to publish into it directly.
func (m *Manager) StateStore() *statestore.Store { return m.store }

// Bootstrap connects the state store, fetches the workload list from the
// panel, and constructs one Supervisor per workload under a concurrency
// cap equal to the number of CPUs. Per-workload construction errors are
// logged and do not fail the bootstrap as a whole. Once every supervisor is
// constructed, it runs the heavy status sync against the panel for each.
func (m *Manager) Bootstrap(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BootstrapDuration)

	if m.cfg.RedisEnabled {
		if err := m.store.Connect(ctx, m.cfg.RedisAddr); err != nil {
			m.logger.Warn().Err(err).Msg("failed to connect state store, state persistence disabled")
		}
	}

	configs, err := m.panel.ListWorkloads(ctx, m.cfg.BootstrapPerPage)
	if err != nil {
		return fmt.Errorf("manager: listing workloads from panel: %w", err)
	}
	m.logger.Info().Int("count", len(configs)).Msg("loaded workloads from panel")

	sem := semaphore.NewWeighted(int64(runtime.NumCPU()))
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	built := make(map[string]*supervisor.Supervisor, len(configs))

	for _, cfg := range configs {
		cfg := cfg
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)

			sup := m.buildSupervisor(cfg)

			mu.Lock()
			built[cfg.UUID] = sup
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("manager: bootstrap fan-out: %w", err)
	}

	m.mu.Lock()
	for uuid, sup := range built {
		m.supervisors[uuid] = sup
	}
	m.mu.Unlock()

	m.logger.Info().Int("initialized", len(built)).Msg("supervisors constructed")

	for _, sup := range m.All() {
		if err := sup.SyncStatusToPanel(ctx); err != nil {
			metrics.BootstrapErrorsTotal.Inc()
			m.logger.Warn().Err(err).Str("uuid", sup.UUID()).Msg("failed to sync status to panel")
		}
	}

	return nil
}

func (m *Manager) buildSupervisor(cfg wltypes.WorkloadConfig) *supervisor.Supervisor {
	dataDir := m.cfg.DataDirRoot + "/" + cfg.UUID
	backupDir := m.cfg.BackupDirRoot + "/" + cfg.UUID
	bus := events.New()
	consoleSink := sink.New()
	installSink := sink.New()

	env := containerenv.New(m.docker, cfg, dataDir, bus, consoleSink, m.logger)
	return supervisor.New(cfg, env, bus, consoleSink, installSink, m.panel, m.store, dataDir, m.cfg.TmpDir, backupDir, m.logger)
}

// Get returns the supervisor for uuid, if any.
func (m *Manager) Get(uuid string) (*supervisor.Supervisor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sup, ok := m.supervisors[uuid]
	return sup, ok
}

// All returns every supervisor, in no particular order.
func (m *Manager) All() []*supervisor.Supervisor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]*supervisor.Supervisor, 0, len(m.supervisors))
	for _, sup := range m.supervisors {
		all = append(all, sup)
	}
	return all
}

// UUIDs returns the UUIDs of every supervised workload.
func (m *Manager) UUIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	uuids := make([]string, 0, len(m.supervisors))
	for uuid := range m.supervisors {
		uuids = append(uuids, uuid)
	}
	return uuids
}

// Count returns the number of supervised workloads.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.supervisors)
}

// Exists reports whether uuid is currently supervised.
func (m *Manager) Exists(uuid string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.supervisors[uuid]
	return ok
}

// Add constructs and registers a new Supervisor for cfg.
func (m *Manager) Add(cfg wltypes.WorkloadConfig) (*supervisor.Supervisor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.supervisors[cfg.UUID]; exists {
		return nil, ErrAlreadyExists
	}

	sup := m.buildSupervisor(cfg)
	m.supervisors[cfg.UUID] = sup
	m.logger.Info().Str("uuid", cfg.UUID).Msg("added workload")
	return sup, nil
}

// Remove destroys and unregisters the supervisor for uuid.
func (m *Manager) Remove(ctx context.Context, uuid string) error {
	m.mu.Lock()
	sup, exists := m.supervisors[uuid]
	if exists {
		delete(m.supervisors, uuid)
	}
	m.mu.Unlock()

	if !exists {
		return ErrNotFound
	}

	if err := sup.Destroy(ctx); err != nil {
		m.logger.Warn().Err(err).Str("uuid", uuid).Msg("error destroying workload on removal")
	}
	m.logger.Info().Str("uuid", uuid).Msg("removed workload")
	return nil
}

// SyncAll refreshes every supervisor's configuration snapshot from the panel.
func (m *Manager) SyncAll(ctx context.Context) {
	for _, sup := range m.All() {
		if err := sup.Sync(ctx); err != nil {
			m.logger.Warn().Err(err).Str("uuid", sup.UUID()).Msg("failed to sync workload")
		}
	}
}

// StartReconciling runs the periodic lightweight status report every 30s
// until StopReconciling is called.
func (m *Manager) StartReconciling() {
	go m.reconcileLoop()
}

// StopReconciling stops the periodic reconciliation loop.
func (m *Manager) StopReconciling() {
	close(m.stopCh)
}

func (m *Manager) reconcileLoop() {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	m.logger.Info().Msg("reconciliation loop started")

	for {
		select {
		case <-ticker.C:
			m.reconcile()
		case <-m.stopCh:
			m.logger.Info().Msg("reconciliation loop stopped")
			return
		}
	}
}

func (m *Manager) reconcile() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	ctx := context.Background()
	for _, sup := range m.All() {
		if err := sup.ReportStatus(ctx); err != nil {
			m.logger.Warn().Err(err).Str("uuid", sup.UUID()).Msg("failed to report status")
		}
	}
}

// Shutdown stops the reconciliation loop and gracefully stops every
// running workload.
func (m *Manager) Shutdown(ctx context.Context) {
	select {
	case <-m.stopCh:
	default:
		m.StopReconciling()
	}

	m.logger.Info().Msg("shutting down all workloads")
	for _, sup := range m.All() {
		if sup.State() == wltypes.StateOffline {
			continue
		}
		if err := sup.HandlePowerAction(ctx, supervisor.PowerStop, true); err != nil {
			m.logger.Warn().Err(err).Str("uuid", sup.UUID()).Msg("error stopping workload during shutdown")
		}
	}
	m.logger.Info().Msg("all workloads stopped")
}
