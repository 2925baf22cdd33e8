// Package metrics exposes the Prometheus gauges, counters, and histograms
// for this daemon's domain: workload state, reconciliation cycles, backups,
// installs, and container operations. Grounded on the package shape of the
// teacher's metrics package (package-level vecs + an init-time register
// + a Timer helper); the gauges/histograms themselves are this domain's.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WorkloadsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stellard_workloads_total",
			Help: "Total number of supervised workloads by process state",
		},
		[]string{"state"},
	)

	PowerActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stellard_power_actions_total",
			Help: "Total number of power actions handled by outcome",
		},
		[]string{"action", "outcome"},
	)

	ContainerCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stellard_container_create_duration_seconds",
			Help:    "Time taken to create a workload container",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stellard_container_start_duration_seconds",
			Help:    "Time taken to start a workload container",
			Buckets: prometheus.DefBuckets,
		},
	)

	InstallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stellard_install_duration_seconds",
			Help:    "Time taken for an installation run to complete",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	InstallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stellard_installs_total",
			Help: "Total number of installation runs by outcome",
		},
		[]string{"outcome"},
	)

	BackupCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stellard_backup_create_duration_seconds",
			Help:    "Time taken to create a backup archive",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	BackupRestoreDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stellard_backup_restore_duration_seconds",
			Help:    "Time taken to restore a backup archive",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stellard_backups_total",
			Help: "Total number of backup operations by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stellard_reconciliation_duration_seconds",
			Help:    "Time taken for a periodic reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stellard_reconciliation_cycles_total",
			Help: "Total number of periodic reconciliation cycles completed",
		},
	)

	BootstrapDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stellard_bootstrap_duration_seconds",
			Help:    "Time taken to bootstrap all supervisors on daemon start",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
	)

	BootstrapErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stellard_bootstrap_errors_total",
			Help: "Total number of per-workload errors encountered during bootstrap",
		},
	)

	StatsSamplerErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stellard_stats_sampler_errors_total",
			Help: "Total number of errors encountered while sampling container stats",
		},
	)

	PanelRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stellard_panel_requests_total",
			Help: "Total number of panel API requests by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(WorkloadsTotal)
	prometheus.MustRegister(PowerActionsTotal)
	prometheus.MustRegister(ContainerCreateDuration)
	prometheus.MustRegister(ContainerStartDuration)
	prometheus.MustRegister(InstallDuration)
	prometheus.MustRegister(InstallsTotal)
	prometheus.MustRegister(BackupCreateDuration)
	prometheus.MustRegister(BackupRestoreDuration)
	prometheus.MustRegister(BackupsTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(BootstrapDuration)
	prometheus.MustRegister(BootstrapErrorsTotal)
	prometheus.MustRegister(StatsSamplerErrorsTotal)
	prometheus.MustRegister(PanelRequestsTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for a single operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
