package containerenv

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/stellarstack/daemon/pkg/diskquota"
	wltypes "github.com/stellarstack/daemon/pkg/types"
)

// dockerStats mirrors the subset of the Docker stats JSON response needed
// for CPU, memory, and network accounting.
type dockerStats struct {
	MemoryStats struct {
		Usage uint64 `json:"usage"`
		Limit uint64 `json:"limit"`
	} `json:"memory_stats"`
	CPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemCPUUsage uint64 `json:"system_cpu_usage"`
		OnlineCPUs     uint64 `json:"online_cpus"`
	} `json:"cpu_stats"`
	Networks map[string]struct {
		RxBytes uint64 `json:"rx_bytes"`
		TxBytes uint64 `json:"tx_bytes"`
	} `json:"networks"`
}

// PollStats streams container resource statistics until ctx is cancelled or
// the container stops, publishing a Stats event on each sample. quota, when
// non-nil, supplies the disk usage figure attached to each sample.
func (e *Environment) PollStats(ctx context.Context, quota *diskquota.Tracker, dataRoot string) {
	statsResp, err := e.client.ContainerStats(ctx, e.containerName, true)
	if err != nil {
		e.logger.Debug().Err(err).Msg("could not start stats stream")
		return
	}
	defer statsResp.Body.Close()

	dec := json.NewDecoder(statsResp.Body)

	var prevCPU, prevSystem uint64
	haveSample := false

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var s dockerStats
		if err := dec.Decode(&s); err != nil {
			if err != io.EOF {
				e.logger.Debug().Err(err).Msg("stats stream ended")
			}
			return
		}

		cpu := calculateCPU(s, prevCPU, prevSystem, haveSample)
		prevCPU = s.CPUStats.CPUUsage.TotalUsage
		prevSystem = s.CPUStats.SystemCPUUsage
		haveSample = true

		rx, tx := calculateNetwork(s)

		var disk int64
		if quota != nil {
			disk, _ = quota.Calculate(dataRoot)
		}

		uptime, _ := e.Uptime(ctx)

		e.bus.Publish(wltypes.Event{
			Kind: wltypes.EventStats,
			Stats: wltypes.StatsSample{
				MemoryBytes: int64(s.MemoryStats.Usage),
				CPUPercent:  cpu,
				NetworkRx:   int64(rx),
				NetworkTx:   int64(tx),
				DiskBytes:   disk,
				UptimeSec:   int64(uptime.Seconds()),
				SampledAt:   now(),
			},
		})
	}
}

// now is a seam so tests never need wall-clock time; production always
// wants the real clock.
var now = func() time.Time { return time.Now() }

// calculateCPU computes CPU percentage the same way the original Rust
// daemon does: container/system delta ratio scaled by online CPU count,
// capped at 100%*cpus. The first sample for a container has no previous
// reading and always reports 0.
func calculateCPU(s dockerStats, prevCPU, prevSystem uint64, haveSample bool) float64 {
	if !haveSample {
		return 0
	}

	currentCPU := s.CPUStats.CPUUsage.TotalUsage
	currentSystem := s.CPUStats.SystemCPUUsage

	cpuDelta := saturatingSub(currentCPU, prevCPU)
	systemDelta := saturatingSub(currentSystem, prevSystem)

	cpus := s.CPUStats.OnlineCPUs
	if cpus == 0 {
		cpus = 1
	}

	if systemDelta > 0 && cpuDelta > 0 {
		raw := (float64(cpuDelta) / float64(systemDelta)) * 100.0 * float64(cpus)
		ceiling := 100.0 * float64(cpus)
		if raw > ceiling {
			return ceiling
		}
		return raw
	}
	return 0
}

func calculateNetwork(s dockerStats) (rx, tx uint64) {
	for _, n := range s.Networks {
		rx += n.RxBytes
		tx += n.TxBytes
	}
	return rx, tx
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
