package supervisor

import (
	"context"
	"time"

	wltypes "github.com/stellarstack/daemon/pkg/types"
)

// startStartupDetector subscribes to console output and watches for any of
// the workload's readiness patterns to match, marking the workload Running
// and reporting that to the panel. With no readiness patterns configured
// there is nothing to subscribe to; the caller marks the workload Running
// immediately after the container actually starts (markRunningIfNoReadiness).
func (s *Supervisor) startStartupDetector(ctx context.Context) {
	cfg := s.Config()
	if len(cfg.Readiness) == 0 {
		return
	}

	sub := s.bus.Subscribe()

	go func() {
		defer sub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case envelope, ok := <-sub.C():
				if !ok {
					return
				}
				ev := envelope.Event

				if ev.Kind == wltypes.EventConsoleOutput {
					line := stripANSIIfNeeded(cfg, ev.Bytes)
					for _, pattern := range cfg.Readiness {
						if pattern.Compiled.MatchString(line) {
							s.logger.Info().Str("pattern", pattern.Source).Msg("startup detection matched")
							s.bus.Publish(wltypes.Event{Kind: wltypes.EventStateChange, State: wltypes.StateRunning})
							s.reportStatus(ctx, s.UUID(), "running")
							return
						}
					}
				}

				if s.env.State() != wltypes.StateStarting {
					return
				}
			}
		}
	}()
}

// markRunningIfNoReadiness marks the workload Running immediately once the
// container has actually started, when no readiness patterns are configured
// for the startup detector to watch for instead.
func (s *Supervisor) markRunningIfNoReadiness(ctx context.Context) {
	cfg := s.Config()
	if len(cfg.Readiness) != 0 {
		return
	}
	s.logger.Info().Msg("no readiness patterns configured, marking running immediately")
	s.bus.Publish(wltypes.Event{Kind: wltypes.EventStateChange, State: wltypes.StateRunning})
	s.reportStatus(ctx, s.UUID(), "running")
}

// startStateWatcher subscribes to state-change events, mirrors every
// transition to the panel and the state store, and stops once the workload
// goes offline.
func (s *Supervisor) startStateWatcher(ctx context.Context) {
	sub := s.bus.Subscribe()
	uuid := s.UUID()

	go func() {
		defer sub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case envelope, ok := <-sub.C():
				if !ok {
					return
				}
				if envelope.Lagged > 0 {
					s.logger.Warn().Uint64("lagged", envelope.Lagged).Msg("state watcher lagging, some transitions missed")
				}
				ev := envelope.Event
				if ev.Kind != wltypes.EventStateChange {
					continue
				}

				status := string(ev.State)
				s.logger.Info().Str("status", status).Msg("state changed, syncing with panel")
				s.reportStatus(ctx, uuid, status)
				s.store.SaveServerState(ctx, uuid, ev.State, s.flags.Snapshot().Installing)

				if ev.State == wltypes.StateOffline {
					s.logger.Info().Msg("workload offline, stopping state watcher")
					return
				}
			}
		}
	}()
}

// startConsoleLogForwarder subscribes to console output and appends each
// line to the state store's bounded console log tail. Pushing chunks onto
// the in-memory console sink itself is handled directly by containerenv's
// attach loop; this watcher only owns the durable side of it.
func (s *Supervisor) startConsoleLogForwarder(ctx context.Context) {
	sub := s.bus.Subscribe()
	uuid := s.UUID()

	go func() {
		defer sub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case envelope, ok := <-sub.C():
				if !ok {
					return
				}
				if envelope.Lagged > 0 {
					s.logger.Warn().Uint64("lagged", envelope.Lagged).Msg("console log forwarder lagging, some output missed")
				}
				ev := envelope.Event
				if ev.Kind == wltypes.EventConsoleOutput {
					s.store.AppendConsoleLog(ctx, uuid, string(ev.Bytes))
				}
			}
		}
	}()
}

// startStatsPoller launches the container stats sampler under the watcher
// context, publishing a Stats event on the bus until the container stops
// or the watcher context is cancelled.
func (s *Supervisor) startStatsPoller(ctx context.Context) {
	go s.env.PollStats(ctx, s.diskQuota, s.dataDir)
}

func stripANSIIfNeeded(cfg wltypes.WorkloadConfig, data []byte) string {
	line := string(data)
	if !cfg.StripANSI {
		return line
	}
	return stripANSI(line)
}

// stripANSI removes CSI escape sequences from a console line before
// readiness matching, mirroring the panel's own display stripping so
// patterns written against human-visible text still match.
func stripANSI(s string) string {
	out := make([]byte, 0, len(s))
	i := 0
	for i < len(s) {
		if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '[' {
			j := i + 2
			for j < len(s) && !isANSITerminator(s[j]) {
				j++
			}
			if j < len(s) {
				j++
			}
			i = j
			continue
		}
		out = append(out, s[i])
		i++
	}
	return string(out)
}

func isANSITerminator(b byte) bool {
	return b >= 0x40 && b <= 0x7e
}

// SyncStatusToPanel inspects the container's actual state and reports it to
// the panel, used on daemon startup so the panel's view is never stale
// after a restart. If the container is running, it re-attaches so console
// commands keep working, restores the console tail cached in the state
// store, and starts the background watchers against a fresh watcher
// context.
func (s *Supervisor) SyncStatusToPanel(ctx context.Context) error {
	uuid := s.UUID()

	exists, existsErr := s.env.Exists(ctx)
	running := false
	if existsErr == nil {
		running, _ = s.env.IsRunning(ctx)
	}

	var status string
	switch {
	case !exists:
		s.bus.Publish(wltypes.Event{Kind: wltypes.EventStateChange, State: wltypes.StateOffline})
		status = "offline"
	case running:
		s.bus.Publish(wltypes.Event{Kind: wltypes.EventStateChange, State: wltypes.StateRunning})
		if err := s.env.Attach(ctx); err != nil {
			s.logger.Error().Err(err).Msg("failed to attach to running container")
		}

		if lines := s.store.GetConsoleLogs(ctx, uuid); len(lines) > 0 {
			for _, line := range lines {
				s.consoleSink.PushString(line)
			}
			s.logger.Info().Int("lines", len(lines)).Msg("restored console tail from state store")
		}

		watcherCtx := s.resetWatcherContext()
		s.startStateWatcher(watcherCtx)
		s.startConsoleLogForwarder(watcherCtx)
		s.startExitWatcher(watcherCtx)
		s.startStatsPoller(watcherCtx)
		status = "running"
	default:
		s.bus.Publish(wltypes.Event{Kind: wltypes.EventStateChange, State: wltypes.StateOffline})
		status = "offline"
	}

	s.logger.Info().Str("status", status).Bool("exists", exists).Bool("running", running).Msg("container status on startup")
	if s.panel != nil {
		return s.panel.SetServerStatus(ctx, uuid, status)
	}
	return nil
}

// noExitTimeout is the effective "wait forever" duration used by
// startExitWatcher, which has no natural deadline of its own — it just
// mirrors whatever the container does next.
const noExitTimeout = 365 * 24 * time.Hour

// startExitWatcher waits for the container to exit and publishes the
// resulting offline transition. When the container genuinely exited (the
// watcher context is still live, i.e. this isn't a deliberate stop/restart
// recycling it), it also classifies the exit against the crash detector so
// repeated fast crashes get logged and counted.
func (s *Supervisor) startExitWatcher(ctx context.Context) {
	go func() {
		_ = s.env.WaitForStop(ctx, noExitTimeout, false)
		if ctx.Err() != nil {
			return
		}

		reportCtx := context.Background()

		if state, err := s.env.ExitState(reportCtx); err != nil {
			s.logger.Warn().Err(err).Msg("failed to read container exit state")
		} else if s.crash.IsCrash(state.ExitCode, state.OOMKilled) {
			s.logger.Warn().Int("exit_code", state.ExitCode).Bool("oom_killed", state.OOMKilled).Msg("container crashed")
			if s.crash.RecordCrash() {
				s.logger.Warn().Uint32("count", s.crash.CrashCount()).Msg("crash limit reached, auto-restart disabled")
			}
		}

		s.bus.Publish(wltypes.Event{Kind: wltypes.EventStateChange, State: wltypes.StateOffline})
		s.reportStatus(reportCtx, s.UUID(), "offline")
	}()
}
