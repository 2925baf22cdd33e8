// Package containerenv implements the container environment (C8): it wraps
// the Docker Engine API to create, start, stop, and inspect the single
// container backing one workload, and to stream its console output and
// resource statistics onto that workload's event bus and sink.
package containerenv

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/stellarstack/daemon/pkg/events"
	"github.com/stellarstack/daemon/pkg/sink"
	wltypes "github.com/stellarstack/daemon/pkg/types"
)

// ErrNotRunning is returned by SendCommand when no attach session is active.
var ErrNotRunning = errors.New("containerenv: container not running")

// ErrTimeout is returned by WaitForStop when the container does not exit
// within the requested timeout and termination was not requested.
var ErrTimeout = errors.New("containerenv: timed out waiting for stop")

// ExitState summarizes why a container stopped.
type ExitState struct {
	ExitCode  int
	OOMKilled bool
	Error     string
}

// droppedCapabilities is the fixed set of Linux capabilities stripped from
// every workload container.
var droppedCapabilities = []string{
	"SETPCAP", "MKNOD", "AUDIT_WRITE", "NET_RAW", "DAC_OVERRIDE", "FOWNER",
	"FSETID", "NET_BIND_SERVICE", "SYS_CHROOT", "SETFCAP", "AUDIT_CONTROL",
	"AUDIT_READ", "BLOCK_SUSPEND", "DAC_READ_SEARCH", "IPC_LOCK", "IPC_OWNER",
	"LEASE", "LINUX_IMMUTABLE", "MAC_ADMIN", "MAC_OVERRIDE", "NET_ADMIN",
	"NET_BROADCAST", "SYSLOG", "SYS_ADMIN", "SYS_BOOT", "SYS_MODULE",
	"SYS_NICE", "SYS_PACCT", "SYS_PTRACE", "SYS_RAWIO", "SYS_RESOURCE",
	"SYS_TIME", "SYS_TTY_CONFIG", "WAKE_ALARM",
}

// Environment is the Docker-backed process environment for one workload.
// The zero value is not usable; construct with New.
type Environment struct {
	id            string
	containerName string
	cfg           wltypes.WorkloadConfig
	dataDir       string

	client *client.Client
	bus    *events.Bus
	sink   *sink.Sink
	logger zerolog.Logger

	state atomic.Value // wltypes.ProcessState

	attached atomic.Bool
	cmdMu    sync.RWMutex
	cmdCh    chan string
}

// New creates an Environment for a workload. dataDir is the host path bind
// mounted into the container as the workload's persistent storage.
func New(cli *client.Client, cfg wltypes.WorkloadConfig, dataDir string, bus *events.Bus, snk *sink.Sink, logger zerolog.Logger) *Environment {
	e := &Environment{
		id:            cfg.UUID,
		containerName: cfg.UUID + "_server",
		cfg:           cfg,
		dataDir:       dataDir,
		client:        cli,
		bus:           bus,
		sink:          snk,
		logger:        logger.With().Str("component", "containerenv").Str("uuid", cfg.UUID).Logger(),
	}
	e.state.Store(wltypes.StateOffline)
	return e
}

// ContainerName returns the Docker container name backing this workload.
func (e *Environment) ContainerName() string { return e.containerName }

// DockerClient returns the underlying Docker Engine API client, for
// collaborators (the installer runner) that need to run their own
// short-lived containers against the same engine.
func (e *Environment) DockerClient() *client.Client { return e.client }

// UpdateConfig replaces the workload configuration used for subsequent
// Create/InSituUpdate calls.
func (e *Environment) UpdateConfig(cfg wltypes.WorkloadConfig) { e.cfg = cfg }

// State returns the last-observed process state.
func (e *Environment) State() wltypes.ProcessState {
	return e.state.Load().(wltypes.ProcessState)
}

func (e *Environment) setState(state wltypes.ProcessState) {
	old := e.state.Swap(state).(wltypes.ProcessState)
	if old != state {
		e.logger.Debug().Str("from", string(old)).Str("to", string(state)).Msg("state change")
		e.bus.Publish(wltypes.Event{Kind: wltypes.EventStateChange, State: state})
	}
}

// Exists reports whether the backing container has been created.
func (e *Environment) Exists(ctx context.Context) (bool, error) {
	_, err := e.client.ContainerInspect(ctx, e.containerName)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, err
}

// IsRunning reports whether the container is currently running.
func (e *Environment) IsRunning(ctx context.Context) (bool, error) {
	info, err := e.client.ContainerInspect(ctx, e.containerName)
	if err != nil {
		return false, err
	}
	if info.State == nil {
		return false, nil
	}
	return info.State.Running, nil
}

// ExitState returns the container's last exit code, OOM flag, and error
// string.
func (e *Environment) ExitState(ctx context.Context) (ExitState, error) {
	info, err := e.client.ContainerInspect(ctx, e.containerName)
	if err != nil {
		return ExitState{}, err
	}
	if info.State == nil {
		return ExitState{}, nil
	}
	return ExitState{
		ExitCode:  info.State.ExitCode,
		OOMKilled: info.State.OOMKilled,
		Error:     info.State.Error,
	}, nil
}

// Uptime returns how long the container has been running.
func (e *Environment) Uptime(ctx context.Context) (time.Duration, error) {
	info, err := e.client.ContainerInspect(ctx, e.containerName)
	if err != nil {
		return 0, err
	}
	if info.State == nil || info.State.StartedAt == "" || info.State.StartedAt == "0001-01-01T00:00:00Z" {
		return 0, nil
	}
	started, err := time.Parse(time.RFC3339Nano, info.State.StartedAt)
	if err != nil {
		return 0, fmt.Errorf("containerenv: parsing start time: %w", err)
	}
	return time.Since(started), nil
}

// Create builds and creates the backing container, pulling the configured
// image first if it is not already present locally.
func (e *Environment) Create(ctx context.Context) error {
	if err := e.ensureImage(ctx); err != nil {
		return err
	}

	envVars := make([]string, 0, len(e.cfg.Env))
	for k, v := range e.cfg.Env {
		envVars = append(envVars, k+"="+v)
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	addPort := func(ip string, port int) {
		for _, proto := range []string{"tcp", "udp"} {
			p := nat.Port(strconv.Itoa(port) + "/" + proto)
			exposed[p] = struct{}{}
			bindings[p] = append(bindings[p], nat.PortBinding{HostIP: ip, HostPort: strconv.Itoa(port)})
		}
	}
	addPort(e.cfg.Networking.DefaultIP, e.cfg.Networking.DefaultPort)
	for ip, ports := range e.cfg.Networking.Additional {
		for _, p := range ports {
			addPort(ip, p)
		}
	}

	mounts := make([]mount.Mount, 0, len(e.cfg.Mounts)+1)
	mounts = append(mounts, mount.Mount{
		Type:     mount.TypeBind,
		Source:   e.dataDir,
		Target:   "/home/container",
		ReadOnly: false,
	})
	for _, m := range e.cfg.Mounts {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}

	labels := map[string]string{
		"Service":       "StellarStack",
		"ContainerType": "workload_process",
	}

	res := e.cfg.Resources
	hostConfig := &container.HostConfig{
		PortBindings: bindings,
		Mounts:       mounts,
		Tmpfs:        map[string]string{"/tmp": "rw,exec,nosuid,size=64M"},
		Resources: container.Resources{
			Memory:            res.MemoryBytes,
			MemorySwap:        res.SwapBytes,
			MemoryReservation: int64(float64(res.MemoryBytes) * 0.9),
			CPUQuota:          res.CPUQuotaMicros,
			CPUPeriod:         periodFor(res.CPUQuotaMicros),
			CPUShares:         res.CPUShares,
			BlkioWeight:       uint16(res.IOWeight),
			PidsLimit:         pidsLimitPtr(res.PIDLimit),
			OomKillDisable:    &res.OOMDisable,
			CpusetCpus:        res.CPUPin,
		},
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     droppedCapabilities,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyDisabled,
		},
		LogConfig: container.LogConfig{
			Type:   "local",
			Config: map[string]string{"max-size": "5m", "max-file": "1", "compress": "false"},
		},
	}

	cmd, err := splitShellWords(e.cfg.Startup)
	if err != nil {
		return fmt.Errorf("containerenv: invalid startup command: %w", err)
	}

	containerCfg := &container.Config{
		Hostname:     e.id,
		Env:          envVars,
		Image:        e.cfg.Image,
		Cmd:          cmd,
		ExposedPorts: exposed,
		Labels:       labels,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		OpenStdin:    true,
		StdinOnce:    false,
		Tty:          true,
		WorkingDir:   "/home/container",
	}

	_, err = e.client.ContainerCreate(ctx, containerCfg, hostConfig, nil, nil, e.containerName)
	if err != nil {
		if errdefsIsConflict(err) {
			return nil
		}
		return fmt.Errorf("containerenv: creating container: %w", err)
	}
	e.logger.Info().Msg("created container")
	return nil
}

// Destroy force-removes the backing container, if it exists.
func (e *Environment) Destroy(ctx context.Context) error {
	err := e.client.ContainerRemove(ctx, e.containerName, types.ContainerRemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("containerenv: removing container: %w", err)
	}
	return nil
}

// Start starts the container, attaching first so no early output is lost.
func (e *Environment) Start(ctx context.Context) error {
	running, err := e.IsRunning(ctx)
	if err != nil {
		return err
	}
	if running {
		e.setState(wltypes.StateRunning)
		if !e.attached.Load() {
			return e.Attach(ctx)
		}
		return nil
	}

	e.setState(wltypes.StateStarting)

	if err := e.Attach(ctx); err != nil {
		return err
	}

	if err := e.client.ContainerStart(ctx, e.containerName, types.ContainerStartOptions{}); err != nil {
		e.setState(wltypes.StateOffline)
		return fmt.Errorf("containerenv: starting container: %w", err)
	}

	e.logger.Info().Msg("started container, awaiting readiness")
	return nil
}

// Stop asks the container to stop per the workload's configured stop
// discipline. It does not wait for the container to actually exit; pair
// with WaitForStop.
func (e *Environment) Stop(ctx context.Context) error {
	running, err := e.IsRunning(ctx)
	if err != nil {
		return err
	}
	if !running {
		e.setState(wltypes.StateOffline)
		return nil
	}

	e.setState(wltypes.StateStopping)

	switch e.cfg.Stop.Kind {
	case wltypes.StopSignal:
		if err := e.client.ContainerKill(ctx, e.containerName, e.cfg.Stop.Value); err != nil {
			e.logger.Warn().Err(err).Msg("failed to send stop signal")
		}
	case wltypes.StopCommand:
		if err := e.SendCommand(e.cfg.Stop.Value); err != nil {
			e.logger.Warn().Err(err).Msg("failed to send stop command")
		}
	default:
		timeout := 30
		if err := e.client.ContainerStop(ctx, e.containerName, container.StopOptions{Timeout: &timeout}); err != nil {
			e.logger.Warn().Err(err).Msg("docker stop failed")
		}
	}
	return nil
}

// WaitForStop blocks until the container exits, the timeout elapses, or ctx
// is cancelled. When terminate is true and the wait does not end with a
// clean exit, the container is force-killed and nil is returned; when
// terminate is false, a timeout returns ErrTimeout and any other wait
// failure is returned as is. The state is set offline in every case.
func (e *Environment) WaitForStop(ctx context.Context, timeout time.Duration, terminate bool) error {
	running, err := e.IsRunning(ctx)
	if err != nil || !running {
		e.setState(wltypes.StateOffline)
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusC, errC := e.client.ContainerWait(waitCtx, e.containerName, container.WaitConditionNotRunning)

	var waitErr error
	select {
	case <-statusC:
	case err := <-errC:
		waitErr = err
		if errors.Is(err, context.DeadlineExceeded) {
			waitErr = ErrTimeout
		}
	case <-waitCtx.Done():
		waitErr = ErrTimeout
	}

	if waitErr != nil && terminate {
		e.logger.Info().Msg("force killing container after wait failure")
		if err := e.Terminate(ctx, "SIGKILL"); err != nil {
			return err
		}
		time.Sleep(500 * time.Millisecond)
	}

	e.setState(wltypes.StateOffline)
	e.attached.Store(false)
	e.clearCommandSender()
	if waitErr != nil && !terminate {
		return waitErr
	}
	return nil
}

// Terminate sends signal directly to the container, tolerating an already
// missing or already-stopped container.
func (e *Environment) Terminate(ctx context.Context, signal string) error {
	err := e.client.ContainerKill(ctx, e.containerName, signal)
	if err == nil || client.IsErrNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	return fmt.Errorf("containerenv: terminating container: %w", err)
}

// InSituUpdate applies the workload's current resource caps to the running
// container without a restart.
func (e *Environment) InSituUpdate(ctx context.Context) error {
	res := e.cfg.Resources
	update := container.UpdateConfig{
		Resources: container.Resources{
			Memory:     res.MemoryBytes,
			MemorySwap: res.SwapBytes,
			CPUQuota:   res.CPUQuotaMicros,
			CPUPeriod:  periodFor(res.CPUQuotaMicros),
		},
	}
	if _, err := e.client.ContainerUpdate(ctx, e.containerName, update); err != nil {
		return fmt.Errorf("containerenv: updating container resources: %w", err)
	}
	e.logger.Info().Msg("updated container resources in place")
	return nil
}

// ReadLog returns up to the last `lines` lines of container output via the
// Docker logs API (used for cold reads; live output flows through Attach).
func (e *Environment) ReadLog(ctx context.Context, lines int) ([]string, error) {
	rc, err := e.client.ContainerLogs(ctx, e.containerName, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(lines),
	})
	if err != nil {
		return nil, fmt.Errorf("containerenv: reading logs: %w", err)
	}
	defer rc.Close()

	var out []string
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

func (e *Environment) ensureImage(ctx context.Context) error {
	_, _, err := e.client.ImageInspectWithRaw(ctx, e.cfg.Image)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		e.logger.Warn().Err(err).Str("image", e.cfg.Image).Msg("error inspecting image, attempting pull anyway")
	}
	return e.pullImage(ctx)
}

func (e *Environment) pullImage(ctx context.Context) error {
	rc, err := e.client.ImagePull(ctx, e.cfg.Image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("containerenv: pulling image %s: %w", e.cfg.Image, err)
	}
	defer rc.Close()

	dec := json.NewDecoder(rc)
	for {
		var msg struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("containerenv: pulling image %s: %w", e.cfg.Image, err)
		}
		if msg.Error != "" {
			return fmt.Errorf("containerenv: pulling image %s: %s", e.cfg.Image, msg.Error)
		}
	}
	e.logger.Info().Str("image", e.cfg.Image).Msg("pulled image")
	return nil
}

func (e *Environment) clearCommandSender() {
	e.cmdMu.Lock()
	e.cmdCh = nil
	e.cmdMu.Unlock()
}

func periodFor(quotaMicros int64) int64 {
	if quotaMicros <= 0 {
		return 0
	}
	return 100000
}

func pidsLimitPtr(limit int64) *int64 {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func splitShellWords(s string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	inQuote := rune(0)
	for _, r := range s {
		switch {
		case inQuote != 0:
			if r == inQuote {
				inQuote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			inQuote = r
		case r == ' ' || r == '\t':
			if cur.Len() > 0 {
				fields = append(fields, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if inQuote != 0 {
		return nil, fmt.Errorf("unterminated quote in command")
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields, nil
}

func errdefsIsConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Conflict")
}
