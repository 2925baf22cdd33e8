// Package installer implements the one-shot installer container runner
// (C11): it writes a workload's installation script to a temporary
// directory, runs it inside a short-lived container mounted against the
// workload's data directory, streams its output, and reports the result.
package installer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/stellarstack/daemon/pkg/events"
	"github.com/stellarstack/daemon/pkg/sink"
	wltypes "github.com/stellarstack/daemon/pkg/types"
)

const (
	defaultMemoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	defaultCPUPercent       = 100
)

// ErrFailed is returned when the installer container exits non-zero.
type ErrFailed struct{ ExitCode int64 }

func (e *ErrFailed) Error() string {
	return fmt.Sprintf("installer: install script exited with code %d", e.ExitCode)
}

// Script is an installation script fetched from the panel.
type Script = wltypes.InstallScript

// Process runs one installation for one workload.
type Process struct {
	workloadID string
	script     Script

	client *client.Client

	serverDir  string
	installDir string

	bus  *events.Bus
	sink *sink.Sink

	memoryLimitBytes int64
	cpuPercent       int64

	logger zerolog.Logger
}

// New creates an installer Process. tmpDir is the daemon's scratch
// directory; the script is written under tmpDir/<workloadID>/install.
func New(cli *client.Client, workloadID string, script Script, serverDir, tmpDir string, bus *events.Bus, snk *sink.Sink, logger zerolog.Logger) *Process {
	return &Process{
		workloadID:       workloadID,
		script:           script,
		client:           cli,
		serverDir:        serverDir,
		installDir:       filepath.Join(tmpDir, workloadID, "install"),
		bus:              bus,
		sink:             snk,
		memoryLimitBytes: defaultMemoryLimitBytes,
		cpuPercent:       defaultCPUPercent,
		logger:           logger.With().Str("component", "installer").Str("uuid", workloadID).Logger(),
	}
}

// WithLimits overrides the installer container's resource caps.
func (p *Process) WithLimits(memoryMB, cpuPercent int64) *Process {
	p.memoryLimitBytes = memoryMB * 1024 * 1024
	p.cpuPercent = cpuPercent
	return p
}

func (p *Process) containerName() string { return p.workloadID + "_installer" }

// Run executes the prepare/execute/cleanup phases, publishing
// InstallStarted/InstallCompleted events around them. Cleanup always runs,
// even if execute fails.
func (p *Process) Run(ctx context.Context) error {
	p.logger.Info().Msg("starting installation")
	p.bus.Publish(wltypes.Event{Kind: wltypes.EventInstallStarted})

	if err := p.beforeExecute(ctx); err != nil {
		p.logger.Error().Err(err).Msg("installation preparation failed")
		p.bus.Publish(wltypes.Event{Kind: wltypes.EventInstallCompleted, InstallOK: false})
		return err
	}

	runErr := p.execute(ctx)

	if err := p.afterExecute(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("installation cleanup failed")
	}

	if runErr == nil {
		p.logger.Info().Msg("installation completed successfully")
	} else {
		p.logger.Error().Err(runErr).Msg("installation failed")
	}
	p.bus.Publish(wltypes.Event{Kind: wltypes.EventInstallCompleted, InstallOK: runErr == nil})

	return runErr
}

func (p *Process) beforeExecute(ctx context.Context) error {
	if err := os.MkdirAll(p.installDir, 0o755); err != nil {
		return fmt.Errorf("installer: creating install dir: %w", err)
	}

	scriptPath := filepath.Join(p.installDir, "install.sh")
	if err := os.WriteFile(scriptPath, []byte(p.script.Body), 0o755); err != nil {
		return fmt.Errorf("installer: writing install script: %w", err)
	}

	if err := p.pullImage(ctx); err != nil {
		return err
	}

	_ = p.client.ContainerRemove(ctx, p.containerName(), types.ContainerRemoveOptions{Force: true})
	return nil
}

func (p *Process) execute(ctx context.Context) error {
	name := p.containerName()

	cfg := &container.Config{
		Hostname:     "installer",
		Image:        p.script.ContainerImage,
		Env:          p.buildEnvVars(),
		Entrypoint:   []string{"/bin/sh", "-c"},
		Cmd:          []string{"/mnt/install/install.sh"},
		AttachStdout: true,
		AttachStderr: true,
		OpenStdin:    true,
		Tty:          true,
		WorkingDir:   "/mnt/server",
		User:         "root",
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: p.serverDir, Target: "/mnt/server", ReadOnly: false},
			{Type: mount.TypeBind, Source: p.installDir, Target: "/mnt/install", ReadOnly: true},
		},
		Resources: container.Resources{
			Memory:    p.memoryLimitBytes,
			CPUQuota:  p.cpuPercent * 1000,
			CPUPeriod: 100000,
		},
		Tmpfs:       map[string]string{"/tmp": "rw,exec,nosuid,size=100M"},
		NetworkMode: "host",
	}

	if _, err := p.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name); err != nil {
		return fmt.Errorf("installer: creating container: %w", err)
	}
	p.logger.Debug().Str("container", name).Msg("created installer container")

	attached, err := p.client.ContainerAttach(ctx, name, types.ContainerAttachOptions{
		Stdout: true,
		Stderr: true,
		Stream: true,
	})
	if err != nil {
		return fmt.Errorf("installer: attaching to container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, name, types.ContainerStartOptions{}); err != nil {
		attached.Close()
		return fmt.Errorf("installer: starting container: %w", err)
	}
	p.logger.Info().Str("container", name).Msg("started installer container")

	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		defer attached.Close()

		buf := make([]byte, 32*1024)
		for {
			n, err := attached.Reader.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				p.sink.Push(data)
				p.bus.Publish(wltypes.Event{Kind: wltypes.EventInstallOutput, Bytes: data})
			}
			if err != nil {
				return
			}
		}
	}()

	statusC, errC := p.client.ContainerWait(ctx, name, container.WaitConditionNotRunning)

	var exitCode int64
	select {
	case status := <-statusC:
		exitCode = status.StatusCode
	case err := <-errC:
		return fmt.Errorf("installer: waiting for container: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}

	<-outputDone

	if exitCode != 0 {
		return &ErrFailed{ExitCode: exitCode}
	}
	return nil
}

func (p *Process) afterExecute(ctx context.Context) error {
	_ = p.client.ContainerRemove(ctx, p.containerName(), types.ContainerRemoveOptions{Force: true, RemoveVolumes: true})

	if _, err := os.Stat(p.installDir); err == nil {
		_ = os.RemoveAll(p.installDir)
	}

	p.logger.Debug().Msg("cleaned up installer")
	return nil
}

func (p *Process) pullImage(ctx context.Context) error {
	if _, _, err := p.client.ImageInspectWithRaw(ctx, p.script.ContainerImage); err == nil {
		return nil
	}

	p.logger.Info().Str("image", p.script.ContainerImage).Msg("pulling image")

	rc, err := p.client.ImagePull(ctx, p.script.ContainerImage, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("installer: pulling image %s: %w", p.script.ContainerImage, err)
	}
	defer rc.Close()

	dec := json.NewDecoder(rc)
	for {
		var msg struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("installer: pulling image %s: %w", p.script.ContainerImage, err)
		}
		if msg.Error != "" {
			return fmt.Errorf("installer: pulling image %s: %s", p.script.ContainerImage, msg.Error)
		}
	}

	p.logger.Info().Str("image", p.script.ContainerImage).Msg("pulled image")
	return nil
}

func (p *Process) buildEnvVars() []string {
	env := []string{
		"SERVER_UUID=" + p.workloadID,
		"CONTAINER_HOME=/mnt/server",
		"HOME=/mnt/server",
		"TERM=xterm-256color",
	}
	for k, v := range p.script.Env {
		env = append(env, k+"="+v)
	}
	return env
}
