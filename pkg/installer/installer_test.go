package installer

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/stellarstack/daemon/pkg/events"
	"github.com/stellarstack/daemon/pkg/sink"
)

func newTestProcess() *Process {
	return New(nil, "wl-1", Script{
		ContainerImage: "ghcr.io/pterodactyl/installers:alpine",
		Body:           "#!/bin/ash\necho installing\n",
		Env:            map[string]string{"STARTUP": "java -jar server.jar"},
	}, "/data/wl-1", "/tmp/stellard", events.NewWithCapacity(8), sink.New(), zerolog.Nop())
}

func TestContainerName(t *testing.T) {
	p := newTestProcess()
	assert.Equal(t, "wl-1_installer", p.containerName())
}

func TestBuildEnvVars(t *testing.T) {
	p := newTestProcess()
	env := p.buildEnvVars()
	assert.Contains(t, env, "SERVER_UUID=wl-1")
	assert.Contains(t, env, "CONTAINER_HOME=/mnt/server")
	assert.Contains(t, env, "HOME=/mnt/server")
	assert.Contains(t, env, "TERM=xterm-256color")
	assert.Contains(t, env, "STARTUP=java -jar server.jar")
}

func TestWithLimits(t *testing.T) {
	p := newTestProcess().WithLimits(512, 50)
	assert.EqualValues(t, 512*1024*1024, p.memoryLimitBytes)
	assert.EqualValues(t, 50, p.cpuPercent)
}

func TestErrFailedMessage(t *testing.T) {
	err := &ErrFailed{ExitCode: 7}
	assert.Contains(t, err.Error(), "7")
}

func TestInstallDirIsScopedPerWorkload(t *testing.T) {
	p := newTestProcess()
	assert.Equal(t, "/tmp/stellard/wl-1/install", p.installDir)
}
