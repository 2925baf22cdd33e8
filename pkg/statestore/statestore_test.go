package statestore

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarstack/daemon/pkg/types"
)

func TestDisabledStoreIsNoop(t *testing.T) {
	s := New("stellarstack", false, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx, "redis://localhost:6379"))
	assert.False(t, s.IsConnected())

	s.SaveServerState(ctx, "wl-1", types.StateRunning, false)
	assert.Nil(t, s.GetServerState(ctx, "wl-1"))
	assert.Empty(t, s.GetAllServerStates(ctx))

	s.AppendConsoleLog(ctx, "wl-1", "hello")
	assert.Empty(t, s.GetConsoleLogs(ctx, "wl-1"))

	s.SaveHeartbeat(ctx, "daemon-1")
	assert.NoError(t, s.Close())
}

func TestKeyFormats(t *testing.T) {
	s := New("stellarstack", true, zerolog.Nop())

	assert.Equal(t, "stellarstack:state:wl-1", s.stateKey("wl-1"))
	assert.Equal(t, "stellarstack:console:wl-1", s.consoleKey("wl-1"))
	assert.Equal(t, "stellarstack:install:wl-1", s.installKey("wl-1"))
	assert.Equal(t, "stellarstack:daemon:d-1:heartbeat", s.heartbeatKey("d-1"))
}

func TestEnabledButNotConnectedIsNoop(t *testing.T) {
	s := New("stellarstack", true, zerolog.Nop())
	ctx := context.Background()

	assert.False(t, s.IsConnected())
	s.SaveServerState(ctx, "wl-1", types.StateOffline, false)
	assert.Nil(t, s.GetServerState(ctx, "wl-1"))
}
