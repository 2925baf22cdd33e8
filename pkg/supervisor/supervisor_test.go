package supervisor

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarstack/daemon/pkg/stateflags"
)

func TestParsePowerAction(t *testing.T) {
	cases := map[string]PowerAction{
		"start":   PowerStart,
		"STOP":    PowerStop,
		"Restart": PowerRestart,
		"kill":    PowerKill,
	}
	for input, want := range cases {
		got, ok := ParsePowerAction(input)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok := ParsePowerAction("invalid")
	assert.False(t, ok)
}

func TestRequiredPermission(t *testing.T) {
	assert.Equal(t, "control.start", PowerStart.RequiredPermission())
	assert.Equal(t, "control.stop", PowerStop.RequiredPermission())
	assert.Equal(t, "control.restart", PowerRestart.RequiredPermission())
	assert.Equal(t, "control.stop", PowerKill.RequiredPermission())
}

func TestStripANSI(t *testing.T) {
	colored := "\x1b[32mServer started\x1b[0m successfully"
	assert.Equal(t, "Server started successfully", stripANSI(colored))
}

func TestStripANSINoEscapes(t *testing.T) {
	plain := "plain line with no escapes"
	assert.Equal(t, plain, stripANSI(plain))
}

func TestInstallRefusesWhenAlreadyInstalling(t *testing.T) {
	s := &Supervisor{flags: &stateflags.Flags{}, logger: zerolog.Nop()}
	require.True(t, s.flags.TryStartInstalling())

	err := s.Install(context.Background())
	assert.ErrorIs(t, err, ErrInstalling)
}
