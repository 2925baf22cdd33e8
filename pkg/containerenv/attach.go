package containerenv

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"

	wltypes "github.com/stellarstack/daemon/pkg/types"
)

// Attach opens the container's stdin/stdout/stderr stream, forwarding
// output to the event bus and console sink, and accepting commands via
// SendCommand. A no-op if already attached.
func (e *Environment) Attach(ctx context.Context) error {
	if e.attached.Load() {
		return nil
	}

	hijacked, err := e.client.ContainerAttach(ctx, e.containerName, types.ContainerAttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return fmt.Errorf("containerenv: attaching: %w", err)
	}

	e.attached.Store(true)

	cmdCh := make(chan string, 32)
	e.cmdMu.Lock()
	e.cmdCh = cmdCh
	e.cmdMu.Unlock()

	go e.readOutput(hijacked)
	go e.writeCommands(hijacked, cmdCh)

	e.logger.Info().Msg("attached to container")
	return nil
}

func (e *Environment) readOutput(hijacked types.HijackedResponse) {
	defer hijacked.Close()

	buf := make([]byte, 32*1024)
	for {
		n, err := hijacked.Reader.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			e.sink.Push(data)
			e.bus.Publish(wltypes.Event{Kind: wltypes.EventConsoleOutput, Bytes: data})
		}
		if err != nil {
			e.logger.Debug().Err(err).Msg("output stream ended")
			return
		}
	}
}

func (e *Environment) writeCommands(hijacked types.HijackedResponse, cmdCh <-chan string) {
	for cmd := range cmdCh {
		if _, err := hijacked.Conn.Write([]byte(cmd + "\n")); err != nil {
			e.logger.Warn().Err(err).Msg("failed to write command to container stdin")
			return
		}
	}
}

// SendCommand writes a line to the container's stdin, if attached.
func (e *Environment) SendCommand(cmd string) error {
	e.cmdMu.RLock()
	ch := e.cmdCh
	e.cmdMu.RUnlock()

	if ch == nil {
		return ErrNotRunning
	}

	select {
	case ch <- cmd:
		return nil
	default:
		return fmt.Errorf("containerenv: command channel full")
	}
}
