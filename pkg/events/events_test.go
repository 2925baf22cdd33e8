package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarstack/daemon/pkg/types"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	bus := New()
	sub1 := bus.Subscribe()
	sub2 := bus.Subscribe()
	defer sub1.Close()
	defer sub2.Close()

	n := bus.Publish(types.Event{Kind: types.EventStateChange, State: types.StateRunning})
	assert.Equal(t, 2, n)

	env1 := <-sub1.C()
	env2 := <-sub2.C()
	assert.Equal(t, types.StateRunning, env1.Event.State)
	assert.Equal(t, types.StateRunning, env2.Event.State)
	assert.Equal(t, uint64(0), env1.Lagged)
}

func TestPublishWithNoSubscribersReturnsZero(t *testing.T) {
	bus := New()
	n := bus.Publish(types.Event{Kind: types.EventStateChange})
	assert.Equal(t, 0, n)
}

func TestCloseUnregistersSubscriberAndClosesChannel(t *testing.T) {
	bus := New()
	sub := bus.Subscribe()
	require.Equal(t, 1, bus.SubscriberCount())

	sub.Close()
	assert.Equal(t, 0, bus.SubscriberCount())

	_, ok := <-sub.C()
	assert.False(t, ok)

	// closing twice must not panic
	sub.Close()
}

func TestLaggingSubscriberDropsAndReportsCount(t *testing.T) {
	bus := NewWithCapacity(1)
	sub := bus.Subscribe()
	defer sub.Close()

	bus.Publish(types.Event{Kind: types.EventStateChange, State: types.StateStarting})
	bus.Publish(types.Event{Kind: types.EventStateChange, State: types.StateRunning})

	env := <-sub.C()
	assert.Equal(t, types.StateStarting, env.Event.State)

	bus.Publish(types.Event{Kind: types.EventStateChange, State: types.StateStopping})

	env = <-sub.C()
	assert.Equal(t, types.StateStopping, env.Event.State)
	assert.Equal(t, uint64(1), env.Lagged)
}

func TestSubscriberCountTracksSubscribeAndClose(t *testing.T) {
	bus := New()
	assert.Equal(t, 0, bus.SubscriberCount())

	sub := bus.Subscribe()
	assert.Equal(t, 1, bus.SubscriberCount())

	sub.Close()
	assert.Equal(t, 0, bus.SubscriberCount())
}
