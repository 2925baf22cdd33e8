package sink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkPushAndSubscribe(t *testing.T) {
	s := New()
	sub := s.Subscribe()
	defer sub.Close()

	s.Push([]byte("Hello"))
	s.PushString(" World")

	require.Equal(t, []byte("Hello"), <-sub.C())
	require.Equal(t, []byte(" World"), <-sub.C())
}

func TestSinkMultipleSubscribers(t *testing.T) {
	s := New()
	sub1 := s.Subscribe()
	sub2 := s.Subscribe()
	defer sub1.Close()
	defer sub2.Close()

	s.PushString("test")

	assert.Equal(t, []byte("test"), <-sub1.C())
	assert.Equal(t, []byte("test"), <-sub2.C())
}

func TestSinkHistoryBound(t *testing.T) {
	s := NewWithBufferSize(3)
	for i := 0; i < 5; i++ {
		s.PushString(string(rune('a' + i)))
	}

	history := s.GetHistoryStrings()
	require.Len(t, history, 3)
	assert.Equal(t, []string{"c", "d", "e"}, history)
}

func TestSinkLateSubscriberSeesHistoryNotLive(t *testing.T) {
	s := New()
	s.PushString("before")

	sub := s.Subscribe()
	defer sub.Close()

	assert.Equal(t, []string{"before"}, s.GetHistoryStrings())
	assert.Equal(t, 0, len(sub.C()))
}

func TestSinkCloneSharesState(t *testing.T) {
	s := New()
	clone := s.Clone()

	clone.PushString("shared")

	assert.Equal(t, []string{"shared"}, s.GetHistoryStrings())
	assert.Equal(t, 1, s.BufferLen())
}

func TestSinkClearBuffer(t *testing.T) {
	s := New()
	s.PushString("a")
	s.PushString("b")
	require.Equal(t, 2, s.BufferLen())

	s.ClearBuffer()
	assert.Equal(t, 0, s.BufferLen())
}

func TestSinkSubscriberCount(t *testing.T) {
	s := New()
	assert.Equal(t, 0, s.SubscriberCount())

	sub1 := s.Subscribe()
	assert.Equal(t, 1, s.SubscriberCount())

	sub2 := s.Subscribe()
	assert.Equal(t, 2, s.SubscriberCount())

	sub1.Close()
	assert.Equal(t, 1, s.SubscriberCount())
	sub2.Close()
}
