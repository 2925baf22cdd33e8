package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerObserveDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	assert.Greater(t, timer.Duration(), time.Duration(0))

	timer.ObserveDuration(ReconciliationDuration)
}

func TestHandlerIsNotNil(t *testing.T) {
	assert.NotNil(t, Handler())
}
