package crash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsCrashNonCrashCases(t *testing.T) {
	d := New()
	assert.False(t, d.IsCrash(0, false), "exit 0 is not a crash")
	assert.False(t, d.IsCrash(1, true), "OOM is not a crash")
}

func TestIsCrashShortRuntime(t *testing.T) {
	d := New()
	d.RecordStart()
	assert.True(t, d.IsCrash(1, false))
}

func TestCrashLimitScenarioS4(t *testing.T) {
	d := New()

	assert.False(t, d.RecordCrash())
	assert.EqualValues(t, 1, d.CrashCount())

	assert.False(t, d.RecordCrash())
	assert.EqualValues(t, 2, d.CrashCount())

	assert.True(t, d.RecordCrash(), "third crash in window should disable auto-restart")
	assert.EqualValues(t, 3, d.CrashCount())

	d.Reset()
	assert.EqualValues(t, 0, d.CrashCount())
}

func TestSetEnabledForcesLimitReached(t *testing.T) {
	d := New()
	d.SetEnabled(false)
	assert.True(t, d.RecordCrash())
}
