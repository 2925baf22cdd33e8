package containerenv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateCPUFirstSampleIsZero(t *testing.T) {
	var s dockerStats
	s.CPUStats.CPUUsage.TotalUsage = 200_000_000
	s.CPUStats.SystemCPUUsage = 1_000_000_000
	s.CPUStats.OnlineCPUs = 4

	assert.Equal(t, 0.0, calculateCPU(s, 0, 0, false))
}

func TestCalculateCPUWithPreviousSample(t *testing.T) {
	var s dockerStats
	s.CPUStats.CPUUsage.TotalUsage = 200_000_000
	s.CPUStats.SystemCPUUsage = 1_000_000_000
	s.CPUStats.OnlineCPUs = 4

	cpu := calculateCPU(s, 100_000_000, 500_000_000, true)
	assert.InDelta(t, 80.0, cpu, 0.1)
}

func TestCalculateCPUCapsAtCoreCeiling(t *testing.T) {
	var s dockerStats
	s.CPUStats.CPUUsage.TotalUsage = 900_000_000
	s.CPUStats.SystemCPUUsage = 1_000_000_000
	s.CPUStats.OnlineCPUs = 2

	cpu := calculateCPU(s, 0, 100_000_000, true)
	assert.Equal(t, 200.0, cpu)
}

func TestCalculateNetworkSumsAllInterfaces(t *testing.T) {
	var s dockerStats
	s.Networks = map[string]struct {
		RxBytes uint64 `json:"rx_bytes"`
		TxBytes uint64 `json:"tx_bytes"`
	}{
		"eth0": {RxBytes: 1000, TxBytes: 2000},
		"eth1": {RxBytes: 500, TxBytes: 1000},
	}

	rx, tx := calculateNetwork(s)
	assert.EqualValues(t, 1500, rx)
	assert.EqualValues(t, 3000, tx)
}

func TestSplitShellWords(t *testing.T) {
	fields, err := splitShellWords(`java -Xmx1024M -jar "server.jar" --nogui`)
	require.NoError(t, err)
	assert.Equal(t, []string{"java", "-Xmx1024M", "-jar", "server.jar", "--nogui"}, fields)
}

func TestSplitShellWordsUnterminatedQuote(t *testing.T) {
	_, err := splitShellWords(`java -jar "server.jar`)
	assert.Error(t, err)
}

func TestDroppedCapabilitiesAreUppercase(t *testing.T) {
	for _, c := range droppedCapabilities {
		assert.Equal(t, c, strUpper(c))
	}
}

func strUpper(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b >= 'a' && b <= 'z' {
			b -= 'a' - 'A'
		}
		out[i] = b
	}
	return string(out)
}
