package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.BytesSent.Add(10)
	m.CurrentBitrate.Set(16000)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestDebugLogRingEvictsOldest(t *testing.T) {
	d := NewDebugLog()
	for i := 0; i < debugLogDepth+5; i++ {
		d.Push(DebugEntry{Time: float64(i), Bitrate: uint32(i)})
	}
	entries := d.Entries()
	require.Len(t, entries, debugLogDepth)
	assert.Equal(t, float64(5), entries[0].Time, "oldest 5 entries must have been evicted")
	assert.Equal(t, float64(debugLogDepth+4), entries[len(entries)-1].Time)
}

func TestDebugLogJSONAndString(t *testing.T) {
	d := NewDebugLog()
	d.Push(DebugEntry{Time: 1.0, CurrentEndpoint: 7, Bitrate: 16000})

	data, err := d.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"current_endpoint":7`)

	assert.Contains(t, d.String(), `"bitrate":16000`)
}

func TestDebugLogStringEmpty(t *testing.T) {
	d := NewDebugLog()
	assert.Equal(t, "(no debug snapshots yet)", d.String())
}
