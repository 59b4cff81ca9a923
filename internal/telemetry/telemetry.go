// Package telemetry wires the call engine's Prometheus metrics and the
// JSON debug-log ring behind GetDebugLog/GetDebugString, grounded on
// original_source/VoIPController.cpp's LogDebugInfo() (a periodic text
// dump of endpoint state) reimagined as structured, queryable output.
package telemetry

import (
	"encoding/json"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the set of Prometheus collectors a Controller reports
// through, one instance per process (registered once against the default
// registry, like internal/pathmgr's switch counter).
type Metrics struct {
	BytesSent      prometheus.Counter
	BytesReceived  prometheus.Counter
	PacketsLost    prometheus.Counter
	CurrentBitrate prometheus.Gauge
	AverageRTT     prometheus.Gauge
}

// NewMetrics constructs and registers the collectors against reg (pass
// prometheus.DefaultRegisterer in production; tests use their own
// prometheus.NewRegistry() so repeated calls don't collide). Call engines
// embedding more than one Controller share one Metrics instance.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callengine_bytes_sent_total",
			Help: "Total bytes sent on the wire, across all active calls.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callengine_bytes_received_total",
			Help: "Total bytes received on the wire, across all active calls.",
		}),
		PacketsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callengine_packets_lost_total",
			Help: "Total packets presumed lost (retry timeout or congestion signal).",
		}),
		CurrentBitrate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callengine_audio_bitrate_bps",
			Help: "Current outgoing audio bitrate.",
		}),
		AverageRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callengine_average_rtt_seconds",
			Help: "Average round-trip time over the sequence/ack window (999 when no sample).",
		}),
	}
	reg.MustRegister(m.BytesSent, m.BytesReceived, m.PacketsLost, m.CurrentBitrate, m.AverageRTT)
	return m
}

// DebugEntry is one snapshot in the debug log ring, per [EXP-DEBUGLOG]:
// timestamp, current/preferred endpoint ids, per-endpoint RTT, bandwidth
// action, and bitrate.
type DebugEntry struct {
	Time            float64            `json:"time"`
	CurrentEndpoint uint64             `json:"current_endpoint"`
	PreferredRelay  uint64             `json:"preferred_relay"`
	EndpointRTTs    map[uint64]float64 `json:"endpoint_rtts"`
	BandwidthAction string             `json:"bandwidth_action"`
	Bitrate         uint32             `json:"bitrate"`
}

const debugLogDepth = 32

// DebugLog is a fixed-depth ring of recent DebugEntry snapshots.
type DebugLog struct {
	entries []DebugEntry
	next    int
	full    bool
}

func NewDebugLog() *DebugLog {
	return &DebugLog{entries: make([]DebugEntry, debugLogDepth)}
}

// Push records a new snapshot, evicting the oldest once the ring is full.
func (d *DebugLog) Push(e DebugEntry) {
	d.entries[d.next] = e
	d.next = (d.next + 1) % debugLogDepth
	if d.next == 0 {
		d.full = true
	}
}

// Entries returns the recorded snapshots, oldest first.
func (d *DebugLog) Entries() []DebugEntry {
	if !d.full {
		return append([]DebugEntry(nil), d.entries[:d.next]...)
	}
	out := make([]DebugEntry, 0, debugLogDepth)
	out = append(out, d.entries[d.next:]...)
	out = append(out, d.entries[:d.next]...)
	return out
}

// JSON serializes the current ring contents, the wire shape GetDebugLog
// returns to the embedder.
func (d *DebugLog) JSON() ([]byte, error) {
	return json.Marshal(d.Entries())
}

// String renders the most recent snapshot as a one-line human-readable
// summary, for GetDebugString.
func (d *DebugLog) String() string {
	entries := d.Entries()
	if len(entries) == 0 {
		return "(no debug snapshots yet)"
	}
	last := entries[len(entries)-1]
	data, err := json.Marshal(last)
	if err != nil {
		return "(debug snapshot unavailable)"
	}
	return string(data)
}
