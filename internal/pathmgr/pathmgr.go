// Package pathmgr picks which known endpoint (direct P2P over the internet
// or LAN, or a UDP relay) currently carries call traffic, and decides when
// to switch: preferring the lowest-latency relay, moving off a relay onto a
// P2P path once the P2P path is clearly faster, moving back once it isn't,
// and forcing a fallback to the relay if the current path stops delivering
// packets at all.
//
// Grounded on original_source/VoIPController.cpp's per-tick endpoint loop
// (~1612-1700): the ping-every-10-seconds schedule, the preferred-relay
// scan, the relay<->P2P switch thresholds, and the receive-timeout forced
// relay fallback. The three threshold constants below are the original's
// ServerConfig defaults (VoIPController.cpp ~207-214): relay_switch_threshold
// 0.8, p2p_to_relay_switch_threshold 0.6, relay_to_p2p_switch_threshold 0.8.
package pathmgr

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grvoip/callengine/internal/config"
	"github.com/grvoip/callengine/internal/endpoint"
	"github.com/grvoip/callengine/internal/wire"
)

const (
	pingInterval = 10.0

	relaySwitchThreshold      = 0.8
	p2pToRelaySwitchThreshold = 0.6
	relayToP2pSwitchThreshold = 0.8
)

// switchTotal counts path switches by reason, per [EXP-PATHMGR-METRICS].
// A package-level CounterVec, registered against the default registry once
// in init(), matches the promauto-free style
// the rest of the pack uses for ad-hoc collectors
// (runZeroInc-conniver/pkg/exporter/exporter.go registers its own Collector
// directly rather than relying on promauto's global registration).
var switchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "callengine_path_switch_total",
	Help: "Number of times the active call path changed, by reason.",
}, []string{"reason"})

func init() {
	prometheus.MustRegister(switchTotal)
}

const (
	reasonPreferredRelay = "preferred_relay"
	reasonToP2PLAN       = "to_p2p_lan"
	reasonToP2PInet      = "to_p2p_inet"
	reasonToRelay        = "to_relay"
	reasonRecvTimeout    = "recv_timeout"
	reasonAntiHijack     = "anti_hijack"
)

// hijackUnackedThreshold is the number of sequence numbers that must have
// gone unacknowledged before a relay-sourced data packet, received while on
// a P2P path, is trusted as evidence of peer network migration rather than
// ignored (spec.md §4.6's anti-hijack rule).
const hijackUnackedThreshold = 32

// PingSender transmits a PKT_PING on the given endpoint and returns the
// sequence number it was sent with.
type PingSender func(e *endpoint.Endpoint) uint32

// PublicEndpointsRequester asks the reflector for a fresh set of public P2P
// candidates, mirroring SendPublicEndpointsRequest().
type PublicEndpointsRequester func()

// Manager tracks the known endpoint table and the currently active path.
type Manager struct {
	table           *endpoint.Table
	current         *endpoint.Endpoint
	preferredRelay  *endpoint.Endpoint
	allowP2P        bool
	lastRecvTime    float64
	haveLastRecv    bool
	recvTimeout     float64
	requestPublicEP PublicEndpointsRequester
	cfgStore        *config.Store
}

// NewManager builds a path manager seeded with the initial relay endpoint
// (the only path known before any P2P discovery or reflector ping
// completes). recvTimeout is the config.recv_timeout the forced-fallback
// check compares against. cfgStore may be nil, in which case the switch
// thresholds above apply unmodified.
func NewManager(table *endpoint.Table, initialRelay *endpoint.Endpoint, allowP2P bool, recvTimeout float64, requestPublicEP PublicEndpointsRequester, cfgStore *config.Store) *Manager {
	return &Manager{
		table:           table,
		current:         initialRelay,
		preferredRelay:  initialRelay,
		allowP2P:        allowP2P,
		recvTimeout:     recvTimeout,
		requestPublicEP: requestPublicEP,
		cfgStore:        cfgStore,
	}
}

// threshold reads an overridable switch threshold from cfgStore, falling
// back to def when unset (original_source/VoIPController.cpp ~208-214:
// relay_switch_threshold, p2p_to_relay_switch_threshold,
// relay_to_p2p_switch_threshold).
func (m *Manager) threshold(name string, def float64) float64 {
	if m.cfgStore == nil {
		return def
	}
	return m.cfgStore.GetDouble(name, def)
}

// Current returns the endpoint currently carrying traffic.
func (m *Manager) Current() *endpoint.Endpoint {
	return m.current
}

// PreferredRelay returns the lowest-RTT known relay.
func (m *Manager) PreferredRelay() *endpoint.Endpoint {
	return m.preferredRelay
}

// OnPacketReceived records that a packet just arrived, resetting the
// receive-timeout stopwatch.
func (m *Manager) OnPacketReceived(now float64) {
	m.lastRecvTime = now
	m.haveLastRecv = true
}

// Tick drives one round of pinging and path-switching policy, mirroring the
// original's per-tick endpoint loop. send is called for every endpoint due
// for a fresh ping. It reports whether the current path is a relay that has
// gone silent past the receive timeout (a timed-out P2P path is first
// replaced by the preferred relay, whose silence is then timed from the
// fallback), per spec.md §4.6 rule 4 — the caller must then fail the call
// with TIMEOUT.
func (m *Manager) Tick(now float64, send PingSender) (allRelaysTimedOut bool) {
	for _, e := range m.table.All() {
		if now-e.LastPingTime() >= pingInterval {
			seq := send(e)
			e.SendPing(seq, now)
		}
	}

	m.updatePreferredRelay(now)
	m.maybeSwitchRelayToP2P()
	m.maybeSwitchP2PToRelay()
	return m.checkReceiveTimeout(now)
}

// OnDataFromEndpoint implements spec.md §4.6's anti-hijack rule: a
// data-carrying packet arriving from a relay endpoint while the current
// path is P2P is ignored — it never moves the active path — unless
// unackedSendCount shows no ack has been received for 32 or more sequence
// numbers, in which case the P2P path is presumed dead, the controller
// migrates onto the relay that just spoke up, and the caller must reissue
// a reflector request (the return value signals that).
func (m *Manager) OnDataFromEndpoint(e *endpoint.Endpoint, unackedSendCount uint32) (reissueReflectorRequest bool) {
	if e == nil || e == m.current || e.Type != wire.EPTypeUDPRelay {
		return false
	}
	if m.current.Type == wire.EPTypeUDPRelay {
		return false
	}
	if unackedSendCount < hijackUnackedThreshold {
		return false
	}
	m.switchTo(e, reasonAntiHijack)
	return true
}

func (m *Manager) updatePreferredRelay(now float64) {
	minPingRelay := m.preferredRelay
	minPing := m.preferredRelay.AverageRTT()
	threshold := m.threshold("relay_switch_threshold", relaySwitchThreshold)

	for _, e := range m.table.All() {
		if e.Type != wire.EPTypeUDPRelay {
			continue
		}
		if e.AverageRTT() > 0 && e.AverageRTT() < minPing*threshold {
			minPing = e.AverageRTT()
			minPingRelay = e
		}
	}

	if minPingRelay != m.preferredRelay {
		m.preferredRelay = minPingRelay
		if m.current.Type == wire.EPTypeUDPRelay {
			m.switchTo(m.preferredRelay, reasonPreferredRelay)
		}
	}
}

func (m *Manager) byType(typ byte) *endpoint.Endpoint {
	for _, e := range m.table.All() {
		if e.Type == typ {
			return e
		}
	}
	return nil
}

func (m *Manager) maybeSwitchRelayToP2P() {
	if m.current.Type != wire.EPTypeUDPRelay {
		return
	}
	p2p := m.byType(wire.EPTypeP2PInet)
	if p2p == nil {
		return
	}
	minPing := m.preferredRelay.AverageRTT()
	threshold := m.threshold("relay_to_p2p_switch_threshold", relayToP2pSwitchThreshold)

	if lan := m.byType(wire.EPTypeP2PLan); lan != nil && lan.AverageRTT() > 0 && lan.AverageRTT() < minPing*threshold {
		m.switchTo(lan, reasonToP2PLAN)
		return
	}
	if p2p.AverageRTT() > 0 && p2p.AverageRTT() < minPing*threshold {
		m.switchTo(p2p, reasonToP2PInet)
	}
}

func (m *Manager) maybeSwitchP2PToRelay() {
	if m.current.Type == wire.EPTypeUDPRelay {
		return
	}
	minPing := m.preferredRelay.AverageRTT()
	threshold := m.threshold("p2p_to_relay_switch_threshold", p2pToRelaySwitchThreshold)
	if minPing > 0 && minPing < m.current.AverageRTT()*threshold {
		m.switchTo(m.preferredRelay, reasonToRelay)
	}
}

// checkReceiveTimeout forces a fallback to the preferred relay once the
// current P2P path has stopped delivering packets for recvTimeout. If the
// current path is already the relay and it has also gone silent for that
// long, every known relay has now timed out too, and the call must fail
// with TIMEOUT per spec.md §4.6 rule 4.
func (m *Manager) checkReceiveTimeout(now float64) (allRelaysTimedOut bool) {
	if !m.haveLastRecv || now-m.lastRecvTime < m.recvTimeout {
		return false
	}
	if m.current.Type == wire.EPTypeUDPRelay {
		return true
	}

	m.switchTo(m.preferredRelay, reasonRecvTimeout)
	// The relay's own silence is timed from the fallback onward.
	m.lastRecvTime = now
	for _, e := range m.table.All() {
		if e.Type == wire.EPTypeP2PInet || e.Type == wire.EPTypeP2PLan {
			e.ResetRTT()
		}
	}
	if m.allowP2P && m.requestPublicEP != nil {
		m.requestPublicEP()
	}
	return false
}

func (m *Manager) switchTo(e *endpoint.Endpoint, reason string) {
	m.current = e
	switchTotal.WithLabelValues(reason).Inc()
}
