// Package endpoint holds the known network paths to the remote peer (direct
// P2P over the internet or LAN, or via a UDP/TCP relay) and the per-path
// ping history the path manager uses to decide which one carries traffic.
//
// Generalized from the teacher's Session type (source/protocol/raknet.go),
// which keyed a single *net.UDPAddr per connection; here a call can have
// several concurrent candidate paths to the same peer, so the table keyed
// by opaque Endpoint ID from the original's Endpoint class
// (original_source/VoIPController.h) is reinstated.
package endpoint

import (
	"net"

	"github.com/rs/xid"

	"github.com/grvoip/callengine/internal/wire"
)

// Type mirrors the original's EP_TYPE_* byte, reinstated by SPEC_FULL's
// domain-stack expansion (wire.EPType* constants).
type Type = byte

const pingHistoryDepth = 6

// Endpoint is one candidate network path to the remote peer.
type Endpoint struct {
	ID      uint64
	Addr    *net.UDPAddr
	Type    Type
	PeerTag [16]byte

	lastPingTime float64
	lastPingSeq  uint32
	havePingSeq  bool
	rtts         [pingHistoryDepth]float64
	averageRTT   float64
}

// NewID mints an opaque 64-bit endpoint identifier. Grounded on the
// correlation-id pattern in runZeroInc-sockstats/pkg/exporter/exporter.go,
// which mints github.com/rs/xid values for the same "give me an opaque,
// collision-resistant handle" need; folded into 64 bits (the trailing
// pid/counter bytes are XORed into the low bits) since that's the width the
// wire format and original Endpoint.id both use.
func NewID() uint64 {
	id := xid.New()
	b := id.Bytes()
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v = v<<8 | uint64(b[i])
	}
	for i := 8; i < len(b); i++ {
		v ^= uint64(b[i]) << (8 * uint(len(b)-1-i))
	}
	return v
}

// New constructs a relay-sourced endpoint (id assigned by the reflector).
func New(id uint64, addr *net.UDPAddr, typ Type, peerTag [16]byte) *Endpoint {
	return &Endpoint{ID: id, Addr: addr, Type: typ, PeerTag: peerTag}
}

// NewP2P constructs a locally-discovered P2P candidate, which has no
// reflector-assigned id of its own.
func NewP2P(addr *net.UDPAddr, typ Type) *Endpoint {
	return &Endpoint{ID: NewID(), Addr: addr, Type: typ}
}

// IsRelay reports whether traffic on this path is relayed rather than
// routed directly to the peer.
func (e *Endpoint) IsRelay() bool {
	return e.Type == wire.EPTypeUDPRelay || e.Type == wire.EPTypeTCPRelay
}

// SendPing records that a ping with the given sequence number was just
// sent on this path, starting the RTT stopwatch for it.
func (e *Endpoint) SendPing(seq uint32, now float64) {
	e.lastPingSeq = seq
	e.havePingSeq = true
	e.lastPingTime = now
}

// OnPong folds a pong's round-trip time into the ping history if seq
// matches the most recently sent ping on this path, mirroring the
// original's rtts[] shift-and-average (original_source/VoIPController.cpp
// ~1286-1299). Pongs for a stale seq are ignored.
func (e *Endpoint) OnPong(seq uint32, now float64) {
	if !e.havePingSeq || seq != e.lastPingSeq {
		return
	}
	copy(e.rtts[1:], e.rtts[:pingHistoryDepth-1])
	e.rtts[0] = now - e.lastPingTime

	var sum float64
	var n int
	for _, rtt := range e.rtts {
		if rtt == 0 {
			break
		}
		sum += rtt
		n++
	}
	if n > 0 {
		e.averageRTT = sum / float64(n)
	}
}

// AverageRTT returns the averaged ping round-trip time, or 0 if no pong has
// been recorded yet on this path.
func (e *Endpoint) AverageRTT() float64 {
	return e.averageRTT
}

// ResetRTT clears the ping history, used when a receive timeout forces a
// fallback off a P2P path and the original RTT samples can no longer be
// trusted (original_source/VoIPController.cpp ~1680-1688).
func (e *Endpoint) ResetRTT() {
	e.rtts = [pingHistoryDepth]float64{}
	e.averageRTT = 0
}

// LastPingTime reports when the last ping was sent on this path, for the
// "send a fresh ping if it's been long enough" policy in the path manager.
func (e *Endpoint) LastPingTime() float64 {
	return e.lastPingTime
}

// Table is the set of known candidate paths to the remote peer, indexed by
// endpoint id.
type Table struct {
	byID map[uint64]*Endpoint
	// order preserves insertion order for deterministic iteration (debug
	// dumps, tests), since map iteration order isn't.
	order []uint64
}

func NewTable() *Table {
	return &Table{byID: make(map[uint64]*Endpoint)}
}

// Put adds or replaces the endpoint with this id.
func (t *Table) Put(e *Endpoint) {
	if _, exists := t.byID[e.ID]; !exists {
		t.order = append(t.order, e.ID)
	}
	t.byID[e.ID] = e
}

func (t *Table) Get(id uint64) (*Endpoint, bool) {
	e, ok := t.byID[id]
	return e, ok
}

// All returns every known endpoint, in insertion order.
func (t *Table) All() []*Endpoint {
	out := make([]*Endpoint, 0, len(t.order))
	for _, id := range t.order {
		if e, ok := t.byID[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

func (t *Table) Len() int { return len(t.byID) }

// RemoveType drops every endpoint of the given kind, used when a fresh
// reflector reply supersedes the previously discovered P2P candidates
// (spec.md §4.6).
func (t *Table) RemoveType(typ Type) {
	kept := t.order[:0]
	for _, id := range t.order {
		e, ok := t.byID[id]
		if !ok {
			continue
		}
		if e.Type == typ {
			delete(t.byID, id)
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
}
