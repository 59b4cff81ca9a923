// Package testnet provides a deterministic in-memory transport for the
// scenario tests in spec.md §8 and the demo CLI, so neither ever opens a
// real socket.
//
// Grounded on the teacher's UDP read loop (source/server/server.go's
// listen(), a goroutine blocked in conn.ReadFromUDP handing datagrams to a
// handler) generalized behind a Socket interface — conn *net.UDPConn
// becomes an interface so FakeSocket can stand in for it, with the
// blocking-channel delivery itself grounded on the same file's
// goroutine-per-loop structure (updateLoop/sessionCleanupLoop run
// alongside the read loop the way FakeSocket's delivery goroutine runs
// alongside a controller's own send/recv loops).
package testnet

import (
	"net"
	"sync"
	"time"
)

// Socket is the minimal datagram transport a Controller depends on,
// satisfied by both *net.UDPConn-backed sockets and FakeSocket.
type Socket interface {
	WriteTo(b []byte, addr *net.UDPAddr) (int, error)
	ReadFrom(b []byte) (n int, addr *net.UDPAddr, err error)
	LocalAddr() *net.UDPAddr
	Close() error
}

type datagram struct {
	data []byte
	from *net.UDPAddr
}

// FakeSocket is an in-memory Socket: writes addressed to a peer's
// registered address are delivered to that peer's inbox, optionally after
// a fixed latency and with a chance of being dropped, so tests can
// exercise retransmission and loss-adaptive behavior deterministically.
type FakeSocket struct {
	addr  *net.UDPAddr
	inbox chan datagram

	mu     sync.RWMutex
	peers  map[string]*FakeSocket
	closed bool

	latency func() float64 // seconds of delay to apply before delivery, or nil
	drop    func() bool     // reports whether the next write should be dropped, or nil
}

// NewNetwork builds a set of FakeSockets, one per addr, all able to reach
// each other by address.
func NewNetwork(addrs ...*net.UDPAddr) []*FakeSocket {
	peers := make(map[string]*FakeSocket, len(addrs))
	socks := make([]*FakeSocket, 0, len(addrs))
	for _, a := range addrs {
		s := &FakeSocket{addr: a, inbox: make(chan datagram, 256), peers: peers}
		peers[a.String()] = s
		socks = append(socks, s)
	}
	return socks
}

// SetLatency installs a per-write delay function; nil means no delay.
func (s *FakeSocket) SetLatency(f func() float64) { s.latency = f }

// SetDrop installs a per-write drop predicate; nil means never drop.
func (s *FakeSocket) SetDrop(f func() bool) { s.drop = f }

func (s *FakeSocket) LocalAddr() *net.UDPAddr { return s.addr }

// WriteTo delivers b to the peer registered at addr, optionally dropping
// it (SetDrop) or delaying delivery by a wall-clock duration (SetLatency)
// so retransmission and reordering can be exercised deterministically by
// scenario tests without a real network.
func (s *FakeSocket) WriteTo(b []byte, addr *net.UDPAddr) (int, error) {
	if s.drop != nil && s.drop() {
		return len(b), nil
	}
	s.mu.RLock()
	peer, ok := s.peers[addr.String()]
	s.mu.RUnlock()
	if !ok {
		return 0, &net.AddrError{Err: "no such peer", Addr: addr.String()}
	}
	cp := append([]byte(nil), b...)
	d := datagram{data: cp, from: s.addr}

	if s.latency == nil {
		peer.inbox <- d
		return len(b), nil
	}
	delay := s.latency()
	go func() {
		if delay > 0 {
			time.Sleep(time.Duration(delay * float64(time.Second)))
		}
		peer.inbox <- d
	}()
	return len(b), nil
}

// ReadFrom blocks until a datagram addressed to this socket arrives.
func (s *FakeSocket) ReadFrom(b []byte) (int, *net.UDPAddr, error) {
	d, ok := <-s.inbox
	if !ok {
		return 0, nil, net.ErrClosed
	}
	n := copy(b, d.data)
	return n, d.from, nil
}

// Close unblocks any pending ReadFrom with net.ErrClosed.
func (s *FakeSocket) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.inbox)
	}
	s.mu.Unlock()
	return nil
}
