package endpoint

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/grvoip/callengine/internal/wire"
)

func TestOnPongIgnoresStaleSeq(t *testing.T) {
	e := New(1, &net.UDPAddr{}, wire.EPTypeP2PInet, [16]byte{})
	e.SendPing(5, 1.0)
	e.OnPong(6, 2.0)
	assert.Equal(t, 0.0, e.AverageRTT(), "a pong for a different seq must not update RTT")
}

func TestOnPongUpdatesAverage(t *testing.T) {
	e := New(1, &net.UDPAddr{}, wire.EPTypeP2PInet, [16]byte{})

	e.SendPing(1, 0.0)
	e.OnPong(1, 0.1)
	assert.InDelta(t, 0.1, e.AverageRTT(), 1e-9)

	e.SendPing(2, 1.0)
	e.OnPong(2, 1.3)
	assert.InDelta(t, 0.2, e.AverageRTT(), 1e-9)
}

func TestIsRelay(t *testing.T) {
	relay := New(1, &net.UDPAddr{}, wire.EPTypeUDPRelay, [16]byte{})
	assert.True(t, relay.IsRelay())

	p2p := New(2, &net.UDPAddr{}, wire.EPTypeP2PInet, [16]byte{})
	assert.False(t, p2p.IsRelay())
}

func TestTablePutGetAllPreservesInsertionOrder(t *testing.T) {
	table := NewTable()
	a := New(1, &net.UDPAddr{}, wire.EPTypeUDPRelay, [16]byte{})
	b := New(2, &net.UDPAddr{}, wire.EPTypeP2PInet, [16]byte{})
	table.Put(a)
	table.Put(b)

	got, ok := table.Get(2)
	assert.True(t, ok)
	assert.Same(t, b, got)

	all := table.All()
	assert.Equal(t, []*Endpoint{a, b}, all)
	assert.Equal(t, 2, table.Len())
}

func TestNewIDIsNonZeroAndVaries(t *testing.T) {
	ids := map[uint64]bool{}
	for i := 0; i < 10; i++ {
		id := NewID()
		assert.NotZero(t, id)
		ids[id] = true
	}
	assert.Len(t, ids, 10, "NewID should not collide across 10 calls")
}
