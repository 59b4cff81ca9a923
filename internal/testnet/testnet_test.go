package testnet

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestWriteToDeliversToPeer(t *testing.T) {
	socks := NewNetwork(addr(1), addr(2))
	a, b := socks[0], socks[1]

	_, err := a.WriteTo([]byte("hello"), b.LocalAddr())
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, from, err := b.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, a.LocalAddr().String(), from.String())
}

func TestWriteToUnknownPeerErrors(t *testing.T) {
	socks := NewNetwork(addr(1))
	_, err := socks[0].WriteTo([]byte("x"), addr(99))
	assert.Error(t, err)
}

func TestDropPredicateSuppressesDelivery(t *testing.T) {
	socks := NewNetwork(addr(1), addr(2))
	a, b := socks[0], socks[1]
	a.SetDrop(func() bool { return true })

	_, err := a.WriteTo([]byte("x"), b.LocalAddr())
	require.NoError(t, err)

	select {
	case <-b.inbox:
		t.Fatal("dropped datagram must not be delivered")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCloseUnblocksReadFrom(t *testing.T) {
	socks := NewNetwork(addr(1))
	s := socks[0]
	done := make(chan error, 1)
	go func() {
		_, _, err := s.ReadFrom(make([]byte, 16))
		done <- err
	}()
	s.Close()
	select {
	case err := <-done:
		assert.Equal(t, net.ErrClosed, err)
	case <-time.After(time.Second):
		t.Fatal("ReadFrom did not unblock after Close")
	}
}
