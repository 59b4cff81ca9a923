package seqack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	acked []uint32
}

func (f *fakeSink) PacketAcknowledged(seq uint32) {
	f.acked = append(f.acked, seq)
}

func TestBuildAckMaskAllReceivedSetsAllBits(t *testing.T) {
	s := NewState(nil)
	for seq := uint32(1); seq <= 32; seq++ {
		dup := s.OnReceive(seq, float64(seq))
		require.False(t, dup)
	}
	ackID, mask := s.BuildAckMask()
	assert.Equal(t, uint32(32), ackID)
	assert.Equal(t, uint32(0xFFFFFFFF), mask)
}

func TestBuildAckMaskGapLeavesBitClear(t *testing.T) {
	s := NewState(nil)
	s.OnReceive(10, 1)
	s.OnReceive(8, 2) // seq 9 never arrives
	ackID, mask := s.BuildAckMask()
	require.Equal(t, uint32(10), ackID)
	// bit31 = seq10 (received), bit30 = seq9 (missing), bit29 = seq8 (received)
	assert.Equal(t, uint32(1)<<31, mask&(1<<31))
	assert.Equal(t, uint32(0), mask&(1<<30))
	assert.Equal(t, uint32(1)<<29, mask&(1<<29))
}

func TestOnReceiveDuplicateDetection(t *testing.T) {
	s := NewState(nil)
	require.False(t, s.OnReceive(5, 1))
	assert.True(t, s.OnReceive(5, 2), "re-receiving the same seq must be flagged a duplicate")

	require.False(t, s.OnReceive(6, 3))
	assert.True(t, s.OnReceive(5, 4), "an older-but-in-window seq already seen is still a duplicate")
}

func TestOnReceiveTooOldIsDropped(t *testing.T) {
	s := NewState(nil)
	s.OnReceive(100, 1)
	assert.True(t, s.OnReceive(50, 2), "a seq more than 32 behind the window must be dropped")
}

func TestOnAckReceivedWalksMaskAndNotifiesSink(t *testing.T) {
	sink := &fakeSink{}
	s := NewState(sink)

	s.OnSend(1, 0.0)
	s.OnSend(2, 0.1)
	s.OnSend(3, 0.2)

	// Peer acks seq 3 as ack_id with every window bit set, so slots 1-3
	// (seq 2, 1, 0) are confirmed too.
	s.OnAckReceived(3, 0xFFFFFFFF, 1.0)

	assert.ElementsMatch(t, []uint32{3, 2, 1, 0}, sink.acked)
	assert.Greater(t, s.GetAverageRTT(), 0.0)
}

func TestOnAckReceivedStaleAckIDIsNoOp(t *testing.T) {
	sink := &fakeSink{}
	s := NewState(sink)
	s.OnAckReceived(10, 0, 1.0)
	sink.acked = nil

	s.OnAckReceived(9, 0xFFFFFFFF, 2.0)
	assert.Empty(t, sink.acked, "an ack_id that doesn't advance must not re-walk the mask")
}

func TestOnAckReceivedDoesNotDoubleNotify(t *testing.T) {
	sink := &fakeSink{}
	s := NewState(sink)
	s.OnAckReceived(5, 0, 1.0)
	s.OnAckReceived(5, 0, 2.0)
	assert.Equal(t, []uint32{5}, sink.acked)
}

func TestIsAcked(t *testing.T) {
	s := NewState(nil)
	s.OnAckReceived(5, 0xFFFFFFFF, 1.0)

	assert.True(t, s.IsAcked(5))
	assert.True(t, s.IsAcked(4))
	assert.False(t, s.IsAcked(6), "a seq newer than ack_id was never sent-and-confirmed")

	s2 := NewState(nil)
	assert.False(t, s2.IsAcked(1), "no ack_id observed yet")
}

func TestSinceLastAck(t *testing.T) {
	s := NewState(nil)
	assert.Equal(t, 5.0, s.SinceLastAck(5.0))
	s.OnAckReceived(1, 0, 5.0)
	assert.Equal(t, 2.0, s.SinceLastAck(7.0))
}
