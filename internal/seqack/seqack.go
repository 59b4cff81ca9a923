// Package seqack implements the sliding-window sequence/acknowledgment
// engine each session runs in both directions: assigning outgoing sequence
// numbers, folding the last 32 received sequence numbers into the 32-bit
// ack mask carried on every outgoing packet, and walking an incoming
// ack_id/ack_mask pair to find out which of this side's own sent packets
// the peer has now confirmed.
//
// Generalized from the ACK/NACK bitmap handling in the teacher's
// source/protocol/raknet.go Session type, adapted from RakNet's per-packet
// datagram numbering to this protocol's 32-bit sequence counter plus
// rolling ack mask.
package seqack

// AckSink is notified once, exactly, the first time a previously sent
// sequence number is confirmed acknowledged by the peer.
type AckSink interface {
	PacketAcknowledged(seq uint32)
}

const windowSize = 32

// State is not safe for concurrent use; callers serialize access to a
// session's State the same way they serialize the rest of its mutable
// fields.
type State struct {
	haveRecvSeq bool
	lastRecvSeq uint32
	recvTimes   [windowSize]float64 // recvTimes[i] = recv time of seq (lastRecvSeq-i)

	haveAckID    bool
	lastAckID    uint32
	ackedAt      [windowSize]float64 // ackedAt[i] = time seq (lastAckID-i) was confirmed
	lastAckRecvAt float64

	sendTimes [windowSize]float64 // indexed by seq % windowSize, for RTT sampling

	nextSendSeq uint32

	sink AckSink
}

func NewState(sink AckSink) *State {
	return &State{sink: sink}
}

// seqgt compares sequence numbers with 32-bit wraparound, the same
// convention TCP uses for SEQ/ACK comparisons.
func seqgt(a, b uint32) bool {
	return int32(a-b) > 0
}

// shiftRing rolls a ring that's indexed by "distance from the newest known
// value" forward by delta slots when a new highest value arrives, zeroing
// the slots that now represent values never seen.
func shiftRing(ring *[windowSize]float64, delta uint32) {
	if delta >= windowSize {
		*ring = [windowSize]float64{}
		return
	}
	copy(ring[delta:], ring[:windowSize-delta])
	for i := uint32(0); i < delta; i++ {
		ring[i] = 0
	}
}

// NextSendSeq assigns the next outgoing sequence number.
func (s *State) NextSendSeq() uint32 {
	s.nextSendSeq++
	return s.nextSendSeq
}

// OnSend records when seq was handed to the socket, so a later ack can be
// turned into an RTT sample.
func (s *State) OnSend(seq uint32, now float64) {
	s.sendTimes[seq%windowSize] = now
}

// OnReceive records that seq arrived from the peer at time now, updating
// the receive window used to build the next outgoing ack mask. It reports
// whether seq is a duplicate (already seen, or too old to fit in the
// window) that the caller should otherwise drop.
func (s *State) OnReceive(seq uint32, now float64) (duplicate bool) {
	if !s.haveRecvSeq {
		s.haveRecvSeq = true
		s.lastRecvSeq = seq
		s.recvTimes[0] = now
		return false
	}

	if seqgt(seq, s.lastRecvSeq) {
		delta := seq - s.lastRecvSeq
		shiftRing(&s.recvTimes, delta)
		s.lastRecvSeq = seq
		s.recvTimes[0] = now
		return false
	}

	dist := s.lastRecvSeq - seq
	if dist >= windowSize {
		return true
	}
	if s.recvTimes[dist] != 0 {
		return true
	}
	s.recvTimes[dist] = now
	return false
}

// BuildAckMask returns the (ack_id, acks) pair to stamp on the next
// outgoing packet: ack_id is the highest sequence number received so far,
// and acks packs the receive window so bit (31-i) of the mask reflects
// whether seq (ack_id-i) was received, for i in [0,31].
func (s *State) BuildAckMask() (ackID uint32, acks uint32) {
	var mask uint32
	for i := 0; i < windowSize; i++ {
		if s.recvTimes[i] != 0 {
			mask |= 1
		}
		if i < windowSize-1 {
			mask <<= 1
		}
	}
	return s.lastRecvSeq, mask
}

// OnAckReceived walks an incoming (ack_id, acks) pair against this side's
// own ackedAt window, invoking sink.PacketAcknowledged exactly once for
// each newly-confirmed sequence number this side previously sent.
//
// Mirrors the original: only an ack_id strictly newer than the last one
// processed advances the window and triggers acknowledgment; a stale or
// repeated ack_id is a no-op, since everything its mask could tell us was
// already learned from the fresher ack that superseded it.
func (s *State) OnAckReceived(ackID uint32, acks uint32, now float64) {
	s.lastAckRecvAt = now

	advanced := !s.haveAckID || seqgt(ackID, s.lastAckID)
	if !advanced {
		return
	}

	if !s.haveAckID {
		s.haveAckID = true
	} else {
		delta := ackID - s.lastAckID
		shiftRing(&s.ackedAt, delta)
	}
	s.lastAckID = ackID
	s.ackedAt[0] = now
	s.recordAck(ackID, now)

	for i := 0; i < windowSize-1; i++ {
		slot := i + 1
		if uint32(slot) > s.lastAckID {
			break
		}
		if s.ackedAt[slot] != 0 {
			continue
		}
		bit := uint(windowSize - 1 - i)
		if (acks>>bit)&1 == 1 {
			s.ackedAt[slot] = now
			s.recordAck(s.lastAckID-uint32(slot), now)
		}
	}
}

func (s *State) recordAck(seq uint32, now float64) {
	if s.sink != nil {
		s.sink.PacketAcknowledged(seq)
	}
}

// IsAcked reports whether seq falls within the current ack window and has
// been confirmed received by the peer. Used by the reliable retry queue to
// decide whether a queued packet can be dropped, mirroring the original's
// remoteAcksIndex check (original_source/VoIPController.cpp ~974-981).
func (s *State) IsAcked(seq uint32) bool {
	if !s.haveAckID || seqgt(seq, s.lastAckID) {
		return false
	}
	dist := s.lastAckID - seq
	if dist >= windowSize {
		return false
	}
	return s.ackedAt[dist] != 0
}

// GetAverageRTT averages remote_acks[i] - sent_times[i+d] over the current
// ack window, per spec.md §4.3, where d = out_seq - last_remote_ack_seq is
// how many sequence numbers have gone out since the last ack update
// arrived. Once d reaches the window size (32+ packets sent since the last
// ack) there's no sample left to average, and — matching
// original_source/VoIPController.cpp's GetAverageRTT — this returns the
// sentinel 999 seconds rather than 0, so a caller watching for a stalled
// link (checkStall) sees the RTT balloon instead of freezing at its last
// known value.
func (s *State) GetAverageRTT() float64 {
	if !s.haveAckID {
		return 999
	}
	d := s.nextSendSeq - s.lastAckID
	if d >= windowSize {
		return 999
	}

	var sum float64
	var n int
	for i := uint32(0); i < windowSize-d; i++ {
		if s.ackedAt[i] == 0 {
			continue
		}
		seq := s.lastAckID - i
		sendAt := s.sendTimes[seq%windowSize]
		if sendAt <= 0 || sendAt > s.ackedAt[i] {
			continue
		}
		sum += s.ackedAt[i] - sendAt
		n++
	}
	if n == 0 {
		return 999
	}
	return sum / float64(n)
}

// UnackedSendCount reports out_seq - last_remote_ack_seq: how many sequence
// numbers have been sent since the peer's last ack update arrived. The
// path manager's anti-hijack rule (spec.md §4.6) uses this to tell a genuine
// network migration (acks have stalled for a long run) from an ordinary
// stray relay packet.
func (s *State) UnackedSendCount() uint32 {
	if !s.haveAckID {
		return s.nextSendSeq
	}
	return s.nextSendSeq - s.lastAckID
}

// SinceLastAck returns how long it's been since any ack was last received,
// for stall detection (the caller compares this against its own timeout).
func (s *State) SinceLastAck(now float64) float64 {
	if s.lastAckRecvAt == 0 {
		return now
	}
	return now - s.lastAckRecvAt
}
