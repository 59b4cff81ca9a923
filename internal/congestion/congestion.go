// Package congestion implements the controller's bandwidth-probing loop:
// an AIMD-style congestion window over inflight byte counts, smoothed loss
// rate, and RTT min/avg, reduced to the three-way bandwidth action
// (Decrease/Hold/Increase) the bitrate policy consumes every tick.
//
// Per spec, "any CUBIC-like AIMD over byte counts satisfies the contract
// so long as (i) the inflight byte count equals sent-minus-acked in the
// window, (ii) the action becomes DECREASE when the smoothed loss rate
// rises materially above a threshold, (iii) INCREASE when inflight is
// small relative to the congestion window for at least one RTT." The
// implementation here is one such model, shaped like the teacher's own
// counters-plus-threshold approach (source/server/server.go's tick loop)
// rather than anything from the original C++, since CongestionControl.h/
// .cpp were not part of the retrieved original source.
package congestion

import "github.com/grvoip/callengine/internal/clock"

// Action is the bandwidth hint the bitrate policy acts on once per tick.
type Action int

const (
	Hold Action = iota
	Increase
	Decrease
)

func (a Action) String() string {
	switch a {
	case Increase:
		return "INCREASE"
	case Decrease:
		return "DECREASE"
	default:
		return "HOLD"
	}
}

// lossRateThreshold is the smoothed-loss-rate level above which the
// controller starts recommending DECREASE.
const lossRateThreshold = 0.05

// lowInflightFraction is how small inflightBytes/cwnd must be, for at
// least one RTT, before the controller recommends INCREASE.
const lowInflightFraction = 0.5

const (
	decreaseFactor = 0.75
	increaseStep   = 2000.0 // bytes added to cwnd per qualifying tick
)

type inflightPacket struct {
	length int
	sentAt float64
}

// Controller tracks one direction's (this side's outgoing) congestion
// state. Not safe for concurrent use.
type Controller struct {
	inflight      map[uint32]inflightPacket
	inflightBytes int

	cwnd    float64
	minCwnd float64
	maxCwnd float64

	sentSinceTick int
	ackedSinceTick int
	lostSinceTick  int
	sendLossCount  int

	smoothedLossRate float64

	rttMin     float64
	rttAvg     float64
	haveRTT    bool

	lowInflightSince float64
	haveLowInflight  bool

	action Action
}

func NewController() *Controller {
	return &Controller{
		inflight: make(map[uint32]inflightPacket),
		cwnd:     16000,
		minCwnd:  4000,
		maxCwnd:  512000,
	}
}

// PacketSent records that length bytes of a data-carrying packet (seq) were
// just handed to the socket. Per spec §4.3 this is only called for
// STREAM_DATA/STREAM_DATA_X2/STREAM_DATA_X3, never for control packets.
func (c *Controller) PacketSent(seq uint32, length int) {
	c.inflight[seq] = inflightPacket{length: length, sentAt: clock.Now()}
	c.inflightBytes += length
	c.sentSinceTick++
}

// PacketAcknowledged implements seqack.AckSink: it removes seq from the
// inflight set and folds its RTT sample into the running min/avg.
func (c *Controller) PacketAcknowledged(seq uint32) {
	p, ok := c.inflight[seq]
	if !ok {
		return
	}
	delete(c.inflight, seq)
	c.inflightBytes -= p.length
	c.ackedSinceTick++

	rtt := clock.Now() - p.sentAt
	if rtt < 0 {
		return
	}
	if !c.haveRTT {
		c.rttMin = rtt
		c.rttAvg = rtt
		c.haveRTT = true
		return
	}
	if rtt < c.rttMin {
		c.rttMin = rtt
	}
	const alpha = 0.15
	c.rttAvg = c.rttAvg*(1-alpha) + rtt*alpha
}

// PacketLost marks seq as lost (a gap the reliable layer gave up waiting
// on, or an explicit NACK-equivalent), removing it from the inflight set
// and counting it toward the smoothed loss rate.
func (c *Controller) PacketLost(seq uint32) {
	p, ok := c.inflight[seq]
	if !ok {
		return
	}
	delete(c.inflight, seq)
	c.inflightBytes -= p.length
	c.lostSinceTick++
	c.sendLossCount++
}

// Tick recomputes the smoothed loss rate and bandwidth action from the
// counters accumulated since the previous call, then resets them. The
// caller drives this at a fixed cadence (the session's control tick).
func (c *Controller) Tick(now float64) {
	total := c.ackedSinceTick + c.lostSinceTick
	if total > 0 {
		sample := float64(c.lostSinceTick) / float64(total)
		const alpha = 0.25
		c.smoothedLossRate = c.smoothedLossRate*(1-alpha) + sample*alpha
	}

	switch {
	case c.smoothedLossRate > lossRateThreshold:
		c.cwnd *= decreaseFactor
		if c.cwnd < c.minCwnd {
			c.cwnd = c.minCwnd
		}
		c.action = Decrease
		c.haveLowInflight = false

	case c.cwnd > 0 && float64(c.inflightBytes) < c.cwnd*lowInflightFraction:
		if !c.haveLowInflight {
			c.haveLowInflight = true
			c.lowInflightSince = now
			c.action = Hold
		} else if c.haveRTT && now-c.lowInflightSince >= c.rttAvg {
			c.cwnd += increaseStep
			if c.cwnd > c.maxCwnd {
				c.cwnd = c.maxCwnd
			}
			c.action = Increase
			c.lowInflightSince = now
		} else {
			c.action = Hold
		}

	default:
		c.action = Hold
		c.haveLowInflight = false
	}

	c.sentSinceTick = 0
	c.ackedSinceTick = 0
	c.lostSinceTick = 0
}

// GetBandwidthControlAction returns the action computed by the most recent
// Tick call.
func (c *Controller) GetBandwidthControlAction() Action {
	return c.action
}

// GetInflightBytes returns the current sent-minus-acked byte count.
func (c *Controller) GetInflightBytes() int {
	return c.inflightBytes
}

// GetMinRTT and GetAvgRTT report the RTT extremes observed so far, in
// seconds; both are 0 until the first ack arrives.
func (c *Controller) GetMinRTT() float64 { return c.rttMin }
func (c *Controller) GetAvgRTT() float64 { return c.rttAvg }

// GetSendLossCount returns the cumulative count of packets this side sent
// that were later declared lost.
func (c *Controller) GetSendLossCount() int {
	return c.sendLossCount
}
