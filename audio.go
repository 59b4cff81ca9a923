package callengine

import "github.com/grvoip/callengine/internal/wire"

// outgoingStreamID is the only outgoing audio stream this controller ever
// negotiates (spec.md §4.9's multi-stream id field exists on the wire, but
// nothing here needs more than one).
const outgoingStreamID byte = 1

// buildStreamFramePayload packs one audio frame into a STREAM_DATA body:
// stream_id|flags, an 8- or 16-bit length, the presentation timestamp, and
// the frame bytes, padded to a 4-byte boundary.
func buildStreamFramePayload(streamID byte, pts uint32, frame []byte) []byte {
	w := wire.NewWriter()
	flags := streamID
	if len(frame) > 255 {
		flags |= wire.StreamDataFlagLen16
	}
	w.WriteByte(flags)
	if len(frame) > 255 {
		w.WriteUint16(uint16(len(frame)))
	} else {
		w.WriteByte(byte(len(frame)))
	}
	w.WriteUint32(pts)
	w.WriteBytes(frame)
	if rem := w.Len() % 4; rem != 0 {
		w.WriteBytes(make([]byte, 4-rem))
	}
	return w.Bytes()
}

// HandleAudioInput is the callback an external encoder invokes with each
// newly encoded audio frame. Per spec.md §9's Open Questions, the
// audio_packet_grouping constant is pinned to 1 (the reassignment inside
// the original's HandleAudioInput always wins over its construction-time
// value of 3), so every call sends exactly one PKT_STREAM_DATA packet
// immediately rather than batching frames.
func (c *Controller) HandleAudioInput(frame []byte, pts uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopping || c.micMuted || c.waitingForAcks || c.dontSendPackets > 0 {
		return
	}
	e := c.currentEndpoint()
	if e == nil {
		return
	}

	payload := buildStreamFramePayload(outgoingStreamID, pts, frame)
	frameBytes := c.buildLegacyFrame(e, wire.PktStreamData, payload, true)
	c.enqueueSend(e, frameBytes)
}

// groupCountFor reports how many frames are packed into one datagram of
// the given packet type. The sender only ever emits PktStreamData (one
// frame) but must still decode the grouped X2/X3 variants for forward
// compatibility with an older peer.
func groupCountFor(typ byte) int {
	switch typ {
	case wire.PktStreamData:
		return 1
	case wire.PktStreamDataX2:
		return 2
	case wire.PktStreamDataX3:
		return 3
	default:
		return 0
	}
}

func (c *Controller) handleStreamData(typ byte, payload []byte) {
	n := groupCountFor(typ)
	r := wire.NewReader(payload)
	for i := 0; i < n; i++ {
		flagsByte, err := r.ReadByte()
		if err != nil {
			return
		}
		var length int
		if flagsByte&wire.StreamDataFlagLen16 != 0 {
			l, err := r.ReadUint16()
			if err != nil {
				return
			}
			length = int(l)
		} else {
			l, err := r.ReadByte()
			if err != nil {
				return
			}
			length = int(l)
		}
		pts, err := r.ReadUint32()
		if err != nil {
			return
		}
		data, err := r.ReadBytes(length)
		if err != nil {
			return
		}
		if c.jitterBuffer != nil {
			c.jitterBuffer.HandleInput(append([]byte(nil), data...), pts)
		}
	}
}
