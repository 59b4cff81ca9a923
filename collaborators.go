package callengine

// Encoder is the outgoing codec collaborator (spec.md §6). A Controller
// never encodes audio itself; it only steers an already-running encoder's
// bitrate and loss-concealment hint as network conditions change.
type Encoder interface {
	SetBitrate(bps uint32)
	SetPacketLoss(percent int)
}

// JitterBuffer is the playout-side collaborator a decoded STREAM_DATA
// payload is handed to.
type JitterBuffer interface {
	HandleInput(data []byte, pts uint32)
}

// AudioInput is the capture-device collaborator. Its narrow surface exists
// only because SetMicMute must stop and re-check it: stopping capture on
// mute, then finding it no longer reports itself initialized, is itself
// an AUDIO_IO failure (spec.md §9 Open Questions).
type AudioInput interface {
	Stop() error
	IsInitialized() bool
}
