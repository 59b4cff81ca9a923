package callengine

// Stats mirrors the counters spec.md §3/SPEC_FULL.md [EXP-STATS] requires
// GetStats to expose: packet/byte counters split by network class, plus a
// snapshot of the current adaptive bitrate and measured RTT.
type Stats struct {
	PacketsReceived uint64
	PacketsSent     uint64
	RecvLossCount   uint64
	SendLossCount   uint64

	BytesSentWifi    uint64
	BytesSentMobile  uint64
	BytesRecvdWifi   uint64
	BytesRecvdMobile uint64

	Bitrate    uint32
	AverageRTT float64
}
