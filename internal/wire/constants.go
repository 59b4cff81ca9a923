// Package wire implements the two datagram framings of the call protocol
// (the "legacy" simple-audio-block frame and the "extended" decrypted-audio
// frame used during handshake), their TL-style length encoding, and the
// encrypt/decrypt envelope around them.
//
// The reader/writer helpers here are a direct generalization of the
// teacher's BitStream type (pkg/raknet/protocol.go, source/protocol/raknet.go):
// same fixed-width helpers, offset-tracked buffer, but built to also encode
// the TL variable-length prefix this protocol needs.
package wire

// Protocol identity.
const (
	ProtocolName         uint32 = 0x47725650 // "GrVP", little-endian on the wire
	ProtocolVersion      int32  = 3
	MinProtocolVersion   int32  = 3
)

// TL type identifiers embedded in the encrypted body.
const (
	TLSimpleAudioBlock    uint32 = 0xCC0D0E76
	TLDecryptedAudioBlock uint32 = 0xDBF948C1
	TLUDPReflectorPeerInfo uint32 = 0x27D9371C
)

// Packet types (the high byte of pflags in extended frames, and the `type`
// field of legacy frames).
const (
	PktInit           byte = 1
	PktInitAck        byte = 2
	PktStreamState    byte = 3
	PktStreamData     byte = 4
	PktUpdateStreams  byte = 5
	PktPing           byte = 6
	PktPong           byte = 7
	PktStreamDataX2   byte = 8
	PktStreamDataX3   byte = 9
	PktLanEndpoint    byte = 10
	PktNetworkChanged byte = 11
	PktSwitchPrefRelay byte = 12
	PktSwitchToP2P    byte = 13
	PktNop            byte = 14
)

// pflags bits of the extended frame.
const (
	PFlagHasData       uint32 = 1
	PFlagHasExtra      uint32 = 2
	PFlagHasCallID     uint32 = 4
	PFlagHasProto      uint32 = 8
	PFlagHasSeq        uint32 = 16
	PFlagHasRecentRecv uint32 = 32
)

// STREAM_DATA per-frame flags (the high nibble of the stream-id byte).
const (
	StreamDataFlagLen16 byte = 0x40
)

// Stream types and codec ids.
const (
	StreamTypeAudio byte = 1
	StreamTypeVideo byte = 2

	CodecOpus byte = 1
)

// Endpoint kinds.
const (
	EPTypeP2PInet  byte = 1
	EPTypeP2PLan   byte = 2
	EPTypeUDPRelay byte = 3
	EPTypeTCPRelay byte = 4
)

// Data-saving policy.
const (
	DataSavingNever  = 0
	DataSavingMobile = 1
	DataSavingAlways = 2
)

// Network type classification, reinstated from original_source/VoIPController.h
// (NET_TYPE_*) which the distilled spec only refers to as "classified network".
const (
	NetTypeUnknown        = 0
	NetTypeGPRS           = 1
	NetTypeEdge           = 2
	NetType3G             = 3
	NetTypeHSPA           = 4
	NetTypeLTE            = 5
	NetTypeWifi           = 6
	NetTypeEthernet       = 7
	NetTypeOtherHighSpeed = 8
	NetTypeOtherLowSpeed  = 9
	NetTypeDialup         = 10
	NetTypeOtherMobile    = 11
)

// IsMobileNetwork reports whether netType counts as a metered mobile link,
// mirroring the original's IS_MOBILE_NETWORK macro.
func IsMobileNetwork(netType int) bool {
	switch netType {
	case NetTypeGPRS, NetTypeEdge, NetType3G, NetTypeHSPA, NetTypeLTE, NetTypeOtherMobile:
		return true
	default:
		return false
	}
}

const peerTagSize = 16
const fingerprintSize = 8
const msgHashSize = 16
const callIDSize = 16
