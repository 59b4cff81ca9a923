// Package handshake implements the connection state machine that gets a
// call from nothing to Established: send PKT_INIT, retransmit it until the
// peer replies with PKT_INIT_ACK (or the other side probes first and the
// ack is sent back immediately), negotiate protocol version, and agree on
// the stream list.
//
// Grounded on spec.md §4.7's state table and the original's INIT/INIT_ACK
// handling (original_source/VoIPController.cpp's ProcessIncomingPacket PKT_INIT
// and PKT_INIT_ACK branches) for payload layout and the peer_version < 2
// compatibility shim.
package handshake

import (
	"fmt"

	"github.com/grvoip/callengine/internal/wire"
)

// State is a handshake state machine state.
type State int

const (
	WaitInit State = iota
	WaitInitAck
	Established
	Failed
)

func (s State) String() string {
	switch s {
	case WaitInit:
		return "WaitInit"
	case WaitInitAck:
		return "WaitInitAck"
	case Established:
		return "Established"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ErrorCode classifies why a handshake failed.
type ErrorCode int

const (
	ErrNone ErrorCode = iota
	ErrTimeout
	ErrIncompatible
)

// StreamDesc describes one negotiated media stream, the INIT_ACK payload's
// per-stream record.
type StreamDesc struct {
	ID             byte
	Type           byte
	Codec          byte
	FrameDurationMs uint16
	Enabled        bool
}

// InitPayload is the body of PKT_INIT.
type InitPayload struct {
	ProtoVer      int32
	MinProtoVer   int32
	Flags         uint32
	AudioCodecIDs []byte
	VideoCodecIDs []byte
}

// EncodeInitPayload writes the PKT_INIT body: proto_ver | min_proto_ver |
// flags | audio_codec_count | audio_codec_ids... | video_codec_count |
// video_codec_ids...
func EncodeInitPayload(p InitPayload) []byte {
	w := wire.NewWriter()
	w.WriteUint32(uint32(p.ProtoVer))
	w.WriteUint32(uint32(p.MinProtoVer))
	w.WriteUint32(p.Flags)
	w.WriteByte(byte(len(p.AudioCodecIDs)))
	w.WriteBytes(p.AudioCodecIDs)
	w.WriteByte(byte(len(p.VideoCodecIDs)))
	w.WriteBytes(p.VideoCodecIDs)
	return w.Bytes()
}

func DecodeInitPayload(data []byte) (InitPayload, error) {
	r := wire.NewReader(data)
	protoVer, err := r.ReadUint32()
	if err != nil {
		return InitPayload{}, fmt.Errorf("handshake: init: %w", err)
	}
	minProtoVer, err := r.ReadUint32()
	if err != nil {
		return InitPayload{}, fmt.Errorf("handshake: init: %w", err)
	}
	flags, err := r.ReadUint32()
	if err != nil {
		return InitPayload{}, fmt.Errorf("handshake: init: %w", err)
	}
	audioCount, err := r.ReadByte()
	if err != nil {
		return InitPayload{}, fmt.Errorf("handshake: init: %w", err)
	}
	audioIDs, err := r.ReadBytes(int(audioCount))
	if err != nil {
		return InitPayload{}, fmt.Errorf("handshake: init: %w", err)
	}
	videoCount, err := r.ReadByte()
	if err != nil {
		return InitPayload{}, fmt.Errorf("handshake: init: %w", err)
	}
	videoIDs, err := r.ReadBytes(int(videoCount))
	if err != nil {
		return InitPayload{}, fmt.Errorf("handshake: init: %w", err)
	}
	return InitPayload{
		ProtoVer:      int32(protoVer),
		MinProtoVer:   int32(minProtoVer),
		Flags:         flags,
		AudioCodecIDs: append([]byte(nil), audioIDs...),
		VideoCodecIDs: append([]byte(nil), videoIDs...),
	}, nil
}

// InitAckPayload is the body of PKT_INIT_ACK. PeerVersion determines
// whether FrameDurationMs is present on the wire at all; a peer_version < 2
// ack omits versions and frame durations, forcing 20ms frames.
type InitAckPayload struct {
	ProtoVer    int32
	MinProtoVer int32
	Streams     []StreamDesc
}

const legacyFrameDurationMs = 20

func EncodeInitAckPayload(p InitAckPayload) []byte {
	w := wire.NewWriter()
	w.WriteUint32(uint32(p.ProtoVer))
	w.WriteUint32(uint32(p.MinProtoVer))
	w.WriteByte(byte(len(p.Streams)))
	for _, s := range p.Streams {
		w.WriteByte(s.ID)
		w.WriteByte(s.Type)
		w.WriteByte(s.Codec)
		w.WriteUint16(s.FrameDurationMs)
		var enabled byte
		if s.Enabled {
			enabled = 1
		}
		w.WriteByte(enabled)
	}
	return w.Bytes()
}

// DecodeInitAckPayload parses an INIT_ACK body. peerVersion < 2 omits the
// version fields and per-stream frame duration (forced to 20ms instead),
// mirroring the original compatibility path for very old peers.
func DecodeInitAckPayload(data []byte, peerVersion int32) (InitAckPayload, error) {
	r := wire.NewReader(data)
	var out InitAckPayload

	if peerVersion >= 2 {
		protoVer, err := r.ReadUint32()
		if err != nil {
			return out, fmt.Errorf("handshake: init_ack: %w", err)
		}
		minProtoVer, err := r.ReadUint32()
		if err != nil {
			return out, fmt.Errorf("handshake: init_ack: %w", err)
		}
		out.ProtoVer = int32(protoVer)
		out.MinProtoVer = int32(minProtoVer)
	}

	count, err := r.ReadByte()
	if err != nil {
		return out, fmt.Errorf("handshake: init_ack: %w", err)
	}
	out.Streams = make([]StreamDesc, 0, count)
	for i := 0; i < int(count); i++ {
		id, err := r.ReadByte()
		if err != nil {
			return out, fmt.Errorf("handshake: init_ack: %w", err)
		}
		typ, err := r.ReadByte()
		if err != nil {
			return out, fmt.Errorf("handshake: init_ack: %w", err)
		}
		codec, err := r.ReadByte()
		if err != nil {
			return out, fmt.Errorf("handshake: init_ack: %w", err)
		}
		frameDuration := uint16(legacyFrameDurationMs)
		if peerVersion >= 2 {
			frameDuration, err = r.ReadUint16()
			if err != nil {
				return out, fmt.Errorf("handshake: init_ack: %w", err)
			}
		}
		enabled, err := r.ReadByte()
		if err != nil {
			return out, fmt.Errorf("handshake: init_ack: %w", err)
		}
		out.Streams = append(out.Streams, StreamDesc{
			ID: id, Type: typ, Codec: codec,
			FrameDurationMs: frameDuration,
			Enabled:         enabled != 0,
		})
	}
	return out, nil
}

// CheckVersionCompatible applies the version policy: reject if the peer's
// floor is above our ceiling, or the peer's ceiling is below our floor.
func CheckVersionCompatible(ourProto, ourMin, peerProto, peerMin int32) bool {
	return !(peerMin > ourProto || peerProto < ourMin)
}

const retransmitInterval = 0.5

// Machine drives one side of the handshake. Not safe for concurrent use;
// the owning controller serializes access the same way it does for every
// other piece of per-call mutable state.
type Machine struct {
	state             State
	stateChangeTime   float64
	connectionInitAt  float64
	initTimeout       float64
	err               ErrorCode

	ourInit InitPayload

	havePeerVersion bool
	peerVersion     int32

	repliedToInit bool
}

// NewMachine builds a handshake state machine that will send ourInit on
// Connect and fail after initTimeout seconds without reaching Established.
func NewMachine(ourInit InitPayload, initTimeout float64) *Machine {
	return &Machine{state: WaitInit, ourInit: ourInit, initTimeout: initTimeout}
}

func (m *Machine) State() State { return m.state }
func (m *Machine) Error() ErrorCode { return m.err }
func (m *Machine) PeerVersion() (int32, bool) { return m.peerVersion, m.havePeerVersion }

func (m *Machine) setState(s State, now float64) {
	m.state = s
	m.stateChangeTime = now
}

// Connect starts the handshake: WaitInit -> WaitInitAck, and reports the
// PKT_INIT body the caller must send to every endpoint.
func (m *Machine) Connect(now float64) []byte {
	m.connectionInitAt = now
	m.setState(WaitInitAck, now)
	return EncodeInitPayload(m.ourInit)
}

// Tick drives timeout and retransmission. It returns a non-nil PKT_INIT
// body when a retransmit is due.
func (m *Machine) Tick(now float64) (retransmit []byte) {
	switch m.state {
	case WaitInit:
		return nil
	case WaitInitAck:
		if now-m.connectionInitAt >= m.initTimeout {
			m.err = ErrTimeout
			m.setState(Failed, now)
			return nil
		}
		if now-m.stateChangeTime > retransmitInterval {
			m.stateChangeTime = now
			return EncodeInitPayload(m.ourInit)
		}
	}
	return nil
}

// OnInitReceived handles an incoming PKT_INIT from the peer, replying with
// PKT_INIT_ACK regardless of current state (the peer may just be probing).
// The first PKT_INIT received latches the peer's version. ack is the
// PKT_INIT_ACK body to send back, or nil if the peer's version is
// incompatible (the caller should fail the call instead).
func (m *Machine) OnInitReceived(now float64, peer InitPayload, ourAck InitAckPayload) (ack []byte, ok bool) {
	if !m.havePeerVersion {
		m.havePeerVersion = true
		m.peerVersion = peer.ProtoVer
	}
	if !CheckVersionCompatible(m.ourInit.ProtoVer, m.ourInit.MinProtoVer, peer.ProtoVer, peer.MinProtoVer) {
		m.err = ErrIncompatible
		m.setState(Failed, now)
		return nil, false
	}
	m.repliedToInit = true
	return EncodeInitAckPayload(ourAck), true
}

// OnInitAckReceived transitions WaitInitAck -> Established. Arriving in any
// other state is ignored (already established, or already failed).
func (m *Machine) OnInitAckReceived(now float64, ack InitAckPayload) bool {
	if m.state != WaitInitAck {
		return false
	}
	if !CheckVersionCompatible(m.ourInit.ProtoVer, m.ourInit.MinProtoVer, ack.ProtoVer, ack.MinProtoVer) {
		m.err = ErrIncompatible
		m.setState(Failed, now)
		return false
	}
	m.setState(Established, now)
	return true
}

// Fail transitions to Failed with the given error, for session-fatal
// conditions detected elsewhere (call-id mismatch, audio I/O failure).
func (m *Machine) Fail(now float64, code ErrorCode) {
	m.err = code
	m.setState(Failed, now)
}
