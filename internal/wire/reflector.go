package wire

import (
	"encoding/binary"
	"errors"
	"net"
)

// ErrNotReflectorReply is returned by DecodeReflectorReply when data doesn't
// have the reflector-reply shape.
var ErrNotReflectorReply = errors.New("wire: not a reflector reply")

// ReflectorInfo is the body of a reflector reply: the reflexive address the
// relay observed for each side of the call.
type ReflectorInfo struct {
	MyAddr   net.IP
	MyPort   uint16
	PeerAddr net.IP
	PeerPort uint16
}

// IsReflectorReply reports whether data has the reflector-reply shape
// spec.md §4.6 describes: the relay's peer_tag (ignored here; the caller
// already knows which relay it probed) followed by 16 bytes of 0xFF and the
// TLID_UDP_REFLECTOR_PEER_INFO marker. Sent unencrypted, outside the normal
// fingerprint/envelope framing every other packet type uses.
func IsReflectorReply(data []byte) bool {
	if len(data) < 32+4 {
		return false
	}
	for _, b := range data[16:32] {
		if b != 0xFF {
			return false
		}
	}
	return binary.LittleEndian.Uint32(data[32:36]) == TLUDPReflectorPeerInfo
}

// DecodeReflectorReply parses the (my_addr, my_port, peer_addr, peer_port)
// body following the probe header and TLID.
func DecodeReflectorReply(data []byte) (ReflectorInfo, error) {
	if !IsReflectorReply(data) {
		return ReflectorInfo{}, ErrNotReflectorReply
	}
	r := NewReader(data[36:])
	myAddr, err := r.ReadBytes(4)
	if err != nil {
		return ReflectorInfo{}, err
	}
	myPort, err := r.ReadUint16()
	if err != nil {
		return ReflectorInfo{}, err
	}
	peerAddr, err := r.ReadBytes(4)
	if err != nil {
		return ReflectorInfo{}, err
	}
	peerPort, err := r.ReadUint16()
	if err != nil {
		return ReflectorInfo{}, err
	}
	return ReflectorInfo{
		MyAddr:   net.IPv4(myAddr[0], myAddr[1], myAddr[2], myAddr[3]),
		MyPort:   myPort,
		PeerAddr: net.IPv4(peerAddr[0], peerAddr[1], peerAddr[2], peerAddr[3]),
		PeerPort: peerPort,
	}, nil
}

// EncodeReflectorReply builds the reply body a relay (or, in tests, a
// hand-crafted stand-in for one) sends back to a probe.
func EncodeReflectorReply(peerTag [16]byte, info ReflectorInfo) []byte {
	w := NewWriter()
	w.WriteBytes(peerTag[:])
	w.WriteBytes(ffBytes(16))
	w.WriteUint32(TLUDPReflectorPeerInfo)
	w.WriteBytes(info.MyAddr.To4())
	w.WriteUint16(info.MyPort)
	w.WriteBytes(info.PeerAddr.To4())
	w.WriteUint16(info.PeerPort)
	return w.Bytes()
}

func ffBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}

// EncodeLanEndpoint packs the PKT_LAN_ENDPOINT payload: a LAN-local address
// and port, sent reliably once a reflector reply reveals both sides share a
// NAT (spec.md §4.6).
func EncodeLanEndpoint(addr net.IP, port uint16) []byte {
	w := NewWriter()
	w.WriteBytes(addr.To4())
	w.WriteUint16(port)
	return w.Bytes()
}

// DecodeLanEndpoint unpacks a PKT_LAN_ENDPOINT payload.
func DecodeLanEndpoint(data []byte) (net.IP, uint16, error) {
	r := NewReader(data)
	addr, err := r.ReadBytes(4)
	if err != nil {
		return nil, 0, err
	}
	port, err := r.ReadUint16()
	if err != nil {
		return nil, 0, err
	}
	return net.IPv4(addr[0], addr[1], addr[2], addr[3]), port, nil
}
