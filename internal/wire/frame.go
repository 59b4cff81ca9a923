package wire

import (
	"errors"

	"github.com/grvoip/callengine/internal/xcrypto"
)

// Sentinel decode outcomes. ErrDrop covers every "transient / packet-local"
// rejection from spec §4.1/§7: wrong tag, wrong fingerprint, bad hash,
// unknown TL id, missing required flags. ErrCallIDMismatch and
// ErrIncompatible are session-fatal and the caller must transition the
// controller to Failed.
var (
	ErrDrop           = errors.New("wire: malformed packet, drop")
	ErrCallIDMismatch = errors.New("wire: call id mismatch")
	ErrIncompatible   = errors.New("wire: incompatible protocol version")
)

// Header is the common decoded envelope of either framing: the fields the
// sequence/ack engine needs, plus the packet type.
type Header struct {
	Type    byte
	AckID   uint32
	Seq     uint32
	AckMask uint32
}

// EncodeLegacy builds a "simple audio block" frame: the steady-state framing
// used for everything after the handshake.
func EncodeLegacy(leadingID [16]byte, fingerprint [8]byte, key []byte, kdfOffset int, crypto xcrypto.Funcs, hdr Header, payload []byte) []byte {
	inner := NewWriter()
	inner.WriteUint32(TLSimpleAudioBlock)
	var randID [8]byte
	crypto.RandBytes(randID[:])
	inner.WriteBytes(randID[:])
	var rnd [7]byte
	crypto.RandBytes(rnd[:])
	inner.WriteTLBytesAligned(rnd[:])

	lenWithHeader := 13 + len(payload)
	WriteTLLength(inner, lenWithHeader)
	inner.WriteByte(hdr.Type)
	inner.WriteUint32(hdr.AckID)
	inner.WriteUint32(hdr.Seq)
	inner.WriteUint32(hdr.AckMask)
	inner.WriteBytes(payload)

	return sealEnvelope(leadingID, fingerprint, key, kdfOffset, crypto, inner.Bytes())
}

// DecodeLegacy parses a simple-audio-block frame produced by EncodeLegacy.
func DecodeLegacy(data []byte, expectedLeadingID [16]byte, expectedFingerprint [8]byte, key []byte, kdfOffset int, crypto xcrypto.Funcs) (Header, []byte, error) {
	inner, err := openEnvelope(data, expectedLeadingID, expectedFingerprint, key, kdfOffset, crypto)
	if err != nil {
		return Header{}, nil, err
	}
	r := NewReader(inner)
	tlid, err := r.ReadUint32()
	if err != nil || tlid != TLSimpleAudioBlock {
		return Header{}, nil, ErrDrop
	}
	if _, err := r.ReadUint64(); err != nil { // random id
		return Header{}, nil, ErrDrop
	}
	if err := r.SkipTLBytesAligned(); err != nil {
		return Header{}, nil, ErrDrop
	}
	innerLen, err := ReadTLLength(r)
	if err != nil || innerLen < 13 {
		return Header{}, nil, ErrDrop
	}
	var hdr Header
	if hdr.Type, err = r.ReadByte(); err != nil {
		return Header{}, nil, ErrDrop
	}
	if hdr.AckID, err = r.ReadUint32(); err != nil {
		return Header{}, nil, ErrDrop
	}
	if hdr.Seq, err = r.ReadUint32(); err != nil {
		return Header{}, nil, ErrDrop
	}
	if hdr.AckMask, err = r.ReadUint32(); err != nil {
		return Header{}, nil, ErrDrop
	}
	payloadLen := innerLen - 13
	payload, err := r.ReadBytes(payloadLen)
	if err != nil {
		return Header{}, nil, ErrDrop
	}
	return hdr, append([]byte(nil), payload...), nil
}

// ExtendedHeader additionally carries the handshake-only optional fields.
type ExtendedHeader struct {
	Header
	HasCallID bool
	CallID    [16]byte
	HasProto  bool
}

// EncodeExtended builds a "decrypted audio block" frame: used only for
// PKT_INIT / PKT_INIT_ACK, where the call id and protocol marker must ride
// along so the peer can validate them before a session is established.
func EncodeExtended(leadingID [16]byte, fingerprint [8]byte, key []byte, kdfOffset int, crypto xcrypto.Funcs, hdr ExtendedHeader, payload []byte) []byte {
	inner := NewWriter()
	inner.WriteUint32(TLDecryptedAudioBlock)
	var randID [8]byte
	crypto.RandBytes(randID[:])
	inner.WriteBytes(randID[:])
	var rnd [7]byte
	crypto.RandBytes(rnd[:])
	inner.WriteTLBytesAligned(rnd[:])

	pflags := PFlagHasRecentRecv | PFlagHasSeq
	if len(payload) > 0 {
		pflags |= PFlagHasData
	}
	if hdr.HasCallID {
		pflags |= PFlagHasCallID
	}
	if hdr.HasProto {
		pflags |= PFlagHasProto
	}
	pflags |= uint32(hdr.Type) << 24
	inner.WriteUint32(pflags)

	if hdr.HasCallID {
		inner.WriteBytes(hdr.CallID[:])
	}
	inner.WriteUint32(hdr.AckID)
	inner.WriteUint32(hdr.Seq)
	inner.WriteUint32(hdr.AckMask)
	if hdr.HasProto {
		inner.WriteUint32(ProtocolName)
	}
	if len(payload) > 0 {
		WriteTLLength(inner, len(payload))
		inner.WriteBytes(payload)
	}

	return sealEnvelope(leadingID, fingerprint, key, kdfOffset, crypto, inner.Bytes())
}

// DecodeExtended parses a decrypted-audio-block frame. expectedCallID is
// only checked when the decoded frame sets PFLAG_HAS_CALL_ID.
func DecodeExtended(data []byte, expectedLeadingID [16]byte, expectedFingerprint [8]byte, key []byte, kdfOffset int, crypto xcrypto.Funcs, expectedCallID [16]byte) (ExtendedHeader, []byte, error) {
	inner, err := openEnvelope(data, expectedLeadingID, expectedFingerprint, key, kdfOffset, crypto)
	if err != nil {
		return ExtendedHeader{}, nil, err
	}
	r := NewReader(inner)
	tlid, err := r.ReadUint32()
	if err != nil || tlid != TLDecryptedAudioBlock {
		return ExtendedHeader{}, nil, ErrDrop
	}
	if _, err := r.ReadUint64(); err != nil {
		return ExtendedHeader{}, nil, ErrDrop
	}
	if err := r.SkipTLBytesAligned(); err != nil {
		return ExtendedHeader{}, nil, ErrDrop
	}
	pflags, err := r.ReadUint32()
	if err != nil {
		return ExtendedHeader{}, nil, ErrDrop
	}
	if pflags&PFlagHasSeq == 0 || pflags&PFlagHasRecentRecv == 0 {
		return ExtendedHeader{}, nil, ErrDrop
	}

	var hdr ExtendedHeader
	hdr.Type = byte((pflags >> 24) & 0xFF)

	if pflags&PFlagHasCallID != 0 {
		cidBytes, err := r.ReadBytes(16)
		if err != nil {
			return ExtendedHeader{}, nil, ErrDrop
		}
		copy(hdr.CallID[:], cidBytes)
		hdr.HasCallID = true
		if hdr.CallID != expectedCallID {
			return ExtendedHeader{}, nil, ErrCallIDMismatch
		}
	}
	if hdr.AckID, err = r.ReadUint32(); err != nil {
		return ExtendedHeader{}, nil, ErrDrop
	}
	if hdr.Seq, err = r.ReadUint32(); err != nil {
		return ExtendedHeader{}, nil, ErrDrop
	}
	if hdr.AckMask, err = r.ReadUint32(); err != nil {
		return ExtendedHeader{}, nil, ErrDrop
	}
	if pflags&PFlagHasProto != 0 {
		proto, err := r.ReadUint32()
		if err != nil {
			return ExtendedHeader{}, nil, ErrDrop
		}
		if proto != ProtocolName {
			return ExtendedHeader{}, nil, ErrIncompatible
		}
		hdr.HasProto = true
	}
	if pflags&PFlagHasExtra != 0 {
		if err := r.SkipTLBytesAligned(); err != nil {
			return ExtendedHeader{}, nil, ErrDrop
		}
	}
	var payload []byte
	if pflags&PFlagHasData != 0 {
		n, err := ReadTLLength(r)
		if err != nil {
			return ExtendedHeader{}, nil, ErrDrop
		}
		payload, err = r.ReadBytes(n)
		if err != nil {
			return ExtendedHeader{}, nil, ErrDrop
		}
		payload = append([]byte(nil), payload...)
	}
	return hdr, payload, nil
}

// sealEnvelope wraps an unencrypted inner TL body with the len32 prefix used
// for the hash, computes msg_hash, derives the per-packet key via KDF, pads
// with random bytes to a 16-byte boundary, and AES-256-IGE encrypts.
func sealEnvelope(leadingID [16]byte, fingerprint [8]byte, key []byte, kdfOffset int, crypto xcrypto.Funcs, inner []byte) []byte {
	withLen := NewWriter()
	withLen.WriteUint32(uint32(len(inner)))
	withLen.WriteBytes(inner)

	hash := crypto.SHA1(withLen.Bytes())
	var msgHash [16]byte
	copy(msgHash[:], hash[len(hash)-16:])

	padded := append([]byte(nil), withLen.Bytes()...)
	if rem := len(padded) % 16; rem != 0 {
		padLen := 16 - rem
		pad := make([]byte, padLen)
		crypto.RandBytes(pad)
		padded = append(padded, pad...)
	}

	aesKey, aesIV := crypto.KDF(key, msgHash, kdfOffset)
	ciphertext := crypto.AESIGEEncrypt(padded, aesKey, aesIV)

	out := NewWriter()
	out.WriteBytes(leadingID[:])
	out.WriteBytes(fingerprint[:])
	out.WriteBytes(msgHash[:])
	out.WriteBytes(ciphertext)
	return out.Bytes()
}

// openEnvelope validates tag/fingerprint, decrypts, verifies the hash, and
// returns the unpadded inner TL body (everything after len32).
func openEnvelope(data []byte, expectedLeadingID [16]byte, expectedFingerprint [8]byte, key []byte, kdfOffset int, crypto xcrypto.Funcs) ([]byte, error) {
	if len(data) < 16+8+16+16 {
		return nil, ErrDrop
	}
	r := NewReader(data)
	leadingID, _ := r.ReadBytes(16)
	if [16]byte(leadingID) != expectedLeadingID {
		return nil, ErrDrop
	}
	fp, _ := r.ReadBytes(8)
	if [8]byte(fp) != expectedFingerprint {
		return nil, ErrDrop
	}
	msgHashBytes, _ := r.ReadBytes(16)
	var msgHash [16]byte
	copy(msgHash[:], msgHashBytes)

	ciphertext, err := r.ReadBytes(r.Remaining())
	if err != nil || len(ciphertext)%16 != 0 || len(ciphertext) == 0 {
		return nil, ErrDrop
	}

	aesKey, aesIV := crypto.KDF(key, msgHash, kdfOffset)
	padded := crypto.AESIGEDecrypt(ciphertext, aesKey, aesIV)

	if len(padded) < 4 {
		return nil, ErrDrop
	}
	innerLen := int(uint32(padded[0]) | uint32(padded[1])<<8 | uint32(padded[2])<<16 | uint32(padded[3])<<24)
	if innerLen < 0 || 4+innerLen > len(padded) {
		return nil, ErrDrop
	}
	hashed := padded[:4+innerLen]
	recomputed := crypto.SHA1(hashed)
	if [16]byte(recomputed[len(recomputed)-16:]) != msgHash {
		return nil, ErrDrop
	}
	return padded[4 : 4+innerLen], nil
}
