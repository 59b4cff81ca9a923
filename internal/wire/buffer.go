package wire

import (
	"encoding/binary"
	"fmt"
)

// Writer accumulates bytes in wire order (little-endian, as the legacy and
// extended framings both use). Generalized from the teacher's BitStream
// write helpers to also support the TL variable-length prefix.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 256)}
}

func (w *Writer) Bytes() []byte { return w.buf }
func (w *Writer) Len() int      { return len(w.buf) }

func (w *Writer) WriteByte(b byte) { w.buf = append(w.buf, b) }

func (w *Writer) WriteBytes(b []byte) { w.buf = append(w.buf, b...) }

func (w *Writer) WriteUint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) WriteUint64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) WriteUint16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// WriteTLBytes writes the TL length-prefix form used throughout the body:
// values <= 253 emit a single length byte, otherwise 254 followed by a
// 3-byte little-endian length.
func (w *Writer) WriteTLBytes(data []byte) {
	WriteTLLength(w, len(data))
	w.buf = append(w.buf, data...)
}

// WriteTLLength writes just the length prefix (used when the payload that
// follows isn't a single contiguous []byte, e.g. the inner TL envelope).
func WriteTLLength(w *Writer, n int) {
	if n <= 253 {
		w.WriteByte(byte(n))
		return
	}
	w.WriteByte(254)
	w.buf = append(w.buf, byte(n), byte(n>>8), byte(n>>16))
}

// PadTo16 appends zero bytes until the buffer length is a multiple of 16.
func (w *Writer) PadTo16() {
	if rem := len(w.buf) % 16; rem != 0 {
		w.buf = append(w.buf, make([]byte, 16-rem)...)
	}
}

// Reader walks a byte slice left to right, erroring on overrun rather than
// panicking — every caller treats a short/malformed packet as silently
// droppable, never fatal.
type Reader struct {
	data   []byte
	offset int
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) Remaining() int { return len(r.data) - r.offset }

func (r *Reader) ReadByte() (byte, error) {
	if r.offset >= len(r.data) {
		return 0, fmt.Errorf("wire: buffer underrun reading byte")
	}
	b := r.data[r.offset]
	r.offset++
	return b, nil
}

func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 || r.offset+n > len(r.data) {
		return nil, fmt.Errorf("wire: buffer underrun reading %d bytes", n)
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b, nil
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadTLBytes reads a TL length-prefixed byte string.
func (r *Reader) ReadTLBytes() ([]byte, error) {
	n, err := ReadTLLength(r)
	if err != nil {
		return nil, err
	}
	return r.ReadBytes(n)
}

// ReadTLLength reads just the length prefix.
func ReadTLLength(r *Reader) (int, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if b < 254 {
		return int(b), nil
	}
	rest, err := r.ReadBytes(3)
	if err != nil {
		return 0, err
	}
	return int(rest[0]) | int(rest[1])<<8 | int(rest[2])<<16, nil
}
