package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// BodyWriter assembles a frame body in memory. Strings are UTF-16LE
// with a UTF-16 code-unit count length prefix, as specified by §4.A / §6 ("the
// reference encoding is UTF-16 little-endian").
type BodyWriter struct {
	buf bytes.Buffer
}

func NewBodyWriter() *BodyWriter { return &BodyWriter{} }

func (w *BodyWriter) Bytes() []byte { return w.buf.Bytes() }

func (w *BodyWriter) WriteInt32(v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	w.buf.Write(b[:])
}

func (w *BodyWriter) WriteUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *BodyWriter) WriteByte(b byte) error {
	return w.buf.WriteByte(b)
}

// WriteString writes s as a length-prefixed (UTF-16 code-unit count)
// UTF-16LE string.
func (w *BodyWriter) WriteString(s string) {
	units := utf16.Encode([]rune(s))
	w.WriteUint32(uint32(len(units)))
	b := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[i*2:], u)
	}
	w.buf.Write(b)
}

// WriteBytes writes a length-prefixed opaque byte blob (used for the
// inline codec payload and for exception payloads).
func (w *BodyWriter) WriteBytes(p []byte) {
	w.WriteUint32(uint32(len(p)))
	w.buf.Write(p)
}

// WriteRefTag writes a reference-type tag byte (§4.A).
func (w *BodyWriter) WriteRefTag(t RefTag) {
	w.buf.WriteByte(byte(t))
}

// BodyReader reads values out of a decoded frame body in the same
// order BodyWriter wrote them.
type BodyReader struct {
	buf *bytes.Reader
}

func NewBodyReader(body []byte) *BodyReader {
	return &BodyReader{buf: bytes.NewReader(body)}
}

func (r *BodyReader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *BodyReader) ReadUint32() (uint32, error) {
	var b [4]byte
	if _, err := fullRead(r.buf, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (r *BodyReader) ReadByte() (byte, error) {
	return r.buf.ReadByte()
}

func (r *BodyReader) ReadRefTag() (RefTag, error) {
	b, err := r.buf.ReadByte()
	return RefTag(b), err
}

func (r *BodyReader) ReadString() (string, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return "", err
	}
	if n > (1 << 24) {
		return "", fmt.Errorf("wire: string length %d exceeds limit", n)
	}
	b := make([]byte, int(n)*2)
	if _, err := fullRead(r.buf, b); err != nil {
		return "", err
	}
	units := make([]uint16, n)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(units)), nil
}

func (r *BodyReader) ReadBytes() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if n > maxFrameBody {
		return nil, fmt.Errorf("wire: blob length %d exceeds limit", n)
	}
	b := make([]byte, n)
	if _, err := fullRead(r.buf, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Len reports remaining unread bytes.
func (r *BodyReader) Len() int { return r.buf.Len() }

func fullRead(r *bytes.Reader, b []byte) (int, error) {
	n := 0
	for n < len(b) {
		m, err := r.Read(b[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
