package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// PacketReader decodes fixed-layout fields from a received message.
// Every read fails with ErrTruncated once the buffer runs out.
type PacketReader struct {
	r *bytes.Reader
}

// NewPacketReader wraps data for sequential decoding.
func NewPacketReader(data []byte) *PacketReader {
	return &PacketReader{r: bytes.NewReader(data)}
}

// Remaining returns the number of unread bytes.
func (p *PacketReader) Remaining() int {
	return p.r.Len()
}

func (p *PacketReader) read(order binary.ByteOrder, v any, field string) error {
	if err := binary.Read(p.r, order, v); err != nil {
		return fmt.Errorf("read %s: %w", field, ErrTruncated)
	}
	return nil
}

// ReadByte reads a single byte.
func (p *PacketReader) ReadByte(field string) (byte, error) {
	b, err := p.r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", field, ErrTruncated)
	}
	return b, nil
}

// ReadUint16 reads a little-endian uint16.
func (p *PacketReader) ReadUint16(field string) (uint16, error) {
	var v uint16
	err := p.read(binary.LittleEndian, &v, field)
	return v, err
}

// ReadUint16BE reads a network-order uint16.
func (p *PacketReader) ReadUint16BE(field string) (uint16, error) {
	var v uint16
	err := p.read(binary.BigEndian, &v, field)
	return v, err
}

// ReadInt16 reads a little-endian int16.
func (p *PacketReader) ReadInt16(field string) (int16, error) {
	var v int16
	err := p.read(binary.LittleEndian, &v, field)
	return v, err
}

// ReadUint32 reads a little-endian uint32.
func (p *PacketReader) ReadUint32(field string) (uint32, error) {
	var v uint32
	err := p.read(binary.LittleEndian, &v, field)
	return v, err
}

// ReadFloat32 reads a little-endian float32.
func (p *PacketReader) ReadFloat32(field string) (float32, error) {
	var v float32
	err := p.read(binary.LittleEndian, &v, field)
	return v, err
}

// ReadVec3 reads three little-endian float32 values.
func (p *PacketReader) ReadVec3(field string) (Vec3, error) {
	var v Vec3
	err := p.read(binary.LittleEndian, &v, field)
	return v, err
}

// ReadFixedString reads a NUL-padded field of size bytes.
func (p *PacketReader) ReadFixedString(size int, field string) (string, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return "", fmt.Errorf("read %s: %w", field, ErrTruncated)
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), nil
}

// ReadBytes reads exactly n raw bytes.
func (p *PacketReader) ReadBytes(n int, field string) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return nil, fmt.Errorf("read %s: %w", field, ErrTruncated)
	}
	return buf, nil
}
