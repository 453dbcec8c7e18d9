package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"
)

// StreamID identifies one logical channel multiplexed over a physical
// connection.  The zero value is reserved for the connection's own control
// channel.
type StreamID uint32

const ControlStream StreamID = 0

// Header precedes every frame on the wire.  Length counts payload bytes
// only; the header's own width is whatever the codec produced.
type Header struct {
	Length   uint32
	StreamID StreamID
}

var (
	// ErrShortHeader means the buffer does not yet hold a complete header.
	// It signals "need more bytes", never a malformed stream.
	ErrShortHeader = errors.New("wire: short header")

	// ErrFrameTooLarge means a header decoded to a length above the codec's
	// sanity maximum.
	ErrFrameTooLarge = errors.New("wire: declared frame length exceeds maximum")

	// ErrMalformedHeader means the header bytes cannot decode at any length.
	ErrMalformedHeader = errors.New("wire: malformed header")
)

// Codec encodes and decodes frame headers.  Implementations must be
// stateless: ParseHeader may be called speculatively on the same bytes any
// number of times and must never read past len(buf).
type Codec interface {
	// ParseHeader decodes a header from the front of buf and returns it
	// along with the number of bytes it occupied.  It returns ErrShortHeader
	// while buf is too short to decide and ErrFrameTooLarge when the decoded
	// length fails the sanity maximum.
	ParseHeader(buf []byte) (Header, int, error)

	// AppendHeader appends the encoded header to dst and returns the
	// extended slice.
	AppendHeader(dst []byte, h Header) []byte

	// MaxHeaderLen returns the widest encoding this codec produces, so a
	// caller holding at least that many bytes never sees ErrShortHeader.
	MaxHeaderLen() int
}

// VarintCodec is the default header encoding: a uvarint payload length
// followed by a uvarint stream ID.
//
// +---------------+------------------+----------+
// | LEN (uvarint) | STREAM (uvarint) |   DATA   |
// +---------------+------------------+----------+
// |      1-5      |       1-5        | Var(LEN) |
// +---------------+------------------+----------+
type VarintCodec struct {
	// MaxFrameSize caps the declared payload length.  Zero means no cap
	// beyond the uint32 field width.
	MaxFrameSize uint32
}

func (c VarintCodec) ParseHeader(buf []byte) (Header, int, error) {
	length, n, err := readUvarint32(buf)
	if err != nil {
		return Header{}, 0, err
	}
	id, m, err := readUvarint32(buf[n:])
	if err != nil {
		return Header{}, 0, err
	}
	if c.MaxFrameSize > 0 && length > c.MaxFrameSize {
		return Header{}, 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, c.MaxFrameSize)
	}
	return Header{Length: length, StreamID: StreamID(id)}, n + m, nil
}

func (c VarintCodec) AppendHeader(dst []byte, h Header) []byte {
	dst = append(dst, varint.ToUvarint(uint64(h.Length))...)
	return append(dst, varint.ToUvarint(uint64(h.StreamID))...)
}

func (c VarintCodec) MaxHeaderLen() int {
	return 2 * varint.UvarintSize(1<<32-1)
}

func readUvarint32(buf []byte) (uint32, int, error) {
	v, n, err := varint.FromUvarint(buf)
	switch {
	case err == varint.ErrUnderflow:
		return 0, 0, ErrShortHeader
	case err != nil:
		return 0, 0, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	case v > 1<<32-1:
		return 0, 0, fmt.Errorf("%w: value %d overflows uint32", ErrMalformedHeader, v)
	}
	return uint32(v), n, nil
}

// CompactCodec is the fixed three-byte header used on low-rate links and by
// the UDP relay: a little-endian uint16 payload length then one stream byte.
//
// +--------------+--------+----------+
// | LEN (LE u16) | STREAM |   DATA   |
// +--------------+--------+----------+
// |      2       |   1    | Var(LEN) |
// +--------------+--------+----------+
type CompactCodec struct {
	// MaxFrameSize caps the declared payload length.  Zero means the full
	// uint16 range is accepted.
	MaxFrameSize uint32
}

const compactHeaderLen = 3

func (c CompactCodec) ParseHeader(buf []byte) (Header, int, error) {
	if len(buf) < compactHeaderLen {
		return Header{}, 0, ErrShortHeader
	}
	length := uint32(binary.LittleEndian.Uint16(buf))
	if c.MaxFrameSize > 0 && length > c.MaxFrameSize {
		return Header{}, 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, c.MaxFrameSize)
	}
	return Header{Length: length, StreamID: StreamID(buf[2])}, compactHeaderLen, nil
}

func (c CompactCodec) AppendHeader(dst []byte, h Header) []byte {
	if h.Length > 1<<16-1 {
		panic(fmt.Errorf("wire: payload length %d does not fit compact header", h.Length))
	}
	if h.StreamID > 1<<8-1 {
		panic(fmt.Errorf("wire: stream id %d does not fit compact header", h.StreamID))
	}
	var hdr [compactHeaderLen]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(h.Length))
	hdr[2] = byte(h.StreamID)
	return append(dst, hdr[:]...)
}

func (c CompactCodec) MaxHeaderLen() int {
	return compactHeaderLen
}
