package types

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/norasector/conduit/pkg/wire"
)

// TaggedFrame is a demultiplexed frame annotated with its origin: which
// session and physical socket it arrived on, and when.
type TaggedFrame struct {
	ConnID   uint64
	Socket   int
	StreamID wire.StreamID
	Payload  []byte
	Received time.Time
}

// Protobuf field numbers for the relay encoding.  Keep in sync with
// MarshalBinary and UnmarshalBinary.
const (
	fieldConnID   = 1
	fieldSocket   = 2
	fieldStreamID = 3
	fieldPayload  = 4
	fieldReceived = 5
)

// MarshalBinary encodes the frame as a protobuf message for the UDP relay.
func (f *TaggedFrame) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, len(f.Payload)+32)
	b = protowire.AppendTag(b, fieldConnID, protowire.VarintType)
	b = protowire.AppendVarint(b, f.ConnID)
	b = protowire.AppendTag(b, fieldSocket, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Socket))
	b = protowire.AppendTag(b, fieldStreamID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.StreamID))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, f.Payload)
	b = protowire.AppendTag(b, fieldReceived, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Received.UnixNano()))
	return b, nil
}

// UnmarshalBinary decodes a relay message produced by MarshalBinary.
// Unknown fields are skipped so the format can grow.
func (f *TaggedFrame) UnmarshalBinary(data []byte) error {
	*f = TaggedFrame{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("types: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldConnID && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			f.ConnID = v
			data = data[m:]
		case num == fieldSocket && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			f.Socket = int(v)
			data = data[m:]
		case num == fieldStreamID && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			f.StreamID = wire.StreamID(v)
			data = data[m:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			f.Payload = append([]byte(nil), v...)
			data = data[m:]
		case num == fieldReceived && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			f.Received = time.Unix(0, int64(v)).UTC()
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			data = data[m:]
		}
	}
	return nil
}
