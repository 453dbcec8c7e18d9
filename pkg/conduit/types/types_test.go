package types

import (
	"reflect"
	"testing"
	"time"

	"github.com/norasector/conduit/pkg/wire"
)

func TestTaggedFrame_roundTrip(t *testing.T) {
	in := TaggedFrame{
		ConnID:   42,
		Socket:   3,
		StreamID: wire.StreamID(7),
		Payload:  []byte("0123456789"),
		Received: time.Unix(0, 1600000000123456789).UTC(),
	}

	encoded, err := in.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}

	var out TaggedFrame
	if err := out.UnmarshalBinary(encoded); err != nil {
		t.Fatalf("UnmarshalBinary() error = %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}
