package output

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/norasector/conduit/pkg/conduit/config"
	"github.com/norasector/conduit/pkg/conduit/types"
	"github.com/norasector/conduit/pkg/util"
)

func TestTaggedFrameUDPOutput(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	port := listener.LocalAddr().(*net.UDPAddr).Port

	out := NewTaggedFrameUDPOutput([]config.OutputDestination{
		{Host: "127.0.0.1", Port: port},
	}, &util.MockWriteAPI{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go out.Start(ctx)

	sent := &types.TaggedFrame{
		ConnID:   7,
		Socket:   0,
		StreamID: 12,
		Payload:  []byte("datagram payload"),
		Received: time.Unix(0, 1234567890).UTC(),
	}
	out.Receive() <- sent

	listener.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 65536)
	n, _, err := listener.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n < 2 {
		t.Fatalf("datagram too short: %d bytes", n)
	}

	length := binary.LittleEndian.Uint16(buf[:2])
	if int(length) != n-2 {
		t.Fatalf("length prefix = %d, datagram body = %d", length, n-2)
	}

	var got types.TaggedFrame
	if err := got.UnmarshalBinary(buf[2:n]); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(&got, sent) {
		t.Errorf("got %+v, want %+v", &got, sent)
	}
	if !bytes.Equal(got.Payload, sent.Payload) {
		t.Errorf("payload = %q, want %q", got.Payload, sent.Payload)
	}
}
