package conduit

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/norasector/conduit/pkg/wire"
)

func startEngine(t *testing.T, opts Options) (*Engine, context.CancelFunc) {
	t.Helper()
	e, err := NewEngine(opts, WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := e.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go e.Start(ctx)
	return e, func() {
		cancel()
		e.Stop()
	}
}

func TestEngine_acceptAndDemux(t *testing.T) {
	codec := wire.CompactCodec{}
	out := newTestOutput(16)
	e, stop := startEngine(t, Options{
		ListenAddr: "127.0.0.1:0",
		Codec:      codec,
		Outputs:    []FrameOutput{out},
	})
	defer stop()

	conn, err := net.Dial("tcp", e.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var stream []byte
	stream = wire.AppendFrame(codec, stream, wire.Frame{StreamID: 3, Payload: []byte("alpha")})
	stream = wire.AppendFrame(codec, stream, wire.Frame{StreamID: 9, Payload: []byte("beta")})
	if _, err := conn.Write(stream); err != nil {
		t.Fatalf("write: %v", err)
	}

	first := out.next(t)
	if first.StreamID != 3 || !bytes.Equal(first.Payload, []byte("alpha")) {
		t.Errorf("first frame = stream %d payload %q", first.StreamID, first.Payload)
	}
	if first.ConnID == 0 {
		t.Error("frame not tagged with a connection id")
	}
	second := out.next(t)
	if second.StreamID != 9 || !bytes.Equal(second.Payload, []byte("beta")) {
		t.Errorf("second frame = stream %d payload %q", second.StreamID, second.Payload)
	}
}

func TestEngine_sessionClosesOnDisconnect(t *testing.T) {
	codec := wire.CompactCodec{}
	e, stop := startEngine(t, Options{
		ListenAddr: "127.0.0.1:0",
		Codec:      codec,
	})
	defer stop()

	conn, err := net.Dial("tcp", e.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write(wire.AppendFrame(codec, nil, wire.Frame{StreamID: 1, Payload: []byte("x")})); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for sessionCount(e) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("session never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn.Close()
	for sessionCount(e) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not torn down after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func sessionCount(e *Engine) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sessions)
}

func TestEngine_recordAndReplay(t *testing.T) {
	codec := wire.CompactCodec{}
	dir := t.TempDir()

	out := newTestOutput(16)
	e, stop := startEngine(t, Options{
		ListenAddr:     "127.0.0.1:0",
		Codec:          codec,
		Outputs:        []FrameOutput{out},
		RecordLocation: dir,
	})

	conn, err := net.Dial("tcp", e.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	stream := wire.AppendFrame(codec, nil, wire.Frame{StreamID: 4, Payload: []byte("captured")})
	if _, err := conn.Write(stream); err != nil {
		t.Fatalf("write: %v", err)
	}
	out.next(t)
	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for sessionCount(e) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not torn down after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	stop()

	capture := filepath.Join(dir, "conn-1-sock-0.bin")
	got, err := os.ReadFile(capture)
	if err != nil {
		t.Fatalf("reading capture: %v", err)
	}
	if !bytes.Equal(got, stream) {
		t.Errorf("capture = %x, want %x", got, stream)
	}

	// Replay the capture through a fresh engine and expect the same frame.
	replayOut := newTestOutput(16)
	re, err := NewEngine(Options{
		Codec:            codec,
		Outputs:          []FrameOutput{replayOut},
		PlaybackLocation: capture,
	}, WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go re.Start(ctx)

	tf := replayOut.next(t)
	if tf.StreamID != 4 || !bytes.Equal(tf.Payload, []byte("captured")) {
		t.Errorf("replayed frame = stream %d payload %q", tf.StreamID, tf.Payload)
	}
}

func TestEngine_requiresSource(t *testing.T) {
	if _, err := NewEngine(Options{}); err == nil {
		t.Fatal("expected error for engine with no listen address or playback file")
	}
}
