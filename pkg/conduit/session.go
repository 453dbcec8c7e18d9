package conduit

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/multiformats/go-varint"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/norasector/conduit/pkg/conduit/types"
	"github.com/norasector/conduit/pkg/demux"
	"github.com/norasector/conduit/pkg/util"
	"github.com/norasector/conduit/pkg/wire"
)

// Control channel opcodes.  A control frame is one opcode byte followed by
// a uvarint stream ID.
const (
	controlOpOpen  byte = 0x01
	controlOpClose byte = 0x02
)

const frameSizeWindow = 1024

// FrameHandlerFunc consumes frames for one logical stream.  Called from the
// socket read loop, so it must not block.
type FrameHandlerFunc func(*types.TaggedFrame)

type streamState struct {
	opened time.Time
	frames uint64
	bytes  uint64
}

// Session is the receive side of one multiplexed connection.  It owns one
// demultiplexer per physical socket, keyed by socket index, and routes
// demultiplexed frames to per-stream handlers and to the shared outputs.
type Session struct {
	id          uint64
	codec       wire.Codec
	scratchSize int
	lowWater    int
	maxPending  int

	outputs  []FrameOutput
	writeAPI api.WriteAPI
	logger   zerolog.Logger
	onFatal  func(sess *Session, err error)

	closed uint32

	mu       sync.RWMutex
	sockets  map[int]*socket
	handlers map[wire.StreamID]FrameHandlerFunc
	streams  map[wire.StreamID]*streamState

	frames         uint64
	bytes          uint64
	skippedOutputs uint64

	sizeMu    sync.Mutex
	sizes     [frameSizeWindow]float64
	sizeIdx   int
	sizeCount int
}

// NewSession builds an empty session; attach sockets with AddSocket before
// calling Run.
func NewSession(id uint64, codec wire.Codec, opts SessionOptions) *Session {
	s := &Session{
		id:          id,
		codec:       codec,
		scratchSize: opts.ScratchSize,
		lowWater:    opts.LowWater,
		maxPending:  opts.MaxPending,
		outputs:     opts.Outputs,
		writeAPI:    opts.WriteAPI,
		logger:      opts.Logger,
		onFatal:     opts.OnFatal,
		sockets:     make(map[int]*socket),
		handlers:    make(map[wire.StreamID]FrameHandlerFunc),
		streams:     make(map[wire.StreamID]*streamState),
	}
	return s
}

// SessionOptions carries the per-session knobs the engine resolved from its
// own configuration.
type SessionOptions struct {
	ScratchSize int
	LowWater    int
	MaxPending  int
	Outputs     []FrameOutput
	WriteAPI    api.WriteAPI
	Logger      zerolog.Logger
	// OnFatal fires at most once, when a demultiplexer reports a terminal
	// error on a live session.
	OnFatal func(sess *Session, err error)
}

// AddSocket attaches one physical socket's receive path.  The demultiplexer
// arms its first read immediately; bytes start flowing when Run begins
// servicing the socket.
func (s *Session) AddSocket(src io.ReadCloser) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := len(s.sockets)
	s.sockets[index] = newSocket(s, index, src)
	return index
}

// HandleStream registers a handler for one logical stream.  Frames for
// unhandled streams still count and still reach the outputs.
func (s *Session) HandleStream(id wire.StreamID, fn FrameHandlerFunc) {
	s.mu.Lock()
	s.handlers[id] = fn
	s.mu.Unlock()
}

// Run services every attached socket until the session closes or the
// context ends.
func (s *Session) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	// A socket goroutine blocked in a read cannot watch the context, so
	// closing the session is what unblocks it.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-done:
		}
	}()

	s.mu.RLock()
	for _, sock := range s.sockets {
		thisSock := sock
		eg.Go(func() error {
			return thisSock.run(ctx)
		})
	}
	s.mu.RUnlock()

	err := eg.Wait()
	close(done)
	s.Close()
	if err == context.Canceled {
		return nil
	}
	return err
}

// Close marks the session dead.  In-flight reads discover this through the
// liveness check and go quiet without callbacks.
func (s *Session) Close() error {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return nil
	}
	s.logger.Debug().Uint64("session", s.id).Msg("closing session")
	s.mu.RLock()
	for _, sock := range s.sockets {
		sock.src.Close()
	}
	s.mu.RUnlock()
	return nil
}

func (s *Session) isClosed() bool {
	return atomic.LoadUint32(&s.closed) == 1
}

// OnFrame implements demux.Dispatcher.
func (s *Session) OnFrame(socketIndex int, id wire.StreamID, payload []byte) {
	now := time.Now().UTC()
	atomic.AddUint64(&s.frames, 1)
	atomic.AddUint64(&s.bytes, uint64(len(payload)))
	s.observeSize(len(payload))

	if id == wire.ControlStream {
		s.handleControl(socketIndex, payload)
		return
	}

	s.mu.Lock()
	st, ok := s.streams[id]
	if !ok {
		st = &streamState{opened: now}
		s.streams[id] = st
	}
	st.frames++
	st.bytes += uint64(len(payload))
	handler := s.handlers[id]
	s.mu.Unlock()

	tf := &types.TaggedFrame{
		ConnID:   s.id,
		Socket:   socketIndex,
		StreamID: id,
		Payload:  payload,
		Received: now,
	}

	skipped := 0
	dispatchMicros := util.TimeOperationMicroseconds(func() {
		if handler != nil {
			handler(tf)
		}
		for _, output := range s.outputs {
			select {
			case output.Receive() <- tf:
				// We will not wait on blocked channels.
			default:
				skipped++
			}
		}
	})
	if skipped > 0 {
		atomic.AddUint64(&s.skippedOutputs, uint64(skipped))
	}

	go s.writeAPI.WritePoint(influxdb2.NewPoint("frame.dispatched",
		map[string]string{
			"session": fmt.Sprintf("%d", s.id),
			"socket":  fmt.Sprintf("%d", socketIndex),
			"stream":  fmt.Sprintf("%d", id),
		},
		map[string]interface{}{
			"bytes":           len(payload),
			"skipped_outputs": skipped,
			"dispatch_micros": dispatchMicros,
		}, now))
}

// OnError implements demux.Dispatcher.  The first terminal error on a live
// session shuts the whole session down; anything after Close is the
// expected noise of sockets being torn out from under their reads.
func (s *Session) OnError(socketIndex int, err error) {
	if s.isClosed() {
		s.logger.Debug().Uint64("session", s.id).Int("socket", socketIndex).Err(err).Msg("read failed during close")
		return
	}

	s.logger.Warn().
		Uint64("session", s.id).
		Int("socket", socketIndex).
		Str("kind", demux.Kind(err).String()).
		Err(err).
		Msg("session terminating")

	go s.writeAPI.WritePoint(influxdb2.NewPoint("session.error",
		map[string]string{
			"session": fmt.Sprintf("%d", s.id),
			"socket":  fmt.Sprintf("%d", socketIndex),
			"kind":    demux.Kind(err).String(),
		},
		map[string]interface{}{"count": 1}, time.Now()))

	s.Close()
	if s.onFatal != nil {
		s.onFatal(s, err)
	}
}

// handleControl interprets frames on the reserved stream: the remote peer
// announcing logical streams opening and closing.
func (s *Session) handleControl(socketIndex int, payload []byte) {
	if len(payload) < 2 {
		s.logger.Warn().Uint64("session", s.id).Int("socket", socketIndex).Msg("short control frame")
		return
	}
	op := payload[0]
	id64, _, err := varint.FromUvarint(payload[1:])
	if err != nil {
		s.logger.Warn().Uint64("session", s.id).Err(err).Msg("bad stream id in control frame")
		return
	}
	id := wire.StreamID(id64)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch op {
	case controlOpOpen:
		if _, ok := s.streams[id]; !ok {
			s.streams[id] = &streamState{opened: time.Now().UTC()}
		}
		s.logger.Debug().Uint64("session", s.id).Uint32("stream", uint32(id)).Msg("stream opened")
	case controlOpClose:
		delete(s.streams, id)
		delete(s.handlers, id)
		s.logger.Debug().Uint64("session", s.id).Uint32("stream", uint32(id)).Msg("stream closed")
	default:
		s.logger.Warn().Uint64("session", s.id).Int("op", int(op)).Msg("unknown control opcode")
	}
}

// AppendControlFrame encodes a control message the way handleControl
// expects it; the send path and tests share it.
func AppendControlFrame(c wire.Codec, dst []byte, op byte, id wire.StreamID) []byte {
	payload := append([]byte{op}, varint.ToUvarint(uint64(id))...)
	return wire.AppendFrame(c, dst, wire.Frame{StreamID: wire.ControlStream, Payload: payload})
}

func (s *Session) observeSize(n int) {
	s.sizeMu.Lock()
	s.sizes[s.sizeIdx] = float64(n)
	s.sizeIdx = (s.sizeIdx + 1) % frameSizeWindow
	if s.sizeCount < frameSizeWindow {
		s.sizeCount++
	}
	s.sizeMu.Unlock()
}

// Name implements stats.Source.
func (s *Session) Name() string {
	return fmt.Sprintf("session-%d", s.id)
}

// Snapshot implements stats.Source.
func (s *Session) Snapshot() map[string]interface{} {
	snap := map[string]interface{}{
		"frames":          atomic.LoadUint64(&s.frames),
		"bytes":           atomic.LoadUint64(&s.bytes),
		"skipped_outputs": atomic.LoadUint64(&s.skippedOutputs),
	}

	s.mu.RLock()
	snap["streams"] = len(s.streams)
	var ds demux.Stats
	for _, sock := range s.sockets {
		st := sock.d.Stats()
		ds.ModeSwitches += st.ModeSwitches
		ds.Compactions += st.Compactions
	}
	snap["sockets"] = len(s.sockets)
	s.mu.RUnlock()
	snap["mode_switches"] = ds.ModeSwitches
	snap["compactions"] = ds.Compactions

	s.sizeMu.Lock()
	if s.sizeCount > 0 {
		sizes := make([]float64, s.sizeCount)
		copy(sizes, s.sizes[:s.sizeCount])
		sort.Float64s(sizes)
		snap["frame_bytes_p50"] = stat.Quantile(0.5, stat.Empirical, sizes, nil)
		snap["frame_bytes_p90"] = stat.Quantile(0.9, stat.Empirical, sizes, nil)
		snap["frame_bytes_p99"] = stat.Quantile(0.99, stat.Empirical, sizes, nil)
	}
	s.sizeMu.Unlock()

	return snap
}
