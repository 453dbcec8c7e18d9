package conduit

import (
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/norasector/conduit/pkg/conduit/replay"
	"github.com/norasector/conduit/pkg/conduit/stats"
	"github.com/norasector/conduit/pkg/util"
	"github.com/norasector/conduit/pkg/wire"
)

// DefaultMaxFrameSize is the sanity cap applied to declared frame lengths
// when the caller does not supply a codec of their own.
const DefaultMaxFrameSize = 1 << 24

const (
	replayReadSize  = 4096
	replayReadDelay = time.Millisecond
)

// Options configures an Engine.
type Options struct {
	// ListenAddr is the TCP address inbound multiplexed connections dial.
	ListenAddr string
	// Codec decodes frame headers; defaults to VarintCodec capped at
	// DefaultMaxFrameSize.
	Codec wire.Codec
	// ScratchSize, LowWater and MaxPending pass straight through to each
	// demultiplexer; zero means the demux defaults.
	ScratchSize int
	LowWater    int
	MaxPending  int
	// Outputs receive every demultiplexed frame.
	Outputs []FrameOutput
	// RecordLocation, when set, captures each socket's raw byte stream to
	// a file in that directory for later replay.
	RecordLocation string
	// PlaybackLocation replays a captured byte stream instead of
	// listening for network connections.
	PlaybackLocation string
}

type EngineOption func(e *Engine) error

func WithInfluxDB(influxClient api.WriteAPI) EngineOption {
	return func(e *Engine) error {
		e.writeAPI = influxClient
		return nil
	}
}

func WithStatsServer(statsServer *stats.Server) EngineOption {
	return func(e *Engine) error {
		e.stats = statsServer
		return nil
	}
}

func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) error {
		e.logger = logger
		return nil
	}
}

// Engine accepts multiplexed connections and owns one Session per
// connection for as long as it lives.
type Engine struct {
	opts     Options
	writeAPI api.WriteAPI
	stats    *stats.Server
	logger   zerolog.Logger

	ln net.Listener

	mu       sync.RWMutex
	sessions map[uint64]*Session
	nextID   uint64

	cancel context.CancelFunc
	ctx    context.Context
}

func NewEngine(options Options, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		opts:     options,
		writeAPI: &util.MockWriteAPI{}, // overwritten with option
		sessions: make(map[uint64]*Session),
		logger:   log.Logger,
	}

	if e.opts.Codec == nil {
		e.opts.Codec = wire.VarintCodec{MaxFrameSize: DefaultMaxFrameSize}
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}

	if e.opts.ListenAddr == "" && e.opts.PlaybackLocation == "" {
		return nil, fmt.Errorf("must specify a listen address or a playback location")
	}

	return e, nil
}

// Listen binds the engine's TCP listener.  Start calls it when needed, but
// callers wanting the bound address before starting may call it first.
func (e *Engine) Listen() error {
	if e.ln != nil || e.opts.ListenAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", e.opts.ListenAddr)
	if err != nil {
		return err
	}
	e.ln = ln
	return nil
}

// Addr returns the bound listen address, or nil before Listen.
func (e *Engine) Addr() net.Addr {
	if e.ln == nil {
		return nil
	}
	return e.ln.Addr()
}

func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.ln != nil {
		e.ln.Close()
	}
	if e.stats != nil {
		e.stats.Stop(context.TODO())
	}
	e.mu.RLock()
	for _, sess := range e.sessions {
		sess.Close()
	}
	e.mu.RUnlock()
	return nil
}

func (e *Engine) Start(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	e.ctx, e.cancel = context.WithCancel(ctx)

	if e.stats != nil {
		eg.Go(func() error {
			return e.stats.Run(e.ctx)
		})
	}

	for _, output := range e.opts.Outputs {
		thisOutput := output
		eg.Go(func() error {
			return thisOutput.Start(e.ctx)
		})
	}

	if e.opts.PlaybackLocation != "" {
		eg.Go(e.replayCapture)
	} else {
		if err := e.Listen(); err != nil {
			return err
		}
		log.Info().Str("listen_addr", e.ln.Addr().String()).Msg("Starting")
		eg.Go(func() error {
			return e.acceptLoop(eg)
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}
	return nil
}

func (e *Engine) acceptLoop(eg *errgroup.Group) error {
	for {
		conn, err := e.ln.Accept()
		if err != nil {
			select {
			case <-e.ctx.Done():
				return e.ctx.Err()
			default:
				return err
			}
		}

		sess, err := e.openSession(conn)
		if err != nil {
			e.logger.Error().Err(err).Msg("failed to open session")
			conn.Close()
			continue
		}

		eg.Go(func() error {
			defer e.closeSession(sess)
			return sess.Run(e.ctx)
		})
	}
}

// replayCapture feeds a recorded byte stream through a session as if it had
// arrived off a socket.
func (e *Engine) replayCapture() error {
	src, err := replay.NewFileSource(e.opts.PlaybackLocation, replayReadSize, replayReadDelay)
	if err != nil {
		return err
	}

	sess, err := e.openSession(src)
	if err != nil {
		src.Close()
		return err
	}
	defer e.closeSession(sess)
	return sess.Run(e.ctx)
}

func (e *Engine) openSession(src io.ReadCloser) (*Session, error) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.mu.Unlock()

	sess := NewSession(id, e.opts.Codec, SessionOptions{
		ScratchSize: e.opts.ScratchSize,
		LowWater:    e.opts.LowWater,
		MaxPending:  e.opts.MaxPending,
		Outputs:     e.opts.Outputs,
		WriteAPI:    e.writeAPI,
		Logger:      e.logger,
	})

	if e.opts.RecordLocation != "" {
		path := filepath.Join(e.opts.RecordLocation, fmt.Sprintf("conn-%d-sock-0.bin", id))
		rec, err := newRecordingReader(src, path)
		if err != nil {
			return nil, err
		}
		src = rec
	}
	sess.AddSocket(src)

	e.mu.Lock()
	e.sessions[id] = sess
	e.mu.Unlock()

	if e.stats != nil {
		e.stats.Register("sessions", sess)
	}

	e.logger.Info().Uint64("session", id).Msg("session opened")
	go e.writeAPI.WritePoint(influxdb2.NewPoint("session.opened",
		map[string]string{"session": fmt.Sprintf("%d", id)},
		map[string]interface{}{"count": 1}, time.Now()))

	return sess, nil
}

func (e *Engine) closeSession(sess *Session) {
	sess.Close()
	e.mu.Lock()
	delete(e.sessions, sess.id)
	e.mu.Unlock()
	if e.stats != nil {
		e.stats.Deregister("sessions", sess.Name())
	}
	e.logger.Info().Uint64("session", sess.id).Msg("session closed")
}
