package demux

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/norasector/conduit/pkg/wire"
)

const (
	// DefaultScratchSize is the capacity of the shared scratch buffer, sized
	// to a typical Ethernet payload so one read fills it at most once.
	DefaultScratchSize = 1440

	// DefaultLowWater is the threshold at which the remainder of a partial
	// frame is read into its own dedicated buffer instead of churning
	// through the scratch buffer.
	DefaultLowWater = 256
)

// mode tags which buffer the outstanding read targets.  Exactly one read is
// armed at a time, so exactly one mode is active at a time.
type mode int

const (
	modeScratch mode = iota
	modeDedicated
)

// Demultiplexer turns the unstructured byte stream of one physical socket
// into discrete frames and hands them to a Dispatcher in byte order.
//
// Small frames accumulate in a fixed scratch buffer and cost no
// allocation beyond their payload copy.  When the trailing partial frame
// still needs LowWater or more bytes, a buffer of exactly the declared
// length is allocated and the remainder of the frame is read straight into
// final position.
//
// All methods must be called from the socket's read loop; the single
// outstanding read invariant makes the instance single-threaded.
type Demultiplexer struct {
	codec  wire.Codec
	disp   Dispatcher
	handle Handle
	socket int

	scratch  []byte
	filled   int
	consumed int

	pending   []byte
	received  int
	pendingID wire.StreamID

	st       mode
	done     bool
	lowWater int
	// maxPending caps a single dedicated allocation.  Zero means uncapped.
	maxPending int

	frames       uint64
	bytes        uint64
	modeSwitches uint64
	compactions  uint64

	logger zerolog.Logger
}

// Options configures a Demultiplexer.  Zero values fall back to the
// defaults above.
type Options struct {
	// Socket is the physical socket index passed through to the Dispatcher.
	Socket int
	// ScratchSize is the scratch buffer capacity.
	ScratchSize int
	// LowWater is the dedicated-buffer threshold.  A trailing partial frame
	// whose remaining byte count is at or above it switches modes.
	LowWater int
	// MaxPending caps the size of a dedicated buffer.  A frame that would
	// exceed it terminates the instance with a resource error.
	MaxPending int
}

type Option func(d *Demultiplexer)

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Demultiplexer) {
		d.logger = logger
	}
}

// New builds a demultiplexer and arms the first read against the full
// scratch buffer.  The caller's Handle will see exactly one ArmRead before
// New returns.
func New(codec wire.Codec, handle Handle, disp Dispatcher, options Options, opts ...Option) *Demultiplexer {
	if options.ScratchSize <= 0 {
		options.ScratchSize = DefaultScratchSize
	}
	if options.LowWater <= 0 {
		options.LowWater = DefaultLowWater
	}
	if options.ScratchSize < codec.MaxHeaderLen() {
		panic(fmt.Errorf("demux: scratch size %d cannot hold a %d byte header", options.ScratchSize, codec.MaxHeaderLen()))
	}

	d := &Demultiplexer{
		codec:      codec,
		disp:       disp,
		handle:     handle,
		socket:     options.Socket,
		scratch:    make([]byte, options.ScratchSize),
		lowWater:   options.LowWater,
		maxPending: options.MaxPending,
		logger:     log.Logger,
	}

	for _, opt := range opts {
		opt(d)
	}

	d.handle.ArmRead(d.scratch)
	return d
}

// OnReadable consumes one read completion.  n is the byte count written to
// the front of the most recently armed region; err, when set, discards all
// buffered state and terminates the instance.  The return value reports
// whether the instance is still live; once false, no further completions
// are expected and none of the Dispatcher callbacks will fire again.
func (d *Demultiplexer) OnReadable(err error, n int) bool {
	if d.done {
		return false
	}

	if err != nil {
		d.fail(KindTransport, err)
		return false
	}

	if !d.handle.TryLock() {
		// The parent connection went away while the read was in flight.
		// Expected shutdown path: no frame, no error, just release.
		d.logger.Debug().Int("socket", d.socket).Msg("connection gone, releasing demultiplexer")
		d.release()
		return false
	}

	switch d.st {
	case modeScratch:
		d.filled += n
		d.extractFrames()
	case modeDedicated:
		d.received += n
		if d.received < len(d.pending) {
			d.handle.ArmRead(d.pending[d.received:])
			break
		}
		payload := d.pending
		d.pending = nil
		d.received = 0
		d.st = modeScratch
		d.dispatch(d.pendingID, payload)
		d.handle.ArmRead(d.scratch)
	}

	return !d.done
}

// Socket returns the physical socket index this instance reads.
func (d *Demultiplexer) Socket() int {
	return d.socket
}

// extractFrames walks [consumed, filled) of the scratch buffer, dispatching
// every complete frame and deciding how the trailing partial frame, if any,
// will be read to completion.
func (d *Demultiplexer) extractFrames() {
	for {
		header, headerLen, err := d.codec.ParseHeader(d.scratch[d.consumed:d.filled])
		if errors.Is(err, wire.ErrShortHeader) {
			d.compactAndArm()
			return
		}
		if err != nil {
			d.fail(KindProtocol, err)
			return
		}

		available := d.filled - d.consumed - headerLen
		declared := int(header.Length)

		if available >= declared {
			payload := make([]byte, declared)
			copy(payload, d.scratch[d.consumed+headerLen:d.consumed+headerLen+declared])
			d.consumed += headerLen + declared
			d.dispatch(header.StreamID, payload)
			if d.consumed == d.filled {
				// Nothing pending: give the next read the whole buffer.
				d.consumed, d.filled = 0, 0
				d.handle.ArmRead(d.scratch)
				return
			}
			continue
		}

		remaining := declared - available
		if remaining < d.lowWater && headerLen+declared <= len(d.scratch) {
			// The tail end of this frame is small and the whole frame fits
			// in scratch: append to it in place.
			d.compactAndArm()
			return
		}

		// Large remainder: read the rest of the frame straight into a
		// buffer sized exactly to it.
		if d.maxPending > 0 && declared > d.maxPending {
			d.fail(KindResource, fmt.Errorf("%w: frame of %d bytes, budget %d", ErrBudgetExceeded, declared, d.maxPending))
			return
		}
		d.pending = make([]byte, declared)
		copy(d.pending, d.scratch[d.consumed+headerLen:d.filled])
		d.received = available
		d.pendingID = header.StreamID
		d.consumed, d.filled = 0, 0
		d.st = modeDedicated
		atomic.AddUint64(&d.modeSwitches, 1)
		d.logger.Debug().
			Int("socket", d.socket).
			Uint32("stream", uint32(d.pendingID)).
			Int("declared", declared).
			Int("received", d.received).
			Msg("switching to dedicated buffer")
		d.handle.ArmRead(d.pending[d.received:])
		return
	}
}

// compactAndArm relocates the unconsumed tail to the front of the scratch
// buffer and arms the next read to append after it.
func (d *Demultiplexer) compactAndArm() {
	if d.consumed > 0 {
		d.filled = copy(d.scratch, d.scratch[d.consumed:d.filled])
		d.consumed = 0
		atomic.AddUint64(&d.compactions, 1)
	}
	d.handle.ArmRead(d.scratch[d.filled:])
}

func (d *Demultiplexer) dispatch(id wire.StreamID, payload []byte) {
	atomic.AddUint64(&d.frames, 1)
	atomic.AddUint64(&d.bytes, uint64(len(payload)))
	d.disp.OnFrame(d.socket, id, payload)
}

func (d *Demultiplexer) fail(kind ErrorKind, err error) {
	e := &Error{Kind: kind, Err: err}
	d.logger.Warn().Int("socket", d.socket).Str("kind", kind.String()).Err(err).Msg("demultiplexer terminating")
	d.release()
	d.disp.OnError(d.socket, e)
}

// release drops all owned buffers and marks the instance terminal.
func (d *Demultiplexer) release() {
	d.done = true
	d.scratch = nil
	d.pending = nil
	d.filled, d.consumed, d.received = 0, 0, 0
}

// Stats is a point-in-time snapshot of the instance's counters.  Safe to
// call from other goroutines while the read loop runs.
type Stats struct {
	Frames       uint64
	Bytes        uint64
	ModeSwitches uint64
	Compactions  uint64
}

func (d *Demultiplexer) Stats() Stats {
	return Stats{
		Frames:       atomic.LoadUint64(&d.frames),
		Bytes:        atomic.LoadUint64(&d.bytes),
		ModeSwitches: atomic.LoadUint64(&d.modeSwitches),
		Compactions:  atomic.LoadUint64(&d.compactions),
	}
}
