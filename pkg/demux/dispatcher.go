package demux

import "github.com/norasector/conduit/pkg/wire"

// Dispatcher receives completed frames and the terminal error, if any.
type Dispatcher interface {
	// OnFrame is called synchronously, in socket byte order, once per
	// extracted frame.  It must not block and it takes ownership of payload.
	OnFrame(socket int, id wire.StreamID, payload []byte)

	// OnError is called at most once over a demultiplexer's lifetime.  The
	// error is always a *Error; no frames follow it.
	OnError(socket int, err error)
}

// Handle is the demultiplexer's view of its parent connection and of the
// socket's read scheduling.
type Handle interface {
	// TryLock reports whether the parent connection is still alive.  A
	// false return is an expected shutdown, not a fault: the demultiplexer
	// goes quiet without dispatching anything further.
	TryLock() bool

	// ArmRead schedules exactly one future OnReadable completion that fills
	// a prefix of buf.  Never called with an empty region, and never called
	// again before the previous read completes.
	ArmRead(buf []byte)
}
