package demux

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the single terminal error a demultiplexer may report,
// so the connection layer can tell a failed link from a misbehaving peer or
// a local resource cap.
type ErrorKind int

const (
	// KindTransport covers read failures, resets, and orderly EOF.
	KindTransport ErrorKind = iota
	// KindProtocol covers malformed or implausibly large frame headers.
	KindProtocol
	// KindResource covers a dedicated-buffer allocation denied by the
	// configured budget.
	KindResource
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindResource:
		return "resource"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Error is the terminal error reported through Dispatcher.OnError.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("demux: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Kind extracts the classification from an error reported by a
// demultiplexer.  Anything else counts as a transport error.
func Kind(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransport
}

// ErrBudgetExceeded is the cause recorded when a dedicated buffer would
// exceed the configured allocation budget.
var ErrBudgetExceeded = errors.New("dedicated buffer budget exceeded")
