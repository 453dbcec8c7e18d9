package conduit

import (
	"context"

	"github.com/norasector/conduit/pkg/conduit/types"
)

// FrameOutput handles frames demultiplexed from inbound connections.
type FrameOutput interface {
	// Start receives a context and should run in a loop, terminating upon
	// ctx closing or on any errors.
	Start(ctx context.Context) error
	// Receive returns a channel that receives tagged frame input.  Sends
	// are non-blocking: a saturated output misses frames rather than
	// stalling the read path.
	Receive() chan<- *types.TaggedFrame
}
