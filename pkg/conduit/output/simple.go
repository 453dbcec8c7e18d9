package output

import (
	"bytes"
	"context"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/norasector/conduit/pkg/conduit/types"
	"github.com/norasector/conduit/pkg/wire"
)

const frameBufferLength int = 8

// SimpleFrameOutput re-encodes frames with a codec and writes them to a
// single destination writer, optionally filtered to a set of streams.
// Useful for piping one stream's traffic to a file or another process.
type SimpleFrameOutput struct {
	dest          io.Writer
	codec         wire.Codec
	recvChan      chan *types.TaggedFrame
	outChan       chan *types.TaggedFrame
	flushInterval time.Duration
	streamFilter  map[wire.StreamID]struct{}
}

func NewSimpleFrameOutput(dest io.Writer, codec wire.Codec, streams []wire.StreamID) *SimpleFrameOutput {
	ret := &SimpleFrameOutput{
		dest:          dest,
		codec:         codec,
		recvChan:      make(chan *types.TaggedFrame, frameBufferLength),
		outChan:       make(chan *types.TaggedFrame, frameBufferLength),
		flushInterval: time.Second,
		streamFilter:  make(map[wire.StreamID]struct{}),
	}

	for _, id := range streams {
		ret.streamFilter[id] = struct{}{}
	}

	return ret
}

func (s *SimpleFrameOutput) Receive() chan<- *types.TaggedFrame {
	return s.recvChan
}

func (s *SimpleFrameOutput) Start(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	// Concurrently filter incoming frames to only get what we are looking for.
	for i := 0; i < 4; i++ {
		eg.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()

				case tf := <-s.recvChan:
					if len(s.streamFilter) > 0 {
						if _, ok := s.streamFilter[tf.StreamID]; !ok {
							continue
						}
					}

					select {
					case <-ctx.Done():
						return ctx.Err()
					case s.outChan <- tf:
					}

				}
			}
		})
	}

	eg.Go(func() error {
		var b bytes.Buffer
		bufNum := 0

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()

			case <-time.After(s.flushInterval):
				if bufNum > 0 {
					if _, err := b.WriteTo(s.dest); err != nil {
						return err
					}
					b.Reset()
					bufNum = 0
				}

			case tf := <-s.outChan:
				b.Write(wire.AppendFrame(s.codec, nil, wire.Frame{StreamID: tf.StreamID, Payload: tf.Payload}))

				bufNum++
				if bufNum == frameBufferLength {
					if _, err := b.WriteTo(s.dest); err != nil {
						return err
					}
					b.Reset()
					bufNum = 0
				}

			}

		}

	})

	return eg.Wait()
}
