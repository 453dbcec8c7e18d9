package conduit

import (
	"context"
	"io"
	"os"

	"github.com/norasector/conduit/pkg/demux"
)

// socket drives one physical socket's demultiplexer: it adapts a blocking
// reader to the arm/complete model with a single goroutine, preserving the
// one-outstanding-read invariant.
type socket struct {
	index int
	src   io.ReadCloser
	sess  *Session
	armed chan []byte
	d     *demux.Demultiplexer
}

func newSocket(sess *Session, index int, src io.ReadCloser) *socket {
	s := &socket{
		index: index,
		src:   src,
		sess:  sess,
		armed: make(chan []byte, 1),
	}
	s.d = demux.New(sess.codec, s, sess, demux.Options{
		Socket:      index,
		ScratchSize: sess.scratchSize,
		LowWater:    sess.lowWater,
		MaxPending:  sess.maxPending,
	}, demux.WithLogger(sess.logger))
	return s
}

// TryLock implements demux.Handle: the session's closed flag is the
// liveness token standing in for the original weak parent reference.
func (s *socket) TryLock() bool {
	return !s.sess.isClosed()
}

// ArmRead implements demux.Handle.  The buffered channel never blocks here
// because the demultiplexer arms at most one read at a time.
func (s *socket) ArmRead(buf []byte) {
	s.armed <- buf
}

func (s *socket) run(ctx context.Context) error {
	defer s.src.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case buf := <-s.armed:
			n, err := s.src.Read(buf)
			if !s.d.OnReadable(err, n) {
				return nil
			}
		}
	}
}

// recordingReader tees every byte read off a socket into a capture file so
// a session can be replayed offline.
type recordingReader struct {
	src io.ReadCloser
	f   *os.File
}

func newRecordingReader(src io.ReadCloser, path string) (*recordingReader, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &recordingReader{src: src, f: f}, nil
}

func (r *recordingReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		if _, werr := r.f.Write(p[:n]); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (r *recordingReader) Close() error {
	r.f.Close()
	return r.src.Close()
}
