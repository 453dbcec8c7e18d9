package replay

import (
	"os"
	"time"
)

// FileSource replays a captured socket byte stream from a file at a paced
// rate.  It satisfies io.ReadCloser so a session can consume it exactly
// like a live socket.
type FileSource struct {
	readFile    *os.File
	readSize    int
	timeBetween time.Duration
}

func NewFileSource(path string, readSize int, timeBetween time.Duration) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	return &FileSource{
		readFile:    f,
		readSize:    readSize,
		timeBetween: timeBetween,
	}, nil
}

// Read delivers at most readSize bytes per call, sleeping the pacing delay
// first so playback approximates the original arrival rate.
func (f *FileSource) Read(p []byte) (int, error) {
	if f.timeBetween > 0 {
		time.Sleep(f.timeBetween)
	}
	if len(p) > f.readSize {
		p = p[:f.readSize]
	}
	return f.readFile.Read(p)
}

func (f *FileSource) Close() error {
	return f.readFile.Close()
}
