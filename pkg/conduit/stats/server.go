package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
)

const rateWindow = 120

// Source exposes counters for one session or demultiplexer.
type Source interface {
	Name() string
	Snapshot() map[string]interface{}
}

// Server serves counter snapshots as JSON and frame-rate history as PNG
// plots, grouped into named buckets.
type Server struct {
	mu             sync.RWMutex
	buckets        map[string]map[string]Source
	plotters       map[string]*RatePlotter
	port           int
	srv            *http.Server
	updateInterval time.Duration
}

func NewServer(port int, updateInterval time.Duration) *Server {
	if updateInterval <= 0 {
		updateInterval = time.Second
	}
	return &Server{
		buckets:        make(map[string]map[string]Source),
		plotters:       make(map[string]*RatePlotter),
		port:           port,
		srv:            &http.Server{Addr: fmt.Sprintf(":%d", port)},
		updateInterval: updateInterval,
	}
}

func (s *Server) Register(bucket string, src Source) {
	s.mu.Lock()
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string]Source)
		s.buckets[bucket] = b
	}
	b[src.Name()] = src
	key := bucket + "/" + src.Name()
	if _, ok := s.plotters[key]; !ok {
		s.plotters[key] = NewRatePlotter(src.Name(), rateWindow, s.updateInterval)
	}
	s.mu.Unlock()
}

func (s *Server) Deregister(bucket, name string) {
	s.mu.Lock()
	if b, ok := s.buckets[bucket]; ok {
		delete(b, name)
	}
	delete(s.plotters, bucket+"/"+name)
	s.mu.Unlock()
}

func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

func (s *Server) Run(ctx context.Context) error {

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.updateInterval):
				s.sample()
			}
		}
	}()

	handler := httprouter.New()
	handler.GET("/stats", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		s.mu.RLock()
		all := make(map[string]map[string]map[string]interface{}, len(s.buckets))
		for name, bucket := range s.buckets {
			all[name] = snapshotBucket(bucket)
		}
		s.mu.RUnlock()
		writeJSON(w, all)
	})

	handler.GET("/stats/:bucket", func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		s.mu.RLock()
		bucket, ok := s.buckets[params.ByName("bucket")]
		var snap map[string]map[string]interface{}
		if ok {
			snap = snapshotBucket(bucket)
		}
		s.mu.RUnlock()

		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, snap)
	})

	handler.GET("/plot/:bucket/:name", func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		s.mu.RLock()
		plotter, ok := s.plotters[params.ByName("bucket")+"/"+params.ByName("name")]
		s.mu.RUnlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		img := plotter.GetImage()
		if img == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(img)
	})

	s.srv.Handler = handler

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.srv.Shutdown(context.TODO())
		return ctx.Err()
	case err := <-errChan:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// sample feeds each registered source's cumulative frame count to its rate
// plotter.
func (s *Server) sample() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for bucketName, bucket := range s.buckets {
		for name, src := range bucket {
			plotter, ok := s.plotters[bucketName+"/"+name]
			if !ok {
				continue
			}
			if frames, ok := src.Snapshot()["frames"].(uint64); ok {
				plotter.Observe(frames)
			}
		}
	}
}

func snapshotBucket(bucket map[string]Source) map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(bucket))
	for name, src := range bucket {
		out[name] = src.Snapshot()
	}
	return out
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
