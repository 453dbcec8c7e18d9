package stats

import (
	"bytes"
	"image/color"
	"sync"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// RatePlotter keeps a sliding window of frame-per-second samples for one
// source and renders them as a PNG line plot.
type RatePlotter struct {
	name     string
	interval time.Duration

	mu       sync.Mutex
	last     uint64
	haveLast bool
	rates    []float64
	size     int
}

func NewRatePlotter(name string, size int, interval time.Duration) *RatePlotter {
	return &RatePlotter{
		name:     name,
		size:     size,
		interval: interval,
	}
}

// Observe records the source's cumulative frame count; successive calls an
// interval apart yield one rate sample.
func (r *RatePlotter) Observe(total uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.haveLast {
		delta := float64(total - r.last)
		r.rates = append(r.rates, delta/r.interval.Seconds())
		if len(r.rates) > r.size {
			r.rates = r.rates[len(r.rates)-r.size:]
		}
	}
	r.last = total
	r.haveLast = true
}

func plotWithDefaults() *plot.Plot {

	p := plot.New()
	p.BackgroundColor = color.Black
	p.Title.TextStyle.Color = color.White
	p.Y.Label.TextStyle.Color = color.White
	p.Y.Color = color.White
	p.X.Label.TextStyle.Color = color.White
	p.X.Color = color.White
	p.Legend.TextStyle.Color = color.White
	p.X.Tick.Color = color.White
	p.Y.Tick.Color = color.White
	p.X.Tick.Label.Color = color.White
	p.Y.Tick.Label.Color = color.White

	return p
}

// GetImage renders the current window, or nil when no samples exist yet.
func (r *RatePlotter) GetImage() []byte {
	r.mu.Lock()
	rates := make([]float64, len(r.rates))
	copy(rates, r.rates)
	r.mu.Unlock()

	if len(rates) == 0 {
		return nil
	}

	p := plotWithDefaults()
	p.Title.Text = r.name
	p.Y.Label.Text = "frames/sec"
	p.X.Label.Text = "t"

	grid := plotter.NewGrid()
	p.Add(grid)

	pts := make(plotter.XYs, len(rates))
	for i, rate := range rates {
		pts[i] = plotter.XY{X: float64(i), Y: rate}
	}
	if err := plotutil.AddLines(p, "f(t)", pts); err != nil {
		return nil
	}

	var imageData bytes.Buffer
	w, err := p.WriterTo(8*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		return nil
	}
	w.WriteTo(&imageData)
	return imageData.Bytes()
}
