package mesh

import (
	"fmt"
	"image/color"
	"io"
	"sync"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// DefaultConvergenceCapacity is how many error samples a recorder keeps
const DefaultConvergenceCapacity = 600

// ConvergenceRecorder keeps the most recent error samples of the current
// dataset. A sample from a different dataset starts a new history.
type ConvergenceRecorder struct {
	mu        sync.Mutex
	samples   []ErrorSample
	next      int
	full      bool
	datasetID string
}

// NewConvergenceRecorder creates a recorder holding up to capacity samples
func NewConvergenceRecorder(capacity int) *ConvergenceRecorder {
	if capacity <= 0 {
		capacity = DefaultConvergenceCapacity
	}
	return &ConvergenceRecorder{samples: make([]ErrorSample, capacity)}
}

// Record stores a sample. It matches the Solver.OnSample callback.
func (c *ConvergenceRecorder) Record(s ErrorSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.DatasetID != c.datasetID {
		c.next, c.full = 0, false
		c.datasetID = s.DatasetID
	}
	c.samples[c.next] = s
	c.next++
	if c.next == len(c.samples) {
		c.next, c.full = 0, true
	}
}

// Samples returns the stored samples, oldest first
func (c *ConvergenceRecorder) Samples() []ErrorSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.full {
		out := make([]ErrorSample, c.next)
		copy(out, c.samples[:c.next])
		return out
	}
	out := make([]ErrorSample, 0, len(c.samples))
	out = append(out, c.samples[c.next:]...)
	return append(out, c.samples[:c.next]...)
}

// Reset drops every sample
func (c *ConvergenceRecorder) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next, c.full, c.datasetID = 0, false, ""
}

// Plot builds a mean error over iteration line plot of the stored samples
func (c *ConvergenceRecorder) Plot() (*plot.Plot, error) {
	samples := c.Samples()
	if len(samples) == 0 {
		return nil, fmt.Errorf("no convergence samples recorded")
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Solver convergence (dataset %s)", samples[0].DatasetID)
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "Mean error"

	pts := make(plotter.XYs, len(samples))
	for i, s := range samples {
		pts[i] = plotter.XY{X: float64(s.Iteration), Y: s.MeanError}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.Color = color.RGBA{R: 33, G: 102, B: 172, A: 255}
	line.Width = vg.Points(1)
	p.Add(line, plotter.NewGrid())
	return p, nil
}

// WritePNG renders the convergence plot as a PNG
func (c *ConvergenceRecorder) WritePNG(w io.Writer, width, height vg.Length) error {
	p, err := c.Plot()
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return fmt.Errorf("create plot writer: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write convergence plot: %w", err)
	}
	return nil
}
