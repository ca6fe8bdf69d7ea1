// Package metrics receives the training time series (scalars and histograms keyed by step), and
// writes them as TensorBoard event files.
package metrics

import (
	"maps"
	"slices"
	"sync"
)

// Sink of metrics. Steps are expected to be monotonically increasing for each tag.
type Sink interface {
	// AddScalar records the value of the named scalar at step.
	AddScalar(tag string, value float64, step int64) error

	// AddHistogram records the distribution of values at step.
	AddHistogram(tag string, values []float64, step int64) error

	// Flush buffered metrics.
	Flush() error

	// Close flushes and releases the sink.
	Close() error
}

// Noop is a Sink that discards everything.
type Noop struct{}

var _ Sink = Noop{}

func (Noop) AddScalar(string, float64, int64) error      { return nil }
func (Noop) AddHistogram(string, []float64, int64) error { return nil }
func (Noop) Flush() error                                { return nil }
func (Noop) Close() error                                { return nil }

// Point of a recorded time series.
type Point struct {
	Step  int64
	Value float64
}

// Recorder is a Sink that keeps the scalars in memory. Histograms are summarized by their number of values.
// It is safe for concurrent use.
type Recorder struct {
	mu         sync.Mutex
	scalars    map[string][]Point
	histograms map[string][]Point
}

var _ Sink = (*Recorder)(nil)

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{scalars: make(map[string][]Point), histograms: make(map[string][]Point)}
}

// AddScalar implements Sink.
func (r *Recorder) AddScalar(tag string, value float64, step int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scalars[tag] = append(r.scalars[tag], Point{Step: step, Value: value})
	return nil
}

// AddHistogram implements Sink.
func (r *Recorder) AddHistogram(tag string, values []float64, step int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histograms[tag] = append(r.histograms[tag], Point{Step: step, Value: float64(len(values))})
	return nil
}

// Flush implements Sink.
func (r *Recorder) Flush() error { return nil }

// Close implements Sink.
func (r *Recorder) Close() error { return nil }

// Scalars returns a copy of the series recorded for tag.
func (r *Recorder) Scalars(tag string) []Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.scalars[tag])
}

// Histograms returns a copy of the histogram series recorded for tag: the value of each point is the
// number of values in the histogram.
func (r *Recorder) Histograms(tag string) []Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.histograms[tag])
}

// HistogramTags returns the sorted tags with recorded histograms.
func (r *Recorder) HistogramTags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.histograms))
}
