package engine

import (
	"math"
	"time"
)

// minAnomalySamples is the number of trailing samples required before an
// anomaly score is computed. Below this the signal has no usable baseline.
const minAnomalySamples = 5

type sample struct {
	at time.Time
	v  float64
}

// window is a bounded trailing buffer of samples for one (rule, source) pair.
// Retention equals the rule's window duration.
type window struct {
	span    time.Duration
	samples []sample
}

func newWindow(span time.Duration) *window {
	return &window{span: span}
}

// add appends a sample and evicts everything older than span before it.
func (w *window) add(at time.Time, v float64) {
	cutoff := at.Add(-w.span)
	i := 0
	for i < len(w.samples) && !w.samples[i].at.After(cutoff) {
		i++
	}
	w.samples = append(w.samples[i:], sample{at: at, v: v})
}

func (w *window) len() int {
	return len(w.samples)
}

// stats returns the rolling mean and standard deviation over the buffer.
func (w *window) stats() (mean, stddev float64) {
	n := float64(len(w.samples))
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range w.samples {
		sum += s.v
	}
	mean = sum / n

	var sq float64
	for _, s := range w.samples {
		d := s.v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / n)
}

// score returns the normalized deviation of v from the rolling baseline.
// The score is monotonic in |v - mean|. A flat baseline (zero variance)
// scores any departure as infinite deviation.
func (w *window) score(v float64) float64 {
	if w.len() < minAnomalySamples {
		return 0
	}
	mean, stddev := w.stats()
	if stddev == 0 {
		if v == mean {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(v-mean) / stddev
}
