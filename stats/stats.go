// Package stats has helpers for summarising training metrics.
package stats

import (
	"fmt"
	"math"
)

// EMA is an exponential moving average, Add returns the updated value given the smoothing period n
type EMA float64

func (e EMA) Add(val, n float64) float64 {
	if e == 0 {
		return val
	}
	k := 2.0 / (n + 1.0)
	return val*k + float64(e)*(1-k)
}

// Average accumulates the mean and variance of a stream of values using Welford's method.
// Partial results from separate goroutines can be combined with Merge.
type Average struct {
	Count float64
	Mean  float64
	m2    float64
}

// Add a single value
func (s *Average) Add(x float64) {
	s.Count++
	delta := x - s.Mean
	s.Mean += delta / s.Count
	s.m2 += delta * (x - s.Mean)
}

// AddAll adds each of the pixel values from vals
func (s *Average) AddAll(vals []float32) {
	for _, v := range vals {
		s.Add(float64(v))
	}
}

// Merge combines the values accumulated in o with s
func (s *Average) Merge(o Average) {
	if o.Count == 0 {
		return
	}
	if s.Count == 0 {
		*s = o
		return
	}
	total := s.Count + o.Count
	delta := o.Mean - s.Mean
	s.m2 += o.m2 + delta*delta*s.Count*o.Count/total
	s.Mean += delta * o.Count / total
	s.Count = total
}

// Variance returns the unbiased sample variance
func (s *Average) Variance() float64 {
	if s.Count < 2 {
		return 0
	}
	return s.m2 / (s.Count - 1)
}

func (s *Average) StdDev() float64 {
	return math.Sqrt(s.Variance())
}

func (s *Average) String() string {
	return fmt.Sprintf("%.4g +/- %.4g (n=%d)", s.Mean, s.StdDev(), int(s.Count))
}
