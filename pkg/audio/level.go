package audio

import (
	"math"
	"sync/atomic"
)

// RMS computes the root-mean-square level of float samples.
// Returns a value between 0.0 and 1.0 for in-range input.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 1
		}
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// LevelMeter holds the level of the most recently observed block. Observe is
// called from the capture callback and Level from the metering loop; both are
// lock-free.
type LevelMeter struct {
	bits atomic.Uint64
}

// Observe records the RMS level of samples.
func (m *LevelMeter) Observe(samples []float32) {
	m.bits.Store(math.Float64bits(RMS(samples)))
}

// Level returns the last recorded level.
func (m *LevelMeter) Level() float64 {
	return math.Float64frombits(m.bits.Load())
}

// Reset sets the recorded level back to zero.
func (m *LevelMeter) Reset() {
	m.bits.Store(0)
}
