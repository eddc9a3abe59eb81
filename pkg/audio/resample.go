package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Method selects the resampling algorithm.
type Method string

const (
	// MethodLinear interpolates between the two neighbouring source samples.
	MethodLinear Method = "linear"

	// MethodNearest picks the source sample at floor(position). Cheaper, only
	// suitable for downsampling.
	MethodNearest Method = "nearest"
)

// IsValid reports whether m is a recognised resampling method.
func (m Method) IsValid() bool {
	return m == MethodLinear || m == MethodNearest
}

// OutputLength returns round(n * to / from), the number of samples produced
// when resampling n samples from rate from to rate to. Halves round away from
// zero. Returns n when either rate is non-positive.
func OutputLength(n, from, to int) int {
	if from <= 0 || to <= 0 {
		return n
	}
	num := int64(n) * int64(to)
	den := int64(from)
	return int((2*num + den) / (2 * den))
}

// Resample converts in from rate from to rate to using method. An unknown
// method falls back to linear interpolation.
func Resample(in []float32, from, to int, method Method) []float32 {
	if method == MethodNearest {
		return ResampleNearest(in, from, to)
	}
	return ResampleLinear(in, from, to)
}

// ResampleLinear resamples mono float samples from srcRate to dstRate using
// linear interpolation. For output index i the source position is
// i*srcRate/dstRate; the upper neighbour is clamped to the last input sample.
// If srcRate == dstRate, or either rate is non-positive, the input is
// returned unchanged.
func ResampleLinear(in []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return in
	}
	if len(in) == 0 {
		return []float32{}
	}
	dstSamples := OutputLength(len(in), srcRate, dstRate)
	out := make([]float32, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)
	last := len(in) - 1

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		lo := int(srcPos)
		if lo > last {
			lo = last
		}
		hi := lo + 1
		if hi > last {
			hi = last
		}
		frac := srcPos - float64(lo)
		if frac > 1 {
			frac = 1
		}
		out[i] = float32(float64(in[lo])*(1-frac) + float64(in[hi])*frac)
	}
	return out
}

// ResampleNearest resamples mono float samples from srcRate to dstRate by
// picking in[floor(i*srcRate/dstRate)] for every output index i, clamped to
// the last input sample. Identity when the rates match.
func ResampleNearest(in []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return in
	}
	if len(in) == 0 {
		return []float32{}
	}
	dstSamples := OutputLength(len(in), srcRate, dstRate)
	out := make([]float32, dstSamples)
	last := len(in) - 1

	for i := range dstSamples {
		idx := int(int64(i) * int64(srcRate) / int64(dstRate))
		if idx > last {
			idx = last
		}
		out[i] = in[idx]
	}
	return out
}

// DownmixToMono averages interleaved multi-channel float samples into a mono
// signal. channels <= 1 returns the input unchanged; a trailing partial frame
// is dropped.
func DownmixToMono(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Converter resamples frames to a fixed target rate. It logs a warning on the
// first rate mismatch so misconfigured devices show up once in the logs.
// Create one per stream; not designed for shared use across goroutines.
type Converter struct {
	TargetRate int
	Method     Method

	warnedMismatch sync.Once
}

// Convert returns frame resampled to the converter's target rate. If the
// source rate already matches, the frame is returned unchanged.
func (c *Converter) Convert(frame Frame) Frame {
	if frame.SampleRate == c.TargetRate || c.TargetRate <= 0 {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio rate mismatch: resampling",
			"from", formatString(frame.SampleRate),
			"to", formatString(c.TargetRate),
			"method", c.Method,
		)
	})

	return Frame{
		Samples:    Resample(frame.Samples, frame.SampleRate, c.TargetRate, c.Method),
		SampleRate: c.TargetRate,
		Timestamp:  frame.Timestamp,
	}
}

// formatString returns a human-readable string for a mono sample rate,
// e.g. "48000Hz mono".
func formatString(rate int) string {
	return fmt.Sprintf("%dHz mono", rate)
}
