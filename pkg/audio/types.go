package audio

import "time"

// Wire sample rates used by the realtime speech endpoint.
const (
	// WireInputRate is the rate of PCM16 audio sent to the endpoint (microphone side).
	WireInputRate = 16000

	// WireOutputRate is the rate of PCM16 audio received from the endpoint (coach voice).
	WireOutputRate = 24000
)

// Frame is one block of mono float samples flowing through the pipeline.
// Samples are in the range [-1, 1]. Frames are treated as immutable once
// handed to another component.
type Frame struct {
	// Samples holds the mono float samples.
	Samples []float32

	// SampleRate in Hz (e.g., 48000 for a typical capture device).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate)
}

// SamplesDuration returns how long n mono samples last at rate Hz.
// Returns 0 for a non-positive rate.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// FrameIndex returns the frame at rate Hz nearest to clock position d.
// Rounding makes FrameIndex(FrameTime(f, rate), rate) == f for every f.
func FrameIndex(d time.Duration, rate int) int64 {
	if rate <= 0 {
		return 0
	}
	return (int64(d)*int64(rate) + int64(time.Second)/2) / int64(time.Second)
}

// FrameTime returns the clock position of frame at rate Hz, truncated to the
// nanosecond.
func FrameTime(frame int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(frame * int64(time.Second) / int64(rate))
}
