package audio

import (
	"sync"
	"time"
)

// Timeline mixes scheduled sample blocks onto a mono output stream addressed
// by absolute frame index. Device backends call [Timeline.Render] from their
// output callback; the frames rendered so far form the device clock.
//
// Timeline is safe for concurrent use.
type Timeline struct {
	rate int

	mu   sync.Mutex
	pos  int64
	segs []segment
}

type segment struct {
	start   int64
	samples []float32
}

// NewTimeline returns an empty timeline clocked at rate Hz.
func NewTimeline(rate int) *Timeline {
	return &Timeline{rate: rate}
}

// SampleRate returns the timeline's clock rate.
func (t *Timeline) SampleRate() int { return t.rate }

// Now returns the clock position: frames rendered divided by the rate.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return FrameTime(t.pos, t.rate)
}

// Schedule places samples so that the first one is rendered at clock position
// at, taken as the nearest frame. A position already rendered is moved up to
// the current frame; the block is never truncated.
func (t *Timeline) Schedule(at time.Duration, samples []float32) {
	if len(samples) == 0 || t.rate <= 0 {
		return
	}
	start := FrameIndex(at, t.rate)

	t.mu.Lock()
	defer t.mu.Unlock()
	if start < t.pos {
		start = t.pos
	}
	t.segs = append(t.segs, segment{start: start, samples: samples})
}

// Render fills out with the mix of every block overlapping the next len(out)
// frames, clamped to [-1, 1], and advances the clock. Frames with nothing
// scheduled are silent.
func (t *Timeline) Render(out []float32) {
	clear(out)

	t.mu.Lock()
	defer t.mu.Unlock()

	from := t.pos
	to := from + int64(len(out))
	kept := t.segs[:0]
	for _, s := range t.segs {
		end := s.start + int64(len(s.samples))
		lo := max(s.start, from)
		hi := min(end, to)
		for f := lo; f < hi; f++ {
			out[f-from] += s.samples[f-s.start]
		}
		if end > to {
			kept = append(kept, s)
		}
	}
	clear(t.segs[len(kept):])
	t.segs = kept
	t.pos = to

	for i, v := range out {
		if v > 1 {
			out[i] = 1
		} else if v < -1 {
			out[i] = -1
		}
	}
}

// Flush discards every block that has not finished rendering.
func (t *Timeline) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.segs)
	t.segs = t.segs[:0]
}

// Pending reports how many scheduled blocks have not finished rendering.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.segs)
}
