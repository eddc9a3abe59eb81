// Package playback schedules inbound coach audio on an output device.
//
// The [Scheduler] keeps a playback cursor on the device clock. Each chunk is
// placed at the cursor so consecutive chunks play back to back; when the
// cursor has never been set or the device has already played past it, the
// chunk starts a short lead time from now instead. Chunks are scheduled in
// arrival order.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/greensteps/voicecoach/internal/observe"
	"github.com/greensteps/voicecoach/pkg/audio"
)

// DefaultLead is the distance from the device clock at which a fresh run of
// audio starts.
const DefaultLead = 50 * time.Millisecond

// ErrEmptyChunk is returned by [Scheduler.Enqueue] for a chunk without
// samples.
var ErrEmptyChunk = errors.New("playback: empty audio chunk")

// Config holds the tunable parameters of a [Scheduler].
type Config struct {
	// Lead is the offset from now used when the cursor is unset or behind.
	// Default: [DefaultLead].
	Lead time.Duration

	// InputRate is the sample rate of inbound PCM16 chunks.
	// Default: [audio.WireOutputRate].
	InputRate int

	// Metrics receives playback counters. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Chunk is one inbound PCM16 block and the rate it was sent at.
type Chunk struct {
	PCM []byte
	// Rate in Hz. Zero means the configured input rate.
	Rate int
}

// Scheduler places decoded audio chunks on a [audio.PlaybackDevice].
// All methods are safe for concurrent use; [Scheduler.Run] is the only
// writer in normal operation.
type Scheduler struct {
	dev     audio.PlaybackDevice
	lead    time.Duration
	inRate  int
	metrics *observe.Metrics

	mu sync.Mutex
	// cursor is a frame index at cursorRate, so back-to-back chunks meet on
	// an exact frame boundary.
	cursor     int64
	cursorRate int
	cursorSet  bool
}

// New creates a Scheduler for dev.
func New(dev audio.PlaybackDevice, cfg Config) *Scheduler {
	if cfg.Lead <= 0 {
		cfg.Lead = DefaultLead
	}
	if cfg.InputRate <= 0 {
		cfg.InputRate = audio.WireOutputRate
	}
	return &Scheduler{
		dev:     dev,
		lead:    cfg.Lead,
		inRate:  cfg.InputRate,
		metrics: observe.OrDefault(cfg.Metrics),
	}
}

// Enqueue schedules one PCM16 chunk at the configured input rate.
func (s *Scheduler) Enqueue(pcm []byte) error {
	return s.EnqueueChunk(Chunk{PCM: pcm})
}

// EnqueueChunk decodes c, converts it to the device rate and schedules it.
// Decode failures, empty chunks and device errors leave the cursor unchanged
// and are returned to the caller, which is expected to log and drop them.
func (s *Scheduler) EnqueueChunk(c Chunk) error {
	ctx := context.Background()

	samples, err := audio.DecodePCM16Bytes(c.PCM)
	if err != nil {
		s.metrics.PlaybackDecodeErrors.Add(ctx, 1)
		return fmt.Errorf("playback: decode: %w", err)
	}
	if len(samples) == 0 {
		s.metrics.PlaybackDecodeErrors.Add(ctx, 1)
		return ErrEmptyChunk
	}

	srcRate := c.Rate
	if srcRate <= 0 {
		srcRate = s.inRate
	}
	devRate := s.dev.SampleRate()
	if devRate <= 0 {
		devRate = s.inRate
	}
	if devRate != srcRate {
		samples = audio.ResampleLinear(samples, srcRate, devRate)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.dev.Now()
	startFrame := s.cursor
	if !s.cursorSet || s.cursorRate != devRate || startFrame < audio.FrameIndex(now, devRate) {
		startFrame = audio.FrameIndex(now+s.lead, devRate)
	}
	start := audio.FrameTime(startFrame, devRate)
	if err := s.dev.Schedule(start, samples); err != nil {
		return fmt.Errorf("playback: schedule: %w", err)
	}
	s.cursor = startFrame + int64(len(samples))
	s.cursorRate = devRate
	s.cursorSet = true

	s.metrics.PlaybackFrames.Add(ctx, 1)
	s.metrics.PlaybackLead.Record(ctx, (start - now).Seconds())
	return nil
}

// Cursor returns the clock position at which the next chunk would start if
// the device had not fallen behind. The second result is false until the
// first chunk has been scheduled.
func (s *Scheduler) Cursor() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cursorSet {
		return 0, false
	}
	return audio.FrameTime(s.cursor, s.cursorRate), true
}

// Lead returns how far the cursor runs ahead of the device clock. It is
// negative when the device has played past the cursor and zero before the
// first chunk.
func (s *Scheduler) Lead() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cursorSet {
		return 0
	}
	return audio.FrameTime(s.cursor, s.cursorRate) - s.dev.Now()
}

// Reset discards the cursor and, when the device supports it, audio that was
// scheduled but not yet rendered. The next chunk starts a lead time from now.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor, s.cursorRate = 0, 0
	s.cursorSet = false
	if f, ok := s.dev.(audio.Flusher); ok {
		f.Flush()
	}
}

// Run schedules chunks from in until in is closed or ctx is cancelled.
// Rejected chunks are logged and skipped.
func (s *Scheduler) Run(ctx context.Context, in <-chan Chunk) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-in:
			if !ok {
				return nil
			}
			if err := s.EnqueueChunk(c); err != nil {
				slog.Warn("playback: dropping audio chunk", "bytes", len(c.PCM), "rate", c.Rate, "err", err)
			}
		}
	}
}
