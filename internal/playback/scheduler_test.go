package playback_test

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/greensteps/voicecoach/internal/observe"
	"github.com/greensteps/voicecoach/internal/playback"
	"github.com/greensteps/voicecoach/pkg/audio"
	"github.com/greensteps/voicecoach/pkg/audio/mock"
)

func newScheduler(t *testing.T, dev audio.PlaybackDevice) *playback.Scheduler {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return playback.New(dev, playback.Config{Metrics: m})
}

// chunk returns n samples of silence at the inbound wire rate as PCM16 bytes.
func chunk(n int) []byte {
	return audio.EncodePCM16Bytes(make([]float32, n))
}

const ms = time.Millisecond

func TestScheduler_FirstChunkStartsAfterLead(t *testing.T) {
	t.Parallel()

	dev := &mock.PlaybackDevice{Rate: 24000}
	dev.SetNow(time.Second)
	s := newScheduler(t, dev)

	if err := s.Enqueue(chunk(2400)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	calls := dev.Scheduled()
	if len(calls) != 1 {
		t.Fatalf("Schedule calls = %d, want 1", len(calls))
	}
	if want := time.Second + playback.DefaultLead; calls[0].At != want {
		t.Errorf("start = %v, want %v", calls[0].At, want)
	}
	cursor, ok := s.Cursor()
	if !ok || cursor != 1150*ms {
		t.Errorf("Cursor = %v, %v; want 1.15s, true", cursor, ok)
	}
	if got := s.Lead(); got != 150*ms {
		t.Errorf("Lead = %v, want 150ms", got)
	}
}

func TestScheduler_ChunksPlayBackToBack(t *testing.T) {
	t.Parallel()

	dev := &mock.PlaybackDevice{Rate: 24000}
	s := newScheduler(t, dev)

	_ = s.Enqueue(chunk(2400))
	dev.Advance(30 * ms) // still behind the cursor
	_ = s.Enqueue(chunk(1200))
	_ = s.Enqueue(chunk(2400))

	calls := dev.Scheduled()
	wantStarts := []time.Duration{50 * ms, 150 * ms, 200 * ms}
	for i, want := range wantStarts {
		if calls[i].At != want {
			t.Errorf("chunk %d start = %v, want %v", i, calls[i].At, want)
		}
	}
}

func TestScheduler_CursorBehindRestartsAtLead(t *testing.T) {
	t.Parallel()

	dev := &mock.PlaybackDevice{Rate: 24000}
	s := newScheduler(t, dev)

	_ = s.Enqueue(chunk(2400)) // 50ms .. 150ms
	dev.SetNow(2 * time.Second)
	_ = s.Enqueue(chunk(2400))

	calls := dev.Scheduled()
	if want := 2*time.Second + 50*ms; calls[1].At != want {
		t.Errorf("start after underrun = %v, want %v", calls[1].At, want)
	}
}

func TestScheduler_NoOverlapAndMonotonic(t *testing.T) {
	t.Parallel()

	dev := &mock.PlaybackDevice{Rate: 24000}
	s := newScheduler(t, dev)
	rng := rand.New(rand.NewPCG(7, 11))

	var prevCursor time.Duration
	for range 500 {
		dev.Advance(time.Duration(rng.IntN(120)) * ms)
		if err := s.Enqueue(chunk(1 + rng.IntN(4800))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		cursor, _ := s.Cursor()
		if cursor < prevCursor {
			t.Fatalf("cursor moved backwards: %v -> %v", prevCursor, cursor)
		}
		prevCursor = cursor
	}

	calls := dev.Scheduled()
	for i := 1; i < len(calls); i++ {
		prevEnd := calls[i-1].End(24000)
		if calls[i].At < prevEnd {
			t.Fatalf("chunk %d starts at %v before previous ends at %v", i, calls[i].At, prevEnd)
		}
	}
}

// timelineDevice plays into an [audio.Timeline] rendered by the test.
type timelineDevice struct{ *audio.Timeline }

func (d timelineDevice) Schedule(at time.Duration, samples []float32) error {
	d.Timeline.Schedule(at, samples)
	return nil
}

func (timelineDevice) Close() error { return nil }

func TestScheduler_TimelineChunksMeetOnFrameBoundaries(t *testing.T) {
	t.Parallel()

	// 1000 frames at 24 kHz last 41666666.67ns, so every boundary falls
	// between two nanoseconds.
	tl := audio.NewTimeline(24000)
	s := newScheduler(t, timelineDevice{tl})
	pcm := audio.EncodePCM16Bytes(constant(1000, 0.25))
	for range 10 {
		if err := s.Enqueue(pcm); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	const first = 1200 // DefaultLead at 24 kHz
	out := make([]float32, first+10000+240)
	tl.Render(out)

	level := out[first]
	if level < 0.24 || level > 0.26 {
		t.Fatalf("level at first frame = %v, want about 0.25", level)
	}
	for i, v := range out {
		want := float32(0)
		if i >= first && i < first+10000 {
			want = level
		}
		if math.Abs(float64(v-want)) > 1e-6 {
			t.Fatalf("frame %d = %v, want %v (overlap or gap at a chunk boundary)", i, v, want)
		}
	}
	if cursor, _ := s.Cursor(); cursor != audio.FrameTime(first+10000, 24000) {
		t.Errorf("Cursor = %v, want %v", cursor, audio.FrameTime(first+10000, 24000))
	}
}

func TestScheduler_ChunkRateOverridesInputRate(t *testing.T) {
	t.Parallel()

	dev := &mock.PlaybackDevice{Rate: 24000}
	s := newScheduler(t, dev)

	if err := s.EnqueueChunk(playback.Chunk{PCM: chunk(1600), Rate: 16000}); err != nil {
		t.Fatalf("EnqueueChunk: %v", err)
	}
	if got := len(dev.Scheduled()[0].Samples); got != 2400 {
		t.Errorf("scheduled %d samples, want 2400", got)
	}
	if cursor, _ := s.Cursor(); cursor != 150*ms {
		t.Errorf("Cursor = %v, want 150ms", cursor)
	}
}

func constant(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestScheduler_ResamplesToDeviceRate(t *testing.T) {
	t.Parallel()

	dev := &mock.PlaybackDevice{Rate: 48000}
	s := newScheduler(t, dev)

	if err := s.Enqueue(chunk(2400)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	calls := dev.Scheduled()
	if got := len(calls[0].Samples); got != 4800 {
		t.Errorf("scheduled %d samples, want 4800", got)
	}
	if cursor, _ := s.Cursor(); cursor != 150*ms {
		t.Errorf("Cursor = %v, want 150ms", cursor)
	}
}

func TestScheduler_RejectedChunksLeaveCursor(t *testing.T) {
	t.Parallel()

	dev := &mock.PlaybackDevice{Rate: 24000}
	s := newScheduler(t, dev)
	_ = s.Enqueue(chunk(2400))
	before, _ := s.Cursor()

	if err := s.Enqueue([]byte{1, 2, 3}); !errors.Is(err, audio.ErrOddLength) {
		t.Errorf("odd chunk error = %v, want ErrOddLength", err)
	}
	if err := s.Enqueue(nil); !errors.Is(err, playback.ErrEmptyChunk) {
		t.Errorf("empty chunk error = %v, want ErrEmptyChunk", err)
	}

	dev.ScheduleError = errors.New("device gone")
	if err := s.Enqueue(chunk(2400)); err == nil {
		t.Error("expected schedule error")
	}

	if after, _ := s.Cursor(); after != before {
		t.Errorf("cursor changed from %v to %v", before, after)
	}
	if got := len(dev.Scheduled()); got != 1 {
		t.Errorf("Schedule calls = %d, want 1", got)
	}
}

func TestScheduler_ResetFlushesAndRestarts(t *testing.T) {
	t.Parallel()

	dev := &mock.PlaybackDevice{Rate: 24000}
	s := newScheduler(t, dev)
	_ = s.Enqueue(chunk(24000)) // one second of audio

	dev.SetNow(200 * ms)
	s.Reset()

	if dev.FlushCalls != 1 {
		t.Errorf("FlushCalls = %d, want 1", dev.FlushCalls)
	}
	if _, ok := s.Cursor(); ok {
		t.Error("cursor still set after Reset")
	}
	if got := s.Lead(); got != 0 {
		t.Errorf("Lead after Reset = %v, want 0", got)
	}

	_ = s.Enqueue(chunk(2400))
	if got := dev.Scheduled()[1].At; got != 250*ms {
		t.Errorf("start after Reset = %v, want 250ms", got)
	}
}

func TestScheduler_RunPreservesArrivalOrder(t *testing.T) {
	t.Parallel()

	dev := &mock.PlaybackDevice{Rate: 24000}
	s := newScheduler(t, dev)

	in := make(chan playback.Chunk, 8)
	sizes := []int{240, 2, 480, 720}
	for _, n := range sizes {
		in <- playback.Chunk{PCM: chunk(n)}
	}
	in <- playback.Chunk{PCM: []byte{9}} // dropped
	close(in)

	if err := s.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := dev.Scheduled()
	if len(calls) != len(sizes) {
		t.Fatalf("Schedule calls = %d, want %d", len(calls), len(sizes))
	}
	for i, n := range sizes {
		if len(calls[i].Samples) != n {
			t.Errorf("chunk %d has %d samples, want %d", i, len(calls[i].Samples), n)
		}
	}
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, &mock.PlaybackDevice{Rate: 24000})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, make(chan playback.Chunk)) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
