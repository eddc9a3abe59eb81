package audio_test

import (
	"math"
	"testing"

	"github.com/greensteps/voicecoach/pkg/audio"
)

func TestRMS(t *testing.T) {
	t.Parallel()
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	if got := audio.RMS([]float32{0.5, -0.5, 0.5, -0.5}); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("RMS(square 0.5) = %v, want 0.5", got)
	}
}

func TestLevelMeter(t *testing.T) {
	t.Parallel()
	var m audio.LevelMeter
	if m.Level() != 0 {
		t.Fatalf("initial level = %v, want 0", m.Level())
	}
	m.Observe([]float32{1, -1})
	if m.Level() != 1 {
		t.Errorf("level = %v, want 1", m.Level())
	}
	m.Reset()
	if m.Level() != 0 {
		t.Errorf("level after reset = %v, want 0", m.Level())
	}
}
