package malgo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/greensteps/voicecoach/pkg/audio"
)

// PlaybackOpener opens speaker streams.
type PlaybackOpener struct {
	// Ctx is the shared miniaudio context.
	Ctx *Context

	// DeviceName selects a device by name substring; empty means the default.
	DeviceName string

	// SampleRate requests an output rate; 0 uses the device's native rate.
	SampleRate int
}

var _ audio.PlaybackOpener = (*PlaybackOpener)(nil)

// Open initialises and starts an output device. Silence is rendered until
// audio is scheduled.
func (o *PlaybackOpener) Open(_ context.Context) (audio.PlaybackDevice, error) {
	if o.Ctx == nil {
		return nil, fmt.Errorf("malgo: playback: nil context: %w", audio.ErrDeviceUnavailable)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(max(o.SampleRate, 0))
	cfg.Alsa.NoMMap = 1

	id, ok, err := o.Ctx.findDevice(malgo.Playback, o.DeviceName)
	if err != nil {
		return nil, err
	}
	if ok {
		cfg.Playback.DeviceID = id.Pointer()
	}

	p := &PlaybackDevice{}
	dev, err := malgo.InitDevice(o.Ctx.ctx.Context, cfg, malgo.DeviceCallbacks{Data: p.onData})
	if err != nil {
		return nil, classify("init playback device", err)
	}
	p.dev = dev
	p.timeline = audio.NewTimeline(int(dev.SampleRate()))

	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, classify("start playback device", err)
	}
	return p, nil
}

// PlaybackDevice renders an [audio.Timeline] to a miniaudio output stream.
// Its clock is the number of frames the device has pulled.
type PlaybackDevice struct {
	dev      *malgo.Device
	timeline *audio.Timeline

	mu      sync.Mutex
	scratch []float32

	closeOnce sync.Once
	closeErr  error
}

var (
	_ audio.PlaybackDevice = (*PlaybackDevice)(nil)
	_ audio.Flusher        = (*PlaybackDevice)(nil)
)

func (p *PlaybackDevice) onData(output, _ []byte, frames uint32) {
	n := int(frames)
	if len(output) < n*4 {
		n = len(output) / 4
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cap(p.scratch) < n {
		p.scratch = make([]float32, n)
	}
	buf := p.scratch[:n]
	p.timeline.Render(buf)
	for i, v := range buf {
		putFloat32(output[i*4:], v)
	}
}

// Now implements [audio.PlaybackDevice].
func (p *PlaybackDevice) Now() time.Duration { return p.timeline.Now() }

// Schedule implements [audio.PlaybackDevice].
func (p *PlaybackDevice) Schedule(at time.Duration, samples []float32) error {
	p.timeline.Schedule(at, samples)
	return nil
}

// SampleRate implements [audio.PlaybackDevice].
func (p *PlaybackDevice) SampleRate() int { return p.timeline.SampleRate() }

// Flush implements [audio.Flusher].
func (p *PlaybackDevice) Flush() { p.timeline.Flush() }

// Close stops the stream and releases the device. Idempotent.
func (p *PlaybackDevice) Close() error {
	p.closeOnce.Do(func() {
		if err := p.dev.Stop(); err != nil {
			p.closeErr = fmt.Errorf("malgo: stop playback device: %w", err)
		}
		p.dev.Uninit()
		p.timeline.Flush()
	})
	return p.closeErr
}
