// Package malgo implements the audio device interfaces on top of miniaudio
// through github.com/gen2brain/malgo.
//
// One [Context] is shared by all devices of a process. Capture and playback
// both use 32-bit float mono samples; the capture rate defaults to the
// device's native rate and is reported through SampleRate.
package malgo

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/greensteps/voicecoach/pkg/audio"
)

// DefaultPeriodFrames is the capture block size in frames.
const DefaultPeriodFrames = 4096

// Context owns the miniaudio context. Create one with [NewContext] and close
// it after every device opened from it has been closed.
type Context struct {
	ctx *malgo.AllocatedContext

	closeOnce sync.Once
}

// NewContext initialises miniaudio with its default backend order.
func NewContext() (*Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	return &Context{ctx: ctx}, nil
}

// Close releases the miniaudio context. Safe to call more than once.
func (c *Context) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ctx.Uninit()
		c.ctx.Free()
	})
	return err
}

// findDevice returns the id of the first device of kind whose name contains
// name (case-insensitive). An empty name selects the system default (nil).
func (c *Context) findDevice(kind malgo.DeviceType, name string) (malgo.DeviceID, bool, error) {
	if name == "" {
		return malgo.DeviceID{}, false, nil
	}
	infos, err := c.ctx.Devices(kind)
	if err != nil {
		return malgo.DeviceID{}, false, fmt.Errorf("malgo: list devices: %w", err)
	}
	want := strings.ToLower(name)
	for _, info := range infos {
		if strings.Contains(strings.ToLower(info.Name()), want) {
			return info.ID, true, nil
		}
	}
	return malgo.DeviceID{}, false, fmt.Errorf("malgo: no device matching %q: %w", name, audio.ErrDeviceUnavailable)
}

// classify maps a miniaudio initialisation failure to the audio sentinels.
func classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "access denied") || strings.Contains(msg, "permission") {
		return fmt.Errorf("malgo: %s: %w: %w", op, audio.ErrPermissionDenied, err)
	}
	return fmt.Errorf("malgo: %s: %w: %w", op, audio.ErrDeviceUnavailable, err)
}

func float32FromBytes(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func putFloat32(b []byte, v float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
}

// CaptureOpener opens microphone streams.
type CaptureOpener struct {
	// Ctx is the shared miniaudio context.
	Ctx *Context

	// DeviceName selects a device by name substring; empty means the default.
	DeviceName string

	// SampleRate requests a rate; 0 uses the device's native rate.
	SampleRate int

	// PeriodFrames is the size of each delivered block. 0 uses
	// [DefaultPeriodFrames].
	PeriodFrames int
}

var _ audio.CaptureOpener = (*CaptureOpener)(nil)

// Open initialises a capture device. The device is not started until
// [CaptureDevice.Start].
func (o *CaptureOpener) Open(_ context.Context) (audio.CaptureDevice, error) {
	if o.Ctx == nil {
		return nil, fmt.Errorf("malgo: capture: nil context: %w", audio.ErrDeviceUnavailable)
	}
	period := o.PeriodFrames
	if period <= 0 {
		period = DefaultPeriodFrames
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(max(o.SampleRate, 0))
	cfg.PeriodSizeInFrames = uint32(period)
	cfg.Alsa.NoMMap = 1

	id, ok, err := o.Ctx.findDevice(malgo.Capture, o.DeviceName)
	if err != nil {
		return nil, err
	}
	if ok {
		cfg.Capture.DeviceID = id.Pointer()
	}

	d := &CaptureDevice{}
	dev, err := malgo.InitDevice(o.Ctx.ctx.Context, cfg, malgo.DeviceCallbacks{Data: d.onData})
	if err != nil {
		return nil, classify("init capture device", err)
	}
	d.dev = dev
	d.rate = int(dev.SampleRate())
	return d, nil
}

// CaptureDevice is an open miniaudio capture stream.
type CaptureDevice struct {
	dev  *malgo.Device
	rate int

	// mu is held by the data callback while it delivers a block, so Stop
	// returning guarantees no delivery is in flight.
	mu      sync.Mutex
	onBlock func(audio.Frame)
	stopped bool
	closed  bool
}

var _ audio.CaptureDevice = (*CaptureDevice)(nil)

func (d *CaptureDevice) onData(_, input []byte, frames uint32) {
	if frames == 0 {
		return
	}
	n := int(frames)
	if len(input) < n*4 {
		n = len(input) / 4
	}
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32FromBytes(input[i*4:])
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.onBlock == nil || d.stopped {
		return
	}
	d.onBlock(audio.Frame{Samples: samples, SampleRate: d.rate})
}

// Start implements [audio.CaptureDevice].
func (d *CaptureDevice) Start(_ context.Context, onBlock func(audio.Frame)) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("malgo: start capture: device closed")
	}
	d.onBlock = onBlock
	d.stopped = false
	d.mu.Unlock()

	if err := d.dev.Start(); err != nil {
		return classify("start capture device", err)
	}
	return nil
}

// Stop implements [audio.CaptureDevice].
func (d *CaptureDevice) Stop() error {
	d.mu.Lock()
	if d.stopped || d.closed {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.onBlock = nil
	d.mu.Unlock()

	if err := d.dev.Stop(); err != nil {
		return fmt.Errorf("malgo: stop capture device: %w", err)
	}
	return nil
}

// Close implements [audio.CaptureDevice].
func (d *CaptureDevice) Close() error {
	err := d.Stop()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.dev.Uninit()
	return err
}

// SampleRate implements [audio.CaptureDevice].
func (d *CaptureDevice) SampleRate() int { return d.rate }
