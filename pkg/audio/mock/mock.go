// Package mock provides in-memory implementations of the device interfaces in
// package audio for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on counts and arguments, and expose exported fields that control
// return values.
//
// Typical usage:
//
//	mic := &mock.CaptureDevice{Rate: 48000}
//	opener := &mock.CaptureOpener{Device: mic}
//	dev, _ := opener.Open(ctx)
//	_ = dev.Start(ctx, pipeline.Process)
//	mic.Emit(audio.Frame{Samples: block, SampleRate: 48000})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/greensteps/voicecoach/pkg/audio"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// CaptureDevice is a mock [audio.CaptureDevice]. Frames are pushed by the test
// through [CaptureDevice.Emit].
type CaptureDevice struct {
	mu sync.Mutex

	// Rate is returned by SampleRate.
	Rate int

	// StartError is returned by Start.
	StartError error

	// StopError is returned by Stop.
	StopError error

	// CloseError is returned by Close.
	CloseError error

	// StartCalls, StopCalls and CloseCalls count method invocations.
	StartCalls int
	StopCalls  int
	CloseCalls int

	// Events records Stop and Close calls in order, for teardown-order
	// assertions.
	Events []string

	// OnEvent, if set, is called with the event name on Stop and Close.
	OnEvent func(name string)

	onBlock func(audio.Frame)
}

var _ audio.CaptureDevice = (*CaptureDevice)(nil)

// Start implements [audio.CaptureDevice].
func (d *CaptureDevice) Start(_ context.Context, onBlock func(audio.Frame)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StartCalls++
	if d.StartError != nil {
		return d.StartError
	}
	d.onBlock = onBlock
	return nil
}

// Stop implements [audio.CaptureDevice]. The registered callback is dropped.
func (d *CaptureDevice) Stop() error {
	d.mu.Lock()
	d.StopCalls++
	d.onBlock = nil
	d.Events = append(d.Events, "stop")
	hook, err := d.OnEvent, d.StopError
	d.mu.Unlock()
	if hook != nil {
		hook("capture.stop")
	}
	return err
}

// Close implements [audio.CaptureDevice].
func (d *CaptureDevice) Close() error {
	d.mu.Lock()
	d.CloseCalls++
	d.onBlock = nil
	d.Events = append(d.Events, "close")
	hook, err := d.OnEvent, d.CloseError
	d.mu.Unlock()
	if hook != nil {
		hook("capture.close")
	}
	return err
}

// SampleRate implements [audio.CaptureDevice].
func (d *CaptureDevice) SampleRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Rate
}

// Emit delivers frame to the callback registered by Start. It reports whether
// a callback was registered; after Stop it returns false.
func (d *CaptureDevice) Emit(frame audio.Frame) bool {
	d.mu.Lock()
	cb := d.onBlock
	d.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(frame)
	return true
}

// Started reports whether a callback is currently registered.
func (d *CaptureDevice) Started() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.onBlock != nil
}

// CaptureOpener is a mock [audio.CaptureOpener].
type CaptureOpener struct {
	mu sync.Mutex

	// Device is returned by Open when OpenError is nil.
	Device *CaptureDevice

	// OpenError is returned by Open.
	OpenError error

	// OpenCalls counts Open invocations.
	OpenCalls int
}

var _ audio.CaptureOpener = (*CaptureOpener)(nil)

// Open implements [audio.CaptureOpener].
func (o *CaptureOpener) Open(_ context.Context) (audio.CaptureDevice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.OpenCalls++
	if o.OpenError != nil {
		return nil, o.OpenError
	}
	return o.Device, nil
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// ScheduleCall records one [PlaybackDevice.Schedule] invocation.
type ScheduleCall struct {
	At      time.Duration
	Samples []float32
}

// End returns the clock position at which the scheduled samples finish.
func (c ScheduleCall) End(rate int) time.Duration {
	return c.At + audio.SamplesDuration(len(c.Samples), rate)
}

// PlaybackDevice is a mock [audio.PlaybackDevice] whose clock is set by the
// test through [PlaybackDevice.SetNow] or [PlaybackDevice.Advance].
type PlaybackDevice struct {
	mu sync.Mutex

	// Rate is returned by SampleRate.
	Rate int

	// ScheduleError is returned by Schedule.
	ScheduleError error

	// CloseError is returned by Close.
	CloseError error

	// ScheduleCalls records all Schedule invocations.
	ScheduleCalls []ScheduleCall

	// FlushCalls and CloseCalls count invocations.
	FlushCalls int
	CloseCalls int

	// OnEvent, if set, is called with "playback.close" on Close.
	OnEvent func(name string)

	now time.Duration
}

var (
	_ audio.PlaybackDevice = (*PlaybackDevice)(nil)
	_ audio.Flusher        = (*PlaybackDevice)(nil)
)

// Now implements [audio.PlaybackDevice].
func (d *PlaybackDevice) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// SetNow moves the device clock to t.
func (d *PlaybackDevice) SetNow(t time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = t
}

// Advance moves the device clock forward by dt.
func (d *PlaybackDevice) Advance(dt time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now += dt
}

// Schedule implements [audio.PlaybackDevice].
func (d *PlaybackDevice) Schedule(at time.Duration, samples []float32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ScheduleError != nil {
		return d.ScheduleError
	}
	cp := make([]float32, len(samples))
	copy(cp, samples)
	d.ScheduleCalls = append(d.ScheduleCalls, ScheduleCall{At: at, Samples: cp})
	return nil
}

// Scheduled returns a snapshot of the recorded Schedule calls.
func (d *PlaybackDevice) Scheduled() []ScheduleCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ScheduleCall, len(d.ScheduleCalls))
	copy(out, d.ScheduleCalls)
	return out
}

// SampleRate implements [audio.PlaybackDevice].
func (d *PlaybackDevice) SampleRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Rate
}

// Flush implements [audio.Flusher].
func (d *PlaybackDevice) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.FlushCalls++
}

// Flushes returns the number of Flush calls.
func (d *PlaybackDevice) Flushes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.FlushCalls
}

// Close implements [audio.PlaybackDevice].
func (d *PlaybackDevice) Close() error {
	d.mu.Lock()
	d.CloseCalls++
	hook, err := d.OnEvent, d.CloseError
	d.mu.Unlock()
	if hook != nil {
		hook("playback.close")
	}
	return err
}

// PlaybackOpener is a mock [audio.PlaybackOpener].
type PlaybackOpener struct {
	mu sync.Mutex

	// Device is returned by Open when OpenError is nil.
	Device *PlaybackDevice

	// OpenError is returned by Open.
	OpenError error

	// OpenCalls counts Open invocations.
	OpenCalls int
}

var _ audio.PlaybackOpener = (*PlaybackOpener)(nil)

// Open implements [audio.PlaybackOpener].
func (o *PlaybackOpener) Open(_ context.Context) (audio.PlaybackDevice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.OpenCalls++
	if o.OpenError != nil {
		return nil, o.OpenError
	}
	return o.Device, nil
}
