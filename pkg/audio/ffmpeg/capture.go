// Package ffmpeg captures microphone audio by running ffmpeg as a subprocess
// and reading raw 32-bit float mono samples from its stdout. It needs no cgo
// and works wherever ffmpeg can open the platform's capture device.
package ffmpeg

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/greensteps/voicecoach/pkg/audio"
)

// Defaults applied by [CaptureOpener.Open] to zero fields.
const (
	DefaultCommand      = "ffmpeg"
	DefaultInputFormat  = "pulse"
	DefaultInputDevice  = "default"
	DefaultSampleRate   = 48000
	DefaultPeriodFrames = 4096
)

const (
	startupGrace = 250 * time.Millisecond
	stopGrace    = 1200 * time.Millisecond
)

// CaptureOpener starts ffmpeg capture processes.
type CaptureOpener struct {
	Command      string
	InputFormat  string
	InputDevice  string
	SampleRate   int
	PeriodFrames int
}

var _ audio.CaptureOpener = (*CaptureOpener)(nil)

func (o *CaptureOpener) withDefaults() CaptureOpener {
	c := *o
	if c.Command == "" {
		c.Command = DefaultCommand
	}
	if c.InputFormat == "" {
		c.InputFormat = DefaultInputFormat
	}
	if c.InputDevice == "" {
		c.InputDevice = DefaultInputDevice
	}
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.PeriodFrames <= 0 {
		c.PeriodFrames = DefaultPeriodFrames
	}
	return c
}

// Args returns the ffmpeg argument list for the opener's settings.
func (o *CaptureOpener) Args() []string {
	c := o.withDefaults()
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", c.InputFormat,
		"-i", c.InputDevice,
		"-ac", "1",
		"-ar", strconv.Itoa(c.SampleRate),
		"-f", "f32le",
		"-",
	}
}

// Open launches ffmpeg and waits briefly to make sure it did not exit on
// startup.
func (o *CaptureOpener) Open(ctx context.Context) (audio.CaptureDevice, error) {
	c := o.withDefaults()

	cmd := exec.Command(c.Command, o.Args()...)
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start %s: %w: %w", c.Command, audio.ErrDeviceUnavailable, err)
	}

	d := &CaptureDevice{
		rate:    c.SampleRate,
		period:  c.PeriodFrames,
		stdout:  stdout,
		stderr:  stderr,
		process: cmd.Process,
		exited:  make(chan struct{}),
	}
	go func() {
		d.exitErr = cmd.Wait()
		close(d.exited)
	}()

	select {
	case <-d.exited:
		return nil, startupError(d.exitErr, stderr.String())
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-d.exited
		return nil, fmt.Errorf("ffmpeg: open: %w", ctx.Err())
	case <-time.After(startupGrace):
	}
	return d, nil
}

// startupError classifies an exit that happened before capture began.
func startupError(err error, stderr string) error {
	detail := strings.TrimSpace(stderr)
	sentinel := audio.ErrDeviceUnavailable
	lower := strings.ToLower(detail)
	if strings.Contains(lower, "permission denied") || strings.Contains(lower, "access denied") {
		sentinel = audio.ErrPermissionDenied
	}
	if err == nil {
		return fmt.Errorf("ffmpeg: exited before capture started: %w: %s", sentinel, detail)
	}
	return fmt.Errorf("ffmpeg: exited before capture started: %w: %w: %s", sentinel, err, detail)
}

// CaptureDevice is a running ffmpeg capture process.
type CaptureDevice struct {
	rate   int
	period int

	stdout  io.ReadCloser
	stderr  *lockedBuffer
	process *os.Process

	// exitErr is written once before exited is closed.
	exited  chan struct{}
	exitErr error

	startOnce sync.Once

	// mu is held while a block is delivered, so Stop returning guarantees no
	// delivery is in flight.
	mu      sync.Mutex
	onBlock func(audio.Frame)

	closeOnce sync.Once
	closeErr  error
}

var _ audio.CaptureDevice = (*CaptureDevice)(nil)

func (d *CaptureDevice) readLoop() {
	buf := make([]byte, d.period*4)
	for {
		if _, err := io.ReadFull(d.stdout, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				slog.Debug("ffmpeg: capture read ended", "err", err)
			}
			return
		}
		samples := make([]float32, d.period)
		for i := range samples {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}

		d.mu.Lock()
		if d.onBlock != nil {
			d.onBlock(audio.Frame{Samples: samples, SampleRate: d.rate})
		}
		d.mu.Unlock()
	}
}

// Start implements [audio.CaptureDevice]. Audio produced between Open and
// Start waits in the pipe and is delivered first.
func (d *CaptureDevice) Start(_ context.Context, onBlock func(audio.Frame)) error {
	select {
	case <-d.exited:
		return fmt.Errorf("ffmpeg: start: capture process has exited: %w", audio.ErrDeviceUnavailable)
	default:
	}
	d.mu.Lock()
	d.onBlock = onBlock
	d.mu.Unlock()
	d.startOnce.Do(func() { go d.readLoop() })
	return nil
}

// Stop implements [audio.CaptureDevice]. The process keeps running until
// Close; its output is discarded.
func (d *CaptureDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onBlock = nil
	return nil
}

// Close interrupts ffmpeg, killing it if it does not exit within a grace
// period. Idempotent.
func (d *CaptureDevice) Close() error {
	_ = d.Stop()
	d.closeOnce.Do(func() {
		_ = d.process.Signal(os.Interrupt)

		select {
		case <-d.exited:
		case <-time.After(stopGrace):
			_ = d.process.Kill()
			<-d.exited
		}
		d.closeErr = normalizeStopErr(d.exitErr)

		if err := d.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) && d.closeErr == nil {
			d.closeErr = err
		}
		if d.closeErr != nil {
			if detail := strings.TrimSpace(d.stderr.String()); detail != "" {
				d.closeErr = fmt.Errorf("%w: %s", d.closeErr, detail)
			}
			d.closeErr = fmt.Errorf("ffmpeg: close: %w", d.closeErr)
		}
	})
	return d.closeErr
}

// SampleRate implements [audio.CaptureDevice].
func (d *CaptureDevice) SampleRate() int { return d.rate }

// normalizeStopErr treats a non-zero exit as a clean stop: ffmpeg exits with
// status 255 when interrupted.
func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
