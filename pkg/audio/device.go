// Package audio holds the sample formats, conversions and device abstractions
// shared by the voice session pipeline.
//
// The conversions ([ResampleLinear], [EncodePCM16Bytes], [DecodePCM16Bytes])
// are pure functions over mono float samples. Devices are reached through the
// narrow [CaptureDevice] and [PlaybackDevice] interfaces; concrete backends
// live in sub-packages (audio/malgo, audio/ffmpeg) so the pipeline never
// depends on cgo or on a particular operating system.
package audio

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned (wrapped) by device openers. The session maps both
// to a capture failure; callers distinguish them with [errors.Is].
var (
	// ErrPermissionDenied means the operating system refused access to the
	// microphone.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrDeviceUnavailable means no usable device exists or the audio
	// subsystem could not be initialised.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")
)

// CaptureDevice is an open microphone stream.
//
// Implementations must be safe for concurrent use. The onBlock callback runs
// on a device thread and must not block.
type CaptureDevice interface {
	// Start begins delivering blocks of mono samples to onBlock. Frames carry
	// the device's native sample rate.
	Start(ctx context.Context, onBlock func(Frame)) error

	// Stop halts delivery. Once Stop returns, onBlock is not invoked again.
	// Calling Stop more than once is a no-op.
	Stop() error

	// Close releases the underlying device handle. Close implies Stop and is
	// idempotent.
	Close() error

	// SampleRate reports the rate at which the device delivers samples.
	SampleRate() int
}

// CaptureOpener acquires a [CaptureDevice]. Errors wrap [ErrPermissionDenied]
// or [ErrDeviceUnavailable] when the cause is known.
type CaptureOpener interface {
	Open(ctx context.Context) (CaptureDevice, error)
}

// PlaybackDevice is an open output stream with its own clock.
//
// Schedule places samples on the device timeline; the device renders them when
// its clock reaches at. Samples scheduled in the past start immediately.
type PlaybackDevice interface {
	// Now returns the current position of the device clock.
	Now() time.Duration

	// Schedule queues mono samples at the device's sample rate to start at
	// the given clock position.
	Schedule(at time.Duration, samples []float32) error

	// SampleRate reports the output rate of the device.
	SampleRate() int

	// Close stops output and releases the device. Idempotent.
	Close() error
}

// PlaybackOpener acquires a [PlaybackDevice].
type PlaybackOpener interface {
	Open(ctx context.Context) (PlaybackDevice, error)
}

// Flusher is implemented by playback devices that can discard audio that was
// scheduled but not yet rendered.
type Flusher interface {
	Flush()
}
