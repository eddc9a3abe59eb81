// Package capture turns microphone blocks into outbound wire audio.
//
// A [Pipeline] sits between a capture device and a realtime channel. The
// device callback hands each block to [Pipeline.Process], which resamples it
// to the wire rate, encodes it as PCM16, asks the turn gate whether the user
// may speak and, if so, queues it without blocking. A single goroutine running
// [Pipeline.Run] drains the queue in order and sends each chunk.
//
// The audio callback never blocks: when the send queue is full the block is
// dropped and counted.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/greensteps/voicecoach/internal/observe"
	"github.com/greensteps/voicecoach/pkg/audio"
	"github.com/greensteps/voicecoach/pkg/realtime"
)

// DefaultQueueSize is the number of encoded blocks buffered between the audio
// callback and the sender goroutine.
const DefaultQueueSize = 64

// Forwarder decides whether captured audio may leave the device.
// [turn.Gate] satisfies it.
type Forwarder interface {
	Allow() bool
}

// Sender transmits one chunk of PCM16 audio. [realtime.Channel] satisfies it.
type Sender interface {
	SendAudio(pcm []byte) error
}

// Config holds the tunable parameters of a [Pipeline].
type Config struct {
	// TargetRate is the outbound wire rate. Default: [audio.WireInputRate].
	TargetRate int

	// Method selects the resampler. Default: [audio.MethodLinear].
	Method audio.Method

	// QueueSize bounds the send queue. Default: [DefaultQueueSize].
	QueueSize int

	// Meter, if set, observes every captured block before gating.
	Meter *audio.LevelMeter

	// Metrics receives block counters. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Blocks     uint64
	Forwarded  uint64
	Suppressed uint64
	Dropped    uint64
	SendErrors uint64
}

// Pipeline is the capture path from device callback to realtime channel.
// Process may be called from any single goroutine (the device thread);
// Run must be called exactly once.
type Pipeline struct {
	cfg     Config
	gate    Forwarder
	out     Sender
	conv    audio.Converter
	metrics *observe.Metrics

	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once

	blocks     atomic.Uint64
	forwarded  atomic.Uint64
	suppressed atomic.Uint64
	dropped    atomic.Uint64
	sendErrors atomic.Uint64

	warnDrop sync.Once
}

// New creates a Pipeline that consults gate and sends through out.
func New(cfg Config, gate Forwarder, out Sender) *Pipeline {
	if cfg.TargetRate <= 0 {
		cfg.TargetRate = audio.WireInputRate
	}
	if !cfg.Method.IsValid() {
		cfg.Method = audio.MethodLinear
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Pipeline{
		cfg:     cfg,
		gate:    gate,
		out:     out,
		conv:    audio.Converter{TargetRate: cfg.TargetRate, Method: cfg.Method},
		metrics: observe.OrDefault(cfg.Metrics),
		queue:   make(chan []byte, cfg.QueueSize),
		done:    make(chan struct{}),
	}
}

// Process handles one captured block. It is the device callback and never
// blocks. Blocks arriving after Close are ignored.
func (p *Pipeline) Process(frame audio.Frame) {
	select {
	case <-p.done:
		return
	default:
	}

	ctx := context.Background()
	p.blocks.Add(1)
	p.metrics.CaptureBlocks.Add(ctx, 1)

	if p.cfg.Meter != nil {
		p.cfg.Meter.Observe(frame.Samples)
	}
	if len(frame.Samples) == 0 {
		return
	}

	// Held blocks are metered but never converted.
	if !p.gate.Allow() {
		p.suppressed.Add(1)
		p.metrics.CaptureSuppressed.Add(ctx, 1)
		return
	}

	wire := p.conv.Convert(frame)
	pcm := audio.EncodePCM16Bytes(wire.Samples)

	select {
	case p.queue <- pcm:
	default:
		p.dropped.Add(1)
		p.metrics.CaptureDropped.Add(ctx, 1)
		p.warnDrop.Do(func() {
			slog.Warn("capture: send queue full, dropping audio", "queue_size", p.cfg.QueueSize)
		})
	}
}

// Run sends queued blocks in order until ctx is cancelled or the pipeline is
// closed. It returns nil on shutdown, including when the channel reports
// [realtime.ErrClosed], and the wrapped error on any other send failure.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.done:
			return nil
		case pcm := <-p.queue:
			err := p.out.SendAudio(pcm)
			switch {
			case err == nil:
				p.forwarded.Add(1)
			case errors.Is(err, realtime.ErrClosed):
				return nil
			default:
				p.sendErrors.Add(1)
				return fmt.Errorf("capture: send audio: %w", err)
			}
		}
	}
}

// Close stops the sender. Queued blocks that have not been sent are
// discarded. Safe to call more than once.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Blocks:     p.blocks.Load(),
		Forwarded:  p.forwarded.Load(),
		Suppressed: p.suppressed.Load(),
		Dropped:    p.dropped.Load(),
		SendErrors: p.sendErrors.Load(),
	}
}
