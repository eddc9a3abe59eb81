// Package realtime defines the bidirectional channel between a voice session
// and the upstream speech service.
//
// Every inbound wire message is decoded exactly once, at the transport
// boundary, into the tagged union [Message]. Consumers switch on
// [Message.Kind] and never see wire formats. Outbound audio is PCM16 mono at
// the negotiated input rate; each SendAudio call is one discrete wire message
// and ordering is preserved.
//
// Implementations live in sub-packages: realtime/gemini speaks the Gemini Live
// JSON protocol, realtime/stream speaks the raw-binary backend relay.
package realtime

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by send operations on a channel that has been closed.
var ErrClosed = errors.New("realtime: channel closed")

// Kind discriminates the variants of [Message].
type Kind int

const (
	// KindAudio carries a chunk of PCM16 audio from the coach.
	KindAudio Kind = iota

	// KindTurnComplete marks the end of the coach's turn.
	KindTurnComplete

	// KindInterrupted reports that the service cut its own output short.
	KindInterrupted

	// KindTranscript carries recognised or generated text.
	KindTranscript

	// KindClosed is the terminal message for an orderly close.
	KindClosed

	// KindError is the terminal message for a transport or service failure.
	KindError
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindTurnComplete:
		return "turn_complete"
	case KindInterrupted:
		return "interrupted"
	case KindTranscript:
		return "transcript"
	case KindClosed:
		return "closed"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is one decoded inbound event. Only the fields relevant to Kind are
// set.
type Message struct {
	Kind Kind

	// Audio is little-endian PCM16 mono (KindAudio).
	Audio []byte

	// SampleRate of Audio in Hz (KindAudio).
	SampleRate int

	// Role is "user" or "model" (KindTranscript).
	Role string

	// Text is the transcript text (KindTranscript).
	Text string

	// Reason describes why the channel closed (KindClosed).
	Reason string

	// Err is the failure (KindError).
	Err error
}

// Terminal reports whether m ends the message stream.
func (m Message) Terminal() bool {
	return m.Kind == KindClosed || m.Kind == KindError
}

// Channel is an open, ready connection to the speech service.
//
// Implementations must be safe for concurrent use.
type Channel interface {
	// SendAudio transmits one chunk of PCM16 mono audio. Returns [ErrClosed]
	// after Close.
	SendAudio(pcm []byte) error

	// SendText transmits a text instruction as a complete user turn.
	SendText(text string) error

	// Messages returns the inbound stream. After a terminal message (Closed
	// or Error) the channel is closed. It is also closed, possibly without a
	// terminal message, after Close.
	Messages() <-chan Message

	// Close tears down the connection. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// DialConfig describes the channel to open.
type DialConfig struct {
	// Token is the short-lived capability token that authorises the channel.
	Token string

	// Model is the upstream model identifier, when the transport needs one.
	Model string

	// StepID identifies the coaching step, when the transport routes by step.
	StepID string

	// InputRate is the sample rate of outbound audio (default 16000).
	InputRate int

	// OutputRate is the expected sample rate of inbound audio (default 24000).
	OutputRate int
}

// Dialer opens channels. Dial returns only once the channel is ready to carry
// audio; a cancelled ctx aborts the attempt.
type Dialer interface {
	Dial(ctx context.Context, cfg DialConfig) (Channel, error)
}

// DialerFunc adapts a function to [Dialer].
type DialerFunc func(ctx context.Context, cfg DialConfig) (Channel, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, cfg DialConfig) (Channel, error) {
	return f(ctx, cfg)
}
