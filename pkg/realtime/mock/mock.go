// Package mock provides test doubles for the realtime package interfaces.
//
// Use Dialer to verify Dial calls and hand out a controlled Channel. Use
// Channel to inject inbound messages and inspect what the session sent.
//
// Example:
//
//	ch := mock.NewChannel()
//	d := &mock.Dialer{Channel: ch}
//	c, _ := d.Dial(ctx, realtime.DialConfig{Token: "t"})
//	ch.Inject(realtime.Message{Kind: realtime.KindTurnComplete})
package mock

import (
	"context"
	"sync"

	"github.com/greensteps/voicecoach/pkg/realtime"
)

var _ realtime.Dialer = (*Dialer)(nil)
var _ realtime.Channel = (*Channel)(nil)

// ─── Dialer ───────────────────────────────────────────────────────────────────

// Dialer is a mock implementation of realtime.Dialer.
type Dialer struct {
	mu sync.Mutex

	// Channel is returned by Dial. If nil, Dial returns a fresh Channel.
	Channel *Channel

	// DialErr, if non-nil, is returned from Dial.
	DialErr error

	// Block, if non-nil, makes Dial wait until it is closed.
	Block chan struct{}

	// IgnoreContext makes a blocked Dial keep waiting after ctx is cancelled
	// and then succeed, simulating a result that arrives too late.
	IgnoreContext bool

	// Started, if non-nil, receives a value when Dial begins.
	Started chan struct{}

	calls []realtime.DialConfig
}

// Dial records the call and returns Channel or DialErr.
func (d *Dialer) Dial(ctx context.Context, cfg realtime.DialConfig) (realtime.Channel, error) {
	d.mu.Lock()
	d.calls = append(d.calls, cfg)
	block, ignore, started := d.Block, d.IgnoreContext, d.Started
	d.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		if ignore {
			<-block
		} else {
			select {
			case <-block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	if d.Channel == nil {
		d.Channel = NewChannel()
	}
	return d.Channel, nil
}

// Calls returns a copy of the recorded Dial configurations.
func (d *Dialer) Calls() []realtime.DialConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]realtime.DialConfig, len(d.calls))
	copy(out, d.calls)
	return out
}

// ─── Channel ──────────────────────────────────────────────────────────────────

// Channel is a mock implementation of realtime.Channel.
type Channel struct {
	mu sync.Mutex

	// SendAudioErr and SendTextErr, if non-nil, are returned by the send
	// methods.
	SendAudioErr error
	SendTextErr  error

	// OnClose, if set, is called on every Close.
	OnClose func()

	msgs       chan realtime.Message
	finished   bool
	sentAudio  [][]byte
	sentText   []string
	closeCalls int
	audioSent  chan struct{}
}

// NewChannel returns a Channel with a buffered message stream.
func NewChannel() *Channel {
	return &Channel{
		msgs:      make(chan realtime.Message, 64),
		audioSent: make(chan struct{}, 1024),
	}
}

// SendAudio records pcm.
func (c *Channel) SendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCalls > 0 {
		return realtime.ErrClosed
	}
	if c.SendAudioErr != nil {
		return c.SendAudioErr
	}
	c.sentAudio = append(c.sentAudio, append([]byte(nil), pcm...))
	select {
	case c.audioSent <- struct{}{}:
	default:
	}
	return nil
}

// SendText records text.
func (c *Channel) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCalls > 0 {
		return realtime.ErrClosed
	}
	if c.SendTextErr != nil {
		return c.SendTextErr
	}
	c.sentText = append(c.sentText, text)
	return nil
}

// Messages returns the inbound stream.
func (c *Channel) Messages() <-chan realtime.Message { return c.msgs }

// Inject queues an inbound message. Terminal messages also close the stream.
// It reports false if the stream is already closed.
func (c *Channel) Inject(m realtime.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false
	}
	c.msgs <- m
	if m.Terminal() {
		c.finished = true
		close(c.msgs)
	}
	return true
}

// Close records the call and closes the inbound stream. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closeCalls++
	if !c.finished {
		c.finished = true
		close(c.msgs)
	}
	hook := c.OnClose
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

// AudioSent receives a value for each successful SendAudio.
func (c *Channel) AudioSent() <-chan struct{} { return c.audioSent }

// SentAudio returns a copy of every chunk passed to SendAudio.
func (c *Channel) SentAudio() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sentAudio))
	copy(out, c.sentAudio)
	return out
}

// SentText returns a copy of every string passed to SendText.
func (c *Channel) SentText() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sentText))
	copy(out, c.sentText)
	return out
}

// CloseCalls returns how many times Close was called.
func (c *Channel) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}
