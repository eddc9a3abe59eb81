// Package stream implements realtime.Dialer for the backend's raw-binary voice
// relay at /voice/stream/{step}.
//
// Audio travels as binary WebSocket frames of little-endian PCM16 mono: input
// rate outbound, output rate inbound. Control events are JSON text frames of
// the form {"type": "...", ...}. The relay needs no setup handshake; the
// channel is ready once the upgrade completes.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/greensteps/voicecoach/pkg/audio"
	"github.com/greensteps/voicecoach/pkg/realtime"
)

var _ realtime.Dialer = (*Dialer)(nil)
var _ realtime.Channel = (*channel)(nil)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 20 * time.Second
	defaultQueueSize    = 64
	closeTimeout        = 2 * time.Second
	readLimit           = 4 << 20
	inboxSize           = 64
)

// Control frame types exchanged as JSON text frames.
const (
	TypeTurnComplete = "turn_complete"
	TypeInterrupted  = "interrupted"
	TypeTranscript   = "transcript"
	TypeError        = "error"
	TypeClose        = "close"
	TypeInstruction  = "instruction"
)

// Control is the JSON envelope of a text frame.
type Control struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Role    string `json:"role,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Dialer) { s.writeTimeout = d }
}

// WithPingInterval sets how often keepalive pings are sent.
func WithPingInterval(d time.Duration) Option {
	return func(s *Dialer) { s.pingInterval = d }
}

// WithQueueSize sets the capacity of the outbound frame queue.
func WithQueueSize(n int) Option {
	return func(s *Dialer) { s.queueSize = n }
}

// WithAccessToken adds an Authorization bearer header to the upgrade request.
func WithAccessToken(token string) Option {
	return func(s *Dialer) { s.accessToken = token }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer opens channels to the raw-binary relay.
type Dialer struct {
	baseURL      string
	accessToken  string
	writeTimeout time.Duration
	pingInterval time.Duration
	queueSize    int
	ws           *websocket.Dialer
}

// New creates a Dialer for the relay rooted at baseURL. http(s) URLs are
// rewritten to ws(s).
func New(baseURL string, opts ...Option) *Dialer {
	d := &Dialer{
		baseURL:      wsBase(baseURL),
		writeTimeout: defaultWriteTimeout,
		pingInterval: defaultPingInterval,
		queueSize:    defaultQueueSize,
		ws:           websocket.DefaultDialer,
	}
	for _, o := range opts {
		o(d)
	}
	if d.writeTimeout <= 0 {
		d.writeTimeout = defaultWriteTimeout
	}
	if d.pingInterval <= 0 {
		d.pingInterval = defaultPingInterval
	}
	return d
}

func wsBase(raw string) string {
	raw = strings.TrimRight(raw, "/")
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	}
	return raw
}

// Endpoint returns the relay URL for cfg.
func (d *Dialer) Endpoint(cfg realtime.DialConfig) string {
	return d.baseURL + "/voice/stream/" + url.PathEscape(cfg.StepID) + "?token=" + url.QueryEscape(cfg.Token)
}

// Dial upgrades to the relay. The channel is ready when Dial returns.
func (d *Dialer) Dial(ctx context.Context, cfg realtime.DialConfig) (realtime.Channel, error) {
	if cfg.StepID == "" {
		return nil, errors.New("stream: dial: step id is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("stream: dial: token is required")
	}
	if cfg.OutputRate <= 0 {
		cfg.OutputRate = audio.WireOutputRate
	}

	var header http.Header
	if d.accessToken != "" {
		header = http.Header{"Authorization": []string{"Bearer " + d.accessToken}}
	}

	conn, resp, err := d.ws.DialContext(ctx, d.Endpoint(cfg), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("stream: dial (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("stream: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	c := &channel{
		conn:         conn,
		outputRate:   cfg.OutputRate,
		writeTimeout: d.writeTimeout,
		pingInterval: d.pingInterval,
		out:          make(chan outboundFrame, max(d.queueSize, 1)),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
	c.inbox = realtime.NewInbox(inboxSize, c.done)

	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

// ── channel ────────────────────────────────────────────────────────────────────

type outboundFrame struct {
	messageType int
	data        []byte
}

type channel struct {
	conn         *websocket.Conn
	inbox        *realtime.Inbox
	outputRate   int
	writeTimeout time.Duration
	pingInterval time.Duration

	out        chan outboundFrame
	done       chan struct{}
	writerDone chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once

	errMu    sync.Mutex
	writeErr error
}

// writeLoop is the connection's only writer. gorilla/websocket permits one
// concurrent writer; pings share the loop.
func (c *channel) writeLoop() {
	defer close(c.writerDone)

	ping := time.NewTicker(c.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeTimeout))
			return
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.failWrite(fmt.Errorf("stream: ping: %w", err))
				return
			}
		case f := <-c.out:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.failWrite(fmt.Errorf("stream: write: %w", err))
				return
			}
			if err := c.conn.WriteMessage(f.messageType, f.data); err != nil {
				c.failWrite(fmt.Errorf("stream: write: %w", err))
				return
			}
		}
	}
}

// failWrite records a write failure and drops the connection so the read
// loop terminates the stream.
func (c *channel) failWrite(err error) {
	c.errMu.Lock()
	if c.writeErr == nil {
		c.writeErr = err
	}
	c.errMu.Unlock()
	_ = c.conn.Close()
}

func (c *channel) lastWriteErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.writeErr
}

// readLoop decodes inbound frames into messages. It owns the inbox and
// finishes it when it exits.
func (c *channel) readLoop() {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.inbox.Finish(c.readFailure(err))
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if len(data) == 0 {
				continue
			}
			if !c.inbox.Deliver(realtime.Message{Kind: realtime.KindAudio, Audio: data, SampleRate: c.outputRate}) {
				c.inbox.Finish(realtime.Message{Kind: realtime.KindClosed})
				return
			}
		case websocket.TextMessage:
			msg, ok := decodeControl(data)
			if !ok {
				continue
			}
			if msg.Terminal() {
				c.inbox.Finish(msg)
				_ = c.Close()
				return
			}
			if !c.inbox.Deliver(msg) {
				c.inbox.Finish(realtime.Message{Kind: realtime.KindClosed})
				return
			}
		}
	}
}

// decodeControl maps a control frame to a message. Malformed or unknown frames
// are logged and skipped.
func decodeControl(data []byte) (realtime.Message, bool) {
	var ctl Control
	if err := json.Unmarshal(data, &ctl); err != nil {
		slog.Warn("stream: skipping malformed control frame", "err", err, "bytes", len(data))
		return realtime.Message{}, false
	}
	switch ctl.Type {
	case TypeTurnComplete:
		return realtime.Message{Kind: realtime.KindTurnComplete}, true
	case TypeInterrupted:
		return realtime.Message{Kind: realtime.KindInterrupted}, true
	case TypeTranscript:
		role := ctl.Role
		if role == "" {
			role = "model"
		}
		return realtime.Message{Kind: realtime.KindTranscript, Role: role, Text: ctl.Text}, true
	case TypeClose:
		reason := ctl.Reason
		if reason == "" {
			reason = "closed by server"
		}
		return realtime.Message{Kind: realtime.KindClosed, Reason: reason}, true
	case TypeError:
		detail := ctl.Message
		if detail == "" {
			detail = ctl.Reason
		}
		if ctl.Code != "" {
			detail = ctl.Code + ": " + detail
		}
		return realtime.Message{Kind: realtime.KindError, Err: fmt.Errorf("stream: server error: %s", detail)}, true
	default:
		slog.Debug("stream: ignoring control frame", "type", ctl.Type)
		return realtime.Message{}, false
	}
}

// readFailure converts a read error into the terminal message.
func (c *channel) readFailure(err error) realtime.Message {
	if c.closed.Load() {
		return realtime.Message{Kind: realtime.KindClosed, Reason: "closed by client"}
	}
	if werr := c.lastWriteErr(); werr != nil {
		return realtime.Message{Kind: realtime.KindError, Err: werr}
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway) {
		reason := ce.Text
		if reason == "" {
			reason = fmt.Sprintf("closed by server (%d)", ce.Code)
		}
		return realtime.Message{Kind: realtime.KindClosed, Reason: reason}
	}
	return realtime.Message{Kind: realtime.KindError, Err: fmt.Errorf("stream: read: %w", err)}
}

func (c *channel) enqueue(f outboundFrame) error {
	if c.closed.Load() {
		return realtime.ErrClosed
	}
	select {
	case c.out <- f:
		return nil
	case <-c.done:
		return realtime.ErrClosed
	case <-c.writerDone:
		if err := c.lastWriteErr(); err != nil {
			return err
		}
		return realtime.ErrClosed
	}
}

// ── realtime.Channel methods ──────────────────────────────────────────────────

// SendAudio queues one PCM16 chunk as a binary frame. Frames are written in
// call order.
func (c *channel) SendAudio(pcm []byte) error {
	return c.enqueue(outboundFrame{messageType: websocket.BinaryMessage, data: pcm})
}

// SendText queues an instruction control frame.
func (c *channel) SendText(text string) error {
	data, err := json.Marshal(Control{Type: TypeInstruction, Text: text})
	if err != nil {
		return fmt.Errorf("stream: marshal instruction: %w", err)
	}
	return c.enqueue(outboundFrame{messageType: websocket.TextMessage, data: data})
}

// Messages returns the inbound message stream.
func (c *channel) Messages() <-chan realtime.Message { return c.inbox.Messages() }

// Close sends a close frame, stops the writer and closes the connection.
// Idempotent.
func (c *channel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		<-c.writerDone
		_ = c.conn.Close()
	})
	return nil
}
