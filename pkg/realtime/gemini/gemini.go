// Package gemini implements realtime.Dialer for Google's Gemini Live API.
//
// It opens a bidirectional WebSocket to the Live endpoint and exchanges JSON
// messages according to the BidiGenerateContent protocol. Channels are
// authorised with a short-lived ephemeral token minted by the backend, so no
// long-lived API key ever reaches the client. Audio travels as base64-encoded
// PCM16 in both directions.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/greensteps/voicecoach/pkg/audio"
	"github.com/greensteps/voicecoach/pkg/realtime"
)

// Compile-time assertions that Dialer and channel satisfy the realtime interfaces.
var _ realtime.Dialer = (*Dialer)(nil)
var _ realtime.Channel = (*channel)(nil)

const (
	DefaultModel   = "gemini-2.5-flash-native-audio-preview-12-2025"
	DefaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	constrainedPath = "/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContentConstrained"
	apiKeyPath      = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	defaultSetupTimeout = 10 * time.Second
	keepaliveInterval   = 20 * time.Second
	keepaliveTimeout    = 5 * time.Second
	writeSettle         = 250 * time.Millisecond

	// Inline audio chunks exceed the library's 32 KiB default.
	readLimit = 4 << 20

	inboxSize = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = strings.TrimRight(url, "/") }
}

// WithAPIKey authenticates with a long-lived API key when a dial carries no
// token. Intended for local development only.
func WithAPIKey(key string) Option {
	return func(d *Dialer) { d.apiKey = key }
}

// WithVoice selects a prebuilt voice for the coach.
func WithVoice(name string) Option {
	return func(d *Dialer) { d.voice = name }
}

// WithTranscription asks the service to transcribe both the user's speech and
// its own audio output. Transcripts arrive as [realtime.KindTranscript].
func WithTranscription(enabled bool) Option {
	return func(d *Dialer) { d.transcribe = enabled }
}

// WithSetupTimeout bounds the wait for setupComplete. Zero disables the bound
// and relies on the dial context alone.
func WithSetupTimeout(timeout time.Duration) Option {
	return func(d *Dialer) { d.setupTimeout = timeout }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer implements realtime.Dialer for Gemini Live.
type Dialer struct {
	baseURL      string
	apiKey       string
	voice        string
	transcribe   bool
	setupTimeout time.Duration
}

// New creates a Gemini Live Dialer with the given options.
func New(opts ...Option) *Dialer {
	d := &Dialer{
		baseURL:      DefaultBaseURL,
		setupTimeout: defaultSetupTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// endpoint builds the WebSocket URL for cfg.
func (d *Dialer) endpoint(cfg realtime.DialConfig) (string, error) {
	switch {
	case cfg.Token != "":
		return d.baseURL + constrainedPath + "?access_token=" + url.QueryEscape(cfg.Token), nil
	case d.apiKey != "":
		return d.baseURL + apiKeyPath + "?key=" + url.QueryEscape(d.apiKey), nil
	default:
		return "", errors.New("gemini: dial: no token or API key")
	}
}

// Dial opens a Live session and blocks until the server acknowledges setup.
func (d *Dialer) Dial(ctx context.Context, cfg realtime.DialConfig) (realtime.Channel, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.InputRate <= 0 {
		cfg.InputRate = audio.WireInputRate
	}
	if cfg.OutputRate <= 0 {
		cfg.OutputRate = audio.WireOutputRate
	}

	wsURL, err := d.endpoint(cfg)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	chCtx, chCancel := context.WithCancel(context.Background())
	ch := &channel{
		conn:       conn,
		inputMIME:  "audio/pcm;rate=" + strconv.Itoa(cfg.InputRate),
		outputRate: cfg.OutputRate,
		done:       make(chan struct{}),
		ctx:        chCtx,
		cancel:     chCancel,
	}
	ch.inbox = realtime.NewInbox(inboxSize, ch.done)

	if err := ch.writeJSON(d.setupMessage(cfg)); err != nil {
		chCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	setupCtx := ctx
	if d.setupTimeout > 0 {
		var cancel context.CancelFunc
		setupCtx, cancel = context.WithTimeout(ctx, d.setupTimeout)
		defer cancel()
	}
	if err := ch.awaitSetupComplete(setupCtx); err != nil {
		chCancel()
		conn.Close(websocket.StatusNormalClosure, "setup aborted")
		return nil, err
	}

	go ch.receiveLoop()
	go ch.keepaliveLoop()

	return ch, nil
}

func (d *Dialer) setupMessage(cfg realtime.DialConfig) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + strings.TrimPrefix(cfg.Model, "models/"),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}
	if d.voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: d.voice},
			},
		}
	}
	if d.transcribe {
		msg.Setup.InputAudioTranscription = &struct{}{}
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio inlineData `json:"audio"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) err() error {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != 0 {
		return fmt.Errorf("gemini: server error %d: %s", e.Code, msg)
	}
	return fmt.Errorf("gemini: server error: %s", msg)
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	conn       *websocket.Conn
	inbox      *realtime.Inbox
	inputMIME  string
	outputRate int

	mu     sync.Mutex
	done   chan struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *channel) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// send writes v unless the channel is closed. A write that fails while the
// connection is going down reports [realtime.ErrClosed]: the receive loop
// shuts the channel within writeSettle of the socket closing.
func (c *channel) send(op string, v any) error {
	if c.isClosed() {
		return realtime.ErrClosed
	}
	err := c.writeJSON(v)
	if err == nil {
		return nil
	}
	select {
	case <-c.done:
		return realtime.ErrClosed
	case <-time.After(writeSettle):
	}
	return fmt.Errorf("gemini: %s: %w", op, err)
}

// awaitSetupComplete reads frames until the server acknowledges setup.
func (c *channel) awaitSetupComplete(ctx context.Context) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("gemini: await setup: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("gemini: skipping malformed frame during setup", "err", err)
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("gemini: setup rejected: %w", msg.Error.err())
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// receiveLoop reads messages from the WebSocket and dispatches them. It owns
// the inbox and finishes it when it exits.
func (c *channel) receiveLoop() {
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			terminal := c.readFailure(err)
			c.inbox.Finish(terminal)
			c.shutdown(websocket.StatusNormalClosure, terminal.Kind.String())
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("gemini: skipping malformed frame", "err", err, "bytes", len(data))
			continue
		}

		if terminal, ok := c.handleServerMessage(&msg); ok {
			c.inbox.Finish(terminal)
			c.shutdown(websocket.StatusNormalClosure, terminal.Kind.String())
			return
		}
	}
}

// readFailure converts a read error into the terminal message.
func (c *channel) readFailure(err error) realtime.Message {
	if c.ctx.Err() != nil {
		return realtime.Message{Kind: realtime.KindClosed, Reason: "closed by client"}
	}
	switch status := websocket.CloseStatus(err); status {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return realtime.Message{Kind: realtime.KindClosed, Reason: fmt.Sprintf("closed by server (%s)", status)}
	}
	return realtime.Message{Kind: realtime.KindError, Err: fmt.Errorf("gemini: read: %w", err)}
}

// handleServerMessage delivers the non-terminal content of msg and returns the
// terminal message if msg ends the session.
func (c *channel) handleServerMessage(msg *serverMessage) (realtime.Message, bool) {
	if msg.ServerContent != nil {
		if !c.handleServerContent(msg.ServerContent) {
			return realtime.Message{}, false
		}
	}
	if msg.Error != nil {
		return realtime.Message{Kind: realtime.KindError, Err: msg.Error.err()}, true
	}
	if msg.GoAway != nil {
		reason := "server going away"
		if msg.GoAway.TimeLeft != "" {
			reason += " (time left " + msg.GoAway.TimeLeft + ")"
		}
		return realtime.Message{Kind: realtime.KindClosed, Reason: reason}, true
	}
	return realtime.Message{}, false
}

// handleServerContent delivers audio, transcripts and turn signals in wire
// order. It returns false if the channel was closed meanwhile.
func (c *channel) handleServerContent(sc *serverContent) bool {
	if sc.Interrupted {
		if !c.inbox.Deliver(realtime.Message{Kind: realtime.KindInterrupted}) {
			return false
		}
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					slog.Warn("gemini: dropping undecodable audio part", "err", err)
					continue
				}
				if len(pcm) == 0 {
					continue
				}
				m := realtime.Message{
					Kind:       realtime.KindAudio,
					Audio:      pcm,
					SampleRate: mimeRate(p.InlineData.MIMEType, c.outputRate),
				}
				if !c.inbox.Deliver(m) {
					return false
				}
			}
			if p.Text != "" {
				if !c.inbox.Deliver(realtime.Message{Kind: realtime.KindTranscript, Role: "model", Text: p.Text}) {
					return false
				}
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !c.inbox.Deliver(realtime.Message{Kind: realtime.KindTranscript, Role: "user", Text: sc.InputTranscription.Text}) {
			return false
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !c.inbox.Deliver(realtime.Message{Kind: realtime.KindTranscript, Role: "model", Text: sc.OutputTranscription.Text}) {
			return false
		}
	}

	if sc.TurnComplete {
		return c.inbox.Deliver(realtime.Message{Kind: realtime.KindTurnComplete})
	}
	return true
}

// mimeRate extracts the rate parameter from a MIME type such as
// "audio/pcm;rate=24000", falling back to def.
func mimeRate(mime string, def int) int {
	for _, param := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && strings.EqualFold(k, "rate") {
			if r, err := strconv.Atoi(v); err == nil && r > 0 {
				return r
			}
		}
	}
	return def
}

// keepaliveLoop sends WebSocket pings to keep the Live connection alive.
func (c *channel) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			if err := c.conn.Ping(pingCtx); err != nil {
				slog.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// shutdown marks the channel closed and releases the connection. Only the
// first call has any effect.
func (c *channel) shutdown(code websocket.StatusCode, reason string) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done) // unblocks inbox deliveries and keepaliveLoop
	c.cancel()    // unblocks receiveLoop
	c.conn.Close(code, reason)
	return true
}

func (c *channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ── realtime.Channel methods ──────────────────────────────────────────────────

// SendAudio delivers one PCM16 chunk as a realtimeInput message.
func (c *channel) SendAudio(pcm []byte) error {
	return c.send("send audio", realtimeInputMessage{
		RealtimeInput: realtimeInput{
			Audio: inlineData{
				MIMEType: c.inputMIME,
				Data:     base64.StdEncoding.EncodeToString(pcm),
			},
		},
	})
}

// SendText sends text as a complete user turn.
func (c *channel) SendText(text string) error {
	return c.send("send text", clientContentMessage{
		ClientContent: clientContent{
			Turns:        []contentTurn{{Role: "user", Parts: []part{{Text: text}}}},
			TurnComplete: true,
		},
	})
}

// Messages returns the inbound message stream.
func (c *channel) Messages() <-chan realtime.Message { return c.inbox.Messages() }

// Close terminates the session and releases all resources. Idempotent.
func (c *channel) Close() error {
	c.shutdown(websocket.StatusNormalClosure, "session closed")
	return nil
}
