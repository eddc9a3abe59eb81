// Package session runs one voice coaching session.
//
// A [Session] owns every resource of a live conversation: the realtime
// channel, the capture device and pipeline, the playback device and
// scheduler, the turn gate and the metering loop. It moves through
//
//	Idle → Initializing → Connected → {Closed | Errored}
//
// and releases everything through a single teardown that runs at most once,
// whichever of Stop, a remote close or a failure gets there first.
//
// Sessions are single-use. Start a new one to retry.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/greensteps/voicecoach/internal/capture"
	"github.com/greensteps/voicecoach/internal/observe"
	"github.com/greensteps/voicecoach/internal/playback"
	"github.com/greensteps/voicecoach/internal/token"
	"github.com/greensteps/voicecoach/internal/turn"
	"github.com/greensteps/voicecoach/pkg/audio"
	"github.com/greensteps/voicecoach/pkg/realtime"
)

const (
	// DefaultMeterInterval is the metering loop period.
	DefaultMeterInterval = 50 * time.Millisecond

	// inboundQueueSize bounds the audio handed from the router to the
	// playback consumer.
	inboundQueueSize = 256
)

// errPeerClosed ends the router when the remote end closes the channel in
// an orderly way.
var errPeerClosed = errors.New("session: closed by peer")

// Deps are the collaborators a [Session] drives.
type Deps struct {
	// Issuer obtains the capability token. Required.
	Issuer token.Issuer

	// Dialer opens the realtime channel. Required.
	Dialer realtime.Dialer

	// Capture opens the microphone. Required.
	Capture audio.CaptureOpener

	// Playback opens the speaker. Required.
	Playback audio.PlaybackOpener

	// Metrics receives session metrics. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now is the clock used to check token deadlines. Nil uses [time.Now].
	Now func() time.Time
}

// Config holds per-session settings.
type Config struct {
	// Model overrides the model named by the capability token.
	Model string

	// Greeting, when non-empty, is sent once right after the channel is
	// ready, before any microphone audio.
	Greeting string

	// TurnPolicy selects the initial turn gate state. Default:
	// [turn.PolicyGreetFirst].
	TurnPolicy turn.Policy

	// InputRate and OutputRate are the wire rates. Defaults:
	// [audio.WireInputRate] and [audio.WireOutputRate].
	InputRate  int
	OutputRate int

	// Resample selects the capture resampler. Default: linear.
	Resample audio.Method

	// QueueSize bounds the outbound audio queue. Default:
	// [capture.DefaultQueueSize].
	QueueSize int

	// PlaybackLead is the scheduling lead. Default: [playback.DefaultLead].
	PlaybackLead time.Duration

	// MeterInterval is the metering loop period. Default:
	// [DefaultMeterInterval].
	MeterInterval time.Duration

	// OnLevel, if set, receives the microphone level on every meter tick.
	OnLevel func(level float64)

	// OnStateChange, if set, is called after every state transition. It must
	// not call Stop.
	OnStateChange func(from, to State)
}

func (c *Config) applyDefaults() {
	if !c.TurnPolicy.IsValid() {
		c.TurnPolicy = turn.PolicyGreetFirst
	}
	if c.InputRate <= 0 {
		c.InputRate = audio.WireInputRate
	}
	if c.OutputRate <= 0 {
		c.OutputRate = audio.WireOutputRate
	}
	if !c.Resample.IsValid() {
		c.Resample = audio.MethodLinear
	}
	if c.MeterInterval <= 0 {
		c.MeterInterval = DefaultMeterInterval
	}
}

// Session is one voice coaching session. All exported methods are safe for
// concurrent use.
type Session struct {
	id      string
	deps    Deps
	cfg     Config
	metrics *observe.Metrics

	state atomic.Int32
	meter audio.LevelMeter
	done  chan struct{}

	// transMu serialises transitions so observers see them in order.
	transMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	stopping    bool
	err         error
	channel     realtime.Channel
	capDev      audio.CaptureDevice
	pipeline    *capture.Pipeline
	playDev     audio.PlaybackDevice
	sched       *playback.Scheduler
	gate        *turn.Gate
	meterStop   chan struct{}
	workersDone chan struct{}
}

// New creates an idle session.
func New(deps Deps, cfg Config) *Session {
	cfg.applyDefaults()
	if deps.Now == nil {
		deps.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:      uuid.NewString(),
		deps:    deps,
		cfg:     cfg,
		metrics: observe.OrDefault(deps.Metrics),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// Err returns the failure that moved the session to [StateErrored], or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session has reached a terminal state and released
// its resources.
func (s *Session) Done() <-chan struct{} { return s.done }

// Level returns the level of the most recent microphone block, or 0 once the
// session has ended.
func (s *Session) Level() float64 { return s.meter.Level() }

// Gate returns the turn gate, or nil before the session connects.
func (s *Session) Gate() *turn.Gate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate
}

// Start runs the session up to [StateConnected]: it obtains a token for
// stepID, dials the realtime endpoint, sends the greeting and opens both
// audio devices. ctx bounds the start sequence only; the running session is
// ended by Stop or by the remote end.
//
// On failure the session is left in [StateErrored] and the returned error is
// an [*Error]. If Stop is called while Start is in progress, Start returns
// [ErrStopped] and any resource it obtained afterwards is released at once.
func (s *Session) Start(ctx context.Context, stepID, proof string) error {
	if !s.advance(StateIdle, StateInitializing) {
		return ErrAlreadyStarted
	}

	// Stop cancels s.ctx, which must abort a pending token request or dial.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unhook := context.AfterFunc(s.ctx, cancel)
	defer unhook()

	ctx = observe.WithSession(ctx, s.id, stepID)
	ctx, span := observe.StartSpan(ctx, "session.start")
	defer span.End()
	log := observe.Logger(ctx)

	err := s.start(ctx, log, stepID, proof)
	observe.SpanError(span, err)
	return err
}

func (s *Session) start(ctx context.Context, log *slog.Logger, stepID, proof string) error {
	// ── Token ──
	tok, err := s.deps.Issuer.Issue(ctx, stepID, proof)
	if s.stopped() {
		return ErrStopped
	}
	if err != nil {
		return s.fail(KindToken, err)
	}
	if err := tok.Usable(s.deps.Now()); err != nil {
		return s.fail(KindToken, err)
	}

	// ── Transport ──
	model := s.cfg.Model
	if model == "" {
		model = tok.Model
	}
	dialCtx, dialSpan := observe.StartSpan(ctx, "transport.dial")
	dialStart := time.Now()
	ch, err := s.deps.Dialer.Dial(dialCtx, realtime.DialConfig{
		Token:      tok.Token,
		Model:      model,
		StepID:     stepID,
		InputRate:  s.cfg.InputRate,
		OutputRate: s.cfg.OutputRate,
	})
	s.metrics.ConnectDuration.Record(ctx, time.Since(dialStart).Seconds())
	observe.SpanError(dialSpan, err)
	dialSpan.End()
	if err != nil {
		if s.stopped() {
			return ErrStopped
		}
		return s.fail(KindTransport, err)
	}
	if !s.adopt(func() { s.channel = ch }) {
		closeQuietly(log, "transport", ch.Close)
		return ErrStopped
	}
	log.Info("session: channel ready", "model", model)

	if s.cfg.Greeting != "" {
		if err := ch.SendText(s.cfg.Greeting); err != nil {
			return s.fail(KindTransport, fmt.Errorf("send greeting: %w", err))
		}
	}

	// ── Devices ──
	playDev, err := s.deps.Playback.Open(ctx)
	if err != nil {
		if s.stopped() {
			return ErrStopped
		}
		return s.fail(KindCapture, fmt.Errorf("open playback: %w", err))
	}
	if !s.adopt(func() { s.playDev = playDev }) {
		closeQuietly(log, "playback", playDev.Close)
		return ErrStopped
	}

	capDev, err := s.deps.Capture.Open(ctx)
	if err != nil {
		if s.stopped() {
			return ErrStopped
		}
		return s.fail(KindCapture, fmt.Errorf("open capture: %w", err))
	}
	if !s.adopt(func() { s.capDev = capDev }) {
		closeQuietly(log, "capture", capDev.Close)
		return ErrStopped
	}

	// ── Wiring ──
	gate := turn.New(s.cfg.TurnPolicy, turn.WithOnOpen(func() {
		log.Info("session: user turn open")
	}))
	pipeline := capture.New(capture.Config{
		TargetRate: s.cfg.InputRate,
		Method:     s.cfg.Resample,
		QueueSize:  s.cfg.QueueSize,
		Meter:      &s.meter,
		Metrics:    s.metrics,
	}, gate, ch)
	sched := playback.New(playDev, playback.Config{
		Lead:      s.cfg.PlaybackLead,
		InputRate: s.cfg.OutputRate,
		Metrics:   s.metrics,
	})
	meterStop := make(chan struct{})
	workersDone := make(chan struct{})
	if !s.adopt(func() {
		s.gate = gate
		s.pipeline = pipeline
		s.sched = sched
		s.meterStop = meterStop
		s.workersDone = workersDone
	}) {
		return ErrStopped
	}

	g, gctx := errgroup.WithContext(s.ctx)
	audioIn := make(chan playback.Chunk, inboundQueueSize)
	g.Go(func() error {
		if err := pipeline.Run(gctx); err != nil {
			return &Error{Kind: KindTransport, Err: err}
		}
		return nil
	})
	g.Go(func() error { return s.route(gctx, log, ch, gate, sched, audioIn) })
	g.Go(func() error { return sched.Run(gctx, audioIn) })
	g.Go(func() error { s.meterLoop(gctx, meterStop); return nil })
	go s.supervise(log, g, workersDone)

	// Starting under the lock orders it before teardown's Stop.
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return ErrStopped
	}
	err = capDev.Start(s.ctx, pipeline.Process)
	s.mu.Unlock()
	if err != nil {
		return s.fail(KindCapture, fmt.Errorf("start capture: %w", err))
	}

	if !s.advance(StateInitializing, StateConnected) {
		// The remote end or Stop got there first.
		if err := s.Err(); err != nil {
			return err
		}
		return ErrStopped
	}
	log.Info("session: connected",
		"capture_rate", capDev.SampleRate(),
		"playback_rate", playDev.SampleRate(),
		"turn_policy", string(s.cfg.TurnPolicy),
	)
	return nil
}

// route is the single reader of the channel. It forwards audio to the
// playback consumer and applies control messages.
func (s *Session) route(ctx context.Context, log *slog.Logger, ch realtime.Channel,
	gate *turn.Gate, sched *playback.Scheduler, audioIn chan<- playback.Chunk) error {
	defer close(audioIn)

	msgs := ch.Messages()
	for {
		var msg realtime.Message
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case msg, ok = <-msgs:
		}
		if !ok {
			return errPeerClosed
		}

		switch msg.Kind {
		case realtime.KindAudio:
			select {
			case audioIn <- playback.Chunk{PCM: msg.Audio, Rate: msg.SampleRate}:
			case <-ctx.Done():
				return nil
			}
		case realtime.KindTurnComplete:
			gate.Open()
		case realtime.KindInterrupted:
			log.Debug("session: coach interrupted")
			sched.Reset()
		case realtime.KindTranscript:
			log.Debug("session: transcript", "role", msg.Role, "text", msg.Text)
		case realtime.KindClosed:
			log.Info("session: closed by remote", "reason", msg.Reason)
			return errPeerClosed
		case realtime.KindError:
			err := msg.Err
			if err == nil {
				err = errors.New(msg.Reason)
			}
			return &Error{Kind: KindTransport, Err: err}
		}
	}
}

// meterLoop publishes the microphone level until stop is closed.
func (s *Session) meterLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.MeterInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if s.cfg.OnLevel != nil {
				s.cfg.OnLevel(s.meter.Level())
			}
		}
	}
}

// supervise waits for the worker goroutines and ends the session according
// to the first one that failed.
func (s *Session) supervise(log *slog.Logger, g *errgroup.Group, done chan<- struct{}) {
	err := g.Wait()
	defer close(done)

	var se *Error
	switch {
	case err == nil:
		// Stopped locally; teardown is already under way.
	case errors.Is(err, errPeerClosed):
		s.terminate(StateClosed, nil)
	case errors.As(err, &se):
		log.Warn("session: failed", "kind", se.Kind.String(), "err", se.Err)
		s.terminate(StateErrored, se)
	default:
		s.terminate(StateErrored, &Error{Kind: KindTransport, Err: err})
	}
}

// Stop ends the session and releases its resources. It is safe to call at
// any time and more than once; it always returns nil. Stop waits for the
// session's goroutines to exit and must not be called from OnLevel or
// OnStateChange.
func (s *Session) Stop() error {
	s.terminate(StateClosed, nil)

	s.mu.Lock()
	workersDone := s.workersDone
	s.mu.Unlock()
	if workersDone != nil {
		<-workersDone
	}
	<-s.done
	return nil
}

// fail moves the session to StateErrored with a typed error and returns it.
// If teardown has already begun the failure is a late result and the
// caller gets ErrStopped instead.
func (s *Session) fail(kind Kind, err error) error {
	se := &Error{Kind: kind, Err: err}
	if !s.terminate(StateErrored, se) {
		return ErrStopped
	}
	return se
}

// adopt runs fn under the lock unless teardown has begun. It reports whether
// fn ran; a false result means the caller still owns whatever it was about
// to hand over.
func (s *Session) adopt(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	fn()
	return true
}

func (s *Session) stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// terminate moves the session to a terminal state and tears it down. Only the
// first call has any effect; it reports whether this call was the one.
func (s *Session) terminate(to State, err error) bool {
	s.transMu.Lock()
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		s.transMu.Unlock()
		return false
	}
	s.stopping = true
	s.err = err
	from := State(s.state.Swap(int32(to)))
	s.mu.Unlock()

	if from == StateConnected {
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	s.transitioned(from, to)
	s.transMu.Unlock()

	s.teardown()
	close(s.done)
	return true
}

// advance moves the session from one non-terminal state to the next unless
// teardown has begun.
func (s *Session) advance(from, to State) bool {
	s.transMu.Lock()
	defer s.transMu.Unlock()

	s.mu.Lock()
	ok := !s.stopping && s.state.CompareAndSwap(int32(from), int32(to))
	s.mu.Unlock()
	if !ok {
		return false
	}
	if to == StateConnected {
		s.metrics.ActiveSessions.Add(context.Background(), 1)
	}
	s.transitioned(from, to)
	return true
}

// teardown releases every resource in order. Each step is guarded against
// missing resources and panics; failures are logged and never returned.
func (s *Session) teardown() {
	s.cancel()

	s.mu.Lock()
	meterStop := s.meterStop
	capDev, pipeline := s.capDev, s.pipeline
	playDev, ch := s.playDev, s.channel
	s.meterStop, s.capDev, s.pipeline = nil, nil, nil
	s.playDev, s.channel, s.sched = nil, nil, nil
	s.mu.Unlock()

	log := slog.With("session_id", s.id)

	// 1. Metering loop.
	if meterStop != nil {
		release(log, "meter", func() error { close(meterStop); return nil })
	}
	// 2. Detach the capture pipeline: no further device callbacks, then stop
	// the sender.
	if capDev != nil {
		release(log, "capture.stop", capDev.Stop)
	}
	if pipeline != nil {
		release(log, "capture.pipeline", pipeline.Close)
	}
	// 3. Microphone handle.
	if capDev != nil {
		release(log, "capture.close", capDev.Close)
	}
	// 4. Output device.
	if playDev != nil {
		release(log, "playback.close", playDev.Close)
	}
	// 5. Transport.
	if ch != nil {
		release(log, "transport.close", ch.Close)
	}

	s.meter.Reset()
}

// transitioned logs and records a state change and notifies the observer.
func (s *Session) transitioned(from, to State) {
	slog.Info("session: state", "session_id", s.id, "from", from.String(), "to", to.String())
	s.metrics.RecordTransition(context.Background(), from.String(), to.String())
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(from, to)
	}
}

// release runs one teardown step, logging its error or panic.
func release(log *slog.Logger, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("session: teardown panic", "resource", name, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		log.Warn("session: teardown error", "resource", name, "err", err)
	}
}

// closeQuietly releases a resource obtained after teardown began.
func closeQuietly(log *slog.Logger, name string, fn func() error) {
	log.Debug("session: discarding late resource", "resource", name)
	release(log, name, fn)
}
