// Package app wires the voice coach subsystems into a running client.
//
// The App owns the full lifecycle: New builds the session manager and the
// local HTTP surface from a loaded config and a set of backends, Run drives
// one session to completion, and Shutdown releases everything in order.
//
// Backends (token issuer, realtime dialer, audio devices) are built by
// main.go through the config registry and passed in, so tests can inject
// mocks for every one of them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/greensteps/voicecoach/internal/config"
	"github.com/greensteps/voicecoach/internal/health"
	"github.com/greensteps/voicecoach/internal/observe"
	"github.com/greensteps/voicecoach/internal/session"
	"github.com/greensteps/voicecoach/internal/token"
	"github.com/greensteps/voicecoach/internal/turn"
	"github.com/greensteps/voicecoach/pkg/audio"
	"github.com/greensteps/voicecoach/pkg/realtime"
)

// shutdownGrace bounds the HTTP server drain when Run returns.
const shutdownGrace = 5 * time.Second

// Backends holds the constructed collaborators. Populated by main.go via the
// config registry.
type Backends struct {
	Issuer  token.Issuer
	Dialer  realtime.Dialer
	Devices config.Devices
}

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	backends Backends
	metrics  *observe.Metrics
	manager  *SessionManager

	onLevel        func(float64)
	metricsHandler http.Handler
	checkers       []health.Checker
	handler        http.Handler

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics sink. Nil uses [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelObserver receives the microphone level of the live session.
func WithLevelObserver(fn func(level float64)) Option {
	return func(a *App) { a.onLevel = fn }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithChecker adds a readiness check to /readyz.
func WithChecker(c health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c) }
}

// WithCloser registers fn to run during Shutdown, after the session stops.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and b.
func New(cfg *config.Config, b Backends, opts ...Option) (*App, error) {
	var errs []error
	if b.Issuer == nil {
		errs = append(errs, errors.New("token issuer is required"))
	}
	if b.Dialer == nil {
		errs = append(errs, errors.New("realtime dialer is required"))
	}
	if b.Devices.Capture == nil || b.Devices.Playback == nil {
		errs = append(errs, errors.New("capture and playback devices are required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a := &App{cfg: cfg, backends: b}
	for _, o := range opts {
		o(a)
	}
	a.metrics = observe.OrDefault(a.metrics)
	if b.Devices.Close != nil {
		a.closers = append(a.closers, b.Devices.Close)
	}

	a.manager = NewSessionManager(SessionManagerConfig{
		Deps: session.Deps{
			Issuer:   b.Issuer,
			Dialer:   b.Dialer,
			Capture:  b.Devices.Capture,
			Playback: b.Devices.Playback,
			Metrics:  a.metrics,
		},
		Session: a.sessionConfig(cfg.Voice),
	})

	checkers := append([]health.Checker{{Name: "session", Check: a.manager.Check}}, a.checkers...)
	if c, ok := b.Issuer.(interface{ Check(context.Context) error }); ok {
		checkers = append(checkers, health.Checker{Name: "token_api", Check: c.Check})
	}
	hh := health.New(checkers, health.WithStatus(func() any { return a.manager.Info() }))

	mux := http.NewServeMux()
	hh.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	a.handler = observe.Middleware(a.metrics, observe.WithSessionSource(a.liveSession))(mux)

	return a, nil
}

// sessionConfig maps the voice section onto per-session settings.
func (a *App) sessionConfig(v config.VoiceConfig) session.Config {
	return session.Config{
		Model:        v.Transport.Model,
		Greeting:     v.Greeting,
		TurnPolicy:   turn.Policy(v.TurnPolicy),
		InputRate:    v.InputRate,
		OutputRate:   v.OutputRate,
		Resample:     audio.Method(v.Resample),
		QueueSize:    v.QueueSize,
		PlaybackLead: v.PlaybackLead,
		OnLevel:      a.onLevel,
		OnStateChange: func(from, to session.State) {
			slog.Debug("app: session state", "from", from.String(), "to", to.String())
		},
	}
}

// liveSession reports the active session for request labelling.
func (a *App) liveSession() (sessionID, stepID string) {
	if !a.manager.Active() {
		return "", ""
	}
	info := a.manager.Info()
	return info.SessionID, info.StepID
}

// Manager returns the session manager.
func (a *App) Manager() *SessionManager { return a.manager }

// Handler returns the local HTTP surface: /healthz, /readyz and, when
// configured, /metrics.
func (a *App) Handler() http.Handler { return a.handler }

// ApplyConfig is the config watcher callback. Voice changes apply to the
// next session and log level changes are handled by the caller.
func (a *App) ApplyConfig(_, cfg *config.Config, diff config.ConfigDiff) {
	if diff.VoiceChanged {
		a.manager.SetConfig(a.sessionConfig(cfg.Voice))
		slog.Info("app: voice settings updated; they apply to the next session")
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP surface when server.metrics_addr is set and runs one
// session for stepID until it ends or ctx is cancelled. A cancelled ctx is a
// clean exit; a failed session returns its [*session.Error].
func (a *App) Run(ctx context.Context, stepID, proof string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Server.MetricsAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", addr, err)
		}
		srv := &http.Server{Handler: a.handler, ReadHeaderTimeout: 5 * time.Second}
		slog.Info("app: serving health and metrics", "addr", ln.Addr().String())
		g.Go(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		defer cancel()
		return a.runSession(gctx, stepID, proof)
	})
	return g.Wait()
}

func (a *App) runSession(ctx context.Context, stepID, proof string) error {
	info, err := a.manager.Start(ctx, stepID, proof)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, session.ErrStopped) {
			return nil
		}
		return err
	}
	slog.Info("app: session live", "session_id", info.SessionID, "step_id", info.StepID)

	s := a.manager.Current()
	select {
	case <-ctx.Done():
		return a.manager.Stop()
	case <-s.Done():
		if err := s.Err(); err != nil {
			return err
		}
		slog.Info("app: session ended by the coach", "session_id", s.ID())
		return nil
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the session and runs the registered closers in order. If
// ctx expires first, the remaining closers are skipped and the context error
// is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		_ = a.manager.Stop()

		var errs []error
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		shutdownErr = errors.Join(errs...)
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}
