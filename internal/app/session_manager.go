package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/greensteps/voicecoach/internal/session"
)

// SessionInfo holds metadata about the current or most recent session.
type SessionInfo struct {
	// SessionID is the session's unique identifier.
	SessionID string `json:"session_id,omitempty"`

	// StepID is the coaching step the session practises.
	StepID string `json:"step_id,omitempty"`

	// StartedAt is when Start was called.
	StartedAt time.Time `json:"started_at,omitzero"`

	// State is the session's lifecycle state.
	State string `json:"state"`

	// Error is the user-facing failure message, if the session errored.
	Error string `json:"error,omitempty"`
}

// SessionManager runs at most one voice session at a time. Starting a new
// session fully stops the previous one first. All exported methods are safe
// for concurrent use.
type SessionManager struct {
	deps session.Deps
	now  func() time.Time

	// startMu serialises Start calls. Stop does not take it so it can
	// interrupt a Start in progress.
	startMu sync.Mutex

	mu      sync.Mutex
	cfg     session.Config
	current *session.Session
	stepID  string
	started time.Time
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	// Deps are passed to every session.
	Deps session.Deps

	// Session is the initial per-session configuration.
	Session session.Config
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	now := cfg.Deps.Now
	if now == nil {
		now = time.Now
	}
	return &SessionManager{
		deps: cfg.Deps,
		cfg:  cfg.Session,
		now:  now,
	}
}

// Start stops any live session, then starts a new one for stepID. It returns
// once the new session is connected or has failed; failures are
// [*session.Error] values.
func (sm *SessionManager) Start(ctx context.Context, stepID, proof string) (SessionInfo, error) {
	sm.startMu.Lock()
	defer sm.startMu.Unlock()

	sm.mu.Lock()
	prev := sm.current
	sm.mu.Unlock()
	if prev != nil {
		// Never two live sessions: the old one releases its devices first.
		_ = prev.Stop()
		slog.Info("app: previous session stopped", "session_id", prev.ID())
	}

	sm.mu.Lock()
	s := session.New(sm.deps, sm.cfg)
	sm.current = s
	sm.stepID = stepID
	sm.started = sm.now()
	sm.mu.Unlock()

	slog.Info("app: starting session", "session_id", s.ID(), "step_id", stepID)
	if err := s.Start(ctx, stepID, proof); err != nil {
		if errors.Is(err, session.ErrStopped) {
			return sm.Info(), err
		}
		return sm.Info(), fmt.Errorf("app: start session: %w", err)
	}
	return sm.Info(), nil
}

// Stop ends the current session, if any. It is idempotent and always
// returns nil.
func (sm *SessionManager) Stop() error {
	sm.mu.Lock()
	s := sm.current
	sm.mu.Unlock()
	if s == nil {
		return nil
	}
	_ = s.Stop()
	slog.Info("app: session stopped", "session_id", s.ID())
	return nil
}

// Current returns the current or most recent session, or nil.
func (sm *SessionManager) Current() *session.Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// Active reports whether a session is initializing or connected.
func (sm *SessionManager) Active() bool {
	s := sm.Current()
	if s == nil {
		return false
	}
	return !s.State().Terminal() && s.State() != session.StateIdle
}

// Info returns metadata about the current or most recent session. Without
// one it reports state "idle".
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	s, step, started := sm.current, sm.stepID, sm.started
	sm.mu.Unlock()

	if s == nil {
		return SessionInfo{State: session.StateIdle.String()}
	}
	info := SessionInfo{
		SessionID: s.ID(),
		StepID:    step,
		StartedAt: started,
		State:     s.State().String(),
	}
	var se *session.Error
	if errors.As(s.Err(), &se) {
		info.Error = se.UserMessage()
	}
	return info
}

// SetConfig replaces the configuration used for sessions started from now
// on. A live session keeps its settings.
func (sm *SessionManager) SetConfig(cfg session.Config) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cfg = cfg
}

// Config returns the configuration for the next session.
func (sm *SessionManager) Config() session.Config {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.cfg
}

// Check is a readiness probe. It fails when the most recent session ended
// with an error.
func (sm *SessionManager) Check(_ context.Context) error {
	s := sm.Current()
	if s == nil || s.State() != session.StateErrored {
		return nil
	}
	return fmt.Errorf("app: last session failed: %w", s.Err())
}
