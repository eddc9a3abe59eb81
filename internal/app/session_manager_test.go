package app_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/greensteps/voicecoach/internal/app"
	"github.com/greensteps/voicecoach/internal/session"
	"github.com/greensteps/voicecoach/internal/token"
	"github.com/greensteps/voicecoach/pkg/realtime"
	rtmock "github.com/greensteps/voicecoach/pkg/realtime/mock"
)

// freshDialer hands out a new mock channel on every dial.
type freshDialer struct {
	mu       sync.Mutex
	channels []*rtmock.Channel
}

func (d *freshDialer) Dial(_ context.Context, _ realtime.DialConfig) (realtime.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := rtmock.NewChannel()
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *freshDialer) channel(i int) *rtmock.Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[i]
}

func (d *freshDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.channels)
}

func newManager(t *testing.T, dialer realtime.Dialer, issuer token.Issuer, cfg session.Config) *app.SessionManager {
	t.Helper()
	mic, spk := newDevices()
	sm := app.NewSessionManager(app.SessionManagerConfig{
		Deps: session.Deps{
			Issuer:   issuer,
			Dialer:   dialer,
			Capture:  mic,
			Playback: spk,
			Metrics:  testMetrics(t),
		},
		Session: cfg,
	})
	t.Cleanup(func() { _ = sm.Stop() })
	return sm
}

func TestSessionManager_InfoBeforeStart(t *testing.T) {
	t.Parallel()

	sm := newManager(t, &freshDialer{}, staticIssuer(), session.Config{})

	info := sm.Info()
	if info.State != "idle" {
		t.Errorf("State = %q, want idle", info.State)
	}
	if info.SessionID != "" {
		t.Errorf("SessionID = %q, want empty", info.SessionID)
	}
	if sm.Active() {
		t.Error("Active() = true before any session")
	}
	if sm.Current() != nil {
		t.Error("Current() != nil before any session")
	}
	if err := sm.Check(context.Background()); err != nil {
		t.Errorf("Check = %v, want nil", err)
	}
	if err := sm.Stop(); err != nil {
		t.Errorf("Stop without a session = %v, want nil", err)
	}
}

func TestSessionManager_StartReportsInfo(t *testing.T) {
	t.Parallel()

	sm := newManager(t, &freshDialer{}, staticIssuer(), session.Config{})

	info, err := sm.Start(context.Background(), "step-7", "proof")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if info.State != "connected" {
		t.Errorf("State = %q, want connected", info.State)
	}
	if info.StepID != "step-7" {
		t.Errorf("StepID = %q, want step-7", info.StepID)
	}
	if info.SessionID == "" || info.SessionID != sm.Current().ID() {
		t.Errorf("SessionID = %q, want current session's ID", info.SessionID)
	}
	if info.StartedAt.IsZero() {
		t.Error("StartedAt is zero")
	}
	if !sm.Active() {
		t.Error("Active() = false after Start")
	}
}

func TestSessionManager_StartReplacesLiveSession(t *testing.T) {
	t.Parallel()

	d := &freshDialer{}
	sm := newManager(t, d, staticIssuer(), session.Config{})

	if _, err := sm.Start(context.Background(), "step-1", ""); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	first := sm.Current()

	if _, err := sm.Start(context.Background(), "step-2", ""); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	second := sm.Current()

	if first == second {
		t.Fatal("second Start reused the first session")
	}
	if got := first.State(); got != session.StateClosed {
		t.Errorf("first session state = %v, want closed", got)
	}
	if got := d.channel(0).CloseCalls(); got == 0 {
		t.Error("first session's channel was not closed")
	}
	if got := second.State(); got != session.StateConnected {
		t.Errorf("second session state = %v, want connected", got)
	}
	if d.dials() != 2 {
		t.Errorf("dials = %d, want 2", d.dials())
	}
	if got := sm.Info().StepID; got != "step-2" {
		t.Errorf("StepID = %q, want step-2", got)
	}
}

func TestSessionManager_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	sm := newManager(t, &freshDialer{}, staticIssuer(), session.Config{})
	if _, err := sm.Start(context.Background(), "step-1", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := range 3 {
		if err := sm.Stop(); err != nil {
			t.Fatalf("Stop #%d: %v", i+1, err)
		}
	}
	if sm.Active() {
		t.Error("Active() = true after Stop")
	}
	if got := sm.Info().State; got != "closed" {
		t.Errorf("State = %q, want closed", got)
	}
	if err := sm.Check(context.Background()); err != nil {
		t.Errorf("Check after clean stop = %v, want nil", err)
	}
}

func TestSessionManager_StartFailure(t *testing.T) {
	t.Parallel()

	issuer := token.IssuerFunc(func(context.Context, string, string) (token.CapabilityToken, error) {
		return token.CapabilityToken{}, fmt.Errorf("token: issue: %w", token.ErrUnauthorized)
	})
	sm := newManager(t, &freshDialer{}, issuer, session.Config{})

	info, err := sm.Start(context.Background(), "step-1", "")
	var se *session.Error
	if !errors.As(err, &se) {
		t.Fatalf("Start error = %v, want *session.Error", err)
	}
	if se.Kind != session.KindToken {
		t.Errorf("Kind = %v, want token", se.Kind)
	}
	if info.State != "errored" {
		t.Errorf("State = %q, want errored", info.State)
	}
	if info.Error != "Log in again to start a voice session." {
		t.Errorf("Error = %q", info.Error)
	}
	if err := sm.Check(context.Background()); err == nil {
		t.Error("Check = nil after a failed session")
	}
}

func TestSessionManager_SetConfigAppliesToNextSession(t *testing.T) {
	t.Parallel()

	d := &freshDialer{}
	sm := newManager(t, d, staticIssuer(), session.Config{Greeting: "first"})

	if _, err := sm.Start(context.Background(), "step-1", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sm.SetConfig(session.Config{Greeting: "second"})
	if got := sm.Config().Greeting; got != "second" {
		t.Errorf("Config().Greeting = %q, want second", got)
	}
	if _, err := sm.Start(context.Background(), "step-1", ""); err != nil {
		t.Fatalf("restart: %v", err)
	}

	if got := d.channel(0).SentText(); len(got) != 1 || got[0] != "first" {
		t.Errorf("first session greeting = %q, want [first]", got)
	}
	if got := d.channel(1).SentText(); len(got) != 1 || got[0] != "second" {
		t.Errorf("second session greeting = %q, want [second]", got)
	}
}
