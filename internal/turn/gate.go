// Package turn decides whether microphone audio may be forwarded upstream.
//
// A session starts with the coach speaking: the gate is closed so the
// greeting is not answered by the learner's room noise. The first turn
// completion from the service opens it, and it stays open for the rest of the
// session so the learner can barge in. The gate controls forwarding only;
// capture, metering and playback run regardless.
package turn

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// State is the turn-taking state of a session.
type State int32

const (
	// AgentSpeaking holds microphone audio back.
	AgentSpeaking State = iota

	// UserTurnOpen forwards microphone audio.
	UserTurnOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case AgentSpeaking:
		return "agent_speaking"
	case UserTurnOpen:
		return "user_turn_open"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Policy selects the gate's initial state.
type Policy string

const (
	// PolicyGreetFirst keeps the gate closed until the first turn completes.
	PolicyGreetFirst Policy = "greet_first"

	// PolicyOpen forwards audio from the start. Used with transports that do
	// not speak first.
	PolicyOpen Policy = "open"
)

// IsValid reports whether p is a known policy.
func (p Policy) IsValid() bool {
	return p == PolicyGreetFirst || p == PolicyOpen
}

// Gate is safe for concurrent use. Allow is called from the audio callback and
// never blocks.
type Gate struct {
	state  atomic.Int32
	once   sync.Once
	onOpen func()
}

// Option configures a Gate.
type Option func(*Gate)

// WithOnOpen registers fn to run once, on the goroutine that opens the gate.
func WithOnOpen(fn func()) Option {
	return func(g *Gate) { g.onOpen = fn }
}

// New returns a gate whose initial state follows policy. An empty or unknown
// policy behaves like [PolicyGreetFirst].
func New(policy Policy, opts ...Option) *Gate {
	g := &Gate{}
	for _, o := range opts {
		o(g)
	}
	if policy == PolicyOpen {
		g.Open()
	}
	return g
}

// State returns the current state.
func (g *Gate) State() State {
	return State(g.state.Load())
}

// Allow reports whether a captured block may be forwarded now.
func (g *Gate) Allow() bool {
	return g.State() == UserTurnOpen
}

// Open moves the gate to [UserTurnOpen]. Subsequent calls are no-ops; the gate
// never closes again.
func (g *Gate) Open() {
	g.once.Do(func() {
		g.state.Store(int32(UserTurnOpen))
		if g.onOpen != nil {
			g.onOpen()
		}
	})
}
