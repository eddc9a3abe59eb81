package session

// State is the lifecycle position of a [Session].
type State int32

const (
	// StateIdle is the state of a new session before Start.
	StateIdle State = iota

	// StateInitializing covers token issuance, dialing and device setup.
	StateInitializing

	// StateConnected means audio flows in both directions.
	StateConnected

	// StateClosed is the terminal state after Stop or an orderly close by
	// the remote end.
	StateClosed

	// StateErrored is the terminal state after a failure. [Session.Err]
	// holds the cause.
	StateErrored
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}
