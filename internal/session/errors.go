package session

import (
	"errors"

	"github.com/greensteps/voicecoach/internal/token"
	"github.com/greensteps/voicecoach/pkg/audio"
)

var (
	// ErrAlreadyStarted is returned by Start on a session that has left
	// [StateIdle]. Sessions are single-use.
	ErrAlreadyStarted = errors.New("session: already started")

	// ErrStopped is returned by Start when the session was stopped, or ended,
	// before it could connect.
	ErrStopped = errors.New("session: stopped")
)

// Kind classifies a session failure.
type Kind int

const (
	// KindCapture covers microphone and speaker acquisition failures.
	KindCapture Kind = iota + 1

	// KindToken covers failures obtaining a capability token.
	KindToken

	// KindTransport covers dial failures, dropped connections and errors
	// signalled by the speech service.
	KindTransport
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindCapture:
		return "capture"
	case KindToken:
		return "token"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error is a terminal session failure. Use [errors.As] to recover it from
// [Session.Err] or the error returned by Start.
type Error struct {
	Kind Kind
	Err  error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Err == nil {
		return "session: " + e.Kind.String() + " failure"
	}
	return "session: " + e.Kind.String() + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// UserMessage returns a short, actionable sentence suitable for showing to
// the person using the session.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindCapture:
		switch {
		case errors.Is(e.Err, audio.ErrPermissionDenied):
			return "Allow microphone access to start a session."
		case errors.Is(e.Err, audio.ErrDeviceUnavailable):
			return "Microphone unavailable. Connect a microphone and start a new session."
		default:
			return "Could not open the audio devices. Check your microphone and speakers, then start a new session."
		}
	case KindToken:
		switch {
		case errors.Is(e.Err, token.ErrUnauthorized):
			return "Log in again to start a voice session."
		case errors.Is(e.Err, token.ErrStepNotFound):
			return "This step is no longer available."
		case errors.Is(e.Err, token.ErrRateLimited):
			return "Too many session attempts. Wait a moment, then try again."
		case errors.Is(e.Err, token.ErrInvalidProof):
			return "Security verification failed. Please try again."
		default:
			return "Could not start the session. Please try again."
		}
	case KindTransport:
		return "The connection to the coach was lost. Start a new session to continue."
	default:
		return "Something went wrong. Start a new session to continue."
	}
}

// PermissionDenied reports whether err is a capture failure caused by the
// operating system refusing microphone access.
func PermissionDenied(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindCapture && errors.Is(se.Err, audio.ErrPermissionDenied)
}
