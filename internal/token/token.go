// Package token obtains short-lived capability tokens for the realtime speech
// endpoint from the coaching backend.
//
// The backend mints a single-use token per step: the token is bound to the
// model and the coaching instructions for that step, and it must be used to
// open a realtime session before NewSessionExpireTime. A token is requested
// once per session and never refreshed.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Errors returned by an [Issuer] wrap exactly one of these
// when the cause is known.
var (
	// ErrMissingStep is returned when the step id is empty. No request is made.
	ErrMissingStep = errors.New("token: step id is required")

	// ErrUnauthorized means the access token was missing, expired or rejected.
	ErrUnauthorized = errors.New("token: not authenticated")

	// ErrStepNotFound means the step does not exist or belongs to another user.
	ErrStepNotFound = errors.New("token: step not found")

	// ErrRateLimited means the backend throttled the request.
	ErrRateLimited = errors.New("token: rate limited")

	// ErrInvalidProof means the human-verification proof was rejected or the
	// request failed validation.
	ErrInvalidProof = errors.New("token: verification failed")

	// ErrUnavailable means the backend or the speech service behind it could
	// not issue a token right now.
	ErrUnavailable = errors.New("token: service unavailable")

	// ErrExpired means the token can no longer be used to open a session.
	ErrExpired = errors.New("token: expired")
)

// CapabilityToken is a credential for one realtime session.
type CapabilityToken struct {
	// Token is the opaque credential passed to the realtime endpoint.
	Token string

	// ExpireTime bounds the lifetime of the session opened with the token.
	ExpireTime time.Time

	// NewSessionExpireTime is the deadline for opening the session.
	NewSessionExpireTime time.Time

	// Model is the realtime model the token is constrained to.
	Model string
}

// Usable reports whether a session may still be opened with t at now.
// It returns an error wrapping [ErrExpired] once NewSessionExpireTime has
// passed. A zero deadline never expires.
func (t CapabilityToken) Usable(now time.Time) error {
	if t.NewSessionExpireTime.IsZero() || now.Before(t.NewSessionExpireTime) {
		return nil
	}
	return fmt.Errorf("%w: session deadline %s passed", ErrExpired,
		t.NewSessionExpireTime.Format(time.RFC3339))
}

// Issuer obtains a [CapabilityToken] for a step. proof is the
// human-verification token forwarded to the backend; it may be empty when the
// deployment does not require it.
type Issuer interface {
	Issue(ctx context.Context, stepID, proof string) (CapabilityToken, error)
}

// IssuerFunc adapts a function to [Issuer].
type IssuerFunc func(ctx context.Context, stepID, proof string) (CapabilityToken, error)

// Issue calls f.
func (f IssuerFunc) Issue(ctx context.Context, stepID, proof string) (CapabilityToken, error) {
	return f(ctx, stepID, proof)
}

// StaticIssuer hands out a pre-minted token. Useful for local runs against a
// realtime endpoint with an API key, and in tests.
type StaticIssuer struct {
	Token CapabilityToken
}

var _ Issuer = (*StaticIssuer)(nil)

// Issue returns the configured token.
func (s *StaticIssuer) Issue(ctx context.Context, stepID, _ string) (CapabilityToken, error) {
	if stepID == "" {
		return CapabilityToken{}, ErrMissingStep
	}
	if err := ctx.Err(); err != nil {
		return CapabilityToken{}, err
	}
	return s.Token, nil
}

// APIError is a non-2xx response from the token endpoint.
type APIError struct {
	// Status is the HTTP status code.
	Status int

	// Code and Message come from the response's error envelope when present.
	Code    string
	Message string

	// Kind is the sentinel the status maps to.
	Kind error
}

// Error implements error.
func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "no detail"
	}
	if e.Code != "" {
		return fmt.Sprintf("%v (status %d, %s): %s", e.Kind, e.Status, e.Code, msg)
	}
	return fmt.Sprintf("%v (status %d): %s", e.Kind, e.Status, msg)
}

// Unwrap returns the sentinel.
func (e *APIError) Unwrap() error { return e.Kind }

// classify maps an HTTP status and error code to a sentinel.
func classify(status int, code string) error {
	switch {
	case status == 403 && code == "captcha_failed":
		return ErrInvalidProof
	case status == 401 || status == 403:
		return ErrUnauthorized
	case status == 404:
		return ErrStepNotFound
	case status == 429:
		return ErrRateLimited
	case status == 400 || status == 422:
		return ErrInvalidProof
	default:
		return ErrUnavailable
	}
}

// callerFault reports whether err says something about the request rather
// than about backend health.
func callerFault(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrStepNotFound) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrInvalidProof) ||
		errors.Is(err, context.Canceled)
}
