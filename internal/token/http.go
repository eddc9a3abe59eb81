package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/greensteps/voicecoach/internal/observe"
	"github.com/greensteps/voicecoach/internal/resilience"
)

// tokenPath is the token endpoint relative to the API base URL.
const tokenPath = "/voice/token"

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// Option configures an [HTTPIssuer].
type Option func(*HTTPIssuer)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(i *HTTPIssuer) { i.client = c }
}

// WithAccessToken sets the bearer token that authenticates the user.
func WithAccessToken(tok string) Option {
	return func(i *HTTPIssuer) { i.accessToken = tok }
}

// WithTimeout bounds each request. Zero means no bound beyond the caller's
// context.
func WithTimeout(d time.Duration) Option {
	return func(i *HTTPIssuer) { i.timeout = d }
}

// WithBreaker replaces the circuit breaker guarding the endpoint.
func WithBreaker(cb *resilience.Breaker) Option {
	return func(i *HTTPIssuer) { i.breaker = cb }
}

// WithMetrics sets the metrics sink. Nil uses [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(i *HTTPIssuer) { i.metrics = m }
}

// HTTPIssuer requests tokens from the coaching backend's REST API.
// It is safe for concurrent use.
type HTTPIssuer struct {
	endpoint    string
	accessToken string
	timeout     time.Duration
	client      *http.Client
	breaker     *resilience.Breaker
	metrics     *observe.Metrics
}

var _ Issuer = (*HTTPIssuer)(nil)

// NewHTTPIssuer creates an issuer for the API at baseURL.
func NewHTTPIssuer(baseURL string, opts ...Option) (*HTTPIssuer, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("token: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("token: base url %q must be http or https", baseURL)
	}

	i := &HTTPIssuer{
		endpoint: u.String() + tokenPath,
		client:   http.DefaultClient,
	}
	for _, o := range opts {
		o(i)
	}
	if i.breaker == nil {
		i.breaker = resilience.New(resilience.Config{
			Name:      "token",
			Threshold: 3,
			Cooldown:  30 * time.Second,
			IsFailure: func(err error) bool {
				return err != nil && !callerFault(err)
			},
		})
	}
	i.metrics = observe.OrDefault(i.metrics)
	return i, nil
}

// Check reports [ErrUnavailable] while the circuit breaker is open. It makes
// no request and is meant for readiness probes.
func (i *HTTPIssuer) Check(_ context.Context) error {
	snap := i.breaker.Snapshot()
	if snap.State == resilience.Open {
		return fmt.Errorf("token: %w until %s: %w", ErrUnavailable,
			snap.RetryAt.Format(time.TimeOnly), resilience.ErrOpen)
	}
	return nil
}

// tokenRequest is the request body of the token endpoint.
type tokenRequest struct {
	StepID         string `json:"step_id"`
	TurnstileToken string `json:"turnstile_token"`
}

// tokenResponse is the success envelope.
type tokenResponse struct {
	Status string `json:"status"`
	Data   *struct {
		Token                string `json:"token"`
		ExpireTime           string `json:"expire_time"`
		NewSessionExpireTime string `json:"new_session_expire_time"`
		Model                string `json:"model"`
	} `json:"data"`
}

// errorDetail is the {code, message} pair carried by error envelopes.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorResponse covers both {"error": {...}} and the framework's
// {"detail": ...} form, where detail may be an object, a string or a list.
type errorResponse struct {
	Error  *errorDetail    `json:"error"`
	Detail json.RawMessage `json:"detail"`
}

// Issue implements [Issuer].
func (i *HTTPIssuer) Issue(ctx context.Context, stepID, proof string) (CapabilityToken, error) {
	if strings.TrimSpace(stepID) == "" {
		return CapabilityToken{}, ErrMissingStep
	}

	ctx, span := observe.StartSpan(ctx, "token.issue")
	defer span.End()
	start := time.Now()

	var tok CapabilityToken
	err := i.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		tok, err = i.request(ctx, stepID, proof)
		return err
	})
	if errors.Is(err, resilience.ErrOpen) {
		err = fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	i.metrics.TokenDuration.Record(ctx, time.Since(start).Seconds())
	i.metrics.RecordTokenRequest(ctx, statusLabel(err))
	if err != nil {
		observe.SpanError(span, err)
		return CapabilityToken{}, err
	}
	return tok, nil
}

func (i *HTTPIssuer) request(ctx context.Context, stepID, proof string) (CapabilityToken, error) {
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	body, err := json.Marshal(tokenRequest{StepID: stepID, TurnstileToken: proof})
	if err != nil {
		return CapabilityToken{}, fmt.Errorf("token: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint, bytes.NewReader(body))
	if err != nil {
		return CapabilityToken{}, fmt.Errorf("token: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if i.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+i.accessToken)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
			return CapabilityToken{}, fmt.Errorf("token: request: %w", ctxErr)
		}
		return CapabilityToken{}, fmt.Errorf("token: request: %w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return CapabilityToken{}, fmt.Errorf("token: read response: %w: %w", ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return CapabilityToken{}, decodeError(resp.StatusCode, raw)
	}
	return decodeToken(raw)
}

func decodeToken(raw []byte) (CapabilityToken, error) {
	var env tokenResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		return CapabilityToken{}, fmt.Errorf("token: decode response: %w: %w", ErrUnavailable, err)
	}
	if env.Data == nil || env.Data.Token == "" {
		return CapabilityToken{}, fmt.Errorf("token: decode response: %w: no token in response", ErrUnavailable)
	}

	tok := CapabilityToken{Token: env.Data.Token, Model: env.Data.Model}
	var err error
	if tok.ExpireTime, err = parseTime(env.Data.ExpireTime); err != nil {
		return CapabilityToken{}, fmt.Errorf("token: expire_time: %w: %w", ErrUnavailable, err)
	}
	if tok.NewSessionExpireTime, err = parseTime(env.Data.NewSessionExpireTime); err != nil {
		return CapabilityToken{}, fmt.Errorf("token: new_session_expire_time: %w: %w", ErrUnavailable, err)
	}
	return tok, nil
}

// parseTime accepts RFC 3339 timestamps with optional fractional seconds.
// An empty string yields the zero time.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func decodeError(status int, raw []byte) error {
	apiErr := &APIError{Status: status}

	var env errorResponse
	if json.Unmarshal(raw, &env) == nil {
		switch {
		case env.Error != nil:
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		case len(env.Detail) > 0:
			var d errorDetail
			var s string
			if json.Unmarshal(env.Detail, &d) == nil && (d.Code != "" || d.Message != "") {
				apiErr.Code, apiErr.Message = d.Code, d.Message
			} else if json.Unmarshal(env.Detail, &s) == nil {
				apiErr.Message = s
			} else {
				apiErr.Message = string(env.Detail)
			}
		}
	} else if len(raw) > 0 {
		apiErr.Message = truncate(string(raw), 200)
	}

	apiErr.Kind = classify(status, apiErr.Code)
	return fmt.Errorf("token: %w", apiErr)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// statusLabel is the metric label for the outcome of a request.
func statusLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, resilience.ErrOpen):
		return "circuit_open"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrStepNotFound):
		return "not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrInvalidProof):
		return "invalid_proof"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
