package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables read by [ApplyEnv].
const (
	EnvAccessToken = "VOICECOACH_ACCESS_TOKEN"
	EnvAPIBaseURL  = "VOICECOACH_API_BASE_URL"
)

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. Unknown keys are rejected. An empty
// document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and endpoints from the environment. lookup is
// usually [os.LookupEnv]; tests pass a map-backed function.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAccessToken); ok && v != "" {
		cfg.API.AccessToken = v
	}
	if v, ok := lookup(EnvAPIBaseURL); ok && v != "" {
		cfg.API.BaseURL = v
	}
}

// ApplyDefaults fills zero fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}
	v := &cfg.Voice
	if v.Transport.Name == "" {
		v.Transport.Name = TransportGeminiLive
	}
	if v.InputRate == 0 {
		v.InputRate = DefaultInputRate
	}
	if v.OutputRate == 0 {
		v.OutputRate = DefaultOutputRate
	}
	if v.Resample == "" {
		v.Resample = DefaultResample
	}
	if v.TurnPolicy == "" {
		v.TurnPolicy = DefaultTurnPolicy
	}
	if v.PlaybackLead == 0 {
		v.PlaybackLead = DefaultPlaybackLead
	}
	if v.QueueSize == 0 {
		v.QueueSize = DefaultQueueSize
	}
	if cfg.Devices.Backend == "" {
		cfg.Devices.Backend = DevicesMalgo
	}
	if cfg.Devices.PeriodFrames == 0 {
		cfg.Devices.PeriodFrames = DefaultPeriodFrames
	}
	if cfg.Observe.ServiceName == "" {
		cfg.Observe.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found and logs soft problems.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}

	// API
	if cfg.API.BaseURL != "" {
		u, err := url.Parse(cfg.API.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("api.base_url %q must be an absolute http(s) URL", cfg.API.BaseURL))
		} else if u.Scheme == "http" && !isLoopback(u.Hostname()) {
			slog.Warn("api.base_url uses plain http; the access token is sent unencrypted", "base_url", cfg.API.BaseURL)
		}
		if cfg.API.AccessToken == "" {
			slog.Warn("api.access_token is empty; token requests will be rejected", "env", EnvAccessToken)
		}
	} else if cfg.API.StaticToken == "" {
		errs = append(errs, errors.New("api.base_url or api.static_token is required"))
	}
	if cfg.API.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("api.request_timeout %v must not be negative", cfg.API.RequestTimeout))
	}

	// Voice
	v := cfg.Voice
	if v.Transport.Name == "" {
		errs = append(errs, errors.New("voice.transport.name is required"))
	} else {
		warnUnknown("transport", v.Transport.Name, TransportGeminiLive, TransportStream)
	}
	if v.Transport.Name == TransportStream && v.Transport.BaseURL == "" && cfg.API.BaseURL == "" {
		errs = append(errs, errors.New("voice.transport.base_url is required for the stream transport when api.base_url is empty"))
	}
	if v.InputRate < 8000 || v.InputRate > 48000 {
		errs = append(errs, fmt.Errorf("voice.input_rate %d is out of range [8000, 48000]", v.InputRate))
	}
	if v.OutputRate < 8000 || v.OutputRate > 48000 {
		errs = append(errs, fmt.Errorf("voice.output_rate %d is out of range [8000, 48000]", v.OutputRate))
	}
	if v.Resample != "linear" && v.Resample != "nearest" {
		errs = append(errs, fmt.Errorf("voice.resample %q is invalid; valid values: linear, nearest", v.Resample))
	}
	if v.TurnPolicy != "greet_first" && v.TurnPolicy != "open" {
		errs = append(errs, fmt.Errorf("voice.turn_policy %q is invalid; valid values: greet_first, open", v.TurnPolicy))
	}
	if v.TurnPolicy == "greet_first" && v.Greeting == "" {
		slog.Warn("voice.turn_policy is greet_first but voice.greeting is empty; the microphone stays muted until the coach finishes a turn")
	}
	if v.PlaybackLead < 0 {
		errs = append(errs, fmt.Errorf("voice.playback_lead %v must not be negative", v.PlaybackLead))
	}
	if v.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("voice.queue_size %d must be at least 1", v.QueueSize))
	}

	// Devices
	if cfg.Devices.Backend == "" {
		errs = append(errs, errors.New("devices.backend is required"))
	} else {
		warnUnknown("devices", cfg.Devices.Backend, DevicesMalgo, DevicesFFmpeg)
	}
	if cfg.Devices.PeriodFrames < 0 {
		errs = append(errs, fmt.Errorf("devices.period_frames %d must not be negative", cfg.Devices.PeriodFrames))
	}
	if cfg.Devices.FFmpeg.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("devices.ffmpeg.sample_rate %d must not be negative", cfg.Devices.FFmpeg.SampleRate))
	}

	return errors.Join(errs...)
}

// warnUnknown logs a warning when name is not one of the built-in names. The
// name may still resolve to a factory registered by the embedding program.
func warnUnknown(kind, name string, known ...string) {
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name; may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}
