// Package config provides the configuration schema, loader and backend
// registry for the voice coach client.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Built-in backend names. Additional names may be registered in a [Registry].
const (
	TransportGeminiLive = "gemini-live"
	TransportStream     = "stream"

	DevicesMalgo  = "malgo"
	DevicesFFmpeg = "ffmpeg"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultInputRate    = 16000
	DefaultOutputRate   = 24000
	DefaultResample     = "linear"
	DefaultTurnPolicy   = "greet_first"
	DefaultPlaybackLead = 50 * time.Millisecond
	DefaultQueueSize    = 64
	DefaultPeriodFrames = 4096
	DefaultServiceName  = "voicecoach"
)

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	API     APIConfig     `yaml:"api"`
	Voice   VoiceConfig   `yaml:"voice"`
	Devices DevicesConfig `yaml:"devices"`
	Observe ObserveConfig `yaml:"observe"`
}

// ServerConfig holds logging and local HTTP settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or JSON log output.
	LogFormat LogFormat `yaml:"log_format"`

	// MetricsAddr, when set, serves /metrics, /healthz and /readyz on this
	// address (e.g. "127.0.0.1:9464").
	MetricsAddr string `yaml:"metrics_addr"`
}

// APIConfig points at the GreenSteps backend that issues capability tokens.
type APIConfig struct {
	// BaseURL is the backend API root, e.g. "https://api.greensteps.app/api".
	// Empty selects the static token below.
	BaseURL string `yaml:"base_url"`

	// AccessToken is the user's bearer token. Prefer VOICECOACH_ACCESS_TOKEN.
	AccessToken string `yaml:"access_token"`

	// RequestTimeout bounds each token request. Zero means no bound beyond
	// the caller's context.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// StaticToken is a pre-minted capability token used when BaseURL is
	// empty. Local development only.
	StaticToken string `yaml:"static_token"`
}

// VoiceConfig holds the session's audio and turn-taking settings.
type VoiceConfig struct {
	// Transport selects the realtime channel implementation.
	Transport TransportConfig `yaml:"transport"`

	// InputRate is the outbound wire rate in Hz.
	InputRate int `yaml:"input_rate"`

	// OutputRate is the inbound wire rate in Hz.
	OutputRate int `yaml:"output_rate"`

	// Resample is "linear" or "nearest".
	Resample string `yaml:"resample"`

	// TurnPolicy is "greet_first" or "open".
	TurnPolicy string `yaml:"turn_policy"`

	// Greeting is sent once when the channel is ready.
	Greeting string `yaml:"greeting"`

	// PlaybackLead is the scheduling lead for coach audio.
	PlaybackLead time.Duration `yaml:"playback_lead"`

	// QueueSize bounds the outbound audio queue in blocks.
	QueueSize int `yaml:"queue_size"`
}

// TransportConfig is the common configuration block for transports. Name is
// used to look up the constructor in the [Registry].
type TransportConfig struct {
	// Name selects the registered transport (e.g. "gemini-live", "stream").
	Name string `yaml:"name"`

	// BaseURL overrides the transport's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the upstream model. Empty uses the model named by the
	// capability token.
	Model string `yaml:"model"`

	// Options holds transport-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// DevicesConfig selects the audio backend.
type DevicesConfig struct {
	// Backend selects the registered device backend ("malgo", "ffmpeg").
	Backend string `yaml:"backend"`

	// CaptureDevice selects a microphone by backend-specific id or name.
	CaptureDevice string `yaml:"capture_device"`

	// PlaybackDevice selects a speaker by backend-specific id or name.
	PlaybackDevice string `yaml:"playback_device"`

	// PeriodFrames is the capture block size in frames.
	PeriodFrames int `yaml:"period_frames"`

	// FFmpeg configures the ffmpeg capture process.
	FFmpeg FFmpegConfig `yaml:"ffmpeg"`
}

// FFmpegConfig configures capture through an ffmpeg subprocess.
type FFmpegConfig struct {
	Command     string `yaml:"command"`
	InputFormat string `yaml:"input_format"`
	InputDevice string `yaml:"input_device"`
	SampleRate  int    `yaml:"sample_rate"`
}

// ObserveConfig controls telemetry.
type ObserveConfig struct {
	// ServiceName is reported as the OTel service.name resource attribute.
	ServiceName string `yaml:"service_name"`

	// Enabled turns on the meter and tracer providers.
	Enabled bool `yaml:"enabled"`
}
