// Command voicecoach runs one GreenSteps voice coaching session from the
// terminal: it obtains a capability token, opens the microphone and speakers,
// and streams audio to the realtime coach until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/greensteps/voicecoach/internal/app"
	"github.com/greensteps/voicecoach/internal/config"
	"github.com/greensteps/voicecoach/internal/observe"
	"github.com/greensteps/voicecoach/internal/session"
	"github.com/greensteps/voicecoach/internal/token"
	"github.com/greensteps/voicecoach/pkg/audio/ffmpeg"
	"github.com/greensteps/voicecoach/pkg/audio/malgo"
	"github.com/greensteps/voicecoach/pkg/realtime"
	"github.com/greensteps/voicecoach/pkg/realtime/gemini"
	"github.com/greensteps/voicecoach/pkg/realtime/stream"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voicecoach.yaml", "path to the YAML configuration file")
	stepID := flag.String("step", "", "coaching step to practise (required)")
	proof := flag.String("proof", "", "human-verification token forwarded to the token endpoint")
	meter := flag.Bool("meter", false, "draw the microphone level on stderr")
	flag.Parse()

	if *stepID == "" {
		fmt.Fprintln(os.Stderr, "voicecoach: -step is required")
		flag.Usage()
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicecoach: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicecoach: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(&level, cfg.Server.LogFormat))

	slog.Info("voicecoach starting",
		"config", *configPath,
		"step_id", *stepID,
		"transport", cfg.Voice.Transport.Name,
		"devices", cfg.Devices.Backend,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	var opts []app.Option
	metrics := observe.DefaultMetrics()
	if cfg.Observe.Enabled {
		tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
			ServiceName: cfg.Observe.ServiceName,
		})
		if err != nil {
			slog.Error("failed to initialise telemetry", "err", err)
			return 1
		}
		metrics = tel.Metrics
		opts = append(opts,
			app.WithMetricsHandler(tel.Handler()),
			app.WithCloser(func() error {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return tel.Shutdown(sctx)
			}),
		)
	}
	opts = append(opts, app.WithMetrics(metrics))
	if *meter {
		opts = append(opts, app.WithLevelObserver(drawLevel))
	}

	// ── Backends ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	backends, err := buildBackends(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build backends", "err", err)
		return 1
	}

	application, err := app.New(cfg, backends, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		if backends.Devices.Close != nil {
			_ = backends.Devices.Close()
		}
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, next *config.Config, diff config.ConfigDiff) {
		if diff.LogLevelChanged {
			level.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level changed", "level", diff.NewLogLevel)
		}
		application.ApplyConfig(old, next, diff)
	})
	if err != nil {
		slog.Warn("config reload disabled", "err", err)
	} else {
		go watcher.Run(ctx)
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	slog.Info("connecting to the coach; press Ctrl+C to end the session")
	runErr := application.Run(ctx, *stepID, *proof)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown error", "err", err)
	}

	if runErr != nil {
		var se *session.Error
		if errors.As(runErr, &se) {
			fmt.Fprintln(os.Stderr, se.UserMessage())
		}
		slog.Error("session failed", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the shipped transports and device backends
// into reg.
func registerBuiltinBackends(reg *config.Registry) {
	// ── Transports ────────────────────────────────────────────────────────────

	reg.RegisterTransport(config.TransportGeminiLive, func(tc config.TransportConfig, api config.APIConfig) (realtime.Dialer, error) {
		var opts []gemini.Option
		if tc.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(tc.BaseURL))
		}
		if key := config.OptString(tc.Options, "api_key"); key != "" {
			opts = append(opts, gemini.WithAPIKey(key))
		}
		if voice := config.OptString(tc.Options, "voice"); voice != "" {
			opts = append(opts, gemini.WithVoice(voice))
		}
		if config.OptBool(tc.Options, "transcription") {
			opts = append(opts, gemini.WithTranscription(true))
		}
		if raw := config.OptString(tc.Options, "setup_timeout"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("option setup_timeout: %w", err)
			}
			opts = append(opts, gemini.WithSetupTimeout(d))
		}
		return gemini.New(opts...), nil
	})

	reg.RegisterTransport(config.TransportStream, func(tc config.TransportConfig, api config.APIConfig) (realtime.Dialer, error) {
		base := tc.BaseURL
		if base == "" {
			base = api.BaseURL
		}
		var opts []stream.Option
		if api.AccessToken != "" {
			opts = append(opts, stream.WithAccessToken(api.AccessToken))
		}
		return stream.New(base, opts...), nil
	})

	// ── Devices ───────────────────────────────────────────────────────────────

	reg.RegisterDevices(config.DevicesMalgo, func(dc config.DevicesConfig) (config.Devices, error) {
		mctx, err := malgo.NewContext()
		if err != nil {
			return config.Devices{}, err
		}
		return config.Devices{
			Capture: &malgo.CaptureOpener{
				Ctx:          mctx,
				DeviceName:   dc.CaptureDevice,
				PeriodFrames: dc.PeriodFrames,
			},
			Playback: &malgo.PlaybackOpener{Ctx: mctx, DeviceName: dc.PlaybackDevice},
			Close:    mctx.Close,
		}, nil
	})

	// ffmpeg captures; speakers still go through miniaudio.
	reg.RegisterDevices(config.DevicesFFmpeg, func(dc config.DevicesConfig) (config.Devices, error) {
		mctx, err := malgo.NewContext()
		if err != nil {
			return config.Devices{}, err
		}
		return config.Devices{
			Capture: &ffmpeg.CaptureOpener{
				Command:      dc.FFmpeg.Command,
				InputFormat:  dc.FFmpeg.InputFormat,
				InputDevice:  dc.FFmpeg.InputDevice,
				SampleRate:   dc.FFmpeg.SampleRate,
				PeriodFrames: dc.PeriodFrames,
			},
			Playback: &malgo.PlaybackOpener{Ctx: mctx, DeviceName: dc.PlaybackDevice},
			Close:    mctx.Close,
		}, nil
	})

	slog.Debug("registered backends", "transports", reg.Transports(), "devices", reg.DeviceBackends())
}

// buildBackends instantiates the issuer, dialer and devices named in cfg.
func buildBackends(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (app.Backends, error) {
	var b app.Backends

	if cfg.API.StaticToken != "" {
		slog.Warn("using a static capability token; intended for local development only")
		b.Issuer = &token.StaticIssuer{Token: token.CapabilityToken{
			Token: cfg.API.StaticToken,
			Model: cfg.Voice.Transport.Model,
		}}
	} else {
		issuer, err := token.NewHTTPIssuer(cfg.API.BaseURL,
			token.WithAccessToken(cfg.API.AccessToken),
			token.WithTimeout(cfg.API.RequestTimeout),
			token.WithMetrics(metrics),
		)
		if err != nil {
			return b, err
		}
		b.Issuer = issuer
	}

	dialer, err := reg.CreateTransport(cfg.Voice.Transport, cfg.API)
	if err != nil {
		return b, fmt.Errorf("create transport %q: %w", cfg.Voice.Transport.Name, err)
	}
	b.Dialer = dialer
	slog.Info("transport created", "name", cfg.Voice.Transport.Name)

	devices, err := reg.CreateDevices(cfg.Devices)
	if err != nil {
		return b, fmt.Errorf("create devices %q: %w", cfg.Devices.Backend, err)
	}
	b.Devices = devices
	slog.Info("devices created", "backend", cfg.Devices.Backend)

	return b, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(level slog.Leveler, format config.LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// drawLevel renders a 30-column bar for a level in [0, 1].
func drawLevel(v float64) {
	n := int(v*30 + 0.5)
	fmt.Fprintf(os.Stderr, "\r[%-30s]", strings.Repeat("#", n))
}
