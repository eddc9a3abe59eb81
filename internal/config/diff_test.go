package config_test

import (
	"slices"
	"testing"

	"github.com/greensteps/voicecoach/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()

	a, b := validConfig(), validConfig()
	if d := config.Diff(a, b); !d.Empty() {
		t.Errorf("Diff = %+v, want empty", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()

	a, b := validConfig(), validConfig()
	b.Server.LogLevel = config.LogDebug

	d := config.Diff(a, b)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("Diff = %+v", d)
	}
	if d.VoiceChanged || len(d.RestartRequired) != 0 {
		t.Errorf("unexpected extra changes: %+v", d)
	}
}

func TestDiff_VoiceSettings(t *testing.T) {
	t.Parallel()

	mutations := map[string]func(*config.Config){
		"greeting":    func(c *config.Config) { c.Voice.Greeting = "Hi there" },
		"turn policy": func(c *config.Config) { c.Voice.TurnPolicy = "open" },
		"resample":    func(c *config.Config) { c.Voice.Resample = "nearest" },
		"lead":        func(c *config.Config) { c.Voice.PlaybackLead *= 2 },
		"queue":       func(c *config.Config) { c.Voice.QueueSize = 8 },
		"input rate":  func(c *config.Config) { c.Voice.InputRate = 24000 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			a, b := validConfig(), validConfig()
			mutate(b)
			d := config.Diff(a, b)
			if !d.VoiceChanged {
				t.Errorf("VoiceChanged = false for %s", name)
			}
			if len(d.RestartRequired) != 0 {
				t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	a, b := validConfig(), validConfig()
	b.API.AccessToken = "rotated"
	b.Voice.Transport.Options = map[string]any{"voice": "Puck"}
	b.Devices.CaptureDevice = "USB"

	d := config.Diff(a, b)
	want := []string{"api", "voice.transport", "devices"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.VoiceChanged {
		t.Error("transport change reported as a voice change")
	}
}

func TestDiff_NestedTransportOptions(t *testing.T) {
	t.Parallel()

	a, b := validConfig(), validConfig()
	a.Voice.Transport.Options = map[string]any{"headers": map[string]any{"x": "1"}}
	b.Voice.Transport.Options = map[string]any{"headers": map[string]any{"x": "1"}}

	if d := config.Diff(a, b); !d.Empty() {
		t.Errorf("Diff = %+v, want empty for equal nested options", d)
	}
}
