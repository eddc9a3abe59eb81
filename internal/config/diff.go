package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// LogLevelChanged is applied immediately.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged means rates, resampling, turn policy, greeting, lead or
	// queue size differ. Applied to the next session; a live session keeps
	// its settings.
	VoiceChanged bool

	// RestartRequired lists sections whose changes only take effect after a
	// restart (e.g. "api", "voice.transport", "devices").
	RestartRequired []string
}

// Empty reports whether d carries no changes.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VoiceChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	ov, nv := old.Voice, new.Voice
	if ov.InputRate != nv.InputRate ||
		ov.OutputRate != nv.OutputRate ||
		ov.Resample != nv.Resample ||
		ov.TurnPolicy != nv.TurnPolicy ||
		ov.Greeting != nv.Greeting ||
		ov.PlaybackLead != nv.PlaybackLead ||
		ov.QueueSize != nv.QueueSize {
		d.VoiceChanged = true
	}

	if old.Server.LogFormat != new.Server.LogFormat || old.Server.MetricsAddr != new.Server.MetricsAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.API != new.API {
		d.RestartRequired = append(d.RestartRequired, "api")
	}
	if !sameTransport(ov.Transport, nv.Transport) {
		d.RestartRequired = append(d.RestartRequired, "voice.transport")
	}
	if old.Devices != new.Devices {
		d.RestartRequired = append(d.RestartRequired, "devices")
	}
	if old.Observe != new.Observe {
		d.RestartRequired = append(d.RestartRequired, "observe")
	}

	return d
}

func sameTransport(a, b TransportConfig) bool {
	return a.Name == b.Name &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		reflect.DeepEqual(a.Options, b.Options)
}
