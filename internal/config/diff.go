package config

import (
	"fmt"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; every other
// change is reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ThresholdChanged bool
	NewThreshold     float64

	// VoiceChanged is set when playback.language or playback.voice changed.
	VoiceChanged bool
	NewLanguage  string
	NewVoice     string

	// RestartRequired lists sections whose changes only apply after a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ThresholdChanged || d.VoiceChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Detector.Threshold != new.Detector.Threshold {
		d.ThresholdChanged = true
		d.NewThreshold = new.Detector.Threshold
	}

	if old.Playback.Language != new.Playback.Language || old.Playback.Voice != new.Playback.Voice {
		d.VoiceChanged = true
		d.NewLanguage = new.Playback.Language
		d.NewVoice = new.Playback.Voice
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !serverEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Capture != new.Capture {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	oldDet, newDet := old.Detector, new.Detector
	oldDet.Threshold, newDet.Threshold = 0, 0
	if oldDet != newDet {
		d.RestartRequired = append(d.RestartRequired, "detector")
	}
	if old.Playback.Output != new.Playback.Output || old.Playback.Dir != new.Playback.Dir {
		d.RestartRequired = append(d.RestartRequired, "playback")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Relay != new.Relay {
		d.RestartRequired = append(d.RestartRequired, "relay")
	}

	return d
}

func serverEqual(a, b ServerConfig) bool {
	if a.ListenAddr != b.ListenAddr || a.LogLevel != b.LogLevel {
		return false
	}
	if !slices.Equal(a.AllowedOrigins, b.AllowedOrigins) {
		return false
	}
	if (a.TLS == nil) != (b.TLS == nil) {
		return false
	}
	return a.TLS == nil || *a.TLS == *b.TLS
}

func providersEqual(a, b ProvidersConfig) bool {
	if !entryEqual(a.TTS, b.TTS) || !entryEqual(a.VAD, b.VAD) || !entryEqual(a.Source, b.Source) {
		return false
	}
	return a.Breaker == b.Breaker && slices.EqualFunc(a.TTSFallbacks, b.TTSFallbacks, entryEqual)
}

func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		if w, ok := b.Options[k]; !ok || fmt.Sprint(v) != fmt.Sprint(w) {
			return false
		}
	}
	return true
}
