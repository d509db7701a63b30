package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/vistalk/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(config.Default(), config.Default())
	if d.Changed() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_HotReloadable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(t *testing.T, d config.ConfigDiff)
	}{
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "threshold",
			mutate: func(c *config.Config) { c.Detector.Threshold = 42 },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.ThresholdChanged || d.NewThreshold != 42 {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "voice",
			mutate: func(c *config.Config) { c.Playback.Voice = "alloy" },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.VoiceChanged || d.NewVoice != "alloy" || d.NewLanguage != "zh-CN" {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "language",
			mutate: func(c *config.Config) { c.Playback.Language = "en-US" },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.VoiceChanged || d.NewLanguage != "en-US" {
					t.Errorf("diff = %+v", d)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			newCfg := config.Default()
			tt.mutate(newCfg)
			d := config.Diff(config.Default(), newCfg)
			tt.check(t, d)
			if len(d.RestartRequired) != 0 {
				t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		section string
		mutate  func(*config.Config)
	}{
		{"server", func(c *config.Config) { c.Server.ListenAddr = ":9999" }},
		{"server", func(c *config.Config) { c.Server.AllowedOrigins = []string{"example.com"} }},
		{"capture", func(c *config.Config) { c.Capture.Encoding = config.EncodingMultipart }},
		{"detector", func(c *config.Config) { c.Detector.Analyser.Smoothing = 0.8 }},
		{"playback", func(c *config.Config) { c.Playback.Output = config.OutputNone }},
		{"providers", func(c *config.Config) { c.Providers.TTS.Options = map[string]any{"speed": 1.2} }},
		{"providers", func(c *config.Config) {
			c.Providers.TTSFallbacks = []config.ProviderEntry{{Name: "elevenlabs"}}
		}},
		{"providers", func(c *config.Config) { c.Providers.Breaker.MaxFailures = 9 }},
		{"relay", func(c *config.Config) { c.Relay.Enabled = true }},
	}
	for _, tt := range tests {
		newCfg := config.Default()
		tt.mutate(newCfg)
		d := config.Diff(config.Default(), newCfg)
		if !slices.Equal(d.RestartRequired, []string{tt.section}) {
			t.Errorf("%s: RestartRequired = %v", tt.section, d.RestartRequired)
		}
		if !d.Changed() {
			t.Errorf("%s: Changed() = false", tt.section)
		}
	}
}
