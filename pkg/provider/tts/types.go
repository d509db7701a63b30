package tts

import "strings"

// LanguageMultilingual marks a voice that can speak any language.
const LanguageMultilingual = "mul"

// VoiceProfile describes a synthesis voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Languages lists the BCP-47 tags the voice can speak (e.g. "zh-CN",
	// "en"). [LanguageMultilingual] matches every language.
	Languages []string

	// SpeedFactor adjusts speaking rate (0.25–4.0, 0 or 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (gender, age, accent, etc.).
	Metadata map[string]string
}

// Speaks reports whether the voice can speak lang. Tags match when they are
// equal ignoring case and "_"/"-" differences, or when one is the primary
// subtag of the other ("zh" matches "zh-CN").
func (v VoiceProfile) Speaks(lang string) bool {
	want := normalizeTag(lang)
	if want == "" {
		return true
	}
	for _, l := range v.Languages {
		have := normalizeTag(l)
		if have == LanguageMultilingual || have == want {
			return true
		}
		if primary(have) == want || primary(want) == have {
			return true
		}
	}
	return false
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(tag), "_", "-"))
}

func primary(tag string) string {
	base, _, _ := strings.Cut(tag, "-")
	return base
}
