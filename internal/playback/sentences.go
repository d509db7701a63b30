package playback

import "strings"

// SplitSentences breaks text after sentence-ending punctuation, including the
// full-width marks used in Chinese and Japanese. Fragments keep their
// punctuation; whitespace-only fragments are dropped.
func SplitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	runes := []rune(text)
	for i, r := range runes {
		cur.WriteRune(r)
		switch r {
		case '。', '！', '？', '；', '\n':
			flush()
		case '.', '!', '?':
			// Split only before whitespace so decimals like "3.5" stay intact.
			if i+1 == len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' {
				flush()
			}
		}
	}
	flush()
	return out
}
