package render

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// SplitRunes cuts text into chunks of at most max runes. Every chunk but the
// last has exactly max runes, so len(result) == ceil(runes/max).
func SplitRunes(text string, max int) []string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return []string{text}
	}

	var chunks []string
	runes := []rune(text)
	for len(runes) > max {
		chunks = append(chunks, string(runes[:max]))
		runes = runes[max:]
	}
	return append(chunks, string(runes))
}

// annotation is the small status line shown under a message while it is
// still being generated
func annotation(now time.Time, kind string) string {
	return fmt.Sprintf("-# %s · %s", now.UTC().Format(time.RFC3339), kind)
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
