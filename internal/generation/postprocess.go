package generation

import (
	"strings"
	"unicode/utf8"
)

const usageInstructions = "---\n" +
	"How to use this prompt:\n" +
	"1. Copy the text above into your AI assistant.\n" +
	"2. Replace any remaining generic details with specifics from your situation.\n" +
	"3. If the answer misses the mark, add one more constraint and ask again."

// Normalize converts line endings to LF, strips trailing whitespace, keeps at
// most one blank line between paragraphs and trims the result.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func postProcess(s string, includeInstructions bool) string {
	s = Normalize(s)
	if includeInstructions && s != "" {
		s += "\n\n" + usageInstructions
	}
	return s
}

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
