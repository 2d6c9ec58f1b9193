package gateway

import "strings"

// maxMessageRunes is the platform's message size ceiling.
const maxMessageRunes = 2000

// truncate cuts s to fit one platform message, marking the cut with
// " ...". The result depends only on s.
func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxMessageRunes {
		return s
	}
	return string(r[:maxMessageRunes-4]) + " ..."
}

// subtext renders each non-blank line of s as platform subtext,
// separated by blank lines.
func subtext(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, "-# "+line)
		}
	}
	return strings.Join(lines, "\n\n")
}

// transcriptText renders a voice transcript as subtext, keeping its
// line structure.
func transcriptText(s string) string {
	return truncate("-# " + strings.ReplaceAll(s, "\n", "\n-# "))
}
