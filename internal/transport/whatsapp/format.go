package whatsapp

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// maxMessageLen is the longest text sent in one message.
const maxMessageLen = 65536

var (
	boldPattern   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	strikePattern = regexp.MustCompile(`~~(.+?)~~`)
	headerPattern = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	linkPattern   = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// FormatText rewrites the markdown subset dialogue engines tend to emit
// into WhatsApp markup (*bold*, ~strike~). Plain text is left alone.
func FormatText(text string) string {
	if text == "" {
		return ""
	}
	text = linkPattern.ReplaceAllString(text, "$1 ($2)")
	text = headerPattern.ReplaceAllString(text, "*$1*")
	text = boldPattern.ReplaceAllString(text, "*$1*")
	text = strikePattern.ReplaceAllString(text, "~$1~")
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(text)
}

// splitText cuts text into chunks of at most maxLen bytes, preferring
// newline boundaries.
func splitText(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		end := maxLen
		if end > len(text) {
			end = len(text)
		}
		if end < len(text) {
			for end > 1 && !utf8.RuneStart(text[end]) {
				end--
			}
			if idx := strings.LastIndex(text[:end], "\n"); idx > end/2 {
				end = idx + 1
			}
		}
		chunks = append(chunks, text[:end])
		text = text[end:]
	}
	return chunks
}
