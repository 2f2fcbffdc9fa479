package client

import (
	"regexp"
	"strings"
)

const DefaultFallbackText = "Sorry, something went wrong on our side. Please send your message again in a moment."

var structuredRe = regexp.MustCompile(`(?s)^\s*[\[{].*[\]}]\s*$`)

// LooksStructured reports whether text looks like serialized data rather
// than something meant for a person to read.
func LooksStructured(text string) bool {
	t := strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(t, "{"), strings.HasPrefix(t, "["):
		return true
	case strings.HasPrefix(strings.ToLower(t), "```json"):
		return true
	case structuredRe.MatchString(t):
		return true
	case strings.Contains(t, `"intent"`) && strings.Contains(t, `"confidence"`):
		return true
	}
	return false
}

// NormalizePhone strips the leading plus and the WhatsApp JID suffix.
func NormalizePhone(recipient string) string {
	p := strings.ReplaceAll(recipient, "+", "")
	return strings.ReplaceAll(p, "@s.whatsapp.net", "")
}
