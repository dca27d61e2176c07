package gateway

import (
	"regexp"
	"strings"
)

// injection patterns stripped from prompts before they reach a provider.
// Firing a pattern never fails the request; the flags ride along in the
// result.
var injectionPatterns = []struct {
	name    string
	pattern *regexp.Regexp
}{
	{"ignore-previous", regexp.MustCompile(`(?i)ignore\s+(?:all\s+)?previous\s+instructions?`)},
	{"you-are-now", regexp.MustCompile(`(?i)you\s+are\s+now\s+`)},
	{"role-prefix", regexp.MustCompile(`(?im)^\s*(?:system|assistant|human)\s*:\s*`)},
	{"disregard", regexp.MustCompile(`(?i)\bdisregard\b.{0,40}(?:instructions?|rules?|above)`)},
	{"override", regexp.MustCompile(`(?i)\boverride\b.{0,40}(?:instructions?|rules?|safety)`)},
	{"forget", regexp.MustCompile(`(?i)\bforget\b.{0,40}(?:instructions?|rules?|above|everything)`)},
	{"fenced-role", regexp.MustCompile("(?is)```\\s*(?:system|assistant)\\b.*?```")},
	{"xml-system", regexp.MustCompile(`(?is)<\s*/?\s*system\s*>`)},
}

var zeroWidthRe = regexp.MustCompile(`[\x{200B}-\x{200F}\x{FEFF}]`)

// Sanitize strips zero-width characters and known injection patterns,
// reporting which patterns fired.
func Sanitize(prompt string) (string, []string) {
	cleaned := zeroWidthRe.ReplaceAllString(prompt, "")

	var flags []string
	for _, p := range injectionPatterns {
		if p.pattern.MatchString(cleaned) {
			flags = append(flags, p.name)
			cleaned = p.pattern.ReplaceAllString(cleaned, " ")
		}
	}

	cleaned = strings.Join(strings.Fields(cleaned), " ")
	return cleaned, flags
}
