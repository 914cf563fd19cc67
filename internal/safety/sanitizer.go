// Package safety cleans inbound message content before it enters a
// conversation record. Cleaning is fail-soft: suspicious or malformed input
// is rewritten into something safe to store, never rejected.
package safety

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxContentLength is the hard cap on stored message content, in runes.
// Longer input is truncated with an ellipsis marker.
const MaxContentLength = 8000

// Issue describes one rewrite applied while cleaning input.
type Issue struct {
	Reason  string
	Pattern string // which pattern matched, for logging
}

// Sanitizer rewrites message content into sanitized text.
type Sanitizer struct{}

// NewSanitizer creates a new Sanitizer instance.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{}
}

type neutralizePattern struct {
	re     *regexp.Regexp
	repl   string
	reason string
}

var neutralizePatterns = []neutralizePattern{
	// Chat template tags smuggled into user content.
	{
		re:     regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`),
		repl:   "",
		reason: "injection marker: chat template tag",
	},
	{
		re:     regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`),
		repl:   "",
		reason: "injection marker: [SYSTEM] tag",
	},
	// Null-ish escape sequences that survive some platform encodings.
	{
		re:     regexp.MustCompile(`\\u0000|\\x00`),
		repl:   "",
		reason: "encoded null byte",
	},
}

// Clean returns a sanitized copy of input plus the list of rewrites applied.
// The returned string is always valid UTF-8, free of control characters
// (newline and tab excepted), and at most MaxContentLength runes.
func (s *Sanitizer) Clean(input string) (string, []Issue) {
	var issues []Issue

	out := input
	if !utf8.ValidString(out) {
		out = strings.ToValidUTF8(out, "�")
		issues = append(issues, Issue{Reason: "invalid utf-8 replaced"})
	}

	for _, pat := range neutralizePatterns {
		if pat.re.MatchString(out) {
			out = pat.re.ReplaceAllString(out, pat.repl)
			issues = append(issues, Issue{Reason: pat.reason, Pattern: pat.re.String()})
		}
	}

	if cleaned, changed := stripControl(out); changed {
		out = cleaned
		issues = append(issues, Issue{Reason: "control characters removed"})
	}

	if runes := []rune(out); len(runes) > MaxContentLength {
		out = string(runes[:MaxContentLength]) + "…"
		issues = append(issues, Issue{Reason: "content truncated at length cap"})
	}

	return strings.TrimSpace(out), issues
}

func stripControl(input string) (string, bool) {
	changed := false
	out := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == '​' || r == '‎' || r == '‏' {
			changed = true
			return -1
		}
		return r
	}, input)
	return out, changed
}
