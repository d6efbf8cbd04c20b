// Package filter decides which chat messages are admissible training data.
package filter

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultMinLength     = 3
	DefaultCommandPrefix = "/"
)

var urlMarkers = []string{"http://", "https://", "www.", "t.me/"}

// Policy holds the tunable rules of the validity filter.
type Policy struct {
	MinLength     int
	CommandPrefix string
	RejectURLs    bool
}

func DefaultPolicy() Policy {
	return Policy{
		MinLength:     DefaultMinLength,
		CommandPrefix: DefaultCommandPrefix,
	}
}

// Valid reports whether message can be used to train a chat model.
// Newlines are rejected because they delimit sentences in the corpus.
func (p Policy) Valid(message string) bool {
	s := strings.TrimSpace(message)
	if s == "" {
		return false
	}
	if strings.ContainsAny(s, "\r\n") {
		return false
	}
	minLen := p.MinLength
	if minLen <= 0 {
		minLen = DefaultMinLength
	}
	if utf8.RuneCountInString(s) < minLen {
		return false
	}
	if p.CommandPrefix != "" && strings.HasPrefix(s, p.CommandPrefix) {
		return false
	}
	if !hasAlphabeticToken(s) {
		return false
	}
	if distinctRunes(s) < 2 {
		return false
	}
	if p.RejectURLs && containsURL(s) {
		return false
	}
	return true
}

// Valid checks message against DefaultPolicy.
func Valid(message string) bool {
	return DefaultPolicy().Valid(message)
}

func hasAlphabeticToken(s string) bool {
	for _, field := range strings.Fields(s) {
		for _, r := range field {
			if unicode.IsLetter(r) {
				return true
			}
		}
	}
	return false
}

func distinctRunes(s string) int {
	seen := make(map[rune]struct{}, 8)
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		seen[unicode.ToLower(r)] = struct{}{}
		if len(seen) >= 2 {
			break
		}
	}
	return len(seen)
}

func containsURL(s string) bool {
	lower := strings.ToLower(s)
	for _, m := range urlMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
