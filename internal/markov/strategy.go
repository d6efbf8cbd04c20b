package markov

import (
	"math"
	"strings"
	"unicode/utf8"
)

// Strategy bounds one family of sampling attempts. Strategies trade
// novelty against grammaticality through their overlap limits.
type Strategy struct {
	Name            string  `json:"name"`
	MinWords        int     `json:"minWords"`
	MaxChars        int     `json:"maxChars"`
	MaxOverlapRatio float64 `json:"maxOverlapRatio"`
	MaxOverlapTotal int     `json:"maxOverlapTotal"`
	Tries           int     `json:"tries"`
}

// DefaultStrategies are tried in order: novel output first, then looser
// overlap, then verbatim-allowed output as the last resort.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "novel", MinWords: 3, MaxChars: 100, MaxOverlapRatio: 0.7, MaxOverlapTotal: 15, Tries: 50},
		{Name: "loose", MinWords: 3, MaxChars: 140, MaxOverlapRatio: 0.9, MaxOverlapTotal: 20, Tries: 50},
		{Name: "echo", MinWords: 3, MaxChars: 200, MaxOverlapRatio: 1, Tries: 100},
	}
}

// Candidate is a sampled sequence together with the filter that accepts it.
type Candidate func(words []string) bool

// Make samples up to s.Tries sequences from the start of a sentence and
// returns the first one the strategy and accept both allow.
func (c *Chain) Make(rng Rand, s Strategy, accept Candidate) (string, bool) {
	return c.sample(rng, s, accept, func() []string { return c.Walk(rng) })
}

// MakeWithStart is like Make but every sequence begins at a state ending
// with keyword. It fails fast when the chain has never seen keyword.
func (c *Chain) MakeWithStart(rng Rand, s Strategy, keyword string, accept Candidate) (string, bool) {
	if !c.HasWord(keyword) {
		return "", false
	}
	return c.sample(rng, s, accept, func() []string { return c.walkWithStart(rng, keyword) })
}

func (c *Chain) sample(rng Rand, s Strategy, accept Candidate, walk func() []string) (string, bool) {
	tries := s.Tries
	if tries <= 0 {
		tries = 1
	}
	for i := 0; i < tries; i++ {
		words := walk()
		if words == nil {
			continue
		}
		if !c.acceptable(s, words) {
			continue
		}
		if accept != nil && !accept(words) {
			continue
		}
		return strings.Join(words, " "), true
	}
	return "", false
}

func (c *Chain) acceptable(s Strategy, words []string) bool {
	if len(words) == 0 || len(words) < s.MinWords {
		return false
	}
	if s.MaxChars > 0 && utf8.RuneCountInString(strings.Join(words, " ")) > s.MaxChars {
		return false
	}
	return c.novel(s, words)
}

// novel rejects candidates that copy too long a run of consecutive words
// from a single source sentence.
func (c *Chain) novel(s Strategy, words []string) bool {
	if s.MaxOverlapRatio >= 1 {
		return true
	}
	overlapMax := int(math.Round(s.MaxOverlapRatio * float64(len(words))))
	if s.MaxOverlapTotal > 0 && s.MaxOverlapTotal < overlapMax {
		overlapMax = s.MaxOverlapTotal
	}
	window := overlapMax + 1
	if window > len(words) {
		window = len(words)
	}
	grams := len(words) - overlapMax
	if grams < 1 {
		grams = 1
	}
	for i := 0; i < grams && i+window <= len(words); i++ {
		if containsRun(c.corpus, strings.Join(words[i:i+window], " ")) {
			return false
		}
	}
	return true
}

// containsRun reports whether gram occurs in corpus on word boundaries.
func containsRun(corpus, gram string) bool {
	for from := 0; ; {
		idx := strings.Index(corpus[from:], gram)
		if idx < 0 {
			return false
		}
		start := from + idx
		end := start + len(gram)
		leftOK := start == 0 || corpus[start-1] == ' ' || corpus[start-1] == '\n'
		rightOK := end == len(corpus) || corpus[end] == ' ' || corpus[end] == '\n'
		if leftOK && rightOK {
			return true
		}
		from = start + 1
	}
}
