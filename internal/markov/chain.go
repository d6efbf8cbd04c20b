// Package markov implements the fixed-order word transition model each chat
// is trained into, and sampling from it.
package markov

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

const (
	Begin = "___BEGIN__"
	End   = "___END__"

	DefaultStateSize = 1
	maxWalk          = 300
	keySep           = "\x00"
)

var (
	ErrEmptyChain    = errors.New("markov: chain has no transitions")
	ErrInvalidCounts = errors.New("markov: invalid transition counts")
)

// Rand is the randomness a Chain samples with. *math/rand/v2.Rand satisfies it.
type Rand interface {
	IntN(n int) int
}

// transitions is the compiled next-token distribution of one state.
// words is sorted so that two chains with equal counts sample identically.
type transitions struct {
	words      []string
	counts     []int
	cumulative []int
}

func (t *transitions) total() int {
	if len(t.cumulative) == 0 {
		return 0
	}
	return t.cumulative[len(t.cumulative)-1]
}

// pick draws a next token weighted by its observed count.
func (t *transitions) pick(rng Rand) string {
	r := rng.IntN(t.total())
	i := sort.SearchInts(t.cumulative, r+1)
	return t.words[i]
}

// Chain is an immutable order-k transition table. It is safe for
// concurrent sampling.
type Chain struct {
	stateSize int
	model     map[string]*transitions
	sentences [][]string
	corpus    string
	byLast    map[string][]string // lower-cased last token -> state keys
}

// Build trains a chain of order stateSize over sentences. Each sentence is
// split on whitespace and wrapped in Begin/End sentinels; sentences that
// are empty or contain a sentinel token are skipped.
func Build(sentences []string, stateSize int) (*Chain, error) {
	if stateSize <= 0 {
		stateSize = DefaultStateSize
	}

	counts := make(map[string]map[string]int)
	parsed := make([][]string, 0, len(sentences))
	for _, s := range sentences {
		words := strings.Fields(s)
		if len(words) == 0 || hasSentinel(words) {
			continue
		}
		parsed = append(parsed, words)

		items := make([]string, 0, stateSize+len(words)+1)
		for i := 0; i < stateSize; i++ {
			items = append(items, Begin)
		}
		items = append(items, words...)
		items = append(items, End)

		for i := 0; i+stateSize < len(items); i++ {
			key := stateKey(items[i : i+stateSize])
			next := items[i+stateSize]
			if counts[key] == nil {
				counts[key] = make(map[string]int)
			}
			counts[key][next]++
		}
	}

	return compile(stateSize, counts, parsed)
}

func compile(stateSize int, counts map[string]map[string]int, parsed [][]string) (*Chain, error) {
	c := &Chain{
		stateSize: stateSize,
		model:     make(map[string]*transitions, len(counts)),
		sentences: parsed,
		byLast:    make(map[string][]string),
	}

	for key, next := range counts {
		t := &transitions{
			words:      make([]string, 0, len(next)),
			counts:     make([]int, 0, len(next)),
			cumulative: make([]int, 0, len(next)),
		}
		for w, n := range next {
			if n < 0 {
				return nil, fmt.Errorf("%w: state %q -> %q has count %d", ErrInvalidCounts, key, w, n)
			}
			if n > 0 {
				t.words = append(t.words, w)
			}
		}
		sort.Strings(t.words)
		sum := 0
		for _, w := range t.words {
			if next[w] > math.MaxInt-sum {
				return nil, fmt.Errorf("%w: state %q overflows", ErrInvalidCounts, key)
			}
			sum += next[w]
			t.counts = append(t.counts, next[w])
			t.cumulative = append(t.cumulative, sum)
		}
		if sum == 0 {
			continue
		}
		c.model[key] = t

		state := splitKey(key)
		last := state[len(state)-1]
		if last != Begin {
			lower := strings.ToLower(last)
			c.byLast[lower] = append(c.byLast[lower], key)
		}
	}
	for _, keys := range c.byLast {
		sort.Strings(keys)
	}

	lines := make([]string, len(parsed))
	for i, words := range parsed {
		lines[i] = strings.Join(words, " ")
	}
	c.corpus = strings.Join(lines, "\n")

	if !c.Valid() {
		return nil, ErrEmptyChain
	}
	return c, nil
}

// StateSize returns the order k of the chain.
func (c *Chain) StateSize() int {
	return c.stateSize
}

// States returns the number of distinct states with outgoing transitions.
func (c *Chain) States() int {
	return len(c.model)
}

// Sentences returns the number of source sentences the chain was built from.
func (c *Chain) Sentences() int {
	return len(c.sentences)
}

// Valid reports whether any sentence can be started.
func (c *Chain) Valid() bool {
	if c == nil {
		return false
	}
	t, ok := c.model[c.beginKey()]
	return ok && t.total() > 0
}

// HasWord reports whether some state ends with word (case-insensitive).
func (c *Chain) HasWord(word string) bool {
	_, ok := c.byLast[strings.ToLower(word)]
	return ok
}

// followers returns the observed followers of state with their counts.
func (c *Chain) followers(state ...string) map[string]int {
	t, ok := c.model[stateKey(state)]
	if !ok {
		return nil
	}
	out := make(map[string]int, len(t.words))
	for i, w := range t.words {
		out[w] = t.counts[i]
	}
	return out
}

// Walk samples one token sequence from the all-Begin state. It returns
// nil when the walk does not reach End within the step limit.
func (c *Chain) Walk(rng Rand) []string {
	return c.walkFrom(rng, c.beginState())
}

func (c *Chain) walkFrom(rng Rand, state []string) []string {
	cur := make([]string, len(state))
	copy(cur, state)
	out := make([]string, 0, 16)
	for step := 0; step < maxWalk; step++ {
		t, ok := c.model[stateKey(cur)]
		if !ok {
			return nil
		}
		next := t.pick(rng)
		if next == End {
			return out
		}
		out = append(out, next)
		cur = append(cur[1:], next)
	}
	return nil
}

// walkWithStart samples a sequence that starts with the tokens of a random
// state ending in keyword.
func (c *Chain) walkWithStart(rng Rand, keyword string) []string {
	keys := c.byLast[strings.ToLower(keyword)]
	if len(keys) == 0 {
		return nil
	}
	state := splitKey(keys[rng.IntN(len(keys))])

	prefix := make([]string, 0, len(state))
	for _, tok := range state {
		if tok != Begin {
			prefix = append(prefix, tok)
		}
	}
	rest := c.walkFrom(rng, state)
	if rest == nil {
		return nil
	}
	return append(prefix, rest...)
}

func (c *Chain) beginState() []string {
	state := make([]string, c.stateSize)
	for i := range state {
		state[i] = Begin
	}
	return state
}

func (c *Chain) beginKey() string {
	return stateKey(c.beginState())
}

func stateKey(state []string) string {
	return strings.Join(state, keySep)
}

func splitKey(key string) []string {
	return strings.Split(key, keySep)
}

func hasSentinel(words []string) bool {
	for _, w := range words {
		if w == Begin || w == End || strings.Contains(w, keySep) {
			return true
		}
	}
	return false
}
