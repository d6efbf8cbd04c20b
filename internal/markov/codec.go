package markov

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// FormatVersion is written into every encoded chain.
const FormatVersion = 1

var ErrUnsupportedVersion = errors.New("markov: unsupported format version")

type chainJSON struct {
	Version   int          `json:"version"`
	StateSize int          `json:"state_size"`
	Chain     []chainEntry `json:"chain"`
	Sentences [][]string   `json:"sentences"`
}

// chainEntry encodes as a two-element array: [[state...], {next: count}].
type chainEntry struct {
	State []string
	Next  map[string]int
}

func (e chainEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.State, e.Next})
}

func (e *chainEntry) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("chain entry has %d elements, want 2", len(raw))
	}
	if err := json.Unmarshal(raw[0], &e.State); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	if err := json.Unmarshal(raw[1], &e.Next); err != nil {
		return fmt.Errorf("decode transitions: %w", err)
	}
	return nil
}

// MarshalJSON encodes the chain with states in sorted order, so encoding
// the same table twice yields the same bytes.
func (c *Chain) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(c.model))
	for k := range c.model {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := chainJSON{
		Version:   FormatVersion,
		StateSize: c.stateSize,
		Chain:     make([]chainEntry, 0, len(keys)),
		Sentences: c.sentences,
	}
	for _, k := range keys {
		t := c.model[k]
		next := make(map[string]int, len(t.words))
		for i, w := range t.words {
			next[w] = t.counts[i]
		}
		out.Chain = append(out.Chain, chainEntry{State: splitKey(k), Next: next})
	}
	if out.Sentences == nil {
		out.Sentences = [][]string{}
	}
	return json.Marshal(out)
}

// Decode rebuilds a chain from its JSON encoding.
func Decode(data []byte) (*Chain, error) {
	var in chainJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode chain: %w", err)
	}
	if in.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, in.Version)
	}
	if in.StateSize <= 0 {
		return nil, fmt.Errorf("decode chain: invalid state size %d", in.StateSize)
	}

	counts := make(map[string]map[string]int, len(in.Chain))
	for _, e := range in.Chain {
		if len(e.State) != in.StateSize {
			return nil, fmt.Errorf("decode chain: state %v has size %d, want %d", e.State, len(e.State), in.StateSize)
		}
		counts[stateKey(e.State)] = e.Next
	}
	return compile(in.StateSize, counts, in.Sentences)
}
