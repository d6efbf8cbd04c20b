// Package generator owns the per-chat model lifecycle: learning from new
// messages, deciding when to retrain, and sampling replies.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/mimicbot/internal/filter"
	"github.com/stellarlinkco/mimicbot/internal/markov"
	"github.com/stellarlinkco/mimicbot/internal/modelstore"
	"github.com/stellarlinkco/mimicbot/internal/store"
)

const (
	DefaultMinMessages   = 20
	DefaultRebuildEvery  = 10
	DefaultValidateTries = 50

	minKeywordLetters = 4
	keywordPool       = 3
)

// MessageStore is the part of store.Engine the controller needs.
type MessageStore interface {
	Append(ctx context.Context, chatID int64, text string) error
	List(ctx context.Context, chatID int64, limit int) ([]string, error)
	Count(ctx context.Context, chatID int64) (int, error)
	Stats(ctx context.Context, chatID int64) (store.ChatStats, error)
	Clear(ctx context.Context, chatID int64) error
	ChatIDs(ctx context.Context) ([]int64, error)
	Size(ctx context.Context) (int64, error)
}

// ModelStore is the part of modelstore.Store the controller needs.
type ModelStore interface {
	Save(ctx context.Context, chatID int64, c *markov.Chain) error
	Load(ctx context.Context, chatID int64) (*markov.Chain, error)
	Delete(ctx context.Context, chatID int64) error
	Exists(ctx context.Context, chatID int64) (bool, error)
	Size(ctx context.Context, chatID int64) (int64, error)
}

type Options struct {
	Messages MessageStore
	Models   ModelStore
	Filter   filter.Policy

	StateSize    int
	MinMessages  int
	RebuildEvery int
	// KeepStaleModel keeps the previous model when a rebuild fails. When
	// false, a failed rebuild evicts and deletes it.
	KeepStaleModel bool

	Strategies        []markov.Strategy
	ValidateTries     int
	AppendPunctuation bool

	Rand *rand.Rand
	// OnRebuild is called once per rebuild attempt.
	OnRebuild func(chatID int64, err error)
}

// DefaultOptions returns Options with every tunable at its default.
// Messages and Models must still be set.
func DefaultOptions() Options {
	return Options{
		Filter:         filter.DefaultPolicy(),
		StateSize:      markov.DefaultStateSize,
		MinMessages:    DefaultMinMessages,
		RebuildEvery:   DefaultRebuildEvery,
		KeepStaleModel: true,
		Strategies:     markov.DefaultStrategies(),
		ValidateTries:  DefaultValidateTries,
	}
}

type State int

const (
	NoModel State = iota
	ModelReady
)

func (s State) String() string {
	if s == ModelReady {
		return "ready"
	}
	return "no_model"
}

// Controller is safe for concurrent use. Mutations of one chat are
// serialised; generation never blocks on them.
type Controller struct {
	opts  Options
	locks keyedMutex
	rng   *lockedRand

	cacheMu sync.RWMutex
	cache   map[int64]*markov.Chain
	epoch   map[int64]uint64
}

func New(opts Options) (*Controller, error) {
	if opts.Messages == nil || opts.Models == nil {
		return nil, fmt.Errorf("generator: message store and model store are required")
	}
	def := DefaultOptions()
	if opts.Filter.MinLength <= 0 && opts.Filter.CommandPrefix == "" {
		opts.Filter = def.Filter
	}
	if opts.StateSize <= 0 {
		opts.StateSize = def.StateSize
	}
	if opts.MinMessages <= 0 {
		opts.MinMessages = def.MinMessages
	}
	if opts.RebuildEvery <= 0 {
		opts.RebuildEvery = def.RebuildEvery
	}
	if len(opts.Strategies) == 0 {
		opts.Strategies = def.Strategies
	}
	if opts.ValidateTries <= 0 {
		opts.ValidateTries = def.ValidateTries
	}
	if opts.Rand == nil {
		seed := uint64(time.Now().UnixNano())
		opts.Rand = rand.New(rand.NewPCG(seed, seed>>1|1))
	}

	return &Controller{
		opts:  opts,
		rng:   &lockedRand{r: opts.Rand},
		cache: make(map[int64]*markov.Chain),
		epoch: make(map[int64]uint64),
	}, nil
}

// Options returns the effective options after defaults were applied.
func (c *Controller) Options() Options {
	return c.opts
}

// State reports whether chatID currently has a usable model.
func (c *Controller) State(ctx context.Context, chatID int64) State {
	if c.model(ctx, chatID) != nil {
		return ModelReady
	}
	return NoModel
}

// AddMessage learns text for chatID. Each line of text is filtered and
// stored on its own. valid reports whether any line passed the filter;
// added whether any line was stored. Crossing a threshold triggers a
// rebuild before AddMessage returns.
func (c *Controller) AddMessage(ctx context.Context, chatID int64, text string) (added, valid bool) {
	for _, line := range splitLines(text) {
		if !c.opts.Filter.Valid(line) {
			continue
		}
		valid = true
		if c.learn(ctx, chatID, strings.TrimSpace(line)) {
			added = true
		}
	}
	return added, valid
}

func (c *Controller) learn(ctx context.Context, chatID int64, line string) bool {
	unlock := c.locks.lock(chatID)
	defer unlock()

	if err := c.opts.Messages.Append(ctx, chatID, line); err != nil {
		log.Printf("[generator] chat %d: append message: %v", chatID, err)
		return false
	}

	total, err := c.opts.Messages.Count(ctx, chatID)
	if err != nil {
		log.Printf("[generator] chat %d: count messages: %v", chatID, err)
		return true
	}

	ready := c.model(ctx, chatID) != nil
	switch {
	case !ready && total >= c.opts.MinMessages:
		log.Printf("[generator] chat %d: %d messages, building first model", chatID, total)
	case ready && total%c.opts.RebuildEvery == 0:
		log.Printf("[generator] chat %d: %d messages, rebuilding model", chatID, total)
	default:
		return true
	}
	if err := c.rebuildLocked(ctx, chatID); err != nil {
		log.Printf("[generator] chat %d: rebuild: %v", chatID, err)
	}
	return true
}

// Rebuild retrains chatID's model from every stored message.
func (c *Controller) Rebuild(ctx context.Context, chatID int64) error {
	unlock := c.locks.lock(chatID)
	defer unlock()
	return c.rebuildLocked(ctx, chatID)
}

func (c *Controller) rebuildLocked(ctx context.Context, chatID int64) error {
	err := c.rebuild(ctx, chatID)
	if err != nil && !c.opts.KeepStaleModel {
		c.evict(chatID)
		if derr := c.opts.Models.Delete(ctx, chatID); derr != nil {
			log.Printf("[generator] chat %d: delete stale model: %v", chatID, derr)
		}
	}
	if c.opts.OnRebuild != nil {
		c.opts.OnRebuild(chatID, err)
	}
	return err
}

func (c *Controller) rebuild(ctx context.Context, chatID int64) error {
	texts, err := c.opts.Messages.List(ctx, chatID, 0)
	if err != nil {
		return fmt.Errorf("%w: list messages: %w", ErrStorage, err)
	}
	sentences := c.sentences(texts)
	if len(sentences) < c.opts.MinMessages {
		return fmt.Errorf("%w: %d of %d", ErrInsufficientData, len(sentences), c.opts.MinMessages)
	}

	chain, err := markov.Build(sentences, c.opts.StateSize)
	if err != nil {
		if errors.Is(err, markov.ErrEmptyChain) {
			return fmt.Errorf("%w: %w", ErrInsufficientData, err)
		}
		return fmt.Errorf("build model: %w", err)
	}

	lenient := c.opts.Strategies[len(c.opts.Strategies)-1]
	lenient.Tries = c.opts.ValidateTries
	if _, ok := chain.Make(c.rng, lenient, nil); !ok {
		return fmt.Errorf("validate model: %w", ErrGenerationExhausted)
	}

	if err := c.opts.Models.Save(ctx, chatID, chain); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}

	c.cacheMu.Lock()
	c.cache[chatID] = chain
	c.epoch[chatID]++
	c.cacheMu.Unlock()

	log.Printf("[generator] chat %d: model rebuilt from %d sentences (%d states)", chatID, chain.Sentences(), chain.States())
	return nil
}

// sentences filters texts into the training corpus, oldest first.
func (c *Controller) sentences(texts []string) []string {
	out := make([]string, 0, len(texts))
	for i := len(texts) - 1; i >= 0; i-- {
		for _, line := range splitLines(texts[i]) {
			if c.opts.Filter.Valid(line) {
				out = append(out, strings.TrimSpace(line))
			}
		}
	}
	return out
}

// Generate samples a reply for chatID. When seed has at least two words, a
// reply starting from one of its words is tried first. The reply never
// equals seed. ok is false when the chat has no model or every strategy ran
// out of tries.
func (c *Controller) Generate(ctx context.Context, chatID int64, seed string) (string, bool) {
	chain := c.model(ctx, chatID)
	if chain == nil {
		return "", false
	}

	seedNorm := normalize(seed)
	accept := func(words []string) bool {
		if seedNorm == "" {
			return true
		}
		raw := strings.Join(words, " ")
		return normalize(raw) != seedNorm && normalize(c.finish(raw)) != seedNorm
	}

	if len(strings.Fields(seed)) >= 2 {
		if kw, ok := c.keyword(chain, seed); ok {
			for _, s := range c.opts.Strategies {
				if text, ok := chain.MakeWithStart(c.rng, s, kw, accept); ok {
					return c.finish(text), true
				}
			}
		}
	}

	for _, s := range c.opts.Strategies {
		if text, ok := chain.Make(c.rng, s, accept); ok {
			return c.finish(text), true
		}
	}
	return "", false
}

// keyword picks one of the longest words of seed the chain knows.
func (c *Controller) keyword(chain *markov.Chain, seed string) (string, bool) {
	seen := make(map[string]bool)
	var words []string
	for _, w := range strings.Fields(seed) {
		w = strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}))
		if seen[w] || letterCount(w) < minKeywordLetters || !chain.HasWord(w) {
			continue
		}
		seen[w] = true
		words = append(words, w)
	}
	if len(words) == 0 {
		return "", false
	}
	sort.SliceStable(words, func(i, j int) bool {
		return utf8.RuneCountInString(words[i]) > utf8.RuneCountInString(words[j])
	})
	n := min(len(words), keywordPool)
	return words[c.rng.IntN(n)], true
}

func (c *Controller) finish(text string) string {
	words := strings.Fields(text)
	kept := words[:0]
	for _, w := range words {
		if w != markov.Begin && w != markov.End {
			kept = append(kept, w)
		}
	}
	out := strings.TrimSpace(strings.Join(kept, " "))
	if c.opts.AppendPunctuation && out != "" {
		last, _ := utf8.DecodeLastRuneInString(out)
		if !strings.ContainsRune(".!?…", last) {
			out += "."
		}
	}
	return out
}

// Clear forgets chatID entirely: messages, stickers and model. Clearing an
// empty chat succeeds.
func (c *Controller) Clear(ctx context.Context, chatID int64) error {
	unlock := c.locks.lock(chatID)
	defer unlock()

	if err := c.opts.Messages.Clear(ctx, chatID); err != nil {
		return fmt.Errorf("%w: clear messages: %w", ErrStorage, err)
	}
	if err := c.opts.Models.Delete(ctx, chatID); err != nil {
		return fmt.Errorf("%w: delete model: %w", ErrStorage, err)
	}
	c.evict(chatID)
	log.Printf("[generator] chat %d: memory cleared", chatID)
	return nil
}

// RebuildAll rebuilds, at most concurrency at a time, every chat that has
// a model or enough messages for one. Per-chat failures are logged.
func (c *Controller) RebuildAll(ctx context.Context, concurrency int) error {
	ids, err := c.opts.Messages.ChatIDs(ctx)
	if err != nil {
		return fmt.Errorf("%w: list chats: %w", ErrStorage, err)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	var rebuilt atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, id := range ids {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if !c.hasModel(gctx, id) {
				n, err := c.opts.Messages.Count(gctx, id)
				if err != nil || n < c.opts.MinMessages {
					return nil
				}
			}
			if err := c.Rebuild(gctx, id); err != nil {
				log.Printf("[generator] chat %d: sweep rebuild: %v", id, err)
				return nil
			}
			rebuilt.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Printf("[generator] sweep rebuilt %d of %d chats", rebuilt.Load(), len(ids))
	return ctx.Err()
}

// hasModel reports whether chatID has a cached chain or a persisted blob,
// without decoding the blob.
func (c *Controller) hasModel(ctx context.Context, chatID int64) bool {
	c.cacheMu.RLock()
	_, ok := c.cache[chatID]
	c.cacheMu.RUnlock()
	if ok {
		return true
	}
	exists, err := c.opts.Models.Exists(ctx, chatID)
	if err != nil {
		log.Printf("[generator] chat %d: check model: %v", chatID, err)
		return false
	}
	return exists
}

// model returns the cached chain, loading it from the model store on a
// miss. Corrupt blobs and blobs trained with another state size are
// treated as absent.
func (c *Controller) model(ctx context.Context, chatID int64) *markov.Chain {
	c.cacheMu.RLock()
	chain, ok := c.cache[chatID]
	epoch := c.epoch[chatID]
	c.cacheMu.RUnlock()
	if ok {
		return chain
	}

	chain, err := c.opts.Models.Load(ctx, chatID)
	if err != nil {
		if !errors.Is(err, modelstore.ErrNotFound) {
			log.Printf("[generator] chat %d: load model: %v", chatID, err)
		}
		return nil
	}
	if chain.StateSize() != c.opts.StateSize {
		log.Printf("[generator] chat %d: stored model has state size %d, want %d; ignoring it",
			chatID, chain.StateSize(), c.opts.StateSize)
		return nil
	}

	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	// A rebuild or clear since the load makes this chain stale.
	if c.epoch[chatID] != epoch {
		return c.cache[chatID]
	}
	c.cache[chatID] = chain
	return chain
}

func (c *Controller) evict(chatID int64) {
	c.cacheMu.Lock()
	delete(c.cache, chatID)
	c.epoch[chatID]++
	c.cacheMu.Unlock()
}

func splitLines(text string) []string {
	return strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func letterCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}
