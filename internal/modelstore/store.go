package modelstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/stellarlinkco/mimicbot/internal/markov"
)

// Store persists one chain per chat through a Backend.
type Store struct {
	backend Backend
}

func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// Key returns the blob key of chatID's model.
func Key(chatID int64) string {
	return "model_" + strconv.FormatInt(chatID, 10) + ".json"
}

// Save replaces chatID's model. Invalid chains are refused.
func (s *Store) Save(ctx context.Context, chatID int64, c *markov.Chain) error {
	if !c.Valid() {
		return fmt.Errorf("save model: %w", markov.ErrEmptyChain)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	if err := s.backend.Put(ctx, Key(chatID), data); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	return nil
}

// Load returns ErrNotFound when chatID has no model and ErrCorrupt when the
// stored blob cannot be decoded.
func (s *Store) Load(ctx context.Context, chatID int64) (*markov.Chain, error) {
	data, err := s.backend.Get(ctx, Key(chatID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load model: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty blob for chat %d", ErrCorrupt, chatID)
	}
	c, err := markov.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: chat %d: %v", ErrCorrupt, chatID, err)
	}
	return c, nil
}

func (s *Store) Delete(ctx context.Context, chatID int64) error {
	if err := s.backend.Delete(ctx, Key(chatID)); err != nil {
		return fmt.Errorf("delete model: %w", err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, chatID int64) (bool, error) {
	_, err := s.backend.Size(ctx, Key(chatID))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat model: %w", err)
	}
	return true, nil
}

// Size returns the blob size in bytes, 0 when absent.
func (s *Store) Size(ctx context.Context, chatID int64) (int64, error) {
	n, err := s.backend.Size(ctx, Key(chatID))
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat model: %w", err)
	}
	return n, nil
}
