package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand/v2"

	"github.com/stellarlinkco/mimicbot/internal/config"
	"github.com/stellarlinkco/mimicbot/internal/generator"
	"github.com/stellarlinkco/mimicbot/internal/modelstore"
	"github.com/stellarlinkco/mimicbot/internal/store"
)

// Services is the storage and generator stack shared by the gateway and
// the offline CLI commands.
type Services struct {
	Messages  *store.Engine
	Models    *modelstore.Store
	Generator *generator.Controller

	closers []io.Closer
}

// OpenServices opens the message store and model backend named by cfg.
func OpenServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	return openServices(ctx, cfg, nil, nil)
}

func openServices(ctx context.Context, cfg *config.Config, backend modelstore.Backend, rng *rand.Rand) (*Services, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	messages, err := store.Open(cfg.Store.Driver, cfg.StoreDSN())
	if err != nil {
		return nil, fmt.Errorf("open message store: %w", err)
	}
	s := &Services{Messages: messages, closers: []io.Closer{messages}}

	if backend == nil {
		var closer io.Closer
		backend, closer, err = newModelBackend(ctx, cfg.Models)
		if err != nil {
			s.Close()
			return nil, err
		}
		if closer != nil {
			s.closers = append(s.closers, closer)
		}
	}
	s.Models = modelstore.New(backend)

	opts := generator.DefaultOptions()
	opts.Messages = messages
	opts.Models = s.Models
	opts.StateSize = cfg.Generator.StateSize
	opts.MinMessages = cfg.Generator.MinMessages
	opts.RebuildEvery = cfg.Generator.RebuildEvery
	opts.KeepStaleModel = cfg.Generator.KeepStaleModel
	opts.ValidateTries = cfg.Generator.ValidateTries
	opts.AppendPunctuation = cfg.Generator.AppendPunctuation
	opts.Rand = rng

	gen, err := generator.New(opts)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("create generator: %w", err)
	}
	s.Generator = gen

	log.Printf("[gateway] message store: %s, model backend: %s", messages.Driver(), cfg.Models.Backend)
	return s, nil
}

func newModelBackend(ctx context.Context, cfg config.ModelsConfig) (modelstore.Backend, io.Closer, error) {
	switch cfg.Backend {
	case config.BackendFile, "":
		b, err := modelstore.NewFileBackend(cfg.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("open model dir: %w", err)
		}
		return b, nil, nil
	case config.BackendBolt:
		b, err := modelstore.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open model bolt db: %w", err)
		}
		return b, b, nil
	case config.BackendS3:
		b, err := modelstore.NewS3Backend(ctx, modelstore.S3Config{
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Endpoint:  cfg.S3.Endpoint,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open model bucket: %w", err)
		}
		return b, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown model backend %q", cfg.Backend)
	}
}

// Close releases every store, in reverse opening order.
func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
