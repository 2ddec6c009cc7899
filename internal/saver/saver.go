// Package saver decides whether a derived asset must be (re)generated and
// stores it.
package saver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/t-kanstantsin/fileupload/internal/domain"
	"github.com/t-kanstantsin/fileupload/internal/repository"
)

// Producer generates the content to store. format.Pipeline implements it.
type Producer interface {
	Name() string
	Exists(ctx context.Context) (bool, error)
	Produce(ctx context.Context) ([]byte, error)
}

// Saver stores the output of a Producer at one path of a BlobStore, unless a
// valid copy newer than the source is already there.
type Saver struct {
	store repository.BlobStore
	group *singleflight.Group
	log   *zap.Logger
}

type Option func(*Saver)

// WithGroup shares a singleflight group between savers. Concurrent saves of
// the same path through one group run once and share the outcome.
func WithGroup(g *singleflight.Group) Option {
	return func(s *Saver) {
		s.group = g
	}
}

func New(store repository.BlobStore, log *zap.Logger, opts ...Option) *Saver {
	s := &Saver{
		store: store,
		log:   log,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.group == nil {
		s.group = &singleflight.Group{}
	}
	return s
}

type result struct {
	event domain.Event
	err   error
}

// Save makes sure a valid asset for source exists at path. It returns
// EventCached when one does. Any other event means no usable asset exists;
// the error carries the cause for EventError.
func (s *Saver) Save(ctx context.Context, source domain.SourceFile, path string, producer Producer) (domain.Event, error) {
	if strings.TrimSpace(path) == "" {
		return domain.EventError, fmt.Errorf("saver path must be not empty: %w", domain.ErrInvalidConfig)
	}

	do := func() (result, bool) {
		v, _, shared := s.group.Do(path, func() (interface{}, error) {
			event, err := s.save(ctx, source, path, producer)
			return result{event: event, err: err}, nil
		})
		return v.(result), shared
	}

	res, shared := do()
	// A coalesced run cancelled by another caller is retried once under ours.
	if shared && ctx.Err() == nil && cancelled(res.err) {
		res, _ = do()
	}

	return res.event, res.err
}

func (s *Saver) save(ctx context.Context, source domain.SourceFile, path string, producer Producer) (domain.Event, error) {
	log := s.log.With(
		zap.String("key", source.Key),
		zap.String("format", producer.Name()),
		zap.String("path", path))

	info, err := s.store.Stat(ctx, path)
	exists := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotExist) {
		log.Error("Failed to stat target", zap.Error(err))
		return domain.EventError, fmt.Errorf("stat target: %w", err)
	}

	// A target not newer than the source is stale even if present.
	isSaved := exists && info.ModifiedAt.After(source.UpdatedAt)
	isEmpty := exists && info.Size == 0

	if isSaved && !isEmpty {
		return domain.EventCached, nil
	}
	// An empty target is a cached negative result.
	if isEmpty {
		log.Debug("Target is empty, skipping generation")
		return domain.EventEmpty, nil
	}

	ok, err := producer.Exists(ctx)
	if err != nil {
		log.Error("Failed to check source", zap.Error(err))
		return domain.EventError, fmt.Errorf("check source: %w", err)
	}
	if !ok {
		return domain.EventNotFound, nil
	}

	// Claim the path before generating: a failed run leaves an empty marker
	// instead of a stale or missing file.
	if err := s.store.Write(ctx, path, nil); err != nil {
		log.Error("Failed to write placeholder", zap.Error(err))
		return domain.EventError, fmt.Errorf("write placeholder: %w", err)
	}

	content, err := producer.Produce(ctx)
	if errors.Is(err, domain.ErrSourceNotFound) {
		return domain.EventNotFound, nil
	}
	if err != nil {
		if interrupted(ctx, err) {
			s.release(ctx, path, log)
			log.Warn("Generation interrupted", zap.Error(err))
			return domain.EventError, err
		}
		log.Error("Failed to produce content", zap.Error(err))
		return domain.EventError, err
	}
	if len(content) == 0 {
		log.Warn("Produced content is empty")
		return domain.EventError, domain.ErrEmptyContent
	}

	if err := s.store.Write(ctx, path, content); err != nil {
		if interrupted(ctx, err) {
			s.release(ctx, path, log)
		}
		log.Error("Failed to write content", zap.Error(err))
		return domain.EventError, fmt.Errorf("write content: %w", err)
	}

	log.Info("Derived file saved", zap.Int("size", len(content)))

	return domain.EventCached, nil
}

// interrupted reports whether err comes from the caller giving up rather than
// from the content being unproducible.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil || cancelled(err)
}

func cancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// release drops the placeholder of an interrupted run so the next save
// generates again instead of reporting an empty target.
func (s *Saver) release(ctx context.Context, path string, log *zap.Logger) {
	if err := s.store.Delete(context.WithoutCancel(ctx), path); err != nil {
		log.Error("Failed to remove placeholder", zap.Error(err))
	}
}
