package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t-kanstantsin/fileupload/internal/cachestate"
	"github.com/t-kanstantsin/fileupload/internal/config"
	"github.com/t-kanstantsin/fileupload/internal/domain"
	"github.com/t-kanstantsin/fileupload/internal/format"
	"github.com/t-kanstantsin/fileupload/internal/metrics"
	"github.com/t-kanstantsin/fileupload/internal/repository"
	"github.com/t-kanstantsin/fileupload/internal/saver"
)

// warmConcurrency bounds the formats generated in parallel by Warm.
const warmConcurrency = 4

type AssetService interface {
	Upload(ctx context.Context, data []byte, filename, contentType string) (*domain.Upload, error)
	Replace(ctx context.Context, key string, data []byte) error
	Derive(ctx context.Context, key, formatName string) (*domain.Derived, error)
	Open(ctx context.Context, key, formatName string) (io.ReadCloser, *domain.Derived, error)
	Warm(ctx context.Context, key string) ([]domain.Derived, error)
	Invalidate(ctx context.Context, key string) error
	ListSources(ctx context.Context) ([]string, error)
	Formats() []string
}

// AfterCacheFunc is called once the cache state of a format was persisted.
type AfterCacheFunc func(source domain.SourceFile, formatName string, cached bool)

type Option func(*assetService)

// WithAfterCache registers fn to run after every cache decision.
func WithAfterCache(fn AfterCacheFunc) Option {
	return func(s *assetService) {
		s.afterCache = fn
	}
}

// WithClock overrides the time source used for cache timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *assetService) {
		s.now = now
	}
}

type assetService struct {
	store      repository.BlobStore
	states     cachestate.Store
	catalog    *format.Catalog
	codec      format.Codec
	saver      *saver.Saver
	cfg        *config.AppConfig
	metrics    *metrics.Metrics
	log        *zap.Logger
	afterCache AfterCacheFunc
	now        func() time.Time
}

func NewAssetService(
	store repository.BlobStore,
	states cachestate.Store,
	catalog *format.Catalog,
	codec format.Codec,
	cfg *config.AppConfig,
	m *metrics.Metrics,
	log *zap.Logger,
	opts ...Option,
) AssetService {
	s := &assetService{
		store:   store,
		states:  states,
		catalog: catalog,
		codec:   codec,
		saver:   saver.New(store, log),
		cfg:     cfg,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *assetService) Formats() []string {
	return s.catalog.Names()
}

func (s *assetService) Upload(ctx context.Context, data []byte, filename, contentType string) (*domain.Upload, error) {
	ext := strings.ToLower(path.Ext(filename))
	if !s.allowed(ext) {
		return nil, fmt.Errorf("extension %q not allowed: %w", ext, domain.ErrInvalidUpload)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("file is empty: %w", domain.ErrInvalidUpload)
	}
	if s.cfg.MaxUploadSize > 0 && int64(len(data)) > s.cfg.MaxUploadSize {
		return nil, fmt.Errorf("file too large: %w", domain.ErrInvalidUpload)
	}

	id := uuid.New().String()
	key := s.cfg.SourcePrefix + id + ext

	if err := s.store.Write(ctx, key, data); err != nil {
		return nil, err
	}
	s.metrics.UploadsTotal.Inc()

	upload := &domain.Upload{
		ID:           id,
		OriginalName: filename,
		StoragePath:  key,
		Size:         int64(len(data)),
		ContentType:  contentType,
		UploadedAt:   s.now(),
	}

	s.log.Info("Source uploaded successfully",
		zap.String("id", id),
		zap.String("filename", filename),
		zap.Int64("size", upload.Size))

	return upload, nil
}

// Replace overwrites an existing source and drops its derived files.
func (s *assetService) Replace(ctx context.Context, key string, data []byte) error {
	if err := s.checkSourceKey(key); err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("file is empty: %w", domain.ErrInvalidUpload)
	}
	if err := s.store.Write(ctx, key, data); err != nil {
		return err
	}
	return s.Invalidate(ctx, key)
}

func (s *assetService) Derive(ctx context.Context, key, formatName string) (*domain.Derived, error) {
	if err := s.checkSourceKey(key); err != nil {
		return nil, err
	}
	spec, err := s.catalog.Get(formatName)
	if err != nil {
		return nil, err
	}

	state, err := s.states.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	d, source, deriveErr := s.derive(ctx, state, key, spec)
	s.persist(ctx, state)
	if d != nil {
		s.notify(source, d)
	}

	return d, deriveErr
}

func (s *assetService) Open(ctx context.Context, key, formatName string) (io.ReadCloser, *domain.Derived, error) {
	d, err := s.Derive(ctx, key, formatName)
	if err != nil {
		return nil, d, err
	}
	if !d.Cached {
		return nil, d, nil
	}

	rc, err := s.store.Open(ctx, d.Path)
	if err != nil {
		return nil, d, err
	}
	return rc, d, nil
}

// Warm derives every catalog format of key in parallel.
func (s *assetService) Warm(ctx context.Context, key string) ([]domain.Derived, error) {
	if err := s.checkSourceKey(key); err != nil {
		return nil, err
	}
	state, err := s.states.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	names := s.catalog.Names()
	results := make([]domain.Derived, len(names))
	var source domain.SourceFile
	var once sync.Once

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(warmConcurrency)
	for i, name := range names {
		spec, err := s.catalog.Get(name)
		if err != nil {
			return nil, err
		}
		i := i
		g.Go(func() error {
			d, src, err := s.derive(gctx, state, key, spec)
			if d == nil {
				// The source itself could not be read, so no format can be.
				return err
			}
			results[i] = *d
			once.Do(func() { source = src })
			if errors.Is(err, domain.ErrInvalidConfig) {
				return err
			}
			return nil
		})
	}
	warmErr := g.Wait()

	s.persist(ctx, state)
	for i := range results {
		if results[i].Format != "" {
			s.notify(source, &results[i])
		}
	}

	if warmErr != nil {
		return nil, warmErr
	}

	s.log.Info("Source warmed",
		zap.String("key", key),
		zap.Int("formats", len(names)))

	return results, nil
}

// Invalidate deletes all derived files of key and clears its cache state.
func (s *assetService) Invalidate(ctx context.Context, key string) error {
	if err := s.checkSourceKey(key); err != nil {
		return err
	}
	state, err := s.states.Load(ctx, key)
	if err != nil {
		return err
	}

	source := domain.NewSourceFile(key, time.Time{}, 0)
	for _, name := range s.catalog.Names() {
		spec, err := s.catalog.Get(name)
		if err != nil {
			return err
		}
		ext := format.TargetExtension(spec, source, s.codec, s.cfg.DefaultExtension)
		if err := s.store.Delete(ctx, s.TargetPath(key, name, ext)); err != nil {
			return fmt.Errorf("delete %s of %s: %w", name, key, err)
		}
		state.Invalidate(name)
	}
	for _, name := range state.Formats() {
		state.Invalidate(name)
	}

	if err := state.SaveState(ctx); err != nil {
		s.metrics.StatePersistErrors.Inc()
		return err
	}

	s.log.Info("Derived files invalidated", zap.String("key", key))

	return nil
}

func (s *assetService) ListSources(ctx context.Context) ([]string, error) {
	return s.store.List(ctx, s.cfg.SourcePrefix)
}

// TargetPath is where format name of key is stored:
// <derived prefix><format>/<key without source prefix and extension>.<ext>
func (s *assetService) TargetPath(key, name, ext string) string {
	base := strings.TrimPrefix(key, s.cfg.SourcePrefix)
	base = strings.TrimSuffix(base, path.Ext(base))
	p := s.cfg.DerivedPrefix + name + "/" + base
	if ext != "" {
		p += "." + ext
	}
	return p
}

func (s *assetService) derive(ctx context.Context, state *cachestate.State, key string, spec *format.Spec) (*domain.Derived, domain.SourceFile, error) {
	if s.cfg.PipelineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.PipelineTimeout)
		defer cancel()
	}

	start := time.Now()
	d := &domain.Derived{SourceKey: key, Format: spec.Name}

	info, err := s.store.Stat(ctx, key)
	if errors.Is(err, domain.ErrNotExist) {
		// Without a source there is no timestamp to judge a non-empty target
		// against, but an empty one stays a negative result.
		source := domain.NewSourceFile(key, time.Time{}, 0)
		event, err := s.orphanEvent(ctx, key, spec, source)
		if err != nil {
			return nil, source, err
		}
		if event == domain.EventEmpty {
			d.Path = s.TargetPath(key, spec.Name, format.TargetExtension(spec, source, s.codec, s.cfg.DefaultExtension))
		}
		s.record(state, d, source, event, time.Since(start))
		return d, source, nil
	}
	if err != nil {
		return nil, domain.SourceFile{}, fmt.Errorf("stat source %s: %w", key, err)
	}
	source := domain.NewSourceFile(key, info.ModifiedAt, info.Size)

	pipeline, err := format.NewPipeline(spec, source, s.store, s.codec, s.cfg.DefaultExtension, s.log)
	if err != nil {
		s.log.Error("Invalid format configuration",
			zap.String("format", spec.Name),
			zap.Error(err))
		s.record(state, d, source, domain.EventError, time.Since(start))
		d.Error = err.Error()
		return d, source, err
	}
	d.Path = s.TargetPath(key, spec.Name, pipeline.Extension())

	event, err := s.saver.Save(ctx, source, d.Path, pipeline)
	s.record(state, d, source, event, time.Since(start))
	if err != nil {
		d.Error = err.Error()
	}

	return d, source, err
}

// orphanEvent reports EventEmpty when the target of a missing source is an
// empty marker and EventNotFound otherwise.
func (s *assetService) orphanEvent(ctx context.Context, key string, spec *format.Spec, source domain.SourceFile) (domain.Event, error) {
	ext := format.TargetExtension(spec, source, s.codec, s.cfg.DefaultExtension)
	info, err := s.store.Stat(ctx, s.TargetPath(key, spec.Name, ext))
	if errors.Is(err, domain.ErrNotExist) {
		return domain.EventNotFound, nil
	}
	if err != nil {
		return domain.EventError, fmt.Errorf("stat target of %s: %w", key, err)
	}
	if info.Size == 0 {
		return domain.EventEmpty, nil
	}
	return domain.EventNotFound, nil
}

// record mirrors the save outcome into the cache state. A cached format keeps
// its timestamp unless that predates the source.
func (s *assetService) record(state *cachestate.State, d *domain.Derived, source domain.SourceFile, event domain.Event, took time.Duration) {
	d.Event = event.String()
	d.Cached = event.OK()

	if d.Cached {
		ts, ok := state.CachedAt(d.Format)
		if !ok || ts < source.UpdatedAt.Unix() {
			ts = s.now().Unix()
			state.SetCachedAt(d.Format, ts)
		}
		d.CachedAt = time.Unix(ts, 0)
	} else {
		state.Invalidate(d.Format)
	}

	s.metrics.RecordSave(d.Format, d.Event, took)
}

func (s *assetService) persist(ctx context.Context, state *cachestate.State) {
	if err := state.SaveState(ctx); err != nil {
		s.metrics.StatePersistErrors.Inc()
		s.log.Error("Failed to persist cache state",
			zap.String("key", state.Key()),
			zap.Error(err))
	}
}

func (s *assetService) notify(source domain.SourceFile, d *domain.Derived) {
	if s.afterCache == nil {
		return
	}
	s.afterCache(source, d.Format, d.Cached)
}

func (s *assetService) allowed(ext string) bool {
	if len(s.cfg.AllowedExtensions) == 0 {
		return ext != ""
	}
	for _, a := range s.cfg.AllowedExtensions {
		if strings.EqualFold(a, ext) {
			return true
		}
	}
	return false
}

// checkSourceKey accepts keys under the source prefix only, after resolving
// any dot segments the storage driver would resolve too.
func (s *assetService) checkSourceKey(key string) error {
	if key == "" || !strings.HasPrefix(key, s.cfg.SourcePrefix) {
		return fmt.Errorf("key %q is not a source key: %w", key, domain.ErrSourceNotFound)
	}
	root := path.Clean("/" + s.cfg.SourcePrefix)
	if root != "/" {
		root += "/"
	}
	cleaned := path.Clean("/" + strings.ReplaceAll(key, "\\", "/"))
	if !strings.HasPrefix(cleaned, root) {
		return fmt.Errorf("key %q leaves the source prefix: %w", key, domain.ErrSourceNotFound)
	}
	return nil
}
