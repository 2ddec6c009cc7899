package format

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/t-kanstantsin/fileupload/internal/domain"
	"github.com/t-kanstantsin/fileupload/internal/repository"
	"github.com/t-kanstantsin/fileupload/pkg/imaging"
)

// Pipeline produces the content of one format for one source file.
type Pipeline struct {
	spec      *Spec
	source    domain.SourceFile
	store     repository.BlobStore
	codec     Codec
	extension string
	log       *zap.Logger
}

// NewPipeline binds spec to source. Sources are read from store. It fails
// with domain.ErrInvalidConfig before any I/O when spec is invalid.
func NewPipeline(spec *Spec, source domain.SourceFile, store repository.BlobStore, codec Codec, defaultExt string, log *zap.Logger) (*Pipeline, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	ext := TargetExtension(spec, source, codec, defaultExt)
	if !spec.Original && !codec.CanEncode(ext) {
		return nil, fmt.Errorf("format %s: extension %q cannot be encoded: %w", spec.Name, ext, domain.ErrInvalidConfig)
	}

	return &Pipeline{
		spec:      spec,
		source:    source,
		store:     store,
		codec:     codec,
		extension: ext,
		log:       log,
	}, nil
}

func (p *Pipeline) Name() string {
	return p.spec.Name
}

// Extension is the extension the produced content is encoded in.
func (p *Pipeline) Extension() string {
	return p.extension
}

// Exists reports whether the source file is present.
func (p *Pipeline) Exists(ctx context.Context) (bool, error) {
	return repository.Exists(ctx, p.store, p.source.Key)
}

// Produce reads, transforms and encodes the source. It returns
// domain.ErrSourceNotFound when the source is absent; codec and store
// errors are returned wrapped.
func (p *Pipeline) Produce(ctx context.Context) ([]byte, error) {
	start := time.Now()

	if p.spec.Original {
		data, err := repository.ReadAll(ctx, p.store, p.source.Key)
		if errors.Is(err, domain.ErrNotExist) {
			return nil, domain.ErrSourceNotFound
		}
		return data, err
	}

	rc, err := p.store.Open(ctx, p.source.Key)
	if errors.Is(err, domain.ErrNotExist) {
		return nil, domain.ErrSourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read source %s: %w", p.source.Key, err)
	}
	defer rc.Close()

	img, err := p.codec.Decode(rc)
	if err != nil {
		return nil, err
	}

	img, err = p.resize(img)
	if err != nil {
		return nil, err
	}

	job := Job{Source: p.source, Format: p.spec.Name, Extension: p.extension}
	for _, adapter := range p.spec.Adapters {
		img, err = adapter.Apply(ctx, job, img)
		if err != nil {
			return nil, fmt.Errorf("adapter %s: %w", adapter.Name(), err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := p.codec.Encode(img, p.extension)
	if err != nil {
		return nil, err
	}

	p.log.Debug("Format produced",
		zap.String("key", p.source.Key),
		zap.String("format", p.spec.Name),
		zap.String("extension", p.extension),
		zap.Int("size", len(data)),
		zap.Duration("took", time.Since(start)))

	return data, nil
}

func (p *Pipeline) resize(img image.Image) (image.Image, error) {
	src := BoxOf(img)

	target, ok := Resolve(p.spec.Width, p.spec.Height, src)
	if !ok {
		return img, nil
	}

	mode, err := ParseMode(string(p.spec.Mode))
	if err != nil {
		return nil, err
	}
	plan, err := Plan(mode, p.spec.KeepRatio, src, target)
	if err != nil {
		return nil, err
	}

	if plan.Scaled != src {
		img = p.codec.Scale(img, plan.Scaled.Width, plan.Scaled.Height, imaging.FilterHighQuality)
	}
	if plan.NeedsCrop() {
		img = p.codec.Crop(img, plan.Crop)
	}

	return img, nil
}
