// Package format turns a source image into named derived variants: it
// resolves output geometry, runs an ordered chain of transform adapters and
// encodes the result.
package format

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"strings"

	"github.com/t-kanstantsin/fileupload/internal/domain"
	"github.com/t-kanstantsin/fileupload/pkg/imaging"
)

// DefaultExtension is used when neither the format nor the source names an
// encodable extension.
const DefaultExtension = "jpg"

// Codec is the pixel backend used by pipelines and adapters.
type Codec interface {
	Decode(r io.Reader) (image.Image, error)
	Encode(img image.Image, ext string) ([]byte, error)
	CanEncode(ext string) bool
	SupportsHighQuality() bool
	Scale(img image.Image, width, height int, filter imaging.Filter) image.Image
	Crop(img image.Image, rect image.Rectangle) image.Image
	Composite(base, overlay image.Image, at image.Point, opacity int) image.Image
	Canvas(width, height int, fill color.Color) image.Image
}

// Job is the context handed to every adapter of one pipeline run.
type Job struct {
	Source    domain.SourceFile
	Format    string
	Extension string
}

// Adapter is one step of the transform chain. It must return img itself
// when it has nothing to do.
type Adapter interface {
	Name() string
	Apply(ctx context.Context, job Job, img image.Image) (image.Image, error)
}

// Spec is the configuration of one named derived variant.
type Spec struct {
	Name string
	// Width and Height are optional; zero means not specified.
	Width     int
	Height    int
	Mode      Mode
	KeepRatio bool
	Adapters  []Adapter
	// Extension overrides the output extension.
	Extension string
	// Original copies the source bytes untouched.
	Original bool
}

// Validate checks the spec before any I/O happens.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("formatter name must be defined: %w", domain.ErrInvalidConfig)
	}
	if s.Width < 0 || s.Height < 0 {
		return fmt.Errorf("format %s: width and height must not be negative: %w", s.Name, domain.ErrInvalidConfig)
	}
	if _, err := ParseMode(string(s.Mode)); err != nil {
		return fmt.Errorf("format %s: %w", s.Name, err)
	}
	for i, a := range s.Adapters {
		if a == nil {
			return fmt.Errorf("format %s: adapter %d is nil: %w", s.Name, i, domain.ErrInvalidConfig)
		}
	}
	if s.Original && (s.Width > 0 || s.Height > 0 || len(s.Adapters) > 0 || s.Extension != "") {
		return fmt.Errorf("format %s: original formats take no transforms: %w", s.Name, domain.ErrInvalidConfig)
	}
	return nil
}

// TargetExtension picks the output extension: the spec override, then the
// source extension when the codec can write it, then fallback.
func TargetExtension(spec *Spec, source domain.SourceFile, codec Codec, fallback string) string {
	if spec.Original {
		return source.Extension
	}
	if spec.Extension != "" {
		return strings.ToLower(strings.TrimPrefix(spec.Extension, "."))
	}
	if source.Extension != "" && codec.CanEncode(source.Extension) {
		return source.Extension
	}
	if fallback == "" {
		return DefaultExtension
	}
	return fallback
}
