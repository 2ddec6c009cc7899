package format

import (
	"context"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/t-kanstantsin/fileupload/internal/domain"
)

// DefaultBackground is the fill used for transparent regions.
const DefaultBackground = "ffffff"

// BackgroundNormalizer flattens transparency onto a solid colour when the
// output format has no alpha channel, so a png converted to jpg does not get
// black holes.
type BackgroundNormalizer struct {
	codec Codec
	fill  color.RGBA
}

// NewBackgroundNormalizer parses fill as a 3 or 6 digit hex colour with an
// optional leading '#'. An empty fill selects DefaultBackground.
func NewBackgroundNormalizer(codec Codec, fill string) (*BackgroundNormalizer, error) {
	if fill == "" {
		fill = DefaultBackground
	}
	c, err := parseHexColor(fill)
	if err != nil {
		return nil, err
	}
	return &BackgroundNormalizer{codec: codec, fill: c}, nil
}

func (b *BackgroundNormalizer) Name() string {
	return "background"
}

func (b *BackgroundNormalizer) Apply(ctx context.Context, job Job, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !IsOpaqueExtension(job.Extension) {
		return img, nil
	}

	size := BoxOf(img)
	canvas := b.codec.Canvas(size.Width, size.Height, b.fill)

	return b.codec.Composite(canvas, img, image.Point{}, 100), nil
}

// IsOpaqueExtension reports whether ext names a lossy format without alpha.
func IsOpaqueExtension(ext string) bool {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "jpg", "jpeg", "jpe":
		return true
	default:
		return false
	}
}

func parseHexColor(s string) (color.RGBA, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 3 {
		return color.RGBA{}, fmt.Errorf("background color %q is not a hex rgb value: %w", s, domain.ErrInvalidConfig)
	}
	return color.RGBA{R: raw[0], G: raw[1], B: raw[2], A: 0xff}, nil
}
