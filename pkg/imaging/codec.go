package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultQuality is used for JPEG encoding when none is configured.
const DefaultQuality = 85

// Filter selects the resampling kernel used by Scale.
type Filter int

const (
	FilterFast Filter = iota
	FilterHighQuality
)

// Codec decodes, transforms and encodes images in pure Go (no CGo), so it
// works in CGO_ENABLED=0 builds.
type Codec struct {
	log     *zap.Logger
	quality int
}

func NewCodec(log *zap.Logger, quality int) *Codec {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Codec{log: log, quality: quality}
}

// Decode reads any registered format: jpeg, png, gif, bmp, tiff and webp.
func (c *Codec) Decode(r io.Reader) (image.Image, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	c.log.Debug("Image decoded",
		zap.String("format", format),
		zap.Int("width", img.Bounds().Dx()),
		zap.Int("height", img.Bounds().Dy()))

	return img, nil
}

// CanEncode reports whether Encode supports ext.
func (c *Codec) CanEncode(ext string) bool {
	switch normalize(ext) {
	case "jpeg", "png", "gif", "bmp", "tiff":
		return true
	default:
		return false
	}
}

// Encode serialises img in the format named by ext.
func (c *Codec) Encode(img image.Image, ext string) ([]byte, error) {
	var buf bytes.Buffer
	var err error

	switch normalize(ext) {
	case "jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.quality})
	case "png":
		err = png.Encode(&buf, img)
	case "gif":
		err = gif.Encode(&buf, img, nil)
	case "bmp":
		err = bmp.Encode(&buf, img)
	case "tiff":
		err = tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return nil, fmt.Errorf("encode image: unsupported extension %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ext, err)
	}

	c.log.Debug("Image encoded",
		zap.String("extension", ext),
		zap.Int("quality", c.quality),
		zap.Int("size", buf.Len()))

	return buf.Bytes(), nil
}

// SupportsHighQuality reports whether FilterHighQuality maps to a real
// interpolation kernel.
func (c *Codec) SupportsHighQuality() bool {
	return true
}

// Scale resamples img to exactly width x height.
func (c *Codec) Scale(img image.Image, width, height int, filter Filter) image.Image {
	var kernel draw.Interpolator = draw.NearestNeighbor
	if filter == FilterHighQuality {
		kernel = draw.CatmullRom
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	kernel.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// Crop copies rect, expressed relative to the image origin, into a new image.
func (c *Codec) Crop(img image.Image, rect image.Rectangle) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min.Add(rect.Min), draw.Src)
	return dst
}

// Composite draws overlay over base with its top-left corner at at. opacity
// ranges over 0..100.
func (c *Codec) Composite(base, overlay image.Image, at image.Point, opacity int) image.Image {
	b := base.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), base, b.Min, draw.Src)

	r := image.Rectangle{Min: at, Max: at.Add(overlay.Bounds().Size())}
	if opacity >= 100 {
		draw.Draw(dst, r, overlay, overlay.Bounds().Min, draw.Over)
		return dst
	}
	if opacity < 0 {
		opacity = 0
	}

	mask := image.NewUniform(color.Alpha{A: uint8(opacity * 255 / 100)})
	draw.DrawMask(dst, r, overlay, overlay.Bounds().Min, mask, image.Point{}, draw.Over)
	return dst
}

// Canvas returns an opaque image filled with fill.
func (c *Codec) Canvas(width, height int, fill color.Color) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(fill), image.Point{}, draw.Src)
	return dst
}

func normalize(ext string) string {
	switch ext = strings.ToLower(strings.TrimPrefix(ext, ".")); ext {
	case "jpg", "jpe":
		return "jpeg"
	case "tif":
		return "tiff"
	default:
		return ext
	}
}
