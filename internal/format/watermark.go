package format

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"
	"os"

	"github.com/t-kanstantsin/fileupload/internal/domain"
	"github.com/t-kanstantsin/fileupload/pkg/imaging"
)

// Position anchors the mark inside the primary image.
type Position string

const (
	PositionTopLeft      Position = "top_left"
	PositionTopCenter    Position = "top_center"
	PositionTopRight     Position = "top_right"
	PositionCenterLeft   Position = "center_left"
	PositionCenterCenter Position = "center_center"
	PositionCenterRight  Position = "center_right"
	PositionBottomLeft   Position = "bottom_left"
	PositionBottomCenter Position = "bottom_center"
	PositionBottomRight  Position = "bottom_right"
)

// MarkPath locates the mark file either as a literal path or through a
// resolver evaluated once per run. The zero value is unset.
type MarkPath struct {
	literal  string
	resolver func(WatermarkConfig) (string, error)
}

// LiteralPath returns a MarkPath pointing at path.
func LiteralPath(path string) MarkPath {
	return MarkPath{literal: path}
}

// ResolvedPath returns a MarkPath computed by fn. An empty result means the
// run has no mark.
func ResolvedPath(fn func(WatermarkConfig) (string, error)) MarkPath {
	return MarkPath{resolver: fn}
}

func (m MarkPath) IsSet() bool {
	return m.literal != "" || m.resolver != nil
}

func (m MarkPath) resolve(cfg WatermarkConfig) (string, error) {
	if m.resolver != nil {
		return m.resolver(cfg)
	}
	return m.literal, nil
}

// WatermarkConfig configures a Watermark. Exactly one of MarkPath and
// MarkContent must be set.
type WatermarkConfig struct {
	MarkPath    MarkPath
	MarkContent []byte
	// Opacity of the mark, 0..100.
	Opacity int
	// Scale is the mark width as a fraction of the primary width, in (0, 1].
	Scale    float64
	Position Position
}

// DefaultWatermarkConfig returns a centred, opaque mark at 90% width.
func DefaultWatermarkConfig() WatermarkConfig {
	return WatermarkConfig{
		Opacity:  100,
		Scale:    0.9,
		Position: PositionCenterCenter,
	}
}

// Watermark overlays a mark image onto the primary image.
type Watermark struct {
	codec Codec
	cfg   WatermarkConfig
}

// NewWatermark validates cfg and returns the adapter.
func NewWatermark(codec Codec, cfg WatermarkConfig) (*Watermark, error) {
	if cfg.Scale > 1 || cfg.Scale <= 0 || math.IsNaN(cfg.Scale) {
		return nil, fmt.Errorf("watermark scale must be greater than 0 and lower or equal than 1: %w", domain.ErrInvalidConfig)
	}
	if cfg.Opacity < 0 || cfg.Opacity > 100 {
		return nil, fmt.Errorf("watermark opacity must be within 0..100: %w", domain.ErrInvalidConfig)
	}
	if cfg.Position == "" {
		cfg.Position = PositionCenterCenter
	}
	if _, _, ok := anchorFactors(cfg.Position); !ok {
		return nil, fmt.Errorf("watermark position %q not defined: %w", cfg.Position, domain.ErrInvalidConfig)
	}

	hasPath, hasContent := cfg.MarkPath.IsSet(), len(cfg.MarkContent) > 0
	if hasPath == hasContent {
		return nil, fmt.Errorf("exactly one of watermark path or content must be defined: %w", domain.ErrInvalidConfig)
	}
	if cfg.MarkPath.literal != "" {
		if _, err := os.Stat(cfg.MarkPath.literal); err != nil {
			return nil, fmt.Errorf("watermark by path %q not found: %w", cfg.MarkPath.literal, domain.ErrInvalidConfig)
		}
	}

	return &Watermark{codec: codec, cfg: cfg}, nil
}

func (w *Watermark) Name() string {
	return "watermark"
}

func (w *Watermark) Apply(ctx context.Context, _ Job, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mark, err := w.loadMark()
	if err != nil {
		return nil, err
	}
	if mark == nil {
		return img, nil
	}

	primary := BoxOf(img)
	// The width always spans scale of the primary; a mark taller than the
	// primary at that width is squeezed, not narrowed.
	box := MarkBox(primary, BoxOf(mark), w.cfg.Scale)

	filter := imaging.FilterFast
	if w.codec.SupportsHighQuality() {
		filter = imaging.FilterHighQuality
	}
	mark = w.codec.Scale(mark, box.Width, box.Height, filter)

	at := Anchor(w.cfg.Position, primary, BoxOf(mark))

	return w.codec.Composite(img, mark, at, w.cfg.Opacity), nil
}

func (w *Watermark) loadMark() (image.Image, error) {
	if len(w.cfg.MarkContent) > 0 {
		return w.codec.Decode(bytes.NewReader(w.cfg.MarkContent))
	}

	path, err := w.cfg.MarkPath.resolve(w.cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve watermark path: %w", err)
	}
	if path == "" {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open watermark: %w", err)
	}
	defer f.Close()

	return w.codec.Decode(f)
}

// MarkBox sizes the mark to round(primary width * scale), keeping its aspect
// ratio, then caps the height at the primary height. The width is never
// adjusted, so a capped mark is squeezed vertically.
func MarkBox(primary, mark Box, scale float64) Box {
	box := mark.Widen(atLeastOne(math.Round(float64(primary.Width) * scale)))
	box.Height = min(box.Height, primary.Height)
	return box
}

// Anchor returns the top-left point where mark is pasted for position.
func Anchor(position Position, primary, mark Box) image.Point {
	fx, fy, ok := anchorFactors(position)
	if !ok {
		fx, fy = 1, 1
	}
	return image.Point{
		X: (primary.Width - mark.Width) * fx / 2,
		Y: (primary.Height - mark.Height) * fy / 2,
	}
}

// anchorFactors maps a position to halves of the free space: 0 start, 1
// centre, 2 end.
func anchorFactors(p Position) (int, int, bool) {
	switch p {
	case PositionTopLeft:
		return 0, 0, true
	case PositionTopCenter:
		return 1, 0, true
	case PositionTopRight:
		return 2, 0, true
	case PositionCenterLeft:
		return 0, 1, true
	case PositionCenterCenter:
		return 1, 1, true
	case PositionCenterRight:
		return 2, 1, true
	case PositionBottomLeft:
		return 0, 2, true
	case PositionBottomCenter:
		return 1, 2, true
	case PositionBottomRight:
		return 2, 2, true
	default:
		return 0, 0, false
	}
}
