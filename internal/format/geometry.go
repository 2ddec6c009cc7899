package format

import (
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/t-kanstantsin/fileupload/internal/domain"
)

// Box is a width x height pair in pixels.
type Box struct {
	Width  int
	Height int
}

// BoxOf returns the size of img.
func BoxOf(img image.Image) Box {
	b := img.Bounds()
	return Box{Width: b.Dx(), Height: b.Dy()}
}

func (b Box) String() string {
	return fmt.Sprintf("%dx%d", b.Width, b.Height)
}

// Scale multiplies both sides by ratio, rounding and keeping at least 1px.
func (b Box) Scale(ratio float64) Box {
	return Box{
		Width:  atLeastOne(math.Round(float64(b.Width) * ratio)),
		Height: atLeastOne(math.Round(float64(b.Height) * ratio)),
	}
}

// Widen returns a box of the given width with the same aspect ratio.
func (b Box) Widen(width int) Box {
	return Box{
		Width:  width,
		Height: atLeastOne(math.Round(float64(b.Height) * float64(width) / float64(b.Width))),
	}
}

// Heighten returns a box of the given height with the same aspect ratio.
func (b Box) Heighten(height int) Box {
	return Box{
		Width:  atLeastOne(math.Round(float64(b.Width) * float64(height) / float64(b.Height))),
		Height: height,
	}
}

// Contains reports whether o fits inside b.
func (b Box) Contains(o Box) bool {
	return o.Width <= b.Width && o.Height <= b.Height
}

// Resolve computes the target box from the requested dimensions, where zero
// means "not specified". It returns false when no resize is needed.
func Resolve(width, height int, actual Box) (Box, bool) {
	switch {
	case width > 0 && height > 0:
		return Box{Width: width, Height: height}, true
	case width > 0:
		return actual.Widen(width), true
	case height > 0:
		return actual.Heighten(height), true
	default:
		return Box{}, false
	}
}

// Mode is the policy for fitting source content into a target box.
type Mode string

const (
	// ModeOutbound scales to cover the box and crops the excess, like css
	// `background-size: cover`.
	ModeOutbound Mode = "outbound"
	// ModeInset scales to fit inside the box, like css `background-size: contain`.
	ModeInset Mode = "inset"
	// ModeInsetKeepRatio is ModeInset without upscaling: the result may be
	// smaller than the box, never bigger, and never bigger than the source.
	ModeInsetKeepRatio Mode = "inset_keep_ratio"
)

// ParseMode validates s. An empty string selects ModeInset.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeInset, nil
	case ModeOutbound, ModeInset, ModeInsetKeepRatio:
		return m, nil
	default:
		return "", fmt.Errorf("image resize mode %q not defined: %w", s, domain.ErrInvalidConfig)
	}
}

// ResizePlan describes how to turn a source image into the output: scale to
// Scaled, then cut Crop out of the scaled image.
type ResizePlan struct {
	Scaled Box
	Crop   image.Rectangle
}

// Output is the size of the final image.
func (p ResizePlan) Output() Box {
	return Box{Width: p.Crop.Dx(), Height: p.Crop.Dy()}
}

// NeedsCrop reports whether Crop is smaller than the scaled image.
func (p ResizePlan) NeedsCrop() bool {
	return p.Crop != image.Rect(0, 0, p.Scaled.Width, p.Scaled.Height)
}

// Plan computes the resize plan for fitting src into target using mode.
// keepRatio only affects ModeInset: when false the image is stretched to
// exactly the target box.
func Plan(mode Mode, keepRatio bool, src, target Box) (ResizePlan, error) {
	if src.Width <= 0 || src.Height <= 0 || target.Width <= 0 || target.Height <= 0 {
		return ResizePlan{}, fmt.Errorf("invalid boxes src=%s target=%s", src, target)
	}

	ratioW := float64(target.Width) / float64(src.Width)
	ratioH := float64(target.Height) / float64(src.Height)

	switch mode {
	case ModeOutbound:
		scaled := src.Scale(math.Max(ratioW, ratioH))
		// Rounding may leave one side a pixel short of the box.
		scaled.Width = max(scaled.Width, target.Width)
		scaled.Height = max(scaled.Height, target.Height)

		x := (scaled.Width - target.Width) / 2
		y := (scaled.Height - target.Height) / 2
		return ResizePlan{
			Scaled: scaled,
			Crop:   image.Rect(x, y, x+target.Width, y+target.Height),
		}, nil

	case ModeInset:
		if !keepRatio {
			return fullPlan(target), nil
		}
		return fullPlan(fit(src, target, math.Min(ratioW, ratioH))), nil

	case ModeInsetKeepRatio:
		return fullPlan(fit(src, target, math.Min(1, math.Min(ratioW, ratioH)))), nil

	default:
		return ResizePlan{}, fmt.Errorf("resize mode %q not supported: %w", mode, domain.ErrInvalidConfig)
	}
}

func fit(src, target Box, ratio float64) Box {
	scaled := src.Scale(ratio)
	scaled.Width = min(scaled.Width, target.Width)
	scaled.Height = min(scaled.Height, target.Height)
	return scaled
}

func fullPlan(b Box) ResizePlan {
	return ResizePlan{Scaled: b, Crop: image.Rect(0, 0, b.Width, b.Height)}
}

func atLeastOne(v float64) int {
	if v < 1 {
		return 1
	}
	return int(v)
}
