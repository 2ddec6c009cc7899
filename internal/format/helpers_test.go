package format

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t-kanstantsin/fileupload/pkg/imaging"
)

var (
	sourceTime = time.Unix(100, 0)

	white = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	red   = color.RGBA{R: 0xff, A: 0xff}
)

func newTestCodec() *imaging.Codec {
	return imaging.NewCodec(zap.NewNop(), 0)
}

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func writeMark(t *testing.T, dir string, img image.Image) string {
	t.Helper()
	path := filepath.Join(dir, "mark.png")
	require.NoError(t, os.WriteFile(path, pngBytes(t, img), 0o644))
	return path
}

func rgbaAt(img image.Image, x, y int) color.RGBA {
	return color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
}

// assertNear compares colours allowing for resampling rounding.
func assertNear(t *testing.T, want, got color.RGBA) {
	t.Helper()
	assert.InDelta(t, int(want.R), int(got.R), 2, "red of %v", got)
	assert.InDelta(t, int(want.G), int(got.G), 2, "green of %v", got)
	assert.InDelta(t, int(want.B), int(got.B), 2, "blue of %v", got)
	assert.InDelta(t, int(want.A), int(got.A), 2, "alpha of %v", got)
}
