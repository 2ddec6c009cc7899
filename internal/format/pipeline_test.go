package format

import (
	"bytes"
	"context"
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t-kanstantsin/fileupload/internal/domain"
	"github.com/t-kanstantsin/fileupload/internal/repository"
)

type recordingAdapter struct {
	name  string
	calls *[]string
	err   error
}

func (a recordingAdapter) Name() string { return a.name }

func (a recordingAdapter) Apply(_ context.Context, job Job, img image.Image) (image.Image, error) {
	*a.calls = append(*a.calls, a.name+":"+job.Extension)
	return img, a.err
}

func seedSource(t *testing.T, store repository.BlobStore, key string, img image.Image) domain.SourceFile {
	t.Helper()
	data := pngBytes(t, img)
	require.NoError(t, store.Write(context.Background(), key, data))
	info, err := store.Stat(context.Background(), key)
	require.NoError(t, err)
	return domain.NewSourceFile(key, info.ModifiedAt, info.Size)
}

func decodeBytes(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

func TestPipelineProduce(t *testing.T) {
	ctx := context.Background()
	codec := newTestCodec()
	store := repository.NewMemoryRepository(nil)
	source := seedSource(t, store, "sources/photo.png", solid(400, 200, red))

	t.Run("outbound thumbnail", func(t *testing.T) {
		bg, err := NewBackgroundNormalizer(codec, "")
		require.NoError(t, err)
		spec := &Spec{Name: "thumb", Width: 100, Height: 100, Mode: ModeOutbound, KeepRatio: true, Extension: "jpg", Adapters: []Adapter{bg}}

		p, err := NewPipeline(spec, source, store, codec, "", zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, "thumb", p.Name())
		assert.Equal(t, "jpg", p.Extension())

		data, err := p.Produce(ctx)
		require.NoError(t, err)
		assert.Equal(t, Box{Width: 100, Height: 100}, BoxOf(decodeBytes(t, data)))
	})

	t.Run("inset keep ratio does not upscale", func(t *testing.T) {
		spec := &Spec{Name: "preview", Width: 800, Mode: ModeInsetKeepRatio, KeepRatio: true}

		p, err := NewPipeline(spec, source, store, codec, "", zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, "png", p.Extension())

		data, err := p.Produce(ctx)
		require.NoError(t, err)
		assert.Equal(t, Box{Width: 400, Height: 200}, BoxOf(decodeBytes(t, data)))
	})

	t.Run("width only keeps ratio", func(t *testing.T) {
		spec := &Spec{Name: "small", Width: 100, Mode: ModeInset, KeepRatio: true}

		p, err := NewPipeline(spec, source, store, codec, "", zap.NewNop())
		require.NoError(t, err)

		data, err := p.Produce(ctx)
		require.NoError(t, err)
		assert.Equal(t, Box{Width: 100, Height: 50}, BoxOf(decodeBytes(t, data)))
	})

	t.Run("original copies bytes", func(t *testing.T) {
		spec := &Spec{Name: "original", Original: true}

		p, err := NewPipeline(spec, source, store, codec, "", zap.NewNop())
		require.NoError(t, err)

		data, err := p.Produce(ctx)
		require.NoError(t, err)
		want, err := repository.ReadAll(ctx, store, source.Key)
		require.NoError(t, err)
		assert.Equal(t, want, data)
	})

	t.Run("adapters run in order", func(t *testing.T) {
		var calls []string
		spec := &Spec{Name: "chain", Extension: "gif", Adapters: []Adapter{
			recordingAdapter{name: "first", calls: &calls},
			recordingAdapter{name: "second", calls: &calls},
		}}

		p, err := NewPipeline(spec, source, store, codec, "", zap.NewNop())
		require.NoError(t, err)

		_, err = p.Produce(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"first:gif", "second:gif"}, calls)
	})

	t.Run("adapter errors stop the chain", func(t *testing.T) {
		var calls []string
		boom := errors.New("boom")
		spec := &Spec{Name: "chain", Adapters: []Adapter{
			recordingAdapter{name: "first", calls: &calls, err: boom},
			recordingAdapter{name: "second", calls: &calls},
		}}

		p, err := NewPipeline(spec, source, store, codec, "", zap.NewNop())
		require.NoError(t, err)

		_, err = p.Produce(ctx)
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "adapter first")
		assert.Len(t, calls, 1)
	})

	t.Run("missing source", func(t *testing.T) {
		missing := domain.NewSourceFile("sources/missing.png", source.UpdatedAt, 0)
		for _, spec := range []*Spec{{Name: "thumb", Width: 10}, {Name: "original", Original: true}} {
			p, err := NewPipeline(spec, missing, store, codec, "", zap.NewNop())
			require.NoError(t, err)

			exists, err := p.Exists(ctx)
			require.NoError(t, err)
			assert.False(t, exists)

			_, err = p.Produce(ctx)
			assert.ErrorIs(t, err, domain.ErrSourceNotFound)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		p, err := NewPipeline(&Spec{Name: "thumb", Width: 10}, source, store, codec, "", zap.NewNop())
		require.NoError(t, err)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err = p.Produce(cctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestNewPipelineRejectsInvalidConfig(t *testing.T) {
	codec := newTestCodec()
	store := repository.NewMemoryRepository(nil)
	source := domain.NewSourceFile("sources/a.png", sourceTime, 1)

	specs := map[string]*Spec{
		"no name":              {},
		"negative width":       {Name: "x", Width: -1},
		"unknown mode":         {Name: "x", Mode: "stretch"},
		"nil adapter":          {Name: "x", Adapters: []Adapter{nil}},
		"original with resize": {Name: "x", Original: true, Width: 10},
		"unencodable":          {Name: "x", Extension: "webp"},
	}

	for name, spec := range specs {
		t.Run(name, func(t *testing.T) {
			_, err := NewPipeline(spec, source, store, codec, "", zap.NewNop())
			assert.ErrorIs(t, err, domain.ErrInvalidConfig)
		})
	}
}

func TestTargetExtension(t *testing.T) {
	codec := newTestCodec()

	tests := []struct {
		name     string
		spec     Spec
		key      string
		fallback string
		want     string
	}{
		{"override wins", Spec{Extension: ".PNG"}, "sources/a.gif", "", "png"},
		{"source when encodable", Spec{}, "sources/a.gif", "png", "gif"},
		{"fallback when source is not encodable", Spec{}, "sources/a.webp", "png", "png"},
		{"default without fallback", Spec{}, "sources/a", "", DefaultExtension},
		{"original keeps source", Spec{Original: true}, "sources/a.webp", "png", "webp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := domain.NewSourceFile(tt.key, sourceTime, 1)
			assert.Equal(t, tt.want, TargetExtension(&tt.spec, source, codec, tt.fallback))
		})
	}
}
