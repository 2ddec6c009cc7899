package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t-kanstantsin/fileupload/internal/cachestate"
	"github.com/t-kanstantsin/fileupload/internal/config"
	"github.com/t-kanstantsin/fileupload/internal/domain"
	"github.com/t-kanstantsin/fileupload/internal/format"
	"github.com/t-kanstantsin/fileupload/internal/metrics"
	"github.com/t-kanstantsin/fileupload/internal/repository"
	"github.com/t-kanstantsin/fileupload/pkg/imaging"
)

// tickClock advances one second per reading so every store write is newer
// than the previous one.
type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type decision struct {
	key    string
	format string
	cached bool
}

type env struct {
	svc       AssetService
	store     *repository.MemoryRepository
	states    *cachestate.MemoryStore
	metrics   *metrics.Metrics
	mu        sync.Mutex
	decisions []decision
}

func (e *env) recorded() []decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]decision(nil), e.decisions...)
}

// cancelAdapter cancels the request it runs under, like a client hanging up
// halfway through generation.
type cancelAdapter struct {
	cancel context.CancelFunc
}

func (cancelAdapter) Name() string { return "cancel" }

func (a cancelAdapter) Apply(_ context.Context, _ format.Job, img image.Image) (image.Image, error) {
	a.cancel()
	return img, nil
}

func testAppConfig() *config.AppConfig {
	return &config.AppConfig{
		DefaultExtension:  "jpg",
		SourcePrefix:      "sources/",
		DerivedPrefix:     "derived/",
		MaxUploadSize:     1 << 20,
		AllowedExtensions: []string{".png", ".jpg"},
		PipelineTimeout:   5 * time.Second,
	}
}

func newEnv(t *testing.T, specs ...*format.Spec) *env {
	t.Helper()

	codec := imaging.NewCodec(zap.NewNop(), 0)
	var catalog *format.Catalog
	var err error
	if len(specs) == 0 {
		catalog, err = format.ParseCatalog([]byte(format.DefaultCatalogYAML), codec, ".")
	} else {
		catalog, err = format.NewCatalog(specs...)
	}
	require.NoError(t, err)

	clock := &tickClock{now: time.Unix(100, 0)}
	e := &env{
		store:   repository.NewMemoryRepository(clock.Now),
		states:  cachestate.NewMemoryStore(),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	e.svc = NewAssetService(e.store, e.states, catalog, codec, testAppConfig(), e.metrics, zap.NewNop(),
		WithClock(func() time.Time { return time.Unix(5000, 0) }),
		WithAfterCache(func(source domain.SourceFile, formatName string, cached bool) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.decisions = append(e.decisions, decision{key: source.Key, format: formatName, cached: cached})
		}))
	return e
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 0x80, A: 0xff})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func upload(t *testing.T, e *env, data []byte) string {
	t.Helper()
	u, err := e.svc.Upload(context.Background(), data, "photo.png", "image/png")
	require.NoError(t, err)
	return u.StoragePath
}

func TestUpload(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	t.Run("stores under the source prefix", func(t *testing.T) {
		u, err := e.svc.Upload(ctx, testPNG(t, 4, 4), "Photo.PNG", "image/png")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(u.StoragePath, "sources/"))
		assert.True(t, strings.HasSuffix(u.StoragePath, ".png"))
		assert.Equal(t, "Photo.PNG", u.OriginalName)
		assert.Equal(t, time.Unix(5000, 0), u.UploadedAt)

		ok, err := repository.Exists(ctx, e.store, u.StoragePath)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.UploadsTotal))
	})

	t.Run("rejections", func(t *testing.T) {
		cases := map[string]struct {
			data []byte
			name string
		}{
			"extension":    {[]byte("x"), "virus.exe"},
			"no extension": {[]byte("x"), "README"},
			"empty":        {nil, "a.png"},
			"too large":    {make([]byte, 2<<20), "a.png"},
		}
		for name, tc := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := e.svc.Upload(ctx, tc.data, tc.name, "")
				assert.ErrorIs(t, err, domain.ErrInvalidUpload)
			})
		}
	})

	t.Run("sources are listed", func(t *testing.T) {
		keys, err := e.svc.ListSources(ctx)
		require.NoError(t, err)
		assert.Len(t, keys, 1)
	})
}

func TestDerive(t *testing.T) {
	ctx := context.Background()

	t.Run("generates and caches", func(t *testing.T) {
		e := newEnv(t)
		key := upload(t, e, testPNG(t, 400, 200))
		id := strings.TrimSuffix(strings.TrimPrefix(key, "sources/"), ".png")

		d, err := e.svc.Derive(ctx, key, "thumb")
		require.NoError(t, err)
		assert.Equal(t, "cached", d.Event)
		assert.True(t, d.Cached)
		assert.Equal(t, "derived/thumb/"+id+".jpg", d.Path)
		assert.Equal(t, time.Unix(5000, 0), d.CachedAt)

		data, err := repository.ReadAll(ctx, e.store, d.Path)
		require.NoError(t, err)
		img, _, err := image.Decode(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 100, 100), img.Bounds())

		state, err := e.states.Load(ctx, key)
		require.NoError(t, err)
		ts, ok := state.CachedAt("thumb")
		require.True(t, ok)
		assert.Equal(t, int64(5000), ts)

		assert.Equal(t, []decision{{key: key, format: "thumb", cached: true}}, e.recorded())
		assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.SavesTotal.WithLabelValues("thumb", "cached")))
	})

	t.Run("second derive reuses the file", func(t *testing.T) {
		e := newEnv(t)
		key := upload(t, e, testPNG(t, 40, 20))

		_, err := e.svc.Derive(ctx, key, "preview")
		require.NoError(t, err)
		writes := e.store.Writes()

		d, err := e.svc.Derive(ctx, key, "preview")
		require.NoError(t, err)
		assert.True(t, d.Cached)
		assert.Equal(t, writes, e.store.Writes())
	})

	t.Run("missing source", func(t *testing.T) {
		e := newEnv(t)

		d, err := e.svc.Derive(ctx, "sources/missing.png", "thumb")
		require.NoError(t, err)
		assert.Equal(t, "not_found", d.Event)
		assert.False(t, d.Cached)
		assert.Zero(t, e.store.Writes())
	})

	t.Run("lookup errors", func(t *testing.T) {
		e := newEnv(t)
		key := upload(t, e, testPNG(t, 4, 4))

		_, err := e.svc.Derive(ctx, key, "poster")
		assert.ErrorIs(t, err, domain.ErrUnknownFormat)

		_, err = e.svc.Derive(ctx, "derived/thumb/x.jpg", "thumb")
		assert.ErrorIs(t, err, domain.ErrSourceNotFound)
	})

	t.Run("corrupt source leaves an empty marker", func(t *testing.T) {
		e := newEnv(t)
		key := upload(t, e, []byte("not an image"))

		d, err := e.svc.Derive(ctx, key, "thumb")
		require.Error(t, err)
		assert.Equal(t, "error", d.Event)
		assert.NotEmpty(t, d.Error)

		d, err = e.svc.Derive(ctx, key, "thumb")
		require.NoError(t, err)
		assert.Equal(t, "empty", d.Event)
		assert.False(t, d.Cached)

		state, err := e.states.Load(ctx, key)
		require.NoError(t, err)
		assert.False(t, state.IsCached("thumb"))
	})

	t.Run("cancelled request is not cached as empty", func(t *testing.T) {
		reqCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		e := newEnv(t, &format.Spec{
			Name:     "thumb",
			Width:    10,
			Height:   10,
			Adapters: []format.Adapter{cancelAdapter{cancel: cancel}},
		})
		key := upload(t, e, testPNG(t, 40, 40))

		d, err := e.svc.Derive(reqCtx, key, "thumb")
		assert.ErrorIs(t, err, context.Canceled)
		require.NotNil(t, d)
		assert.Equal(t, "error", d.Event)

		ok, err := repository.Exists(ctx, e.store, d.Path)
		require.NoError(t, err)
		assert.False(t, ok)

		d, err = e.svc.Derive(ctx, key, "thumb")
		require.NoError(t, err)
		assert.Equal(t, "cached", d.Event)
		assert.True(t, d.Cached)
	})

	t.Run("empty target with a missing source", func(t *testing.T) {
		e := newEnv(t)
		key := "sources/gone.png"
		require.NoError(t, e.store.Write(ctx, "derived/thumb/gone.jpg", nil))

		d, err := e.svc.Derive(ctx, key, "thumb")
		require.NoError(t, err)
		assert.Equal(t, "empty", d.Event)
		assert.False(t, d.Cached)
	})

	t.Run("invalid format configuration", func(t *testing.T) {
		e := newEnv(t, &format.Spec{Name: "modern", Extension: "webp"})
		key := upload(t, e, testPNG(t, 4, 4))

		d, err := e.svc.Derive(ctx, key, "modern")
		assert.ErrorIs(t, err, domain.ErrInvalidConfig)
		require.NotNil(t, d)
		assert.Equal(t, "error", d.Event)

		_, err = e.svc.Warm(ctx, key)
		assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	data := testPNG(t, 10, 10)
	key := upload(t, e, data)

	rc, d, err := e.svc.Open(ctx, key, "original")
	require.NoError(t, err)
	require.NotNil(t, rc)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.True(t, strings.HasSuffix(d.Path, ".png"))

	rc, d, err = e.svc.Open(ctx, "sources/missing.png", "original")
	require.NoError(t, err)
	assert.Nil(t, rc)
	assert.Equal(t, "not_found", d.Event)
}

func TestWarm(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	key := upload(t, e, testPNG(t, 300, 150))

	results, err := e.svc.Warm(ctx, key)
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, name := range []string{"thumb", "preview", "original"} {
		assert.Equal(t, name, results[i].Format)
		assert.True(t, results[i].Cached, "format %s: %s", name, results[i].Error)
	}

	state, err := e.states.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"original", "preview", "thumb"}, state.Formats())
	assert.Len(t, e.recorded(), 3)
}

// statFailingStore fails every Stat with a storage error other than a
// missing key.
type statFailingStore struct {
	*repository.MemoryRepository
	err error
}

func (s statFailingStore) Stat(context.Context, string) (repository.ObjectInfo, error) {
	return repository.ObjectInfo{}, s.err
}

func TestWarmUnreadableSource(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("storage offline")

	codec := imaging.NewCodec(zap.NewNop(), 0)
	catalog, err := format.ParseCatalog([]byte(format.DefaultCatalogYAML), codec, ".")
	require.NoError(t, err)

	store := statFailingStore{MemoryRepository: repository.NewMemoryRepository(time.Now), err: boom}
	svc := NewAssetService(store, cachestate.NewMemoryStore(), catalog, codec, testAppConfig(),
		metrics.New(prometheus.NewRegistry()), zap.NewNop())

	results, err := svc.Warm(ctx, "sources/a.png")
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, results)
}

func TestReplaceAndInvalidate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	key := upload(t, e, testPNG(t, 300, 150))

	results, err := e.svc.Warm(ctx, key)
	require.NoError(t, err)

	require.NoError(t, e.svc.Replace(ctx, key, testPNG(t, 50, 50)))

	for _, d := range results {
		ok, err := repository.Exists(ctx, e.store, d.Path)
		require.NoError(t, err)
		assert.False(t, ok, "%s should be deleted", d.Path)
	}
	state, err := e.states.Load(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, state.Formats())

	d, err := e.svc.Derive(ctx, key, "preview")
	require.NoError(t, err)
	assert.True(t, d.Cached)

	data, err := repository.ReadAll(ctx, e.store, d.Path)
	require.NoError(t, err)
	img, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 50, 50), img.Bounds())

	t.Run("only source keys", func(t *testing.T) {
		assert.ErrorIs(t, e.svc.Replace(ctx, "derived/x.png", []byte("x")), domain.ErrSourceNotFound)
		for _, k := range []string{"sources/../derived/thumb/x.jpg", "sources/a/../../x.png", "sources/.."} {
			assert.ErrorIs(t, e.svc.Replace(ctx, k, []byte("x")), domain.ErrSourceNotFound, k)
		}
		_, err := e.svc.Derive(ctx, "sources/../derived/thumb/x.jpg", "thumb")
		assert.ErrorIs(t, err, domain.ErrSourceNotFound)
		assert.ErrorIs(t, e.svc.Replace(ctx, key, nil), domain.ErrInvalidUpload)
		assert.ErrorIs(t, e.svc.Invalidate(ctx, ""), domain.ErrSourceNotFound)
	})
}

func TestTargetPath(t *testing.T) {
	s := &assetService{cfg: testAppConfig()}

	assert.Equal(t, "derived/thumb/a/b.jpg", s.TargetPath("sources/a/b.png", "thumb", "jpg"))
	assert.Equal(t, "derived/original/c", s.TargetPath("sources/c", "original", ""))
}
