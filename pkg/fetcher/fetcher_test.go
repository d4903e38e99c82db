package fetcher

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"faceingest/internal/workerpool"
	"faceingest/pkg/config"
	errs "faceingest/pkg/errors"
	"faceingest/pkg/imagecache"
	"faceingest/pkg/logger"
	"faceingest/pkg/metadata"
	"faceingest/pkg/storage"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.FetchConfig {
	cfg := config.DefaultConfig().Fetch
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	cfg.RetryJitter = 0
	cfg.RequestTimeout = 5 * time.Second
	return cfg
}

type env struct {
	fs      afero.Fs
	fetcher *Fetcher
	cache   *imagecache.Cache
	store   *storage.Manager
	metrics *metadata.Recorder
}

func newEnv(t *testing.T, cfg config.FetchConfig, withDisk bool) *env {
	t.Helper()
	fs := afero.NewMemMapFs()

	store, err := storage.NewManager(fs, "/out/photos")
	require.NoError(t, err)

	var disk *imagecache.Disk
	if withDisk {
		disk = imagecache.NewDisk(fs, "/out/image_cache")
	}
	cache := imagecache.New(imagecache.NewMemory(50*1024*1024, 0.1), disk)

	pool := workerpool.New(2, logger.NewNopLogger())
	pool.Start()
	t.Cleanup(pool.Stop)

	metrics := metadata.NewRecorder(fs, "/out/image_cache", 0)

	f, err := New(cfg, Options{
		Cache:   cache,
		Store:   store,
		Pool:    pool,
		Metrics: metrics,
		Logger:  logger.NewNopLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(f.Close)

	return &env{fs: fs, fetcher: f, cache: cache, store: store, metrics: metrics}
}

func pngBytes(t *testing.T, w, h int, alpha uint8) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 200, A: alpha})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// declaredPNG is a small PNG whose header claims w×h pixels. Only the
// header is valid.
func declaredPNG(t *testing.T, w, h uint32) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	chunk := func(typ string, data []byte) {
		require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(len(data))))
		buf.WriteString(typ)
		buf.Write(data)
		crc := crc32.NewIEEE()
		crc.Write([]byte(typ))
		crc.Write(data)
		require.NoError(t, binary.Write(&buf, binary.BigEndian, crc.Sum32()))
	}
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8] = 8 // bit depth, grayscale
	chunk("IHDR", ihdr)
	chunk("IDAT", make([]byte, 128))
	chunk("IEND", nil)
	return buf.Bytes()
}

func imageServer(t *testing.T, body []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func photoFiles(t *testing.T, fs afero.Fs) []string {
	t.Helper()
	matches, err := afero.Glob(fs, "/out/photos/*.jpg")
	require.NoError(t, err)
	return matches
}

func TestFetchAndProcessInvalidURL(t *testing.T) {
	e := newEnv(t, testConfig(), true)

	for _, url := range []string{"", "ftp.example.com/a.jpg"} {
		res := e.fetcher.FetchAndProcess(context.Background(), url)
		require.False(t, res.OK())
		assert.Equal(t, "Invalid URL", res.Failure.Reason)
		assert.Equal(t, errs.ErrorTypeMalformedInput, res.Failure.Kind)
		assert.Zero(t, res.Failure.Attempts)
	}
	assert.Equal(t, int64(2), e.metrics.Summary().Failed)
}

func TestFetchAndProcessSuccess(t *testing.T) {
	e := newEnv(t, testConfig(), true)
	srv, hits := imageServer(t, pngBytes(t, 400, 200, 128))

	res := e.fetcher.FetchAndProcess(context.Background(), srv.URL+"/face.png")
	require.True(t, res.OK(), "failure: %+v", res.Failure)

	a := res.Asset
	assert.Equal(t, imagecache.TierNone, a.Tier)
	assert.Equal(t, 400, a.Width)
	assert.Equal(t, 200, a.Height)
	assert.Greater(t, a.StoredBytes, int64(0))
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, HashURL(srv.URL+"/face.png"), res.Hash)

	thumbData, err := base64.StdEncoding.DecodeString(a.Thumbnail)
	require.NoError(t, err)
	thumb, err := jpeg.Decode(bytes.NewReader(thumbData))
	require.NoError(t, err)
	assert.Equal(t, 120, thumb.Bounds().Dx())
	assert.Equal(t, 60, thumb.Bounds().Dy())

	exists, err := afero.Exists(e.fs, a.Path)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Regexp(t, `^/out/photos/`+res.Hash+`_\d+\.jpg$`, a.Path)

	exists, err = afero.Exists(e.fs, "/out/image_cache/cache_"+res.Hash+".jpg")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestFetchAndProcessDiskCacheHit(t *testing.T) {
	e := newEnv(t, testConfig(), true)
	srv, hits := imageServer(t, pngBytes(t, 64, 64, 255))
	url := srv.URL + "/a.png"

	first := e.fetcher.FetchAndProcess(context.Background(), url)
	require.True(t, first.OK())

	second := e.fetcher.FetchAndProcess(context.Background(), url)
	require.True(t, second.OK())
	assert.Equal(t, imagecache.TierDisk, second.Asset.Tier)
	assert.Equal(t, first.Asset.Path, second.Asset.Path)
	assert.Equal(t, int32(1), hits.Load())
	assert.Len(t, photoFiles(t, e.fs), 1)
	assert.Equal(t, int64(1), e.metrics.Summary().CachedImages)
}

func TestFetchAndProcessMemoryCacheHit(t *testing.T) {
	e := newEnv(t, testConfig(), false)
	srv, hits := imageServer(t, pngBytes(t, 64, 64, 255))
	url := srv.URL + "/a.png"

	first := e.fetcher.FetchAndProcess(context.Background(), url)
	require.True(t, first.OK())

	second := e.fetcher.FetchAndProcess(context.Background(), url)
	require.True(t, second.OK())
	assert.Equal(t, imagecache.TierMemory, second.Asset.Tier)
	assert.Equal(t, first.Asset.Path, second.Asset.Path)
	assert.Equal(t, first.Asset.StoredBytes, second.Asset.StoredBytes)
	assert.Equal(t, int32(1), hits.Load())
	assert.Len(t, photoFiles(t, e.fs), 1)
}

func TestFetchAndProcessSizeLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxImageBytes = 1024
	e := newEnv(t, cfg, true)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		flusher := w.(http.Flusher)
		chunk := bytes.Repeat([]byte{0xFF}, 512)
		for i := 0; i < 8; i++ {
			w.Write(chunk)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	res := e.fetcher.FetchAndProcess(context.Background(), srv.URL+"/huge.jpg")
	require.False(t, res.OK())
	assert.Equal(t, errs.ErrorTypeSizeLimit, res.Failure.Kind)
	assert.Equal(t, 1, res.Failure.Attempts)
	assert.Equal(t, int32(1), hits.Load())
	assert.Empty(t, photoFiles(t, e.fs))

	exists, _ := afero.Exists(e.fs, "/out/image_cache/cache_"+res.Hash+".jpg")
	assert.False(t, exists)
}

func TestFetchAndProcessContentLengthOverLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxImageBytes = 1024
	e := newEnv(t, cfg, true)
	body := pngBytes(t, 200, 200, 255)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write(body)
	}))
	defer srv.Close()

	res := e.fetcher.FetchAndProcess(context.Background(), srv.URL+"/big.png")
	require.False(t, res.OK())
	assert.Equal(t, errs.ErrorTypeSizeLimit, res.Failure.Kind)
	assert.Equal(t, int32(1), hits.Load())
	assert.Zero(t, res.Failure.Diagnostics[0].BytesRead)
}

func TestFetchAndProcessRetriesServerErrors(t *testing.T) {
	e := newEnv(t, testConfig(), true)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	res := e.fetcher.FetchAndProcess(context.Background(), srv.URL+"/x.jpg")
	require.False(t, res.OK())
	assert.Equal(t, 3, res.Failure.Attempts)
	assert.Equal(t, int32(3), hits.Load())
	assert.Len(t, res.Failure.Diagnostics, 3)
	assert.Equal(t, "HTTP 500: Internal Server Error", res.Failure.Reason)
	assert.Equal(t, errs.ErrorTypeHTTPStatus, res.Failure.Kind)
	for i, d := range res.Failure.Diagnostics {
		assert.Equal(t, i+1, d.Attempt)
		assert.Equal(t, 500, d.StatusCode)
	}
}

func TestFetchAndProcessRecoversAfterTransientFailure(t *testing.T) {
	e := newEnv(t, testConfig(), true)
	body := pngBytes(t, 32, 32, 255)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	res := e.fetcher.FetchAndProcess(context.Background(), srv.URL+"/x.png")
	require.True(t, res.OK())
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 2, e.metrics.Entries()[0].Attempts)
}

func TestFetchAndProcessRejectsNonImage(t *testing.T) {
	e := newEnv(t, testConfig(), true)
	srv, hits := imageServer(t, bytes.Repeat([]byte("<html>not an image</html>"), 10))

	res := e.fetcher.FetchAndProcess(context.Background(), srv.URL+"/page.jpg")
	require.False(t, res.OK())
	assert.Equal(t, errs.ErrorTypeInvalidImage, res.Failure.Kind)
	assert.Equal(t, int32(3), hits.Load())
	assert.Contains(t, res.Failure.Reason, "unrecognized image signature")
}

func TestFetchAndProcessDownscalesLargeImages(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDimension = 100
	cfg.CacheDimension = 50
	e := newEnv(t, cfg, true)
	srv, _ := imageServer(t, pngBytes(t, 400, 200, 255))

	res := e.fetcher.FetchAndProcess(context.Background(), srv.URL+"/wide.png")
	require.True(t, res.OK())
	assert.Equal(t, 100, res.Asset.Width)
	assert.Equal(t, 50, res.Asset.Height)

	data, err := afero.ReadFile(e.fs, res.Asset.Path)
	require.NoError(t, err)
	stored, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 100, stored.Bounds().Dx())

	exists, _ := afero.Exists(e.fs, "/out/image_cache/cache_"+res.Hash+".jpg")
	assert.False(t, exists)
}

func TestFetchAndProcessRejectsOversizedPixels(t *testing.T) {
	e := newEnv(t, testConfig(), true)
	srv, hits := imageServer(t, declaredPNG(t, 30000, 30000))

	res := e.fetcher.FetchAndProcess(context.Background(), srv.URL+"/bomb.png")
	require.False(t, res.OK())
	assert.Equal(t, errs.ErrorTypeInvalidImage, res.Failure.Kind)
	assert.Contains(t, res.Failure.Reason, "image too large: 30000x30000")
	assert.Equal(t, int32(1), hits.Load())
	assert.Empty(t, photoFiles(t, e.fs))
}

func TestFetchAllPreservesOrder(t *testing.T) {
	e := newEnv(t, testConfig(), true)
	body := pngBytes(t, 16, 16, 255)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	urls := []string{srv.URL + "/1", "bogus", srv.URL + "/missing", srv.URL + "/2"}
	results := e.fetcher.FetchAll(context.Background(), urls, 2)
	require.Len(t, results, len(urls))

	for i, res := range results {
		assert.Equal(t, urls[i], res.URL)
	}
	assert.True(t, results[0].OK())
	assert.False(t, results[1].OK())
	assert.Equal(t, "HTTP 404: Not Found", results[2].Failure.Reason)
	assert.True(t, results[3].OK())
}

func TestFetchAndProcessCancelled(t *testing.T) {
	e := newEnv(t, testConfig(), true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := e.fetcher.FetchAndProcess(ctx, "http://127.0.0.1:1/x.jpg")
	require.False(t, res.OK())
	assert.Equal(t, errs.ErrorTypeCanceled, res.Failure.Kind)
	assert.Equal(t, 1, res.Failure.Attempts)
}

func TestWriteMetrics(t *testing.T) {
	e := newEnv(t, testConfig(), true)
	srv, _ := imageServer(t, pngBytes(t, 16, 16, 255))

	for i := 0; i < 3; i++ {
		e.fetcher.FetchAndProcess(context.Background(), fmt.Sprintf("%s/%d.png", srv.URL, i))
	}
	require.NoError(t, e.fetcher.WriteMetrics())

	stats := e.fetcher.Statistics()
	assert.Equal(t, int64(3), stats.Successful)
	assert.NotNil(t, stats.MemoryCacheStats)

	for _, name := range []string{metadata.MetricsFile, metadata.SummaryFile} {
		exists, err := afero.Exists(e.fs, "/out/image_cache/"+name)
		require.NoError(t, err)
		assert.True(t, exists, name)
	}
}

func TestDetectFormat(t *testing.T) {
	riff := append([]byte("RIFF\x00\x00\x00\x00WEBP"), make([]byte, 10)...)
	tests := []struct {
		name string
		data []byte
		want format
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, formatJPEG},
		{"png", []byte("\x89PNG\r\n\x1a\n...."), formatPNG},
		{"gif87", []byte("GIF87a...."), formatGIF},
		{"gif89", []byte("GIF89a...."), formatGIF},
		{"bmp", []byte("BM........"), formatBMP},
		{"webp", riff, formatWEBP},
		{"jfif marker", append(make([]byte, 20), []byte("JFIF")...), formatJPEG},
		{"riff without webp", []byte("RIFF\x00\x00\x00\x00WAVE"), formatUnknown},
		{"html", []byte("<html></html>"), formatUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectFormat(tt.data))
		})
	}
}

func TestFit(t *testing.T) {
	w, h := fit(400, 200, 120, 120)
	assert.Equal(t, 120, w)
	assert.Equal(t, 60, h)

	w, h = fit(50, 30, 120, 120)
	assert.Equal(t, 50, w)
	assert.Equal(t, 30, h)

	w, h = fit(10000, 1, 120, 120)
	assert.Equal(t, 120, w)
	assert.Equal(t, 1, h)
}

func TestCheckPixels(t *testing.T) {
	assert.NoError(t, checkPixels(declaredPNG(t, 1000, 1000), 1_000_000))

	err := checkPixels(declaredPNG(t, 1001, 1000), 1_000_000)
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.ErrorTypeInvalidImage, e.Type)

	assert.Error(t, checkPixels([]byte("not an image at all"), 1_000_000))
}

func TestRenderRejectsBeforeDecoding(t *testing.T) {
	opts := renderOptions{maxPixels: 10_000, maxDim: 5000, thumbSize: 120, quality: 85}

	_, err := render(pngBytes(t, 200, 100, 255), opts)
	assert.ErrorContains(t, err, "image too large: 200x100 exceeds 10000 pixels")

	// header fits, so the failure comes from decoding the bogus pixel data
	_, err = render(declaredPNG(t, 50, 50), opts)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "image too large")
}

func TestRenderDownscalesOntoWhite(t *testing.T) {
	opts := renderOptions{maxPixels: 1_000_000, maxDim: 100, thumbSize: 120, quality: 85}

	r, err := render(pngBytes(t, 400, 200, 0), opts)
	require.NoError(t, err)
	assert.Equal(t, 100, r.width)
	assert.Equal(t, 50, r.height)

	img, err := jpeg.Decode(bytes.NewReader(r.full))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 100, 50), img.Bounds())
	// fully transparent source flattens to white
	red, green, blue, _ := img.At(50, 25).RGBA()
	assert.Greater(t, red>>8, uint32(240))
	assert.Greater(t, green>>8, uint32(240))
	assert.Greater(t, blue>>8, uint32(240))
}
