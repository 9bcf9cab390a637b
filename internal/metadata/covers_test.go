package metadata

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfmark/internal/ratelimit"
)

func testJPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestThumbnail_Downscales(t *testing.T) {
	data := testJPEG(t, 400, 200)

	out, err := Thumbnail(data, 100)
	require.NoError(t, err)

	img, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 50, img.Bounds().Dy(), "aspect ratio preserved")
}

func TestThumbnail_SmallImageUnchanged(t *testing.T) {
	data := testJPEG(t, 80, 120)

	out, err := Thumbnail(data, 100)
	require.NoError(t, err)
	assert.Equal(t, data, out, "images at or under the limit pass through untouched")
}

func TestThumbnail_BadData(t *testing.T) {
	_, err := Thumbnail([]byte("not an image"), 100)
	assert.Error(t, err)
}

func TestCoverStore_EnsureCaches(t *testing.T) {
	var requests atomic.Int64
	data := testJPEG(t, 640, 480)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	cs, err := NewCoverStore(t.TempDir(), 320, newTestClient(srv.URL))
	require.NoError(t, err)

	path, err := cs.Ensure(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, cs.Path(7), path)

	stored, err := os.ReadFile(path)
	require.NoError(t, err)
	img, _, err := image.Decode(bytes.NewReader(stored))
	require.NoError(t, err)
	assert.Equal(t, 320, img.Bounds().Dx())

	// Second call is served from disk.
	_, err = cs.Ensure(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), requests.Load())
}

func TestCoverStore_EnsureFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.CoversURL = srv.URL
	cfg.TokensPerSecond = 0
	cfg.Backoff = ratelimit.BackoffConfig{MaxAttempts: 1, BaseDelay: time.Millisecond}
	dir := t.TempDir()
	cs, err := NewCoverStore(dir, 320, NewClient(cfg))
	require.NoError(t, err)

	_, err = cs.Ensure(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed fetches leave nothing behind")
}
