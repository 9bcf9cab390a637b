package metadata

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"
)

// Thumbnail downscales a cover image to maxWidth, preserving aspect
// ratio, and re-encodes it as JPEG. Images already at or below maxWidth
// are returned unchanged.
func Thumbnail(data []byte, maxWidth int) ([]byte, error) {
	if maxWidth <= 0 {
		return nil, fmt.Errorf("max width must be positive")
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode cover image: %w", err)
	}

	bounds := src.Bounds()
	if bounds.Dx() <= maxWidth {
		return data, nil
	}

	height := bounds.Dy() * maxWidth / bounds.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// CoverStore caches cover thumbnails on disk, keyed by cover ID.
type CoverStore struct {
	dir      string
	maxWidth int
	client   *Client
}

// NewCoverStore creates a disk-backed cover cache under dir.
func NewCoverStore(dir string, maxWidth int, client *Client) (*CoverStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("cover cache directory is required")
	}
	if maxWidth <= 0 {
		maxWidth = 320
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cover cache directory: %w", err)
	}
	return &CoverStore{dir: dir, maxWidth: maxWidth, client: client}, nil
}

// Path returns where a cover's thumbnail lives on disk.
func (cs *CoverStore) Path(coverID int64) string {
	return filepath.Join(cs.dir, fmt.Sprintf("%d.jpg", coverID))
}

// Ensure fetches and caches a cover thumbnail if it isn't already on
// disk, returning its path.
func (cs *CoverStore) Ensure(ctx context.Context, coverID int64) (string, error) {
	path := cs.Path(coverID)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	data, err := cs.client.FetchCover(ctx, coverID)
	if err != nil {
		return "", err
	}

	thumb, err := Thumbnail(data, cs.maxWidth)
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(path, thumb, 0644); err != nil {
		return "", fmt.Errorf("write cover thumbnail: %w", err)
	}
	return path, nil
}
