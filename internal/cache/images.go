package cache

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// buckets
	_ "gocloud.dev/blob/memblob"  // mem:// for testing and default
)

// ImageStore persists rehosted page images in a blob bucket so
// converted markdown can reference stable /r2img/ URLs instead of
// origin ones that need referer headers or expire.
type ImageStore struct {
	bucket    *blob.Bucket
	bucketURL string

	saved  atomic.Int64
	served atomic.Int64
	errors atomic.Int64
}

// OpenImageStore opens the bucket named by a driver URL such as
// "mem://", "file:///var/cache/urlmd" or "s3://bucket?region=...".
func OpenImageStore(ctx context.Context, bucketURL string) (*ImageStore, error) {
	if bucketURL == "" {
		bucketURL = "mem://"
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("images: open bucket %s: %w", bucketURL, err)
	}
	return &ImageStore{bucket: bucket, bucketURL: bucketURL}, nil
}

// ImageKey derives the stable bucket key for a source image URL.
func ImageKey(sourceURL, contentType string) string {
	return fmt.Sprintf("%016x%s", xxhash.Sum64String(sourceURL), extFor(contentType))
}

func extFor(contentType string) string {
	ct := contentType
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	switch strings.TrimSpace(strings.ToLower(ct)) {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/avif":
		return ".avif"
	default:
		return ".jpg"
	}
}

// Save writes image bytes under the derived key and returns it. Saving
// the same source URL twice overwrites in place.
func (s *ImageStore) Save(ctx context.Context, sourceURL, contentType string, data []byte) (string, error) {
	key := ImageKey(sourceURL, contentType)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := s.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		s.errors.Add(1)
		return "", fmt.Errorf("images: write %s: %w", key, err)
	}
	s.saved.Add(1)
	return key, nil
}

// Open returns a reader for a stored image plus its content type. The
// caller must close the reader.
func (s *ImageStore) Open(ctx context.Context, key string) (io.ReadCloser, string, error) {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		s.errors.Add(1)
		return nil, "", fmt.Errorf("images: read %s: %w", key, err)
	}
	s.served.Add(1)
	return r, r.ContentType(), nil
}

// Exists reports whether a key is present without reading it.
func (s *ImageStore) Exists(ctx context.Context, key string) bool {
	ok, err := s.bucket.Exists(ctx, key)
	return err == nil && ok
}

// Close shuts down the bucket.
func (s *ImageStore) Close() error {
	return s.bucket.Close()
}

// Stats returns store stats.
func (s *ImageStore) Stats() map[string]interface{} {
	return map[string]interface{}{
		"bucket_url": s.bucketURL,
		"saved":      s.saved.Load(),
		"served":     s.served.Load(),
		"errors":     s.errors.Load(),
	}
}
