package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// Blob fetches objects from gocloud.dev/blob buckets (s3://, gs://, azblob://,
// file://, mem://). Opened buckets are kept for the lifetime of the Blob.
// Drivers must be registered by the program with blank imports.
type Blob struct {
	// MaxBytes rejects larger objects, zero means no limit.
	MaxBytes int64

	mu      sync.Mutex
	buckets map[string]*blob.Bucket
}

func NewBlob(maxBytes int64) *Blob {
	return &Blob{MaxBytes: maxBytes, buckets: make(map[string]*blob.Bucket)}
}

// Register makes an already opened bucket available under bucketURL.
func (b *Blob) Register(bucketURL string, bucket *blob.Bucket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buckets[bucketURL] = bucket
}

// SplitURL separates an object URL into its bucket URL and key.
// For file:// the bucket is the containing directory.
func SplitURL(rawURL string) (bucketURL, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parsing url %q: %w", rawURL, err)
	}
	if u.Scheme == "" {
		return "", "", fmt.Errorf("%w: missing scheme in %q", ErrUnsupportedScheme, rawURL)
	}
	bu := *u
	if u.Scheme == "file" {
		bu.Path = path.Dir(u.Path)
		key = path.Base(u.Path)
	} else {
		bu.Path = ""
		key = strings.TrimPrefix(u.Path, "/")
	}
	if key == "" || key == "." || key == "/" {
		return "", "", fmt.Errorf("missing object key in %q", rawURL)
	}
	return bu.String(), key, nil
}

func (b *Blob) bucket(ctx context.Context, bucketURL string) (*blob.Bucket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bk, ok := b.buckets[bucketURL]; ok {
		return bk, nil
	}
	bk, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("opening bucket %s: %w", bucketURL, err)
	}
	b.buckets[bucketURL] = bk
	return bk, nil
}

func (b *Blob) Fetch(ctx context.Context, rawURL string, progress Progress) ([]byte, error) {
	bucketURL, key, err := SplitURL(rawURL)
	if err != nil {
		return nil, err
	}
	bk, err := b.bucket(ctx, bucketURL)
	if err != nil {
		return nil, &NetworkError{URL: rawURL, Err: err}
	}

	// Get attributes to determine object size and existence.
	attrs, err := bk.Attributes(ctx, key)
	if err != nil {
		return nil, blobError(rawURL, err)
	}
	if attrs.Size == 0 {
		return nil, &NetworkError{URL: rawURL, Err: errors.New("zero content length")}
	}

	r, err := bk.NewReader(ctx, key, nil)
	if err != nil {
		return nil, blobError(rawURL, err)
	}
	defer r.Close()

	buf, err := readAll(r, attrs.Size, b.MaxBytes, progress)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return nil, fmt.Errorf("fetching %s: %w", rawURL, err)
		}
		return nil, blobError(rawURL, err)
	}
	return buf, nil
}

// Close closes every opened bucket.
func (b *Blob) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for k, bk := range b.buckets {
		errs = append(errs, bk.Close())
		delete(b.buckets, k)
	}
	return errors.Join(errs...)
}

func blobError(rawURL string, err error) error {
	ne := &NetworkError{URL: rawURL, Err: err}
	if gcerrors.Code(err) == gcerrors.NotFound {
		ne.Status = 404
	}
	return ne
}
