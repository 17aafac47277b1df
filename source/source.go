// Package source retrieves raster files as complete in-memory buffers.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

var (
	// ErrNetwork is matched by every retrieval failure reported by a remote end.
	ErrNetwork = errors.New("network failure")
	// ErrTooLarge is returned when a file exceeds the configured size limit.
	ErrTooLarge = errors.New("file too large")
	// ErrUnsupportedScheme is returned by Mux for a URL scheme without a source.
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
)

// NetworkError reports a failed retrieval of URL. Status is the HTTP status
// code when one was received.
type NetworkError struct {
	URL    string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("fetching %s: status %d: %v", e.URL, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("fetching %s: status %d", e.URL, e.Status)
	default:
		return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
	}
}

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

func (e *NetworkError) Unwrap() error { return e.Err }

// Progress is called after every chunk with the bytes read so far and the
// expected total, or -1 when the size is unknown.
type Progress func(read, total int64)

// Source fetches the whole content of a URL.
type Source interface {
	Fetch(ctx context.Context, rawURL string, progress Progress) ([]byte, error)
}

// Mux dispatches to a Source by URL scheme.
type Mux map[string]Source

func (m Mux) Fetch(ctx context.Context, rawURL string, progress Progress) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing url %q: %w", rawURL, err)
	}
	src, ok := m[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return src.Fetch(ctx, rawURL, progress)
}

// Bytes serves resident buffers keyed by URL.
type Bytes map[string][]byte

func (b Bytes) Fetch(ctx context.Context, rawURL string, progress Progress) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf, ok := b[rawURL]
	if !ok || len(buf) == 0 {
		return nil, &NetworkError{URL: rawURL, Status: 404, Err: errors.New("not found")}
	}
	if progress != nil {
		progress(int64(len(buf)), int64(len(buf)))
	}
	return buf, nil
}

// progressReader reports cumulative reads to a Progress callback.
type progressReader struct {
	r        io.Reader
	read     int64
	total    int64
	progress Progress
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.progress != nil {
			p.progress(p.read, p.total)
		}
	}
	return n, err
}

// readAll drains r, reporting progress, and fails once more than maxBytes
// have been read. A maxBytes of zero disables the limit.
func readAll(r io.Reader, total, maxBytes int64, progress Progress) ([]byte, error) {
	if maxBytes > 0 && total > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, total, maxBytes)
	}
	pr := &progressReader{r: r, total: total, progress: progress}
	var src io.Reader = pr
	if maxBytes > 0 {
		src = io.LimitReader(pr, maxBytes+1)
	}

	var buf []byte
	if total > 0 {
		buf = make([]byte, 0, total)
	}
	buf, err := readInto(buf, src)
	if err != nil {
		return nil, err
	}
	if maxBytes > 0 && int64(len(buf)) > maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxBytes)
	}
	return buf, nil
}

func readInto(buf []byte, r io.Reader) ([]byte, error) {
	if cap(buf) == 0 {
		return io.ReadAll(r)
	}
	for {
		if len(buf) == cap(buf) {
			buf = append(buf, 0)[:len(buf)]
		}
		n, err := r.Read(buf[len(buf):cap(buf)])
		buf = buf[:len(buf)+n]
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return buf, err
		}
	}
}
