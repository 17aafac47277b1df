package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// HTTP fetches files over http and https. A HEAD request is issued first to
// learn the size so progress can report a total.
type HTTP struct {
	Client *http.Client
	// MaxBytes rejects larger files, zero means no limit.
	MaxBytes int64
	// SkipHead disables the size probe.
	SkipHead bool
}

func (h *HTTP) client() *http.Client {
	if h.Client == nil {
		return http.DefaultClient
	}
	return h.Client
}

// Size returns the Content-Length reported by a HEAD request, or -1 when the
// server does not report one.
func (h *HTTP) Size(ctx context.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return -1, fmt.Errorf("failed to create head request: %w", err)
	}

	resp, err := h.client().Do(req)
	if err != nil {
		return -1, &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return -1, &NetworkError{URL: url, Status: resp.StatusCode, Err: errors.New("bad status for http head request")}
	}
	if resp.ContentLength == 0 {
		return 0, &NetworkError{URL: url, Status: resp.StatusCode, Err: errors.New("zero content length")}
	}
	return resp.ContentLength, nil
}

func (h *HTTP) Fetch(ctx context.Context, url string, progress Progress) ([]byte, error) {
	total := int64(-1)
	if !h.SkipHead {
		size, err := h.Size(ctx, url)
		var ne *NetworkError
		switch {
		case err == nil:
			total = size
		case errors.As(err, &ne) && (ne.Status == http.StatusNotFound || ne.Status == http.StatusGone || size == 0):
			return nil, err
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			// Some servers refuse HEAD; the GET still decides.
			slog.Debug("head request failed", "url", url, "error", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create get request: %w", err)
	}
	resp, err := h.client().Do(req)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &NetworkError{URL: url, Status: resp.StatusCode}
	}
	if resp.ContentLength == 0 {
		return nil, &NetworkError{URL: url, Status: resp.StatusCode, Err: errors.New("zero content length")}
	}
	if resp.ContentLength > 0 {
		total = resp.ContentLength
	}

	buf, err := readAll(resp.Body, total, h.MaxBytes, progress)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return nil, fmt.Errorf("fetching %s: %w", url, err)
		}
		return nil, &NetworkError{URL: url, Status: resp.StatusCode, Err: err}
	}
	if len(buf) == 0 {
		return nil, &NetworkError{URL: url, Status: resp.StatusCode, Err: errors.New("empty body")}
	}
	return buf, nil
}
