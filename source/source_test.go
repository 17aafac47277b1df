package source

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
)

func newFileServer(t *testing.T, body []byte, heads *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/dem.tif", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			heads.Add(1)
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		if r.Method == http.MethodHead {
			return
		}
		// Two writes so progress is reported more than once.
		half := len(body) / 2
		w.Write(body[:half])
		w.(http.Flusher).Flush()
		w.Write(body[half:])
	})
	mux.HandleFunc("/empty.tif", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "0")
	})
	mux.HandleFunc("/nohead.tif", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Write(body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPFetch(t *testing.T) {
	body := bytes.Repeat([]byte("geotiff!"), 4096)
	var heads atomic.Int32
	srv := newFileServer(t, body, &heads)

	var calls int
	var lastRead, lastTotal int64
	h := &HTTP{Client: srv.Client()}
	got, err := h.Fetch(context.Background(), srv.URL+"/dem.tif", func(read, total int64) {
		calls++
		require.GreaterOrEqual(t, read, lastRead)
		lastRead, lastTotal = read, total
	})
	require.NoError(t, err)
	require.Equal(t, body, got)
	require.EqualValues(t, 1, heads.Load())
	require.Positive(t, calls)
	require.EqualValues(t, len(body), lastRead)
	require.EqualValues(t, len(body), lastTotal)
}

func TestHTTPFetchErrors(t *testing.T) {
	body := []byte("II*\x00")
	var heads atomic.Int32
	srv := newFileServer(t, body, &heads)

	t.Run("not found", func(t *testing.T) {
		_, err := (&HTTP{Client: srv.Client()}).Fetch(context.Background(), srv.URL+"/missing.tif", nil)
		require.ErrorIs(t, err, ErrNetwork)
		var ne *NetworkError
		require.True(t, errors.As(err, &ne))
		require.Equal(t, http.StatusNotFound, ne.Status)
		require.Contains(t, err.Error(), "/missing.tif")
	})

	t.Run("zero length", func(t *testing.T) {
		_, err := (&HTTP{Client: srv.Client(), SkipHead: true}).Fetch(context.Background(), srv.URL+"/empty.tif", nil)
		require.ErrorIs(t, err, ErrNetwork)
	})

	t.Run("zero length from head", func(t *testing.T) {
		_, err := (&HTTP{Client: srv.Client()}).Fetch(context.Background(), srv.URL+"/empty.tif", nil)
		require.ErrorIs(t, err, ErrNetwork)
	})

	t.Run("head refused", func(t *testing.T) {
		got, err := (&HTTP{Client: srv.Client()}).Fetch(context.Background(), srv.URL+"/nohead.tif", nil)
		require.NoError(t, err)
		require.Equal(t, body, got)
	})

	t.Run("too large", func(t *testing.T) {
		_, err := (&HTTP{Client: srv.Client(), MaxBytes: 2}).Fetch(context.Background(), srv.URL+"/dem.tif", nil)
		require.ErrorIs(t, err, ErrTooLarge)
	})

	t.Run("unreachable", func(t *testing.T) {
		dead := httptest.NewServer(http.NotFoundHandler())
		dead.Close()
		_, err := (&HTTP{SkipHead: true}).Fetch(context.Background(), dead.URL+"/dem.tif", nil)
		require.ErrorIs(t, err, ErrNetwork)
	})
}

func TestBlobFetch(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	body := []byte("II*\x00 some raster bytes")
	require.NoError(t, bucket.WriteAll(ctx, "dem/tile.tif", body, nil))
	require.NoError(t, bucket.WriteAll(ctx, "empty.tif", []byte{}, nil))

	b := NewBlob(0)
	b.Register("mem://rasters", bucket)
	t.Cleanup(func() { b.Close() })

	var lastTotal int64
	got, err := b.Fetch(ctx, "mem://rasters/dem/tile.tif", func(_, total int64) { lastTotal = total })
	require.NoError(t, err)
	require.Equal(t, body, got)
	require.EqualValues(t, len(body), lastTotal)

	_, err = b.Fetch(ctx, "mem://rasters/missing.tif", nil)
	require.ErrorIs(t, err, ErrNetwork)
	var ne *NetworkError
	require.True(t, errors.As(err, &ne))
	require.Equal(t, 404, ne.Status)

	_, err = b.Fetch(ctx, "mem://rasters/empty.tif", nil)
	require.ErrorIs(t, err, ErrNetwork)

	b.MaxBytes = 4
	_, err = b.Fetch(ctx, "mem://rasters/dem/tile.tif", nil)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestSplitURL(t *testing.T) {
	testCases := []struct {
		in, bucket, key string
	}{
		{"s3://my-bucket/dem/europe.tif?region=eu-west-1", "s3://my-bucket?region=eu-west-1", "dem/europe.tif"},
		{"gs://bucket/a.tif", "gs://bucket", "a.tif"},
		{"file:///var/data/dem.tif", "file:///var/data", "dem.tif"},
		{"mem://rasters/x/y.tif", "mem://rasters", "x/y.tif"},
	}
	for _, tc := range testCases {
		bucket, key, err := SplitURL(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.bucket, bucket, tc.in)
		require.Equal(t, tc.key, key, tc.in)
	}

	_, _, err := SplitURL("s3://bucket")
	require.Error(t, err)
	_, _, err = SplitURL("no-scheme/file.tif")
	require.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestMux(t *testing.T) {
	m := Mux{"mem": Bytes{"mem://a/b.tif": []byte("abc")}}

	got, err := m.Fetch(context.Background(), "mem://a/b.tif", nil)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), got)

	_, err = m.Fetch(context.Background(), "ftp://host/b.tif", nil)
	require.ErrorIs(t, err, ErrUnsupportedScheme)

	_, err = m.Fetch(context.Background(), "mem://a/missing.tif", nil)
	require.ErrorIs(t, err, ErrNetwork)
}
