package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akhenakh/gtiffview/geotiff"
	"github.com/akhenakh/gtiffview/internal/tifftest"
	"github.com/akhenakh/gtiffview/source"
)

// gatedSource counts fetches of the wrapped source and blocks each one
// until release is closed, when set.
type gatedSource struct {
	src     source.Source
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (g *gatedSource) Fetch(ctx context.Context, rawURL string, progress source.Progress) ([]byte, error) {
	g.calls.Add(1)
	if g.started != nil {
		g.started <- struct{}{}
	}
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.src.Fetch(ctx, rawURL, progress)
}

const demURL = "mem://rasters/dem.tif"

func demTIFF() []byte {
	samples := make([]float32, 16)
	for i := range samples {
		samples[i] = float32(i)
	}
	return tifftest.GeoTIFF(4, 4, samples, 6, 0.5, 0.25, "-9999")
}

func TestLoad(t *testing.T) {
	src := &gatedSource{src: source.Bytes{demURL: demTIFF()}}
	s := New(src, Config{})
	t.Cleanup(s.Close)

	var progressed bool
	res, err := s.Load(context.Background(), demURL, func(read, total int64) { progressed = read == total })
	require.NoError(t, err)
	require.True(t, progressed)
	require.Equal(t, demURL, res.URL)
	require.Equal(t, 4, res.Raster.Width)
	require.Equal(t, 16, res.Statistics.ValidCount)
	require.Equal(t, 15.0, res.Statistics.Max)
	require.Equal(t, "EPSG:4326", res.GeoReference.SourceCRS)
	require.InDelta(t, -0.5, res.GeoReference.Bounds.South, 1e-9)
	require.InDelta(t, 7, res.GeoReference.Bounds.East, 1e-9)
	require.False(t, res.Degraded)

	again, err := s.Load(context.Background(), demURL, nil)
	require.NoError(t, err)
	require.Same(t, res, again)
	require.EqualValues(t, 1, src.calls.Load())

	require.True(t, s.Invalidate(demURL))
	_, err = s.Load(context.Background(), demURL, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, src.calls.Load())
}

func TestLoadConcurrentSingleFetch(t *testing.T) {
	src := &gatedSource{
		src:     source.Bytes{demURL: demTIFF()},
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	s := New(src, Config{})
	t.Cleanup(s.Close)

	const callers = 8
	results := make([]*Result, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = s.Load(context.Background(), demURL, nil)
	}()
	<-src.started

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = s.Load(context.Background(), demURL, nil)
		}()
	}
	// Let the followers reach the in-flight call before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(src.release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, src.calls.Load())
	for i := 1; i < callers; i++ {
		require.Same(t, results[0], results[i])
	}
}

func TestLoadAbandonedCallerStillFillsCache(t *testing.T) {
	src := &gatedSource{
		src:     source.Bytes{demURL: demTIFF()},
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	s := New(src, Config{})
	t.Cleanup(s.Close)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := s.Load(ctx, demURL, nil)
		errc <- err
	}()
	<-src.started
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	close(src.release)
	require.Eventually(t, func() bool {
		item := s.cache.Get(demURL)
		return item != nil && !item.Expired()
	}, time.Second, 5*time.Millisecond)

	_, err := s.Load(context.Background(), demURL, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, src.calls.Load())
}

func TestLoadRefetchesAfterTTL(t *testing.T) {
	src := &gatedSource{src: source.Bytes{demURL: demTIFF()}}
	s := New(src, Config{TTL: 30 * time.Millisecond})
	t.Cleanup(s.Close)

	_, err := s.Load(context.Background(), demURL, nil)
	require.NoError(t, err)
	time.Sleep(80 * time.Millisecond)
	_, err = s.Load(context.Background(), demURL, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, src.calls.Load())
}

func utmTIFF(epsg uint16) []byte {
	b := tifftest.New().Image(2, 2, 32, 3)
	b.Strips(2, tifftest.Float32Samples(b.Order(), []float32{1, 2, 3, 4}))
	b.Geographic(2600000, 1200000, 10, 10, epsg)
	return b.Bytes()
}

func TestLoadErrors(t *testing.T) {
	empty := tifftest.GeoTIFF(2, 1, []float32{-1, -1}, 0, 1, 1, "-1")
	noGeo := tifftest.New().Image(1, 1, 32, 3)
	noGeo.Strips(1, tifftest.Float32Samples(noGeo.Order(), []float32{1}))

	hugeTiles := tifftest.New().Image(1, 1, 64, 3).Tiles(0xFFFFFFFF, 0xFFFFFFFF, make([]byte, 8))
	hugeTiles.Geographic(0, 1, 1, 1, 4326)

	src := source.Bytes{
		"mem://r/tiles.tif":  hugeTiles.Bytes(),
		"mem://r/local.tif":  utmTIFF(32767),
		"mem://r/bad.tif":    []byte("GIF89a not a tiff"),
		"mem://r/empty.tif":  empty,
		"mem://r/swiss.tif":  utmTIFF(2056),
		"mem://r/nogeo.tif":  noGeo.Bytes(),
		"mem://r/nogeo2.tif": noGeo.Bytes(),
		"mem://r/nogeo2.tfw": []byte("0.5\n0\n0\n-0.5\n10.25\n20.25\n"),
	}
	s := New(src, Config{})
	t.Cleanup(s.Close)

	testCases := []struct {
		url  string
		want error
	}{
		{"mem://r/missing.tif", source.ErrNetwork},
		{"mem://r/bad.tif", geotiff.ErrMalformed},
		{"mem://r/tiles.tif", geotiff.ErrUnsupportedEncoding},
		{"mem://r/local.tif", geotiff.ErrReprojectionFailed},
		{"mem://r/empty.tif", geotiff.ErrEmptyRaster},
		{"mem://r/swiss.tif", geotiff.ErrReprojectionFailed},
		{"mem://r/nogeo.tif", geotiff.ErrMissingGeoreferencing},
		{"mem://r/nogeo2.tif", geotiff.ErrMissingGeoreferencing},
	}
	for _, tc := range testCases {
		t.Run(tc.url, func(t *testing.T) {
			_, err := s.Load(context.Background(), tc.url, nil)
			require.ErrorIs(t, err, tc.want)
			require.Contains(t, err.Error(), tc.url)
		})
	}
}

func TestLoadWorldFile(t *testing.T) {
	noGeo := tifftest.New().Image(2, 2, 32, 3)
	noGeo.Strips(2, tifftest.Float32Samples(noGeo.Order(), []float32{1, 2, 3, 4}))
	src := source.Bytes{
		"mem://r/plain.tif": noGeo.Bytes(),
		"mem://r/plain.tfw": []byte("0.5\n0\n0\n-0.5\n10.25\n1.25\n"),
	}
	s := New(src, Config{WorldFileLookup: true})
	t.Cleanup(s.Close)

	res, err := s.Load(context.Background(), "mem://r/plain.tif", nil)
	require.NoError(t, err)
	b := res.GeoReference.Bounds
	require.InDelta(t, 10, b.West, 1e-9)
	require.InDelta(t, 11, b.East, 1e-9)
	require.InDelta(t, 0.5, b.South, 1e-9)
	require.InDelta(t, 1.5, b.North, 1e-9)
}

func TestLoadDegradedFallback(t *testing.T) {
	fallback, err := ParseBounds("45.8, 5.9, 47.8, 10.5")
	require.NoError(t, err)

	src := source.Bytes{"mem://r/swiss.tif": utmTIFF(2056)}
	s := New(src, Config{FallbackBounds: fallback})
	t.Cleanup(s.Close)

	res, err := s.Load(context.Background(), "mem://r/swiss.tif", nil)
	require.NoError(t, err)
	require.True(t, res.Degraded)
	require.Equal(t, *fallback, res.GeoReference.Bounds)
	require.Equal(t, 2056, res.GeoReference.EPSG)
}

func TestLoadDegradedUserDefinedCRS(t *testing.T) {
	fallback, err := ParseBounds("45.8, 5.9, 47.8, 10.5")
	require.NoError(t, err)

	src := source.Bytes{"mem://r/local.tif": utmTIFF(32767)}
	s := New(src, Config{FallbackBounds: fallback})
	t.Cleanup(s.Close)

	res, err := s.Load(context.Background(), "mem://r/local.tif", nil)
	require.NoError(t, err)
	require.True(t, res.Degraded)
	require.Equal(t, *fallback, res.GeoReference.Bounds)
	require.Equal(t, geotiff.UserDefinedCRS, res.GeoReference.SourceCRS)
	require.Zero(t, res.GeoReference.EPSG)
}

func TestLoadBytes(t *testing.T) {
	s := New(source.Bytes{}, Config{})
	t.Cleanup(s.Close)

	res, err := s.LoadBytes(context.Background(), demTIFF())
	require.NoError(t, err)
	require.Empty(t, res.URL)
	require.Equal(t, len(demTIFF()), res.Size)

	_, err = s.LoadBytes(context.Background(), []byte{'I', 'I'})
	require.ErrorIs(t, err, geotiff.ErrMalformed)
	reason, ok := geotiff.MalformedReasonOf(err)
	require.True(t, ok)
	require.Equal(t, geotiff.TooSmall, reason)
}

func TestParseBounds(t *testing.T) {
	b, err := ParseBounds("1,2,3,4")
	require.NoError(t, err)
	require.Equal(t, geotiff.BoundingBox{South: 1, West: 2, North: 3, East: 4}, *b)

	for _, in := range []string{"", "1,2,3", "a,2,3,4", "3,2,1,4", "-91,0,1,1"} {
		_, err := ParseBounds(in)
		require.Error(t, err, in)
	}
	_, err = ParseBounds("3,2,1,4")
	require.True(t, errors.Is(err, geotiff.ErrDegenerateBounds))
}
