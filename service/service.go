// Package service runs the raster pipeline per URL and keeps the results in
// a time bounded cache.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/akhenakh/gtiffview/geotiff"
	"github.com/akhenakh/gtiffview/source"
)

// DefaultTTL is how long a loaded raster is served from the cache.
const DefaultTTL = 5 * time.Minute

type Config struct {
	TTL          time.Duration
	MaxSize      int64
	ItemsToPrune uint32
	// FetchTimeout bounds a retrieval, zero means no limit.
	FetchTimeout time.Duration
	// FallbackBounds replaces the georeference when reprojection fails.
	FallbackBounds *geotiff.BoundingBox
	// WorldFileLookup enables the .tfw sidecar for rasters without georeferencing.
	WorldFileLookup bool
	Reprojector     geotiff.Reprojector
}

// Result is a fully processed raster. It is shared between callers and must
// not be modified.
type Result struct {
	URL          string
	Size         int
	Raster       *geotiff.Raster
	GeoReference *geotiff.GeoReference
	Statistics   geotiff.Statistics
	// Degraded is set when GeoReference holds the fallback bounds.
	Degraded  bool
	FetchedAt time.Time
}

type Service struct {
	src      source.Source
	cfg      Config
	cache    *ccache.Cache[*Result]
	inflight singleflight.Group
}

func New(src source.Source, cfg Config) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1024
	}
	if cfg.ItemsToPrune == 0 {
		cfg.ItemsToPrune = 100
	}
	return &Service{
		src:   src,
		cfg:   cfg,
		cache: ccache.New(ccache.Configure[*Result]().MaxSize(cfg.MaxSize).ItemsToPrune(cfg.ItemsToPrune)),
	}
}

// Load returns the processed raster at rawURL. Concurrent loads of the same
// URL share one retrieval, only the first caller's progress is reported.
// A caller whose ctx ends gets ctx.Err() while the retrieval carries on and
// still fills the cache.
func (s *Service) Load(ctx context.Context, rawURL string, progress source.Progress) (*Result, error) {
	if item := s.cache.Get(rawURL); item != nil && !item.Expired() {
		cacheHits.Inc()
		return item.Value(), nil
	}
	cacheMisses.Inc()

	ch := s.inflight.DoChan(rawURL, func() (any, error) {
		fctx := context.WithoutCancel(ctx)
		if s.cfg.FetchTimeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(fctx, s.cfg.FetchTimeout)
			defer cancel()
		}
		return s.fetch(fctx, rawURL, progress)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Shared {
			sharedLoads.Inc()
		}
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Result), nil
	}
}

func (s *Service) fetch(ctx context.Context, rawURL string, progress source.Progress) (*Result, error) {
	raw, err := s.src.Fetch(ctx, rawURL, progress)
	if err != nil {
		fetchesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	fetchesTotal.WithLabelValues("ok").Inc()
	fetchedBytes.Add(float64(len(raw)))

	res, err := s.process(ctx, rawURL, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rawURL, err)
	}
	s.cache.Set(rawURL, res, s.cfg.TTL)
	slog.Debug("raster loaded", "url", rawURL, "bytes", len(raw),
		"width", res.Raster.Width, "height", res.Raster.Height, "bounds", res.GeoReference.Bounds.String())
	return res, nil
}

// LoadBytes runs the pipeline on a resident buffer, bypassing the cache.
func (s *Service) LoadBytes(ctx context.Context, raw []byte) (*Result, error) {
	return s.process(ctx, "", raw)
}

func (s *Service) process(ctx context.Context, rawURL string, raw []byte) (*Result, error) {
	start := time.Now()
	defer func() { decodeSeconds.Observe(time.Since(start).Seconds()) }()

	if err := geotiff.Validate(raw); err != nil {
		return nil, err
	}
	raster, err := geotiff.Decode(raw)
	if err != nil {
		return nil, err
	}

	resolver := geotiff.Resolver{Reprojector: s.cfg.Reprojector}
	if s.cfg.WorldFileLookup && rawURL != "" && !raster.Directory.HasGeoreference() {
		resolver.Fallback = s.worldFile(ctx, rawURL)
	}

	res := &Result{
		URL:        rawURL,
		Size:       len(raw),
		Raster:     raster,
		Statistics: geotiff.CollectStatistics(raster),
		FetchedAt:  time.Now(),
	}
	res.GeoReference, err = resolver.Resolve(raster.Directory, raster.Width, raster.Height)
	if errors.Is(err, geotiff.ErrReprojectionFailed) && s.cfg.FallbackBounds != nil {
		slog.Warn("degraded georeference", "url", rawURL, "error", err, "bounds", s.cfg.FallbackBounds.String())
		degradedTotal.Inc()
		code, _ := raster.Directory.EPSG()
		crs := fmt.Sprintf("EPSG:%d", code)
		if raster.Directory.HasUserDefinedCRS() {
			code, crs = 0, geotiff.UserDefinedCRS
		}
		res.GeoReference = &geotiff.GeoReference{
			Bounds:     *s.cfg.FallbackBounds,
			SourceCRS:  crs,
			EPSG:       code,
			Transform:  raster.Directory.ModelTransformation,
			Tiepoint:   raster.Directory.ModelTiepoint,
			PixelScale: raster.Directory.ModelPixelScale,
		}
		res.Degraded = true
		err = nil
	}
	if err != nil {
		return nil, err
	}

	if err := res.Statistics.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// worldFile fetches the .tfw sidecar of rawURL, nil when there is none.
func (s *Service) worldFile(ctx context.Context, rawURL string) geotiff.BoundsProvider {
	wfURL := geotiff.WorldFileURL(rawURL)
	data, err := s.src.Fetch(ctx, wfURL, nil)
	if err != nil {
		slog.Debug("no world file", "url", wfURL, "error", err)
		return nil
	}
	wf, err := geotiff.ParseWorldFile(data)
	if err != nil {
		slog.Warn("invalid world file", "url", wfURL, "error", err)
		return nil
	}
	return wf
}

// Invalidate drops the cached result of rawURL.
func (s *Service) Invalidate(rawURL string) bool {
	return s.cache.Delete(rawURL)
}

// Close stops the cache maintenance goroutine.
func (s *Service) Close() {
	s.cache.Stop()
}

// ParseBounds reads "south,west,north,east".
func ParseBounds(s string) (*geotiff.BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bounds %q: expected south,west,north,east", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bounds %q: %w", s, err)
		}
		v[i] = f
	}
	b := &geotiff.BoundingBox{South: v[0], West: v[1], North: v[2], East: v[3]}
	if !(b.South < b.North && b.West < b.East) || b.South < -90 || b.North > 90 || b.West < -180 || b.East > 180 {
		return nil, fmt.Errorf("%w: fallback %s", geotiff.ErrDegenerateBounds, b)
	}
	return b, nil
}
