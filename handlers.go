package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/akhenakh/gtiffview/aoi"
	"github.com/akhenakh/gtiffview/colormap"
	"github.com/akhenakh/gtiffview/geotiff"
	"github.com/akhenakh/gtiffview/service"
	"github.com/akhenakh/gtiffview/source"
)

const (
	defaultScheme = "viridis"
	maxBodyBytes  = 8 << 20
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/metadata", s.metadataHandler)
	mux.HandleFunc("GET /v1/render", s.renderHandler)
	mux.HandleFunc("GET /v1/value", s.valueHandler)
	mux.HandleFunc("POST /v1/profile", s.profileHandler)
	mux.HandleFunc("POST /v1/buffer", s.bufferHandler)
	mux.HandleFunc("GET /v1/schemes", s.schemesHandler)
	return mux
}

// progressLogger logs retrieval progress at debug level every tenth.
func progressLogger(rawURL string) source.Progress {
	last := -1
	return func(read, total int64) {
		if total <= 0 {
			return
		}
		step := int(read * 10 / total)
		if step != last {
			last = step
			slog.Debug("fetching raster", "url", rawURL, "read", read, "total", total)
		}
	}
}

func (s *Server) load(ctx context.Context, q url.Values) (*service.Result, error) {
	rawURL := q.Get("url")
	if rawURL == "" {
		return nil, fmt.Errorf("%w: missing url parameter", errBadRequest)
	}
	return s.svc.Load(ctx, rawURL, progressLogger(rawURL))
}

func queryFloat(q url.Values, key string, def float64) (float64, error) {
	v := q.Get(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) {
		return 0, fmt.Errorf("%w: invalid %s %q", errBadRequest, key, v)
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatus(err)
	if code >= http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "status", code, "error", err)
	} else {
		slog.Debug("request rejected", "path", r.URL.Path, "status", code, "error", err)
	}
	http.Error(w, err.Error(), code)
}

// describe is the metadata document shared by the REST and gRPC APIs.
func describe(res *service.Result) map[string]any {
	ref := res.GeoReference
	st := res.Statistics
	b := ref.Bounds
	m := map[string]any{
		"url":    res.URL,
		"size":   res.Size,
		"width":  res.Raster.Width,
		"height": res.Raster.Height,
		"bounds": map[string]any{
			"south": b.South,
			"west":  b.West,
			"north": b.North,
			"east":  b.East,
		},
		"crs":       ref.SourceCRS,
		"epsg":      ref.EPSG,
		"corrected": ref.Corrected,
		"degraded":  res.Degraded,
		"statistics": map[string]any{
			"min":         st.Min,
			"max":         st.Max,
			"mean":        st.Mean,
			"totalPixels": st.TotalPixels,
			"validCount":  st.ValidCount,
			"noDataCount": st.NoDataCount,
			"nanCount":    st.NaNCount,
			"zeroCount":   st.ZeroCount,
		},
		"units":       res.Raster.Metadata.Units,
		"description": res.Raster.Metadata.Description,
		"directory":   res.Raster.Directory.String(),
		"fetchedAt":   res.FetchedAt.UTC().Format(time.RFC3339),
	}
	if nd := res.Raster.NoData; nd != nil {
		// a string so that a NaN no-data value stays representable in JSON
		m["noData"] = strconv.FormatFloat(*nd, 'g', -1, 64)
	}
	return m
}

func (s *Server) metadataHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.load(r.Context(), r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, describe(res))
}

func (s *Server) renderHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("scheme")
	if name == "" {
		name = defaultScheme
	}
	scheme, err := s.schemes.Lookup(name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.load(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// The domain defaults to the raster's value span, "domain=scheme" selects
	// the scheme's own.
	domain := colormap.Interval{Min: res.Statistics.Min, Max: res.Statistics.Max}
	if q.Get("domain") == "scheme" {
		domain = colormap.Interval{Min: scheme.Domain[0], Max: scheme.Domain[1]}
	}
	opts := colormap.Options{Scheme: scheme, Range: colormap.All()}
	params := []struct {
		key string
		dst *float64
		def float64
	}{
		{"domainMin", &opts.Domain.Min, domain.Min},
		{"domainMax", &opts.Domain.Max, domain.Max},
		{"rangeMin", &opts.Range.Min, opts.Range.Min},
		{"rangeMax", &opts.Range.Max, opts.Range.Max},
	}
	for _, p := range params {
		if *p.dst, err = queryFloat(q, p.key, p.def); err != nil {
			writeError(w, r, err)
			return
		}
	}
	maxSize, err := queryFloat(q, "maxSize", 0)
	if err != nil || maxSize < 0 {
		writeError(w, r, fmt.Errorf("%w: invalid maxSize", errBadRequest))
		return
	}

	rgba := colormap.Colorize(res.Raster.Samples, res.Raster.NoData, opts)
	var buf bytes.Buffer
	if err := colormap.Render(&buf, res.Raster.Width, res.Raster.Height, rgba, int(maxSize)); err != nil {
		writeError(w, r, err)
		return
	}
	b := res.GeoReference.Bounds
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Bounds", fmt.Sprintf("%g,%g,%g,%g", b.South, b.West, b.North, b.East))
	w.Header().Set("X-Degraded", strconv.FormatBool(res.Degraded))
	w.Write(buf.Bytes())
}

func (s *Server) valueHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err := queryFloat(q, "lat", math.NaN())
	if err == nil && math.IsNaN(lat) {
		err = fmt.Errorf("%w: missing lat", errBadRequest)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	lng, err := queryFloat(q, "lng", math.NaN())
	if err == nil && math.IsNaN(lng) {
		err = fmt.Errorf("%w: missing lng", errBadRequest)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.load(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	value, err := res.Raster.ValueAt(res.GeoReference, lng, lat)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"latitude": lat, "longitude": lng, "value": value})
}

func (s *Server) profileHandler(w http.ResponseWriter, r *http.Request) {
	var req [][]float64
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid JSON body: %w", errBadRequest, err))
		return
	}
	res, err := s.load(r.Context(), r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	profile, err := res.Raster.Profile(res.GeoReference, req)
	if err != nil {
		if !errors.Is(err, geotiff.ErrOutsideBounds) {
			err = fmt.Errorf("%w: %w", errBadRequest, err)
		}
		writeError(w, r, err)
		return
	}
	if profile == nil {
		profile = [][]float64{}
	}
	writeJSON(w, profile)
}

// bufferResponse is the AOI buffer of a boundary, distances in meters.
type bufferResponse struct {
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
	EnclosingRadius float64 `json:"enclosingRadius"`
	Radius          float64 `json:"radius"`
	Points          int     `json:"points"`
}

func (s *Server) buffer(data []byte, defaultMeters float64) (*bufferResponse, error) {
	points, err := aoi.ParseBoundary(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBadRequest, err)
	}
	c := aoi.EnclosingCircle(points, nil)
	return &bufferResponse{
		Latitude:        c.Lat(),
		Longitude:       c.Lng(),
		EnclosingRadius: c.Radius,
		Radius:          aoi.Buffer(c, defaultMeters),
		Points:          len(points),
	}, nil
}

func (s *Server) bufferHandler(w http.ResponseWriter, r *http.Request) {
	defaultMeters := s.defaultBuffer
	if v := r.URL.Query().Get("defaultMiles"); v != "" {
		miles, err := strconv.ParseFloat(v, 64)
		if err != nil || miles < 0 || math.IsNaN(miles) {
			writeError(w, r, fmt.Errorf("%w: invalid defaultMiles %q", errBadRequest, v))
			return
		}
		defaultMeters = aoi.MilesToMeters(miles)
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	resp, err := s.buffer(data, defaultMeters)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, resp)
}

type schemeStop struct {
	Pos   float64 `json:"pos"`
	Color string  `json:"color"`
}

type schemeResponse struct {
	Name   string       `json:"name"`
	Domain [2]float64   `json:"domain"`
	Stops  []schemeStop `json:"stops"`
}

func (s *Server) schemesHandler(w http.ResponseWriter, r *http.Request) {
	var out []schemeResponse
	for _, name := range s.schemes.Names() {
		sc, err := s.schemes.Lookup(name)
		if err != nil {
			continue
		}
		resp := schemeResponse{Name: sc.Name, Domain: sc.Domain}
		for _, st := range sc.Stops {
			resp.Stops = append(resp.Stops, schemeStop{Pos: st.Pos, Color: st.Hex()})
		}
		out = append(out, resp)
	}
	writeJSON(w, out)
}
