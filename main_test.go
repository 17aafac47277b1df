package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/akhenakh/gtiffview/aoi"
	"github.com/akhenakh/gtiffview/colormap"
	"github.com/akhenakh/gtiffview/geotiff"
	"github.com/akhenakh/gtiffview/internal/tifftest"
	"github.com/akhenakh/gtiffview/service"
	"github.com/akhenakh/gtiffview/source"
)

const demURL = "mem://r/dem.tif"

// newTestServer serves a 4x4 raster over [6,7]x[-0.5,0.5] holding its pixel
// index, pixel (3, 0) being no-data.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	samples := make([]float32, 16)
	for i := range samples {
		samples[i] = float32(i)
	}
	samples[3] = -9999
	src := source.Mux{"mem": source.Bytes{
		demURL:            tifftest.GeoTIFF(4, 4, samples, 6, 0.5, 0.25, "-9999"),
		"mem://r/bad.tif": []byte("not a tiff at all"),
	}}
	svc := service.New(src, service.Config{})
	t.Cleanup(svc.Close)
	return &Server{svc: svc, schemes: colormap.NewRegistry(), defaultBuffer: aoi.MilesToMeters(5)}
}

func get(t *testing.T, h http.Handler, path string, q url.Values) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path+"?"+q.Encode(), nil))
	return rec
}

func post(t *testing.T, h http.Handler, path string, q url.Values, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path+"?"+q.Encode(), strings.NewReader(body)))
	return rec
}

func TestMetadataHandler(t *testing.T) {
	h := newTestServer(t).routes()

	rec := get(t, h, "/v1/metadata", url.Values{"url": {demURL}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	require.EqualValues(t, 4, m["width"])
	require.Equal(t, "EPSG:4326", m["crs"])
	require.Equal(t, "-9999", m["noData"])
	require.Equal(t, false, m["degraded"])
	stats := m["statistics"].(map[string]any)
	require.EqualValues(t, 15, stats["validCount"])
	require.EqualValues(t, 1, stats["noDataCount"])
	require.EqualValues(t, 15, stats["max"])
	bounds := m["bounds"].(map[string]any)
	require.InDelta(t, -0.5, bounds["south"], 1e-9)
	require.InDelta(t, 7, bounds["east"], 1e-9)

	testCases := []struct {
		name string
		q    url.Values
		want int
	}{
		{"missing url", url.Values{}, http.StatusBadRequest},
		{"unsupported scheme", url.Values{"url": {"ftp://host/dem.tif"}}, http.StatusBadRequest},
		{"not found", url.Values{"url": {"mem://r/missing.tif"}}, http.StatusNotFound},
		{"malformed", url.Values{"url": {"mem://r/bad.tif"}}, http.StatusUnprocessableEntity},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, get(t, h, "/v1/metadata", tc.q).Code)
		})
	}
}

func TestRenderHandler(t *testing.T) {
	h := newTestServer(t).routes()

	rec := get(t, h, "/v1/render", url.Values{"url": {demURL}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Equal(t, "-0.5,6,0.5,7", rec.Header().Get("X-Bounds"))
	require.Equal(t, "false", rec.Header().Get("X-Degraded"))

	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	require.Equal(t, 4, img.Bounds().Dx())
	start := colormap.Viridis.At(0)
	require.Equal(t, color.NRGBAModel.Convert(start), color.NRGBAModel.Convert(img.At(0, 0)))
	_, _, _, a := img.At(3, 0).RGBA()
	require.Zero(t, a, "no-data pixel is transparent")

	rec = get(t, h, "/v1/render", url.Values{"url": {demURL}, "maxSize": {"2"}, "scheme": {"magma"}})
	require.Equal(t, http.StatusOK, rec.Code)
	img, err = png.Decode(rec.Body)
	require.NoError(t, err)
	require.Equal(t, 2, img.Bounds().Dx())
	require.Equal(t, 2, img.Bounds().Dy())

	rec = get(t, h, "/v1/render", url.Values{"url": {demURL}, "rangeMin": {"100"}})
	require.Equal(t, http.StatusOK, rec.Code)
	img, err = png.Decode(rec.Body)
	require.NoError(t, err)
	_, _, _, a = img.At(0, 0).RGBA()
	require.Zero(t, a, "values below the range are hidden")

	require.Equal(t, http.StatusNotFound, get(t, h, "/v1/render", url.Values{"url": {demURL}, "scheme": {"rainbow"}}).Code)
	require.Equal(t, http.StatusBadRequest, get(t, h, "/v1/render", url.Values{"url": {demURL}, "domainMin": {"low"}}).Code)
	require.Equal(t, http.StatusBadRequest, get(t, h, "/v1/render", url.Values{"url": {demURL}, "maxSize": {"-1"}}).Code)
}

func TestValueHandler(t *testing.T) {
	h := newTestServer(t).routes()

	rec := get(t, h, "/v1/value", url.Values{"url": {demURL}, "lat": {"0.375"}, "lng": {"6.375"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var v struct {
		Value float64 `json:"value"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	require.Equal(t, 1.0, v.Value)

	testCases := []struct {
		name string
		q    url.Values
		want int
	}{
		{"no-data", url.Values{"url": {demURL}, "lat": {"0.375"}, "lng": {"6.875"}}, http.StatusNotFound},
		{"outside", url.Values{"url": {demURL}, "lat": {"10"}, "lng": {"6.5"}}, http.StatusNotFound},
		{"missing lat", url.Values{"url": {demURL}, "lng": {"6.5"}}, http.StatusBadRequest},
		{"invalid lng", url.Values{"url": {demURL}, "lat": {"0"}, "lng": {"east"}}, http.StatusBadRequest},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, get(t, h, "/v1/value", tc.q).Code)
		})
	}
}

func TestProfileHandler(t *testing.T) {
	h := newTestServer(t).routes()
	q := url.Values{"url": {demURL}}

	rec := post(t, h, "/v1/profile", q, `[[0.375, 6.125], [0.375, 6.875]]`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var p [][]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	require.Len(t, p, 3)
	for i, want := range []float64{0, 1, 2} {
		require.Equal(t, want, p[i][2])
	}

	require.Equal(t, http.StatusBadRequest, post(t, h, "/v1/profile", q, `{`).Code)
	require.Equal(t, http.StatusBadRequest, post(t, h, "/v1/profile", q, `[[0.375, 6.125]]`).Code)
	require.Equal(t, http.StatusNotFound, post(t, h, "/v1/profile", q, `[[0.375, 6.125], [5, 5]]`).Code)
}

func TestBufferHandler(t *testing.T) {
	h := newTestServer(t).routes()

	decode := func(rec *httptest.ResponseRecorder) bufferResponse {
		t.Helper()
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp bufferResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp
	}

	resp := decode(post(t, h, "/v1/buffer", nil, `[]`))
	require.Equal(t, aoi.MilesToMeters(5), resp.Radius)
	require.Zero(t, resp.Points)

	// 0.05 degrees of latitude is about 5.5 km, larger than the 0.1 mile floor.
	resp = decode(post(t, h, "/v1/buffer", url.Values{"defaultMiles": {"0.1"}}, `[[45, 7], [45.05, 7]]`))
	require.InDelta(t, 45.025, resp.Latitude, 1e-9)
	require.InDelta(t, resp.EnclosingRadius*aoi.Margin, resp.Radius, 1e-9)
	require.Equal(t, 2, resp.Points)

	gpx := `<?xml version="1.0"?><gpx version="1.1" creator="t" xmlns="http://www.topografix.com/GPX/1/1">` +
		`<wpt lat="45" lon="7"></wpt></gpx>`
	resp = decode(post(t, h, "/v1/buffer", nil, gpx))
	require.Equal(t, 1, resp.Points)
	require.Equal(t, aoi.MilesToMeters(5), resp.Radius)

	require.Equal(t, http.StatusBadRequest, post(t, h, "/v1/buffer", nil, `[[100, 7]]`).Code)
	require.Equal(t, http.StatusBadRequest, post(t, h, "/v1/buffer", nil, ``).Code)
	require.Equal(t, http.StatusBadRequest, post(t, h, "/v1/buffer", url.Values{"defaultMiles": {"-2"}}, `[]`).Code)
}

func TestSchemesHandler(t *testing.T) {
	h := newTestServer(t).routes()

	rec := get(t, h, "/v1/schemes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var schemes []schemeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &schemes))
	require.Len(t, schemes, 5)
	require.Equal(t, "grayscale", schemes[0].Name)
	require.Equal(t, "#000000", schemes[0].Stops[0].Color)
}

func TestAllowedSchemes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dem.tif")
	require.NoError(t, os.WriteFile(path, tifftest.GeoTIFF(2, 2, []float32{1, 2, 3, 4}, 0, 0.5, 0.5, ""), 0o600))
	fileURL := "file://" + filepath.ToSlash(path)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	newHandler := func(t *testing.T, schemes ...string) http.Handler {
		t.Helper()
		var cfg Config
		require.NoError(t, env.Parse(&cfg))
		if len(schemes) > 0 {
			cfg.AllowedSchemes = schemes
		}
		blobs := source.NewBlob(0)
		t.Cleanup(func() { blobs.Close() })
		s, err := setupServer(cfg, logger, blobs)
		require.NoError(t, err)
		t.Cleanup(s.svc.Close)
		return s.routes()
	}

	t.Run("defaults", func(t *testing.T) {
		var cfg Config
		require.NoError(t, env.Parse(&cfg))
		require.Equal(t, []string{"http", "https"}, cfg.AllowedSchemes)

		h := newHandler(t)
		for _, u := range []string{fileURL, "mem://bucket/dem.tif", "s3://bucket/dem.tif"} {
			rec := get(t, h, "/v1/metadata", url.Values{"url": {u}})
			require.Equal(t, http.StatusBadRequest, rec.Code, u)
			require.Contains(t, rec.Body.String(), "unsupported url scheme")
		}
	})

	t.Run("file enabled", func(t *testing.T) {
		h := newHandler(t, "https", "FILE")
		rec := get(t, h, "/v1/metadata", url.Values{"url": {fileURL}})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := newSources([]string{"ftp"}, source.Bytes{}, source.Bytes{})
		require.ErrorContains(t, err, "ftp")
		_, err = newSources([]string{" "}, source.Bytes{}, source.Bytes{})
		require.Error(t, err)
	})
}

func TestErrorMapping(t *testing.T) {
	testCases := []struct {
		err      error
		wantHTTP int
		wantGRPC codes.Code
	}{
		{fmt.Errorf("%w: x", errBadRequest), http.StatusBadRequest, codes.InvalidArgument},
		{&source.NetworkError{URL: "u", Status: 404}, http.StatusNotFound, codes.NotFound},
		{&source.NetworkError{URL: "u", Status: 500}, http.StatusBadGateway, codes.Unavailable},
		{&source.NetworkError{URL: "u", Err: errors.New("refused")}, http.StatusBadGateway, codes.Unavailable},
		{&colormap.UnknownSchemeError{Name: "x"}, http.StatusNotFound, codes.NotFound},
		{&geotiff.MalformedError{Reason: geotiff.TooSmall}, http.StatusUnprocessableEntity, codes.FailedPrecondition},
		{fmt.Errorf("u: %w", geotiff.ErrMissingGeoreferencing), http.StatusUnprocessableEntity, codes.FailedPrecondition},
		{fmt.Errorf("u: %w", geotiff.ErrEmptyRaster), http.StatusUnprocessableEntity, codes.FailedPrecondition},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, codes.DeadlineExceeded},
		{context.Canceled, http.StatusInternalServerError, codes.Canceled},
		{errors.New("boom"), http.StatusInternalServerError, codes.Internal},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.wantHTTP, httpStatus(tc.err), tc.err.Error())
		require.Equal(t, tc.wantGRPC, grpcCode(tc.err), tc.err.Error())
	}
}

func newGRPCClient(t *testing.T, s *Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := newGRPCServer(slog.New(slog.NewTextHandler(io.Discard, nil)), s)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func invoke(conn *grpc.ClientConn, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	err = conn.Invoke(context.Background(), "/"+RasterServiceName+"/"+method, req, out)
	return out, err
}

func TestGRPCDescribe(t *testing.T) {
	conn := newGRPCClient(t, newTestServer(t))

	out, err := invoke(conn, "Describe", map[string]any{"url": demURL})
	require.NoError(t, err)
	m := out.AsMap()
	require.EqualValues(t, 4, m["height"])
	require.Equal(t, "EPSG:4326", m["crs"])

	_, err = invoke(conn, "Describe", map[string]any{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = invoke(conn, "Describe", map[string]any{"url": "mem://r/missing.tif"})
	require.Equal(t, codes.NotFound, status.Code(err))

	_, err = invoke(conn, "Describe", map[string]any{"url": "mem://r/bad.tif"})
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestGRPCBuffer(t *testing.T) {
	conn := newGRPCClient(t, newTestServer(t))

	out, err := invoke(conn, "Buffer", map[string]any{"points": []any{}})
	require.NoError(t, err)
	require.Equal(t, aoi.MilesToMeters(5), out.AsMap()["radius"])

	out, err = invoke(conn, "Buffer", map[string]any{
		"points":       []any{[]any{45.0, 7.0}, []any{45.05, 7.0}},
		"defaultMiles": 0,
	})
	require.NoError(t, err)
	m := out.AsMap()
	require.InDelta(t, m["enclosingRadius"].(float64)*aoi.Margin, m["radius"], 1e-9)

	_, err = invoke(conn, "Buffer", map[string]any{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = invoke(conn, "Buffer", map[string]any{"points": []any{[]any{95.0, 7.0}}})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}
