package geotiff

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// WorldFile holds the six affine parameters of a .tfw sidecar.
// The origin is the center of the upper-left pixel.
type WorldFile struct {
	PixelSizeX float64 // line 1
	RotationY  float64 // line 2
	RotationX  float64 // line 3
	PixelSizeY float64 // line 4, negative for north-up
	OriginX    float64 // line 5
	OriginY    float64 // line 6
}

// ParseWorldFile reads the six numeric lines of a world file.
func ParseWorldFile(data []byte) (*WorldFile, error) {
	fields := strings.Fields(string(data))
	if len(fields) < 6 {
		return nil, fmt.Errorf("world file: expected 6 values, got %d", len(fields))
	}
	vals := make([]float64, 6)
	for i := range vals {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return nil, fmt.Errorf("world file line %d: %w", i+1, err)
		}
		vals[i] = v
	}
	wf := &WorldFile{
		PixelSizeX: vals[0],
		RotationY:  vals[1],
		RotationX:  vals[2],
		PixelSizeY: vals[3],
		OriginX:    vals[4],
		OriginY:    vals[5],
	}
	if wf.PixelSizeX == 0 || wf.PixelSizeY == 0 {
		return nil, fmt.Errorf("world file: zero pixel size")
	}
	return wf, nil
}

// Bounds evaluates the outer pixel corners through the affine transform.
func (wf *WorldFile) Bounds(width, height int) (orb.Bound, error) {
	if width <= 0 || height <= 0 {
		return orb.Bound{}, fmt.Errorf("world file: invalid raster size %dx%d", width, height)
	}
	w, h := float64(width), float64(height)
	corners := [4][2]float64{{-0.5, -0.5}, {w - 0.5, -0.5}, {-0.5, h - 0.5}, {w - 0.5, h - 0.5}}
	var b orb.Bound
	for i, c := range corners {
		p := orb.Point{
			wf.PixelSizeX*c[0] + wf.RotationX*c[1] + wf.OriginX,
			wf.RotationY*c[0] + wf.PixelSizeY*c[1] + wf.OriginY,
		}
		if i == 0 {
			b = p.Bound()
		} else {
			b = b.Extend(p)
		}
	}
	return b, nil
}

// WorldFileURL returns the conventional sidecar location for a raster URL.
func WorldFileURL(rasterURL string) string {
	path, query, _ := strings.Cut(rasterURL, "?")
	slash := strings.LastIndex(path, "/")
	if dot := strings.LastIndex(path, "."); dot > slash {
		path = path[:dot]
	}
	if query != "" {
		return path + ".tfw?" + query
	}
	return path + ".tfw"
}
