package geotiff

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
)

// coordToPixel converts geographic coordinates (lon, lat) to pixel coordinates (x, y)
// by linear interpolation inside the canonical bounding box.
func (r *Raster) coordToPixel(lon, lat float64, bounds BoundingBox) (int, int, error) {
	if !bounds.Contains(lon, lat) {
		return 0, 0, fmt.Errorf("%w: (Lon: %f, Lat: %f)", ErrOutsideBounds, lon, lat)
	}
	sx := (bounds.East - bounds.West) / float64(r.Width)
	sy := (bounds.North - bounds.South) / float64(r.Height)
	x := min(int(math.Floor((lon-bounds.West)/sx)), r.Width-1)
	y := min(int(math.Floor((bounds.North-lat)/sy)), r.Height-1)
	return x, y, nil
}

// pixelToCoord returns the geographic coordinates of the center of pixel (x, y).
func (r *Raster) pixelToCoord(x, y int, bounds BoundingBox) (float64, float64) {
	sx := (bounds.East - bounds.West) / float64(r.Width)
	sy := (bounds.North - bounds.South) / float64(r.Height)
	lon := bounds.West + (float64(x)+0.5)*sx
	lat := bounds.North - (float64(y)+0.5)*sy
	return lon, lat
}

// ValueAt returns the sample under lon, lat.
// No-data and non finite samples report ErrNoValue.
func (r *Raster) ValueAt(ref *GeoReference, lon, lat float64) (float64, error) {
	x, y, err := r.coordToPixel(lon, lat, ref.Bounds)
	if err != nil {
		return 0, err
	}
	v, _ := r.At(x, y)
	if !isFinite(v) || r.IsNoData(v) {
		return 0, fmt.Errorf("%w: pixel (%d, %d)", ErrNoValue, x, y)
	}
	return v, nil
}

// Profile samples the raster along a path of [lat, lng] pairs at the raster's
// native pixel resolution. Each output row is [lat, lng, value]; pixels
// without a value are skipped.
func (r *Raster) Profile(ref *GeoReference, coordinates [][]float64) ([][]float64, error) {
	if len(coordinates) < 2 {
		return nil, errors.New("at least two coordinate pairs are required to create a profile")
	}

	var profile [][]float64
	visited := make(map[[2]int]struct{})

	for i := 0; i < len(coordinates)-1; i++ {
		start, end := coordinates[i], coordinates[i+1]
		if len(start) != 2 || len(end) != 2 {
			return nil, fmt.Errorf("invalid coordinate pair at index %d; expected [lat, lng]", i)
		}

		x1, y1, err := r.coordToPixel(start[1], start[0], ref.Bounds)
		if err != nil {
			return nil, err
		}
		x2, y2, err := r.coordToPixel(end[1], end[0], ref.Bounds)
		if err != nil {
			return nil, err
		}

		dx := float64(x2 - x1)
		dy := float64(y2 - y1)
		numSteps := int(math.Ceil(math.Max(math.Abs(dx), math.Abs(dy))))
		if numSteps == 0 {
			numSteps = 1
		}
		xInc := dx / float64(numSteps)
		yInc := dy / float64(numSteps)

		for j := 0; j <= numSteps; j++ {
			px := x1 + int(math.Round(float64(j)*xInc))
			py := y1 + int(math.Round(float64(j)*yInc))

			key := [2]int{px, py}
			if _, ok := visited[key]; ok {
				continue
			}
			visited[key] = struct{}{}

			v, ok := r.At(px, py)
			if !ok || !isFinite(v) || r.IsNoData(v) {
				slog.Debug("profile skipping pixel without value", "x", px, "y", py)
				continue
			}
			lon, lat := r.pixelToCoord(px, py, ref.Bounds)
			profile = append(profile, []float64{lat, lon, v})
		}
	}
	return profile, nil
}
