//go:build gdal

package geotiff

import (
	"fmt"

	"github.com/airbusgeo/godal"
	"github.com/paulmach/orb"
)

func init() {
	godal.RegisterAll()
	defaultReprojector = GDAL{}
}

// GDAL reprojects from any EPSG code known to the linked GDAL/PROJ installation.
type GDAL struct{}

func (GDAL) Project(code int, p orb.Point) (orb.Point, error) {
	if code == CanonicalEPSG {
		return p, nil
	}
	sourceSRS, err := godal.NewSpatialRefFromEPSG(code)
	if err != nil {
		return orb.Point{}, fmt.Errorf("%w: creating source SRS (EPSG:%d): %w", ErrReprojectionFailed, code, err)
	}
	defer sourceSRS.Close()

	targetSRS, err := godal.NewSpatialRefFromEPSG(CanonicalEPSG)
	if err != nil {
		return orb.Point{}, fmt.Errorf("%w: creating target SRS: %w", ErrReprojectionFailed, err)
	}
	defer targetSRS.Close()

	transform, err := godal.NewTransform(sourceSRS, targetSRS)
	if err != nil {
		return orb.Point{}, fmt.Errorf("%w: transformation from EPSG:%d: %w", ErrReprojectionFailed, code, err)
	}
	defer transform.Close()

	xs, ys := []float64{p[0]}, []float64{p[1]}
	ok := make([]bool, 1)
	if err := transform.TransformEx(xs, ys, []float64{}, ok); err != nil {
		return orb.Point{}, fmt.Errorf("%w: EPSG:%d: %w", ErrReprojectionFailed, code, err)
	}
	if !ok[0] {
		return orb.Point{}, fmt.Errorf("%w: EPSG:%d failed for (%.8f, %.8f)", ErrReprojectionFailed, code, p[0], p[1])
	}
	return orb.Point{xs[0], ys[0]}, nil
}
