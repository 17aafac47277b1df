package geotiff

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/paulmach/orb"
)

// CanonicalEPSG is the geographic CRS every bounding box is expressed in.
const CanonicalEPSG = 4326

// squareTolerance is the accepted deviation of the ground distance ratio of a
// square raster from 1.
const squareTolerance = 0.05

// BoundingBox is a geographic extent in the canonical CRS.
type BoundingBox struct {
	South, West, North, East float64
}

// Array returns the box as [south, west, north, east].
func (b BoundingBox) Array() [4]float64 { return [4]float64{b.South, b.West, b.North, b.East} }

func (b BoundingBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.West, b.South}, Max: orb.Point{b.East, b.North}}
}

func (b BoundingBox) Contains(lon, lat float64) bool {
	return lon >= b.West && lon <= b.East && lat >= b.South && lat <= b.North
}

// GroundRatio is the east-west over north-south ground distance ratio.
func (b BoundingBox) GroundRatio() float64 {
	centerLat := (b.South + b.North) / 2
	return (b.East - b.West) * math.Cos(centerLat*math.Pi/180) / (b.North - b.South)
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("[%f,%f,%f,%f]", b.South, b.West, b.North, b.East)
}

// BoundingBoxFromBound converts an orb.Bound in lon/lat order.
func BoundingBoxFromBound(b orb.Bound) BoundingBox {
	return BoundingBox{South: b.Min.Lat(), West: b.Min.Lon(), North: b.Max.Lat(), East: b.Max.Lon()}
}

// GeoReference is the resolved georeferencing of a raster.
type GeoReference struct {
	Bounds    BoundingBox
	SourceCRS string
	EPSG      int
	// RawBounds is the extent in the source CRS.
	RawBounds  orb.Bound
	Transform  []float64
	Tiepoint   []float64
	PixelScale []float64
	// Corrected is set when the square aspect correction changed the box.
	Corrected bool
}

// BoundsProvider supplies a native extent when the directory has no georeferencing.
type BoundsProvider interface {
	Bounds(width, height int) (orb.Bound, error)
}

// Resolver derives a GeoReference from an image directory.
type Resolver struct {
	Reprojector Reprojector
	Fallback    BoundsProvider
}

// Resolve computes the canonical bounding box of a width x height raster.
func (r Resolver) Resolve(dir *Directory, width, height int) (*GeoReference, error) {
	ref := &GeoReference{
		Transform:  dir.ModelTransformation,
		Tiepoint:   dir.ModelTiepoint,
		PixelScale: dir.ModelPixelScale,
	}

	raw, err := r.nativeBounds(dir, width, height)
	if err != nil {
		return nil, err
	}
	ref.RawBounds = raw

	if dir.HasUserDefinedCRS() {
		return nil, fmt.Errorf("%w: %s projection has no EPSG code", ErrReprojectionFailed, UserDefinedCRS)
	}
	code, ok := dir.EPSG()
	if !ok {
		code = CanonicalEPSG
	}
	ref.EPSG = code
	ref.SourceCRS = fmt.Sprintf("EPSG:%d", code)

	geo := raw
	if code != CanonicalEPSG {
		rp := r.Reprojector
		if rp == nil {
			rp = DefaultReprojector()
		}
		geo, err = reprojectBound(rp, code, raw)
		if err != nil {
			return nil, err
		}
	}

	box, err := normalize(BoundingBoxFromBound(geo))
	if err != nil {
		return nil, err
	}

	if width == height {
		if fixed, changed := squareCorrect(box); changed {
			slog.Debug("square aspect correction", "before", box.String(), "after", fixed.String())
			box, ref.Corrected = fixed, true
		}
	}
	if box.West <= -180 && box.East >= 180 || box.North >= 90 || box.South <= -90 {
		slog.Debug("bounding box reaches the antimeridian or a pole", "bounds", box.String())
	}
	ref.Bounds = box
	return ref, nil
}

// nativeBounds applies the georeferencing priority: affine transform, then
// tiepoint and pixel scale, then the fallback provider.
func (r Resolver) nativeBounds(dir *Directory, width, height int) (orb.Bound, error) {
	w, h := float64(width), float64(height)

	if m := dir.ModelTransformation; len(m) >= 16 {
		corners := [4][2]float64{{0, 0}, {w, 0}, {0, h}, {w, h}}
		var b orb.Bound
		for i, c := range corners {
			p := orb.Point{m[0]*c[0] + m[1]*c[1] + m[3], m[4]*c[0] + m[5]*c[1] + m[7]}
			if i == 0 {
				b = p.Bound()
			} else {
				b = b.Extend(p)
			}
		}
		return b, nil
	}

	if tp, ps := dir.ModelTiepoint, dir.ModelPixelScale; len(tp) >= 6 && len(ps) >= 2 {
		sx, sy := math.Abs(ps[0]), math.Abs(ps[1])
		west := tp[3] - tp[0]*sx
		north := tp[4] + tp[1]*sy
		east := west + w*sx
		south := north - h*sy
		return orb.Bound{Min: orb.Point{west, south}, Max: orb.Point{east, north}}, nil
	}

	if r.Fallback != nil {
		b, err := r.Fallback.Bounds(width, height)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("%w: fallback: %w", ErrMissingGeoreferencing, err)
		}
		return b, nil
	}
	return orb.Bound{}, fmt.Errorf("%w: no ModelTransformation, ModelTiepoint or ModelPixelScale", ErrMissingGeoreferencing)
}

// reprojectBound transforms the four corners individually and returns their
// enclosing box.
func reprojectBound(rp Reprojector, code int, b orb.Bound) (orb.Bound, error) {
	corners := []orb.Point{b.Min, {b.Max[0], b.Min[1]}, {b.Min[0], b.Max[1]}, b.Max}
	var out orb.Bound
	for i, c := range corners {
		p, err := rp.Project(code, c)
		if err != nil {
			if errors.Is(err, ErrReprojectionFailed) {
				return orb.Bound{}, err
			}
			return orb.Bound{}, fmt.Errorf("%w: EPSG:%d: %w", ErrReprojectionFailed, code, err)
		}
		if !isFinite(p[0]) || !isFinite(p[1]) {
			return orb.Bound{}, fmt.Errorf("%w: EPSG:%d corner %v projects to %v", ErrReprojectionFailed, code, c, p)
		}
		if i == 0 {
			out = p.Bound()
		} else {
			out = out.Extend(p)
		}
	}
	return out, nil
}

// normalize rejects degenerate boxes, swaps inverted edges and clamps to the
// valid latitude and longitude ranges.
func normalize(b BoundingBox) (BoundingBox, error) {
	for _, v := range b.Array() {
		if !isFinite(v) {
			return b, fmt.Errorf("%w: non finite edge in %s", ErrDegenerateBounds, b)
		}
	}
	if b.West == b.East || b.South == b.North {
		return b, fmt.Errorf("%w: %s", ErrDegenerateBounds, b)
	}
	if b.South > b.North {
		b.South, b.North = b.North, b.South
	}
	if b.West > b.East {
		b.West, b.East = b.East, b.West
	}
	b.South = clamp(b.South, -90, 90)
	b.North = clamp(b.North, -90, 90)
	b.West = clamp(b.West, -180, 180)
	b.East = clamp(b.East, -180, 180)
	if b.West == b.East || b.South == b.North {
		return b, fmt.Errorf("%w: %s outside valid range", ErrDegenerateBounds, b)
	}
	return b, nil
}

// squareCorrect expands the narrower ground dimension of the box symmetrically
// when its ground distance ratio deviates from 1 by more than the tolerance.
func squareCorrect(b BoundingBox) (BoundingBox, bool) {
	ratio := b.GroundRatio()
	if math.Abs(ratio-1) <= squareTolerance {
		return b, false
	}
	cos := math.Cos((b.South + b.North) / 2 * math.Pi / 180)
	if cos < 1e-9 {
		return b, false
	}

	out := b
	if ratio > 1 {
		span := (b.East - b.West) * cos
		center := (b.South + b.North) / 2
		out.South, out.North = center-span/2, center+span/2
	} else {
		span := (b.North - b.South) / cos
		center := (b.West + b.East) / 2
		out.West, out.East = center-span/2, center+span/2
	}
	out.South = clamp(out.South, -90, 90)
	out.North = clamp(out.North, -90, 90)
	out.West = clamp(out.West, -180, 180)
	out.East = clamp(out.East, -180, 180)
	return out, true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
