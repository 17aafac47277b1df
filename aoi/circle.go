// Package aoi sizes area of interest buffers around boundary points.
package aoi

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// containment slack in meters
const epsilon = 1e-3

// Circle is a geographic circle, Radius in meters.
type Circle struct {
	Center orb.Point
	Radius float64
}

func (c Circle) Lat() float64 { return c.Center.Lat() }
func (c Circle) Lng() float64 { return c.Center.Lon() }

// Contains reports whether p lies within the circle, using great circle distance.
func (c Circle) Contains(p orb.Point) bool {
	return geo.DistanceHaversine(c.Center, p) <= c.Radius+epsilon
}

// EnclosingCircle returns the smallest circle around points, points being
// lon/lat. The input is shuffled with rng, or the global source when rng is
// nil. An empty input gives a zero circle at (0,0).
func EnclosingCircle(points []orb.Point, rng *rand.Rand) Circle {
	switch len(points) {
	case 0:
		return Circle{}
	case 1:
		return Circle{Center: points[0]}
	case 2:
		return diameter(points[0], points[1])
	}

	pts := slices.Clone(points)
	shuffle := rand.Shuffle
	if rng != nil {
		shuffle = rng.Shuffle
	}
	shuffle(len(pts), func(i, j int) { pts[i], pts[j] = pts[j], pts[i] })

	c := diameter(pts[0], pts[1])
	for i := 2; i < len(pts); i++ {
		if c.Contains(pts[i]) {
			continue
		}
		c = Circle{Center: pts[i]}
		for j := 0; j < i; j++ {
			if c.Contains(pts[j]) {
				continue
			}
			c = diameter(pts[i], pts[j])
			for k := 0; k < j; k++ {
				if c.Contains(pts[k]) {
					continue
				}
				c = circumcircle(pts[i], pts[j], pts[k])
			}
		}
	}

	for _, p := range pts {
		if !c.Contains(p) {
			return centroidCircle(pts)
		}
	}
	return c
}

func diameter(a, b orb.Point) Circle {
	center := orb.Point{(a[0] + b[0]) / 2, (a[1] + b[1]) / 2}
	return Circle{Center: center, Radius: farthest(center, a, b)}
}

// circumcircle works in a local equirectangular plane centred on the three
// points. Collinear points fall back to the widest pair.
func circumcircle(a, b, c orb.Point) Circle {
	lat0 := (a[1] + b[1] + c[1]) / 3
	lon0 := (a[0] + b[0] + c[0]) / 3
	k := math.Cos(lat0 * math.Pi / 180)
	toXY := func(p orb.Point) (float64, float64) {
		return (p[0] - lon0) * k, p[1] - lat0
	}
	ax, ay := toXY(a)
	bx, by := toXY(b)
	cx, cy := toXY(c)

	d := 2 * (ax*(by-cy) + bx*(cy-ay) + cx*(ay-by))
	if math.Abs(d) < 1e-18 || k == 0 {
		widest := diameter(a, b)
		for _, w := range []Circle{diameter(a, c), diameter(b, c)} {
			if w.Radius > widest.Radius {
				widest = w
			}
		}
		return widest
	}
	a2, b2, c2 := ax*ax+ay*ay, bx*bx+by*by, cx*cx+cy*cy
	ux := (a2*(by-cy) + b2*(cy-ay) + c2*(ay-by)) / d
	uy := (a2*(cx-bx) + b2*(ax-cx) + c2*(bx-ax)) / d

	center := orb.Point{lon0 + ux/k, lat0 + uy}
	return Circle{Center: center, Radius: farthest(center, a, b, c)}
}

func centroidCircle(pts []orb.Point) Circle {
	var lon, lat float64
	for _, p := range pts {
		lon += p[0]
		lat += p[1]
	}
	center := orb.Point{lon / float64(len(pts)), lat / float64(len(pts))}
	return Circle{Center: center, Radius: farthest(center, pts...)}
}

func farthest(center orb.Point, pts ...orb.Point) float64 {
	var r float64
	for _, p := range pts {
		r = max(r, geo.DistanceHaversine(center, p))
	}
	return r
}
