package aoi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/tkrajina/gpxgo/gpx"
)

// Margin is applied to the enclosing radius of a boundary.
const Margin = 1.2

const metersPerMile = 1609.344

func MilesToMeters(miles float64) float64 { return miles * metersPerMile }

// BufferRadius is the AOI buffer around points in meters: the enclosing
// radius grown by Margin, never less than defaultMeters.
func BufferRadius(points []orb.Point, defaultMeters float64) float64 {
	if len(points) == 0 {
		return defaultMeters
	}
	return Buffer(EnclosingCircle(points, nil), defaultMeters)
}

// Buffer applies the margin and the floor to an already computed circle.
func Buffer(c Circle, defaultMeters float64) float64 {
	return max(c.Radius*Margin, defaultMeters)
}

// InvalidPointError reports a coordinate out of the valid range.
type InvalidPointError struct {
	Index    int
	Lat, Lng float64
}

func (e *InvalidPointError) Error() string {
	return fmt.Sprintf("invalid coordinate %d: lat=%f lng=%f (lat must be ±90, lng must be ±180)", e.Index, e.Lat, e.Lng)
}

func checkPoint(i int, lat, lng float64) error {
	if !(lat >= -90 && lat <= 90) || !(lng >= -180 && lng <= 180) {
		return &InvalidPointError{Index: i, Lat: lat, Lng: lng}
	}
	return nil
}

// ParsePoints decodes a JSON array of [lat, lng] pairs into lon/lat points.
func ParsePoints(data []byte) ([]orb.Point, error) {
	var pairs [][]float64
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, fmt.Errorf("decoding points: %w", err)
	}
	points := make([]orb.Point, 0, len(pairs))
	for i, p := range pairs {
		if len(p) != 2 {
			return nil, fmt.Errorf("point %d has %d values, want [lat, lng]", i, len(p))
		}
		if err := checkPoint(i, p[0], p[1]); err != nil {
			return nil, err
		}
		points = append(points, orb.Point{p[1], p[0]})
	}
	return points, nil
}

// ParseGPX collects the waypoints, route points and track points of a GPX document.
func ParseGPX(data []byte) ([]orb.Point, error) {
	gpxData, err := gpx.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("error [%w] at gpx.ParseBytes()", err)
	}

	var points []orb.Point
	add := func(p gpx.GPXPoint) error {
		if err := checkPoint(len(points), p.Latitude, p.Longitude); err != nil {
			return err
		}
		points = append(points, orb.Point{p.Longitude, p.Latitude})
		return nil
	}

	for _, w := range gpxData.Waypoints {
		if err := add(w); err != nil {
			return nil, err
		}
	}
	for _, r := range gpxData.Routes {
		for _, p := range r.Points {
			if err := add(p); err != nil {
				return nil, err
			}
		}
	}
	for _, t := range gpxData.Tracks {
		for _, s := range t.Segments {
			for _, p := range s.Points {
				if err := add(p); err != nil {
					return nil, err
				}
			}
		}
	}
	return points, nil
}

// ParseBoundary accepts either GPX or JSON points.
func ParseBoundary(data []byte) ([]orb.Point, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty boundary")
	}
	if trimmed[0] == '<' {
		return ParseGPX(trimmed)
	}
	return ParsePoints(trimmed)
}
