// Package colormap turns raster samples into RGBA pixels through named
// colour schemes.
package colormap

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"slices"
	"strconv"
	"strings"
)

// ErrNoColorScheme is matched by lookups of a scheme that is not registered.
var ErrNoColorScheme = errors.New("no color scheme")

// UnknownSchemeError reports a scheme name missing from a Registry.
type UnknownSchemeError struct {
	Name string
}

func (e *UnknownSchemeError) Error() string {
	return fmt.Sprintf("unknown color scheme %q", e.Name)
}

func (e *UnknownSchemeError) Is(target error) bool { return target == ErrNoColorScheme }

// Stop anchors a colour at a normalized position in [0,1].
type Stop struct {
	Pos   float64
	Color color.NRGBA
}

// Hex returns the stop colour as #rrggbb.
func (s Stop) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", s.Color.R, s.Color.G, s.Color.B)
}

// Scheme is a piecewise linear gradient. Domain is the value interval the
// scheme is meant for, used when a caller has no better one.
// A Scheme must not be modified once built by NewScheme.
type Scheme struct {
	Name   string
	Stops  []Stop
	Domain [2]float64
}

// NewScheme validates and sorts the stops. At least two stops are required
// and every position must lie in [0,1].
func NewScheme(name string, domain [2]float64, stops []Stop) (*Scheme, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, errors.New("color scheme without a name")
	}
	if len(stops) < 2 {
		return nil, fmt.Errorf("color scheme %q: at least two stops are required, got %d", name, len(stops))
	}
	sorted := slices.Clone(stops)
	for _, s := range sorted {
		if math.IsNaN(s.Pos) || s.Pos < 0 || s.Pos > 1 {
			return nil, fmt.Errorf("color scheme %q: stop position %v outside [0,1]", name, s.Pos)
		}
	}
	slices.SortStableFunc(sorted, func(a, b Stop) int {
		switch {
		case a.Pos < b.Pos:
			return -1
		case a.Pos > b.Pos:
			return 1
		}
		return 0
	})
	for i := range sorted {
		sorted[i].Color.A = 255
	}
	return &Scheme{Name: name, Stops: sorted, Domain: domain}, nil
}

func mustScheme(name string, domain [2]float64, hexes ...string) *Scheme {
	stops := make([]Stop, len(hexes))
	for i, h := range hexes {
		c, err := ParseHex(h)
		if err != nil {
			panic(err)
		}
		stops[i] = Stop{Pos: float64(i) / float64(len(hexes)-1), Color: c}
	}
	s, err := NewScheme(name, domain, stops)
	if err != nil {
		panic(err)
	}
	return s
}

// At maps t, clamped to [0,1], to an opaque colour.
func (s *Scheme) At(t float64) color.NRGBA {
	if math.IsNaN(t) || t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	first, last := s.Stops[0], s.Stops[len(s.Stops)-1]
	if t <= first.Pos {
		return first.Color
	}
	if t >= last.Pos {
		return last.Color
	}
	i, _ := slices.BinarySearchFunc(s.Stops, t, func(st Stop, t float64) int {
		switch {
		case st.Pos < t:
			return -1
		case st.Pos > t:
			return 1
		}
		return 0
	})
	hi := s.Stops[i]
	if hi.Pos == t {
		return hi.Color
	}
	lo := s.Stops[i-1]
	f := (t - lo.Pos) / (hi.Pos - lo.Pos)
	return color.NRGBA{
		R: lerp(lo.Color.R, hi.Color.R, f),
		G: lerp(lo.Color.G, hi.Color.G, f),
		B: lerp(lo.Color.B, hi.Color.B, f),
		A: 255,
	}
}

func lerp(a, b uint8, f float64) uint8 {
	return uint8(math.Round(float64(a) + (float64(b)-float64(a))*f))
}

// ParseHex parses #rrggbb or #rgb.
func ParseHex(s string) (color.NRGBA, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) != 6 {
		return color.NRGBA{}, fmt.Errorf("invalid hex color %q", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid hex color %q: %w", s, err)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

// Interval is a closed value interval.
type Interval struct {
	Min, Max float64
}

// All is the interval that accepts every finite value.
func All() Interval { return Interval{Min: math.Inf(-1), Max: math.Inf(1)} }

func (i Interval) Contains(v float64) bool { return v >= i.Min && v <= i.Max }

// Options drive Colorize. Domain anchors the gradient, Range selects which
// values are drawn at all.
type Options struct {
	Domain Interval
	Range  Interval
	Scheme *Scheme
}

// Colorize renders one RGBA quadruplet per sample. NaN, infinite, no-data
// and out of range samples are fully transparent.
func Colorize(samples []float64, noData *float64, opts Options) []uint8 {
	scheme := opts.Scheme
	if scheme == nil {
		scheme = Grayscale
	}
	span := opts.Domain.Max - opts.Domain.Min

	out := make([]uint8, 4*len(samples))
	for i, v := range samples {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if noData != nil && v == *noData {
			continue
		}
		if !opts.Range.Contains(v) {
			continue
		}
		var t float64
		if span != 0 {
			t = (v - opts.Domain.Min) / span
		}
		c := scheme.At(t)
		o := 4 * i
		out[o], out[o+1], out[o+2], out[o+3] = c.R, c.G, c.B, 255
	}
	return out
}
