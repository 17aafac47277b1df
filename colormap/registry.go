package colormap

import (
	"fmt"
	"image/color"
	"os"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Built-in schemes.
var (
	Viridis = mustScheme("viridis", [2]float64{0, 1},
		"#440154", "#3b528b", "#21918c", "#5ec962", "#fde725")
	Magma = mustScheme("magma", [2]float64{0, 1},
		"#000004", "#51127c", "#b73779", "#fc8961", "#fcfdbf")
	Grayscale = mustScheme("grayscale", [2]float64{0, 1},
		"#000000", "#ffffff")
	Terrain = func() *Scheme {
		s, err := NewScheme("terrain", [2]float64{0, 4000}, []Stop{
			{0, hex("#333399")},
			{0.15, hex("#0099ff")},
			{0.25, hex("#00cc66")},
			{0.5, hex("#ffff99")},
			{0.75, hex("#805c54")},
			{1, hex("#ffffff")},
		})
		if err != nil {
			panic(err)
		}
		return s
	}()
	// Precipitation is scaled for millimetres.
	Precipitation = mustScheme("precipitation", [2]float64{0, 100},
		"#f7fbff", "#c6dbef", "#6baed6", "#2171b5", "#08306b", "#54278f")
)

func hex(s string) color.NRGBA {
	c, err := ParseHex(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Registry holds named schemes. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	schemes map[string]*Scheme
}

// NewRegistry returns a registry holding the built-in schemes.
func NewRegistry() *Registry {
	r := &Registry{schemes: make(map[string]*Scheme)}
	for _, s := range []*Scheme{Viridis, Terrain, Grayscale, Precipitation, Magma} {
		r.Register(s)
	}
	return r
}

// Register adds s, replacing any scheme with the same name.
func (r *Registry) Register(s *Scheme) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemes[s.Name] = s
}

func (r *Registry) Lookup(name string) (*Scheme, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemes[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, &UnknownSchemeError{Name: name}
	}
	return s, nil
}

// Names lists the registered schemes in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemes))
	for n := range r.schemes {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

type schemeFile struct {
	Schemes []struct {
		Name   string     `yaml:"Name"`
		Domain [2]float64 `yaml:"Domain"`
		Stops  []struct {
			Pos   float64 `yaml:"Pos"`
			Color string  `yaml:"Color"`
		} `yaml:"Stops"`
	} `yaml:"Schemes"`
}

// LoadYAML registers every scheme of a definition document:
//
//	Schemes:
//	  - Name: ocean
//	    Domain: [-6000, 0]
//	    Stops:
//	      - {Pos: 0, Color: "#08306b"}
//	      - {Pos: 1, Color: "#c6dbef"}
//
// Nothing is registered when any scheme is invalid.
func (r *Registry) LoadYAML(source []byte) (int, error) {
	var f schemeFile
	if err := yaml.Unmarshal(source, &f); err != nil {
		return 0, fmt.Errorf("error [%w] at yaml.Unmarshal()", err)
	}
	schemes := make([]*Scheme, 0, len(f.Schemes))
	for i, def := range f.Schemes {
		stops := make([]Stop, len(def.Stops))
		for j, st := range def.Stops {
			c, err := ParseHex(st.Color)
			if err != nil {
				return 0, fmt.Errorf("scheme %d (%s), stop %d: %w", i, def.Name, j, err)
			}
			stops[j] = Stop{Pos: st.Pos, Color: c}
		}
		s, err := NewScheme(def.Name, def.Domain, stops)
		if err != nil {
			return 0, err
		}
		schemes = append(schemes, s)
	}
	for _, s := range schemes {
		r.Register(s)
	}
	return len(schemes), nil
}

// LoadFile reads scheme definitions from a YAML file.
func (r *Registry) LoadFile(path string) (int, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading color schemes %s: %w", path, err)
	}
	n, err := r.LoadYAML(source)
	if err != nil {
		return 0, fmt.Errorf("color schemes %s: %w", path, err)
	}
	return n, nil
}
