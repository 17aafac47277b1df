package geotiff

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Directory is the typed view of the first image file directory.
// Absent optional tags leave their field nil or zero.
type Directory struct {
	ImageWidth      uint32
	ImageLength     uint32
	BitsPerSample   []uint16
	Compression     uint16
	Photometric     uint16
	SamplesPerPixel uint16
	PlanarConfig    uint16
	Predictor       uint16
	SampleFormat    []uint16
	RowsPerStrip    uint32

	StripOffsets    []uint64
	StripByteCounts []uint64
	TileWidth       uint32
	TileLength      uint32
	TileOffsets     []uint64
	TileByteCounts  []uint64

	ModelTiepoint       []float64
	ModelPixelScale     []float64
	ModelTransformation []float64
	GeoKeys             GeoKeys

	Metadata GDALMetadata
	NoData   *float64

	// Tags holds every tag of the directory, including unknown ones.
	Tags Tags
}

// GeoKeyValue holds the value of a single GeoKey. Exactly one field is set.
type GeoKeyValue struct {
	Shorts  []uint16
	Doubles []float64
	ASCII   string
}

type GeoKeys map[GeoKey]GeoKeyValue

// Code returns the first short value of key. The user-defined code and zero
// are reported as absent.
func (k GeoKeys) Code(key GeoKey) (int, bool) {
	v, ok := k[key]
	if !ok || len(v.Shorts) == 0 {
		return 0, false
	}
	c := int(v.Shorts[0])
	if c == 0 || c == userDefinedCode {
		return 0, false
	}
	return c, true
}

// Citation returns an ASCII GeoKey value.
func (k GeoKeys) Citation(key GeoKey) (string, bool) {
	v, ok := k[key]
	if !ok || v.ASCII == "" {
		return "", false
	}
	return v.ASCII, true
}

// GDALMetadata is the parsed GDAL_METADATA XML block.
type GDALMetadata struct {
	Units       string
	Description string
	Items       map[string]string
}

var gdalItemRe = regexp.MustCompile(`<Item\s+name="([^"]+)"[^>]*>([^<]*)</Item>`)

// parseGDALMetadata extracts <Item> elements. Only the first band is relevant to
// the decoder, so items repeated per band keep the first value.
func parseGDALMetadata(s string) GDALMetadata {
	md := GDALMetadata{Items: make(map[string]string)}
	for _, m := range gdalItemRe.FindAllStringSubmatch(s, -1) {
		name := strings.ToLower(strings.TrimSpace(m[1]))
		if _, seen := md.Items[name]; seen {
			continue
		}
		md.Items[name] = strings.TrimSpace(m[2])
	}
	md.Units = md.Items["units"]
	if md.Units == "" {
		md.Units = md.Items["unittype"]
	}
	md.Description = md.Items["description"]
	return md
}

// parseNoData reads the GDAL_NODATA ASCII value.
func parseNoData(s string) (float64, bool) {
	s = strings.TrimSpace(strings.TrimRight(s, "\x00"))
	if s == "" {
		return 0, false
	}
	if strings.EqualFold(s, "nan") {
		s = "NaN"
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseGeoKeys expands the key directory, resolving values stored in
// GeoDoubleParams and GeoAsciiParams. Entries pointing outside their
// storage are skipped.
func parseGeoKeys(tags Tags) (GeoKeys, bool) {
	dir, ok := tags.getShorts(GeoKeyDirectory)
	if !ok || len(dir) < 4 {
		return nil, false
	}
	doubles, _ := tags.getFloats(GeoDoubleParams)
	ascii, _ := tags.getASCII(GeoAsciiParams)

	numKeys := int(dir[3])
	keys := make(GeoKeys, numKeys)
	for i := 0; i < numKeys; i++ {
		base := 4 + i*4
		if base+4 > len(dir) {
			break
		}
		key := GeoKey(dir[base])
		location := Tag(dir[base+1])
		count := int(dir[base+2])
		offset := int(dir[base+3])

		switch location {
		case 0:
			keys[key] = GeoKeyValue{Shorts: []uint16{dir[base+3]}}
		case GeoKeyDirectory:
			if offset+count <= len(dir) {
				keys[key] = GeoKeyValue{Shorts: dir[offset : offset+count]}
			}
		case GeoDoubleParams:
			if offset+count <= len(doubles) {
				keys[key] = GeoKeyValue{Doubles: doubles[offset : offset+count]}
			}
		case GeoAsciiParams:
			if offset+count <= len(ascii) {
				keys[key] = GeoKeyValue{ASCII: strings.TrimRight(ascii[offset:offset+count], "|\x00")}
			}
		}
	}
	return keys, true
}

// newDirectory fills a Directory from raw tags, applying baseline defaults.
func newDirectory(tags Tags) (*Directory, error) {
	d := &Directory{
		Tags:            tags,
		Compression:     Uncompressed,
		SamplesPerPixel: 1,
		PlanarConfig:    PlanarChunky,
		Predictor:       PredictorNone,
	}

	if v, ok := tags.getUint(ImageWidth); ok {
		d.ImageWidth = uint32(v)
	} else {
		return nil, &TagError{Tag: ImageWidth, Reason: "missing or invalid"}
	}
	if v, ok := tags.getUint(ImageLength); ok {
		d.ImageLength = uint32(v)
	} else {
		return nil, &TagError{Tag: ImageLength, Reason: "missing or invalid"}
	}

	if v, ok := tags.getShorts(BitsPerSample); ok && len(v) > 0 {
		d.BitsPerSample = v
	} else {
		d.BitsPerSample = []uint16{1}
	}
	if v, ok := tags.getShorts(SampleFormat); ok && len(v) > 0 {
		d.SampleFormat = v
	} else {
		d.SampleFormat = []uint16{SampleFormatUint}
	}
	if v, ok := tags.getUint(Compression); ok {
		d.Compression = uint16(v)
	}
	if v, ok := tags.getUint(PhotometricInterpretation); ok {
		d.Photometric = uint16(v)
	}
	if v, ok := tags.getUint(SamplesPerPixel); ok && v > 0 {
		d.SamplesPerPixel = uint16(v)
	}
	if v, ok := tags.getUint(PlanarConfiguration); ok {
		d.PlanarConfig = uint16(v)
	}
	if v, ok := tags.getUint(Predictor); ok {
		d.Predictor = uint16(v)
	}

	d.RowsPerStrip = d.ImageLength
	if v, ok := tags.getUint(RowsPerStrip); ok && v > 0 && v < uint64(d.ImageLength) {
		d.RowsPerStrip = uint32(v)
	}
	d.StripOffsets, _ = tags.get64bitSlice(StripOffsets)
	d.StripByteCounts, _ = tags.get64bitSlice(StripByteCounts)
	if v, ok := tags.getUint(TileWidth); ok {
		d.TileWidth = uint32(v)
	}
	if v, ok := tags.getUint(TileLength); ok {
		d.TileLength = uint32(v)
	}
	d.TileOffsets, _ = tags.get64bitSlice(TileOffsets)
	d.TileByteCounts, _ = tags.get64bitSlice(TileByteCounts)

	d.ModelTiepoint, _ = tags.getFloats(ModelTiepoint)
	d.ModelPixelScale, _ = tags.getFloats(ModelPixelScale)
	d.ModelTransformation, _ = tags.getFloats(ModelTransformation)
	d.GeoKeys, _ = parseGeoKeys(tags)

	if s, ok := tags.getASCII(GDALMetadataTag); ok {
		d.Metadata = parseGDALMetadata(s)
	}
	if s, ok := tags.getASCII(GDALNoData); ok {
		if v, ok := parseNoData(s); ok {
			d.NoData = &v
		}
	}
	return d, nil
}

// Tiled reports whether the image is stored in tiles rather than strips.
func (d *Directory) Tiled() bool {
	return d.TileWidth > 0 && d.TileLength > 0 && len(d.TileOffsets) > 0
}

// HasGeoreference reports whether the directory carries an affine or tiepoint
// georeference.
func (d *Directory) HasGeoreference() bool {
	if len(d.ModelTransformation) >= 16 {
		return true
	}
	return len(d.ModelTiepoint) >= 6 && len(d.ModelPixelScale) >= 2
}

// EPSG returns the source CRS code: projected first, then geographic.
func (d *Directory) EPSG() (int, bool) {
	if c, ok := d.GeoKeys.Code(ProjectedCSTypeGeoKey); ok {
		return c, true
	}
	return d.GeoKeys.Code(GeographicTypeGeoKey)
}

// HasUserDefinedCRS reports a projected model whose CRS has no EPSG code,
// either a user-defined ProjectedCSTypeGeoKey or GTModelType projected
// without one.
func (d *Directory) HasUserDefinedCRS() bool {
	if v, ok := d.GeoKeys[ProjectedCSTypeGeoKey]; ok && len(v.Shorts) > 0 && v.Shorts[0] == userDefinedCode {
		return true
	}
	model, _ := d.GeoKeys.Code(GTModelTypeGeoKey)
	_, projected := d.GeoKeys.Code(ProjectedCSTypeGeoKey)
	return model == ModelTypeProjected && !projected
}

func (d *Directory) String() string {
	return fmt.Sprintf("%dx%d bps=%v sf=%v compression=%d predictor=%d tiled=%t",
		d.ImageWidth, d.ImageLength, d.BitsPerSample, d.SampleFormat, d.Compression, d.Predictor, d.Tiled())
}
