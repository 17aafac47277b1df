// Package tifftest builds small synthetic TIFF and GeoTIFF files for tests.
package tifftest

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"
)

// Tag numbers used by the helpers.
const (
	ImageWidth          = 256
	ImageLength         = 257
	BitsPerSample       = 258
	Compression         = 259
	Photometric         = 262
	StripOffsets        = 273
	SamplesPerPixel     = 277
	RowsPerStrip        = 278
	StripByteCounts     = 279
	PlanarConfiguration = 284
	Predictor           = 317
	TileWidth           = 322
	TileLength          = 323
	TileOffsets         = 324
	TileByteCounts      = 325
	SampleFormat        = 339
	ModelPixelScale     = 33550
	ModelTiepoint       = 33922
	ModelTransformation = 34264
	GeoKeyDirectory     = 34735
	GeoDoubleParams     = 34736
	GeoAsciiParams      = 34737
	GDALMetadata        = 42112
	GDALNoData          = 42113
)

const (
	typeASCII  = 2
	typeShort  = 3
	typeLong   = 4
	typeDouble = 12
	typeLong8  = 16
)

type field struct {
	tag, typ uint16
	count    uint64
	data     []byte
}

// Builder assembles a single image file directory. The zero value is not usable,
// use New.
type Builder struct {
	order  binary.ByteOrder
	big    bool
	fields map[uint16]field
	chunks [][]byte
	offTag uint16
	cntTag uint16
}

// New returns a little endian classic TIFF builder.
func New() *Builder {
	return &Builder{order: binary.LittleEndian, fields: make(map[uint16]field)}
}

func (b *Builder) BigEndian() *Builder {
	b.order = binary.BigEndian
	return b
}

func (b *Builder) BigTIFF() *Builder {
	b.big = true
	return b
}

// Order returns the byte order samples must be encoded with.
func (b *Builder) Order() binary.ByteOrder { return b.order }

func (b *Builder) Shorts(tag uint16, v ...uint16) *Builder {
	buf := make([]byte, 2*len(v))
	for i, x := range v {
		b.order.PutUint16(buf[2*i:], x)
	}
	b.fields[tag] = field{tag: tag, typ: typeShort, count: uint64(len(v)), data: buf}
	return b
}

func (b *Builder) Longs(tag uint16, v ...uint32) *Builder {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		b.order.PutUint32(buf[4*i:], x)
	}
	b.fields[tag] = field{tag: tag, typ: typeLong, count: uint64(len(v)), data: buf}
	return b
}

func (b *Builder) Doubles(tag uint16, v ...float64) *Builder {
	buf := make([]byte, 8*len(v))
	for i, x := range v {
		b.order.PutUint64(buf[8*i:], math.Float64bits(x))
	}
	b.fields[tag] = field{tag: tag, typ: typeDouble, count: uint64(len(v)), data: buf}
	return b
}

// ASCII stores s with a trailing NUL.
func (b *Builder) ASCII(tag uint16, s string) *Builder {
	data := append([]byte(s), 0)
	b.fields[tag] = field{tag: tag, typ: typeASCII, count: uint64(len(data)), data: data}
	return b
}

func (b *Builder) Raw(tag, typ uint16, count uint64, data []byte) *Builder {
	b.fields[tag] = field{tag: tag, typ: typ, count: count, data: data}
	return b
}

// Image sets width, height and the sample layout of a single band.
func (b *Builder) Image(width, height int, bits, format uint16) *Builder {
	return b.Longs(ImageWidth, uint32(width)).
		Longs(ImageLength, uint32(height)).
		Shorts(BitsPerSample, bits).
		Shorts(SampleFormat, format).
		Shorts(SamplesPerPixel, 1).
		Shorts(Photometric, 1)
}

// Strips stores chunks as strips of rowsPerStrip rows.
func (b *Builder) Strips(rowsPerStrip int, chunks ...[]byte) *Builder {
	b.chunks, b.offTag, b.cntTag = chunks, StripOffsets, StripByteCounts
	return b.Longs(RowsPerStrip, uint32(rowsPerStrip))
}

// Tiles stores chunks as tiles of tw x tl pixels, row-major.
func (b *Builder) Tiles(tw, tl int, chunks ...[]byte) *Builder {
	b.chunks, b.offTag, b.cntTag = chunks, TileOffsets, TileByteCounts
	return b.Longs(TileWidth, uint32(tw)).Longs(TileLength, uint32(tl))
}

// Geographic adds a tiepoint at the upper-left corner, a pixel scale and a
// GeoKey directory declaring the given EPSG code.
func (b *Builder) Geographic(west, north, scaleX, scaleY float64, epsg uint16) *Builder {
	b.Doubles(ModelTiepoint, 0, 0, 0, west, north, 0)
	b.Doubles(ModelPixelScale, scaleX, scaleY, 0)
	key := uint16(2048)
	model := uint16(2)
	if epsg != 4326 && epsg != 4269 && epsg != 4258 && epsg != 4230 {
		key, model = 3072, 1
	}
	return b.Shorts(GeoKeyDirectory, 1, 1, 0, 2,
		1024, 0, 1, model,
		key, 0, 1, epsg)
}

// Bytes serializes the file: header, chunk data, out of line values, IFD.
func (b *Builder) Bytes() []byte {
	var out bytes.Buffer
	headerLen := 8
	if b.big {
		headerLen = 16
	}
	out.Write(make([]byte, headerLen))

	offsets := make([]uint64, len(b.chunks))
	counts := make([]uint64, len(b.chunks))
	for i, c := range b.chunks {
		offsets[i] = uint64(out.Len())
		counts[i] = uint64(len(c))
		out.Write(c)
		if out.Len()%2 == 1 {
			out.WriteByte(0)
		}
	}
	if len(b.chunks) > 0 {
		if b.big {
			b.fields[b.offTag] = b.long8(b.offTag, offsets)
			b.fields[b.cntTag] = b.long8(b.cntTag, counts)
		} else {
			o32 := make([]uint32, len(offsets))
			c32 := make([]uint32, len(counts))
			for i := range offsets {
				o32[i], c32[i] = uint32(offsets[i]), uint32(counts[i])
			}
			b.Longs(b.offTag, o32...)
			b.Longs(b.cntTag, c32...)
		}
	}

	tags := make([]int, 0, len(b.fields))
	for t := range b.fields {
		tags = append(tags, int(t))
	}
	sort.Ints(tags)

	inline := 4
	if b.big {
		inline = 8
	}
	valueOffsets := make(map[uint16]uint64)
	for _, t := range tags {
		f := b.fields[uint16(t)]
		if len(f.data) > inline {
			valueOffsets[f.tag] = uint64(out.Len())
			out.Write(f.data)
			if out.Len()%2 == 1 {
				out.WriteByte(0)
			}
		}
	}

	ifd := uint64(out.Len())
	if b.big {
		writeUint(&out, b.order, 8, uint64(len(tags)))
	} else {
		writeUint(&out, b.order, 2, uint64(len(tags)))
	}
	for _, t := range tags {
		f := b.fields[uint16(t)]
		writeUint(&out, b.order, 2, uint64(f.tag))
		writeUint(&out, b.order, 2, uint64(f.typ))
		if b.big {
			writeUint(&out, b.order, 8, f.count)
		} else {
			writeUint(&out, b.order, 4, f.count)
		}
		if off, ok := valueOffsets[f.tag]; ok {
			writeUint(&out, b.order, inline, off)
		} else {
			v := make([]byte, inline)
			copy(v, f.data)
			out.Write(v)
		}
	}
	writeUint(&out, b.order, inline, 0)

	buf := out.Bytes()
	if b.order == binary.LittleEndian {
		copy(buf, "II")
	} else {
		copy(buf, "MM")
	}
	if b.big {
		b.order.PutUint16(buf[2:], 43)
		b.order.PutUint16(buf[4:], 8)
		b.order.PutUint64(buf[8:], ifd)
	} else {
		b.order.PutUint16(buf[2:], 42)
		b.order.PutUint32(buf[4:], uint32(ifd))
	}
	return buf
}

func (b *Builder) long8(tag uint16, v []uint64) field {
	buf := make([]byte, 8*len(v))
	for i, x := range v {
		b.order.PutUint64(buf[8*i:], x)
	}
	return field{tag: tag, typ: typeLong8, count: uint64(len(v)), data: buf}
}

func writeUint(w *bytes.Buffer, order binary.ByteOrder, size int, v uint64) {
	buf := make([]byte, 8)
	switch size {
	case 2:
		order.PutUint16(buf, uint16(v))
	case 4:
		order.PutUint32(buf, uint32(v))
	case 8:
		order.PutUint64(buf, v)
	}
	w.Write(buf[:size])
}

// Float32Samples encodes v in order.
func Float32Samples(order binary.ByteOrder, v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		order.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

// Int16Samples encodes v in order.
func Int16Samples(order binary.ByteOrder, v []int16) []byte {
	buf := make([]byte, 2*len(v))
	for i, x := range v {
		order.PutUint16(buf[2*i:], uint16(x))
	}
	return buf
}

// GeoTIFF returns a single strip, uncompressed float32 raster in EPSG:4326
// whose upper-left corner is (west, north).
func GeoTIFF(width, height int, samples []float32, west, north, scale float64, noData string) []byte {
	b := New().Image(width, height, 32, 3)
	b.Strips(height, Float32Samples(b.Order(), samples))
	b.Geographic(west, north, scale, scale, 4326)
	if noData != "" {
		b.ASCII(GDALNoData, noData)
	}
	return b.Bytes()
}
