package geotiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/bits"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/image/tiff/lzw"
)

// maxPixels bounds the sample allocation of a single decode.
const maxPixels = 1 << 28

// Raster is the decoded first band of the first image.
type Raster struct {
	Width, Height int
	// Samples are row-major, len(Samples) == Width*Height.
	Samples   []float64
	NoData    *float64
	Directory *Directory
	Metadata  GDALMetadata
}

// At returns the sample at pixel (x, y).
func (r *Raster) At(x, y int) (float64, bool) {
	if x < 0 || x >= r.Width || y < 0 || y >= r.Height {
		return 0, false
	}
	return r.Samples[y*r.Width+x], true
}

// IsNoData reports whether v equals the raster no-data value.
func (r *Raster) IsNoData(v float64) bool {
	return r.NoData != nil && v == *r.NoData
}

var zstdDecoder, _ = zstd.NewReader(nil,
	zstd.WithDecoderConcurrency(0),
	zstd.WithDecoderMaxMemory(maxPixels*8),
)

// chunkSize returns the byte length of a w x h chunk, rejecting chunks whose
// sample count exceeds maxPixels.
func (d *decoder) chunkSize(tag Tag, w, h uint64) (int, error) {
	hi, n := bits.Mul64(w, h)
	if hi != 0 || n > maxPixels || n*uint64(d.spp) > maxPixels {
		return 0, &TagError{Tag: tag, Value: fmt.Sprintf("%dx%d", w, h), Reason: "chunk too large"}
	}
	return int(n) * d.spp * d.bytesPer, nil
}

// Decode validates buf and decodes band 0 of its first image directory into
// float64 samples. Decoding is deterministic for identical input.
func Decode(buf []byte) (*Raster, error) {
	h, err := validateHeader(buf)
	if err != nil {
		return nil, err
	}
	tags, err := readTags(bytes.NewReader(buf), h)
	if err != nil {
		return nil, fmt.Errorf("failed to read tiff tags: %w", err)
	}
	dir, err := newDirectory(tags)
	if err != nil {
		return nil, err
	}

	d := decoder{buf: buf, order: h.byteOrder, dir: dir}
	if err := d.setup(); err != nil {
		return nil, err
	}

	samples, err := d.decode()
	if err != nil {
		return nil, err
	}
	return &Raster{
		Width:     int(dir.ImageWidth),
		Height:    int(dir.ImageLength),
		Samples:   samples,
		NoData:    dir.NoData,
		Directory: dir,
		Metadata:  dir.Metadata,
	}, nil
}

type decoder struct {
	buf   []byte
	order binary.ByteOrder
	dir   *Directory

	width, height int
	bytesPer      int // bytes per sample
	spp           int // samples interleaved per pixel in a chunk
	sample        func([]byte) float64
}

func (d *decoder) setup() error {
	dir := d.dir
	d.width, d.height = int(dir.ImageWidth), int(dir.ImageLength)
	if d.width == 0 || d.height == 0 {
		return &TagError{Tag: ImageWidth, Value: fmt.Sprintf("%dx%d", d.width, d.height), Reason: "empty image"}
	}
	if uint64(d.width)*uint64(d.height) > maxPixels {
		return &TagError{Tag: ImageWidth, Value: fmt.Sprintf("%dx%d", d.width, d.height), Reason: "image too large"}
	}

	bits := dir.BitsPerSample[0]
	for _, b := range dir.BitsPerSample[1:] {
		if b != bits {
			return &TagError{Tag: BitsPerSample, Value: dir.BitsPerSample, Reason: "mixed sample sizes"}
		}
	}
	format := dir.SampleFormat[0]
	d.bytesPer = int(bits) / 8

	switch dir.PlanarConfig {
	case PlanarChunky:
		d.spp = int(dir.SamplesPerPixel)
	case PlanarPlanar:
		d.spp = 1
	default:
		return &TagError{Tag: PlanarConfiguration, Value: dir.PlanarConfig, Reason: "unknown planar configuration"}
	}

	switch dir.Compression {
	case Uncompressed, LZW, DEFLATE, AdobeDeflate, ZSTD:
	default:
		return &TagError{Tag: Compression, Value: dir.Compression, Reason: "unsupported compression"}
	}

	switch dir.Predictor {
	case PredictorNone, PredictorHorizontal:
	case PredictorFloatingPoint:
		if format != SampleFormatFloat {
			return &TagError{Tag: Predictor, Value: dir.Predictor, Reason: "floating point predictor on integer samples"}
		}
	default:
		return &TagError{Tag: Predictor, Value: dir.Predictor, Reason: "unknown predictor"}
	}

	sample, err := sampleFunc(format, bits, d.order)
	if err != nil {
		return err
	}
	d.sample = sample
	if dir.Predictor == PredictorFloatingPoint {
		// Float predictor output is reassembled most significant byte first.
		d.sample, _ = sampleFunc(format, bits, binary.BigEndian)
	}
	return nil
}

// sampleFunc returns a converter from one stored sample to float64.
func sampleFunc(format, bits uint16, order binary.ByteOrder) (func([]byte) float64, error) {
	switch {
	case format == SampleFormatUint && bits == 8:
		return func(b []byte) float64 { return float64(b[0]) }, nil
	case format == SampleFormatInt && bits == 8:
		return func(b []byte) float64 { return float64(int8(b[0])) }, nil
	case format == SampleFormatUint && bits == 16:
		return func(b []byte) float64 { return float64(order.Uint16(b)) }, nil
	case format == SampleFormatInt && bits == 16:
		return func(b []byte) float64 { return float64(int16(order.Uint16(b))) }, nil
	case format == SampleFormatUint && bits == 32:
		return func(b []byte) float64 { return float64(order.Uint32(b)) }, nil
	case format == SampleFormatInt && bits == 32:
		return func(b []byte) float64 { return float64(int32(order.Uint32(b))) }, nil
	case format == SampleFormatUint && bits == 64:
		return func(b []byte) float64 { return float64(order.Uint64(b)) }, nil
	case format == SampleFormatInt && bits == 64:
		return func(b []byte) float64 { return float64(int64(order.Uint64(b))) }, nil
	case format == SampleFormatFloat && bits == 32:
		return func(b []byte) float64 { return float64(math.Float32frombits(order.Uint32(b))) }, nil
	case format == SampleFormatFloat && bits == 64:
		return func(b []byte) float64 { return math.Float64frombits(order.Uint64(b)) }, nil
	}
	return nil, &TagError{Tag: SampleFormat, Value: fmt.Sprintf("format=%d bits=%d", format, bits), Reason: "unsupported sample type"}
}

func (d *decoder) decode() ([]float64, error) {
	out := make([]float64, d.width*d.height)
	if d.dir.Tiled() {
		return out, d.decodeTiles(out)
	}
	return out, d.decodeStrips(out)
}

func (d *decoder) decodeStrips(out []float64) error {
	offsets, counts := d.dir.StripOffsets, d.dir.StripByteCounts
	if len(offsets) == 0 {
		return &TagError{Tag: StripOffsets, Reason: "missing strip or tile layout"}
	}
	if len(counts) != len(offsets) {
		return &TagError{Tag: StripByteCounts, Value: len(counts), Reason: fmt.Sprintf("want %d entries", len(offsets))}
	}
	rps := int(d.dir.RowsPerStrip)
	strips := (d.height + rps - 1) / rps
	if len(offsets) < strips {
		return &TagError{Tag: StripOffsets, Value: len(offsets), Reason: fmt.Sprintf("want %d strips", strips)}
	}

	rowBytes := d.width * d.spp * d.bytesPer
	if _, err := d.chunkSize(RowsPerStrip, uint64(d.width), uint64(rps)); err != nil {
		return err
	}
	for i := 0; i < strips; i++ {
		rows := min(rps, d.height-i*rps)
		chunk, err := d.chunk(i, offsets[i], counts[i], rows*rowBytes)
		if err != nil {
			return err
		}
		for r := 0; r < rows; r++ {
			row := chunk[r*rowBytes : (r+1)*rowBytes]
			d.undoPredictor(row, d.width)
			y := i*rps + r
			for x := 0; x < d.width; x++ {
				out[y*d.width+x] = d.sample(row[x*d.spp*d.bytesPer:])
			}
		}
	}
	return nil
}

func (d *decoder) decodeTiles(out []float64) error {
	tileBytes, err := d.chunkSize(TileWidth, uint64(d.dir.TileWidth), uint64(d.dir.TileLength))
	if err != nil {
		return err
	}
	tw, tl := int(d.dir.TileWidth), int(d.dir.TileLength)
	offsets, counts := d.dir.TileOffsets, d.dir.TileByteCounts
	if len(counts) != len(offsets) {
		return &TagError{Tag: TileByteCounts, Value: len(counts), Reason: fmt.Sprintf("want %d entries", len(offsets))}
	}
	across := (d.width + tw - 1) / tw
	down := (d.height + tl - 1) / tl
	if len(offsets) < across*down {
		return &TagError{Tag: TileOffsets, Value: len(offsets), Reason: fmt.Sprintf("want %d tiles", across*down)}
	}

	rowBytes := tw * d.spp * d.bytesPer
	for ty := 0; ty < down; ty++ {
		for tx := 0; tx < across; tx++ {
			n := ty*across + tx
			chunk, err := d.chunk(n, offsets[n], counts[n], tileBytes)
			if err != nil {
				return err
			}
			for r := 0; r < tl; r++ {
				y := ty*tl + r
				if y >= d.height {
					break
				}
				row := chunk[r*rowBytes : (r+1)*rowBytes]
				d.undoPredictor(row, tw)
				for c := 0; c < tw; c++ {
					x := tx*tw + c
					if x >= d.width {
						break
					}
					out[y*d.width+x] = d.sample(row[c*d.spp*d.bytesPer:])
				}
			}
		}
	}
	return nil
}

// chunk returns the decompressed bytes of strip or tile n, at least want long.
func (d *decoder) chunk(n int, offset, count uint64, want int) ([]byte, error) {
	if offset+count > uint64(len(d.buf)) || offset+count < offset {
		return nil, fmt.Errorf("chunk %d at offset %d with %d bytes exceeds buffer: %w", n, offset, count, ErrMalformed)
	}
	if want < 0 || uint64(want) > maxPixels*8 {
		return nil, fmt.Errorf("chunk %d of %d bytes: %w", n, want, ErrUnsupportedEncoding)
	}
	raw := d.buf[offset : offset+count]

	var data []byte
	var err error
	switch d.dir.Compression {
	case Uncompressed:
		data = raw
	case DEFLATE, AdobeDeflate:
		var z io.ReadCloser
		z, err = zlib.NewReader(bytes.NewReader(raw))
		if err == nil {
			data, err = io.ReadAll(io.LimitReader(z, int64(want)))
			z.Close()
		}
	case LZW:
		lr := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		data, err = io.ReadAll(io.LimitReader(lr, int64(want)))
		lr.Close()
	case ZSTD:
		// The frame may still decode past want; the capacity is only a hint.
		data, err = zstdDecoder.DecodeAll(raw, make([]byte, 0, min(want, 4*len(raw)+1024)))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decompress chunk %d: %w", n, err)
	}
	if len(data) < want {
		return nil, fmt.Errorf("chunk %d decoded to %d bytes, want %d: %w", n, len(data), want, ErrMalformed)
	}
	if d.dir.Compression == Uncompressed && d.dir.Predictor != PredictorNone {
		// Predictors rewrite the chunk in place; never touch the source buffer.
		data = bytes.Clone(data[:want])
	}
	return data, nil
}

func (d *decoder) undoPredictor(row []byte, width int) {
	switch d.dir.Predictor {
	case PredictorHorizontal:
		undoHorizontal(row, d.bytesPer, d.spp, d.order)
	case PredictorFloatingPoint:
		undoFloatingPoint(row, d.bytesPer, d.spp, width*d.spp)
	}
}

// undoHorizontal reverses horizontal differencing on one row of integer samples.
func undoHorizontal(row []byte, bytesPer, spp int, order binary.ByteOrder) {
	stride := bytesPer * spp
	switch bytesPer {
	case 1:
		for i := stride; i < len(row); i++ {
			row[i] += row[i-stride]
		}
	case 2:
		for i := stride; i+2 <= len(row); i += 2 {
			order.PutUint16(row[i:], order.Uint16(row[i:])+order.Uint16(row[i-stride:]))
		}
	case 4:
		for i := stride; i+4 <= len(row); i += 4 {
			order.PutUint32(row[i:], order.Uint32(row[i:])+order.Uint32(row[i-stride:]))
		}
	case 8:
		for i := stride; i+8 <= len(row); i += 8 {
			order.PutUint64(row[i:], order.Uint64(row[i:])+order.Uint64(row[i-stride:]))
		}
	}
}

// undoFloatingPoint reverses the floating point predictor: byte differencing
// followed by byte plane interleaving. The row is left most significant byte first.
func undoFloatingPoint(row []byte, bytesPer, spp, count int) {
	n := bytesPer * count
	if n > len(row) {
		return
	}
	for i := spp; i < n; i++ {
		row[i] += row[i-spp]
	}
	tmp := make([]byte, n)
	copy(tmp, row[:n])
	for c := 0; c < count; c++ {
		for b := 0; b < bytesPer; b++ {
			row[c*bytesPer+b] = tmp[b*count+c]
		}
	}
}
