package geotiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
)

// head represents the TIFF file header information
type head struct {
	byteOrder binary.ByteOrder // Byte order (little endian or big endian)
	isBigTIFF bool             // Whether this is a BigTIFF file format
	ifdOffset uint64           // Offset to the first Image File Directory (IFD)
}

// iFDEntry represents a single entry in an Image File Directory (IFD)
type iFDEntry struct {
	Tag         Tag       // TIFF tag identifier
	FType       fieldType // Data type of the field
	Count       uint64    // Number of values of the specified type
	ValueOffset uint64    // Offset to the value data, or the value itself if it fits inline
	ValueBytes  []byte    // Inline value data for small values
}

// tagData holds the parsed data for a TIFF tag in various typed formats
type tagData struct {
	fType      fieldType // The field type of this tag data
	length     uint32    // Number of elements in the data
	byteData   []uint8   // BYTE, SBYTE and UNDEFINED
	asciiData  string    // ASCII, with NUL terminators trimmed
	shortData  []uint16  // SHORT
	sshortData []int16   // SSHORT
	longData   []uint32  // LONG, and RATIONAL numerator/denominator pairs
	slongData  []int32   // SLONG, and SRATIONAL pairs
	floatData  []float32 // FLOAT
	doubleData []float64 // DOUBLE
	uint64Data []uint64  // LONG8 and IFD8
	int64Data  []int64   // SLONG8
}

// Tags is the raw tag map of an image directory.
type Tags map[Tag]tagData

type Tag uint16

// fieldTypeLen is the length of every field type in bytes
var fieldTypeLen = [...]uint32{
	zeroByte, oneByte, oneByte, twoByte, // 0-3
	fourByte, eightByte, oneByte, oneByte, // 4-7
	twoByte, fourByte, eightByte, fourByte, // 8-11
	eightByte, // 12 (DOUBLE)
	0, 0, 0, // 13-15 (Reserved)
	eightByte, eightByte, eightByte, // 16-18 (LONG8, SLONG8, IFD8)
}

var fieldTypeToLabel = map[fieldType]string{
	BYTE:      "BYTE",
	ASCII:     "ASCII",
	SHORT:     "SHORT",
	LONG:      "LONG",
	RATIONAL:  "RATIONAL",
	SBYTE:     "SBYTE",
	UNDEFINED: "UNDEFINED",
	SSHORT:    "SSHORT",
	SLONG:     "SLONG",
	SRATIONAL: "SRATIONAL",
	FLOAT:     "FLOAT",
	DOUBLE:    "DOUBLE",
	LONG8:     "LONG8",
	SLONG8:    "SLONG8",
	IFD8:      "IFD8",
}

func (f fieldType) String() string {
	v, ok := fieldTypeToLabel[f]
	if !ok {
		return fmt.Sprintf("unrecognized field type %d", f)
	}
	return v
}

// bytes returns the number of bytes in each data type
//
// returns 0 if unrecognized
func (f fieldType) bytes() uint32 {
	if f == 0 || int(f) >= len(fieldTypeLen) {
		return fieldTypeLen[0]
	}
	return fieldTypeLen[int(f)]
}

func (t Tag) String() string {
	v, ok := tagToLabel[t]
	if !ok {
		return fmt.Sprintf("%d", t)
	}
	return v
}

// readTags reads the first IFD. Subsequent IFDs (overviews, masks) are ignored.
func readTags(r *bytes.Reader, h head) (Tags, error) {
	tags := make(Tags)

	if _, err := r.Seek(int64(h.ifdOffset), io.SeekStart); err != nil {
		return nil, err
	}

	var numEntries uint64
	if h.isBigTIFF {
		if err := binary.Read(r, h.byteOrder, &numEntries); err != nil {
			return nil, err
		}
	} else {
		var numEntries16 uint16
		if err := binary.Read(r, h.byteOrder, &numEntries16); err != nil {
			return nil, err
		}
		numEntries = uint64(numEntries16)
	}

	entryLen := classicEntryLen
	if h.isBigTIFF {
		entryLen = bigEntryLen
	}
	ifdBlock := make([]byte, entryLen*int(numEntries))
	if _, err := io.ReadFull(r, ifdBlock); err != nil {
		return nil, fmt.Errorf("failed to read IFD block: %w", err)
	}

	inlineDataSize := uint64(4)
	if h.isBigTIFF {
		inlineDataSize = 8
	}

	for i := uint64(0); i < numEntries; i++ {
		raw := ifdBlock[i*uint64(entryLen) : (i+1)*uint64(entryLen)]
		entry := iFDEntry{
			Tag:   Tag(h.byteOrder.Uint16(raw[0:2])),
			FType: fieldType(h.byteOrder.Uint16(raw[2:4])),
		}
		if entry.FType.bytes() == 0 {
			slog.Debug("skipping tag with unrecognized field type", "tag", entry.Tag, "field_type", uint16(entry.FType))
			continue
		}

		offsetBytes := make([]byte, 8)
		if h.isBigTIFF {
			entry.Count = h.byteOrder.Uint64(raw[4:12])
			copy(offsetBytes, raw[12:20])
			entry.ValueOffset = h.byteOrder.Uint64(offsetBytes)
		} else {
			entry.Count = uint64(h.byteOrder.Uint32(raw[4:8]))
			copy(offsetBytes, raw[8:12])
			entry.ValueOffset = uint64(h.byteOrder.Uint32(offsetBytes))
		}

		totalBytes := uint64(entry.FType.bytes()) * entry.Count
		if totalBytes <= inlineDataSize {
			entry.ValueBytes = offsetBytes[:totalBytes]
		} else if entry.ValueOffset+totalBytes > uint64(r.Size()) || totalBytes/uint64(entry.FType.bytes()) != entry.Count {
			return nil, &MalformedError{Reason: InvalidIfdEntries, Offset: int64(entry.ValueOffset),
				Detail: fmt.Sprintf("%s value of %d bytes exceeds buffer", entry.Tag, totalBytes)}
		}

		tagvalue, err := entry.value(r, h.byteOrder)
		if err != nil {
			return nil, fmt.Errorf("reading tag %s at offset %d: %w", entry.Tag, entry.ValueOffset, err)
		}
		tags[entry.Tag] = *tagvalue
	}

	return tags, nil
}

func (ifd *iFDEntry) value(r io.ReaderAt, byteOrder binary.ByteOrder) (*tagData, error) {
	t := tagData{fType: ifd.FType, length: uint32(ifd.Count)}
	var reader io.Reader
	if ifd.ValueBytes != nil {
		reader = bytes.NewReader(ifd.ValueBytes)
	} else {
		reader = io.NewSectionReader(r, int64(ifd.ValueOffset), int64(ifd.FType.bytes())*int64(ifd.Count))
	}
	switch ifd.FType {
	case BYTE, SBYTE, UNDEFINED:
		t.byteData = make([]uint8, ifd.Count)
		if _, err := io.ReadFull(reader, t.byteData); err != nil {
			return nil, err
		}
	case ASCII:
		p := make([]uint8, ifd.Count)
		if _, err := io.ReadFull(reader, p); err != nil {
			return nil, err
		}
		t.asciiData = string(bytes.TrimRight(p, "\x00"))
	case SHORT:
		t.shortData = make([]uint16, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.shortData); err != nil {
			return nil, err
		}
	case SSHORT:
		t.sshortData = make([]int16, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.sshortData); err != nil {
			return nil, err
		}
	case LONG:
		t.longData = make([]uint32, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.longData); err != nil {
			return nil, err
		}
	case RATIONAL:
		t.longData = make([]uint32, 2*ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.longData); err != nil {
			return nil, err
		}
	case SLONG:
		t.slongData = make([]int32, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.slongData); err != nil {
			return nil, err
		}
	case SRATIONAL:
		t.slongData = make([]int32, 2*ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.slongData); err != nil {
			return nil, err
		}
	case FLOAT:
		t.floatData = make([]float32, ifd.Count)
		if err := binary.Read(reader, byteOrder, t.floatData); err != nil {
			return nil, err
		}
	case DOUBLE:
		t.doubleData = make([]float64, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.doubleData); err != nil {
			return nil, err
		}
	case LONG8, IFD8:
		t.uint64Data = make([]uint64, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.uint64Data); err != nil {
			return nil, err
		}
	case SLONG8:
		t.int64Data = make([]int64, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.int64Data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported type for value reading: %d", ifd.FType)
	}
	return &t, nil
}

// getUint returns the first value of an unsigned integer tag.
func (tags Tags) getUint(tag Tag) (uint64, bool) {
	v, ok := tags.get64bitSlice(tag)
	if !ok || len(v) == 0 {
		return 0, false
	}
	return v[0], true
}

func (tags Tags) getShorts(tag Tag) ([]uint16, bool) {
	t, ok := tags[tag]
	if !ok {
		return nil, false
	}
	switch t.fType {
	case SHORT:
		return t.shortData, true
	case LONG:
		res := make([]uint16, len(t.longData))
		for i, v := range t.longData {
			res[i] = uint16(v)
		}
		return res, true
	}
	return nil, false
}

func (tags Tags) get64bitSlice(tag Tag) ([]uint64, bool) {
	t, ok := tags[tag]
	if !ok {
		return nil, false
	}
	switch t.fType {
	case LONG8, IFD8:
		return t.uint64Data, true
	case LONG:
		res := make([]uint64, len(t.longData))
		for i, v := range t.longData {
			res[i] = uint64(v)
		}
		return res, true
	case SHORT:
		res := make([]uint64, len(t.shortData))
		for i, v := range t.shortData {
			res[i] = uint64(v)
		}
		return res, true
	case BYTE:
		res := make([]uint64, len(t.byteData))
		for i, v := range t.byteData {
			res[i] = uint64(v)
		}
		return res, true
	}
	return nil, false
}

// getFloats returns a floating point tag, accepting FLOAT or DOUBLE storage.
func (tags Tags) getFloats(tag Tag) ([]float64, bool) {
	t, ok := tags[tag]
	if !ok {
		return nil, false
	}
	switch t.fType {
	case DOUBLE:
		return t.doubleData, true
	case FLOAT:
		res := make([]float64, len(t.floatData))
		for i, v := range t.floatData {
			res[i] = float64(v)
		}
		return res, true
	}
	return nil, false
}

func (tags Tags) getASCII(tag Tag) (string, bool) {
	t, ok := tags[tag]
	if !ok {
		return "", false
	}
	switch t.fType {
	case ASCII:
		return t.asciiData, true
	case BYTE, UNDEFINED:
		return string(bytes.TrimRight(t.byteData, "\x00")), true
	}
	return "", false
}

// FieldType returns the storage type label of tag and whether it is present.
func (tags Tags) FieldType(tag Tag) (string, bool) {
	t, ok := tags[tag]
	if !ok {
		return "", false
	}
	return t.fType.String(), true
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
