package geotiff

import (
	"encoding/binary"
	"fmt"
)

// Validate checks that buf is a structurally valid TIFF or BigTIFF container.
// It never touches pixel data and does not guarantee the decoder understands
// every tag.
func Validate(buf []byte) error {
	_, err := validateHeader(buf)
	return err
}

// validateHeader runs the structural checks and returns the parsed header.
func validateHeader(buf []byte) (head, error) {
	var h head
	size := int64(len(buf))

	if size < classicHeaderLen {
		return h, &MalformedError{Reason: TooSmall, Offset: 0,
			Detail: fmt.Sprintf("%d bytes, need at least %d", size, classicHeaderLen)}
	}

	switch binary.BigEndian.Uint16(buf[0:2]) {
	case littleEndian:
		h.byteOrder = binary.LittleEndian
	case bigEndian:
		h.byteOrder = binary.BigEndian
	default:
		return h, &MalformedError{Reason: InvalidByteOrder, Offset: 0,
			Detail: fmt.Sprintf("marker 0x%04x", binary.BigEndian.Uint16(buf[0:2]))}
	}

	identifier := h.byteOrder.Uint16(buf[2:4])
	switch identifier {
	case tiffIdentifier:
		h.ifdOffset = uint64(h.byteOrder.Uint32(buf[4:8]))
	case bigTiffIdentifier:
		h.isBigTIFF = true
		if size < bigHeaderLen {
			return h, &MalformedError{Reason: TooSmall, Offset: 0,
				Detail: fmt.Sprintf("%d bytes, BigTIFF header needs %d", size, bigHeaderLen)}
		}
		if bs := h.byteOrder.Uint16(buf[4:6]); bs != bigTiffBytesize {
			return h, &MalformedError{Reason: InvalidMagicNumber, Offset: 4,
				Detail: fmt.Sprintf("BigTIFF offset bytesize %d", bs)}
		}
		h.ifdOffset = h.byteOrder.Uint64(buf[8:16])
	default:
		return h, &MalformedError{Reason: InvalidMagicNumber, Offset: 2,
			Detail: fmt.Sprintf("identifier %d", identifier)}
	}

	headerLen := uint64(classicHeaderLen)
	countLen, entryLen := uint64(2), uint64(classicEntryLen)
	if h.isBigTIFF {
		headerLen, countLen, entryLen = bigHeaderLen, 8, bigEntryLen
	}

	if h.ifdOffset < headerLen || h.ifdOffset >= uint64(size) {
		return h, &MalformedError{Reason: InvalidIfdOffset, Offset: int64(h.ifdOffset),
			Detail: fmt.Sprintf("buffer length %d", size)}
	}
	if h.ifdOffset+countLen > uint64(size) {
		return h, &MalformedError{Reason: InvalidIfdEntries, Offset: int64(h.ifdOffset),
			Detail: "entry count does not fit in buffer"}
	}

	var count uint64
	if h.isBigTIFF {
		count = h.byteOrder.Uint64(buf[h.ifdOffset:])
	} else {
		count = uint64(h.byteOrder.Uint16(buf[h.ifdOffset:]))
	}
	if count == 0 || count > maxIFDEntries {
		return h, &MalformedError{Reason: InvalidIfdEntries, Offset: int64(h.ifdOffset),
			Detail: fmt.Sprintf("%d entries", count)}
	}
	if end := h.ifdOffset + countLen + count*entryLen; end > uint64(size) {
		return h, &MalformedError{Reason: InvalidIfdEntries, Offset: int64(h.ifdOffset),
			Detail: fmt.Sprintf("%d entries end at %d past buffer length %d", count, end, size)}
	}
	return h, nil
}
