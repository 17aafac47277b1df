package geotiff

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed is matched by every structural validation failure.
	ErrMalformed = errors.New("malformed tiff")
	// ErrUnsupportedEncoding is returned when the decoder cannot interpret a tag combination.
	ErrUnsupportedEncoding = errors.New("unsupported tiff encoding")

	// ErrMissingGeoreferencing is returned when neither the directory nor a fallback places the raster.
	ErrMissingGeoreferencing = errors.New("missing georeferencing")
	// ErrReprojectionFailed is returned when the source CRS cannot be converted to EPSG:4326.
	ErrReprojectionFailed = errors.New("reprojection failed")
	// ErrDegenerateBounds is returned for a bounding box that is empty or outside valid coordinates.
	ErrDegenerateBounds = errors.New("degenerate bounds")

	// ErrEmptyRaster is returned when a raster holds no valid sample.
	ErrEmptyRaster = errors.New("empty raster")

	// ErrOutsideBounds is returned for a point outside the raster extent.
	ErrOutsideBounds = errors.New("point is outside the image bounds")
	// ErrNoValue is returned when the sample at a point is no-data or not finite.
	ErrNoValue = errors.New("no value at point")
)

// MalformedReason tells which structural check rejected a buffer.
type MalformedReason int

const (
	TooSmall MalformedReason = iota + 1
	InvalidByteOrder
	InvalidMagicNumber
	InvalidIfdOffset
	InvalidIfdEntries
)

func (r MalformedReason) String() string {
	switch r {
	case TooSmall:
		return "TooSmall"
	case InvalidByteOrder:
		return "InvalidByteOrder"
	case InvalidMagicNumber:
		return "InvalidMagicNumber"
	case InvalidIfdOffset:
		return "InvalidIfdOffset"
	case InvalidIfdEntries:
		return "InvalidIfdEntries"
	default:
		return fmt.Sprintf("MalformedReason(%d)", int(r))
	}
}

// MalformedError is a structural validation failure.
type MalformedError struct {
	Reason MalformedReason
	Offset int64
	Detail string
}

func (e *MalformedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("malformed tiff: %s at offset %d", e.Reason, e.Offset)
	}
	return fmt.Sprintf("malformed tiff: %s at offset %d: %s", e.Reason, e.Offset, e.Detail)
}

func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }

// TagError reports a tag whose value the decoder cannot handle.
type TagError struct {
	Tag    Tag
	Value  any
	Reason string
}

func (e *TagError) Error() string {
	return fmt.Sprintf("unsupported %s=%v: %s", e.Tag, e.Value, e.Reason)
}

func (e *TagError) Is(target error) bool { return target == ErrUnsupportedEncoding }

// MalformedReasonOf extracts the validation reason from err, if any.
func MalformedReasonOf(err error) (MalformedReason, bool) {
	var me *MalformedError
	if errors.As(err, &me) {
		return me.Reason, true
	}
	return 0, false
}
