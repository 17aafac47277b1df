package colormap

import (
	"fmt"
	"image"
	"image/png"
	"io"

	"golang.org/x/image/draw"
)

// Image wraps an RGBA buffer produced by Colorize without copying it.
func Image(width, height int, rgba []uint8) (*image.NRGBA, error) {
	if width <= 0 || height <= 0 || len(rgba) != 4*width*height {
		return nil, fmt.Errorf("buffer of %d bytes does not hold a %dx%d image", len(rgba), width, height)
	}
	return &image.NRGBA{Pix: rgba, Stride: 4 * width, Rect: image.Rect(0, 0, width, height)}, nil
}

// Fit returns the dimensions of a width x height image scaled down so that
// neither side exceeds maxSize, keeping the aspect ratio. A maxSize <= 0
// keeps the original size.
func Fit(width, height, maxSize int) (int, int) {
	if maxSize <= 0 || (width <= maxSize && height <= maxSize) {
		return width, height
	}
	if width >= height {
		return maxSize, max(1, height*maxSize/width)
	}
	return max(1, width*maxSize/height), maxSize
}

// Render encodes the RGBA buffer as PNG, downsampled with nearest
// neighbour interpolation when it is larger than maxSize.
func Render(w io.Writer, width, height int, rgba []uint8, maxSize int) error {
	img, err := Image(width, height, rgba)
	if err != nil {
		return err
	}
	var out image.Image = img
	if dw, dh := Fit(width, height, maxSize); dw != width || dh != height {
		dst := image.NewNRGBA(image.Rect(0, 0, dw, dh))
		draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
		out = dst
	}
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(w, out); err != nil {
		return fmt.Errorf("encoding png: %w", err)
	}
	return nil
}
