package main

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/akhenakh/gtiffview/aoi"
	"github.com/akhenakh/gtiffview/colormap"
	"github.com/akhenakh/gtiffview/geotiff"
	"github.com/akhenakh/gtiffview/source"
)

// errBadRequest marks invalid request parameters.
var errBadRequest = errors.New("bad request")

// httpStatus maps an error kind to the status returned by the REST API.
func httpStatus(err error) int {
	var ne *source.NetworkError
	var ipe *aoi.InvalidPointError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, source.ErrUnsupportedScheme),
		errors.As(err, &ipe):
		return http.StatusBadRequest
	case errors.As(err, &ne) && (ne.Status == http.StatusNotFound || ne.Status == http.StatusGone),
		errors.Is(err, colormap.ErrNoColorScheme),
		errors.Is(err, geotiff.ErrOutsideBounds),
		errors.Is(err, geotiff.ErrNoValue):
		return http.StatusNotFound
	case errors.Is(err, source.ErrNetwork):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, source.ErrTooLarge),
		errors.Is(err, geotiff.ErrMalformed),
		errors.Is(err, geotiff.ErrUnsupportedEncoding),
		errors.Is(err, geotiff.ErrMissingGeoreferencing),
		errors.Is(err, geotiff.ErrReprojectionFailed),
		errors.Is(err, geotiff.ErrDegenerateBounds),
		errors.Is(err, geotiff.ErrEmptyRaster):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// grpcCode maps an error kind to a gRPC status code.
func grpcCode(err error) codes.Code {
	switch httpStatus(err) {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusBadGateway:
		return codes.Unavailable
	case http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	case http.StatusUnprocessableEntity:
		return codes.FailedPrecondition
	default:
		if errors.Is(err, context.Canceled) {
			return codes.Canceled
		}
		return codes.Internal
	}
}
