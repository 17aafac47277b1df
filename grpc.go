package main

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/akhenakh/gtiffview/aoi"
)

// RasterServiceName is the fully qualified gRPC service name.
const RasterServiceName = "gtiffview.v1.RasterService"

// RasterServiceServer is the gRPC API. Messages are google.protobuf.Struct:
//
//	Describe {url}                          -> metadata document
//	Buffer   {points: [[lat,lng]...] | gpx, defaultMiles} -> {latitude, longitude, enclosingRadius, radius, points}
type RasterServiceServer interface {
	Describe(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Buffer(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func RegisterRasterServiceServer(s grpc.ServiceRegistrar, srv RasterServiceServer) {
	s.RegisterService(&rasterServiceDesc, srv)
}

func unaryHandler(method string, call func(RasterServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RasterServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + RasterServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RasterServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var rasterServiceDesc = grpc.ServiceDesc{
	ServiceName: RasterServiceName,
	HandlerType: (*RasterServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Describe", Handler: unaryHandler("Describe", RasterServiceServer.Describe)},
		{MethodName: "Buffer", Handler: unaryHandler("Buffer", RasterServiceServer.Buffer)},
	},
	Streams: []grpc.StreamDesc{},
}

func (s *Server) Describe(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	rawURL := req.GetFields()["url"].GetStringValue()
	if rawURL == "" {
		return nil, status.Error(codes.InvalidArgument, "url is required")
	}
	res, err := s.svc.Load(ctx, rawURL, progressLogger(rawURL))
	if err != nil {
		return nil, status.Errorf(grpcCode(err), "failed to load raster: %v", err)
	}
	out, err := structpb.NewStruct(describe(res))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to build response: %v", err)
	}
	return out, nil
}

func (s *Server) Buffer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()

	defaultMeters := s.defaultBuffer
	if v, ok := fields["defaultMiles"]; ok {
		miles := v.GetNumberValue()
		if miles < 0 {
			return nil, status.Error(codes.InvalidArgument, "defaultMiles must not be negative")
		}
		defaultMeters = aoi.MilesToMeters(miles)
	}

	var data []byte
	if gpx := fields["gpx"].GetStringValue(); gpx != "" {
		data = []byte(gpx)
	} else {
		points, ok := fields["points"]
		if !ok {
			return nil, status.Error(codes.InvalidArgument, "points or gpx is required")
		}
		var err error
		if data, err = json.Marshal(points.AsInterface()); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid points: %v", err)
		}
	}

	resp, err := s.buffer(data, defaultMeters)
	if err != nil {
		return nil, status.Errorf(grpcCode(err), "failed to compute buffer: %v", err)
	}
	out, err := structpb.NewStruct(map[string]any{
		"latitude":        resp.Latitude,
		"longitude":       resp.Longitude,
		"enclosingRadius": resp.EnclosingRadius,
		"radius":          resp.Radius,
		"points":          resp.Points,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to build response: %v", err)
	}
	return out, nil
}
