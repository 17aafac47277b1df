// main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/akhenakh/gtiffview/aoi"
	"github.com/akhenakh/gtiffview/colormap"
	"github.com/akhenakh/gtiffview/geotiff"
	"github.com/akhenakh/gtiffview/service"
	"github.com/akhenakh/gtiffview/source"
)

const appName = "gtiffview"

var (
	grpcAPIServer     *grpc.Server
	grpcHealthServer  *grpc.Server
	httpMetricsServer *http.Server
	httpRestServer    *http.Server
	grpcMetrics       = grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram(
		grpcprom.WithHistogramBuckets([]float64{0.01, 0.1, 0.3, 0.6, 1, 3, 6, 9}),
	))
)

// Config holds all configuration for the application, loaded from environment variables.
type Config struct {
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFile           string        `env:"LOG_FILE"`
	HTTPPort          int           `env:"HTTP_PORT" envDefault:"8080"`
	APIPort           int           `env:"API_PORT" envDefault:"9200"`
	HealthPort        int           `env:"HEALTH_PORT" envDefault:"6666"`
	HTTPMetricsPort   int           `env:"METRICS_PORT" envDefault:"8888"`
	CacheTTL          time.Duration `env:"CACHE_TTL" envDefault:"5m"`
	CacheMaxSize      int64         `env:"CACHE_MAX_SIZE" envDefault:"1024"`
	CacheItemsToPrune uint32        `env:"CACHE_ITEMS_TO_PRUNE" envDefault:"100"`
	FetchTimeout      time.Duration `env:"FETCH_TIMEOUT" envDefault:"2m"`
	MaxRasterBytes    int64         `env:"MAX_RASTER_BYTES" envDefault:"536870912"`
	// AllowedSchemes lists the url schemes clients may request, file and mem
	// expose the server's own storage.
	AllowedSchemes []string `env:"ALLOWED_SCHEMES" envDefault:"http,https"`
	// FallbackBounds is "south,west,north,east", used when reprojection fails.
	FallbackBounds     string  `env:"FALLBACK_BOUNDS"`
	WorldFileLookup    bool    `env:"WORLD_FILE_LOOKUP" envDefault:"false"`
	DefaultBufferMiles float64 `env:"DEFAULT_BUFFER_MILES" envDefault:"5"`
	ColorSchemesFile   string  `env:"COLOR_SCHEMES_FILE"`
}

type Server struct {
	svc           *service.Service
	schemes       *colormap.Registry
	defaultBuffer float64
	healthServer  *health.Server
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		fmt.Printf("failed to parse config: %+v\n", err)
		os.Exit(1)
	}

	logger := createLogger(cfg, appName)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	g, ctx := errgroup.WithContext(ctx)

	blobs := source.NewBlob(cfg.MaxRasterBytes)
	defer blobs.Close()

	s, err := setupServer(cfg, logger, blobs)
	if err != nil {
		logger.Error("failed to initialize raster service, shutting down", "error", err)
		os.Exit(1)
	}
	defer s.svc.Close()

	healthServer := health.NewServer()
	s.healthServer = healthServer

	// gRPC Health Server
	g.Go(func() error {
		return startHealthServer(logger, cfg, healthServer)
	})

	// HTTP Metrics Server (Prometheus)
	g.Go(func() error {
		return startMetricsServer(logger, cfg)
	})

	// gRPC API Server
	g.Go(func() error {
		return startGRPCAPIServer(logger, cfg, s)
	})

	// HTTP REST Server
	g.Go(func() error {
		return startHTTPRestServer(logger, cfg, s)
	})

	// Wait for termination signal or an error from one of the services
	select {
	case <-interrupt:
		slog.Warn("received termination signal, starting graceful shutdown")
		cancel()
	case <-ctx.Done():
		slog.Warn("context cancelled, starting graceful shutdown")
	}

	// Graceful Shutdown
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpMetricsServer != nil {
		if err := httpMetricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP metrics server shutdown error", "error", err)
		}
	}
	if httpRestServer != nil {
		if err := httpRestServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP REST server shutdown error", "error", err)
		}
	}
	if grpcHealthServer != nil {
		grpcHealthServer.GracefulStop()
	}
	if grpcAPIServer != nil {
		grpcAPIServer.GracefulStop()
	}

	// Wait for all services in the errgroup to finish
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server group returned an error", "error", err)
		os.Exit(2)
	}
}

// setupServer wires the sources, the colour schemes and the raster service.
func setupServer(cfg Config, logger *slog.Logger, blobs *source.Blob) (*Server, error) {
	web := &source.HTTP{Client: &http.Client{}, MaxBytes: cfg.MaxRasterBytes}
	src, err := newSources(cfg.AllowedSchemes, web, blobs)
	if err != nil {
		return nil, err
	}
	logger.Info("raster sources enabled", "schemes", cfg.AllowedSchemes)

	svcCfg := service.Config{
		TTL:             cfg.CacheTTL,
		MaxSize:         cfg.CacheMaxSize,
		ItemsToPrune:    cfg.CacheItemsToPrune,
		FetchTimeout:    cfg.FetchTimeout,
		WorldFileLookup: cfg.WorldFileLookup,
		Reprojector:     geotiff.DefaultReprojector(),
	}
	if cfg.FallbackBounds != "" {
		b, err := service.ParseBounds(cfg.FallbackBounds)
		if err != nil {
			return nil, fmt.Errorf("invalid FALLBACK_BOUNDS: %w", err)
		}
		svcCfg.FallbackBounds = b
		logger.Info("fallback bounds enabled", "bounds", b.String())
	}

	schemes := colormap.NewRegistry()
	if cfg.ColorSchemesFile != "" {
		n, err := schemes.LoadFile(cfg.ColorSchemesFile)
		if err != nil {
			return nil, err
		}
		logger.Info("color schemes loaded", "file", cfg.ColorSchemesFile, "count", n)
	}

	logger.Info("configuring raster cache", "ttl", cfg.CacheTTL, "max_size", cfg.CacheMaxSize,
		"items_to_prune", cfg.CacheItemsToPrune, "world_file_lookup", cfg.WorldFileLookup)
	return &Server{
		svc:           service.New(src, svcCfg),
		schemes:       schemes,
		defaultBuffer: aoi.MilesToMeters(cfg.DefaultBufferMiles),
	}, nil
}

// newSources builds the scheme dispatcher from the allowed schemes. Requests for
// any other scheme fail with source.ErrUnsupportedScheme.
func newSources(schemes []string, web, blobs source.Source) (source.Mux, error) {
	m := make(source.Mux)
	for _, sc := range schemes {
		sc = strings.ToLower(strings.TrimSpace(sc))
		switch sc {
		case "":
		case "http", "https":
			m[sc] = web
		case "s3", "gs", "azblob", "file", "mem":
			m[sc] = blobs
		default:
			return nil, fmt.Errorf("invalid ALLOWED_SCHEMES: unknown scheme %q", sc)
		}
	}
	if len(m) == 0 {
		return nil, errors.New("invalid ALLOWED_SCHEMES: no scheme enabled")
	}
	return m, nil
}

func startHealthServer(logger *slog.Logger, cfg Config, healthServer *health.Server) error {
	addr := fmt.Sprintf(":%d", cfg.HealthPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC Health server failed to listen: %w", err)
	}

	grpcHealthServer = grpc.NewServer()
	healthpb.RegisterHealthServer(grpcHealthServer, healthServer)
	logger.Info("gRPC health server listening", "address", addr)
	return grpcHealthServer.Serve(lis)
}

func startMetricsServer(logger *slog.Logger, cfg Config) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPMetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	prometheus.MustRegister(grpcMetrics)

	httpMetricsServer = &http.Server{Addr: addr, Handler: mux}
	logger.Info("HTTP metrics server listening", "address", addr)

	if err := httpMetricsServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP metrics server failed: %w", err)
	}
	return nil
}

func newGRPCServer(logger *slog.Logger, s *Server) *grpc.Server {
	lopts := []logging.Option{logging.WithLogOnEvents(logging.StartCall, logging.FinishCall)}
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			logging.UnaryServerInterceptor(
				InterceptorLogger(logger),
				lopts...),
			grpcMetrics.UnaryServerInterceptor(),
		),
	)
	RegisterRasterServiceServer(srv, s)
	return srv
}

func startGRPCAPIServer(logger *slog.Logger, cfg Config, s *Server) error {
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC API server failed to listen: %w", err)
	}

	grpcAPIServer = newGRPCServer(logger, s)
	reflection.Register(grpcAPIServer) // Enable reflection for tools like grpcurl
	grpcMetrics.InitializeMetrics(grpcAPIServer)

	// Set initial health status
	s.healthServer.SetServingStatus(RasterServiceName, healthpb.HealthCheckResponse_SERVING)
	logger.Info("gRPC API server listening", "address", addr)
	return grpcAPIServer.Serve(lis)
}

func startHTTPRestServer(logger *slog.Logger, cfg Config, s *Server) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)

	httpRestServer = &http.Server{Addr: addr, Handler: s.routes()}
	logger.Info("HTTP REST server listening", "address", addr)

	if err := httpRestServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP REST server failed: %w", err)
	}
	return nil
}

func createLogger(cfg Config, appName string) *slog.Logger {
	var programLevel slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		programLevel = slog.LevelDebug
	case "INFO":
		programLevel = slog.LevelInfo
	case "WARN":
		programLevel = slog.LevelWarn
	case "ERROR":
		programLevel = slog.LevelError
	default:
		programLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		// log file output and rotate
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename: cfg.LogFile,
			MaxSize:  128, // megabytes
			MaxAge:   28,  // days
			Compress: true,
		})
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:     programLevel,
		AddSource: programLevel <= slog.LevelDebug,
	}).WithAttrs([]slog.Attr{slog.String("app", appName)})
	return slog.New(handler)
}

func InterceptorLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}
