package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gtiffview_fetches_total",
		Help: "The total number of raster retrievals by outcome",
	}, []string{"outcome"})
	fetchedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gtiffview_fetched_bytes_total",
		Help: "The total number of raster bytes retrieved",
	})
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gtiffview_cache_hits_total",
		Help: "The total number of hits on the raster cache",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gtiffview_cache_misses_total",
		Help: "The total number of misses on the raster cache",
	})
	sharedLoads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gtiffview_shared_loads_total",
		Help: "The total number of loads that joined an in-flight retrieval",
	})
	degradedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gtiffview_degraded_georeference_total",
		Help: "The total number of rasters served with fallback bounds",
	})
	decodeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gtiffview_decode_duration_seconds",
		Help:    "Time spent validating, decoding and georeferencing a raster",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.3, 0.6, 1, 3},
	})
)
