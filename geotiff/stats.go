package geotiff

import (
	"fmt"
	"math"
)

// Statistics summarizes the samples of a raster.
type Statistics struct {
	Min, Max, Mean float64
	TotalPixels    int
	ValidCount     int
	NoDataCount    int
	// NaNCount counts NaN and infinite samples, never included in ValidCount.
	NaNCount  int
	ZeroCount int
}

// CollectStatistics computes the statistics of r in a single pass.
// Zero samples are valid and also counted in ZeroCount.
func CollectStatistics(r *Raster) Statistics {
	return collect(r.Samples, r.NoData)
}

func collect(samples []float64, noData *float64) Statistics {
	s := Statistics{TotalPixels: len(samples), Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	for _, v := range samples {
		switch {
		case math.IsNaN(v) || math.IsInf(v, 0):
			s.NaNCount++
			continue
		case noData != nil && v == *noData:
			s.NoDataCount++
			continue
		}
		if v == 0 {
			s.ZeroCount++
		}
		s.ValidCount++
		sum += v
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	if s.ValidCount == 0 {
		s.Min, s.Max = 0, 0
		return s
	}
	s.Mean = sum / float64(s.ValidCount)
	return s
}

// Err returns ErrEmptyRaster when no sample is valid.
func (s Statistics) Err() error {
	if s.ValidCount == 0 {
		return fmt.Errorf("%w: %d pixels, %d no-data, %d non finite", ErrEmptyRaster, s.TotalPixels, s.NoDataCount, s.NaNCount)
	}
	return nil
}
