// Package estimation turns recent wait-time and service-time samples into a
// wait-time prediction: IQR outlier filtering followed by an exponential
// moving average.
package estimation

import (
	"math"
	"sort"
)

const (
	DefaultWindowSize     = 5
	DefaultSmoothingFloor = 1.0
	// MovingAverageWindow is the number of recent samples averaged by MovingAverage.
	MovingAverageWindow = 10
)

// Estimate is a prediction in minutes. The zero value means no data, which is
// distinct from a zero-minute estimate.
type Estimate struct {
	Minutes   int
	Available bool
}

func NoData() Estimate {
	return Estimate{}
}

func Minutes(m int) Estimate {
	return Estimate{Minutes: m, Available: true}
}

// FilterOutliers drops values outside [Q1-1.5*IQR, Q3+1.5*IQR]. Quartiles are
// taken at index floor(n*0.25) and floor(n*0.75) of the sorted samples, with no
// interpolation. Kept values retain their input order.
func FilterOutliers(samples []float64) []float64 {
	if len(samples) == 0 {
		return []float64{}
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	n := float64(len(sorted))
	q1 := sorted[int(math.Floor(n*0.25))]
	q3 := sorted[int(math.Floor(n*0.75))]
	iqr := q3 - q1
	lower, upper := q1-1.5*iqr, q3+1.5*iqr

	kept := make([]float64, 0, len(samples))
	for _, v := range samples {
		if v >= lower && v <= upper {
			kept = append(kept, v)
		}
	}
	return kept
}

// ComputeEMA filters outliers and smooths what is left, most recent sample
// first. The smoothing factor is 2/(n+1), halved for samples below floor so
// near-zero readings do not drag the average down. The second return value is
// false when no samples survive filtering.
func ComputeEMA(samples []float64, floor float64) (int, bool) {
	filtered := FilterOutliers(samples)
	if len(filtered) == 0 {
		return 0, false
	}

	k := 2.0 / float64(len(filtered)+1)
	ema := filtered[0]
	for _, v := range filtered[1:] {
		factor := k
		if v < floor {
			factor = k / 2
		}
		ema = v*factor + ema*(1-factor)
	}
	return int(math.Round(ema)), true
}

// MovingAverage is the rounded simple mean of samples.
func MovingAverage(samples []float64) (int, bool) {
	if len(samples) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, v := range samples {
		sum += v
	}
	return int(math.Round(sum / float64(len(samples)))), true
}

// DetectAnomalies returns the samples greater than 1.5 times the mean.
func DetectAnomalies(samples []float64) []float64 {
	if len(samples) == 0 {
		return nil
	}
	sum := 0.0
	for _, v := range samples {
		sum += v
	}
	threshold := sum / float64(len(samples)) * 1.5

	var anomalies []float64
	for _, v := range samples {
		if v > threshold {
			anomalies = append(anomalies, v)
		}
	}
	return anomalies
}
