package estimation

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterOutliers_DropsValuesOutsideIQRFence(t *testing.T) {
	got := FilterOutliers([]float64{10, 12, 11, 13, 100})
	assert.Equal(t, []float64{10, 12, 11, 13}, got)
}

func TestFilterOutliers_Empty(t *testing.T) {
	assert.Empty(t, FilterOutliers(nil))
	assert.Empty(t, FilterOutliers([]float64{}))
}

func TestFilterOutliers_NeverReturnsValueOutsideInputFence(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		n := 1 + rng.Intn(12)
		samples := make([]float64, n)
		for i := range samples {
			samples[i] = rng.ExpFloat64() * 20
		}

		sorted := append([]float64(nil), samples...)
		sort.Float64s(sorted)
		q1 := sorted[int(math.Floor(float64(n)*0.25))]
		q3 := sorted[int(math.Floor(float64(n)*0.75))]
		iqr := q3 - q1

		for _, v := range FilterOutliers(samples) {
			if v < q1-1.5*iqr || v > q3+1.5*iqr {
				t.Fatalf("trial %d: %v outside [%v, %v] for %v", trial, v, q1-1.5*iqr, q3+1.5*iqr, samples)
			}
		}
	}
}

func TestComputeEMA_SingleSample_ReturnsItRounded(t *testing.T) {
	got, ok := ComputeEMA([]float64{7.4}, DefaultSmoothingFloor)
	assert.True(t, ok)
	assert.Equal(t, 7, got)
}

func TestComputeEMA_Empty_NoData(t *testing.T) {
	_, ok := ComputeEMA(nil, DefaultSmoothingFloor)
	assert.False(t, ok)
}

func TestComputeEMA_DescendingWindow(t *testing.T) {
	// GIVEN wait times [50,40,30,20,10], most recent first, no outliers
	// WHEN smoothing with k = 2/6 seeded from 50
	// THEN 50 -> 46.67 -> 41.11 -> 34.07 -> 26.05
	got, ok := ComputeEMA([]float64{50, 40, 30, 20, 10}, DefaultSmoothingFloor)
	assert.True(t, ok)
	assert.Equal(t, 26, got)
}

func TestComputeEMA_LowSamplesAreDampened(t *testing.T) {
	dampened, _ := ComputeEMA([]float64{5, 0.2}, 1)
	undampened, _ := ComputeEMA([]float64{5, 0.2}, 0)

	assert.Equal(t, 3, dampened)
	assert.Equal(t, 2, undampened)
}

func TestMovingAverage(t *testing.T) {
	got, ok := MovingAverage([]float64{50, 40, 30, 20, 10})
	assert.True(t, ok)
	assert.Equal(t, 30, got)

	_, ok = MovingAverage(nil)
	assert.False(t, ok)
}

func TestDetectAnomalies(t *testing.T) {
	assert.Equal(t, []float64{40}, DetectAnomalies([]float64{10, 12, 8, 40}))
	assert.Nil(t, DetectAnomalies([]float64{10, 10, 10}))
	assert.Nil(t, DetectAnomalies(nil))
}
