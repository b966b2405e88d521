package dataset

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func makeReadings(n int) []Reading {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	readings := make([]Reading, n)
	for i := range readings {
		readings[i] = Reading{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Bx:        float64(i),
			By:        float64(i) * 0.5,
			Bz:        -float64(i),
			ThetaX:    0.1,
			Lat:       52.0,
			Lon:       13.4,
			Altitude:  100,
		}
	}
	return readings
}

func TestFeatureVector(t *testing.T) {
	r := Reading{Bx: 3, By: 0, Bz: 4, ThetaX: 1, ThetaY: 2, ThetaZ: 3, Lat: 52, Lon: 13, Altitude: 80}
	dst := make([]float64, NumFeatures)
	featureVector(r, dst)

	assert.Equal(t, 3.0, dst[0])
	assert.Equal(t, 0.0, dst[1])
	assert.Equal(t, 4.0, dst[2])
	assert.InDelta(t, 5.0, dst[3], 1e-12)
	assert.InDelta(t, 0.6, dst[4], 1e-12)
	assert.InDelta(t, 0.8, dst[6], 1e-12)
	assert.InDelta(t, math.Atan2(4, 3), dst[7], 1e-12)
	assert.InDelta(t, math.Atan2(0, 3), dst[8], 1e-12)
	assert.Equal(t, 1.0, dst[9])
	assert.Equal(t, 52.0, dst[12])
	assert.Equal(t, 80.0, dst[14])
}

func TestFeatureVectorZeroField(t *testing.T) {
	dst := make([]float64, NumFeatures)
	featureVector(Reading{}, dst)

	// Zero magnitude must not divide: normalized components stay zero.
	assert.Equal(t, 0.0, dst[3])
	assert.Equal(t, 0.0, dst[4])
	assert.Equal(t, 0.0, dst[5])
	assert.Equal(t, 0.0, dst[6])
}

func TestFeaturesShape(t *testing.T) {
	a := NewAssembler()
	X, err := a.Features(makeReadings(50))
	require.NoError(t, err)
	r, c := X.Dims()
	assert.Equal(t, 50, r)
	assert.Equal(t, NumFeatures, c)

	_, err = a.Features(nil)
	assert.Error(t, err)
}

func TestWindowedShapeAndStats(t *testing.T) {
	X := mat.NewDense(5, 1, []float64{1, 2, 3, 4, 5})
	out := windowed(X, 2)

	r, c := out.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, windowStats, c)

	// First output row: current=3 over window [1, 2].
	assert.Equal(t, 3.0, out.At(0, 0))
	assert.InDelta(t, 1.5, out.At(0, 1), 1e-12)
	assert.InDelta(t, 0.5, out.At(0, 2), 1e-12)
	assert.Equal(t, 1.0, out.At(0, 3))
	assert.Equal(t, 2.0, out.At(0, 4))
	assert.InDelta(t, 1.5, out.At(0, 5), 1e-12)
}

func TestWindowedTooFewRows(t *testing.T) {
	X := mat.NewDense(3, 2, nil)
	out := windowed(X, 5)
	r, c := out.Dims()
	assert.Equal(t, 0, r)
	assert.Equal(t, 2*windowStats, c)
}

func TestBuildSplitsTrailingValidation(t *testing.T) {
	readings := makeReadings(100)
	labels := mat.NewDense(100, 1, nil)
	for i := 0; i < 100; i++ {
		labels.Set(i, 0, float64(i%2))
	}

	a := NewAssembler(WithValidationSplit(0.2), WithStandardize(false))
	set, err := a.Build(Block{Readings: readings, Labels: labels})
	require.NoError(t, err)

	tr, _ := set.TrainX.Dims()
	vr, _ := set.ValX.Dims()
	assert.Equal(t, 80, tr)
	assert.Equal(t, 20, vr)

	tyr, _ := set.TrainY.Dims()
	vyr, _ := set.ValY.Dims()
	assert.Equal(t, 80, tyr)
	assert.Equal(t, 20, vyr)

	// No shuffling: validation rows are the chronological tail.
	assert.Equal(t, float64(80), set.ValX.At(0, 0))
}

func TestBuildWindowShiftsLabels(t *testing.T) {
	readings := makeReadings(20)
	labels := mat.NewDense(20, 1, nil)
	for i := 0; i < 20; i++ {
		labels.Set(i, 0, float64(i))
	}

	a := NewAssembler(WithWindowSize(5), WithValidationSplit(0), WithStandardize(false))
	set, err := a.Build(Block{Readings: readings, Labels: labels})
	require.NoError(t, err)

	r, c := set.TrainX.Dims()
	assert.Equal(t, 15, r)
	assert.Equal(t, NumFeatures*windowStats, c)

	// Labels shift in lock-step with the lost window prefix.
	yr, _ := set.TrainY.Dims()
	require.Equal(t, 15, yr)
	assert.Equal(t, 5.0, set.TrainY.At(0, 0))
	assert.Equal(t, 19.0, set.TrainY.At(14, 0))
}

func TestBuildConcatenatesBlocks(t *testing.T) {
	r1 := makeReadings(30)
	r2 := makeReadings(20)
	l1 := mat.NewDense(30, 1, nil)
	l2 := mat.NewDense(20, 1, nil)

	a := NewAssembler(WithValidationSplit(0), WithStandardize(false))
	set, err := a.Build(Block{Readings: r1, Labels: l1}, Block{Readings: r2, Labels: l2})
	require.NoError(t, err)

	rows, _ := set.TrainX.Dims()
	assert.Equal(t, 50, rows)
}

func TestBuildLabelRowMismatch(t *testing.T) {
	a := NewAssembler()
	_, err := a.Build(Block{Readings: makeReadings(10), Labels: mat.NewDense(7, 1, nil)})
	assert.Error(t, err)
}

func TestBuildStandardizes(t *testing.T) {
	a := NewAssembler(WithValidationSplit(0.2), WithStandardize(true))
	set, err := a.Build(Block{Readings: makeReadings(100)})
	require.NoError(t, err)

	require.Len(t, set.Mean, NumFeatures)
	require.Len(t, set.Scale, NumFeatures)

	// Training columns are centered; constant columns are left at scale 1.
	r, _ := set.TrainX.Dims()
	sum := 0.0
	for i := 0; i < r; i++ {
		sum += set.TrainX.At(i, 0)
	}
	assert.InDelta(t, 0.0, sum/float64(r), 1e-9)

	latIdx := 12
	assert.Equal(t, 1.0, set.Scale[latIdx])
}

func TestApplyScaling(t *testing.T) {
	X := mat.NewDense(2, 2, []float64{10, 0, 20, 0})
	require.NoError(t, ApplyScaling(X, []float64{15, 0}, []float64{5, 1}))
	assert.Equal(t, -1.0, X.At(0, 0))
	assert.Equal(t, 1.0, X.At(1, 0))

	assert.Error(t, ApplyScaling(X, []float64{1}, []float64{1}))
}

func TestStoreSortsReadings(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	d := &Dataset{
		ID: "d1",
		Readings: []Reading{
			{Timestamp: base.Add(2 * time.Second), Bx: 2},
			{Timestamp: base, Bx: 0},
			{Timestamp: base.Add(time.Second), Bx: 1},
		},
	}
	s := NewStore()
	require.NoError(t, s.Add(d))

	got, err := s.Get("d1")
	require.NoError(t, err)
	assert.True(t, got.Processed)
	assert.Equal(t, 0.0, got.Readings[0].Bx)
	assert.Equal(t, 2.0, got.Readings[2].Bx)

	_, err = s.Get("missing")
	assert.Error(t, err)
}
