package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/fieldlab/traceml/pkg/errors"
)

// twoBlobs builds a linearly separable 2D problem.
func twoBlobs() (*mat.Dense, *mat.Dense) {
	n := 40
	X := mat.NewDense(n, 2, nil)
	y := mat.NewDense(n, 1, nil)
	for i := 0; i < n/2; i++ {
		X.Set(i, 0, -2+0.05*float64(i))
		X.Set(i, 1, -2)
	}
	for i := n / 2; i < n; i++ {
		X.Set(i, 0, 2+0.05*float64(i-n/2))
		X.Set(i, 1, 2)
		y.Set(i, 0, 1)
	}
	return X, y
}

func TestMLPLearnsSeparableData(t *testing.T) {
	X, y := twoBlobs()
	m := NewMLPClassifier(WithHiddenUnits(8), WithSeed(7))

	history, err := m.Fit(context.Background(), X, y, FitConfig{Epochs: 300, LearningRate: 0.5})
	require.NoError(t, err)
	require.True(t, m.Fitted)
	assert.Equal(t, KindNeuralNetwork, m.Kind())

	require.Len(t, history["loss"], 300)
	assert.Less(t, history.Final("loss"), history["loss"][0])
	assert.Greater(t, history.Final("accuracy"), 0.9)

	// Class-weighted scores are tracked alongside accuracy each epoch.
	require.Len(t, history["precision"], 300)
	require.Len(t, history["recall"], 300)
	require.Len(t, history["f1"], 300)
	assert.Greater(t, history.Final("f1"), 0.9)

	probs, err := m.Predict(X)
	require.NoError(t, err)
	r, c := probs.Dims()
	assert.Equal(t, 40, r)
	assert.Equal(t, 2, c)
	assert.Greater(t, probs.At(39, 1), probs.At(39, 0))
	assert.Greater(t, probs.At(0, 0), probs.At(0, 1))
}

func TestMLPEpochCallback(t *testing.T) {
	X, y := twoBlobs()
	m := NewMLPClassifier(WithHiddenUnits(4))

	var epochs []int
	cfg := FitConfig{
		Epochs:       10,
		LearningRate: 0.1,
		OnEpochEnd: func(epoch int, logs map[string]float64) error {
			epochs = append(epochs, epoch)
			assert.Contains(t, logs, "loss")
			return nil
		},
	}
	_, err := m.Fit(context.Background(), X, y, cfg)
	require.NoError(t, err)

	require.Len(t, epochs, 10)
	assert.Equal(t, 1, epochs[0])
	assert.Equal(t, 10, epochs[9])
}

func TestMLPCallbackErrorAborts(t *testing.T) {
	X, y := twoBlobs()
	m := NewMLPClassifier()

	boom := errors.New("stop")
	_, err := m.Fit(context.Background(), X, y, FitConfig{
		Epochs: 50,
		OnEpochEnd: func(epoch int, _ map[string]float64) error {
			if epoch == 3 {
				return boom
			}
			return nil
		},
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, m.Fitted)
}

func TestMLPCancellation(t *testing.T) {
	X, y := twoBlobs()
	m := NewMLPClassifier()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Fit(ctx, X, y, FitConfig{Epochs: 100})
	assert.ErrorIs(t, err, errors.ErrCancelled)
}

func TestMLPValidationMetrics(t *testing.T) {
	X, y := twoBlobs()
	m := NewMLPClassifier(WithHiddenUnits(8))

	history, err := m.Fit(context.Background(), X, y, FitConfig{
		Epochs:       5,
		LearningRate: 0.1,
		ValX:         X,
		ValY:         y,
	})
	require.NoError(t, err)
	assert.Len(t, history["val_loss"], 5)
	assert.Len(t, history["val_accuracy"], 5)
	assert.Len(t, history["val_precision"], 5)
	assert.Len(t, history["val_recall"], 5)
	assert.Len(t, history["val_f1"], 5)
}

func TestMLPMultiLabel(t *testing.T) {
	X, _ := twoBlobs()
	y := mat.NewDense(40, 3, nil)
	for i := 20; i < 40; i++ {
		y.Set(i, 0, 0.9)
		y.Set(i, 2, 0.4)
	}

	m := NewMLPClassifier(WithHiddenUnits(4))
	history, err := m.Fit(context.Background(), X, y, FitConfig{Epochs: 20, LearningRate: 0.1})
	require.NoError(t, err)
	assert.True(t, m.MultiLabel)
	assert.NotContains(t, history, "accuracy")
	assert.NotContains(t, history, "f1")

	probs, err := m.Predict(X)
	require.NoError(t, err)
	_, c := probs.Dims()
	assert.Equal(t, 3, c)
	for j := 0; j < 3; j++ {
		v := probs.At(0, j)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestMLPInputValidation(t *testing.T) {
	m := NewMLPClassifier()

	_, err := m.Fit(context.Background(), mat.NewDense(1, 1, nil), mat.NewDense(1, 1, nil), FitConfig{})
	assert.Error(t, err, "single class must be rejected")

	_, err = m.Predict(mat.NewDense(2, 2, nil))
	assert.ErrorIs(t, err, errors.ErrNotFitted)

	X, _ := twoBlobs()
	_, err = m.Fit(context.Background(), X, mat.NewDense(10, 1, nil), FitConfig{})
	assert.Error(t, err, "label row count must match sample count")
}
