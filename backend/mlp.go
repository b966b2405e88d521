package backend

import (
	"context"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/fieldlab/traceml/metrics"
	"github.com/fieldlab/traceml/pkg/errors"
)

// MLPClassifier is a single-hidden-layer network trained with full-batch
// gradient descent. With a single-column integer label vector it trains a
// softmax classifier; with a multi-column confidence matrix it trains
// independent sigmoid outputs. It is the engine's epoch-capable backend.
//
// All learned state is held in exported fields so a fitted model gob-encodes
// cleanly for artifact persistence.
type MLPClassifier struct {
	HiddenUnits int
	Seed        int64

	// Learned parameters, row-major.
	W1 []float64 // In x Hidden
	B1 []float64 // Hidden
	W2 []float64 // Hidden x Out
	B2 []float64 // Out

	In, Hidden, Out int
	MultiLabel      bool
	Fitted          bool
}

// MLPOption configures an MLPClassifier.
type MLPOption func(*MLPClassifier)

// WithHiddenUnits sets the hidden layer width.
func WithHiddenUnits(n int) MLPOption {
	return func(m *MLPClassifier) { m.HiddenUnits = n }
}

// WithSeed fixes the weight-initialization seed.
func WithSeed(seed int64) MLPOption {
	return func(m *MLPClassifier) { m.Seed = seed }
}

// NewMLPClassifier creates an unfitted MLP. Defaults: 32 hidden units,
// seed 42.
func NewMLPClassifier(opts ...MLPOption) *MLPClassifier {
	m := &MLPClassifier{HiddenUnits: 32, Seed: 42}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Kind reports the epoch-capable backend family.
func (m *MLPClassifier) Kind() Kind { return KindNeuralNetwork }

// Fit trains the network. For single-label input the class count is taken
// from the maximum label value; at least two classes are required.
func (m *MLPClassifier) Fit(ctx context.Context, X, y *mat.Dense, cfg FitConfig) (History, error) {
	n, d := X.Dims()
	if n == 0 {
		return nil, errors.NewTrainingError("mlp", "fit", errors.ErrEmptyData)
	}
	yr, yc := y.Dims()
	if yr != n {
		return nil, errors.NewDimensionError("MLPClassifier.Fit", n, yr, 0)
	}

	m.MultiLabel = yc > 1
	out := yc
	if !m.MultiLabel {
		maxClass := 0.0
		for i := 0; i < n; i++ {
			maxClass = math.Max(maxClass, y.At(i, 0))
		}
		out = int(maxClass) + 1
		if out < 2 {
			return nil, errors.NewValidationError("labels", "need at least 2 label classes for classification", out)
		}
	}

	epochs := cfg.Epochs
	if epochs <= 0 {
		epochs = 100
	}
	lr := cfg.LearningRate
	if lr <= 0 {
		lr = 0.05
	}

	m.initialize(d, out)

	history := make(History)
	for epoch := 1; epoch <= epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return history, errors.ErrCancelled
		}

		loss := m.step(X, y, lr)
		logs := map[string]float64{"loss": loss}
		m.scoreInto(logs, "", X, y)
		if cfg.ValX != nil {
			if vr, _ := cfg.ValX.Dims(); vr > 0 {
				logs["val_loss"] = m.lossOn(cfg.ValX, cfg.ValY)
				m.scoreInto(logs, "val_", cfg.ValX, cfg.ValY)
			}
		}
		for k, v := range logs {
			history[k] = append(history[k], v)
		}
		if cfg.OnEpochEnd != nil {
			if err := cfg.OnEpochEnd(epoch, logs); err != nil {
				return history, err
			}
		}
	}

	m.Fitted = true
	return history, nil
}

// Predict returns output activations: softmax probabilities per class, or
// per-category sigmoids in multi-label mode.
func (m *MLPClassifier) Predict(X *mat.Dense) (*mat.Dense, error) {
	if !m.Fitted {
		return nil, errors.WithStack(errors.ErrNotFitted)
	}
	n, d := X.Dims()
	if d != m.In {
		return nil, errors.NewDimensionError("MLPClassifier.Predict", m.In, d, 1)
	}
	out := mat.NewDense(n, m.Out, nil)
	hidden := make([]float64, m.Hidden)
	for i := 0; i < n; i++ {
		m.forward(X.RawRowView(i), hidden, out.RawRowView(i))
	}
	return out, nil
}

func (m *MLPClassifier) initialize(in, out int) {
	m.In, m.Hidden, m.Out = in, m.HiddenUnits, out
	rng := rand.New(rand.NewSource(m.Seed))
	scale1 := math.Sqrt(2.0 / float64(in))
	scale2 := math.Sqrt(2.0 / float64(m.Hidden))
	m.W1 = make([]float64, in*m.Hidden)
	m.B1 = make([]float64, m.Hidden)
	m.W2 = make([]float64, m.Hidden*out)
	m.B2 = make([]float64, out)
	for i := range m.W1 {
		m.W1[i] = rng.NormFloat64() * scale1
	}
	for i := range m.W2 {
		m.W2[i] = rng.NormFloat64() * scale2
	}
}

// forward computes one sample's activations. hidden and out are scratch
// buffers of widths Hidden and Out.
func (m *MLPClassifier) forward(x, hidden, out []float64) {
	for h := 0; h < m.Hidden; h++ {
		sum := m.B1[h]
		for j := 0; j < m.In; j++ {
			sum += x[j] * m.W1[j*m.Hidden+h]
		}
		if sum < 0 { // ReLU
			sum = 0
		}
		hidden[h] = sum
	}
	for o := 0; o < m.Out; o++ {
		sum := m.B2[o]
		for h := 0; h < m.Hidden; h++ {
			sum += hidden[h] * m.W2[h*m.Out+o]
		}
		out[o] = sum
	}
	if m.MultiLabel {
		for o := range out {
			out[o] = sigmoid(out[o])
		}
		return
	}
	softmax(out)
}

// step performs one full-batch gradient-descent epoch and returns the mean
// training loss.
func (m *MLPClassifier) step(X, y *mat.Dense, lr float64) float64 {
	n, _ := X.Dims()
	gW1 := make([]float64, len(m.W1))
	gB1 := make([]float64, len(m.B1))
	gW2 := make([]float64, len(m.W2))
	gB2 := make([]float64, len(m.B2))
	hidden := make([]float64, m.Hidden)
	probs := make([]float64, m.Out)
	delta := make([]float64, m.Out)

	totalLoss := 0.0
	for i := 0; i < n; i++ {
		x := X.RawRowView(i)
		m.forward(x, hidden, probs)

		// Output delta: prob - target. For softmax + cross-entropy and for
		// sigmoid + squared-error-ish targets this keeps the update cheap.
		if m.MultiLabel {
			for o := 0; o < m.Out; o++ {
				t := y.At(i, o)
				delta[o] = probs[o] - t
				d := probs[o] - t
				totalLoss += d * d / float64(m.Out)
			}
		} else {
			target := int(y.At(i, 0))
			for o := 0; o < m.Out; o++ {
				t := 0.0
				if o == target {
					t = 1.0
				}
				delta[o] = probs[o] - t
			}
			totalLoss += -math.Log(math.Max(probs[target], 1e-12))
		}

		for o := 0; o < m.Out; o++ {
			gB2[o] += delta[o]
			for h := 0; h < m.Hidden; h++ {
				gW2[h*m.Out+o] += hidden[h] * delta[o]
			}
		}
		for h := 0; h < m.Hidden; h++ {
			if hidden[h] <= 0 {
				continue
			}
			dh := 0.0
			for o := 0; o < m.Out; o++ {
				dh += delta[o] * m.W2[h*m.Out+o]
			}
			gB1[h] += dh
			for j := 0; j < m.In; j++ {
				gW1[j*m.Hidden+h] += x[j] * dh
			}
		}
	}

	inv := lr / float64(n)
	for i := range m.W1 {
		m.W1[i] -= inv * gW1[i]
	}
	for i := range m.B1 {
		m.B1[i] -= inv * gB1[i]
	}
	for i := range m.W2 {
		m.W2[i] -= inv * gW2[i]
	}
	for i := range m.B2 {
		m.B2[i] -= inv * gB2[i]
	}
	return totalLoss / float64(n)
}

// lossOn evaluates without updating weights: cross-entropy in single-label
// mode, mean squared error over all output cells in multi-label mode.
func (m *MLPClassifier) lossOn(X, y *mat.Dense) float64 {
	n, _ := X.Dims()
	if n == 0 {
		return 0
	}
	hidden := make([]float64, m.Hidden)
	probs := make([]float64, m.Out)
	if m.MultiLabel {
		truth := mat.NewVecDense(n*m.Out, nil)
		pred := mat.NewVecDense(n*m.Out, nil)
		for i := 0; i < n; i++ {
			m.forward(X.RawRowView(i), hidden, probs)
			for o := 0; o < m.Out; o++ {
				truth.SetVec(i*m.Out+o, y.At(i, o))
				pred.SetVec(i*m.Out+o, probs[o])
			}
		}
		mse, err := metrics.MSE(truth, pred)
		if err != nil {
			return 0
		}
		return mse
	}
	total := 0.0
	for i := 0; i < n; i++ {
		m.forward(X.RawRowView(i), hidden, probs)
		target := int(y.At(i, 0))
		if target >= 0 && target < m.Out {
			total += -math.Log(math.Max(probs[target], 1e-12))
		}
	}
	return total / float64(n)
}

// scoreInto adds single-label classification scores under the given key
// prefix. Multi-label mode has no class-wise figures and contributes nothing.
func (m *MLPClassifier) scoreInto(logs map[string]float64, prefix string, X, y *mat.Dense) {
	if m.MultiLabel {
		return
	}
	n, _ := X.Dims()
	if n == 0 {
		return
	}
	hidden := make([]float64, m.Hidden)
	probs := make([]float64, m.Out)
	yTrue := mat.NewVecDense(n, nil)
	yPred := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		m.forward(X.RawRowView(i), hidden, probs)
		yTrue.SetVec(i, y.At(i, 0))
		yPred.SetVec(i, float64(argmax(probs)))
	}
	if acc, err := metrics.Accuracy(yTrue, yPred); err == nil {
		logs[prefix+"accuracy"] = acc
	}
	if p, err := metrics.PrecisionWeighted(yTrue, yPred); err == nil {
		logs[prefix+"precision"] = p
	}
	if r, err := metrics.RecallWeighted(yTrue, yPred); err == nil {
		logs[prefix+"recall"] = r
	}
	if f, err := metrics.F1Weighted(yTrue, yPred); err == nil {
		logs[prefix+"f1"] = f
	}
}

func argmax(xs []float64) int {
	best, bestV := 0, math.Inf(-1)
	for i, v := range xs {
		if v > bestV {
			best, bestV = i, v
		}
	}
	return best
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func softmax(xs []float64) {
	maxV := math.Inf(-1)
	for _, v := range xs {
		maxV = math.Max(maxV, v)
	}
	sum := 0.0
	for i, v := range xs {
		xs[i] = math.Exp(v - maxV)
		sum += xs[i]
	}
	for i := range xs {
		xs[i] /= sum
	}
}
