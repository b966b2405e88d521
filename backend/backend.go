// Package backend defines the training backends the executor can drive.
//
// Backend selection is explicit: every Trainable reports its Kind, and the
// executor chooses the epoch-callback path or the blocking path from that
// tag. Nothing is inferred from the shape of the model object.
package backend

import (
	"context"

	"gonum.org/v1/gonum/mat"
)

// Kind tags a backend family.
type Kind int

const (
	// KindNeuralNetwork marks epoch-iterating backends that can invoke a
	// per-epoch callback during Fit.
	KindNeuralNetwork Kind = iota
	// KindTreeEnsemble marks backends whose Fit is a single blocking call
	// with no intermediate progress.
	KindTreeEnsemble
)

func (k Kind) String() string {
	switch k {
	case KindNeuralNetwork:
		return "neural_network"
	case KindTreeEnsemble:
		return "tree_ensemble"
	default:
		return "unknown"
	}
}

// History records per-epoch metric series collected during Fit, keyed by
// metric name ("loss", "val_loss", "accuracy", ...).
type History map[string][]float64

// Final returns the last value of a series, or 0 when absent.
func (h History) Final(name string) float64 {
	s := h[name]
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

// EpochFunc is invoked by epoch-capable backends after every epoch with the
// 1-based epoch number and that epoch's metrics. Returning an error aborts
// training; cancellation tokens surface here.
type EpochFunc func(epoch int, logs map[string]float64) error

// FitConfig carries the per-session training configuration into Fit.
type FitConfig struct {
	Epochs       int
	LearningRate float64

	// Validation partition; may be empty.
	ValX *mat.Dense
	ValY *mat.Dense

	// OnEpochEnd is honored by KindNeuralNetwork backends and ignored by
	// blocking backends (the executor synthesizes their progress).
	OnEpochEnd EpochFunc
}

// Trainable is the uniform contract every backend satisfies.
type Trainable interface {
	// Kind identifies the backend family for executor dispatch.
	Kind() Kind

	// Fit trains on X (n x d) against y (n x 1 class indices or n x K
	// confidence matrix; ensemble backends may ignore y). The context is
	// the session's cancellation token; epoch-capable backends must check
	// it at epoch boundaries.
	Fit(ctx context.Context, X, y *mat.Dense, cfg FitConfig) (History, error)

	// Predict returns per-sample outputs: class probabilities (n x K) for
	// classifiers, anomaly scores in [0, 1] (n x 1) for detectors.
	Predict(X *mat.Dense) (*mat.Dense, error)
}
