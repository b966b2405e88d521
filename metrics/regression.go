package metrics

import (
	"gonum.org/v1/gonum/mat"

	"github.com/fieldlab/traceml/pkg/errors"
)

// MSE returns the mean squared error between two vectors. Autoencoder-style
// backends report it as their reconstruction loss.
func MSE(yTrue, yPred *mat.VecDense) (float64, error) {
	n := yTrue.Len()
	if n == 0 {
		return 0, errors.Wrap(errors.ErrEmptyData, "mse")
	}
	if yPred.Len() != n {
		return 0, errors.NewDimensionError("MSE", n, yPred.Len(), 0)
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		d := yTrue.AtVec(i) - yPred.AtVec(i)
		sum += d * d
	}
	return sum / float64(n), nil
}
