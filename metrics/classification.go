// Package metrics implements the evaluation metrics backends report in
// training histories and final session metrics.
package metrics

import (
	"gonum.org/v1/gonum/mat"

	"github.com/fieldlab/traceml/pkg/errors"
)

// Accuracy returns the fraction of exactly matching labels.
func Accuracy(yTrue, yPred *mat.VecDense) (float64, error) {
	n := yTrue.Len()
	if n == 0 {
		return 0, errors.Wrap(errors.ErrEmptyData, "accuracy")
	}
	if yPred.Len() != n {
		return 0, errors.NewDimensionError("Accuracy", n, yPred.Len(), 0)
	}
	correct := 0
	for i := 0; i < n; i++ {
		if yTrue.AtVec(i) == yPred.AtVec(i) {
			correct++
		}
	}
	return float64(correct) / float64(n), nil
}

// confusion tallies per-class true positives, false positives and false
// negatives.
type confusion struct {
	tp, fp, fn map[float64]int
	support    map[float64]int
	classes    []float64
	total      int
}

func tally(yTrue, yPred *mat.VecDense) (*confusion, error) {
	n := yTrue.Len()
	if n == 0 {
		return nil, errors.Wrap(errors.ErrEmptyData, "classification metrics")
	}
	if yPred.Len() != n {
		return nil, errors.NewDimensionError("metrics", n, yPred.Len(), 0)
	}
	c := &confusion{
		tp:      make(map[float64]int),
		fp:      make(map[float64]int),
		fn:      make(map[float64]int),
		support: make(map[float64]int),
		total:   n,
	}
	seen := make(map[float64]bool)
	for i := 0; i < n; i++ {
		t, p := yTrue.AtVec(i), yPred.AtVec(i)
		if !seen[t] {
			seen[t] = true
			c.classes = append(c.classes, t)
		}
		c.support[t]++
		if t == p {
			c.tp[t]++
		} else {
			c.fn[t]++
			c.fp[p]++
		}
	}
	return c, nil
}

// PrecisionWeighted returns support-weighted precision. Classes with no
// predicted samples contribute zero.
func PrecisionWeighted(yTrue, yPred *mat.VecDense) (float64, error) {
	c, err := tally(yTrue, yPred)
	if err != nil {
		return 0, err
	}
	sum := 0.0
	for _, cls := range c.classes {
		denom := c.tp[cls] + c.fp[cls]
		if denom == 0 {
			continue
		}
		p := float64(c.tp[cls]) / float64(denom)
		sum += p * float64(c.support[cls])
	}
	return sum / float64(c.total), nil
}

// RecallWeighted returns support-weighted recall.
func RecallWeighted(yTrue, yPred *mat.VecDense) (float64, error) {
	c, err := tally(yTrue, yPred)
	if err != nil {
		return 0, err
	}
	sum := 0.0
	for _, cls := range c.classes {
		denom := c.tp[cls] + c.fn[cls]
		if denom == 0 {
			continue
		}
		r := float64(c.tp[cls]) / float64(denom)
		sum += r * float64(c.support[cls])
	}
	return sum / float64(c.total), nil
}

// F1Weighted returns the support-weighted harmonic mean of per-class
// precision and recall.
func F1Weighted(yTrue, yPred *mat.VecDense) (float64, error) {
	c, err := tally(yTrue, yPred)
	if err != nil {
		return 0, err
	}
	sum := 0.0
	for _, cls := range c.classes {
		pd := c.tp[cls] + c.fp[cls]
		rd := c.tp[cls] + c.fn[cls]
		if pd == 0 || rd == 0 {
			continue
		}
		p := float64(c.tp[cls]) / float64(pd)
		r := float64(c.tp[cls]) / float64(rd)
		if p+r == 0 {
			continue
		}
		f1 := 2 * p * r / (p + r)
		sum += f1 * float64(c.support[cls])
	}
	return sum / float64(c.total), nil
}
