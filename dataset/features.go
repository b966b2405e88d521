package dataset

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/fieldlab/traceml/pkg/errors"
	"github.com/fieldlab/traceml/pkg/parallel"
)

// NumFeatures is the width of the per-reading feature vector: raw field
// components, magnitude, normalized components, angular features,
// orientation and location.
const NumFeatures = 15

// windowStats is the number of statistics concatenated per base feature in
// sliding-window mode: current, mean, std, min, max, trend.
const windowStats = 6

// Block pairs one dataset's readings with the label array or matrix derived
// from its annotations. Labels must have exactly one row per reading.
type Block struct {
	Readings []Reading
	Labels   *mat.Dense
}

// TrainingSet is the output of assembly: standardized train/validation
// partitions plus the fitted scaling statistics, which are persisted with
// the model so inference applies the identical transform.
type TrainingSet struct {
	TrainX *mat.Dense
	TrainY *mat.Dense
	ValX   *mat.Dense
	ValY   *mat.Dense

	Mean  []float64
	Scale []float64
}

// AssemblyConfig controls feature assembly.
type AssemblyConfig struct {
	// WindowSize enables sliding-window statistics when > 0. Each dataset
	// loses its first WindowSize samples; labels shift identically.
	WindowSize int

	// ValidationSplit is the trailing fraction of the combined,
	// time-ordered sample set held out for validation. No shuffling: the
	// validation partition is always strictly later than training data,
	// preserving temporal causality.
	ValidationSplit float64

	// Standardize fits mean/std on the training partition and applies the
	// transform to both partitions.
	Standardize bool
}

// AssemblyOption mutates an AssemblyConfig.
type AssemblyOption func(*AssemblyConfig)

// WithWindowSize enables sliding-window statistics over the preceding w
// samples.
func WithWindowSize(w int) AssemblyOption {
	return func(c *AssemblyConfig) { c.WindowSize = w }
}

// WithValidationSplit sets the trailing validation fraction.
func WithValidationSplit(frac float64) AssemblyOption {
	return func(c *AssemblyConfig) { c.ValidationSplit = frac }
}

// WithStandardize toggles feature standardization.
func WithStandardize(on bool) AssemblyOption {
	return func(c *AssemblyConfig) { c.Standardize = on }
}

// Assembler builds feature matrices from raw readings.
type Assembler struct {
	cfg AssemblyConfig
}

// NewAssembler creates an Assembler. Defaults: no windowing, 0.2 validation
// split, standardization on.
func NewAssembler(opts ...AssemblyOption) *Assembler {
	cfg := AssemblyConfig{ValidationSplit: 0.2, Standardize: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Assembler{cfg: cfg}
}

// Config returns the assembler's configuration.
func (a *Assembler) Config() AssemblyConfig { return a.cfg }

// featureVector writes the 15 base features for r into dst.
func featureVector(r Reading, dst []float64) {
	magnitude := math.Sqrt(r.Bx*r.Bx + r.By*r.By + r.Bz*r.Bz)
	nx, ny, nz := 0.0, 0.0, 0.0
	if magnitude > 0 {
		nx = r.Bx / magnitude
		ny = r.By / magnitude
		nz = r.Bz / magnitude
	}
	inclination := math.Atan2(r.Bz, math.Hypot(r.Bx, r.By))
	declination := math.Atan2(r.By, r.Bx)

	dst[0], dst[1], dst[2] = r.Bx, r.By, r.Bz
	dst[3] = magnitude
	dst[4], dst[5], dst[6] = nx, ny, nz
	dst[7], dst[8] = inclination, declination
	dst[9], dst[10], dst[11] = r.ThetaX, r.ThetaY, r.ThetaZ
	dst[12], dst[13] = r.Lat, r.Lon
	dst[14] = r.Altitude
}

// Features converts readings to an n x NumFeatures matrix.
func (a *Assembler) Features(readings []Reading) (*mat.Dense, error) {
	n := len(readings)
	if n == 0 {
		return nil, errors.Wrap(errors.ErrEmptyData, "assemble features")
	}
	X := mat.NewDense(n, NumFeatures, nil)
	parallel.ForRange(n, func(start, end int) {
		for i := start; i < end; i++ {
			featureVector(readings[i], X.RawRowView(i))
		}
	})
	return X, nil
}

// windowed derives sliding-window statistics: for every index >= w the row
// becomes [current, mean, std, min, max, current-mean] over the preceding w
// samples. The result has w fewer rows than the input.
func windowed(X *mat.Dense, w int) *mat.Dense {
	n, c := X.Dims()
	if n <= w {
		return mat.NewDense(0, c*windowStats, nil)
	}
	out := mat.NewDense(n-w, c*windowStats, nil)
	parallel.ForRange(n-w, func(start, end int) {
		for i := start; i < end; i++ {
			cur := X.RawRowView(i + w)
			row := out.RawRowView(i)
			for j := 0; j < c; j++ {
				mean, sumSq := 0.0, 0.0
				lo, hi := math.Inf(1), math.Inf(-1)
				for k := i; k < i+w; k++ {
					v := X.At(k, j)
					mean += v
					sumSq += v * v
					lo = math.Min(lo, v)
					hi = math.Max(hi, v)
				}
				mean /= float64(w)
				variance := sumSq/float64(w) - mean*mean
				if variance < 0 {
					variance = 0
				}
				row[j] = cur[j]
				row[c+j] = mean
				row[2*c+j] = math.Sqrt(variance)
				row[3*c+j] = lo
				row[4*c+j] = hi
				row[5*c+j] = cur[j] - mean
			}
		}
	})
	return out
}

// Build assembles one or more dataset blocks into a TrainingSet. Blocks are
// vertically concatenated in argument order with labels in lock-step; the
// trailing ValidationSplit fraction of the combined set becomes validation
// data.
func (a *Assembler) Build(blocks ...Block) (*TrainingSet, error) {
	if len(blocks) == 0 {
		return nil, errors.NewValidationError("blocks", "at least one dataset is required", nil)
	}

	var xs []*mat.Dense
	var ys []*mat.Dense
	labelCols := 0
	for _, b := range blocks {
		if len(b.Readings) == 0 {
			continue
		}
		X, err := a.Features(b.Readings)
		if err != nil {
			return nil, err
		}
		Y := b.Labels
		if Y != nil {
			yr, yc := Y.Dims()
			if yr != len(b.Readings) {
				return nil, errors.NewDimensionError("Assembler.Build", len(b.Readings), yr, 0)
			}
			if labelCols == 0 {
				labelCols = yc
			} else if labelCols != yc {
				return nil, errors.NewDimensionError("Assembler.Build", labelCols, yc, 1)
			}
		}
		if w := a.cfg.WindowSize; w > 0 {
			X = windowed(X, w)
			if r, _ := X.Dims(); r == 0 {
				continue
			}
			if Y != nil {
				yr, yc := Y.Dims()
				Y = Y.Slice(w, yr, 0, yc).(*mat.Dense)
			}
		}
		xs = append(xs, X)
		ys = append(ys, Y)
	}
	if len(xs) == 0 {
		return nil, errors.Wrap(errors.ErrEmptyData, "no data found in any dataset")
	}

	X := vstack(xs)
	var Y *mat.Dense
	if labelCols > 0 {
		Y = vstack(ys)
	}

	n, _ := X.Dims()
	splitIdx := n - int(float64(n)*a.cfg.ValidationSplit)
	if splitIdx <= 0 || splitIdx > n {
		splitIdx = n
	}

	set := &TrainingSet{
		TrainX: sliceRows(X, 0, splitIdx),
		ValX:   sliceRows(X, splitIdx, n),
	}
	if Y != nil {
		set.TrainY = sliceRows(Y, 0, splitIdx)
		set.ValY = sliceRows(Y, splitIdx, n)
	}

	if a.cfg.Standardize {
		set.Mean, set.Scale = fitScaling(set.TrainX)
		applyScaling(set.TrainX, set.Mean, set.Scale)
		applyScaling(set.ValX, set.Mean, set.Scale)
	}
	return set, nil
}

// vstack concatenates matrices vertically. All inputs share a column count.
func vstack(ms []*mat.Dense) *mat.Dense {
	total, cols := 0, 0
	for _, m := range ms {
		if m == nil {
			continue
		}
		r, c := m.Dims()
		total += r
		cols = c
	}
	out := mat.NewDense(total, cols, nil)
	row := 0
	for _, m := range ms {
		if m == nil {
			continue
		}
		r, _ := m.Dims()
		for i := 0; i < r; i++ {
			out.SetRow(row, m.RawRowView(i))
			row++
		}
	}
	return out
}

func sliceRows(m *mat.Dense, from, to int) *mat.Dense {
	_, c := m.Dims()
	if from >= to {
		return mat.NewDense(0, c, nil)
	}
	return mat.DenseCopyOf(m.Slice(from, to, 0, c))
}

// fitScaling computes per-column mean and standard deviation, guarding the
// zero-variance case so scaling never divides by zero.
func fitScaling(X *mat.Dense) (mean, scale []float64) {
	r, c := X.Dims()
	mean = make([]float64, c)
	scale = make([]float64, c)
	if r == 0 {
		for j := range scale {
			scale[j] = 1
		}
		return mean, scale
	}
	for j := 0; j < c; j++ {
		sum := 0.0
		for i := 0; i < r; i++ {
			sum += X.At(i, j)
		}
		mean[j] = sum / float64(r)

		sumSq := 0.0
		for i := 0; i < r; i++ {
			d := X.At(i, j) - mean[j]
			sumSq += d * d
		}
		scale[j] = math.Sqrt(sumSq / float64(r))
		if scale[j] < 1e-8 {
			scale[j] = 1
		}
	}
	return mean, scale
}

func applyScaling(X *mat.Dense, mean, scale []float64) {
	r, c := X.Dims()
	for i := 0; i < r; i++ {
		row := X.RawRowView(i)
		for j := 0; j < c; j++ {
			row[j] = (row[j] - mean[j]) / scale[j]
		}
	}
}

// ApplyScaling standardizes X in place with previously fitted statistics.
// Used at inference time so predictions see the training-time transform.
func ApplyScaling(X *mat.Dense, mean, scale []float64) error {
	_, c := X.Dims()
	if len(mean) != c || len(scale) != c {
		return errors.NewDimensionError("ApplyScaling", len(mean), c, 1)
	}
	applyScaling(X, mean, scale)
	return nil
}
