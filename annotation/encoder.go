package annotation

import (
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/fieldlab/traceml/pkg/errors"
)

// Mode selects the label encoding. The single/multi choice is deliberately a
// caller-set parameter: ModeAuto reproduces the legacy dataset-wide
// heuristic (any overlap anywhere switches the whole dataset to a matrix),
// but callers that need a stable label shape pin ModeSingle or ModeMulti.
type Mode int

const (
	// ModeAuto picks multi-label when any pair of annotations overlaps and
	// more than one category exists, single-label otherwise.
	ModeAuto Mode = iota
	// ModeSingle always produces an n x 1 integer-valued label vector.
	ModeSingle
	// ModeMulti always produces an n x K confidence matrix.
	ModeMulti
)

func (m Mode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeMulti:
		return "multi"
	default:
		return "auto"
	}
}

// Encoding is the result of encoding a dataset's annotations.
type Encoding struct {
	// Labels has one row per reading. Single-label: one column holding the
	// class index (0 = unlabeled background, categories map to 1..K).
	// Multi-label: K columns holding the confidence of the last covering
	// annotation per category.
	Labels *mat.Dense

	// MultiLabel reports which shape Labels has.
	MultiLabel bool

	// Classes is the number of distinct label values in play: K+1 for
	// single-label (background included), K for multi-label.
	Classes int
}

// Encoder converts interval annotations into dense per-sample labels.
type Encoder struct {
	mode Mode
}

// NewEncoder creates an Encoder with the given mode.
func NewEncoder(mode Mode) *Encoder {
	return &Encoder{mode: mode}
}

// HasOverlap reports whether any pair of annotations overlaps. With
// annotations sorted by ascending start, an overlap exists iff some
// adjacent pair satisfies End_i >= Start_{i+1}.
func HasOverlap(annotations []Annotation) bool {
	sorted := make([]Annotation, len(annotations))
	copy(sorted, annotations)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	for i := 0; i+1 < len(sorted); i++ {
		if sorted[i].End >= sorted[i+1].Start {
			return true
		}
	}
	return false
}

// Encode builds the label array or matrix for n readings from the given
// annotations, resolved against the project's category list. Annotations
// are applied in ascending start order; inside overlapping ranges the last
// write wins — ties are resolved by annotation order, never by confidence.
// Index ranges are clamped to [0, n-1].
func (e *Encoder) Encode(n int, annotations []Annotation, categories []Category) (*Encoding, error) {
	if n <= 0 {
		return nil, errors.NewValidationError("n", "must be positive", n)
	}

	sorted := make([]Annotation, len(annotations))
	copy(sorted, annotations)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	k := len(categories)
	multi := false
	switch e.mode {
	case ModeMulti:
		multi = true
	case ModeAuto:
		multi = HasOverlap(sorted) && k > 1
	}

	if k == 0 {
		// No label vocabulary: everything stays background.
		return &Encoding{Labels: mat.NewDense(n, 1, nil), Classes: 1}, nil
	}

	if multi {
		labels := mat.NewDense(n, k, nil)
		col := make(map[string]int, k)
		for idx, c := range categories {
			col[c.ID] = idx
		}
		for _, a := range sorted {
			j, ok := col[a.CategoryID]
			if !ok {
				continue
			}
			start, end := clamp(a.Start, a.End, n)
			for i := start; i <= end; i++ {
				// Overwrite, not accumulate: a later annotation for the
				// same category replaces the confidence value.
				labels.Set(i, j, a.Confidence)
			}
		}
		return &Encoding{Labels: labels, MultiLabel: true, Classes: k}, nil
	}

	labels := mat.NewDense(n, 1, nil)
	value := make(map[string]float64, k)
	for idx, c := range categories {
		value[c.ID] = float64(idx + 1)
	}
	for _, a := range sorted {
		v, ok := value[a.CategoryID]
		if !ok {
			continue
		}
		start, end := clamp(a.Start, a.End, n)
		for i := start; i <= end; i++ {
			labels.Set(i, 0, v)
		}
	}
	return &Encoding{Labels: labels, Classes: k + 1}, nil
}

// Covered returns, for n readings, the set of indices covered by at least
// one annotation. The active-learning selector uses the complement.
func Covered(n int, annotations []Annotation) map[int]struct{} {
	covered := make(map[int]struct{})
	for _, a := range annotations {
		start, end := clamp(a.Start, a.End, n)
		if start > end {
			continue
		}
		for i := start; i <= end; i++ {
			covered[i] = struct{}{}
		}
	}
	return covered
}

func clamp(start, end, n int) (int, int) {
	if start < 0 {
		start = 0
	}
	if end > n-1 {
		end = n - 1
	}
	return start, end
}
