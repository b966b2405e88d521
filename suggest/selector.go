package suggest

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/fieldlab/traceml/annotation"
	"github.com/fieldlab/traceml/dataset"
	"github.com/fieldlab/traceml/pkg/errors"
	"github.com/fieldlab/traceml/training"
)

// DefaultNumSuggestions bounds one generation round.
const DefaultNumSuggestions = 10

// Uncertainty bands. Anomaly scores inside (anomalyLow, anomalyHigh) are
// ambiguous; classifier predictions below classifyMax lack confidence.
const (
	anomalyLow  = 0.3
	anomalyHigh = 0.7
	classifyMax = 0.8
)

// Selector generates uncertainty-ranked suggestions from persisted model
// artifacts and materializes reviewer decisions as annotations.
type Selector struct {
	datasets    *dataset.Store
	annotations *annotation.Store
	artifacts   *training.ArtifactStore
	store       *Store
}

// NewSelector wires a Selector to its stores.
func NewSelector(datasets *dataset.Store, annotations *annotation.Store, artifacts *training.ArtifactStore, store *Store) *Selector {
	return &Selector{
		datasets:    datasets,
		annotations: annotations,
		artifacts:   artifacts,
		store:       store,
	}
}

// candidate is an unlabeled index with its prediction.
type candidate struct {
	index       int
	label       string
	categoryID  string
	confidence  float64
	uncertainty float64
}

// Generate runs the artifact of sessionID over the unlabeled readings of a
// dataset and stores the n most uncertain predictions as pending
// suggestions. n defaults to DefaultNumSuggestions.
func (sel *Selector) Generate(datasetID, sessionID string, n int) ([]*Suggestion, error) {
	if n <= 0 {
		n = DefaultNumSuggestions
	}
	ds, err := sel.datasets.Get(datasetID)
	if err != nil {
		return nil, err
	}
	art, err := sel.artifacts.Load(sessionID)
	if err != nil {
		return nil, err
	}
	if art.WindowSize > 0 {
		return nil, errors.NewValidationError("session",
			"windowed models cannot score individual readings", sessionID)
	}

	total := ds.TotalRecords()
	covered := annotation.Covered(total, sel.annotations.ForDataset(datasetID))
	var indices []int
	for i := 0; i < total; i++ {
		if _, ok := covered[i]; !ok {
			indices = append(indices, i)
		}
	}
	if len(indices) == 0 {
		return nil, nil
	}

	asm := dataset.NewAssembler(dataset.WithStandardize(false))
	X, err := asm.Features(ds.Readings)
	if err != nil {
		return nil, err
	}
	sub := mat.NewDense(len(indices), dataset.NumFeatures, nil)
	for row, i := range indices {
		sub.SetRow(row, X.RawRowView(i))
	}
	if len(art.Mean) > 0 {
		if err := dataset.ApplyScaling(sub, art.Mean, art.Scale); err != nil {
			return nil, err
		}
	}

	preds, err := art.Model.Predict(sub)
	if err != nil {
		return nil, err
	}

	categories := sel.annotations.Categories(ds.ProjectID)
	var candidates []candidate
	if art.ModelType == "anomaly_detection" {
		candidates = anomalyCandidates(indices, preds)
	} else {
		candidates = classifyCandidates(indices, preds, categories, art.MultiLabel)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].uncertainty < candidates[j].uncertainty
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}

	suggestions := make([]*Suggestion, len(candidates))
	for i, c := range candidates {
		s := &Suggestion{
			ID:         uuid.NewString(),
			DatasetID:  datasetID,
			SessionID:  sessionID,
			Index:      c.index,
			Label:      c.label,
			CategoryID: c.categoryID,
			Confidence: c.confidence,
			Status:     StatusPending,
			CreatedAt:  time.Now(),
		}
		sel.store.Add(s)
		suggestions[i] = s
	}
	return suggestions, nil
}

// anomalyCandidates keeps scores inside the ambiguity band, ranked by
// distance to the 0.5 decision boundary.
func anomalyCandidates(indices []int, preds *mat.Dense) []candidate {
	var out []candidate
	for row, i := range indices {
		score := preds.At(row, 0)
		if score <= anomalyLow || score >= anomalyHigh {
			continue
		}
		label := "normal"
		if score > 0.5 {
			label = "anomaly"
		}
		dist := score - 0.5
		if dist < 0 {
			dist = -dist
		}
		out = append(out, candidate{
			index:       i,
			label:       label,
			confidence:  score,
			uncertainty: dist,
		})
	}
	return out
}

// classifyCandidates keeps predictions whose top-class probability is below
// the confidence cutoff, least confident first. Single-label column 0 is the
// unlabeled background class; columns 1..K map to categories in registration
// order. Multi-label columns map to categories directly.
func classifyCandidates(indices []int, preds *mat.Dense, categories []annotation.Category, multiLabel bool) []candidate {
	_, cols := preds.Dims()
	var out []candidate
	for row, i := range indices {
		best, bestV := 0, preds.At(row, 0)
		for j := 1; j < cols; j++ {
			if v := preds.At(row, j); v > bestV {
				best, bestV = j, v
			}
		}
		if bestV >= classifyMax {
			continue
		}

		label := "unlabeled"
		categoryID := ""
		catIdx := best
		if !multiLabel {
			catIdx = best - 1
		}
		if catIdx >= 0 && catIdx < len(categories) {
			label = categories[catIdx].Name
			categoryID = categories[catIdx].ID
		}
		out = append(out, candidate{
			index:       i,
			label:       label,
			categoryID:  categoryID,
			confidence:  bestV,
			uncertainty: bestV,
		})
	}
	return out
}

// Accept materializes a pending suggestion as a single-index annotation
// attributed to active learning.
func (sel *Selector) Accept(id string) (annotation.Annotation, error) {
	s, err := sel.store.Get(id)
	if err != nil {
		return annotation.Annotation{}, err
	}
	if s.CategoryID == "" {
		return annotation.Annotation{}, errors.NewValidationError("suggestion",
			"suggested label has no matching category", s.Label)
	}
	if _, err := sel.store.review(id, StatusAccepted); err != nil {
		return annotation.Annotation{}, err
	}

	a := annotation.Annotation{
		ID:         uuid.NewString(),
		DatasetID:  s.DatasetID,
		Start:      s.Index,
		End:        s.Index,
		CategoryID: s.CategoryID,
		Confidence: s.Confidence,
		CreatedBy:  "active_learning",
		CreatedAt:  time.Now(),
	}
	if err := sel.annotations.Add(a); err != nil {
		return annotation.Annotation{}, err
	}
	return a, nil
}

// Modify materializes a pending suggestion under a reviewer-chosen category.
func (sel *Selector) Modify(id, categoryID string) (annotation.Annotation, error) {
	s, err := sel.store.Get(id)
	if err != nil {
		return annotation.Annotation{}, err
	}
	if _, err := sel.annotations.Category(categoryID); err != nil {
		return annotation.Annotation{}, err
	}
	if _, err := sel.store.review(id, StatusModified); err != nil {
		return annotation.Annotation{}, err
	}

	a := annotation.Annotation{
		ID:         uuid.NewString(),
		DatasetID:  s.DatasetID,
		Start:      s.Index,
		End:        s.Index,
		CategoryID: categoryID,
		Confidence: 1,
		CreatedBy:  "active_learning",
		CreatedAt:  time.Now(),
	}
	if err := sel.annotations.Add(a); err != nil {
		return annotation.Annotation{}, err
	}
	return a, nil
}

// Reject marks a pending suggestion as rejected. No annotation is created.
func (sel *Selector) Reject(id string) error {
	_, err := sel.store.review(id, StatusRejected)
	return err
}
