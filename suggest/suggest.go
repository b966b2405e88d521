// Package suggest implements active-learning label suggestions: it runs a
// trained model over the unlabeled portion of a dataset, ranks predictions
// by uncertainty and materializes reviewer decisions as annotations.
package suggest

import (
	"sync"
	"time"

	"github.com/fieldlab/traceml/pkg/errors"
)

// ReviewStatus is a suggestion's review state.
type ReviewStatus string

const (
	StatusPending  ReviewStatus = "pending"
	StatusAccepted ReviewStatus = "accepted"
	StatusRejected ReviewStatus = "rejected"
	StatusModified ReviewStatus = "modified"
)

// Suggestion is one proposed label for a single reading index. CategoryID is
// empty when the suggested label has no matching category (an anomaly
// detector flagging "normal", for instance); such suggestions can be
// rejected but not accepted.
type Suggestion struct {
	ID         string
	DatasetID  string
	SessionID  string
	Index      int
	Label      string
	CategoryID string
	Confidence float64
	Status     ReviewStatus
	CreatedAt  time.Time
	ReviewedAt time.Time
}

// Store holds suggestions keyed by id.
type Store struct {
	mu          sync.RWMutex
	suggestions map[string]*Suggestion
}

// NewStore creates an empty suggestion store.
func NewStore() *Store {
	return &Store{suggestions: make(map[string]*Suggestion)}
}

// Add registers a suggestion.
func (st *Store) Add(s *Suggestion) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.suggestions[s.ID] = s
}

// Get resolves a suggestion id.
func (st *Store) Get(id string) (*Suggestion, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.suggestions[id]
	if !ok {
		return nil, errors.NewNotFoundError("suggestion", id)
	}
	return s, nil
}

// Pending returns the dataset's unreviewed suggestions ordered by ascending
// confidence, least certain first.
func (st *Store) Pending(datasetID string) []*Suggestion {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []*Suggestion
	for _, s := range st.suggestions {
		if s.DatasetID == datasetID && s.Status == StatusPending {
			out = append(out, s)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Confidence < out[j-1].Confidence; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// review transitions a pending suggestion. Reviewed suggestions are final.
func (st *Store) review(id string, to ReviewStatus) (*Suggestion, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.suggestions[id]
	if !ok {
		return nil, errors.NewNotFoundError("suggestion", id)
	}
	if s.Status != StatusPending {
		return nil, errors.NewValidationError("suggestion.status", "suggestion already reviewed", string(s.Status))
	}
	s.Status = to
	s.ReviewedAt = time.Now()
	return s, nil
}
