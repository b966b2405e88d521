// Package annotation holds interval annotations over dataset readings, the
// project-scoped label category tree, and the encoder that turns annotations
// into per-sample training labels.
package annotation

import (
	"sort"
	"sync"
	"time"

	"github.com/fieldlab/traceml/pkg/errors"
)

// Category is a node in a project's label tree. Names are unique within a
// project; ParentID is empty for roots.
type Category struct {
	ID          string
	ProjectID   string
	Name        string
	ParentID    string
	Color       string
	Description string
	Order       int
	Active      bool
}

// Annotation tags a closed index interval [Start, End] of a dataset's
// reading sequence with one category. Intervals from different annotations
// may overlap.
type Annotation struct {
	ID         string
	DatasetID  string
	Start      int
	End        int
	CategoryID string
	Confidence float64
	CreatedBy  string
	CreatedAt  time.Time
	Notes      string
}

// Store keeps annotations per dataset and the category tree per project.
type Store struct {
	mu          sync.RWMutex
	byDataset   map[string][]Annotation
	categories  []Category
	categorySet map[string]struct{} // (projectID, name) uniqueness
}

// NewStore creates an empty annotation store.
func NewStore() *Store {
	return &Store{
		byDataset:   make(map[string][]Annotation),
		categorySet: make(map[string]struct{}),
	}
}

// AddCategory registers a label category. Duplicate (project, name) pairs
// are rejected.
func (s *Store) AddCategory(c Category) error {
	if c.Name == "" {
		return errors.NewValidationError("category.Name", "must not be empty", nil)
	}
	key := c.ProjectID + "\x00" + c.Name
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.categorySet[key]; dup {
		return errors.NewValidationError("category.Name", "already exists in project", c.Name)
	}
	s.categorySet[key] = struct{}{}
	s.categories = append(s.categories, c)
	return nil
}

// Categories returns the project's categories in registration order. This
// order defines the 1..K label mapping used by the encoder, so it is stable
// across calls.
func (s *Store) Categories(projectID string) []Category {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Category
	for _, c := range s.categories {
		if c.ProjectID == projectID {
			out = append(out, c)
		}
	}
	return out
}

// Category resolves a category id.
func (s *Store) Category(id string) (Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.categories {
		if c.ID == id {
			return c, nil
		}
	}
	return Category{}, errors.NewNotFoundError("category", id)
}

// PathOf returns the categories from the root of the tree down to id.
func (s *Store) PathOf(id string) ([]Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := make(map[string]Category, len(s.categories))
	for _, c := range s.categories {
		byID[c.ID] = c
	}
	c, ok := byID[id]
	if !ok {
		return nil, errors.NewNotFoundError("category", id)
	}
	path := []Category{c}
	for c.ParentID != "" {
		parent, ok := byID[c.ParentID]
		if !ok {
			break
		}
		c = parent
		path = append([]Category{c}, path...)
	}
	return path, nil
}

// ChildrenOf returns the direct children of a category.
func (s *Store) ChildrenOf(id string) []Category {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Category
	for _, c := range s.categories {
		if c.ParentID == id {
			out = append(out, c)
		}
	}
	return out
}

// Add registers an annotation.
func (s *Store) Add(a Annotation) error {
	if a.End < a.Start {
		return errors.NewValidationError("annotation", "end index precedes start index", a)
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		return errors.NewValidationError("annotation.Confidence", "must be in [0, 1]", a.Confidence)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byDataset[a.DatasetID] = append(s.byDataset[a.DatasetID], a)
	return nil
}

// ForDataset returns the dataset's annotations sorted by ascending start
// index. Sort order matters: the encoder's last-write-wins rule is defined
// over this ordering.
func (s *Store) ForDataset(datasetID string) []Annotation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.byDataset[datasetID]
	out := make([]Annotation, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}
