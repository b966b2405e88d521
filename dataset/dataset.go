// Package dataset holds sensor datasets and turns their readings into
// feature matrices for training.
package dataset

import (
	"sort"
	"sync"
	"time"

	"github.com/fieldlab/traceml/pkg/errors"
)

// Reading is a single magnetometer sample: a 3-axis field vector plus the
// sensor's orientation and location at capture time.
type Reading struct {
	Timestamp              time.Time
	Bx, By, Bz             float64
	ThetaX, ThetaY, ThetaZ float64
	Lat, Lon, Altitude     float64
	SensorID               string
}

// Dataset is an immutable, time-ordered sequence of readings owned by a
// project. Once processed it is never mutated; training and suggestion
// generation only read from it.
type Dataset struct {
	ID        string
	ProjectID string
	Name      string
	Readings  []Reading
	Processed bool
	CreatedAt time.Time
}

// TotalRecords returns the number of readings.
func (d *Dataset) TotalRecords() int { return len(d.Readings) }

// Store is an explicit dataset registry. It replaces ambient module-level
// state: every component that resolves dataset ids receives a *Store.
type Store struct {
	mu       sync.RWMutex
	datasets map[string]*Dataset
}

// NewStore creates an empty dataset store.
func NewStore() *Store {
	return &Store{datasets: make(map[string]*Dataset)}
}

// Add registers a dataset. Readings are sorted by timestamp once on the way
// in so downstream consumers can rely on time order.
func (s *Store) Add(d *Dataset) error {
	if d.ID == "" {
		return errors.NewValidationError("dataset.ID", "must not be empty", nil)
	}
	sort.SliceStable(d.Readings, func(i, j int) bool {
		return d.Readings[i].Timestamp.Before(d.Readings[j].Timestamp)
	})
	d.Processed = true

	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[d.ID] = d
	return nil
}

// Get resolves a dataset id.
func (s *Store) Get(id string) (*Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.datasets[id]
	if !ok {
		return nil, errors.NewNotFoundError("dataset", id)
	}
	return d, nil
}

// Len returns the number of registered datasets.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.datasets)
}
