package training

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldlab/traceml/pkg/errors"
)

// DatasetRecord is one entry of a model's training history.
type DatasetRecord struct {
	DatasetID   string    `json:"dataset_id"`
	DatasetName string    `json:"dataset_name"`
	TrainedAt   time.Time `json:"trained_at"`
	SessionID   string    `json:"session_id"`
}

// UserDefinedModel is a script-defined model definition together with its
// accumulated training record. PerformanceMetrics mixes floats, counters and
// session-id strings, hence the any values.
type UserDefinedModel struct {
	ID        string
	ProjectID string
	Name      string
	Version   string
	ModelType string

	Script          string
	Hyperparameters map[string]any

	Tags        []string
	Category    string
	Author      string
	Description string

	PerformanceMetrics map[string]any
	TrainingDatasets   []DatasetRecord

	// ParentID links a cloned version to the root of its lineage.
	ParentID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ModelStore holds model definitions keyed by id and enforces that
// (project, name, version) is unique.
type ModelStore struct {
	mu     sync.RWMutex
	models map[string]*UserDefinedModel
}

// NewModelStore creates an empty model store.
func NewModelStore() *ModelStore {
	return &ModelStore{models: make(map[string]*UserDefinedModel)}
}

// Add registers a model definition. A missing id is filled in; a duplicate
// (project, name, version) is rejected.
func (st *ModelStore) Add(m *UserDefinedModel) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if m.Name == "" {
		return errors.NewValidationError("model.name", "name must not be empty", m.Name)
	}
	if m.Version == "" {
		m.Version = "1.0"
	}
	for _, existing := range st.models {
		if existing.ProjectID == m.ProjectID && existing.Name == m.Name && existing.Version == m.Version {
			return errors.NewValidationError("model.version", "model name and version already exist in project",
				fmt.Sprintf("%s@%s", m.Name, m.Version))
		}
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.PerformanceMetrics == nil {
		m.PerformanceMetrics = make(map[string]any)
	}
	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now
	st.models[m.ID] = m
	return nil
}

// Get resolves a model id.
func (st *ModelStore) Get(id string) (*UserDefinedModel, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	m, ok := st.models[id]
	if !ok {
		return nil, errors.NewNotFoundError("model", id)
	}
	return m, nil
}

// rootOf follows ParentID links to the lineage root. Must hold the lock.
func (st *ModelStore) rootOf(m *UserDefinedModel) *UserDefinedModel {
	for m.ParentID != "" {
		parent, ok := st.models[m.ParentID]
		if !ok {
			break
		}
		m = parent
	}
	return m
}

// AllVersions returns every model in the lineage of id, ordered by creation
// time with the root first.
func (st *ModelStore) AllVersions(id string) ([]*UserDefinedModel, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	m, ok := st.models[id]
	if !ok {
		return nil, errors.NewNotFoundError("model", id)
	}
	root := st.rootOf(m)
	versions := []*UserDefinedModel{root}
	for _, candidate := range st.models {
		if candidate.ID != root.ID && st.rootOf(candidate).ID == root.ID {
			versions = append(versions, candidate)
		}
	}
	for i := 1; i < len(versions); i++ {
		for j := i; j > 0 && versions[j].CreatedAt.Before(versions[j-1].CreatedAt); j-- {
			versions[j], versions[j-1] = versions[j-1], versions[j]
		}
	}
	return versions, nil
}

// LatestVersion returns the newest model in the lineage of id.
func (st *ModelStore) LatestVersion(id string) (*UserDefinedModel, error) {
	versions, err := st.AllVersions(id)
	if err != nil {
		return nil, err
	}
	return versions[len(versions)-1], nil
}

// NewVersion clones a model as the next version in its lineage. When version
// is empty the minor component of the latest version is incremented; a
// version string that does not parse as "major.minor" falls back to "1.1".
// The clone links to the lineage root and starts with fresh metrics and
// training history.
func (st *ModelStore) NewVersion(id, version, description string) (*UserDefinedModel, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	base, ok := st.models[id]
	if !ok {
		return nil, errors.NewNotFoundError("model", id)
	}
	root := st.rootOf(base)

	if version == "" {
		latest := root
		for _, candidate := range st.models {
			if st.rootOf(candidate).ID == root.ID && candidate.CreatedAt.After(latest.CreatedAt) {
				latest = candidate
			}
		}
		version = nextVersion(latest.Version)
	}
	for _, existing := range st.models {
		if existing.ProjectID == base.ProjectID && existing.Name == base.Name && existing.Version == version {
			return nil, errors.NewValidationError("model.version", "version already exists",
				fmt.Sprintf("%s@%s", base.Name, version))
		}
	}

	now := time.Now()
	clone := &UserDefinedModel{
		ID:                 uuid.NewString(),
		ProjectID:          base.ProjectID,
		Name:               base.Name,
		Version:            version,
		ModelType:          base.ModelType,
		Script:             base.Script,
		Hyperparameters:    copyAnyMap(base.Hyperparameters),
		Tags:               append([]string(nil), base.Tags...),
		Category:           base.Category,
		Author:             base.Author,
		Description:        description,
		PerformanceMetrics: make(map[string]any),
		ParentID:           root.ID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	st.models[clone.ID] = clone
	return clone, nil
}

// nextVersion increments the minor component of a "major.minor" string.
func nextVersion(current string) string {
	parts := strings.Split(current, ".")
	if len(parts) == 2 {
		major, errMajor := strconv.Atoi(parts[0])
		minor, errMinor := strconv.Atoi(parts[1])
		if errMajor == nil && errMinor == nil {
			return fmt.Sprintf("%d.%d", major, minor+1)
		}
	}
	return "1.1"
}

// applyTrainingResult merges a completed session's final metrics into the
// model's best-so-far record and appends the dataset history entries.
func (st *ModelStore) applyTrainingResult(modelID, sessionID string, datasets []DatasetRecord, final map[string]float64) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	m, ok := st.models[modelID]
	if !ok {
		return errors.NewNotFoundError("model", modelID)
	}

	mergeBest := func(finalKey, bestKey string, better func(candidate, best float64) bool) {
		v, ok := final[finalKey]
		if !ok {
			return
		}
		best, had := m.PerformanceMetrics[bestKey].(float64)
		if !had || better(v, best) {
			m.PerformanceMetrics[bestKey] = v
			m.PerformanceMetrics[bestKey+"_session"] = sessionID
		}
	}
	lower := func(c, b float64) bool { return c < b }
	higher := func(c, b float64) bool { return c > b }
	mergeBest("final_loss", "best_loss", lower)
	mergeBest("final_val_loss", "best_val_loss", lower)
	mergeBest("final_accuracy", "best_accuracy", higher)
	mergeBest("final_val_accuracy", "best_val_accuracy", higher)

	count, _ := m.PerformanceMetrics["total_training_sessions"].(int)
	m.PerformanceMetrics["total_training_sessions"] = count + 1
	m.PerformanceMetrics["last_trained"] = time.Now().Format(time.RFC3339)

	for _, rec := range datasets {
		seen := false
		for _, existing := range m.TrainingDatasets {
			if existing.DatasetID == rec.DatasetID {
				seen = true
				break
			}
		}
		if !seen {
			m.TrainingDatasets = append(m.TrainingDatasets, rec)
		}
	}
	m.UpdatedAt = time.Now()
	return nil
}

func copyAnyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
