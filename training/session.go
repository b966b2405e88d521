// Package training orchestrates model-training sessions: it assembles
// features and labels, runs sandboxed model-definition hooks, drives backend
// fit loops with progress reporting, and persists trained artifacts with
// version lineage and best-metric tracking.
package training

import (
	"sync"
	"time"

	"github.com/fieldlab/traceml/pkg/errors"
)

// Status is a training session's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DefaultRecentLogs is the bounded log suffix returned in status reports.
const DefaultRecentLogs = 10

// LogEntry is one line of a session's append-only training log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Progress  float64   `json:"progress"`
	IsError   bool      `json:"is_error"`
}

// Session is one training attempt. It is shared mutable state between the
// background worker and status/cancel callers, so every field access goes
// through the mutex; once a terminal status is reached the record is
// immutable.
type Session struct {
	mu sync.Mutex

	ID                   string
	ModelID              string
	DatasetID            string
	AdditionalDatasetIDs []string
	BaseSessionID        string

	status       Status
	progress     float64
	currentEpoch int
	totalEpochs  int
	liveMetrics  map[string]float64
	finalMetrics map[string]float64
	logs         []LogEntry
	errorMessage string

	CreatedAt   time.Time
	startedAt   time.Time
	completedAt time.Time
}

func newSession(id, modelID, datasetID string, additional []string, baseID string, totalEpochs int) *Session {
	return &Session{
		ID:                   id,
		ModelID:              modelID,
		DatasetID:            datasetID,
		AdditionalDatasetIDs: additional,
		BaseSessionID:        baseID,
		status:               StatusPending,
		totalEpochs:          totalEpochs,
		CreatedAt:            time.Now(),
	}
}

// transition moves the session along pending -> running -> terminal.
// Transitions out of a terminal state are rejected, which is what keeps a
// worker finishing late from overwriting a cancellation.
func (s *Session) transition(to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return errors.NewValidationError("session.status", "session is terminal", string(s.status))
	}
	switch to {
	case StatusRunning:
		if s.status != StatusPending {
			return errors.NewValidationError("session.status", "only pending sessions can start running", string(s.status))
		}
		s.startedAt = time.Now()
	case StatusCompleted, StatusFailed, StatusCancelled:
		s.completedAt = time.Now()
	default:
		return errors.NewValidationError("session.status", "invalid target status", string(to))
	}
	s.status = to
	return nil
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Progress returns the current progress percentage.
func (s *Session) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// setEpoch records epoch progress and live metrics from the executor.
func (s *Session) setEpoch(epoch int, progress float64, metrics map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.currentEpoch = epoch
	s.progress = progress
	if metrics != nil {
		s.liveMetrics = metrics
	}
}

func (s *Session) setTotalEpochs(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalEpochs = n
}

func (s *Session) setFinalMetrics(m map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalMetrics = m
}

func (s *Session) setError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorMessage = msg
}

// ErrorMessage returns the failure description of a failed session.
func (s *Session) ErrorMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorMessage
}

// FinalMetrics returns a copy of the session's final metrics.
func (s *Session) FinalMetrics() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.finalMetrics))
	for k, v := range s.finalMetrics {
		out[k] = v
	}
	return out
}

// appendLog appends a log entry and advances progress. Terminal sessions
// accept no further log writes.
func (s *Session) appendLog(message string, progress float64, isError bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() && !isError {
		return
	}
	s.logs = append(s.logs, LogEntry{
		Timestamp: time.Now(),
		Message:   message,
		Progress:  progress,
		IsError:   isError,
	})
	s.progress = progress
}

// RecentLogs returns the last n log entries. Non-positive n yields an empty
// slice.
func (s *Session) RecentLogs(n int) []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n > len(s.logs) {
		n = len(s.logs)
	}
	out := make([]LogEntry, n)
	copy(out, s.logs[len(s.logs)-n:])
	return out
}

// StatusReport is the polled view of a session.
type StatusReport struct {
	SessionID    string             `json:"session_id"`
	Status       Status             `json:"status"`
	Progress     float64            `json:"progress"`
	CurrentEpoch int                `json:"current_epoch"`
	TotalEpochs  int                `json:"total_epochs"`
	LiveMetrics  map[string]float64 `json:"live_metrics"`
	RecentLogs   []LogEntry         `json:"recent_logs"`
	IsActive     bool               `json:"is_active"`
	ErrorMessage string             `json:"error_message,omitempty"`
}

// report snapshots the session under its lock.
func (s *Session) report(isActive bool) StatusReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := DefaultRecentLogs
	if n > len(s.logs) {
		n = len(s.logs)
	}
	recent := make([]LogEntry, n)
	copy(recent, s.logs[len(s.logs)-n:])

	live := make(map[string]float64, len(s.liveMetrics))
	for k, v := range s.liveMetrics {
		live[k] = v
	}

	return StatusReport{
		SessionID:    s.ID,
		Status:       s.status,
		Progress:     s.progress,
		CurrentEpoch: s.currentEpoch,
		TotalEpochs:  s.totalEpochs,
		LiveMetrics:  live,
		RecentLogs:   recent,
		IsActive:     isActive,
		ErrorMessage: s.errorMessage,
	}
}

// SessionStore is the explicit session registry: created once, passed by
// reference, no ambient global state.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionStore creates an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Add registers a session.
func (st *SessionStore) Add(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[s.ID] = s
}

// Get resolves a session id.
func (st *SessionStore) Get(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, errors.NewNotFoundError("session", id)
	}
	return s, nil
}

// Len returns the number of stored sessions.
func (st *SessionStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
