package training

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlab/traceml/annotation"
	"github.com/fieldlab/traceml/dataset"
	"github.com/fieldlab/traceml/pkg/errors"
	"github.com/fieldlab/traceml/pkg/log"
)

type testEngine struct {
	datasets    *dataset.Store
	annotations *annotation.Store
	models      *ModelStore
	sessions    *SessionStore
	artifacts   *ArtifactStore
	orch        *Orchestrator
}

func newTestEngine(t *testing.T, opts ...OrchestratorOption) *testEngine {
	t.Helper()
	artifacts, err := NewArtifactStore(t.TempDir())
	require.NoError(t, err)

	e := &testEngine{
		datasets:    dataset.NewStore(),
		annotations: annotation.NewStore(),
		models:      NewModelStore(),
		sessions:    NewSessionStore(),
		artifacts:   artifacts,
	}
	opts = append([]OrchestratorOption{
		WithLogger(log.NewLogger(io.Discard, "error")),
	}, opts...)
	e.orch = NewOrchestrator(e.datasets, e.annotations, e.models, e.sessions, e.artifacts, opts...)
	return e
}

// seed registers a dataset with one annotated interval, so single-label
// encoding yields two classes.
func (e *testEngine) seed(t *testing.T, n int) {
	t.Helper()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	readings := make([]dataset.Reading, n)
	for i := range readings {
		readings[i] = dataset.Reading{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Bx:        float64(i % 7),
			By:        float64(i % 5),
			Bz:        float64(i % 3),
		}
	}
	require.NoError(t, e.datasets.Add(&dataset.Dataset{ID: "d1", ProjectID: "p1", Name: "survey", Readings: readings}))
	require.NoError(t, e.annotations.AddCategory(annotation.Category{ID: "c1", ProjectID: "p1", Name: "pipeline"}))
	require.NoError(t, e.annotations.Add(annotation.Annotation{
		ID: "a1", DatasetID: "d1", Start: n / 4, End: n / 2, CategoryID: "c1", Confidence: 1,
	}))
}

func (e *testEngine) addModel(t *testing.T, modelType string, hyper map[string]any) string {
	t.Helper()
	m := &UserDefinedModel{ProjectID: "p1", Name: "test-" + modelType, ModelType: modelType, Hyperparameters: hyper}
	require.NoError(t, e.models.Add(m))
	return m.ID
}

// waitDone polls until the session is terminal and no longer active.
func waitDone(t *testing.T, o *Orchestrator, id string) StatusReport {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		rep, err := o.GetStatus(id)
		require.NoError(t, err)
		if rep.Status.Terminal() && !rep.IsActive {
			return rep
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s did not finish", id)
	return StatusReport{}
}

func quickConfig() TrainingConfig {
	cfg := DefaultTrainingConfig()
	cfg.Epochs = 5
	cfg.LearningRate = 0.1
	return cfg
}

func TestTrainingCompletesEndToEnd(t *testing.T) {
	e := newTestEngine(t)
	e.seed(t, 60)
	modelID := e.addModel(t, "classification", map[string]any{"hidden_units": 8})

	id, err := e.orch.StartTraining(modelID, "d1", quickConfig())
	require.NoError(t, err)

	rep := waitDone(t, e.orch, id)
	assert.Equal(t, StatusCompleted, rep.Status, "error: %s", rep.ErrorMessage)
	assert.Equal(t, 100.0, rep.Progress)
	assert.Equal(t, 5, rep.TotalEpochs)
	assert.Equal(t, 5, rep.CurrentEpoch)
	assert.Contains(t, rep.LiveMetrics, "loss")
	require.NotEmpty(t, rep.RecentLogs)
	assert.Equal(t, "Training completed successfully!", rep.RecentLogs[len(rep.RecentLogs)-1].Message)

	session, err := e.sessions.Get(id)
	require.NoError(t, err)
	assert.Contains(t, session.FinalMetrics(), "final_loss")
	assert.Contains(t, session.FinalMetrics(), "final_f1")

	// Artifact round trip: the persisted model predicts with the training
	// scaling attached.
	art, err := e.artifacts.Load(id)
	require.NoError(t, err)
	assert.Len(t, art.Mean, dataset.NumFeatures)
	assert.Equal(t, modelID, art.ModelID)
	assert.Equal(t, 2, art.Classes)

	model, err := e.models.Get(modelID)
	require.NoError(t, err)
	assert.Equal(t, 1, model.PerformanceMetrics["total_training_sessions"])
	assert.Equal(t, id, model.PerformanceMetrics["best_loss_session"])
	require.Len(t, model.TrainingDatasets, 1)
	assert.Equal(t, "d1", model.TrainingDatasets[0].DatasetID)
}

func TestTrainingProgressMilestones(t *testing.T) {
	e := newTestEngine(t)
	e.seed(t, 60)
	modelID := e.addModel(t, "classification", nil)

	var seen []float64
	cfg := quickConfig()
	cfg.OnProgress = func(_, _ string, progress float64, _ bool) {
		seen = append(seen, progress)
	}
	id, err := e.orch.StartTraining(modelID, "d1", cfg)
	require.NoError(t, err)
	waitDone(t, e.orch, id)

	require.NotEmpty(t, seen)
	assert.Equal(t, 0.0, seen[0])
	assert.Equal(t, 100.0, seen[len(seen)-1])
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1], "progress must be monotonic")
	}
	// Epoch progress lands in the training band.
	assert.Contains(t, seen, 25.0+70.0/5.0)
}

func TestAnomalyTrainingSynthesizesProgress(t *testing.T) {
	e := newTestEngine(t)
	e.seed(t, 80)
	modelID := e.addModel(t, "anomaly_detection", map[string]any{"n_estimators": 10})

	cfg := quickConfig()
	cfg.Epochs = 4
	id, err := e.orch.StartTraining(modelID, "d1", cfg)
	require.NoError(t, err)

	rep := waitDone(t, e.orch, id)
	assert.Equal(t, StatusCompleted, rep.Status, "error: %s", rep.ErrorMessage)
	assert.Equal(t, 4, rep.CurrentEpoch)

	art, err := e.artifacts.Load(id)
	require.NoError(t, err)
	assert.Equal(t, "anomaly_detection", art.ModelType)
	assert.Contains(t, art.History, "threshold")
}

func TestStartTrainingUnknownIDs(t *testing.T) {
	e := newTestEngine(t)
	e.seed(t, 60)
	modelID := e.addModel(t, "classification", nil)

	var nf *errors.NotFoundError
	_, err := e.orch.StartTraining("missing", "d1", quickConfig())
	require.ErrorAs(t, err, &nf)

	_, err = e.orch.StartTraining(modelID, "missing", quickConfig())
	require.ErrorAs(t, err, &nf)

	cfg := quickConfig()
	cfg.AdditionalDatasetIDs = []string{"missing"}
	_, err = e.orch.StartTraining(modelID, "d1", cfg)
	require.ErrorAs(t, err, &nf)

	cfg = quickConfig()
	cfg.ContinueFromSessionID = "missing"
	_, err = e.orch.StartTraining(modelID, "d1", cfg)
	require.ErrorAs(t, err, &nf)

	// Failed validation never creates a session record.
	assert.Equal(t, 0, e.sessions.Len())
}

func TestCancelTraining(t *testing.T) {
	e := newTestEngine(t)
	e.seed(t, 500)
	modelID := e.addModel(t, "classification", map[string]any{"hidden_units": 32})

	cfg := quickConfig()
	cfg.Epochs = 500
	id, err := e.orch.StartTraining(modelID, "d1", cfg)
	require.NoError(t, err)

	assert.True(t, e.orch.Cancel(id))

	rep := waitDone(t, e.orch, id)
	assert.Equal(t, StatusCancelled, rep.Status)
	assert.False(t, rep.IsActive)

	// No artifact for a cancelled session.
	_, err = e.artifacts.Load(id)
	assert.Error(t, err)

	// A finished session is no longer cancellable.
	assert.False(t, e.orch.Cancel(id))
}

func TestTrainingTimeoutFails(t *testing.T) {
	e := newTestEngine(t, WithTimeout(50*time.Millisecond))
	e.seed(t, 500)
	modelID := e.addModel(t, "classification", map[string]any{"hidden_units": 32})

	cfg := quickConfig()
	cfg.Epochs = 200000
	id, err := e.orch.StartTraining(modelID, "d1", cfg)
	require.NoError(t, err)

	// No Cancel call: the deadline alone must stamp the session failed,
	// never cancelled.
	rep := waitDone(t, e.orch, id)
	assert.Equal(t, StatusFailed, rep.Status)
	assert.Contains(t, rep.ErrorMessage, "timed out")
	require.NotEmpty(t, rep.RecentLogs)
	last := rep.RecentLogs[len(rep.RecentLogs)-1]
	assert.True(t, last.IsError)
	assert.Contains(t, last.Message, "timed out")

	_, err = e.artifacts.Load(id)
	assert.Error(t, err, "timed-out session must not persist an artifact")
}

func TestCancelUnknownSession(t *testing.T) {
	e := newTestEngine(t)
	assert.False(t, e.orch.Cancel("missing"))

	_, err := e.orch.GetStatus("missing")
	assert.Error(t, err)
}

func TestTrainingFailsOnUnsafeScript(t *testing.T) {
	capture := log.NewCaptureHandler()
	e := newTestEngine(t, WithLogger(slog.New(capture)))
	e.seed(t, 60)
	m := &UserDefinedModel{
		ProjectID: "p1",
		Name:      "unsafe",
		ModelType: "classification",
		Script:    "create_model: eval(payload)",
	}
	require.NoError(t, e.models.Add(m))

	id, err := e.orch.StartTraining(m.ID, "d1", quickConfig())
	require.NoError(t, err)

	rep := waitDone(t, e.orch, id)
	assert.Equal(t, StatusFailed, rep.Status)
	assert.Contains(t, rep.ErrorMessage, "unsafe")
	require.NotEmpty(t, rep.RecentLogs)
	last := rep.RecentLogs[len(rep.RecentLogs)-1]
	assert.True(t, last.IsError)

	// The structured logger mirrors the session log.
	msgs := capture.Messages()
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[len(msgs)-1], "Training failed")
}

func TestContinuedTraining(t *testing.T) {
	e := newTestEngine(t)
	e.seed(t, 60)
	modelID := e.addModel(t, "classification", map[string]any{"hidden_units": 8})

	first, err := e.orch.StartTraining(modelID, "d1", quickConfig())
	require.NoError(t, err)
	rep := waitDone(t, e.orch, first)
	require.Equal(t, StatusCompleted, rep.Status, "error: %s", rep.ErrorMessage)

	cfg := quickConfig()
	cfg.ContinueFromSessionID = first
	second, err := e.orch.StartTraining(modelID, "d1", cfg)
	require.NoError(t, err)
	rep = waitDone(t, e.orch, second)
	assert.Equal(t, StatusCompleted, rep.Status, "error: %s", rep.ErrorMessage)

	model, err := e.models.Get(modelID)
	require.NoError(t, err)
	assert.Equal(t, 2, model.PerformanceMetrics["total_training_sessions"])
}

func TestMaxActiveSessions(t *testing.T) {
	e := newTestEngine(t, WithMaxActive(1))
	e.seed(t, 500)
	modelID := e.addModel(t, "classification", nil)

	cfg := quickConfig()
	cfg.Epochs = 500
	first, err := e.orch.StartTraining(modelID, "d1", cfg)
	require.NoError(t, err)

	_, err = e.orch.StartTraining(modelID, "d1", cfg)
	assert.Error(t, err)

	e.orch.Cancel(first)
	waitDone(t, e.orch, first)
}
