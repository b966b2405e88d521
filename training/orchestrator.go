package training

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/fieldlab/traceml/annotation"
	"github.com/fieldlab/traceml/backend"
	"github.com/fieldlab/traceml/dataset"
	"github.com/fieldlab/traceml/pkg/errors"
	"github.com/fieldlab/traceml/pkg/log"
	"github.com/fieldlab/traceml/sandbox"
)

// DefaultTimeout bounds a single training session.
const DefaultTimeout = 30 * time.Minute

// ProgressFunc receives every progress event of a session, mirroring the
// session log. Useful for pushing live updates to a UI.
type ProgressFunc func(sessionID, message string, progress float64, isError bool)

// TrainingConfig is the per-session configuration.
type TrainingConfig struct {
	Epochs          int
	LearningRate    float64
	ValidationSplit float64
	WindowSize      int
	Standardize     bool
	EncodingMode    annotation.Mode

	// AdditionalDatasetIDs are merged after the primary dataset, in order.
	AdditionalDatasetIDs []string

	// ContinueFromSessionID resumes training from a previous session's
	// artifact instead of creating a fresh model.
	ContinueFromSessionID string

	OnProgress ProgressFunc
}

// DefaultTrainingConfig returns the standard configuration: 100 epochs,
// learning rate 0.05, trailing 20% validation split, standardization on,
// automatic label-mode detection.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Epochs:          100,
		LearningRate:    0.05,
		ValidationSplit: 0.2,
		Standardize:     true,
		EncodingMode:    annotation.ModeAuto,
	}
}

// Preprocessed is what a preprocess_data hook returns: the (possibly
// transformed) training matrices.
type Preprocessed struct {
	Data   *mat.Dense
	Labels *mat.Dense
}

// Orchestrator runs training sessions end to end: it validates inputs
// synchronously, then assembles data, executes script hooks, drives the
// backend and persists the artifact in a background worker. All state lives
// in the explicit stores it was constructed with.
type Orchestrator struct {
	datasets    *dataset.Store
	annotations *annotation.Store
	models      *ModelStore
	sessions    *SessionStore
	artifacts   *ArtifactStore
	box         *sandbox.Sandbox
	logger      *slog.Logger
	timeout     time.Duration
	maxActive   int

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithTimeout bounds each session's wall-clock time.
func WithTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithMaxActive caps concurrently running sessions; 0 means unlimited.
func WithMaxActive(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.maxActive = n }
}

// NewOrchestrator wires an orchestrator to its stores.
func NewOrchestrator(datasets *dataset.Store, annotations *annotation.Store, models *ModelStore, sessions *SessionStore, artifacts *ArtifactStore, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		datasets:    datasets,
		annotations: annotations,
		models:      models,
		sessions:    sessions,
		artifacts:   artifacts,
		box:         sandbox.New(sandbox.WithHelpers(scriptHelpers())),
		logger:      slog.Default(),
		timeout:     DefaultTimeout,
		active:      make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// scriptHelpers is the allowlisted constructor surface visible to scripts.
func scriptHelpers() map[string]any {
	return map[string]any{
		"mlp": func(params map[string]any) backend.Trainable {
			var opts []backend.MLPOption
			if v, ok := intParam(params, "hidden_units"); ok {
				opts = append(opts, backend.WithHiddenUnits(v))
			}
			if v, ok := intParam(params, "seed"); ok {
				opts = append(opts, backend.WithSeed(int64(v)))
			}
			return backend.NewMLPClassifier(opts...)
		},
		"isolation_forest": func(params map[string]any) backend.Trainable {
			var opts []backend.ForestOption
			if v, ok := intParam(params, "n_estimators"); ok {
				opts = append(opts, backend.WithNumTrees(v))
			}
			if v, ok := intParam(params, "sample_size"); ok {
				opts = append(opts, backend.WithSampleSize(v))
			}
			if v, ok := intParam(params, "seed"); ok {
				opts = append(opts, backend.WithForestSeed(int64(v)))
			}
			return backend.NewIsolationForest(opts...)
		},
		"preprocessed": func(data, labels *mat.Dense) *Preprocessed {
			return &Preprocessed{Data: data, Labels: labels}
		},
	}
}

// intParam reads an integer hyperparameter, accepting the numeric types a
// decoded script or JSON payload may carry.
func intParam(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// StartTraining validates the request synchronously and launches the
// background worker. Unknown model, dataset or base-session ids fail here,
// before any session record is created. The returned id is the handle for
// GetStatus and Cancel.
func (o *Orchestrator) StartTraining(modelID, datasetID string, cfg TrainingConfig) (string, error) {
	model, err := o.models.Get(modelID)
	if err != nil {
		return "", err
	}
	if _, err := o.datasets.Get(datasetID); err != nil {
		return "", err
	}
	for _, id := range cfg.AdditionalDatasetIDs {
		if _, err := o.datasets.Get(id); err != nil {
			return "", err
		}
	}
	if cfg.ContinueFromSessionID != "" {
		base, err := o.sessions.Get(cfg.ContinueFromSessionID)
		if err != nil {
			return "", err
		}
		if base.Status() != StatusCompleted {
			return "", errors.NewValidationError("continue_from_session",
				"base session did not complete", string(base.Status()))
		}
	}
	if cfg.Epochs <= 0 {
		cfg.Epochs = 100
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.05
	}

	o.mu.Lock()
	if o.maxActive > 0 && len(o.active) >= o.maxActive {
		o.mu.Unlock()
		return "", errors.NewValidationError("sessions", "active session limit reached", o.maxActive)
	}
	session := newSession(uuid.NewString(), modelID, datasetID,
		cfg.AdditionalDatasetIDs, cfg.ContinueFromSessionID, cfg.Epochs)
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	o.active[session.ID] = cancel
	o.mu.Unlock()

	o.sessions.Add(session)
	go o.run(ctx, cancel, session, model, cfg)
	return session.ID, nil
}

// GetStatus returns the polled view of a session.
func (o *Orchestrator) GetStatus(sessionID string) (StatusReport, error) {
	s, err := o.sessions.Get(sessionID)
	if err != nil {
		return StatusReport{}, err
	}
	o.mu.Lock()
	_, isActive := o.active[sessionID]
	o.mu.Unlock()
	return s.report(isActive), nil
}

// Cancel requests cancellation of an active session. It only cancels the
// session's context; the worker observes it at the next checkpoint and
// performs the cancelled transition itself. Returns false when the session
// is not active.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.mu.Lock()
	cancel, ok := o.active[sessionID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (o *Orchestrator) release(sessionID string) {
	o.mu.Lock()
	delete(o.active, sessionID)
	o.mu.Unlock()
}

// run is the background worker for one session.
func (o *Orchestrator) run(ctx context.Context, cancel context.CancelFunc, s *Session, model *UserDefinedModel, cfg TrainingConfig) {
	defer cancel()
	defer o.release(s.ID)

	logger := o.logger.With(log.SessionID(s.ID), log.ModelID(s.ModelID), log.DatasetID(s.DatasetID))
	report := func(message string, progress float64, isError bool) {
		s.appendLog(message, progress, isError)
		if isError {
			logger.Error(message, log.Progress(progress))
		} else {
			logger.Info(message, log.Progress(progress))
		}
		if cfg.OnProgress != nil {
			cfg.OnProgress(s.ID, message, progress, isError)
		}
	}
	defer func() {
		if r := recover(); r != nil {
			o.fail(s, report, errors.Newf("training worker panic: %v", r))
		}
	}()

	if err := s.transition(StatusRunning); err != nil {
		logger.Error("session could not start", log.ErrAttr(err))
		return
	}
	report("Training started", 0, false)

	err := o.pipeline(ctx, s, model, cfg, report, logger)
	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		// The deadline also surfaces as ErrCancelled from the checkpoint
		// helpers, so the timeout must be ruled out before the sentinel:
		// cancelled is reserved for explicit Cancel calls.
		o.fail(s, report, errors.Newf("training timed out after %s", o.timeout))
	case errors.Is(err, errors.ErrCancelled), errors.Is(ctx.Err(), context.Canceled):
		report("Training cancelled by user", s.Progress(), false)
		if terr := s.transition(StatusCancelled); terr != nil {
			logger.Error("cancelled transition rejected", log.ErrAttr(terr))
		}
	default:
		o.fail(s, report, err)
	}
	logger.Info("session finished", log.Status(string(s.Status())))
}

func (o *Orchestrator) fail(s *Session, report reporter, err error) {
	s.setError(err.Error())
	report("Training failed: "+err.Error(), s.Progress(), true)
	_ = s.transition(StatusFailed)
}

// pipeline runs the training phases. Progress milestones: data 5, script 10,
// model 15, preprocessing 20, training 25-95, saving 95, done 100.
func (o *Orchestrator) pipeline(ctx context.Context, s *Session, model *UserDefinedModel, cfg TrainingConfig, report reporter, logger *slog.Logger) error {
	report("Loading data...", 5, false)

	encoder := annotation.NewEncoder(cfg.EncodingMode)
	ids := append([]string{s.DatasetID}, s.AdditionalDatasetIDs...)
	var (
		blocks     []dataset.Block
		records    []DatasetRecord
		classes    int
		multiLabel bool
	)
	for i, id := range ids {
		ds, err := o.datasets.Get(id)
		if err != nil {
			return err
		}
		anns := o.annotations.ForDataset(id)
		categories := o.annotations.Categories(ds.ProjectID)
		enc, err := encoder.Encode(ds.TotalRecords(), anns, categories)
		if err != nil {
			return err
		}
		if i == 0 {
			classes = enc.Classes
			multiLabel = enc.MultiLabel
		}
		blocks = append(blocks, dataset.Block{Readings: ds.Readings, Labels: enc.Labels})
		records = append(records, DatasetRecord{
			DatasetID:   ds.ID,
			DatasetName: ds.Name,
			TrainedAt:   time.Now(),
			SessionID:   s.ID,
		})
	}
	if err := ctx.Err(); err != nil {
		return errors.ErrCancelled
	}

	asm := dataset.NewAssembler(
		dataset.WithWindowSize(cfg.WindowSize),
		dataset.WithValidationSplit(cfg.ValidationSplit),
		dataset.WithStandardize(cfg.Standardize),
	)
	set, err := asm.Build(blocks...)
	if err != nil {
		return err
	}

	report("Loading model script...", 10, false)
	script := model.Script
	if script == "" {
		script = TemplateScript(model.ModelType)
	}
	if ok, msg := o.box.Validate(script); !ok {
		return errors.NewValidationError("script", msg, nil)
	}

	report("Creating model...", 15, false)
	trainable, err := o.createModel(s, model, script, set, classes)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.ErrCancelled
	}

	report("Preprocessing data...", 20, false)
	if err := o.preprocess(script, model, set); err != nil {
		return err
	}

	report("Starting model training...", trainProgressLow, false)
	exec := &executor{session: s, report: report, logger: logger}
	history, err := o.train(ctx, exec, script, trainable, set, cfg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		// Cancelled between the last epoch and the save: no artifact.
		return errors.ErrCancelled
	}

	report("Saving trained model...", 95, false)
	final := finalMetricsFromHistory(history)
	s.setFinalMetrics(final)
	art := &Artifact{
		SessionID:  s.ID,
		ModelID:    s.ModelID,
		ModelType:  model.ModelType,
		Model:      trainable,
		Mean:       set.Mean,
		Scale:      set.Scale,
		WindowSize: cfg.WindowSize,
		MultiLabel: multiLabel,
		Classes:    classes,
		History:    history,
	}
	if err := o.artifacts.Save(art); err != nil {
		return err
	}
	if err := o.artifacts.SaveLossCurve(s.ID, history); err != nil {
		// The artifact itself is saved; a failed plot is not fatal.
		o.logger.Warn("loss curve rendering failed", log.SessionID(s.ID), log.ErrAttr(err))
	}
	if err := o.models.applyTrainingResult(s.ModelID, s.ID, records, final); err != nil {
		return err
	}

	report("Training completed successfully!", 100, false)
	return s.transition(StatusCompleted)
}

// createModel resolves the model instance: from the base session's artifact
// when continuing, otherwise from the create_model hook.
func (o *Orchestrator) createModel(s *Session, model *UserDefinedModel, script string, set *dataset.TrainingSet, classes int) (backend.Trainable, error) {
	if s.BaseSessionID != "" {
		art, err := o.artifacts.Load(s.BaseSessionID)
		if err != nil {
			return nil, err
		}
		return art.Model, nil
	}

	_, cols := set.TrainX.Dims()
	hyper := model.Hyperparameters
	if hyper == nil {
		hyper = map[string]any{}
	}
	out, err := o.box.Execute(script, sandbox.HookCreateModel, map[string]any{
		"input_shape":     []int{cols},
		"output_shape":    []int{classes},
		"hyperparameters": hyper,
	})
	if err != nil {
		return nil, err
	}
	trainable, ok := out.(backend.Trainable)
	if !ok {
		return nil, errors.NewScriptError(sandbox.HookCreateModel,
			errors.Newf("hook returned %T, not a model", out))
	}
	return trainable, nil
}

// preprocess applies the optional preprocess_data hook to the training
// partition. The validation partition keeps the assembly-time transform.
func (o *Orchestrator) preprocess(script string, model *UserDefinedModel, set *dataset.TrainingSet) error {
	hyper := model.Hyperparameters
	if hyper == nil {
		hyper = map[string]any{}
	}
	out, err := o.box.Execute(script, sandbox.HookPreprocess, map[string]any{
		"data":            set.TrainX,
		"labels":          set.TrainY,
		"hyperparameters": hyper,
	})
	if err != nil {
		var nf *errors.NotFoundError
		if errors.As(err, &nf) {
			return nil
		}
		return err
	}
	pp, ok := out.(*Preprocessed)
	if !ok {
		return errors.NewScriptError(sandbox.HookPreprocess,
			errors.Newf("hook returned %T, not preprocessed data", out))
	}
	if pp.Data != nil {
		set.TrainX = pp.Data
	}
	if pp.Labels != nil {
		set.TrainY = pp.Labels
	}
	return nil
}

// train runs the train_model hook when the script defines one, handing it a
// fit helper bound to the executor so progress and cancellation stay under
// orchestrator control. Scripts without the hook get the executor directly.
func (o *Orchestrator) train(ctx context.Context, exec *executor, script string, trainable backend.Trainable, set *dataset.TrainingSet, cfg TrainingConfig) (backend.History, error) {
	fit := func(m backend.Trainable, trainX, trainY, valX, valY *mat.Dense, _ map[string]any) (backend.History, error) {
		sub := &dataset.TrainingSet{TrainX: trainX, TrainY: trainY, ValX: valX, ValY: valY}
		return exec.run(ctx, m, sub, cfg)
	}
	out, err := o.box.Execute(script, sandbox.HookTrainModel, map[string]any{
		"model":        trainable,
		"train_data":   set.TrainX,
		"train_labels": set.TrainY,
		"val_data":     set.ValX,
		"val_labels":   set.ValY,
		"training_config": map[string]any{
			"epochs":        cfg.Epochs,
			"learning_rate": cfg.LearningRate,
		},
		"fit": fit,
	})
	if err != nil {
		var nf *errors.NotFoundError
		if errors.As(err, &nf) {
			return exec.run(ctx, trainable, set, cfg)
		}
		return nil, err
	}
	history, ok := out.(backend.History)
	if !ok {
		return nil, errors.NewScriptError(sandbox.HookTrainModel,
			errors.Newf("hook returned %T, not a training history", out))
	}
	return history, nil
}
