package training

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fieldlab/traceml/backend"
	"github.com/fieldlab/traceml/dataset"
	"github.com/fieldlab/traceml/pkg/errors"
	"github.com/fieldlab/traceml/pkg/log"
)

// Training occupies the 25-95 band of the session progress scale; the
// phases before and after own the rest.
const (
	trainProgressLow  = 25.0
	trainProgressSpan = 70.0
)

// reporter appends a session log line and fans it out to the caller's
// progress callback and the structured logger.
type reporter func(message string, progress float64, isError bool)

// executor drives one backend fit against an assembled training set,
// translating epochs into the session's progress band.
type executor struct {
	session *Session
	report  reporter
	logger  *slog.Logger
}

// run dispatches on the backend kind. Epoch-capable backends report real
// per-epoch metrics through OnEpochEnd; blocking backends fit in one call
// and get an identical synthesized progress sequence afterwards.
func (e *executor) run(ctx context.Context, model backend.Trainable, set *dataset.TrainingSet, cfg TrainingConfig) (backend.History, error) {
	epochs := cfg.Epochs
	if epochs <= 0 {
		epochs = 100
	}
	e.session.setTotalEpochs(epochs)

	fitCfg := backend.FitConfig{
		Epochs:       epochs,
		LearningRate: cfg.LearningRate,
		ValX:         set.ValX,
		ValY:         set.ValY,
	}

	switch model.Kind() {
	case backend.KindNeuralNetwork:
		fitCfg.OnEpochEnd = func(epoch int, logs map[string]float64) error {
			if err := ctx.Err(); err != nil {
				return errors.ErrCancelled
			}
			progress := trainProgressLow + trainProgressSpan*float64(epoch)/float64(epochs)
			e.session.setEpoch(epoch, progress, logs)
			e.report(epochMessage(epoch, epochs, logs), progress, false)
			e.logger.Debug("epoch finished", log.Epoch(epoch), log.Progress(progress))
			return nil
		}
		history, err := model.Fit(ctx, set.TrainX, set.TrainY, fitCfg)
		if err != nil {
			return history, wrapFitError(model, err)
		}
		return history, nil

	case backend.KindTreeEnsemble:
		history, err := model.Fit(ctx, set.TrainX, set.TrainY, fitCfg)
		if err != nil {
			return history, wrapFitError(model, err)
		}
		for epoch := 1; epoch <= epochs; epoch++ {
			if err := ctx.Err(); err != nil {
				return history, errors.ErrCancelled
			}
			progress := trainProgressLow + trainProgressSpan*float64(epoch)/float64(epochs)
			e.session.setEpoch(epoch, progress, nil)
			e.report(fmt.Sprintf("Training step %d/%d", epoch, epochs), progress, false)
			e.logger.Debug("epoch finished", log.Epoch(epoch), log.Progress(progress))
		}
		return history, nil

	default:
		return nil, errors.NewTrainingError(model.Kind().String(), "dispatch",
			errors.Newf("unsupported backend kind %d", model.Kind()))
	}
}

func epochMessage(epoch, total int, logs map[string]float64) string {
	msg := fmt.Sprintf("Epoch %d/%d - loss: %.4f", epoch, total, logs["loss"])
	if v, ok := logs["val_loss"]; ok {
		msg += fmt.Sprintf(", val_loss: %.4f", v)
	}
	return msg
}

// wrapFitError keeps the cancellation sentinel bare so the worker can tell
// cancellation apart from failure.
func wrapFitError(model backend.Trainable, err error) error {
	if errors.Is(err, errors.ErrCancelled) {
		return err
	}
	return errors.NewTrainingError(model.Kind().String(), "fit", err)
}
