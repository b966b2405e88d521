// Package traceml is a training orchestration and annotation-derived label
// encoding engine for magnetometer time series.
//
// The engine turns interval annotations over sensor datasets into dense
// per-sample training labels, assembles feature matrices with optional
// sliding-window statistics, and runs script-defined models through an
// asynchronous, cancellable training pipeline with live progress reporting,
// artifact persistence and version lineage. An active-learning selector
// closes the loop by proposing labels for the most uncertain unlabeled
// readings.
//
// # Packages
//
//   - dataset: sensor datasets and feature assembly
//   - annotation: interval annotations, category trees and label encoding
//   - backend: trainable model backends (MLP classifier, isolation forest)
//   - sandbox: validation and execution of user model scripts
//   - training: session lifecycle, orchestration and artifact persistence
//   - suggest: active-learning suggestion generation and review
//   - metrics: classification and regression metrics
//
// # Quick Start
//
//	datasets := dataset.NewStore()
//	annotations := annotation.NewStore()
//	models := training.NewModelStore()
//	sessions := training.NewSessionStore()
//	artifacts, _ := training.NewArtifactStore("artifacts")
//
//	orch := training.NewOrchestrator(datasets, annotations, models, sessions, artifacts)
//	sessionID, err := orch.StartTraining(modelID, datasetID, training.DefaultTrainingConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	report, _ := orch.GetStatus(sessionID)
//	fmt.Println(report.Status, report.Progress)
package traceml
