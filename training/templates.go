package training

// Script templates for models created without a script. The orchestrator
// falls back to the template matching the model type, so a freshly created
// model is trainable out of the box.

const classificationTemplate = `create_model: mlp(hyperparameters)
preprocess_data: preprocessed(data, labels)
train_model: fit(model, train_data, train_labels, val_data, val_labels, training_config)
`

const anomalyTemplate = `create_model: isolation_forest(hyperparameters)
train_model: fit(model, train_data, train_labels, val_data, val_labels, training_config)
`

// TemplateScript returns the default hook script for a model type.
// Unrecognized types get the classification template.
func TemplateScript(modelType string) string {
	switch modelType {
	case "anomaly_detection":
		return anomalyTemplate
	default:
		return classificationTemplate
	}
}
