package log

import "log/slog"

// Attribute keys shared across the engine. Keeping them here means a status
// dashboard can rely on one spelling per field.
const (
	SessionIDKey   = "session_id"
	ModelIDKey     = "model_id"
	DatasetIDKey   = "dataset_id"
	EpochKey       = "epoch"
	TotalEpochsKey = "total_epochs"
	ProgressKey    = "progress"
	StatusKey      = "status"
	SamplesKey     = "samples"
	FeaturesKey    = "features"
	BackendKey     = "backend"
	HookKey        = "hook"
	DurationMsKey  = "duration_ms"
)

// SessionID returns a session_id attribute.
func SessionID(id string) slog.Attr { return slog.String(SessionIDKey, id) }

// ModelID returns a model_id attribute.
func ModelID(id string) slog.Attr { return slog.String(ModelIDKey, id) }

// DatasetID returns a dataset_id attribute.
func DatasetID(id string) slog.Attr { return slog.String(DatasetIDKey, id) }

// Epoch returns an epoch attribute.
func Epoch(epoch int) slog.Attr { return slog.Int(EpochKey, epoch) }

// Progress returns a progress attribute (0-100).
func Progress(p float64) slog.Attr { return slog.Float64(ProgressKey, p) }

// Status returns a status attribute.
func Status(s string) slog.Attr { return slog.String(StatusKey, s) }
