package training

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"sync"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/fieldlab/traceml/backend"
	"github.com/fieldlab/traceml/pkg/errors"
)

func init() {
	gob.Register(&backend.MLPClassifier{})
	gob.Register(&backend.IsolationForest{})
}

// Artifact is everything needed to reuse a trained model outside its
// training session: the fitted backend plus the feature scaling that was
// applied at training time.
type Artifact struct {
	SessionID string
	ModelID   string
	ModelType string

	Model backend.Trainable

	// Feature scaling fitted on the training partition. Empty when
	// standardization was disabled.
	Mean  []float64
	Scale []float64

	WindowSize int
	MultiLabel bool
	Classes    int

	History backend.History
}

// ArtifactStore persists trained artifacts as gob files keyed by session id,
// with an optional loss-curve PNG next to each artifact.
type ArtifactStore struct {
	mu  sync.Mutex
	dir string
}

// NewArtifactStore creates the artifact directory if needed.
func NewArtifactStore(dir string) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating artifact directory")
	}
	return &ArtifactStore{dir: dir}, nil
}

// Path returns the artifact file path for a session.
func (st *ArtifactStore) Path(sessionID string) string {
	return filepath.Join(st.dir, sessionID+".gob")
}

// PlotPath returns the loss-curve image path for a session.
func (st *ArtifactStore) PlotPath(sessionID string) string {
	return filepath.Join(st.dir, sessionID+"_loss.png")
}

// Save writes the artifact atomically: the gob is written to a temp file and
// renamed into place, so a failed save never leaves a partial artifact.
func (st *ArtifactStore) Save(art *Artifact) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	tmp, err := os.CreateTemp(st.dir, "artifact-*.tmp")
	if err != nil {
		return errors.Wrap(err, "creating artifact temp file")
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(art); err != nil {
		tmp.Close()
		return errors.Wrap(err, "encoding artifact")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing artifact temp file")
	}
	if err := os.Rename(tmp.Name(), st.Path(art.SessionID)); err != nil {
		return errors.Wrap(err, "writing artifact")
	}
	return nil
}

// Load reads the artifact of a session.
func (st *ArtifactStore) Load(sessionID string) (*Artifact, error) {
	f, err := os.Open(st.Path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("artifact", sessionID)
		}
		return nil, errors.Wrap(err, "opening artifact")
	}
	defer f.Close()

	var art Artifact
	if err := gob.NewDecoder(f).Decode(&art); err != nil {
		return nil, errors.Wrap(err, "decoding artifact")
	}
	return &art, nil
}

// SaveLossCurve renders the loss series of a history to a PNG beside the
// artifact. Histories without a loss series are skipped without error.
func (st *ArtifactStore) SaveLossCurve(sessionID string, history backend.History) error {
	loss := history["loss"]
	if len(loss) == 0 {
		return nil
	}

	p := plot.New()
	p.Title.Text = "Training loss"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "loss"

	addSeries := func(name string, series []float64) error {
		if len(series) == 0 {
			return nil
		}
		pts := make(plotter.XYs, len(series))
		for i, v := range series {
			pts[i].X = float64(i + 1)
			pts[i].Y = v
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		p.Add(line)
		p.Legend.Add(name, line)
		return nil
	}
	if err := addSeries("loss", loss); err != nil {
		return errors.Wrap(err, "plotting loss curve")
	}
	if err := addSeries("val_loss", history["val_loss"]); err != nil {
		return errors.Wrap(err, "plotting loss curve")
	}

	if err := p.Save(8*vg.Inch, 5*vg.Inch, st.PlotPath(sessionID)); err != nil {
		return errors.Wrap(err, "saving loss curve")
	}
	return nil
}

// finalMetricsFromHistory extracts the last value of each tracked series.
func finalMetricsFromHistory(h backend.History) map[string]float64 {
	final := make(map[string]float64)
	for name, key := range map[string]string{
		"loss":          "final_loss",
		"val_loss":      "final_val_loss",
		"accuracy":      "final_accuracy",
		"val_accuracy":  "final_val_accuracy",
		"precision":     "final_precision",
		"val_precision": "final_val_precision",
		"recall":        "final_recall",
		"val_recall":    "final_val_recall",
		"f1":            "final_f1",
		"val_f1":        "final_val_f1",
	} {
		if len(h[name]) > 0 {
			final[key] = h.Final(name)
		}
	}
	return final
}
