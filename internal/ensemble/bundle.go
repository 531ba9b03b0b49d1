package ensemble

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/opensource-finance/ballotwatch/internal/domain"
	"github.com/opensource-finance/ballotwatch/internal/ml"
)

// Bundle artifact file names.
const (
	DetectorFile   = "isolation_forest.json"
	ClassifierFile = "random_forest.json"
	ScalerFile     = "scaler.json"
	EncodersFile   = "encoders.json"
	MetadataFile   = "model_metadata.json"

	// ReportFile sits next to the bundle and is not needed by Load.
	ReportFile = "training_report.json"

	// HistoryFile holds the training votes as CSV. The server replays it
	// into the statistics store at startup; Load does not read it.
	HistoryFile = "history.csv"
)

// Save writes the model bundle into dir, creating it if needed.
func (m *Model) Save(dir string) error {
	if m.Detector == nil || m.Classifier == nil || m.Scaler == nil {
		return domain.ErrModelNotTrained
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create bundle dir: %w", err)
	}

	artifacts := []struct {
		name string
		v    any
	}{
		{DetectorFile, m.Detector},
		{ClassifierFile, m.Classifier},
		{ScalerFile, m.Scaler},
		{EncodersFile, m.Encoders},
		{MetadataFile, m.Metadata},
	}
	for _, a := range artifacts {
		if err := writeJSON(filepath.Join(dir, a.name), a.v); err != nil {
			return err
		}
	}
	return nil
}

// Load reads a model bundle from dir. A missing artifact yields an error
// wrapping ErrModelArtifactMissing.
func Load(dir string) (*Model, error) {
	m := &Model{
		Detector:   &ml.IsolationForest{},
		Classifier: &ml.RandomForest{},
		Scaler:     &ml.StandardScaler{},
		Encoders:   map[string]*ml.LabelEncoder{},
	}

	artifacts := []struct {
		name string
		v    any
	}{
		{MetadataFile, &m.Metadata},
		{ScalerFile, m.Scaler},
		{EncodersFile, &m.Encoders},
		{DetectorFile, m.Detector},
		{ClassifierFile, m.Classifier},
	}
	for _, a := range artifacts {
		if err := readJSON(filepath.Join(dir, a.name), a.v); err != nil {
			return nil, err
		}
	}

	cols := len(m.Metadata.FeatureColumns)
	if cols == 0 {
		return nil, fmt.Errorf("%s: empty feature contract", MetadataFile)
	}
	if len(m.Scaler.Mean) != cols || m.Detector.Features != cols || m.Classifier.Features != cols {
		return nil, fmt.Errorf("bundle in %s is inconsistent: contract has %d columns", dir, cols)
	}

	return m, nil
}

// SaveReport writes the training report into dir.
func SaveReport(dir string, r *TrainingReport) error {
	if r == nil {
		return fmt.Errorf("nil training report")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create bundle dir: %w", err)
	}
	return writeJSON(filepath.Join(dir, ReportFile), r)
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", domain.ErrModelArtifactMissing, path)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
