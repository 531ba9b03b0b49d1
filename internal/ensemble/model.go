// Package ensemble combines an isolation forest and a random forest into the
// fraud model served by the scoring path.
package ensemble

import (
	"fmt"
	"slices"
	"time"

	"github.com/opensource-finance/ballotwatch/internal/domain"
	"github.com/opensource-finance/ballotwatch/internal/features"
	"github.com/opensource-finance/ballotwatch/internal/ml"
)

// ModelVersion is written into every bundle's metadata.
const ModelVersion = "1.0"

// Metadata is the feature contract and training provenance of a Model.
type Metadata struct {
	FeatureColumns  []string  `json:"feature_columns"`
	TrainingDate    time.Time `json:"training_date"`
	ModelVersion    string    `json:"model_version"`
	ContractVersion string    `json:"contract_version,omitempty"`
	FraudRate       float64   `json:"fraud_rate"`
}

// Model is a trained ensemble. It is read-only after Train or Load and safe
// for concurrent scoring.
type Model struct {
	Scaler     *ml.StandardScaler
	Encoders   map[string]*ml.LabelEncoder
	Detector   *ml.IsolationForest
	Classifier *ml.RandomForest
	Metadata   Metadata
}

var _ domain.FraudModel = (*Model)(nil)

// Encode maps value through the encoder fitted for column.
func (m *Model) Encode(column, value string) float64 {
	enc, ok := m.Encoders[column]
	if !ok {
		return ml.UnknownCode
	}
	return float64(enc.Transform(value))
}

// FeatureColumns returns a copy of the model's feature contract.
func (m *Model) FeatureColumns() []string {
	return slices.Clone(m.Metadata.FeatureColumns)
}

// Score checks vec against the feature contract, scales it and runs both
// estimators.
func (m *Model) Score(vec *domain.FeatureVector) (int, float64, error) {
	if m == nil || m.Detector == nil || m.Classifier == nil || m.Scaler == nil {
		return 0, 0, domain.ErrModelNotTrained
	}
	if err := features.Conform(vec, m.Metadata.FeatureColumns); err != nil {
		return 0, 0, err
	}

	row, err := m.Scaler.Transform(vec.Values)
	if err != nil {
		return 0, 0, fmt.Errorf("scale features: %w", err)
	}

	return m.Detector.Predict(row), m.Classifier.Proba(row), nil
}

// Decision is the combined ensemble outcome for one vote.
type Decision struct {
	Score      float64
	IsFraud    bool
	Confidence domain.Confidence
}

// Decide combines the anomaly flag and the classifier probability.
// The score is their mean and fraud is a score above 0.5.
func Decide(anomalyFlag int, probability float64) Decision {
	score := (float64(anomalyFlag) + probability) / 2
	return Decision{
		Score:      score,
		IsFraud:    score > 0.5,
		Confidence: ConfidenceFor(score),
	}
}

// ConfidenceFor bands an ensemble score. Boundary values fall into the lower band.
func ConfidenceFor(score float64) domain.Confidence {
	switch {
	case score > 0.8:
		return domain.ConfidenceHigh
	case score > 0.6:
		return domain.ConfidenceMedium
	default:
		return domain.ConfidenceLow
	}
}
