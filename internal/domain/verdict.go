package domain

import (
	"time"
)

// Confidence is the scoring confidence band of a Verdict.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Severity is the urgency tier of an Alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Verdict is the scoring outcome for one vote.
// Error is only populated on the degraded path, where IsFraud is false
// and FraudProbability is 0.
type Verdict struct {
	VoteID                string     `json:"vote_id"`
	IsFraud               bool       `json:"is_fraud"`
	FraudProbability      float64    `json:"fraud_probability"`
	Confidence            Confidence `json:"confidence"`
	AnomalyScore          float64    `json:"anomaly_score"`
	ClassifierProbability float64    `json:"classifier_probability"`
	Indicators            []string   `json:"indicators"`
	ScoredAt              time.Time  `json:"scored_at"`
	Error                 string     `json:"error,omitempty"`
}

// Degraded reports whether the verdict was produced without a model score.
func (v *Verdict) Degraded() bool {
	return v.Error != ""
}

// Alert is a fraud Verdict that has been published to observers.
type Alert struct {
	AlertID     string    `json:"alert_id"`
	Sequence    uint64    `json:"sequence"`
	Severity    Severity  `json:"severity"`
	PublishedAt time.Time `json:"published_at"`
	Verdict
}

// SeverityFor maps a fraud probability onto its alert severity.
func SeverityFor(probability float64) Severity {
	switch {
	case probability >= 0.9:
		return SeverityCritical
	case probability >= 0.7:
		return SeverityHigh
	case probability >= 0.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// FeatureVector is an ordered mapping of feature names to values.
// Names and Values always have the same length.
type FeatureVector struct {
	Names  []string  `json:"names"`
	Values []float64 `json:"values"`
}

// Get returns the value of the named feature, or 0 when absent.
func (v *FeatureVector) Get(name string) float64 {
	for i, n := range v.Names {
		if n == name {
			return v.Values[i]
		}
	}
	return 0
}

// Map returns the vector as a name->value map.
func (v *FeatureVector) Map() map[string]float64 {
	m := make(map[string]float64, len(v.Names))
	for i, n := range v.Names {
		m[n] = v.Values[i]
	}
	return m
}
