package ensemble

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/ballotwatch/internal/domain"
	"github.com/opensource-finance/ballotwatch/internal/features"
	"github.com/opensource-finance/ballotwatch/internal/metrics"
	"github.com/opensource-finance/ballotwatch/internal/ml"
	"github.com/opensource-finance/ballotwatch/internal/stats"
)

// Training constants.
const (
	// ContaminationMargin is added to the fraud rate to set the detector's contamination.
	ContaminationMargin = 0.01

	// TestFraction is the stratified hold-out share used for evaluation.
	TestFraction = 0.2

	// SplitSeed makes the hold-out split reproducible.
	SplitSeed = 42

	topFeatures = 10
)

// TrainOptions configures Train.
type TrainOptions struct {
	// FraudRate sets the detector contamination. Zero uses the batch's observed rate.
	FraudRate float64

	Detector   ml.IsolationForestConfig
	Classifier ml.ForestConfig
}

// DefaultTrainOptions returns the production estimator settings.
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{
		Detector:   ml.DefaultIsolationForestConfig(),
		Classifier: ml.DefaultForestConfig(),
	}
}

// FeatureImportance is one ranked classifier importance.
type FeatureImportance struct {
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
}

// TrainingReport summarizes a training run and its hold-out evaluation.
type TrainingReport struct {
	Samples       int     `json:"samples"`
	TrainSamples  int     `json:"train_samples"`
	TestSamples   int     `json:"test_samples"`
	FraudSamples  int     `json:"fraud_samples"`
	FraudRate     float64 `json:"fraud_rate"`
	Contamination float64 `json:"contamination"`

	Detector   ml.BinaryMetrics `json:"anomaly_detector"`
	Classifier ml.BinaryMetrics `json:"classifier"`

	TopFeatures []FeatureImportance `json:"top_features"`

	TrainedAt  time.Time `json:"trained_at"`
	DurationMs int64     `json:"duration_ms"`
}

// Train fits a fresh Model on a labeled batch.
// Every vote must carry a label; otherwise ErrInvalidTrainingSet is returned.
func Train(ctx context.Context, votes []*domain.LabeledVote, opts TrainOptions) (*Model, *TrainingReport, error) {
	start := time.Now()

	if len(votes) == 0 {
		return nil, nil, fmt.Errorf("%w: empty batch", domain.ErrInvalidTrainingSet)
	}

	events := make([]*domain.VoteEvent, len(votes))
	labels := make([]int, len(votes))
	methods := make([]string, len(votes))
	fraud := 0
	for i, v := range votes {
		if v == nil || v.IsFraud == nil {
			return nil, nil, fmt.Errorf("%w: vote %d has no fraud label", domain.ErrInvalidTrainingSet, i)
		}
		ev := v.VoteEvent
		events[i] = &ev
		methods[i] = ev.VotingMethod
		if *v.IsFraud {
			labels[i] = 1
			fraud++
		}
	}
	if fraud == 0 || fraud == len(votes) {
		return nil, nil, fmt.Errorf("%w: batch needs both fraud and legitimate votes", domain.ErrInvalidTrainingSet)
	}

	observedRate := float64(fraud) / float64(len(votes))
	rate := opts.FraudRate
	if rate <= 0 {
		rate = observedRate
	}
	contamination := math.Min(rate+ContaminationMargin, 0.5)

	model := &Model{
		Encoders: map[string]*ml.LabelEncoder{
			features.VotingMethodColumn: ml.FitLabelEncoder(methods),
		},
	}

	vectors, err := features.NewEngineer().ComputeBatch(ctx, events, stats.NewMemoryStore(), model)
	if err != nil {
		return nil, nil, fmt.Errorf("compute features: %w", err)
	}

	X := make([][]float64, len(vectors))
	for i, vec := range vectors {
		X[i] = vec.Values
	}

	scaler, err := ml.FitStandardScaler(X)
	if err != nil {
		return nil, nil, fmt.Errorf("fit scaler: %w", err)
	}
	scaled, err := scaler.TransformAll(X)
	if err != nil {
		return nil, nil, fmt.Errorf("scale features: %w", err)
	}

	trainIdx, testIdx, err := ml.StratifiedSplit(labels, TestFraction, SplitSeed)
	if err != nil {
		return nil, nil, err
	}

	var normal [][]float64
	for _, i := range trainIdx {
		if labels[i] == 0 {
			normal = append(normal, scaled[i])
		}
	}

	detectorCfg := opts.Detector
	detectorCfg.Contamination = contamination
	detector, err := ml.FitIsolationForest(ctx, normal, detectorCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("fit anomaly detector: %w", err)
	}

	classifier, err := ml.FitRandomForest(ctx, ml.Rows(scaled, trainIdx), ml.Labels(labels, trainIdx), opts.Classifier)
	if err != nil {
		return nil, nil, fmt.Errorf("fit classifier: %w", err)
	}

	model.Scaler = scaler
	model.Detector = detector
	model.Classifier = classifier
	model.Metadata = Metadata{
		FeatureColumns:  vectors[0].Names,
		TrainingDate:    time.Now().UTC(),
		ModelVersion:    ModelVersion,
		ContractVersion: features.ContractVersion,
		FraudRate:       rate,
	}

	testX := ml.Rows(scaled, testIdx)
	testY := ml.Labels(labels, testIdx)
	detPred := make([]int, len(testX))
	detScore := make([]float64, len(testX))
	clfPred := make([]int, len(testX))
	clfScore := make([]float64, len(testX))
	for i, row := range testX {
		detPred[i] = detector.Predict(row)
		detScore[i] = detector.Score(row)
		clfScore[i] = classifier.Proba(row)
		clfPred[i] = classifier.Predict(row)
	}

	report := &TrainingReport{
		Samples:       len(votes),
		TrainSamples:  len(trainIdx),
		TestSamples:   len(testIdx),
		FraudSamples:  fraud,
		FraudRate:     observedRate,
		Contamination: contamination,
		TopFeatures:   rankImportances(model.Metadata.FeatureColumns, classifier.Importances, topFeatures),
		TrainedAt:     model.Metadata.TrainingDate,
	}
	if report.Detector, err = ml.Evaluate(testY, detPred, detScore); err != nil {
		return nil, nil, err
	}
	if report.Classifier, err = ml.Evaluate(testY, clfPred, clfScore); err != nil {
		return nil, nil, err
	}
	elapsed := time.Since(start)
	report.DurationMs = elapsed.Milliseconds()
	metrics.TrainingDuration.Observe(elapsed.Seconds())

	slog.Info("ensemble trained",
		"samples", report.Samples,
		"fraud_rate", report.FraudRate,
		"detector_auc", report.Detector.AUC,
		"classifier_auc", report.Classifier.AUC,
		"duration_ms", report.DurationMs,
	)

	return model, report, nil
}

func rankImportances(names []string, importances []float64, limit int) []FeatureImportance {
	ranked := make([]FeatureImportance, 0, len(names))
	for i, name := range names {
		if i < len(importances) {
			ranked = append(ranked, FeatureImportance{Feature: name, Importance: importances[i]})
		}
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].Importance > ranked[b].Importance })
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}
