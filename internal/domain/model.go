package domain

// FraudModel is a trained, read-only ensemble ready for scoring.
type FraudModel interface {
	// Encode maps a categorical value through the encoder fitted for column.
	// Unseen values map to the reserved unknown code.
	Encode(column, value string) float64

	// FeatureColumns is the ordered feature contract the model was trained on.
	FeatureColumns() []string

	// Score returns the anomaly flag (0 or 1) and the classifier fraud probability.
	Score(vec *FeatureVector) (anomalyFlag int, probability float64, err error)
}

// ModelProvider hands out the active model.
// Active returns ErrModelNotTrained until a model is installed.
type ModelProvider interface {
	Active() (FraudModel, error)
	Ready() bool
}
