package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrFeatureMismatch is matched by every *FeatureMismatchError.
	ErrFeatureMismatch = errors.New("feature mismatch")

	// ErrModelNotTrained is returned when scoring is attempted before a model is trained or loaded.
	ErrModelNotTrained = errors.New("model not trained")

	// ErrInvalidTrainingSet is returned when a training batch is empty or unlabeled.
	ErrInvalidTrainingSet = errors.New("invalid training set")

	// ErrModelArtifactMissing is returned when a persisted model bundle is incomplete.
	ErrModelArtifactMissing = errors.New("models not found")

	// ErrNotFound is returned by lookups for records that do not exist.
	ErrNotFound = errors.New("record not found")
)

// FeatureMismatchError reports a drift between the feature columns a model was
// trained on and the columns computed for a vote.
type FeatureMismatchError struct {
	Expected []string
	Got      []string
}

func (e *FeatureMismatchError) Error() string {
	return fmt.Sprintf("feature mismatch: model expects [%s], computed [%s]",
		strings.Join(e.Expected, ","), strings.Join(e.Got, ","))
}

// Is lets errors.Is(err, ErrFeatureMismatch) match.
func (e *FeatureMismatchError) Is(target error) bool {
	return target == ErrFeatureMismatch
}
