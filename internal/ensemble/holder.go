package ensemble

import (
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/opensource-finance/ballotwatch/internal/domain"
)

// Holder owns the active model of the process. Concurrent loads of the same
// bundle collapse into one, and readers only ever see a fully built model.
type Holder struct {
	model atomic.Pointer[Model]
	group singleflight.Group
}

var _ domain.ModelProvider = (*Holder)(nil)

// NewHolder creates an empty Holder.
func NewHolder() *Holder {
	return &Holder{}
}

// Active returns the loaded model, or ErrModelNotTrained before one is installed.
func (h *Holder) Active() (domain.FraudModel, error) {
	m := h.model.Load()
	if m == nil {
		return nil, domain.ErrModelNotTrained
	}
	return m, nil
}

// Model returns the concrete active model, or nil.
func (h *Holder) Model() *Model {
	return h.model.Load()
}

// Ready reports whether a model is installed.
func (h *Holder) Ready() bool {
	return h.model.Load() != nil
}

// Set installs m as the active model.
func (h *Holder) Set(m *Model) {
	h.model.Store(m)
}

// Load reads the bundle in dir and installs it.
func (h *Holder) Load(dir string) (*Model, error) {
	v, err, shared := h.group.Do(dir, func() (any, error) {
		m, err := Load(dir)
		if err != nil {
			return nil, err
		}
		h.model.Store(m)
		slog.Info("model loaded",
			"dir", dir,
			"model_version", m.Metadata.ModelVersion,
			"features", len(m.Metadata.FeatureColumns),
			"training_date", m.Metadata.TrainingDate,
		)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		slog.Debug("model load shared with concurrent caller", "dir", dir)
	}
	return v.(*Model), nil
}
