// Package explain turns a scored vote's features into human-readable fraud
// indicators. Each indicator is a CEL predicate over the feature vector.
package explain

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/ballotwatch/internal/domain"
	"github.com/opensource-finance/ballotwatch/internal/features"
)

// Indicator is a named condition over feature values with a message builder.
type Indicator struct {
	ID string

	// Expression is a CEL boolean expression; every feature is a double variable.
	Expression string

	// Message renders the indicator text from the feature values.
	Message func(values map[string]float64) string
}

// compiledIndicator holds a pre-compiled CEL program.
type compiledIndicator struct {
	Indicator
	program cel.Program
}

// Engine evaluates indicators in a fixed order.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	indicators []*compiledIndicator
}

// DefaultIndicators are the fixed checks, in reporting order.
func DefaultIndicators() []Indicator {
	return []Indicator{
		{
			ID:         "multiple_voting",
			Expression: "votes_same_voter > 1.0",
			Message: func(v map[string]float64) string {
				return fmt.Sprintf("Multiple votes from same voter (%d)", int64(v[features.VotesSameVoter]))
			},
		},
		{
			ID:         "ip_clustering",
			Expression: "votes_same_ip > 5.0",
			Message: func(v map[string]float64) string {
				return fmt.Sprintf("High IP clustering (%d votes)", int64(v[features.VotesSameIP]))
			},
		},
		{
			ID:         "unusual_time",
			Expression: "hour < 6.0 || hour > 20.0",
			Message: func(v map[string]float64) string {
				return fmt.Sprintf("Unusual voting time (%d:00)", int64(v[features.Hour]))
			},
		},
		{
			ID:         "fast_voting",
			Expression: "session_duration < 30.0",
			Message: func(v map[string]float64) string {
				return "Unusually fast voting (" + strconv.FormatFloat(v[features.SessionDuration], 'f', -1, 64) + "s)"
			},
		},
		{
			ID:         "location_over_capacity",
			Expression: "location_utilization_rate > 0.8",
			Message: func(map[string]float64) string {
				return "Location over-capacity"
			},
		},
		{
			ID:         "device_reuse",
			Expression: "votes_same_device > 3.0",
			Message: func(v map[string]float64) string {
				return fmt.Sprintf("Multiple votes from same device (%d)", int64(v[features.VotesSameDevice]))
			},
		},
	}
}

// NewEngine creates an engine loaded with the default indicators followed by extra.
func NewEngine(extra ...Indicator) (*Engine, error) {
	opts := make([]cel.EnvOption, 0, len(features.Columns()))
	for _, name := range features.Columns() {
		opts = append(opts, cel.Variable(name, cel.DoubleType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{env: env}
	for _, ind := range append(DefaultIndicators(), extra...) {
		if err := e.Load(ind); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Validate compiles an indicator without loading it.
func (e *Engine) Validate(ind Indicator) error {
	_, err := e.compile(ind)
	return err
}

// Load compiles an indicator and appends it to the evaluation order.
func (e *Engine) Load(ind Indicator) error {
	compiled, err := e.compile(ind)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.indicators = append(e.indicators, compiled)
	return nil
}

// Count returns the number of loaded indicators.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.indicators)
}

// Explain returns the messages of every indicator whose condition holds,
// in load order. Features absent from vec evaluate as 0.
func (e *Engine) Explain(vec *domain.FeatureVector) ([]string, error) {
	if vec == nil {
		return nil, fmt.Errorf("feature vector is required")
	}

	values := make(map[string]float64, len(features.Columns()))
	for _, name := range features.Columns() {
		values[name] = 0
	}
	for i, name := range vec.Names {
		values[name] = vec.Values[i]
	}

	activation := make(map[string]any, len(values))
	for k, v := range values {
		activation[k] = v
	}

	e.mu.RLock()
	indicators := e.indicators
	e.mu.RUnlock()

	out := make([]string, 0, len(indicators))
	for _, ind := range indicators {
		val, _, err := ind.program.Eval(activation)
		if err != nil {
			return nil, fmt.Errorf("indicator %s: %w", ind.ID, err)
		}
		if fired, ok := val.(types.Bool); ok && bool(fired) {
			out = append(out, ind.Message(values))
		}
	}
	return out, nil
}

func (e *Engine) compile(ind Indicator) (*compiledIndicator, error) {
	if ind.ID == "" {
		return nil, fmt.Errorf("indicator id is required")
	}
	if ind.Message == nil {
		return nil, fmt.Errorf("indicator %s: message is required", ind.ID)
	}

	ast, issues := e.env.Compile(ind.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile indicator %s: %w", ind.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("indicator %s: expression must return bool, got %s", ind.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for indicator %s: %w", ind.ID, err)
	}

	return &compiledIndicator{Indicator: ind, program: program}, nil
}
