// Package scoring orchestrates fraud scoring for individual votes.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/ballotwatch/internal/domain"
	"github.com/opensource-finance/ballotwatch/internal/ensemble"
	"github.com/opensource-finance/ballotwatch/internal/explain"
	"github.com/opensource-finance/ballotwatch/internal/features"
	"github.com/opensource-finance/ballotwatch/internal/metrics"
)

var tracer = otel.Tracer("ballotwatch-scoring")

// AlertPublisher receives fraud verdicts.
type AlertPublisher interface {
	Publish(v *domain.Verdict) (*domain.Alert, error)
}

// Result is the outcome of Submit. Verdict is always set; Err is non-nil
// when the verdict is degraded.
type Result struct {
	Verdict *domain.Verdict
	Err     error
}

// Degraded reports whether scoring failed and the verdict is the safe default.
func (r Result) Degraded() bool {
	return r.Err != nil
}

// Service scores votes against the active model.
type Service struct {
	store     domain.StatsStore
	models    domain.ModelProvider
	engineer  *features.Engineer
	explainer *explain.Engine
	alerts    AlertPublisher

	repo       domain.Repository
	cache      domain.Cache
	verdictTTL time.Duration
	bus        domain.EventBus
}

// Option configures optional Service sinks.
type Option func(*Service)

// WithRepository persists every vote and verdict.
func WithRepository(repo domain.Repository) Option {
	return func(s *Service) { s.repo = repo }
}

// WithCache caches verdicts by vote id.
func WithCache(cache domain.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = cache
		s.verdictTTL = ttl
	}
}

// WithBus publishes every verdict on ballotwatch.verdict.
func WithBus(bus domain.EventBus) Option {
	return func(s *Service) { s.bus = bus }
}

// NewService creates a scoring service.
func NewService(store domain.StatsStore, models domain.ModelProvider, explainer *explain.Engine, alerts AlertPublisher, opts ...Option) *Service {
	s := &Service{
		store:     store,
		models:    models,
		engineer:  features.NewEngineer(),
		explainer: explainer,
		alerts:    alerts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit scores one vote. The vote is observed into the statistics store
// exactly once, before its features are computed. Without a model Submit
// fails fast and the vote is not observed. Scoring failures never
// propagate: they yield a non-fraud verdict carrying the error text.
func (s *Service) Submit(ctx context.Context, ev *domain.VoteEvent) Result {
	start := time.Now()

	voteID := ""
	if ev != nil {
		voteID = ev.VoteID
	}
	ctx, span := tracer.Start(ctx, "scoring.Submit")
	span.SetAttributes(attribute.String("vote.id", voteID))
	defer span.End()

	v, err := s.score(ctx, ev)
	if err != nil {
		v = &domain.Verdict{
			VoteID:     voteID,
			Confidence: domain.ConfidenceLow,
			Indicators: []string{},
			ScoredAt:   time.Now().UTC(),
			Error:      err.Error(),
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "degraded")
		slog.Warn("vote scoring degraded", "vote_id", voteID, "error", err)
	}
	span.SetAttributes(
		attribute.Bool("verdict.is_fraud", v.IsFraud),
		attribute.Float64("verdict.fraud_probability", v.FraudProbability),
	)

	if v.IsFraud && s.alerts != nil {
		if _, perr := s.alerts.Publish(v); perr != nil {
			slog.Error("failed to publish alert", "vote_id", voteID, "error", perr)
		}
	}

	s.persist(ctx, ev, v)

	elapsed := time.Since(start)
	metrics.RecordScore(v.IsFraud, err != nil, v.FraudProbability, elapsed)
	slog.Debug("vote scored",
		"vote_id", voteID,
		"is_fraud", v.IsFraud,
		"fraud_probability", v.FraudProbability,
		"indicators", len(v.Indicators),
		"duration_ms", elapsed.Milliseconds(),
	)

	return Result{Verdict: v, Err: err}
}

func (s *Service) score(ctx context.Context, ev *domain.VoteEvent) (*domain.Verdict, error) {
	if ev == nil {
		return nil, fmt.Errorf("vote event is required")
	}

	model, err := s.models.Active()
	if err != nil {
		return nil, err
	}

	snap, err := s.store.Observe(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("observe vote: %w", err)
	}

	vec, err := s.engineer.Compute(ev, snap, model)
	if err != nil {
		return nil, fmt.Errorf("compute features: %w", err)
	}
	if err := features.Conform(vec, model.FeatureColumns()); err != nil {
		return nil, err
	}

	flag, prob, err := model.Score(vec)
	if err != nil {
		return nil, fmt.Errorf("score vote: %w", err)
	}
	decision := ensemble.Decide(flag, prob)

	indicators, err := s.explainer.Explain(vec)
	if err != nil {
		slog.Warn("failed to explain verdict", "vote_id", ev.VoteID, "error", err)
		indicators = []string{}
	}

	return &domain.Verdict{
		VoteID:                ev.VoteID,
		IsFraud:               decision.IsFraud,
		FraudProbability:      decision.Score,
		Confidence:            decision.Confidence,
		AnomalyScore:          float64(flag),
		ClassifierProbability: prob,
		Indicators:            indicators,
		ScoredAt:              time.Now().UTC(),
	}, nil
}

// persist stores the vote and verdict in every configured sink. Sink
// failures are logged and never change the verdict.
func (s *Service) persist(ctx context.Context, ev *domain.VoteEvent, v *domain.Verdict) {
	if s.repo != nil && ev != nil {
		if err := s.repo.SaveVote(ctx, ev); err != nil {
			slog.Error("failed to save vote", "vote_id", ev.VoteID, "error", err)
		}
		if err := s.repo.SaveVerdict(ctx, v); err != nil {
			slog.Error("failed to save verdict", "vote_id", v.VoteID, "error", err)
		}
	}

	if s.cache != nil && v.VoteID != "" {
		if err := s.cache.SetVerdict(ctx, v, s.verdictTTL); err != nil {
			slog.Warn("failed to cache verdict", "vote_id", v.VoteID, "error", err)
		}
	}

	if s.bus != nil {
		payload, err := json.Marshal(v)
		if err != nil {
			slog.Error("failed to encode verdict", "vote_id", v.VoteID, "error", err)
			return
		}
		if err := s.bus.Publish(ctx, domain.TopicVerdict, payload); err != nil {
			slog.Warn("failed to publish verdict", "vote_id", v.VoteID, "error", err)
		}
	}
}

// Ready reports whether a model is loaded.
func (s *Service) Ready() bool {
	return s.models.Ready()
}
