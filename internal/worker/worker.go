// Package worker scores votes published on the event bus.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/opensource-finance/ballotwatch/internal/domain"
	"github.com/opensource-finance/ballotwatch/internal/scoring"
)

// Scorer scores one normalized vote.
type Scorer interface {
	Submit(ctx context.Context, ev *domain.VoteEvent) scoring.Result
}

// Worker consumes ballotwatch.vote.ingested and scores each vote.
type Worker struct {
	bus    domain.EventBus
	scorer Scorer

	subscriptions []domain.Subscription
	sem           chan struct{}
	mu            sync.Mutex
	stopped       bool
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	rejected  atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// Concurrency is the number of votes scored in parallel.
	Concurrency int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, scorer Scorer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		scorer: scorer,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the vote ingestion topic.
func (w *Worker) Start(cfg Config) error {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	w.sem = make(chan struct{}, cfg.Concurrency)

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicVoteIngested, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicVoteIngested, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("worker started",
		"topic", domain.TopicVoteIngested,
		"concurrency", cfg.Concurrency,
	)
	return nil
}

// handleMessage decodes the vote and scores it on a pooled goroutine.
// It blocks while every slot is busy, which pushes back on the bus.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	ev, err := DecodeVote(msg.Payload)
	if err != nil {
		w.rejected.Add(1)
		slog.Error("failed to parse vote message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		<-w.sem
		return fmt.Errorf("worker stopped")
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer func() {
			<-w.sem
			w.wg.Done()
		}()
		w.process(ev, msg.ID)
	}()
	return nil
}

func (w *Worker) process(ev *domain.VoteEvent, messageID string) {
	start := time.Now()

	// Accepted votes finish scoring after Stop.
	res := w.scorer.Submit(context.WithoutCancel(w.ctx), ev)
	w.processed.Add(1)

	slog.Info("vote processed",
		"vote_id", ev.VoteID,
		"message_id", messageID,
		"is_fraud", res.Verdict.IsFraud,
		"fraud_probability", res.Verdict.FraudProbability,
		"degraded", res.Degraded(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// DecodeVote parses a vote message payload into a normalized vote.
func DecodeVote(payload []byte) (*domain.VoteEvent, error) {
	var req domain.VoteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid vote payload: %w", err)
	}
	return req.ToVoteEvent()
}

// EncodeVote serializes a normalized vote for ballotwatch.vote.ingested.
func EncodeVote(ev *domain.VoteEvent) ([]byte, error) {
	session := ev.SessionDuration
	return json.Marshal(&domain.VoteRequest{
		VoteID:            ev.VoteID,
		VoterID:           ev.VoterID,
		CandidateID:       ev.CandidateID,
		LocationID:        ev.LocationID,
		Timestamp:         ev.Timestamp.UTC().Format(time.RFC3339Nano),
		VotingMethod:      ev.VotingMethod,
		IPAddress:         ev.IPAddress,
		SessionDuration:   &session,
		DeviceFingerprint: ev.DeviceFingerprint,
		TransactionHash:   ev.TransactionHash,
	})
}

// Stop unsubscribes and waits for in-flight votes to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("worker stopped",
		"processed", w.processed.Load(),
		"rejected", w.rejected.Load(),
	)
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscription_count"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Rejected          int64    `json:"rejected"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Rejected:          w.rejected.Load(),
	}
}
