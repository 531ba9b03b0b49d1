package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/ballotwatch/internal/bus"
	"github.com/opensource-finance/ballotwatch/internal/domain"
	"github.com/opensource-finance/ballotwatch/internal/scoring"
)

type recordingScorer struct {
	mu       sync.Mutex
	votes    []*domain.VoteEvent
	inflight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (s *recordingScorer) Submit(ctx context.Context, ev *domain.VoteEvent) scoring.Result {
	n := s.inflight.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(s.delay)
	s.inflight.Add(-1)

	s.mu.Lock()
	s.votes = append(s.votes, ev)
	s.mu.Unlock()
	return scoring.Result{Verdict: &domain.Verdict{VoteID: ev.VoteID, Confidence: domain.ConfidenceLow}}
}

func (s *recordingScorer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.votes)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func testVote(id string) *domain.VoteEvent {
	return &domain.VoteEvent{
		VoteID:            id,
		VoterID:           "NG12345678",
		CandidateID:       1,
		LocationID:        5,
		Timestamp:         time.Date(2024, 11, 16, 10, 30, 0, 0, time.UTC),
		VotingMethod:      "electronic",
		IPAddress:         "192.168.1.45",
		SessionDuration:   5,
		DeviceFingerprint: "device_abc",
	}
}

func TestWorker(t *testing.T) {
	t.Run("StartAndStop", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		w := NewWorker(eventBus, &recordingScorer{})
		if err := w.Start(Config{Concurrency: 2}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 || stats.Topics[0] != domain.TopicVoteIngested {
			t.Errorf("unexpected stats %+v", stats)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if stats := w.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ScoresPublishedVotes", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		scorer := &recordingScorer{}
		w := NewWorker(eventBus, scorer)
		w.Start(Config{Concurrency: 4})
		defer w.Stop()

		payload, err := EncodeVote(testVote("VOTE_1"))
		if err != nil {
			t.Fatal(err)
		}
		if err := eventBus.Publish(context.Background(), domain.TopicVoteIngested, payload); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		waitFor(t, func() bool { return scorer.count() == 1 })

		got := scorer.votes[0]
		want := testVote("VOTE_1")
		if got.VoteID != want.VoteID || got.SessionDuration != 5 || !got.Timestamp.Equal(want.Timestamp) {
			t.Errorf("vote changed in transit: %+v", got)
		}
		waitFor(t, func() bool { return w.GetStats().Processed == 1 })
	})

	t.Run("RejectsInvalidPayload", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		scorer := &recordingScorer{}
		w := NewWorker(eventBus, scorer)
		w.Start(Config{})
		defer w.Stop()

		ctx := context.Background()
		eventBus.Publish(ctx, domain.TopicVoteIngested, []byte("{not json"))
		eventBus.Publish(ctx, domain.TopicVoteIngested, []byte(`{"candidate_id": 1}`))

		waitFor(t, func() bool { return w.GetStats().Rejected == 2 })
		if scorer.count() != 0 {
			t.Error("invalid votes must not be scored")
		}
	})

	t.Run("BoundedConcurrency", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		scorer := &recordingScorer{delay: 20 * time.Millisecond}
		w := NewWorker(eventBus, scorer)
		w.Start(Config{Concurrency: 3})

		ctx := context.Background()
		for i := 0; i < 12; i++ {
			payload, _ := EncodeVote(testVote("VOTE_" + string(rune('A'+i))))
			eventBus.Publish(ctx, domain.TopicVoteIngested, payload)
		}

		waitFor(t, func() bool { return scorer.count() == 12 })
		w.Stop()

		if peak := scorer.peak.Load(); peak > 3 {
			t.Errorf("expected at most 3 concurrent scores, saw %d", peak)
		}
	})
}

func TestDecodeVote(t *testing.T) {
	t.Run("AppliesDefaults", func(t *testing.T) {
		ev, err := DecodeVote([]byte(`{"voter_id":"NG1","candidate_id":2,"location_id":3,"ip_address":"10.0.0.1","timestamp":"2024-11-16T10:30:00Z"}`))
		if err != nil {
			t.Fatal(err)
		}
		if ev.VoteID == "" {
			t.Error("vote id should be generated")
		}
		if ev.VotingMethod != domain.DefaultVotingMethod || ev.SessionDuration != domain.DefaultSessionDuration {
			t.Errorf("defaults not applied: %+v", ev)
		}
	})

	t.Run("RequiresVoter", func(t *testing.T) {
		if _, err := DecodeVote([]byte(`{"candidate_id":2}`)); err == nil {
			t.Error("expected error for missing voter_id")
		}
	})
}
