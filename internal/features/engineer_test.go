package features

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/opensource-finance/ballotwatch/internal/domain"
	"github.com/opensource-finance/ballotwatch/internal/stats"
)

type mapEncoder map[string]float64

func (m mapEncoder) Encode(column, value string) float64 {
	if code, ok := m[value]; ok {
		return code
	}
	return -1
}

var testEncoder = mapEncoder{"electronic": 0, "paper": 1}

func scenarioVotes() []*domain.VoteEvent {
	base := time.Date(2024, 11, 16, 14, 30, 0, 0, time.UTC)
	return []*domain.VoteEvent{
		{
			VoteID: "V1", VoterID: "NG12345678", CandidateID: 1, LocationID: 15,
			Timestamp: base, VotingMethod: "electronic", IPAddress: "192.168.1.45",
			SessionDuration: 120, DeviceFingerprint: "abc123def456",
		},
		{
			VoteID: "V2", VoterID: "NG12345678", CandidateID: 2, LocationID: 15,
			Timestamp: base.Add(2 * time.Minute), VotingMethod: "electronic", IPAddress: "192.168.1.45",
			SessionDuration: 5, DeviceFingerprint: "abc123def456",
		},
	}
}

func TestCompute(t *testing.T) {
	ctx := context.Background()
	engineer := NewEngineer()

	t.Run("StreamingScenario", func(t *testing.T) {
		store := stats.NewMemoryStore()
		votes := scenarioVotes()

		var vec *domain.FeatureVector
		for _, ev := range votes {
			snap, err := store.Observe(ctx, ev)
			if err != nil {
				t.Fatalf("Observe failed: %v", err)
			}
			vec, err = engineer.Compute(ev, snap, testEncoder)
			if err != nil {
				t.Fatalf("Compute failed: %v", err)
			}
		}

		checks := map[string]float64{
			Hour:                    14,
			DayOfWeek:               5, // Saturday
			Minute:                  32,
			IsWeekend:               1,
			SessionDuration:         5,
			TimeDiffPrev:            120,
			VotesSameIP:             2,
			VotesSameVoter:          2,
			VotesSameDevice:         2,
			VotesSameHourLocation:   2,
			LocationUtilizationRate: 0.002,
			IPCandidateVariety:      2,
			LocationAvgSession:      62.5,
			VotingMethodEncoded:     0,
		}
		for name, want := range checks {
			if got := vec.Get(name); got != want {
				t.Errorf("%s: expected %v, got %v", name, want, got)
			}
		}
	})

	t.Run("FirstVoteDefaults", func(t *testing.T) {
		store := stats.NewMemoryStore()
		ev := scenarioVotes()[0]
		snap, _ := store.Observe(ctx, ev)
		vec, err := engineer.Compute(ev, snap, testEncoder)
		if err != nil {
			t.Fatalf("Compute failed: %v", err)
		}
		if got := vec.Get(TimeDiffPrev); got != DefaultTimeDiff {
			t.Errorf("expected default time diff, got %v", got)
		}
		if got := vec.Get(SessionZScore); got != 0 {
			t.Errorf("expected zero z-score for a single vote, got %v", got)
		}
		if got := vec.Get(VotingAgainstTrend); got != 0 {
			t.Errorf("expected not against trend, got %v", got)
		}
	})

	t.Run("UnseenCategoryUsesReservedCode", func(t *testing.T) {
		store := stats.NewMemoryStore()
		ev := scenarioVotes()[0]
		ev.VotingMethod = "carrier-pigeon"
		snap, _ := store.Observe(ctx, ev)
		vec, err := engineer.Compute(ev, snap, testEncoder)
		if err != nil {
			t.Fatalf("Compute failed: %v", err)
		}
		if got := vec.Get(VotingMethodEncoded); got != -1 {
			t.Errorf("expected -1 for unseen method, got %v", got)
		}
	})

	t.Run("ColumnsFollowContract", func(t *testing.T) {
		store := stats.NewMemoryStore()
		ev := scenarioVotes()[0]
		snap, _ := store.Observe(ctx, ev)
		vec, _ := engineer.Compute(ev, snap, testEncoder)
		if !slices.Equal(vec.Names, Columns()) {
			t.Errorf("unexpected column order: %v", vec.Names)
		}
		if len(vec.Values) != len(vec.Names) {
			t.Errorf("names/values length mismatch: %d vs %d", len(vec.Names), len(vec.Values))
		}
	})

	t.Run("MissingSnapshot", func(t *testing.T) {
		if _, err := engineer.Compute(scenarioVotes()[0], nil, testEncoder); err == nil {
			t.Error("expected error without snapshot")
		}
	})
}

func TestComputeBatch(t *testing.T) {
	ctx := context.Background()
	engineer := NewEngineer()

	t.Run("WholeBatchAggregates", func(t *testing.T) {
		votes := scenarioVotes()
		vectors, err := engineer.ComputeBatch(ctx, votes, stats.NewMemoryStore(), testEncoder)
		if err != nil {
			t.Fatalf("ComputeBatch failed: %v", err)
		}
		if len(vectors) != 2 {
			t.Fatalf("expected 2 vectors, got %d", len(vectors))
		}
		// the first vote already sees the second one in its co-occurrence counts
		if got := vectors[0].Get(VotesSameVoter); got != 2 {
			t.Errorf("expected batch voter count 2, got %v", got)
		}
		if got := vectors[0].Get(TimeDiffPrev); got != DefaultTimeDiff {
			t.Errorf("expected default time diff for first vote, got %v", got)
		}
		if got := vectors[1].Get(TimeDiffPrev); got != 120 {
			t.Errorf("expected 120s time diff, got %v", got)
		}
	})

	t.Run("UnorderedInputSortedPerLocation", func(t *testing.T) {
		votes := scenarioVotes()
		slices.Reverse(votes)
		vectors, err := engineer.ComputeBatch(ctx, votes, stats.NewMemoryStore(), testEncoder)
		if err != nil {
			t.Fatalf("ComputeBatch failed: %v", err)
		}
		// votes[0] is now the later vote
		if got := vectors[0].Get(TimeDiffPrev); got != 120 {
			t.Errorf("expected 120s for the later vote, got %v", got)
		}
		if got := vectors[1].Get(TimeDiffPrev); got != DefaultTimeDiff {
			t.Errorf("expected default for the earlier vote, got %v", got)
		}
	})

	t.Run("LastEventParity", func(t *testing.T) {
		votes := scenarioVotes()
		batch, err := engineer.ComputeBatch(ctx, votes, stats.NewMemoryStore(), testEncoder)
		if err != nil {
			t.Fatalf("ComputeBatch failed: %v", err)
		}

		store := stats.NewMemoryStore()
		var stream *domain.FeatureVector
		for _, ev := range votes {
			snap, _ := store.Observe(ctx, ev)
			stream, _ = engineer.Compute(ev, snap, testEncoder)
		}

		last := batch[len(batch)-1]
		if !slices.Equal(stream.Names, last.Names) {
			t.Fatal("column lists differ between batch and stream")
		}
		for i := range last.Values {
			if last.Values[i] != stream.Values[i] {
				t.Errorf("%s: batch %v, stream %v", last.Names[i], last.Values[i], stream.Values[i])
			}
		}
	})

	t.Run("Cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := engineer.ComputeBatch(cctx, scenarioVotes(), stats.NewMemoryStore(), testEncoder); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestConform(t *testing.T) {
	vec := &domain.FeatureVector{Names: Columns(), Values: make([]float64, len(Columns()))}

	if err := Conform(vec, Columns()); err != nil {
		t.Errorf("expected matching contract, got %v", err)
	}

	reordered := Columns()
	reordered[0], reordered[1] = reordered[1], reordered[0]
	err := Conform(vec, reordered)
	if !errors.Is(err, domain.ErrFeatureMismatch) {
		t.Errorf("expected ErrFeatureMismatch for reordered contract, got %v", err)
	}

	var mismatch *domain.FeatureMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatal("expected *FeatureMismatchError")
	}
	if mismatch.Expected[0] != DayOfWeek {
		t.Errorf("unexpected expected list %v", mismatch.Expected)
	}
}
