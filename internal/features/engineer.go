package features

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/ballotwatch/internal/domain"
)

// Encoder maps categorical values to their fitted integer codes.
type Encoder interface {
	Encode(column, value string) float64
}

// Engineer turns votes plus aggregate statistics into feature vectors.
// It holds no state of its own and is safe for concurrent use.
type Engineer struct{}

// NewEngineer creates a feature engineer for the current contract.
func NewEngineer() *Engineer {
	return &Engineer{}
}

// Compute derives the feature vector of one vote from the snapshot taken
// when the vote was observed.
func (e *Engineer) Compute(ev *domain.VoteEvent, snap *domain.StatsSnapshot, enc Encoder) (*domain.FeatureVector, error) {
	if ev == nil {
		return nil, fmt.Errorf("vote event is required")
	}
	if snap == nil {
		return nil, fmt.Errorf("statistics snapshot is required for vote %s", ev.VoteID)
	}
	if enc == nil {
		return nil, fmt.Errorf("categorical encoder is required")
	}

	ts := ev.Timestamp
	dow := mondayFirst(ts.Weekday())

	timeDiff := DefaultTimeDiff
	if !snap.PrevAtLocation.IsZero() {
		timeDiff = math.Max(0, ts.Sub(snap.PrevAtLocation).Seconds())
	}

	zScore := math.Abs(ev.SessionDuration-snap.Population.SessionMean) /
		(snap.Population.SessionStd() + zScoreEpsilon)

	popularity := float64(snap.Candidate.Count)
	againstTrend := 0.0
	if snap.DistinctCandidates > 0 {
		meanPopularity := float64(snap.Population.Count) / float64(snap.DistinctCandidates)
		if popularity < meanPopularity {
			againstTrend = 1
		}
	}

	values := map[string]float64{
		Hour:                    float64(ts.Hour()),
		DayOfWeek:               float64(dow),
		Minute:                  float64(ts.Minute()),
		IsWeekend:               boolFloat(dow >= 5),
		SessionDuration:         ev.SessionDuration,
		SessionZScore:           zScore,
		TimeDiffPrev:            timeDiff,
		VotesSameIP:             float64(snap.IP.Count),
		VotesSameLocation:       float64(snap.Location.Count),
		VotesSameDevice:         float64(snap.Device.Count),
		VotesSameVoter:          float64(snap.Voter.Count),
		VotesSameHourLocation:   float64(snap.LocationHour.Count),
		LocationUtilizationRate: float64(snap.Location.Count) / LocationCapacity,
		CandidatePopularity:     popularity,
		VotingAgainstTrend:      againstTrend,
		IPVoteCount:             float64(snap.IP.Count),
		IPCandidateVariety:      float64(snap.IPCandidates),
		LocationTotalVotes:      float64(snap.Location.Count),
		LocationAvgSession:      math.Round(snap.Location.SessionMean*100) / 100,
		VotingMethodEncoded:     enc.Encode(VotingMethodColumn, ev.VotingMethod),
	}

	vec := &domain.FeatureVector{
		Names:  Columns(),
		Values: make([]float64, len(columns)),
	}
	for i, name := range vec.Names {
		v := values[name]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		vec.Values[i] = v
	}

	return vec, nil
}

// ComputeBatch derives features for a training batch. Every vote is first
// observed into store, which must be empty, so each vector reflects the
// whole batch's aggregates. The gap to the previous vote at a location is
// taken from the batch ordered by location and time.
func (e *Engineer) ComputeBatch(ctx context.Context, events []*domain.VoteEvent, store domain.StatsStore, enc Encoder) ([]*domain.FeatureVector, error) {
	for i, ev := range events {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if _, err := store.Observe(ctx, ev); err != nil {
			return nil, fmt.Errorf("observe vote %d: %w", i, err)
		}
	}

	prev := previousAtLocation(events)

	vectors := make([]*domain.FeatureVector, len(events))
	for i, ev := range events {
		snap, err := store.Snapshot(ctx, ev)
		if err != nil {
			return nil, fmt.Errorf("snapshot vote %d: %w", i, err)
		}
		snap.PrevAtLocation = prev[i]

		vec, err := e.Compute(ev, snap, enc)
		if err != nil {
			return nil, fmt.Errorf("compute vote %d: %w", i, err)
		}
		vectors[i] = vec
	}

	return vectors, nil
}

// previousAtLocation returns, per vote, the timestamp of the vote right
// before it at the same location, or zero for the first one.
func previousAtLocation(events []*domain.VoteEvent) []time.Time {
	order := make([]int, len(events))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ea, eb := events[order[a]], events[order[b]]
		if ea.LocationID != eb.LocationID {
			return ea.LocationID < eb.LocationID
		}
		return ea.Timestamp.Before(eb.Timestamp)
	})

	prev := make([]time.Time, len(events))
	for k := 1; k < len(order); k++ {
		cur, before := events[order[k]], events[order[k-1]]
		if cur.LocationID == before.LocationID {
			prev[order[k]] = before.Timestamp
		}
	}
	return prev
}

func mondayFirst(d time.Weekday) int {
	return (int(d) + 6) % 7
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
