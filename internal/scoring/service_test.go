package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/ballotwatch/internal/alert"
	"github.com/opensource-finance/ballotwatch/internal/domain"
	"github.com/opensource-finance/ballotwatch/internal/explain"
	"github.com/opensource-finance/ballotwatch/internal/features"
	"github.com/opensource-finance/ballotwatch/internal/stats"
)

// ruleModel flags repeat voters and very short sessions.
type ruleModel struct {
	columns []string
}

func (m *ruleModel) Encode(_, value string) float64 {
	if value == domain.DefaultVotingMethod {
		return 0
	}
	return -1
}

func (m *ruleModel) FeatureColumns() []string {
	if m.columns != nil {
		return m.columns
	}
	return features.Columns()
}

func (m *ruleModel) Score(vec *domain.FeatureVector) (int, float64, error) {
	if vec.Get(features.VotesSameVoter) > 1 || vec.Get(features.SessionDuration) < 30 {
		return 1, 0.9, nil
	}
	return 0, 0.05, nil
}

type provider struct {
	model domain.FraudModel
}

func (p *provider) Active() (domain.FraudModel, error) {
	if p.model == nil {
		return nil, domain.ErrModelNotTrained
	}
	return p.model, nil
}

func (p *provider) Ready() bool { return p.model != nil }

type fakeRepo struct {
	domain.Repository
	mu       sync.Mutex
	votes    map[string]*domain.VoteEvent
	verdicts map[string]*domain.Verdict
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		votes:    make(map[string]*domain.VoteEvent),
		verdicts: make(map[string]*domain.Verdict),
	}
}

func (r *fakeRepo) SaveVote(_ context.Context, ev *domain.VoteEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.votes[ev.VoteID] = ev
	return nil
}

func (r *fakeRepo) SaveVerdict(_ context.Context, v *domain.Verdict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verdicts[v.VoteID] = v
	return nil
}

type fakeCache struct {
	domain.Cache
	mu       sync.Mutex
	verdicts map[string]*domain.Verdict
}

func (c *fakeCache) SetVerdict(_ context.Context, v *domain.Verdict, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verdicts[v.VoteID] = v
	return nil
}

type fakeBus struct {
	domain.EventBus
	mu     sync.Mutex
	topics []string
}

func (b *fakeBus) Publish(_ context.Context, topic string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	return nil
}

func newService(t *testing.T, model domain.FraudModel, opts ...Option) (*Service, *stats.MemoryStore, *alert.Distributor) {
	t.Helper()
	engine, err := explain.NewEngine()
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	store := stats.NewMemoryStore()
	dist := alert.NewDistributor(alert.Config{})
	t.Cleanup(func() { dist.Close() })
	return NewService(store, &provider{model: model}, engine, dist, opts...), store, dist
}

func scenarioVotes() []*domain.VoteEvent {
	start := time.Date(2024, 11, 16, 10, 30, 0, 0, time.UTC)
	return []*domain.VoteEvent{
		{
			VoteID:            "VOTE_1",
			VoterID:           "NG12345678",
			CandidateID:       1,
			LocationID:        5,
			Timestamp:         start,
			VotingMethod:      "electronic",
			IPAddress:         "192.168.1.45",
			SessionDuration:   180,
			DeviceFingerprint: "device_abc",
		},
		{
			VoteID:            "VOTE_2",
			VoterID:           "NG12345678",
			CandidateID:       2,
			LocationID:        5,
			Timestamp:         start.Add(2 * time.Minute),
			VotingMethod:      "electronic",
			IPAddress:         "192.168.1.45",
			SessionDuration:   5,
			DeviceFingerprint: "device_abc",
		},
	}
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("RepeatVoterIsFraud", func(t *testing.T) {
		svc, store, dist := newService(t, &ruleModel{})
		votes := scenarioVotes()

		first := svc.Submit(ctx, votes[0])
		if first.Degraded() {
			t.Fatalf("first vote degraded: %v", first.Err)
		}
		if first.Verdict.IsFraud {
			t.Errorf("first vote should be clean, got %+v", first.Verdict)
		}

		second := svc.Submit(ctx, votes[1])
		if second.Degraded() {
			t.Fatalf("second vote degraded: %v", second.Err)
		}
		v := second.Verdict
		if !v.IsFraud {
			t.Fatalf("second vote should be fraud, got %+v", v)
		}
		for _, want := range []string{"Multiple votes from same voter (2)", "Unusually fast voting (5s)"} {
			if !slices.Contains(v.Indicators, want) {
				t.Errorf("missing indicator %q in %v", want, v.Indicators)
			}
		}
		if math.Abs(v.FraudProbability-0.95) > 1e-9 || v.Confidence != domain.ConfidenceHigh {
			t.Errorf("unexpected score %v / %s", v.FraudProbability, v.Confidence)
		}
		if v.AnomalyScore != 1 || v.ClassifierProbability != 0.9 {
			t.Errorf("unexpected components %v / %v", v.AnomalyScore, v.ClassifierProbability)
		}

		c, _ := store.StatsFor(ctx, domain.DimVoter, "NG12345678")
		if c.Count != 2 {
			t.Errorf("each vote must be observed once, voter count is %d", c.Count)
		}

		if n := dist.Stats().TotalAlerts; n != 1 {
			t.Errorf("expected 1 alert, got %d", n)
		}
		recent := dist.Recent(0)
		if len(recent) != 1 || recent[0].VoteID != "VOTE_2" {
			t.Errorf("unexpected alerts %v", recent)
		}
	})

	t.Run("IsolatedVoteIsClean", func(t *testing.T) {
		svc, _, dist := newService(t, &ruleModel{})
		res := svc.Submit(ctx, &domain.VoteEvent{
			VoteID:            "VOTE_ISO",
			VoterID:           "NG00000001",
			CandidateID:       3,
			LocationID:        9,
			Timestamp:         time.Date(2024, 11, 16, 14, 0, 0, 0, time.UTC),
			VotingMethod:      "electronic",
			IPAddress:         "10.0.0.9",
			SessionDuration:   120,
			DeviceFingerprint: "device_iso",
		})
		if res.Degraded() {
			t.Fatalf("unexpected degraded verdict: %v", res.Err)
		}
		if res.Verdict.IsFraud {
			t.Errorf("isolated vote flagged: %+v", res.Verdict)
		}
		if len(res.Verdict.Indicators) != 0 {
			t.Errorf("expected no indicators, got %v", res.Verdict.Indicators)
		}
		if dist.Stats().TotalAlerts != 0 {
			t.Error("clean vote produced an alert")
		}
	})
}

func TestSubmitDegraded(t *testing.T) {
	ctx := context.Background()

	t.Run("NoModel", func(t *testing.T) {
		svc, store, dist := newService(t, nil)
		if svc.Ready() {
			t.Error("service reports ready without a model")
		}

		res := svc.Submit(ctx, scenarioVotes()[1])
		if !errors.Is(res.Err, domain.ErrModelNotTrained) {
			t.Fatalf("expected ErrModelNotTrained, got %v", res.Err)
		}
		v := res.Verdict
		if v.IsFraud || v.FraudProbability != 0 || v.Confidence != domain.ConfidenceLow {
			t.Errorf("degraded verdict must be non-fraud, got %+v", v)
		}
		if v.Error == "" || !v.Degraded() {
			t.Error("degraded verdict must carry the error text")
		}
		if v.VoteID != "VOTE_2" || v.Indicators == nil {
			t.Errorf("unexpected degraded verdict %+v", v)
		}
		if dist.Stats().TotalAlerts != 0 {
			t.Error("degraded verdict produced an alert")
		}

		c, _ := store.StatsFor(ctx, domain.DimVoter, "NG12345678")
		if c.Count != 0 {
			t.Errorf("vote should not be observed without a model, count %d", c.Count)
		}
	})

	t.Run("FeatureMismatch", func(t *testing.T) {
		cols := features.Columns()
		cols[0], cols[1] = cols[1], cols[0]
		svc, _, _ := newService(t, &ruleModel{columns: cols})

		res := svc.Submit(ctx, scenarioVotes()[0])
		if !errors.Is(res.Err, domain.ErrFeatureMismatch) {
			t.Fatalf("expected ErrFeatureMismatch, got %v", res.Err)
		}
		if res.Verdict.IsFraud {
			t.Error("mismatch must not produce a fraud verdict")
		}
	})

	t.Run("NilEvent", func(t *testing.T) {
		svc, _, _ := newService(t, &ruleModel{})
		res := svc.Submit(ctx, nil)
		if res.Err == nil || res.Verdict == nil {
			t.Fatalf("expected a degraded verdict, got %+v", res)
		}
	})
}

func TestSubmitConcurrent(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t, &ruleModel{})

	const n = 200
	ts := time.Date(2024, 11, 16, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := svc.Submit(ctx, &domain.VoteEvent{
				VoteID:            fmt.Sprintf("VOTE_%d", i),
				VoterID:           fmt.Sprintf("NG%08d", i),
				CandidateID:       i % 5,
				LocationID:        i % 10,
				Timestamp:         ts.Add(time.Duration(i) * time.Second),
				VotingMethod:      "electronic",
				IPAddress:         "172.16.0.1",
				SessionDuration:   120,
				DeviceFingerprint: fmt.Sprintf("device_%d", i),
			})
			if res.Degraded() {
				t.Errorf("vote %d degraded: %v", i, res.Err)
			}
		}(i)
	}
	wg.Wait()

	c, err := store.StatsFor(ctx, domain.DimIP, "172.16.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Count != n {
		t.Errorf("expected ip count %d, got %d", n, c.Count)
	}
}

func TestSubmitSinks(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	cache := &fakeCache{verdicts: make(map[string]*domain.Verdict)}
	bus := &fakeBus{}

	svc, _, _ := newService(t, &ruleModel{},
		WithRepository(repo),
		WithCache(cache, time.Minute),
		WithBus(bus),
	)

	for _, ev := range scenarioVotes() {
		svc.Submit(ctx, ev)
	}

	if len(repo.votes) != 2 || len(repo.verdicts) != 2 {
		t.Errorf("expected 2 votes and verdicts saved, got %d/%d", len(repo.votes), len(repo.verdicts))
	}
	if v := cache.verdicts["VOTE_2"]; v == nil || !v.IsFraud {
		t.Errorf("fraud verdict not cached: %+v", v)
	}
	if len(bus.topics) != 2 || bus.topics[0] != domain.TopicVerdict {
		t.Errorf("unexpected bus topics %v", bus.topics)
	}
}
