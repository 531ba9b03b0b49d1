//go:build integration
// +build integration

// Package integration provides end-to-end tests for the ballotwatch scoring
// pipeline.
//
// The pipeline under test:
//
//	HTTP / bus -> statistics store -> features -> ensemble -> verdict -> alerts
//
// A small ensemble is trained on synthetic votes, written as a bundle and
// loaded back, so every test scores against a real model. Backing services
// are the Community tier ones: SQLite, the in-process channel bus and the
// LRU cache.
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// Pro tier backends are exercised when their addresses are set:
//
//	BALLOTWATCH_TEST_NATS_URL      e.g. nats://localhost:4222
//	BALLOTWATCH_TEST_KAFKA_BROKERS e.g. localhost:9092
package integration

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/opensource-finance/ballotwatch/internal/alert"
	"github.com/opensource-finance/ballotwatch/internal/api"
	"github.com/opensource-finance/ballotwatch/internal/bus"
	"github.com/opensource-finance/ballotwatch/internal/cache"
	"github.com/opensource-finance/ballotwatch/internal/dataset"
	"github.com/opensource-finance/ballotwatch/internal/domain"
	"github.com/opensource-finance/ballotwatch/internal/ensemble"
	"github.com/opensource-finance/ballotwatch/internal/explain"
	"github.com/opensource-finance/ballotwatch/internal/repository"
	"github.com/opensource-finance/ballotwatch/internal/scoring"
	"github.com/opensource-finance/ballotwatch/internal/stats"
	"github.com/opensource-finance/ballotwatch/internal/worker"
)

var (
	bundleOnce sync.Once
	bundleDir  string
	bundleErr  error
)

// trainedBundle trains once per test binary and returns the bundle directory.
func trainedBundle(t *testing.T) string {
	t.Helper()
	bundleOnce.Do(func() {
		cfg := dataset.DefaultGeneratorConfig()
		cfg.Voters, cfg.Votes, cfg.FraudRate = 2000, 1500, 0.1
		gen, err := dataset.NewGenerator(cfg)
		if err != nil {
			bundleErr = err
			return
		}

		opts := ensemble.DefaultTrainOptions()
		opts.Detector.Trees = 40
		opts.Classifier.Trees = 40
		votes := gen.Generate()
		model, report, err := ensemble.Train(context.Background(), votes, opts)
		if err != nil {
			bundleErr = err
			return
		}

		bundleDir, bundleErr = os.MkdirTemp("", "ballotwatch-bundle-")
		if bundleErr != nil {
			return
		}
		if bundleErr = model.Save(bundleDir); bundleErr != nil {
			return
		}
		if bundleErr = ensemble.SaveReport(bundleDir, report); bundleErr != nil {
			return
		}
		bundleErr = dataset.WriteCSV(filepath.Join(bundleDir, ensemble.HistoryFile), votes)
	})
	if bundleErr != nil {
		t.Fatalf("failed to train bundle: %v", bundleErr)
	}
	return bundleDir
}

// stack is a fully wired Community tier service.
type stack struct {
	repo   *repository.SQLRepository
	bus    *bus.ChannelBus
	alerts *alert.Distributor
	worker *worker.Worker
	server *httptest.Server
}

func newStack(t *testing.T) *stack {
	t.Helper()

	repo, err := repository.Open(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "ballotwatch.db"),
	})
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	eventBus := bus.NewChannelBus(1000)
	lru := cache.NewLRUCache(1000)

	models := ensemble.NewHolder()
	if _, err := models.Load(trainedBundle(t)); err != nil {
		t.Fatalf("failed to load bundle: %v", err)
	}
	explainer, err := explain.NewEngine()
	if err != nil {
		t.Fatal(err)
	}

	dist := alert.NewDistributor(alert.Config{Retention: 1000, QueueSize: 1024})
	dist.RegisterBuffered(alert.NewArchive(repo), 1024)
	dist.RegisterBuffered(alert.NewBusForwarder(eventBus), 1024)

	// Live aggregates start from the training history, as the server does.
	history, err := dataset.ReadCSV(filepath.Join(trainedBundle(t), ensemble.HistoryFile), dataset.ReadOptions{})
	if err != nil {
		t.Fatalf("failed to read training history: %v", err)
	}
	store := stats.NewMemoryStore()
	if _, err := stats.Warm(context.Background(), store, dataset.Events(history)); err != nil {
		t.Fatalf("failed to warm statistics: %v", err)
	}

	svc := scoring.NewService(store, models, explainer, dist,
		scoring.WithRepository(repo),
		scoring.WithCache(lru, time.Hour),
		scoring.WithBus(eventBus),
	)

	w := worker.NewWorker(eventBus, svc)
	if err := w.Start(worker.Config{Concurrency: 4}); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}

	srv := api.NewServer(domain.ServerConfig{}, api.Deps{
		Scorer:    svc,
		Alerts:    dist,
		Repo:      repo,
		Cache:     lru,
		Bus:       eventBus,
		Models:    models,
		BundleDir: trainedBundle(t),
		Version:   "integration",
	})
	ts := httptest.NewServer(srv.Router())

	s := &stack{repo: repo, bus: eventBus, alerts: dist, worker: w, server: ts}
	t.Cleanup(func() {
		ts.Close()
		w.Stop()
		dist.Close()
		eventBus.Close()
		repo.Close()
	})
	return s
}

func (s *stack) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(s.server.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp
}

func (s *stack) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(s.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func analyze(t *testing.T, s *stack, vote map[string]any) domain.Verdict {
	t.Helper()
	resp := s.post(t, "/analyze-vote", vote)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var v domain.Verdict
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// TestRepeatVoterScenario replays the reference scenario: the same voter
// votes twice from the same IP, the second time in five seconds.
func TestRepeatVoterScenario(t *testing.T) {
	s := newStack(t)

	first := analyze(t, s, map[string]any{
		"vote_id": "VOTE_1", "voter_id": "NG12345678", "candidate_id": 2, "location_id": 5,
		"timestamp": "2024-11-16T10:30:00", "ip_address": "192.168.1.45", "session_duration": 180,
	})
	if first.Degraded() {
		t.Fatalf("first vote degraded: %s", first.Error)
	}
	if slices.Contains(first.Indicators, "Multiple votes from same voter (2)") {
		t.Error("first vote cannot be a repeat")
	}

	second := analyze(t, s, map[string]any{
		"vote_id": "VOTE_2", "voter_id": "NG12345678", "candidate_id": 2, "location_id": 5,
		"timestamp": "2024-11-16T10:32:00", "ip_address": "192.168.1.45", "session_duration": 5,
	})
	for _, want := range []string{"Multiple votes from same voter (2)", "Unusually fast voting (5s)"} {
		if !slices.Contains(second.Indicators, want) {
			t.Errorf("missing indicator %q in %v", want, second.Indicators)
		}
	}
	if !second.IsFraud {
		t.Errorf("second vote should be fraud: p=%v flag=%v classifier=%v",
			second.FraudProbability, second.AnomalyScore, second.ClassifierProbability)
	}
	if second.FraudProbability <= 0.5 || second.FraudProbability > 1 {
		t.Errorf("fraud probability out of range: %v", second.FraudProbability)
	}

	t.Run("VerdictIsStored", func(t *testing.T) {
		var v domain.Verdict
		if code := s.get(t, "/verdicts/VOTE_2", &v); code != http.StatusOK {
			t.Fatalf("expected 200, got %d", code)
		}
		if v.IsFraud != second.IsFraud || len(v.Indicators) != len(second.Indicators) {
			t.Errorf("stored verdict differs: %+v vs %+v", v, second)
		}
		if _, err := s.repo.GetVote(context.Background(), "VOTE_2"); err != nil {
			t.Errorf("vote not persisted: %v", err)
		}
	})

	t.Run("AlertsMatchFraudVerdicts", func(t *testing.T) {
		want := uint64(0)
		for _, v := range []domain.Verdict{first, second} {
			if v.IsFraud {
				want++
			}
		}
		var resp api.AlertsResponse
		s.get(t, "/alerts", &resp)
		if resp.TotalAlerts != want || uint64(len(resp.Alerts)) != want {
			t.Errorf("expected %d alerts, got %d (%d listed)", want, resp.TotalAlerts, len(resp.Alerts))
		}
	})
}

// TestIsolatedVoteScenario scores a single vote with no shared IP, device or
// voter history in the middle of polling day.
func TestIsolatedVoteScenario(t *testing.T) {
	s := newStack(t)

	v := analyze(t, s, map[string]any{
		"vote_id": "VOTE_ISOLATED", "voter_id": "NG99999999", "candidate_id": 3, "location_id": 50,
		"timestamp": "2024-11-16T14:25:00", "ip_address": "10.200.30.40", "session_duration": 120,
		"device_fingerprint": "device_isolated",
	})
	if v.Degraded() {
		t.Fatalf("vote degraded: %s", v.Error)
	}
	if v.IsFraud {
		t.Errorf("isolated vote flagged: p=%v flag=%v classifier=%v",
			v.FraudProbability, v.AnomalyScore, v.ClassifierProbability)
	}
	if len(v.Indicators) > 1 {
		t.Errorf("expected at most one indicator, got %v", v.Indicators)
	}
}

func TestAsyncIngestion(t *testing.T) {
	s := newStack(t)

	verdicts := make(chan domain.Verdict, 16)
	if _, err := s.bus.Subscribe(context.Background(), domain.TopicVerdict, func(ctx context.Context, msg *domain.Message) error {
		var v domain.Verdict
		if err := json.Unmarshal(msg.Payload, &v); err != nil {
			return err
		}
		verdicts <- v
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	resp := s.post(t, "/votes", map[string]any{
		"vote_id": "ASYNC_1", "voter_id": "NG00000001", "candidate_id": 1, "location_id": 3,
		"timestamp": "2024-11-16 11:00:00", "ip_address": "10.0.0.1",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	select {
	case v := <-verdicts:
		if v.VoteID != "ASYNC_1" || v.Degraded() {
			t.Errorf("unexpected verdict %+v", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no verdict published for the queued vote")
	}

	eventually(t, "stored verdict", func() bool {
		return s.get(t, "/verdicts/ASYNC_1", nil) == http.StatusOK
	})
	eventually(t, "worker bookkeeping", func() bool { return s.worker.GetStats().Processed == 1 })
}

// TestFraudReplay replays synthetic fraud and checks every flagged vote
// reaches the alert feed, the archive and the bus.
func TestFraudReplay(t *testing.T) {
	s := newStack(t)

	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws/alerts"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	// Archive, bus forwarder and this client.
	eventually(t, "feed registration", func() bool { return s.alerts.Stats().ConnectedSubscribers == 3 })

	var busAlerts sync.Map
	if _, err := s.bus.Subscribe(context.Background(), domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		var a domain.Alert
		if err := json.Unmarshal(msg.Payload, &a); err != nil {
			return err
		}
		busAlerts.Store(a.AlertID, true)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	cfg := dataset.DefaultGeneratorConfig()
	cfg.Voters, cfg.Votes, cfg.FraudRate, cfg.Seed = 300, 200, 0.3, 99
	gen, err := dataset.NewGenerator(cfg)
	if err != nil {
		t.Fatal(err)
	}
	votes := gen.Generate()
	slices.SortStableFunc(votes, func(a, b *domain.LabeledVote) int { return a.Timestamp.Compare(b.Timestamp) })

	flagged := 0
	for _, lv := range votes {
		v := analyze(t, s, map[string]any{
			"vote_id": lv.VoteID, "voter_id": lv.VoterID, "candidate_id": lv.CandidateID,
			"location_id": lv.LocationID, "timestamp": lv.Timestamp.Format(time.RFC3339Nano),
			"voting_method": lv.VotingMethod, "ip_address": lv.IPAddress,
			"session_duration": lv.SessionDuration, "device_fingerprint": lv.DeviceFingerprint,
		})
		if v.Degraded() {
			t.Fatalf("vote %s degraded: %s", lv.VoteID, v.Error)
		}
		if v.IsFraud {
			flagged++
		}
	}
	if flagged == 0 {
		t.Log("no fraud flagged in the replay; only bookkeeping is checked")
	}

	received := 0
	for received < flagged {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg alert.Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("feed read failed after %d of %d alerts: %v", received, flagged, err)
		}
		if msg.Type == alert.TypeFraudAlert {
			received++
		}
	}

	var st api.StatsResponse
	s.get(t, "/stats", &st)
	if st.TotalAlerts != uint64(flagged) || !st.ModelLoaded || st.ConnectedClients != 1 {
		t.Errorf("unexpected stats %+v (flagged %d)", st, flagged)
	}

	eventually(t, "archived alerts", func() bool {
		archived, err := s.repo.ListAlerts(context.Background(), 0)
		return err == nil && len(archived) == flagged
	})
	eventually(t, "bus alerts", func() bool {
		n := 0
		busAlerts.Range(func(_, _ any) bool { n++; return true })
		return n == flagged
	})
}

func TestPeerBackends(t *testing.T) {
	t.Run("NATS", func(t *testing.T) {
		url := os.Getenv("BALLOTWATCH_TEST_NATS_URL")
		if url == "" {
			t.Skip("BALLOTWATCH_TEST_NATS_URL not set")
		}
		b, err := bus.NewNATSBus(domain.EventBusConfig{Type: "nats", NATSUrl: url})
		if err != nil {
			t.Skipf("nats unavailable: %v", err)
		}
		defer b.Close()
		roundTrip(t, b)
	})

	t.Run("Kafka", func(t *testing.T) {
		brokers := os.Getenv("BALLOTWATCH_TEST_KAFKA_BROKERS")
		if brokers == "" {
			t.Skip("BALLOTWATCH_TEST_KAFKA_BROKERS not set")
		}
		b, err := bus.NewKafkaBus(domain.EventBusConfig{
			Type:               "kafka",
			KafkaBrokers:       strings.Split(brokers, ","),
			KafkaConsumerGroup: "ballotwatch-it-" + time.Now().Format("150405.000"),
		})
		if err != nil {
			t.Skipf("kafka unavailable: %v", err)
		}
		defer b.Close()
		roundTrip(t, b)
	})
}

// roundTrip publishes an encoded vote and expects it back decoded.
func roundTrip(t *testing.T, b domain.EventBus) {
	t.Helper()
	ctx := context.Background()
	topic := "ballotwatch.it." + time.Now().Format("150405.000000")

	got := make(chan *domain.VoteEvent, 1)
	if _, err := b.Subscribe(ctx, topic, func(ctx context.Context, msg *domain.Message) error {
		ev, err := worker.DecodeVote(msg.Payload)
		if err != nil {
			return err
		}
		select {
		case got <- ev:
		default:
		}
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	ev := &domain.VoteEvent{
		VoteID: "RT_1", VoterID: "NG12345678", CandidateID: 2, LocationID: 5,
		Timestamp: time.Date(2024, 11, 16, 10, 32, 0, 0, time.UTC), VotingMethod: "electronic",
		IPAddress: "192.168.1.45", SessionDuration: 5, DeviceFingerprint: "unknown",
	}
	payload, err := worker.EncodeVote(ev)
	if err != nil {
		t.Fatal(err)
	}

	// Consumers may still be joining; publish until one message arrives.
	deadline := time.After(20 * time.Second)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := b.Publish(ctx, topic, payload); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		select {
		case e := <-got:
			if e.VoteID != "RT_1" || !e.Timestamp.Equal(ev.Timestamp) {
				t.Errorf("unexpected vote %+v", e)
			}
			return
		case <-ticker.C:
		case <-deadline:
			t.Fatal("no message received")
		}
	}
}
