package dataset

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/opensource-finance/ballotwatch/internal/domain"
)

// FraudPattern names a kind of injected fraud.
type FraudPattern string

const (
	MultipleVoting   FraudPattern = "multiple_voting"
	VoteBuying       FraudPattern = "vote_buying"
	BallotStuffing   FraudPattern = "ballot_stuffing"
	TimeManipulation FraudPattern = "time_manipulation"
	LocationFraud    FraudPattern = "location_fraud"
	GhostVoting      FraudPattern = "ghost_voting"
)

// Patterns lists every fraud pattern the generator can inject.
var Patterns = []FraudPattern{
	MultipleVoting, VoteBuying, BallotStuffing, TimeManipulation, LocationFraud, GhostVoting,
}

var votingMethods = []string{"electronic", "card_reader"}

// GeneratorConfig sizes a synthetic election.
type GeneratorConfig struct {
	Voters     int
	Votes      int
	FraudRate  float64
	Locations  int
	Candidates int
	Seed       uint64

	// ElectionStart is the opening time of polls; legitimate votes fall in the following ten hours.
	ElectionStart time.Time
}

// DefaultGeneratorConfig returns a mid-sized election with 5% fraud.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		Voters:        50000,
		Votes:         40000,
		FraudRate:     0.05,
		Locations:     100,
		Candidates:    5,
		Seed:          42,
		ElectionStart: time.Date(2024, 11, 16, 8, 0, 0, 0, time.UTC),
	}
}

// Generator synthesizes labeled votes with injected fraud patterns.
type Generator struct {
	cfg   GeneratorConfig
	faker *gofakeit.Faker

	voterLocation []int
}

// NewGenerator creates a deterministic generator for cfg.
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.Voters <= 0 || cfg.Votes <= 0 {
		return nil, fmt.Errorf("voters and votes must be positive")
	}
	if cfg.FraudRate < 0 || cfg.FraudRate >= 1 {
		return nil, fmt.Errorf("fraud rate %.3f out of range [0, 1)", cfg.FraudRate)
	}
	if cfg.Locations < 20 {
		cfg.Locations = 20
	}
	if cfg.Candidates < 2 {
		cfg.Candidates = 2
	}
	if cfg.ElectionStart.IsZero() {
		cfg.ElectionStart = DefaultGeneratorConfig().ElectionStart
	}

	g := &Generator{
		cfg:           cfg,
		faker:         gofakeit.New(cfg.Seed),
		voterLocation: make([]int, cfg.Voters),
	}
	for i := range g.voterLocation {
		g.voterLocation[i] = g.faker.Number(1, cfg.Locations)
	}
	return g, nil
}

// Generate returns the legitimate votes followed by the fraudulent ones.
func (g *Generator) Generate() []*domain.LabeledVote {
	normal := int(float64(g.cfg.Votes) * (1 - g.cfg.FraudRate))
	if normal == 0 {
		normal = 1
	}
	fraudulent := g.cfg.Votes - normal

	votes := make([]*domain.LabeledVote, 0, g.cfg.Votes)
	for i := 0; i < normal; i++ {
		votes = append(votes, g.legitimate(i))
	}
	for i := 0; i < fraudulent; i++ {
		pattern := Patterns[g.faker.Number(0, len(Patterns)-1)]
		votes = append(votes, g.Fraudulent(votes[i%normal], pattern, i))
	}
	return votes
}

func (g *Generator) legitimate(i int) *domain.LabeledVote {
	voter := g.faker.Number(0, g.cfg.Voters-1)
	offset := time.Duration(g.faker.Number(0, 10))*time.Hour +
		time.Duration(g.faker.Number(0, 59))*time.Minute +
		time.Duration(g.faker.Number(0, 59))*time.Second

	legit := false
	return &domain.LabeledVote{
		VoteEvent: domain.VoteEvent{
			VoteID:            fmt.Sprintf("VOTE%08d", i+1),
			VoterID:           voterID(voter),
			CandidateID:       g.faker.Number(1, g.cfg.Candidates),
			LocationID:        g.voterLocation[voter],
			Timestamp:         g.cfg.ElectionStart.Add(offset),
			VotingMethod:      g.faker.RandomString(votingMethods),
			IPAddress:         g.faker.IPv4Address(),
			SessionDuration:   float64(g.faker.Number(60, 240)),
			DeviceFingerprint: g.fingerprint(),
			TransactionHash:   g.transactionHash(),
		},
		IsFraud: &legit,
	}
}

// Fraudulent derives a fraudulent vote from base by applying pattern.
func (g *Generator) Fraudulent(base *domain.LabeledVote, pattern FraudPattern, i int) *domain.LabeledVote {
	ev := base.VoteEvent
	ev.VoteID = fmt.Sprintf("FRAUD%08d", i+1)
	ev.TransactionHash = g.transactionHash()

	switch pattern {
	case MultipleVoting:
		ev.VoterID = voterID(g.faker.Number(0, min(100, g.cfg.Voters)-1))
		ev.Timestamp = ev.Timestamp.Add(time.Duration(g.faker.Number(5, 60)) * time.Minute)
	case VoteBuying:
		ev.SessionDuration = float64(g.faker.Number(5, 15))
		ev.CandidateID = g.faker.Number(1, 2)
	case BallotStuffing:
		ev.LocationID = g.faker.Number(1, 20)
		ev.Timestamp = g.cfg.ElectionStart.Add(time.Duration(g.faker.Number(0, 60)) * time.Minute)
	case TimeManipulation:
		hour := []int{2, 3, 22, 23}[g.faker.Number(0, 3)]
		start := g.cfg.ElectionStart
		ev.Timestamp = time.Date(start.Year(), start.Month(), start.Day(), hour, start.Minute(), 0, 0, start.Location())
	case LocationFraud:
		ev.LocationID = g.faker.Number(max(1, g.cfg.Locations-20), g.cfg.Locations)
	case GhostVoting:
		ev.VoterID = fmt.Sprintf("GHOST%07d", g.faker.Number(1000000, 9999999))
		ev.DeviceFingerprint = "UNKNOWN"
	}

	fraud := true
	return &domain.LabeledVote{VoteEvent: ev, IsFraud: &fraud}
}

func (g *Generator) fingerprint() string {
	sum := md5.Sum([]byte(g.faker.UUID()))
	return hex.EncodeToString(sum[:])[:16]
}

func (g *Generator) transactionHash() string {
	sum := sha256.Sum256([]byte(g.faker.UUID()))
	return "0x" + hex.EncodeToString(sum[:])[:40]
}

func voterID(i int) string {
	return fmt.Sprintf("NG%08d", i+1)
}
