package domain

import (
	"context"
	"math"
	"time"
)

// Dimension names a key space of the aggregate statistics.
type Dimension string

const (
	DimIP           Dimension = "ip_address"
	DimLocation     Dimension = "location_id"
	DimDevice       Dimension = "device_fingerprint"
	DimVoter        Dimension = "voter_id"
	DimCandidate    Dimension = "candidate_id"
	DimLocationHour Dimension = "location_hour"
)

// Counters are the running, append-only statistics kept for one key.
// Session mean/variance use Welford's online accumulators.
type Counters struct {
	Count       int64     `json:"count"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	SessionMean float64   `json:"session_mean"`
	SessionM2   float64   `json:"session_m2"`
}

// Add folds one observation into the counters.
func (c *Counters) Add(ts time.Time, session float64) {
	c.Count++
	if c.FirstSeen.IsZero() || ts.Before(c.FirstSeen) {
		c.FirstSeen = ts
	}
	if ts.After(c.LastSeen) {
		c.LastSeen = ts
	}
	delta := session - c.SessionMean
	c.SessionMean += delta / float64(c.Count)
	c.SessionM2 += delta * (session - c.SessionMean)
}

// SessionStd returns the sample standard deviation (n-1) of session durations.
func (c Counters) SessionStd() float64 {
	if c.Count < 2 {
		return 0
	}
	return math.Sqrt(c.SessionM2 / float64(c.Count-1))
}

// StatsSnapshot is the view of the aggregates relevant to one vote,
// taken right after that vote was observed.
type StatsSnapshot struct {
	IP           Counters `json:"ip"`
	Location     Counters `json:"location"`
	Device       Counters `json:"device"`
	Voter        Counters `json:"voter"`
	Candidate    Counters `json:"candidate"`
	LocationHour Counters `json:"location_hour"`

	// Population aggregates every observed vote.
	Population Counters `json:"population"`

	// IPCandidates is the number of distinct candidates chosen from the vote's IP.
	IPCandidates int64 `json:"ip_candidates"`

	// DistinctCandidates is the number of distinct candidates seen overall.
	DistinctCandidates int64 `json:"distinct_candidates"`

	// PrevAtLocation is the latest timestamp at the vote's location before
	// this vote was observed. Zero when the location had no history.
	PrevAtLocation time.Time `json:"prev_at_location"`
}

// StatsStore maintains the aggregate statistics features depend on.
// Observe must be called exactly once per ingested vote.
type StatsStore interface {
	// Observe folds the vote into every dimension and returns the snapshot
	// that includes the vote's own occurrence.
	Observe(ctx context.Context, ev *VoteEvent) (*StatsSnapshot, error)

	// Snapshot reads the current aggregates for a vote without updating them.
	Snapshot(ctx context.Context, ev *VoteEvent) (*StatsSnapshot, error)

	// StatsFor returns the counters for a key; unseen keys yield zero counters.
	StatsFor(ctx context.Context, dim Dimension, key string) (Counters, error)

	Ping(ctx context.Context) error
	Close() error
}

// StatsConfig selects and configures the statistics backend.
type StatsConfig struct {
	// Type is "memory" or "redis"
	Type string `koanf:"type"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
	KeyPrefix     string `koanf:"key_prefix"`

	// Warm replays the training history and stored votes at startup.
	Warm bool `koanf:"warm"`
}
