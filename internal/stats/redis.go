package stats

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/ballotwatch/internal/domain"
	"github.com/redis/go-redis/v9"
)

// observeScript updates every dimension hash of a vote in one atomic step.
// KEYS[1..7] are counter hashes (six dimensions + population), KEYS[8] the
// global candidate set, KEYS[9] the IP's candidate set.
// ARGV: timestamp (unix ms), session duration, candidate id.
var observeScript = redis.NewScript(`
local ts = tonumber(ARGV[1])
local session = tonumber(ARGV[2])
local out = {}
for i = 1, 7 do
	local vals = redis.call('HMGET', KEYS[i], 'count', 'first', 'last', 'mean', 'm2')
	local count = tonumber(vals[1]) or 0
	local first = tonumber(vals[2])
	local last = tonumber(vals[3]) or 0
	local mean = tonumber(vals[4]) or 0
	local m2 = tonumber(vals[5]) or 0
	local prev = last
	count = count + 1
	if first == nil or ts < first then first = ts end
	if ts > last then last = ts end
	local delta = session - mean
	mean = mean + delta / count
	m2 = m2 + delta * (session - mean)
	redis.call('HSET', KEYS[i], 'count', tostring(count), 'first', tostring(first),
		'last', tostring(last), 'mean', tostring(mean), 'm2', tostring(m2))
	table.insert(out, tostring(count))
	table.insert(out, tostring(first))
	table.insert(out, tostring(last))
	table.insert(out, tostring(mean))
	table.insert(out, tostring(m2))
	table.insert(out, tostring(prev))
end
redis.call('SADD', KEYS[8], ARGV[3])
redis.call('SADD', KEYS[9], ARGV[3])
table.insert(out, tostring(redis.call('SCARD', KEYS[8])))
table.insert(out, tostring(redis.call('SCARD', KEYS[9])))
return out
`)

const fieldsPerCounter = 6

// RedisStore keeps aggregates in Redis so several scoring nodes share history.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg domain.StatsConfig) (*RedisStore, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "ballotwatch:stats"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: prefix}, nil
}

// Observe folds the vote into every dimension atomically.
func (s *RedisStore) Observe(ctx context.Context, ev *domain.VoteEvent) (*domain.StatsSnapshot, error) {
	if ev == nil {
		return nil, fmt.Errorf("vote event is required")
	}

	keys := s.keys(ev)
	args := []any{
		ev.Timestamp.UnixMilli(),
		strconv.FormatFloat(ev.SessionDuration, 'f', -1, 64),
		strconv.Itoa(ev.CandidateID),
	}

	out, err := observeScript.Run(ctx, s.client, keys, args...).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("observe vote %s: %w", ev.VoteID, err)
	}
	if len(out) != 7*fieldsPerCounter+2 {
		return nil, fmt.Errorf("observe vote %s: unexpected reply length %d", ev.VoteID, len(out))
	}

	snap := &domain.StatsSnapshot{}
	dims := dimensionKeys(ev)
	for i := 0; i < 7; i++ {
		fields := out[i*fieldsPerCounter : (i+1)*fieldsPerCounter]
		c := parseCounters(fields[:5])
		if i < len(dims) {
			assign(snap, dims[i].dim, c)
			if dims[i].dim == domain.DimLocation {
				snap.PrevAtLocation = parseMillis(fields[5])
			}
		} else {
			snap.Population = c
		}
	}
	snap.DistinctCandidates = parseInt(out[7*fieldsPerCounter])
	snap.IPCandidates = parseInt(out[7*fieldsPerCounter+1])

	return snap, nil
}

// Snapshot reads the current aggregates for a vote without updating them.
func (s *RedisStore) Snapshot(ctx context.Context, ev *domain.VoteEvent) (*domain.StatsSnapshot, error) {
	if ev == nil {
		return nil, fmt.Errorf("vote event is required")
	}

	keys := s.keys(ev)
	pipe := s.client.Pipeline()
	hashes := make([]*redis.SliceCmd, 7)
	for i := 0; i < 7; i++ {
		hashes[i] = pipe.HMGet(ctx, keys[i], "count", "first", "last", "mean", "m2")
	}
	candidates := pipe.SCard(ctx, keys[7])
	ipCandidates := pipe.SCard(ctx, keys[8])
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("snapshot vote %s: %w", ev.VoteID, err)
	}

	snap := &domain.StatsSnapshot{}
	dims := dimensionKeys(ev)
	for i, cmd := range hashes {
		c := parseCounters(toStrings(cmd.Val()))
		if i < len(dims) {
			assign(snap, dims[i].dim, c)
		} else {
			snap.Population = c
		}
	}
	snap.DistinctCandidates = candidates.Val()
	snap.IPCandidates = ipCandidates.Val()

	return snap, nil
}

// StatsFor returns the counters for a key; unseen keys yield zero counters.
func (s *RedisStore) StatsFor(ctx context.Context, dim domain.Dimension, key string) (domain.Counters, error) {
	vals, err := s.client.HMGet(ctx, s.prefix+":"+makeKey(dim, key), "count", "first", "last", "mean", "m2").Result()
	if err != nil && err != redis.Nil {
		return domain.Counters{}, err
	}
	return parseCounters(toStrings(vals)), nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) keys(ev *domain.VoteEvent) []string {
	dims := dimensionKeys(ev)
	keys := make([]string, 0, 9)
	for _, dk := range dims {
		keys = append(keys, s.prefix+":"+dk.key)
	}
	keys = append(keys,
		s.prefix+":population",
		s.prefix+":candidates",
		s.prefix+":ip_candidates:"+ev.IPAddress,
	)
	return keys
}

func toStrings(vals []any) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[i] = str
		}
	}
	return out
}

// parseCounters decodes count, first, last, mean, m2.
func parseCounters(fields []string) domain.Counters {
	var c domain.Counters
	if len(fields) < 5 {
		return c
	}
	c.Count = parseInt(fields[0])
	c.FirstSeen = parseMillis(fields[1])
	c.LastSeen = parseMillis(fields[2])
	c.SessionMean, _ = strconv.ParseFloat(fields[3], 64)
	c.SessionM2, _ = strconv.ParseFloat(fields[4], 64)
	return c
}

func parseInt(s string) int64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(f)
}

func parseMillis(s string) time.Time {
	ms := parseInt(s)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
