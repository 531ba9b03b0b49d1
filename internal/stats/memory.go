// Package stats provides the aggregate statistics stores that feature
// engineering reads from.
package stats

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/opensource-finance/ballotwatch/internal/domain"
)

// New creates a statistics store based on configuration.
func New(cfg domain.StatsConfig) (domain.StatsStore, error) {
	switch cfg.Type {
	case "memory", "":
		return NewMemoryStore(), nil

	case "redis":
		return NewRedisStore(cfg)

	default:
		return nil, fmt.Errorf("unsupported stats store type: %s", cfg.Type)
	}
}

// MemoryStore keeps all aggregates in process memory.
// Each key has its own lock so that concurrent observes of unrelated
// keys do not contend, and observes of the same key never lose updates.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry

	// population and candidate sets are shared by every vote
	globalMu      sync.Mutex
	population    domain.Counters
	candidates    map[int]struct{}
	ipCandidateMu sync.Mutex
	ipCandidates  map[string]map[int]struct{}
}

type entry struct {
	mu sync.Mutex
	c  domain.Counters
}

// NewMemoryStore creates an empty in-memory statistics store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:      make(map[string]*entry),
		candidates:   make(map[int]struct{}),
		ipCandidates: make(map[string]map[int]struct{}),
	}
}

// Observe folds the vote into every dimension.
func (s *MemoryStore) Observe(ctx context.Context, ev *domain.VoteEvent) (*domain.StatsSnapshot, error) {
	if ev == nil {
		return nil, fmt.Errorf("vote event is required")
	}

	snap := &domain.StatsSnapshot{}
	keys := dimensionKeys(ev)

	for _, dk := range keys {
		e := s.entry(dk.key)
		e.mu.Lock()
		if dk.dim == domain.DimLocation {
			snap.PrevAtLocation = e.c.LastSeen
		}
		e.c.Add(ev.Timestamp, ev.SessionDuration)
		assign(snap, dk.dim, e.c)
		e.mu.Unlock()
	}

	s.globalMu.Lock()
	s.population.Add(ev.Timestamp, ev.SessionDuration)
	s.candidates[ev.CandidateID] = struct{}{}
	snap.Population = s.population
	snap.DistinctCandidates = int64(len(s.candidates))
	s.globalMu.Unlock()

	s.ipCandidateMu.Lock()
	set, ok := s.ipCandidates[ev.IPAddress]
	if !ok {
		set = make(map[int]struct{})
		s.ipCandidates[ev.IPAddress] = set
	}
	set[ev.CandidateID] = struct{}{}
	snap.IPCandidates = int64(len(set))
	s.ipCandidateMu.Unlock()

	return snap, nil
}

// Snapshot reads the current aggregates for a vote without updating them.
// PrevAtLocation is left zero.
func (s *MemoryStore) Snapshot(ctx context.Context, ev *domain.VoteEvent) (*domain.StatsSnapshot, error) {
	if ev == nil {
		return nil, fmt.Errorf("vote event is required")
	}

	snap := &domain.StatsSnapshot{}
	for _, dk := range dimensionKeys(ev) {
		assign(snap, dk.dim, s.read(dk.key))
	}

	s.globalMu.Lock()
	snap.Population = s.population
	snap.DistinctCandidates = int64(len(s.candidates))
	s.globalMu.Unlock()

	s.ipCandidateMu.Lock()
	snap.IPCandidates = int64(len(s.ipCandidates[ev.IPAddress]))
	s.ipCandidateMu.Unlock()

	return snap, nil
}

// StatsFor returns the counters for a key; unseen keys yield zero counters.
func (s *MemoryStore) StatsFor(ctx context.Context, dim domain.Dimension, key string) (domain.Counters, error) {
	return s.read(makeKey(dim, key)), nil
}

// Ping checks store health.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close releases the aggregates. A closed store reads as empty.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.entries = make(map[string]*entry)
	s.mu.Unlock()

	s.globalMu.Lock()
	s.population = domain.Counters{}
	s.candidates = make(map[int]struct{})
	s.globalMu.Unlock()

	s.ipCandidateMu.Lock()
	s.ipCandidates = make(map[string]map[int]struct{})
	s.ipCandidateMu.Unlock()
	return nil
}

func (s *MemoryStore) entry(key string) *entry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[key]; ok {
		return e
	}
	e = &entry{}
	s.entries[key] = e
	return e
}

func (s *MemoryStore) read(key string) domain.Counters {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return domain.Counters{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.c
}

type dimKey struct {
	dim domain.Dimension
	key string
}

// dimensionKeys lists the keys a vote contributes to, in a fixed order.
func dimensionKeys(ev *domain.VoteEvent) []dimKey {
	return []dimKey{
		{domain.DimIP, makeKey(domain.DimIP, ev.IPAddress)},
		{domain.DimLocation, makeKey(domain.DimLocation, strconv.Itoa(ev.LocationID))},
		{domain.DimDevice, makeKey(domain.DimDevice, ev.DeviceFingerprint)},
		{domain.DimVoter, makeKey(domain.DimVoter, ev.VoterID)},
		{domain.DimCandidate, makeKey(domain.DimCandidate, strconv.Itoa(ev.CandidateID))},
		{domain.DimLocationHour, makeKey(domain.DimLocationHour, LocationHourKey(ev.LocationID, ev.Timestamp.Hour()))},
	}
}

// LocationHourKey is the key of the (location, hour) dimension.
func LocationHourKey(locationID, hour int) string {
	return strconv.Itoa(locationID) + "@" + strconv.Itoa(hour)
}

func makeKey(dim domain.Dimension, key string) string {
	return string(dim) + ":" + key
}

func assign(snap *domain.StatsSnapshot, dim domain.Dimension, c domain.Counters) {
	switch dim {
	case domain.DimIP:
		snap.IP = c
	case domain.DimLocation:
		snap.Location = c
	case domain.DimDevice:
		snap.Device = c
	case domain.DimVoter:
		snap.Voter = c
	case domain.DimCandidate:
		snap.Candidate = c
	case domain.DimLocationHour:
		snap.LocationHour = c
	}
}
