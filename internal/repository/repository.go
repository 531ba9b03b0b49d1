// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/opensource-finance/ballotwatch/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	return Open(cfg)
}

// Open is New returning the concrete repository.
func Open(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const voteColumns = `vote_id, voter_id, candidate_id, location_id, timestamp,
	voting_method, ip_address, session_duration, device_fingerprint, transaction_hash`

// SaveVote stores an ingested vote. Replays of the same vote_id are ignored.
func (r *SQLRepository) SaveVote(ctx context.Context, ev *domain.VoteEvent) error {
	if ev == nil || ev.VoteID == "" {
		return fmt.Errorf("%w: vote_id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO votes (` + voteColumns + `, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (vote_id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ev.VoteID, ev.VoterID, ev.CandidateID, ev.LocationID, ev.Timestamp.UTC(),
		ev.VotingMethod, ev.IPAddress, ev.SessionDuration, ev.DeviceFingerprint, ev.TransactionHash,
		time.Now().UTC(),
	)
	return err
}

// GetVote retrieves a vote by ID.
func (r *SQLRepository) GetVote(ctx context.Context, voteID string) (*domain.VoteEvent, error) {
	query := `SELECT ` + voteColumns + ` FROM votes WHERE vote_id = ?`

	ev, err := scanVote(r.db.QueryRowContext(ctx, r.rebind(query), voteID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// ListVotes returns every ingested vote in timestamp order.
func (r *SQLRepository) ListVotes(ctx context.Context) ([]*domain.VoteEvent, error) {
	query := `SELECT ` + voteColumns + ` FROM votes ORDER BY timestamp, vote_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var votes []*domain.VoteEvent
	for rows.Next() {
		ev, err := scanVote(rows)
		if err != nil {
			return nil, err
		}
		votes = append(votes, ev)
	}

	return votes, rows.Err()
}

// SaveLabeledVote stores or replaces a historical training vote.
func (r *SQLRepository) SaveLabeledVote(ctx context.Context, v *domain.LabeledVote) error {
	if v == nil || v.VoteID == "" {
		return fmt.Errorf("%w: vote_id is required", ErrInvalidInput)
	}

	var label sql.NullBool
	if v.IsFraud != nil {
		label = sql.NullBool{Bool: *v.IsFraud, Valid: true}
	}

	query := `
		INSERT INTO labeled_votes (` + voteColumns + `, is_fraud)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (vote_id) DO UPDATE SET
			voter_id = excluded.voter_id,
			candidate_id = excluded.candidate_id,
			location_id = excluded.location_id,
			timestamp = excluded.timestamp,
			voting_method = excluded.voting_method,
			ip_address = excluded.ip_address,
			session_duration = excluded.session_duration,
			device_fingerprint = excluded.device_fingerprint,
			transaction_hash = excluded.transaction_hash,
			is_fraud = excluded.is_fraud
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		v.VoteID, v.VoterID, v.CandidateID, v.LocationID, v.Timestamp.UTC(),
		v.VotingMethod, v.IPAddress, v.SessionDuration, v.DeviceFingerprint, v.TransactionHash,
		label,
	)
	return err
}

// ListLabeledVotes returns every training vote in timestamp order.
func (r *SQLRepository) ListLabeledVotes(ctx context.Context) ([]*domain.LabeledVote, error) {
	query := `SELECT ` + voteColumns + `, is_fraud FROM labeled_votes ORDER BY timestamp, vote_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var votes []*domain.LabeledVote
	for rows.Next() {
		var lv domain.LabeledVote
		var label sql.NullBool
		if err := rows.Scan(
			&lv.VoteID, &lv.VoterID, &lv.CandidateID, &lv.LocationID, &lv.Timestamp,
			&lv.VotingMethod, &lv.IPAddress, &lv.SessionDuration, &lv.DeviceFingerprint, &lv.TransactionHash,
			&label,
		); err != nil {
			return nil, err
		}
		lv.Timestamp = lv.Timestamp.UTC()
		if label.Valid {
			b := label.Bool
			lv.IsFraud = &b
		}
		votes = append(votes, &lv)
	}

	return votes, rows.Err()
}

// SaveVerdict stores the latest verdict for a vote.
func (r *SQLRepository) SaveVerdict(ctx context.Context, v *domain.Verdict) error {
	if v == nil || v.VoteID == "" {
		return fmt.Errorf("%w: vote_id is required", ErrInvalidInput)
	}

	indicators, err := json.Marshal(nonNil(v.Indicators))
	if err != nil {
		return fmt.Errorf("failed to encode indicators: %w", err)
	}

	query := `
		INSERT INTO verdicts (
			vote_id, is_fraud, fraud_probability, confidence, anomaly_score,
			classifier_probability, indicators, scored_at, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (vote_id) DO UPDATE SET
			is_fraud = excluded.is_fraud,
			fraud_probability = excluded.fraud_probability,
			confidence = excluded.confidence,
			anomaly_score = excluded.anomaly_score,
			classifier_probability = excluded.classifier_probability,
			indicators = excluded.indicators,
			scored_at = excluded.scored_at,
			error = excluded.error
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		v.VoteID, v.IsFraud, v.FraudProbability, string(v.Confidence), v.AnomalyScore,
		v.ClassifierProbability, string(indicators), v.ScoredAt.UTC(), v.Error,
	)
	return err
}

// GetVerdict retrieves the verdict for a vote.
func (r *SQLRepository) GetVerdict(ctx context.Context, voteID string) (*domain.Verdict, error) {
	query := `
		SELECT vote_id, is_fraud, fraud_probability, confidence, anomaly_score,
			   classifier_probability, indicators, scored_at, error
		FROM verdicts
		WHERE vote_id = ?
	`

	var v domain.Verdict
	var confidence, indicators string

	err := r.db.QueryRowContext(ctx, r.rebind(query), voteID).Scan(
		&v.VoteID, &v.IsFraud, &v.FraudProbability, &confidence, &v.AnomalyScore,
		&v.ClassifierProbability, &indicators, &v.ScoredAt, &v.Error,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	v.Confidence = domain.Confidence(confidence)
	v.ScoredAt = v.ScoredAt.UTC()
	if err := json.Unmarshal([]byte(indicators), &v.Indicators); err != nil {
		return nil, fmt.Errorf("failed to decode indicators for %s: %w", voteID, err)
	}
	return &v, nil
}

// SaveAlert archives a published alert.
func (r *SQLRepository) SaveAlert(ctx context.Context, a *domain.Alert) error {
	if a == nil || a.AlertID == "" {
		return fmt.Errorf("%w: alert_id is required", ErrInvalidInput)
	}

	verdict, err := json.Marshal(a.Verdict)
	if err != nil {
		return fmt.Errorf("failed to encode alert verdict: %w", err)
	}

	query := `
		INSERT INTO alerts (
			alert_id, sequence, severity, published_at, vote_id, fraud_probability, verdict
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (alert_id, published_at) DO NOTHING
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		a.AlertID, int64(a.Sequence), string(a.Severity), a.PublishedAt.UTC(),
		a.VoteID, a.FraudProbability, string(verdict),
	)
	return err
}

// ListAlerts returns up to limit of the most recently archived alerts,
// oldest first. A limit of 0 or less returns every alert.
func (r *SQLRepository) ListAlerts(ctx context.Context, limit int) ([]*domain.Alert, error) {
	query := `
		SELECT alert_id, sequence, severity, published_at, verdict
		FROM alerts
		ORDER BY published_at DESC, sequence DESC
	`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		var a domain.Alert
		var seq int64
		var severity, verdict string
		if err := rows.Scan(&a.AlertID, &seq, &severity, &a.PublishedAt, &verdict); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(verdict), &a.Verdict); err != nil {
			return nil, fmt.Errorf("failed to decode alert %s: %w", a.AlertID, err)
		}
		a.Sequence = uint64(seq)
		a.Severity = domain.Severity(severity)
		a.PublishedAt = a.PublishedAt.UTC()
		alerts = append(alerts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into publish order.
	for i, j := 0, len(alerts)-1; i < j; i, j = i+1, j-1 {
		alerts[i], alerts[j] = alerts[j], alerts[i]
	}
	return alerts, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVote(row rowScanner) (*domain.VoteEvent, error) {
	var ev domain.VoteEvent
	if err := row.Scan(
		&ev.VoteID, &ev.VoterID, &ev.CandidateID, &ev.LocationID, &ev.Timestamp,
		&ev.VotingMethod, &ev.IPAddress, &ev.SessionDuration, &ev.DeviceFingerprint, &ev.TransactionHash,
	); err != nil {
		return nil, err
	}
	ev.Timestamp = ev.Timestamp.UTC()
	return &ev, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
