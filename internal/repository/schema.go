package repository

// Schema definitions for the ballotwatch database.
// Compatible with both SQLite and PostgreSQL.

const schemaVotes = `
CREATE TABLE IF NOT EXISTS votes (
    vote_id TEXT PRIMARY KEY,
    voter_id TEXT NOT NULL,
    candidate_id INTEGER NOT NULL,
    location_id INTEGER NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    voting_method TEXT NOT NULL,
    ip_address TEXT NOT NULL,
    session_duration REAL NOT NULL,
    device_fingerprint TEXT NOT NULL,
    transaction_hash TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_votes_voter ON votes(voter_id);
CREATE INDEX IF NOT EXISTS idx_votes_location ON votes(location_id, timestamp);
`

// schemaLabeledVotes holds historical votes used for training.
// is_fraud is NULL for unlabeled rows.
const schemaLabeledVotes = `
CREATE TABLE IF NOT EXISTS labeled_votes (
    vote_id TEXT PRIMARY KEY,
    voter_id TEXT NOT NULL,
    candidate_id INTEGER NOT NULL,
    location_id INTEGER NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    voting_method TEXT NOT NULL,
    ip_address TEXT NOT NULL,
    session_duration REAL NOT NULL,
    device_fingerprint TEXT NOT NULL,
    transaction_hash TEXT NOT NULL DEFAULT '',
    is_fraud BOOLEAN
);

CREATE INDEX IF NOT EXISTS idx_labeled_votes_timestamp ON labeled_votes(timestamp);
`

const schemaVerdicts = `
CREATE TABLE IF NOT EXISTS verdicts (
    vote_id TEXT PRIMARY KEY,
    is_fraud BOOLEAN NOT NULL,
    fraud_probability REAL NOT NULL,
    confidence TEXT NOT NULL,
    anomaly_score REAL NOT NULL,
    classifier_probability REAL NOT NULL,
    indicators TEXT NOT NULL,
    scored_at TIMESTAMP NOT NULL,
    error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_verdicts_fraud ON verdicts(is_fraud, scored_at);
`

// schemaAlerts archives published alerts. Alert ids restart with the
// process, so published_at is part of the key.
const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    alert_id TEXT NOT NULL,
    sequence BIGINT NOT NULL,
    severity TEXT NOT NULL,
    published_at TIMESTAMP NOT NULL,
    vote_id TEXT NOT NULL,
    fraud_probability REAL NOT NULL,
    verdict TEXT NOT NULL,
    PRIMARY KEY (alert_id, published_at)
);

CREATE INDEX IF NOT EXISTS idx_alerts_published ON alerts(published_at);
CREATE INDEX IF NOT EXISTS idx_alerts_severity ON alerts(severity);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaVotes,
		schemaLabeledVotes,
		schemaVerdicts,
		schemaAlerts,
	}
}
