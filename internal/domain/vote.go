package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Defaults applied to inbound votes with missing optional fields.
const (
	DefaultVotingMethod      = "electronic"
	DefaultSessionDuration   = 120.0
	DefaultDeviceFingerprint = "unknown"
)

// VoteEvent is a single voting transaction. It is treated as immutable once normalized.
type VoteEvent struct {
	VoteID            string    `json:"vote_id"`
	VoterID           string    `json:"voter_id"`
	CandidateID       int       `json:"candidate_id"`
	LocationID        int       `json:"location_id"`
	Timestamp         time.Time `json:"timestamp"`
	VotingMethod      string    `json:"voting_method"`
	IPAddress         string    `json:"ip_address"`
	SessionDuration   float64   `json:"session_duration"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	TransactionHash   string    `json:"transaction_hash,omitempty"`
}

// LabeledVote is a historical vote with its ground-truth label.
// IsFraud is nil when the source carried no label.
type LabeledVote struct {
	VoteEvent
	IsFraud *bool `json:"is_fraud,omitempty"`
}

// VoteRequest is the inbound payload for a vote from the transport layer.
// Optional fields are pointers so that absent and zero can be told apart.
type VoteRequest struct {
	VoteID            string   `json:"vote_id"`
	VoterID           string   `json:"voter_id"`
	CandidateID       int      `json:"candidate_id"`
	LocationID        int      `json:"location_id"`
	Timestamp         any      `json:"timestamp"`
	VotingMethod      string   `json:"voting_method,omitempty"`
	IPAddress         string   `json:"ip_address"`
	SessionDuration   *float64 `json:"session_duration,omitempty"`
	DeviceFingerprint string   `json:"device_fingerprint,omitempty"`
	TransactionHash   string   `json:"transaction_hash,omitempty"`
}

// timestampLayouts are tried in order for string timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999",
}

// ToVoteEvent validates the request and normalizes it into a VoteEvent.
func (r *VoteRequest) ToVoteEvent() (*VoteEvent, error) {
	if r.VoterID == "" {
		return nil, fmt.Errorf("voter_id is required")
	}

	ts, err := ParseTimestamp(r.Timestamp)
	if err != nil {
		return nil, err
	}

	ev := &VoteEvent{
		VoteID:            r.VoteID,
		VoterID:           r.VoterID,
		CandidateID:       r.CandidateID,
		LocationID:        r.LocationID,
		Timestamp:         ts,
		VotingMethod:      r.VotingMethod,
		IPAddress:         r.IPAddress,
		SessionDuration:   DefaultSessionDuration,
		DeviceFingerprint: r.DeviceFingerprint,
		TransactionHash:   r.TransactionHash,
	}
	if ev.VoteID == "" {
		ev.VoteID = uuid.New().String()
	}
	if ev.VotingMethod == "" {
		ev.VotingMethod = DefaultVotingMethod
	}
	if r.SessionDuration != nil {
		ev.SessionDuration = *r.SessionDuration
	}
	if ev.DeviceFingerprint == "" {
		ev.DeviceFingerprint = DefaultDeviceFingerprint
	}

	return ev, nil
}

// ParseTimestamp normalizes a timestamp given as a string, unix seconds, or time.Time.
// A nil value resolves to the current time.
func ParseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Now().UTC(), nil
	case time.Time:
		return t.UTC(), nil
	case float64:
		return unixSeconds(t), nil
	case int64:
		return time.Unix(t, 0).UTC(), nil
	case int:
		return time.Unix(int64(t), 0).UTC(), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Now().UTC(), nil
		}
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC(), nil
			}
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return unixSeconds(secs), nil
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func unixSeconds(secs float64) time.Time {
	whole := int64(secs)
	frac := secs - float64(whole)
	return time.Unix(whole, int64(frac*float64(time.Second))).UTC()
}
