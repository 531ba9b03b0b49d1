// Package dataset reads, writes and synthesizes labeled vote datasets for
// training and benchmarking.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/ballotwatch/internal/domain"
)

// Header is the column order written by WriteCSV.
var Header = []string{
	"vote_id", "voter_id", "candidate_id", "location_id", "timestamp",
	"voting_method", "ip_address", "session_duration", "device_fingerprint",
	"transaction_hash", "is_fraud",
}

// columnAliases maps alternative header names onto Header names.
var columnAliases = map[string]string{
	"session_duration_seconds": "session_duration",
	"isfraud":                  "is_fraud",
}

// ReadOptions filters rows while reading.
type ReadOptions struct {
	// Limit stops reading after this many rows; 0 reads everything.
	Limit int

	// FraudOnly keeps only rows labeled as fraud.
	FraudOnly bool
}

// ReadCSV loads labeled votes from a CSV file with a header row.
func ReadCSV(path string, opts ReadOptions) ([]*domain.LabeledVote, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Read(file, opts)
}

// Read loads labeled votes from CSV data with a header row. A row with an
// empty is_fraud column yields a vote with a nil label.
func Read(r io.Reader, opts ReadOptions) ([]*domain.LabeledVote, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		name := strings.ToLower(strings.TrimSpace(col))
		if alias, ok := columnAliases[name]; ok {
			name = alias
		}
		colIndex[name] = i
	}
	if _, ok := colIndex["voter_id"]; !ok {
		return nil, fmt.Errorf("missing required column voter_id")
	}

	var votes []*domain.LabeledVote
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		field := func(name string) string {
			i, ok := colIndex[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		vote, err := parseRow(field)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if opts.FraudOnly && (vote.IsFraud == nil || !*vote.IsFraud) {
			continue
		}

		votes = append(votes, vote)
		if opts.Limit > 0 && len(votes) >= opts.Limit {
			break
		}
	}

	return votes, nil
}

func parseRow(field func(string) string) (*domain.LabeledVote, error) {
	req := &domain.VoteRequest{
		VoteID:            field("vote_id"),
		VoterID:           field("voter_id"),
		VotingMethod:      field("voting_method"),
		IPAddress:         field("ip_address"),
		DeviceFingerprint: field("device_fingerprint"),
		TransactionHash:   field("transaction_hash"),
	}

	var err error
	if req.CandidateID, err = atoi(field("candidate_id")); err != nil {
		return nil, fmt.Errorf("candidate_id: %w", err)
	}
	if req.LocationID, err = atoi(field("location_id")); err != nil {
		return nil, fmt.Errorf("location_id: %w", err)
	}
	if s := field("session_duration"); s != "" {
		d, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("session_duration: %w", err)
		}
		req.SessionDuration = &d
	}
	if s := field("timestamp"); s != "" {
		req.Timestamp = s
	} else {
		return nil, fmt.Errorf("timestamp is required")
	}

	ev, err := req.ToVoteEvent()
	if err != nil {
		return nil, err
	}

	vote := &domain.LabeledVote{VoteEvent: *ev}
	switch strings.ToLower(field("is_fraud")) {
	case "":
	case "1", "true", "yes":
		v := true
		vote.IsFraud = &v
	case "0", "false", "no":
		v := false
		vote.IsFraud = &v
	default:
		return nil, fmt.Errorf("is_fraud: unrecognized label %q", field("is_fraud"))
	}

	return vote, nil
}

func atoi(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// Events returns the vote events of labeled votes, dropping the labels.
func Events(votes []*domain.LabeledVote) []*domain.VoteEvent {
	out := make([]*domain.VoteEvent, len(votes))
	for i, v := range votes {
		out[i] = &v.VoteEvent
	}
	return out
}

// WriteCSV writes votes with Header as the first row.
func WriteCSV(path string, votes []*domain.LabeledVote) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(file, votes); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Write encodes votes as CSV with Header as the first row.
func Write(w io.Writer, votes []*domain.LabeledVote) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(Header); err != nil {
		return err
	}

	for _, v := range votes {
		label := ""
		if v.IsFraud != nil {
			label = "0"
			if *v.IsFraud {
				label = "1"
			}
		}
		row := []string{
			v.VoteID,
			v.VoterID,
			strconv.Itoa(v.CandidateID),
			strconv.Itoa(v.LocationID),
			v.Timestamp.UTC().Format(time.RFC3339),
			v.VotingMethod,
			v.IPAddress,
			strconv.FormatFloat(v.SessionDuration, 'f', -1, 64),
			v.DeviceFingerprint,
			v.TransactionHash,
			label,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}
