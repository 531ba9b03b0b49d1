package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestToVoteEvent(t *testing.T) {
	t.Run("AppliesDefaults", func(t *testing.T) {
		req := &VoteRequest{VoteID: "VOTE_1", VoterID: "NG12345678", Timestamp: "2024-11-16T10:30:00"}
		ev, err := req.ToVoteEvent()
		if err != nil {
			t.Fatalf("ToVoteEvent failed: %v", err)
		}
		if ev.VotingMethod != DefaultVotingMethod {
			t.Errorf("expected voting method %q, got %q", DefaultVotingMethod, ev.VotingMethod)
		}
		if ev.SessionDuration != DefaultSessionDuration {
			t.Errorf("expected session %v, got %v", DefaultSessionDuration, ev.SessionDuration)
		}
		if ev.DeviceFingerprint != DefaultDeviceFingerprint {
			t.Errorf("expected fingerprint %q, got %q", DefaultDeviceFingerprint, ev.DeviceFingerprint)
		}
	})

	t.Run("ZeroSessionIsKept", func(t *testing.T) {
		zero := 0.0
		req := &VoteRequest{VoterID: "NG1", Timestamp: "2024-11-16T10:30:00", SessionDuration: &zero}
		ev, err := req.ToVoteEvent()
		if err != nil {
			t.Fatal(err)
		}
		if ev.SessionDuration != 0 {
			t.Errorf("explicit zero session replaced with %v", ev.SessionDuration)
		}
	})

	t.Run("GeneratesVoteID", func(t *testing.T) {
		ev, err := (&VoteRequest{VoterID: "NG1"}).ToVoteEvent()
		if err != nil {
			t.Fatal(err)
		}
		if ev.VoteID == "" {
			t.Error("expected a generated vote id")
		}
	})

	t.Run("RequiresVoter", func(t *testing.T) {
		if _, err := (&VoteRequest{VoteID: "V"}).ToVoteEvent(); err == nil {
			t.Error("expected error without voter_id")
		}
	})

	t.Run("FromJSON", func(t *testing.T) {
		var req VoteRequest
		body := `{"vote_id":"VOTE_2","voter_id":"NG12345678","candidate_id":2,"location_id":5,
			"timestamp":1731753120,"ip_address":"192.168.1.45","session_duration":5}`
		if err := json.Unmarshal([]byte(body), &req); err != nil {
			t.Fatal(err)
		}
		ev, err := req.ToVoteEvent()
		if err != nil {
			t.Fatal(err)
		}
		want := time.Date(2024, 11, 16, 10, 32, 0, 0, time.UTC)
		if !ev.Timestamp.Equal(want) || ev.SessionDuration != 5 || ev.CandidateID != 2 {
			t.Errorf("unexpected vote %+v", ev)
		}
	})
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 11, 16, 10, 32, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   any
	}{
		{"RFC3339", "2024-11-16T10:32:00Z"},
		{"RFC3339Offset", "2024-11-16T11:32:00+01:00"},
		{"ISOWithoutZone", "2024-11-16T10:32:00"},
		{"SpaceSeparated", "2024-11-16 10:32:00"},
		{"UnixSecondsString", "1731753120"},
		{"UnixSecondsFloat", float64(1731753120)},
		{"UnixSecondsInt", 1731753120},
		{"Time", want.In(time.FixedZone("WAT", 3600))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.in)
			if err != nil {
				t.Fatalf("ParseTimestamp failed: %v", err)
			}
			if !got.Equal(want) || got.Location() != time.UTC {
				t.Errorf("got %v, want %v in UTC", got, want)
			}
		})
	}

	t.Run("Invalid", func(t *testing.T) {
		if _, err := ParseTimestamp("yesterday"); err == nil {
			t.Error("expected error for unparseable string")
		}
		if _, err := ParseTimestamp(true); err == nil {
			t.Error("expected error for unsupported type")
		}
	})

	t.Run("MissingIsNow", func(t *testing.T) {
		before := time.Now().Add(-time.Second)
		got, err := ParseTimestamp(nil)
		if err != nil || got.Before(before) {
			t.Errorf("expected current time, got %v, %v", got, err)
		}
	})
}

func TestSeverityFor(t *testing.T) {
	tests := []struct {
		p    float64
		want Severity
	}{
		{0.95, SeverityCritical},
		{0.9, SeverityCritical},
		{0.75, SeverityHigh},
		{0.7, SeverityHigh},
		{0.55, SeverityMedium},
		{0.5, SeverityMedium},
		{0.3, SeverityLow},
	}
	for _, tt := range tests {
		if got := SeverityFor(tt.p); got != tt.want {
			t.Errorf("SeverityFor(%v) = %s, want %s", tt.p, got, tt.want)
		}
	}
}

func TestFeatureMismatchError(t *testing.T) {
	err := error(&FeatureMismatchError{Expected: []string{"hour", "day"}, Got: []string{"hour"}})
	if !errors.Is(err, ErrFeatureMismatch) {
		t.Error("errors.Is should match ErrFeatureMismatch")
	}
	if errors.Is(err, ErrModelNotTrained) {
		t.Error("errors.Is matched an unrelated sentinel")
	}
	if want := "feature mismatch: model expects [hour,day], computed [hour]"; err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}
