// Package features derives model feature vectors from vote events.
// The same code path serves batch training and streaming scoring.
package features

import (
	"slices"

	"github.com/opensource-finance/ballotwatch/internal/domain"
)

// ContractVersion identifies the feature schema below.
const ContractVersion = "1.0"

// Feature names.
const (
	Hour                    = "hour"
	DayOfWeek               = "day_of_week"
	Minute                  = "minute"
	IsWeekend               = "is_weekend"
	SessionDuration         = "session_duration"
	SessionZScore           = "session_z_score"
	TimeDiffPrev            = "time_diff_prev"
	VotesSameIP             = "votes_same_ip"
	VotesSameLocation       = "votes_same_location"
	VotesSameDevice         = "votes_same_device"
	VotesSameVoter          = "votes_same_voter"
	VotesSameHourLocation   = "votes_same_hour_location"
	LocationUtilizationRate = "location_utilization_rate"
	CandidatePopularity     = "candidate_popularity"
	VotingAgainstTrend      = "voting_against_trend"
	IPVoteCount             = "ip_vote_count"
	IPCandidateVariety      = "ip_candidate_variety"
	LocationTotalVotes      = "location_total_votes"
	LocationAvgSession      = "location_avg_session"
	VotingMethodEncoded     = "voting_method_encoded"
)

// Categorical columns that are label-encoded.
const VotingMethodColumn = "voting_method"

// Tunables fixed by the contract.
const (
	// LocationCapacity is the assumed maximum number of votes per location.
	LocationCapacity = 1000.0

	// DefaultTimeDiff is used when a location has no earlier vote.
	DefaultTimeDiff = 300.0

	zScoreEpsilon = 1e-6
)

var columns = []string{
	Hour, DayOfWeek, Minute, IsWeekend,
	SessionDuration, SessionZScore, TimeDiffPrev,
	VotesSameIP, VotesSameLocation, VotesSameDevice, VotesSameVoter,
	VotesSameHourLocation, LocationUtilizationRate,
	CandidatePopularity, VotingAgainstTrend,
	IPVoteCount, IPCandidateVariety,
	LocationTotalVotes, LocationAvgSession,
	VotingMethodEncoded,
}

// Columns returns a copy of the ordered feature contract.
func Columns() []string {
	return slices.Clone(columns)
}

// Conform checks that vec carries exactly the expected columns in order.
func Conform(vec *domain.FeatureVector, expected []string) error {
	if !slices.Equal(vec.Names, expected) {
		return &domain.FeatureMismatchError{
			Expected: slices.Clone(expected),
			Got:      slices.Clone(vec.Names),
		}
	}
	return nil
}
