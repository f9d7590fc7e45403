package domain

import (
	"time"
)

// Principal is the calling identity as handed over by the identity provider.
type Principal struct {
	UserID  string
	TeamID  string
	IsAdmin bool
}

// Team represents a competing team. Its score is derived from the ledger and never stored here.
type Team struct {
	ID       string
	Name     string
	JoinCode string
	Icon     string
	Color    string
	// Members is ordered by join time, exactly one member is the leader.
	Members []Member
}

type Member struct {
	UserID       string
	Alias        string
	IsTeamLeader bool
	JoinedAt     time.Time
}

// Leader returns the team leader, false if the team has no members.
func (t Team) Leader() (Member, bool) {
	for _, m := range t.Members {
		if m.IsTeamLeader {
			return m, true
		}
	}
	return Member{}, false
}

type Challenge struct {
	ID               string
	Title            string
	Description      string
	Category         string
	Points           int64
	Difficulty       string
	MultipleFlags    bool
	IsActive         bool
	IsLocked         bool
	Flags            []Flag
	Files            []File
	Hints            []Hint
	UnlockConditions []UnlockCondition
}

// Flag returns the flag with the given id.
func (c Challenge) Flag(id string) (Flag, bool) {
	for _, f := range c.Flags {
		if f.ID == id {
			return f, true
		}
	}
	return Flag{}, false
}

type Flag struct {
	ID          string
	ChallengeID string
	Value       string
	Points      int64
}

type File struct {
	ID   string
	Name string
	Path string
	Size int64
}

type Hint struct {
	ID          string
	ChallengeID string
	Content     string
	Cost        int64
}

type UnlockConditionType string

const (
	UnlockChallengeSolved UnlockConditionType = "CHALLENGE_SOLVED"
	UnlockTimeRemainder   UnlockConditionType = "TIME_REMAINDER"
)

type UnlockCondition struct {
	Type                 UnlockConditionType
	RequiredChallengeID  string
	TimeThresholdSeconds int64
}

// Submission is an immutable record of one flag attempt.
type Submission struct {
	ID          string
	TeamID      string
	UserID      string
	ChallengeID string
	Text        string
	// FlagID is empty when the text matched no flag.
	FlagID     string
	IsCorrect  bool
	CreateTime time.Time
}

// HintPurchase exists if and only if the team owns the hint.
type HintPurchase struct {
	ID         string
	TeamID     string
	HintID     string
	CreateTime time.Time
}

// GameConfig describes the competition clock.
type GameConfig struct {
	ID        string
	StartTime time.Time
	EndTime   *time.Time
	IsActive  bool
}

func (g GameConfig) Started(now time.Time) bool {
	return !now.Before(g.StartTime)
}

// Ended reports whether now is at or after the end time. The game runs in [start, end).
func (g GameConfig) Ended(now time.Time) bool {
	return g.EndTime != nil && !now.Before(*g.EndTime)
}

// Remaining returns the time left until the end, false if no end time is configured.
func (g GameConfig) Remaining(now time.Time) (time.Duration, bool) {
	if g.EndTime == nil {
		return 0, false
	}
	return g.EndTime.Sub(now), true
}

type SolveState string

const (
	StateNotAttempted    SolveState = "NOT_ATTEMPTED"
	StateAttemptedWrong  SolveState = "ATTEMPTED_WRONG"
	StatePartiallySolved SolveState = "PARTIALLY_SOLVED"
	StateFullySolved     SolveState = "FULLY_SOLVED"
)

// SolveStateOf derives the state of a (team, challenge) pair from the team's submissions against it.
func SolveStateOf(c Challenge, subs []Submission) SolveState {
	if len(subs) == 0 {
		return StateNotAttempted
	}

	solved := SolvedFlags(subs)
	switch {
	case len(solved) == 0:
		return StateAttemptedWrong
	case allFlagsSolved(c, solved):
		return StateFullySolved
	default:
		return StatePartiallySolved
	}
}

// SolvedFlags returns the ids of flags with at least one correct submission.
func SolvedFlags(subs []Submission) map[string]bool {
	solved := make(map[string]bool)
	for _, s := range subs {
		if s.IsCorrect && s.FlagID != "" {
			solved[s.FlagID] = true
		}
	}
	return solved
}

func allFlagsSolved(c Challenge, solved map[string]bool) bool {
	if len(c.Flags) == 0 {
		return false
	}
	for _, f := range c.Flags {
		if !solved[f.ID] {
			return false
		}
	}
	return true
}

// Standing is one row of the leaderboard.
type Standing struct {
	Rank      int
	TeamID    string
	TeamName  string
	Icon      string
	Color     string
	Score     int64
	ReachedAt time.Time
}

// Leaderboard is sorted by score in descending order, see leaderboard.Project for tie-breaks.
type Leaderboard struct {
	Entries []Standing
}
