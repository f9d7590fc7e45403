package domain

import "time"

const (
	EventNameScoreUpdated       = "score.updated"
	EventNameChallengeSolved    = "challenge.solved"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

// EventScoreUpdated is published after a ledger entry with a non-zero delta commits.
type EventScoreUpdated struct {
	TeamID     string
	Points     int64
	TotalScore int64
	Reason     Reason
	UpdateTime time.Time
}

func (EventScoreUpdated) Name() string { return EventNameScoreUpdated }

type EventChallengeSolved struct {
	TeamID      string
	ChallengeID string
	State       SolveState
	SolveTime   time.Time
}

func (EventChallengeSolved) Name() string { return EventNameChallengeSolved }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
