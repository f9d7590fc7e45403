// Package unlock decides whether a challenge is open to a team.
//
// Evaluation is pure: it works on already-fetched challenge, game clock and solve data and never
// touches storage.
package unlock

import (
	"time"

	"github.com/victornm/orbitalctf/internal/domain"
)

// Input is everything needed to evaluate a challenge for one team.
type Input struct {
	Challenge domain.Challenge
	// Game is the active game config, nil when none is configured. Without a config the
	// competition counts as started and has no end time.
	Game *domain.GameConfig
	// Solved holds ids of challenges for which the team has at least one correct submission.
	Solved map[string]bool
	Now    time.Time
}

type Evaluator struct{}

func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// IsUnlocked reports whether the team may see and solve the challenge. It ignores admin
// privileges, so it is the only check used on scoring paths.
func (*Evaluator) IsUnlocked(in Input) bool {
	if in.Game != nil && !in.Game.Started(in.Now) {
		return false
	}

	conds := in.Challenge.UnlockConditions
	if len(conds) == 0 {
		// A locked challenge without conditions is held back by an admin.
		return !in.Challenge.IsLocked
	}

	for _, c := range conds {
		if !satisfied(c, in) {
			return false
		}
	}

	return true
}

// IsVisible is IsUnlocked for listing purposes: admins always see every challenge unlocked.
func (e *Evaluator) IsVisible(p domain.Principal, in Input) bool {
	if p.IsAdmin {
		return true
	}
	return e.IsUnlocked(in)
}

func satisfied(c domain.UnlockCondition, in Input) bool {
	switch c.Type {
	case domain.UnlockChallengeSolved:
		return in.Solved[c.RequiredChallengeID]
	case domain.UnlockTimeRemainder:
		if in.Game == nil {
			return false
		}
		left, ok := in.Game.Remaining(in.Now)
		return ok && left <= time.Duration(c.TimeThresholdSeconds)*time.Second
	default:
		return false
	}
}
