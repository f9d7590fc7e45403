// Package catalog is the read side of the challenge, team and game clock data that is managed
// outside the scoring engine.
package catalog

import (
	"context"
	"fmt"

	"github.com/victornm/orbitalctf/internal/domain"
	"github.com/victornm/orbitalctf/internal/errors"
)

type Catalog interface {
	// Challenge returns the challenge or a NotFound error.
	Challenge(ctx context.Context, id string) (*domain.Challenge, error)
	// Challenges lists every challenge including inactive ones.
	Challenges(ctx context.Context) ([]domain.Challenge, error)
	// Hint returns the hint or a NotFound error.
	Hint(ctx context.Context, id string) (*domain.Hint, error)
	Team(ctx context.Context, id string) (*domain.Team, error)
	Teams(ctx context.Context) ([]domain.Team, error)
	// ActiveGame returns the active game config, nil when none is active.
	ActiveGame(ctx context.Context) (*domain.GameConfig, error)
}

// ValidateChallenge rejects challenge configurations the engine cannot score unambiguously.
func ValidateChallenge(c domain.Challenge) error {
	if c.ID == "" {
		return errors.Invalid("challenge: missing id")
	}
	if len(c.Flags) == 0 {
		return errors.Invalid("challenge %s: at least one flag is required", c.ID)
	}
	if !c.MultipleFlags && len(c.Flags) > 1 {
		return errors.Invalid("challenge %s: %d flags configured without multiple flags", c.ID, len(c.Flags))
	}

	values := make(map[string]bool, len(c.Flags))
	ids := make(map[string]bool, len(c.Flags))
	for _, f := range c.Flags {
		if f.Value == "" {
			return errors.Invalid("challenge %s: empty flag", c.ID)
		}
		if values[f.Value] {
			return errors.Invalid("challenge %s: duplicate flag text", c.ID)
		}
		if f.ID == "" || ids[f.ID] {
			return errors.Invalid("challenge %s: flag ids must be set and unique", c.ID)
		}
		if f.Points < 0 {
			return errors.Invalid("challenge %s: negative flag points", c.ID)
		}
		values[f.Value], ids[f.ID] = true, true
	}

	for _, h := range c.Hints {
		if h.ID == "" {
			return errors.Invalid("challenge %s: hint without id", c.ID)
		}
		if h.Cost < 0 {
			return errors.Invalid("challenge %s: hint %s has a negative cost", c.ID, h.ID)
		}
	}

	for _, u := range c.UnlockConditions {
		switch u.Type {
		case domain.UnlockChallengeSolved:
			if u.RequiredChallengeID == "" || u.RequiredChallengeID == c.ID {
				return errors.Invalid("challenge %s: invalid required challenge %q", c.ID, u.RequiredChallengeID)
			}
		case domain.UnlockTimeRemainder:
			if u.TimeThresholdSeconds <= 0 {
				return errors.Invalid("challenge %s: time threshold must be positive", c.ID)
			}
		default:
			return errors.Invalid("challenge %s: unknown unlock condition %q", c.ID, u.Type)
		}
	}

	return nil
}

// Normalize fills derived fields: a single flag is worth the full challenge points and every
// flag and hint refers back to its challenge.
func Normalize(c domain.Challenge) domain.Challenge {
	c.Flags = append([]domain.Flag(nil), c.Flags...)
	c.Hints = append([]domain.Hint(nil), c.Hints...)

	if !c.MultipleFlags && len(c.Flags) == 1 {
		c.Flags[0].Points = c.Points
	}
	for i := range c.Flags {
		c.Flags[i].ChallengeID = c.ID
		if c.Flags[i].ID == "" {
			c.Flags[i].ID = fmt.Sprintf("%s-flag-%d", c.ID, i+1)
		}
	}
	for i := range c.Hints {
		c.Hints[i].ChallengeID = c.ID
		if c.Hints[i].ID == "" {
			c.Hints[i].ID = fmt.Sprintf("%s-hint-%d", c.ID, i+1)
		}
	}
	return c
}
