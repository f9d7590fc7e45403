package leaderboard

import (
	"slices"
	"strings"

	"github.com/victornm/orbitalctf/internal/domain"
	"github.com/victornm/orbitalctf/internal/ledger"
)

type standing struct {
	domain.Standing
	hasEntries bool
}

// Project ranks teams from the ledger alone. entries must be in commit order.
//
// Teams are ordered by score, highest first. Equal scores are ordered by the time the team
// reached its score: the time of its latest entry that moved the score, or of its first entry
// if none did. Teams without entries come after teams with entries at the same score, and team
// id breaks any remaining tie.
func Project(teams []domain.Team, entries []domain.LedgerEntry) ([]domain.Standing, error) {
	if err := ledger.Verify(entries); err != nil {
		return nil, err
	}

	byTeam := make(map[string]*standing, len(teams))
	for _, t := range teams {
		byTeam[t.ID] = &standing{Standing: domain.Standing{
			TeamID:   t.ID,
			TeamName: t.Name,
			Icon:     t.Icon,
			Color:    t.Color,
		}}
	}

	for _, e := range entries {
		st, ok := byTeam[e.TeamID]
		if !ok {
			st = &standing{Standing: domain.Standing{TeamID: e.TeamID}}
			byTeam[e.TeamID] = st
		}

		if !st.hasEntries || e.Points != 0 {
			st.ReachedAt = e.CreateTime
		}
		st.Score = e.TotalPoints
		st.hasEntries = true
	}

	all := make([]*standing, 0, len(byTeam))
	for _, st := range byTeam {
		all = append(all, st)
	}
	slices.SortFunc(all, compare)

	out := make([]domain.Standing, 0, len(all))
	for i, st := range all {
		st.Rank = i + 1
		out = append(out, st.Standing)
	}

	return out, nil
}

func compare(a, b *standing) int {
	if a.Score != b.Score {
		if a.Score > b.Score {
			return -1
		}
		return 1
	}

	if a.hasEntries != b.hasEntries {
		if a.hasEntries {
			return -1
		}
		return 1
	}

	if c := a.ReachedAt.Compare(b.ReachedAt); c != 0 {
		return c
	}

	return strings.Compare(a.TeamID, b.TeamID)
}
