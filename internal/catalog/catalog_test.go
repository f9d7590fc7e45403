package catalog_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/orbitalctf/internal/catalog"
	"github.com/victornm/orbitalctf/internal/domain"
	"github.com/victornm/orbitalctf/internal/errors"
)

func TestValidateChallenge(t *testing.T) {
	valid := func() domain.Challenge {
		return catalog.Normalize(domain.Challenge{
			ID:     "c1",
			Points: 100,
			Flags:  []domain.Flag{{Value: "CTF{a}"}},
		})
	}

	tests := map[string]struct {
		challenge func() domain.Challenge
		wantErr   bool
	}{
		"single flag challenge": {
			challenge: valid,
		},
		"missing id": {
			challenge: func() domain.Challenge { c := valid(); c.ID = ""; return c },
			wantErr:   true,
		},
		"no flags": {
			challenge: func() domain.Challenge { c := valid(); c.Flags = nil; return c },
			wantErr:   true,
		},
		"two flags without multiple flags": {
			challenge: func() domain.Challenge {
				c := valid()
				c.Flags = append(c.Flags, domain.Flag{ID: "f2", Value: "CTF{b}"})
				return c
			},
			wantErr: true,
		},
		"duplicate flag text in multi flag challenge": {
			challenge: func() domain.Challenge {
				return catalog.Normalize(domain.Challenge{
					ID:            "c1",
					MultipleFlags: true,
					Flags:         []domain.Flag{{Value: "CTF{a}", Points: 10}, {Value: "CTF{a}", Points: 20}},
				})
			},
			wantErr: true,
		},
		"empty flag": {
			challenge: func() domain.Challenge { c := valid(); c.Flags[0].Value = ""; return c },
			wantErr:   true,
		},
		"negative hint cost": {
			challenge: func() domain.Challenge {
				c := valid()
				c.Hints = []domain.Hint{{ID: "h1", Cost: -1}}
				return c
			},
			wantErr: true,
		},
		"self referencing unlock": {
			challenge: func() domain.Challenge {
				c := valid()
				c.UnlockConditions = []domain.UnlockCondition{{Type: domain.UnlockChallengeSolved, RequiredChallengeID: "c1"}}
				return c
			},
			wantErr: true,
		},
		"non positive time threshold": {
			challenge: func() domain.Challenge {
				c := valid()
				c.UnlockConditions = []domain.UnlockCondition{{Type: domain.UnlockTimeRemainder}}
				return c
			},
			wantErr: true,
		},
		"unknown unlock type": {
			challenge: func() domain.Challenge {
				c := valid()
				c.UnlockConditions = []domain.UnlockCondition{{Type: "MOON_PHASE"}}
				return c
			},
			wantErr: true,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			err := catalog.ValidateChallenge(tt.challenge())
			if tt.wantErr {
				assert.True(t, errors.Is(err, errors.CodeInvalidArgument), "got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNormalize(t *testing.T) {
	c := catalog.Normalize(domain.Challenge{
		ID:     "web",
		Points: 300,
		Flags:  []domain.Flag{{Value: "CTF{x}", Points: 5}},
		Hints:  []domain.Hint{{Content: "look closer", Cost: 10}},
	})

	require.Len(t, c.Flags, 1)
	assert.Equal(t, domain.Flag{ID: "web-flag-1", ChallengeID: "web", Value: "CTF{x}", Points: 300}, c.Flags[0])
	require.Len(t, c.Hints, 1)
	assert.Equal(t, "web-hint-1", c.Hints[0].ID)
	assert.Equal(t, "web", c.Hints[0].ChallengeID)
}

func TestMemory_PutTeam(t *testing.T) {
	m := catalog.NewMemory()
	now := time.Now()

	require.NoError(t, m.PutTeam(domain.Team{
		ID:       "t1",
		JoinCode: "ABC123",
		Members: []domain.Member{
			{UserID: "u2", JoinedAt: now.Add(time.Minute)},
			{UserID: "u1", IsTeamLeader: true, JoinedAt: now},
		},
	}))

	got, err := m.Team(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.Members[0].UserID, "members are ordered by join time")
	leader, ok := got.Leader()
	require.True(t, ok)
	assert.Equal(t, "u1", leader.UserID)

	err = m.PutTeam(domain.Team{ID: "t2", JoinCode: "abc123"})
	assert.True(t, errors.Is(err, errors.CodeAlreadyExists), "join codes are case insensitive, got %v", err)

	err = m.PutTeam(domain.Team{ID: "t3", Members: []domain.Member{{UserID: "u3"}}})
	assert.True(t, errors.Is(err, errors.CodeInvalidArgument), "a team needs a leader, got %v", err)

	_, err = m.Team(context.Background(), "nope")
	assert.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestMemory_ActiveGame(t *testing.T) {
	m := catalog.NewMemory()
	ctx := context.Background()

	g, err := m.ActiveGame(ctx)
	require.NoError(t, err)
	assert.Nil(t, g)

	m.SetGame(&domain.GameConfig{ID: "g", StartTime: time.Now(), IsActive: false})
	g, err = m.ActiveGame(ctx)
	require.NoError(t, err)
	assert.Nil(t, g, "an inactive config is ignored")

	m.SetGame(&domain.GameConfig{ID: "g", StartTime: time.Now(), IsActive: true})
	g, err = m.ActiveGame(ctx)
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, "g", g.ID)
}

const seed = `{
  "game": {"startTime": "2026-03-01T10:00:00Z", "endTime": "2026-03-01T18:00:00Z", "isActive": true},
  "teams": [
    {"id": "t1", "name": "Red", "code": "RED1", "color": "#ff0000"},
    {"id": "t2", "name": "Blue", "code": "BLUE1", "color": "#0000ff"}
  ],
  "challenges": [
    {
      "id": "warmup",
      "title": "Warmup",
      "category": "misc",
      "points": 50,
      "flag": "CTF{hello}",
      "hints": [{"id": "warmup-h", "content": "say hi", "cost": 5}]
    },
    {
      "id": "relay",
      "title": "Relay",
      "category": "crypto",
      "multipleFlags": true,
      "isActive": false,
      "flags": [
        {"id": "relay-1", "flag": "CTF{one}", "points": 100},
        {"id": "relay-2", "flag": "CTF{two}", "points": 200}
      ],
      "unlockConditions": [{"type": "CHALLENGE_SOLVED", "requiredChallengeId": "warmup"}]
    }
  ]
}`

func TestMemory_Import(t *testing.T) {
	m := catalog.NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Import(strings.NewReader(seed)))

	g, err := m.ActiveGame(ctx)
	require.NoError(t, err)
	require.NotNil(t, g)
	require.NotNil(t, g.EndTime)
	assert.Equal(t, 8*time.Hour, g.EndTime.Sub(g.StartTime))

	teams, err := m.Teams(ctx)
	require.NoError(t, err)
	require.Len(t, teams, 2)
	assert.Equal(t, "RED1", teams[0].JoinCode)

	all, err := m.Challenges(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "warmup", all[0].ID, "import order is kept")

	warmup := all[0]
	assert.True(t, warmup.IsActive)
	require.Len(t, warmup.Flags, 1)
	assert.EqualValues(t, 50, warmup.Flags[0].Points)

	relay := all[1]
	assert.False(t, relay.IsActive)
	require.Len(t, relay.Flags, 2)
	assert.EqualValues(t, 200, relay.Flags[1].Points)
	assert.Equal(t, []domain.UnlockCondition{{Type: domain.UnlockChallengeSolved, RequiredChallengeID: "warmup"}}, relay.UnlockConditions)

	h, err := m.Hint(ctx, "warmup-h")
	require.NoError(t, err)
	assert.Equal(t, "warmup", h.ChallengeID)
}

func TestMemory_ImportRejectsInvalidChallenge(t *testing.T) {
	m := catalog.NewMemory()

	err := m.Import(strings.NewReader(`{"challenges": [{"id": "c1", "points": 10}]}`))
	assert.True(t, errors.Is(err, errors.CodeInvalidArgument), "a challenge without flags is rejected, got %v", err)

	err = m.Import(strings.NewReader(`{`))
	assert.True(t, errors.Is(err, errors.CodeInvalidArgument), "got %v", err)
}
