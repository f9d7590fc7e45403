package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/victornm/orbitalctf/internal/domain"
	"github.com/victornm/orbitalctf/internal/errors"
)

// Memory is an in-process catalog, filled by an import file or directly by tests.
type Memory struct {
	mu         sync.RWMutex
	challenges map[string]domain.Challenge
	order      []string
	hints      map[string]domain.Hint
	teams      map[string]domain.Team
	game       *domain.GameConfig
}

func NewMemory() *Memory {
	return &Memory{
		challenges: make(map[string]domain.Challenge),
		hints:      make(map[string]domain.Hint),
		teams:      make(map[string]domain.Team),
	}
}

// PutChallenge validates and stores a challenge, replacing one with the same id.
func (m *Memory) PutChallenge(c domain.Challenge) error {
	c = Normalize(c)
	if err := ValidateChallenge(c); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range c.Hints {
		if other, ok := m.hints[h.ID]; ok && other.ChallengeID != c.ID {
			return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("hint %s belongs to challenge %s", h.ID, other.ChallengeID))
		}
	}

	if old, ok := m.challenges[c.ID]; ok {
		for _, h := range old.Hints {
			delete(m.hints, h.ID)
		}
	} else {
		m.order = append(m.order, c.ID)
	}

	m.challenges[c.ID] = c
	for _, h := range c.Hints {
		m.hints[h.ID] = h
	}

	return nil
}

// PutTeam stores a team. Join codes are unique, compared case-insensitively.
func (m *Memory) PutTeam(t domain.Team) error {
	if t.ID == "" {
		return errors.Invalid("team: missing id")
	}

	leaders := 0
	for _, mb := range t.Members {
		if mb.IsTeamLeader {
			leaders++
		}
	}
	if len(t.Members) > 0 && leaders != 1 {
		return errors.Invalid("team %s: exactly one leader is required, got %d", t.ID, leaders)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if t.JoinCode != "" {
		for _, other := range m.teams {
			if other.ID != t.ID && strings.EqualFold(other.JoinCode, t.JoinCode) {
				return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("team join code already in use"))
			}
		}
	}

	t.Members = slices.Clone(t.Members)
	slices.SortStableFunc(t.Members, func(a, b domain.Member) int { return a.JoinedAt.Compare(b.JoinedAt) })
	m.teams[t.ID] = t
	return nil
}

// SetGame replaces the game config. Only one config is kept, so at most one is active.
func (m *Memory) SetGame(g *domain.GameConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if g == nil {
		m.game = nil
		return
	}
	cp := *g
	m.game = &cp
}

func (m *Memory) Challenge(_ context.Context, id string) (*domain.Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.challenges[id]
	if !ok {
		return nil, errors.NotFound("challenge not found: %s", id)
	}
	return &c, nil
}

func (m *Memory) Challenges(_ context.Context) ([]domain.Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Challenge, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.challenges[id])
	}
	return out, nil
}

func (m *Memory) Hint(_ context.Context, id string) (*domain.Hint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.hints[id]
	if !ok {
		return nil, errors.NotFound("hint not found: %s", id)
	}
	return &h, nil
}

func (m *Memory) Team(_ context.Context, id string) (*domain.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.teams[id]
	if !ok {
		return nil, errors.NotFound("team not found: %s", id)
	}
	return &t, nil
}

func (m *Memory) Teams(_ context.Context) ([]domain.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Team, 0, len(m.teams))
	for _, t := range m.teams {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b domain.Team) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *Memory) ActiveGame(_ context.Context) (*domain.GameConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.game == nil || !m.game.IsActive {
		return nil, nil
	}
	g := *m.game
	return &g, nil
}

// Seed is the import file format. Field names follow the platform's challenge export.
type Seed struct {
	Game       *SeedGame       `json:"game"`
	Teams      []SeedTeam      `json:"teams"`
	Challenges []SeedChallenge `json:"challenges"`
}

type SeedGame struct {
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime"`
	IsActive  bool       `json:"isActive"`
}

type SeedTeam struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Code  string `json:"code"`
	Icon  string `json:"icon"`
	Color string `json:"color"`
}

type SeedChallenge struct {
	ID               string                `json:"id"`
	Title            string                `json:"title"`
	Description      string                `json:"description"`
	Category         string                `json:"category"`
	Points           int64                 `json:"points"`
	Difficulty       string                `json:"difficulty"`
	Flag             string                `json:"flag"`
	Flags            []SeedFlag            `json:"flags"`
	MultipleFlags    bool                  `json:"multipleFlags"`
	IsActive         *bool                 `json:"isActive"`
	IsLocked         bool                  `json:"isLocked"`
	Files            []SeedFile            `json:"files"`
	Hints            []SeedHint            `json:"hints"`
	UnlockConditions []SeedUnlockCondition `json:"unlockConditions"`
}

type SeedFlag struct {
	ID     string `json:"id"`
	Flag   string `json:"flag"`
	Points int64  `json:"points"`
}

type SeedFile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

type SeedHint struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Cost    int64  `json:"cost"`
}

type SeedUnlockCondition struct {
	Type                 string `json:"type"`
	RequiredChallengeID  string `json:"requiredChallengeId"`
	TimeThresholdSeconds int64  `json:"timeThresholdSeconds"`
}

// Import loads a JSON seed into the catalog. The whole seed is validated, an invalid
// challenge aborts the import.
func (m *Memory) Import(r io.Reader) error {
	var s Seed
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("catalog: decode seed"), errors.WithCause(err))
	}

	if s.Game != nil {
		m.SetGame(&domain.GameConfig{
			ID:        "seed",
			StartTime: s.Game.StartTime,
			EndTime:   s.Game.EndTime,
			IsActive:  s.Game.IsActive,
		})
	}

	for _, t := range s.Teams {
		if err := m.PutTeam(domain.Team{ID: t.ID, Name: t.Name, JoinCode: t.Code, Icon: t.Icon, Color: t.Color}); err != nil {
			return fmt.Errorf("catalog: import team %s: %w", t.ID, err)
		}
	}

	for _, sc := range s.Challenges {
		if err := m.PutChallenge(sc.toDomain()); err != nil {
			return fmt.Errorf("catalog: import challenge %s: %w", sc.ID, err)
		}
	}

	return nil
}

func (sc SeedChallenge) toDomain() domain.Challenge {
	c := domain.Challenge{
		ID:            sc.ID,
		Title:         sc.Title,
		Description:   sc.Description,
		Category:      sc.Category,
		Points:        sc.Points,
		Difficulty:    sc.Difficulty,
		MultipleFlags: sc.MultipleFlags,
		IsActive:      sc.IsActive == nil || *sc.IsActive,
		IsLocked:      sc.IsLocked,
	}

	for _, f := range sc.Flags {
		c.Flags = append(c.Flags, domain.Flag{ID: f.ID, Value: f.Flag, Points: f.Points})
	}
	if len(c.Flags) == 0 && sc.Flag != "" {
		c.Flags = []domain.Flag{{Value: sc.Flag, Points: sc.Points}}
	}
	for _, f := range sc.Files {
		c.Files = append(c.Files, domain.File(f))
	}
	for _, h := range sc.Hints {
		c.Hints = append(c.Hints, domain.Hint{ID: h.ID, Content: h.Content, Cost: h.Cost})
	}
	for _, u := range sc.UnlockConditions {
		c.UnlockConditions = append(c.UnlockConditions, domain.UnlockCondition{
			Type:                 domain.UnlockConditionType(u.Type),
			RequiredChallengeID:  u.RequiredChallengeID,
			TimeThresholdSeconds: u.TimeThresholdSeconds,
		})
	}

	return c
}
