// Package challenge builds the per-team view of the challenge catalog.
package challenge

import (
	"context"
	"slices"
	"time"

	"github.com/victornm/orbitalctf/internal/catalog"
	"github.com/victornm/orbitalctf/internal/domain"
	"github.com/victornm/orbitalctf/internal/errors"
	"github.com/victornm/orbitalctf/internal/ledger"
	"github.com/victornm/orbitalctf/internal/unlock"
)

const (
	MessageNotStarted  = "The competition hasn't started yet. Please check back later."
	LockedDescription  = "This challenge is locked. Complete previous challenges to unlock it."
	defaultListMessage = ""
)

type Config struct {
	Ledger  ledger.Store
	Catalog catalog.Catalog
	Unlock  *unlock.Evaluator
	Now     func() time.Time
}

type Service struct {
	ledger  ledger.Store
	catalog catalog.Catalog
	unlock  *unlock.Evaluator
	now     func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		ledger:  c.Ledger,
		catalog: c.Catalog,
		unlock:  c.Unlock,
		now:     c.Now,
	}

	if s.unlock == nil {
		s.unlock = unlock.NewEvaluator()
	}
	if s.now == nil {
		s.now = time.Now
	}

	return s
}

// View is a challenge as shown to one caller. Flag values are only filled for admins, locked
// challenges carry no content.
type View struct {
	ID            string
	Title         string
	Description   string
	Category      string
	Points        int64
	Difficulty    string
	MultipleFlags bool
	IsActive      bool
	IsLocked      bool
	IsSolved      bool
	Flags         []FlagView
	Files         []domain.File
	Hints         []HintView
	SolvedBy      []Solver
}

type FlagView struct {
	ID       string
	Value    string
	Points   int64
	IsSolved bool
}

type HintView struct {
	ID          string
	Cost        int64
	Content     string
	IsPurchased bool
}

type Solver struct {
	TeamID    string
	TeamColor string
}

type ListChallengesRequest struct {
	Principal domain.Principal
	// Now defaults to the current time.
	Now time.Time
}

type ListChallengesResponse struct {
	Message    string
	Challenges []View
}

// ListChallenges lists the challenges visible to the caller with per-team solve and lock flags.
func (s *Service) ListChallenges(ctx context.Context, req ListChallengesRequest) (*ListChallengesResponse, error) {
	p := req.Principal
	if !p.IsAdmin && p.TeamID == "" {
		return nil, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("a team is required to view challenges"))
	}

	now := req.Now
	if now.IsZero() {
		now = s.now()
	}

	game, err := s.catalog.ActiveGame(ctx)
	if err != nil {
		return nil, err
	}
	if !p.IsAdmin && game != nil && !game.Started(now) {
		return &ListChallengesResponse{Message: MessageNotStarted, Challenges: []View{}}, nil
	}

	all, err := s.catalog.Challenges(ctx)
	if err != nil {
		return nil, err
	}

	st, err := s.loadState(ctx, p)
	if err != nil {
		return nil, err
	}

	views := make([]View, 0, len(all))
	for _, c := range all {
		if !c.IsActive && !p.IsAdmin {
			continue
		}
		views = append(views, s.view(p, c, game, st, now))
	}

	return &ListChallengesResponse{Message: defaultListMessage, Challenges: views}, nil
}

type GetChallengeRequest struct {
	Principal   domain.Principal
	ChallengeID string
	Now         time.Time
}

// GetChallenge returns one challenge as the caller sees it.
func (s *Service) GetChallenge(ctx context.Context, req GetChallengeRequest) (*View, error) {
	p := req.Principal
	if !p.IsAdmin && p.TeamID == "" {
		return nil, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("a team is required to view challenges"))
	}

	now := req.Now
	if now.IsZero() {
		now = s.now()
	}

	c, err := s.catalog.Challenge(ctx, req.ChallengeID)
	if err != nil {
		return nil, err
	}
	if !c.IsActive && !p.IsAdmin {
		return nil, errors.NotFound("challenge not found: %s", req.ChallengeID)
	}

	game, err := s.catalog.ActiveGame(ctx)
	if err != nil {
		return nil, err
	}
	if !p.IsAdmin && game != nil && !game.Started(now) {
		return nil, errors.Forbidden("the competition has not started yet")
	}

	st, err := s.loadState(ctx, p)
	if err != nil {
		return nil, err
	}

	v := s.view(p, *c, game, st, now)
	return &v, nil
}

type ListCategoriesResponse struct {
	Message              string
	Categories           []string
	ChallengesByCategory map[string][]View
}

// ListCategories groups the visible challenges by category, in order of first appearance.
func (s *Service) ListCategories(ctx context.Context, req ListChallengesRequest) (*ListCategoriesResponse, error) {
	l, err := s.ListChallenges(ctx, req)
	if err != nil {
		return nil, err
	}

	resp := &ListCategoriesResponse{
		Message:              l.Message,
		Categories:           []string{},
		ChallengesByCategory: make(map[string][]View),
	}
	for _, v := range l.Challenges {
		if _, ok := resp.ChallengesByCategory[v.Category]; !ok {
			resp.Categories = append(resp.Categories, v.Category)
		}
		resp.ChallengesByCategory[v.Category] = append(resp.ChallengesByCategory[v.Category], v)
	}

	return resp, nil
}

// state is what the views need from the ledger.
type state struct {
	// solvedFlags maps challenge id to the caller team's solved flags.
	solvedFlags map[string]map[string]bool
	purchased   map[string]bool
	solvers     map[string][]Solver
}

func (st state) solved() map[string]bool {
	out := make(map[string]bool, len(st.solvedFlags))
	for id := range st.solvedFlags {
		out[id] = true
	}
	return out
}

func (s *Service) loadState(ctx context.Context, p domain.Principal) (state, error) {
	st := state{
		solvedFlags: make(map[string]map[string]bool),
		purchased:   make(map[string]bool),
		solvers:     make(map[string][]Solver),
	}

	teams, err := s.catalog.Teams(ctx)
	if err != nil {
		return st, err
	}
	colors := make(map[string]string, len(teams))
	for _, t := range teams {
		colors[t.ID] = t.Color
	}

	subs, err := s.ledger.CorrectSubmissions(ctx, "")
	if err != nil {
		return st, err
	}

	slices.SortStableFunc(subs, func(a, b domain.Submission) int { return a.CreateTime.Compare(b.CreateTime) })
	seen := make(map[[2]string]bool)
	for _, sub := range subs {
		if sub.TeamID == p.TeamID {
			if st.solvedFlags[sub.ChallengeID] == nil {
				st.solvedFlags[sub.ChallengeID] = make(map[string]bool)
			}
			st.solvedFlags[sub.ChallengeID][sub.FlagID] = true
		}

		k := [2]string{sub.ChallengeID, sub.TeamID}
		if !seen[k] {
			seen[k] = true
			st.solvers[sub.ChallengeID] = append(st.solvers[sub.ChallengeID], Solver{TeamID: sub.TeamID, TeamColor: colors[sub.TeamID]})
		}
	}

	if p.TeamID != "" {
		ps, err := s.ledger.HintPurchases(ctx, p.TeamID)
		if err != nil {
			return st, err
		}
		for _, hp := range ps {
			st.purchased[hp.HintID] = true
		}
	}

	return st, nil
}

func (s *Service) view(p domain.Principal, c domain.Challenge, game *domain.GameConfig, st state, now time.Time) View {
	in := unlock.Input{Challenge: c, Game: game, Solved: st.solved(), Now: now}
	locked := !s.unlock.IsVisible(p, in)
	solvedFlags := st.solvedFlags[c.ID]

	v := View{
		ID:            c.ID,
		Title:         c.Title,
		Description:   c.Description,
		Category:      c.Category,
		Points:        c.Points,
		Difficulty:    c.Difficulty,
		MultipleFlags: c.MultipleFlags,
		IsActive:      c.IsActive,
		IsLocked:      locked,
		IsSolved:      len(c.Flags) > 0 && len(solvedFlags) == len(c.Flags),
		SolvedBy:      st.solvers[c.ID],
	}

	if locked {
		v.Description = LockedDescription
		return v
	}

	for _, f := range c.Flags {
		fv := FlagView{ID: f.ID, Points: f.Points, IsSolved: solvedFlags[f.ID]}
		if p.IsAdmin {
			fv.Value = f.Value
		}
		v.Flags = append(v.Flags, fv)
	}

	v.Files = append(v.Files, c.Files...)

	for _, h := range c.Hints {
		hv := HintView{ID: h.ID, Cost: h.Cost, IsPurchased: st.purchased[h.ID]}
		if hv.IsPurchased || p.IsAdmin {
			hv.Content = h.Content
		}
		v.Hints = append(v.Hints, hv)
	}

	return v
}
