package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/orbitalctf/internal/domain"
	"github.com/victornm/orbitalctf/internal/errors"
	"github.com/victornm/orbitalctf/internal/event"
)

const (
	defaultHistoryLimit  = 1000
	defaultActivityLimit = 50
)

// Teams resolves team ids for display.
type Teams interface {
	Team(ctx context.Context, id string) (*domain.Team, error)
	Teams(ctx context.Context) ([]domain.Team, error)
}

type Config struct {
	EventBus *event.Bus
	Store    Store
	Teams    Teams
	Now      func() time.Time
}

// Service exposes the read side of the ledger and the account level writes that are not
// submissions or hint purchases.
type Service struct {
	eb    *event.Bus
	store Store
	teams Teams
	now   func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		eb:    c.EventBus,
		store: c.Store,
		teams: c.Teams,
		now:   c.Now,
	}

	if s.now == nil {
		s.now = time.Now
	}

	return s
}

type GetPointHistoryRequest struct {
	TeamID string
	// Limit defaults to 1000 entries.
	Limit int
}

// GetPointHistory returns the team's most recent ledger entries, newest first.
func (s *Service) GetPointHistory(ctx context.Context, req GetPointHistoryRequest) ([]domain.LedgerEntry, error) {
	if _, err := s.teams.Team(ctx, req.TeamID); err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	return s.store.Entries(ctx, EntryFilter{TeamID: req.TeamID, Limit: limit, Desc: true})
}

type Activity struct {
	Entry domain.LedgerEntry
	Team  domain.Team
}

type GetActivityRequest struct {
	Limit int
}

// GetActivity returns the latest solves and hint purchases across all teams, newest first.
func (s *Service) GetActivity(ctx context.Context, req GetActivityRequest) ([]Activity, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultActivityLimit
	}

	entries, err := s.store.Entries(ctx, EntryFilter{
		Reasons: []domain.Reason{domain.ReasonChallengeSolve, domain.ReasonHintPurchase},
		Limit:   limit,
		Desc:    true,
	})
	if err != nil {
		return nil, err
	}

	teams, err := s.teams.Teams(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Team, len(teams))
	for _, t := range teams {
		byID[t.ID] = t
	}

	out := make([]Activity, 0, len(entries))
	for _, e := range entries {
		t, ok := byID[e.TeamID]
		if !ok {
			t = domain.Team{ID: e.TeamID}
		}
		out = append(out, Activity{Entry: e, Team: t})
	}

	return out, nil
}

// OpenAccount records the TEAM_CREATED entry of a new team. Opening an account twice is a no-op.
func (s *Service) OpenAccount(ctx context.Context, teamID string) (*domain.LedgerEntry, error) {
	if _, err := s.teams.Team(ctx, teamID); err != nil {
		return nil, err
	}

	var entry *domain.LedgerEntry
	err := s.store.Tx(ctx, AccountKey(teamID), func(ctx context.Context, tx Tx) error {
		existing, err := s.store.Entries(ctx, EntryFilter{TeamID: teamID, Reasons: []domain.Reason{domain.ReasonTeamCreated}, Limit: 1})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			entry = &existing[0]
			return nil
		}

		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate entry id: %w", err)
		}

		e, err := tx.Append(ctx, domain.LedgerEntry{
			ID:         id.String(),
			TeamID:     teamID,
			Reason:     domain.ReasonTeamCreated,
			Metadata:   domain.TeamCreated{},
			CreateTime: s.now(),
		})
		if err != nil {
			return err
		}

		entry = &e
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

type AdjustPointsRequest struct {
	Principal domain.Principal
	TeamID    string
	Points    int64
	Note      string
}

// AdjustPoints applies an admin correction to a team's score.
func (s *Service) AdjustPoints(ctx context.Context, req AdjustPointsRequest) (*domain.LedgerEntry, error) {
	if !req.Principal.IsAdmin {
		return nil, errors.Forbidden("only admins can adjust points")
	}
	if req.Points == 0 {
		return nil, errors.Invalid("points must not be zero")
	}
	if _, err := s.teams.Team(ctx, req.TeamID); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate entry id: %w", err)
	}

	now := s.now()
	var entry domain.LedgerEntry
	err = s.store.Tx(ctx, AccountKey(req.TeamID), func(ctx context.Context, tx Tx) error {
		entry, err = tx.Append(ctx, domain.LedgerEntry{
			ID:         id.String(),
			TeamID:     req.TeamID,
			Points:     req.Points,
			Reason:     domain.ReasonAdminAdjustment,
			Metadata:   domain.AdminAdjustment{AdminUserID: req.Principal.UserID, Note: req.Note},
			CreateTime: now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if s.eb != nil {
		s.eb.Publish(ctx, domain.EventScoreUpdated{
			TeamID:     req.TeamID,
			Points:     req.Points,
			TotalScore: entry.TotalPoints,
			Reason:     domain.ReasonAdminAdjustment,
			UpdateTime: now,
		})
	}

	return &entry, nil
}
