package hint

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/orbitalctf/internal/catalog"
	"github.com/victornm/orbitalctf/internal/domain"
	"github.com/victornm/orbitalctf/internal/errors"
	"github.com/victornm/orbitalctf/internal/event"
	"github.com/victornm/orbitalctf/internal/ledger"
	"github.com/victornm/orbitalctf/internal/telemetry"
	"github.com/victornm/orbitalctf/internal/unlock"
)

type Config struct {
	EventBus *event.Bus
	Ledger   ledger.Store
	Catalog  catalog.Catalog
	Unlock   *unlock.Evaluator
	Now      func() time.Time
}

type Service struct {
	eb      *event.Bus
	ledger  ledger.Store
	catalog catalog.Catalog
	unlock  *unlock.Evaluator
	now     func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		eb:      c.EventBus,
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

type PurchaseHintRequest struct {
	Principal domain.Principal
	HintID    string
	// PurchaseTime defaults to the current time.
	PurchaseTime time.Time
}

type PurchaseHintResponse struct {
	Content      string
	AlreadyOwned bool
	Cost         int64
	TotalPoints  int64
}

// PurchaseHint debits the hint's cost from the team and reveals its content. Buying a hint the
// team already owns returns the content again without charging. Scores may go negative.
func (s *Service) PurchaseHint(ctx context.Context, req PurchaseHintRequest) (*PurchaseHintResponse, error) {
	team := req.Principal.TeamID
	if team == "" {
		return nil, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("a team is required to purchase hints"))
	}

	now := req.PurchaseTime
	if now.IsZero() {
		now = s.now()
	}

	h, err := s.catalog.Hint(ctx, req.HintID)
	if err != nil {
		return nil, err
	}

	ch, err := s.catalog.Challenge(ctx, h.ChallengeID)
	if err != nil {
		return nil, err
	}
	if !ch.IsActive {
		return nil, errors.NotFound("hint not found: %s", req.HintID)
	}

	if err := s.checkOpen(ctx, team, *ch, now); err != nil {
		return nil, err
	}

	var resp *PurchaseHintResponse
	err = s.ledger.Tx(ctx, ledger.HintKey(team, h.ID), func(ctx context.Context, tx ledger.Tx) error {
		owned, err := tx.HintPurchase(ctx, team, h.ID)
		if err != nil {
			return err
		}

		if owned != nil {
			total, err := tx.Balance(ctx, team)
			if err != nil {
				return err
			}
			resp = &PurchaseHintResponse{Content: h.Content, AlreadyOwned: true, Cost: h.Cost, TotalPoints: total}
			return nil
		}

		pid, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate purchase id: %w", err)
		}
		eid, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate entry id: %w", err)
		}

		if err := tx.InsertHintPurchase(ctx, domain.HintPurchase{
			ID:         pid.String(),
			TeamID:     team,
			HintID:     h.ID,
			CreateTime: now,
		}); err != nil {
			return err
		}

		e, err := tx.Append(ctx, domain.LedgerEntry{
			ID:     eid.String(),
			TeamID: team,
			Points: -h.Cost,
			Reason: domain.ReasonHintPurchase,
			Metadata: domain.HintPurchased{
				HintID:      h.ID,
				ChallengeID: ch.ID,
				PurchaseID:  pid.String(),
			},
			CreateTime: now,
		})
		if err != nil {
			return err
		}

		resp = &PurchaseHintResponse{Content: h.Content, Cost: h.Cost, TotalPoints: e.TotalPoints}
		return nil
	})
	if errors.Is(err, errors.CodeAborted) {
		// A concurrent purchase of the same hint committed first, the team owns it now.
		return s.owned(ctx, team, *h)
	}
	if err != nil {
		return nil, err
	}

	if resp.AlreadyOwned {
		telemetry.CountHintPurchase(telemetry.OutcomeOwned)
		return resp, nil
	}

	telemetry.CountHintPurchase(telemetry.OutcomePurchased)
	if s.eb != nil && h.Cost != 0 {
		s.eb.Publish(ctx, domain.EventScoreUpdated{
			TeamID:     team,
			Points:     -h.Cost,
			TotalScore: resp.TotalPoints,
			Reason:     domain.ReasonHintPurchase,
			UpdateTime: now,
		})
	}

	return resp, nil
}

func (s *Service) owned(ctx context.Context, team string, h domain.Hint) (*PurchaseHintResponse, error) {
	var resp *PurchaseHintResponse
	err := s.ledger.Tx(ctx, ledger.HintKey(team, h.ID), func(ctx context.Context, tx ledger.Tx) error {
		p, err := tx.HintPurchase(ctx, team, h.ID)
		if err != nil {
			return err
		}
		if p == nil {
			return errors.Internal(fmt.Errorf("hint purchase conflict without purchase: team=%s hint=%s", team, h.ID))
		}

		total, err := tx.Balance(ctx, team)
		if err != nil {
			return err
		}
		resp = &PurchaseHintResponse{Content: h.Content, AlreadyOwned: true, Cost: h.Cost, TotalPoints: total}
		return nil
	})
	if err != nil {
		return nil, err
	}

	telemetry.CountHintPurchase(telemetry.OutcomeOwned)
	return resp, nil
}

func (s *Service) checkOpen(ctx context.Context, team string, ch domain.Challenge, now time.Time) error {
	game, err := s.catalog.ActiveGame(ctx)
	if err != nil {
		return err
	}
	if game != nil && !game.Started(now) {
		return errors.Forbidden("the competition has not started yet")
	}

	solved, err := ledger.SolvedChallenges(ctx, s.ledger, team)
	if err != nil {
		return err
	}

	if !s.unlock.IsUnlocked(unlock.Input{Challenge: ch, Game: game, Solved: solved, Now: now}) {
		return errors.Forbidden("this challenge is locked")
	}

	return nil
}

type ListHintsRequest struct {
	Principal   domain.Principal
	ChallengeID string
}

// HintView is a hint as shown to a team, content is empty until purchased.
type HintView struct {
	ID          string
	ChallengeID string
	Content     string
	Cost        int64
	IsPurchased bool
}

// ListHints lists the hints of a challenge with content revealed only for purchased hints.
// Admins see every hint's content.
func (s *Service) ListHints(ctx context.Context, req ListHintsRequest) ([]HintView, error) {
	ch, err := s.catalog.Challenge(ctx, req.ChallengeID)
	if err != nil {
		return nil, err
	}
	if !ch.IsActive && !req.Principal.IsAdmin {
		return nil, errors.NotFound("challenge not found: %s", req.ChallengeID)
	}

	if !req.Principal.IsAdmin {
		if req.Principal.TeamID == "" {
			return nil, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("a team is required to view hints"))
		}
		if err := s.checkOpen(ctx, req.Principal.TeamID, *ch, s.now()); err != nil {
			return nil, err
		}
	}

	owned := make(map[string]bool)
	if req.Principal.TeamID != "" {
		ps, err := s.ledger.HintPurchases(ctx, req.Principal.TeamID)
		if err != nil {
			return nil, err
		}
		for _, p := range ps {
			owned[p.HintID] = true
		}
	}

	out := make([]HintView, 0, len(ch.Hints))
	for _, h := range ch.Hints {
		v := HintView{ID: h.ID, ChallengeID: ch.ID, Cost: h.Cost, IsPurchased: owned[h.ID]}
		if v.IsPurchased || req.Principal.IsAdmin {
			v.Content = h.Content
		}
		out = append(out, v)
	}

	return out, nil
}
