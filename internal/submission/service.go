package submission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/orbitalctf/internal/catalog"
	"github.com/victornm/orbitalctf/internal/domain"
	"github.com/victornm/orbitalctf/internal/errors"
	"github.com/victornm/orbitalctf/internal/event"
	"github.com/victornm/orbitalctf/internal/flag"
	"github.com/victornm/orbitalctf/internal/ledger"
	"github.com/victornm/orbitalctf/internal/telemetry"
	"github.com/victornm/orbitalctf/internal/unlock"
)

const defaultMaxRetries = 3

const (
	msgCorrect   = "Correct flag!"
	msgPartial   = "Correct flag! %d of %d flags found."
	msgWrong     = "Incorrect flag, try again."
	msgDuplicate = "Your team already submitted this flag."
)

type Config struct {
	EventBus *event.Bus
	Ledger   ledger.Store
	Catalog  catalog.Catalog
	Matcher  *flag.Matcher
	Unlock   *unlock.Evaluator
	// MaxRetries bounds retries after a lost serialization race.
	MaxRetries int
	Now        func() time.Time
}

type Service struct {
	eb      *event.Bus
	ledger  ledger.Store
	catalog catalog.Catalog
	matcher *flag.Matcher
	unlock  *unlock.Evaluator

	maxRetries int
	now        func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		eb:         c.EventBus,
		ledger:     c.Ledger,
		catalog:    c.Catalog,
		matcher:    c.Matcher,
		unlock:     c.Unlock,
		maxRetries: c.MaxRetries,
		now:        c.Now,
	}

	if s.maxRetries <= 0 {
		s.maxRetries = defaultMaxRetries
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.matcher == nil {
		s.matcher = flag.NewMatcher(flag.Config{TrimSpace: true})
	}
	if s.unlock == nil {
		s.unlock = unlock.NewEvaluator()
	}

	return s
}

type SubmitFlagRequest struct {
	Principal   domain.Principal
	ChallengeID string
	Text        string
	// SubmitTime defaults to the current time.
	SubmitTime time.Time
}

type Verdict struct {
	Accepted      bool
	Message       string
	PointsAwarded int64
	State         domain.SolveState
	TotalPoints   int64
}

// SubmitFlag checks a flag submission of a team and awards the matched flag's points the
// first time the team submits it.
//
// Submissions of one team against one challenge are serialized, concurrent duplicates award
// points once.
func (s *Service) SubmitFlag(ctx context.Context, req SubmitFlagRequest) (*Verdict, error) {
	team := req.Principal.TeamID
	if team == "" {
		return nil, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("a team is required to submit flags"))
	}

	text := s.matcher.Normalize(req.Text)
	if text == "" {
		return nil, errors.Invalid("flag must not be empty")
	}

	now := req.SubmitTime
	if now.IsZero() {
		now = s.now()
	}

	ch, err := s.catalog.Challenge(ctx, req.ChallengeID)
	if err != nil {
		return nil, err
	}
	if !ch.IsActive {
		return nil, errors.NotFound("challenge not found: %s", req.ChallengeID)
	}

	if err := s.checkOpen(ctx, team, *ch, now); err != nil {
		telemetry.CountSubmission(telemetry.OutcomeRejected)
		return nil, err
	}

	var v *Verdict
	for attempt := 0; ; attempt++ {
		v, err = s.submit(ctx, req.Principal, *ch, text, now, attempt > 0)
		if !errors.Is(err, errors.CodeAborted) || attempt >= s.maxRetries {
			break
		}

		slog.WarnContext(ctx, "submission: lost serialization race, retrying",
			"team", team,
			"challenge", ch.ID,
			"attempt", attempt+1,
		)
	}
	if err != nil {
		if errors.Is(err, errors.CodePermissionDenied) {
			telemetry.CountSubmission(telemetry.OutcomeRejected)
		}
		return nil, err
	}

	s.publish(ctx, team, v, *ch, now)
	return v, nil
}

// checkOpen rejects submissions outside the game window or against a locked challenge.
func (s *Service) checkOpen(ctx context.Context, team string, ch domain.Challenge, now time.Time) error {
	game, err := s.catalog.ActiveGame(ctx)
	if err != nil {
		return err
	}

	if game != nil && !game.Started(now) {
		return errors.Forbidden("the competition has not started yet")
	}
	if game != nil && game.Ended(now) {
		return errors.Forbidden("the competition has ended")
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

func (s *Service) submit(ctx context.Context, p domain.Principal, ch domain.Challenge, text string, now time.Time, retried bool) (*Verdict, error) {
	var v *Verdict

	err := s.ledger.Tx(ctx, ledger.SubmitKey(p.TeamID, ch.ID), func(ctx context.Context, tx ledger.Tx) error {
		subs, err := tx.Submissions(ctx, p.TeamID, ch.ID)
		if err != nil {
			return err
		}

		if domain.SolveStateOf(ch, subs) == domain.StateFullySolved {
			if retried {
				// The racer that beat us already recorded the solve.
				total, err := tx.Balance(ctx, p.TeamID)
				if err != nil {
					return err
				}
				v = &Verdict{Message: msgDuplicate, State: domain.StateFullySolved, TotalPoints: total}
				return nil
			}
			return errors.Forbidden("your team already solved this challenge")
		}

		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate submission id: %w", err)
		}

		sub := domain.Submission{
			ID:          id.String(),
			TeamID:      p.TeamID,
			UserID:      p.UserID,
			ChallengeID: ch.ID,
			Text:        text,
			CreateTime:  now,
		}

		res := s.matcher.Match(ch, text)
		switch {
		case !res.Matched():
			v, err = s.recordWrong(ctx, tx, ch, subs, sub)
		case domain.SolvedFlags(subs)[res.Flag.ID]:
			v, err = s.recordDuplicate(ctx, tx, ch, subs, sub, *res.Flag)
		default:
			v, err = s.recordSolve(ctx, tx, ch, subs, sub, *res.Flag)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	return v, nil
}

func (s *Service) recordWrong(ctx context.Context, tx ledger.Tx, ch domain.Challenge, subs []domain.Submission, sub domain.Submission) (*Verdict, error) {
	if err := tx.InsertSubmission(ctx, sub); err != nil {
		return nil, err
	}

	e, err := s.append(ctx, tx, sub.TeamID, 0, domain.FlagSubmission{ChallengeID: ch.ID, SubmissionID: sub.ID}, sub.CreateTime)
	if err != nil {
		return nil, err
	}

	return &Verdict{
		Message:     msgWrong,
		State:       domain.SolveStateOf(ch, append(subs, sub)),
		TotalPoints: e.TotalPoints,
	}, nil
}

// recordDuplicate keeps an audit record of a flag the team already holds. The record is not
// marked correct, so the first correct submission stays unique, and the ledger is untouched.
func (s *Service) recordDuplicate(ctx context.Context, tx ledger.Tx, ch domain.Challenge, subs []domain.Submission, sub domain.Submission, f domain.Flag) (*Verdict, error) {
	sub.FlagID = f.ID
	if err := tx.InsertSubmission(ctx, sub); err != nil {
		return nil, err
	}

	total, err := tx.Balance(ctx, sub.TeamID)
	if err != nil {
		return nil, err
	}

	return &Verdict{
		Message:     msgDuplicate,
		State:       domain.SolveStateOf(ch, subs),
		TotalPoints: total,
	}, nil
}

func (s *Service) recordSolve(ctx context.Context, tx ledger.Tx, ch domain.Challenge, subs []domain.Submission, sub domain.Submission, f domain.Flag) (*Verdict, error) {
	sub.FlagID = f.ID
	sub.IsCorrect = true
	if err := tx.InsertSubmission(ctx, sub); err != nil {
		return nil, err
	}

	subs = append(subs, sub)
	state := domain.SolveStateOf(ch, subs)

	e, err := s.append(ctx, tx, sub.TeamID, f.Points, domain.ChallengeSolve{
		ChallengeID:  ch.ID,
		FlagID:       f.ID,
		SubmissionID: sub.ID,
		Partial:      ch.MultipleFlags && state != domain.StateFullySolved,
	}, sub.CreateTime)
	if err != nil {
		return nil, err
	}

	msg := msgCorrect
	if ch.MultipleFlags {
		msg = fmt.Sprintf(msgPartial, len(domain.SolvedFlags(subs)), len(ch.Flags))
	}

	return &Verdict{
		Accepted:      true,
		Message:       msg,
		PointsAwarded: f.Points,
		State:         state,
		TotalPoints:   e.TotalPoints,
	}, nil
}

func (s *Service) append(ctx context.Context, tx ledger.Tx, team string, points int64, m domain.Metadata, at time.Time) (domain.LedgerEntry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("generate entry id: %w", err)
	}

	return tx.Append(ctx, domain.LedgerEntry{
		ID:         id.String(),
		TeamID:     team,
		Points:     points,
		Reason:     m.Reason(),
		Metadata:   m,
		CreateTime: at,
	})
}

func (s *Service) publish(ctx context.Context, team string, v *Verdict, ch domain.Challenge, now time.Time) {
	switch {
	case v.Accepted:
		telemetry.CountSubmission(telemetry.OutcomeCorrect)
	case v.Message == msgDuplicate:
		telemetry.CountSubmission(telemetry.OutcomeDuplicate)
	default:
		telemetry.CountSubmission(telemetry.OutcomeWrong)
	}

	if !v.Accepted || s.eb == nil {
		return
	}

	s.eb.Publish(ctx, domain.EventChallengeSolved{
		TeamID:      team,
		ChallengeID: ch.ID,
		State:       v.State,
		SolveTime:   now,
	})

	if v.PointsAwarded != 0 {
		s.eb.Publish(ctx, domain.EventScoreUpdated{
			TeamID:     team,
			Points:     v.PointsAwarded,
			TotalScore: v.TotalPoints,
			Reason:     domain.ReasonChallengeSolve,
			UpdateTime: now,
		})
	}
}
