// Package ledger is the append-only record of every point-affecting event. A team's score is
// the running total of its latest entry and nothing else.
package ledger

import (
	"context"
	"fmt"

	"github.com/victornm/orbitalctf/internal/domain"
	"github.com/victornm/orbitalctf/internal/errors"
)

// Store is the durable ledger together with the submission and hint purchase records it guards.
type Store interface {
	// Tx runs fn with every other Tx for the same key excluded. Writes made through tx are
	// committed together when fn returns nil and discarded otherwise. A context cancelled
	// before commit discards the writes as well.
	Tx(ctx context.Context, key string, fn func(ctx context.Context, tx Tx) error) error

	Entries(ctx context.Context, f EntryFilter) ([]domain.LedgerEntry, error)
	// CorrectSubmissions lists correct submissions of a team, or of every team when teamID is empty.
	CorrectSubmissions(ctx context.Context, teamID string) ([]domain.Submission, error)
	HintPurchases(ctx context.Context, teamID string) ([]domain.HintPurchase, error)
}

// Tx is the read-modify-write view of the store inside Store.Tx.
type Tx interface {
	// Submissions lists the team's submissions against a challenge in submission order.
	Submissions(ctx context.Context, teamID, challengeID string) ([]domain.Submission, error)
	// HintPurchase returns the team's purchase of the hint, nil if there is none.
	HintPurchase(ctx context.Context, teamID, hintID string) (*domain.HintPurchase, error)
	// Balance returns the team's current running total.
	Balance(ctx context.Context, teamID string) (int64, error)

	// InsertSubmission fails with Conflict for a second correct submission of the same team and flag.
	InsertSubmission(ctx context.Context, s domain.Submission) error
	// InsertHintPurchase fails with Conflict for a second purchase of the same team and hint.
	InsertHintPurchase(ctx context.Context, p domain.HintPurchase) error
	// Append computes the running total of e under a per-team lock and stages the entry.
	Append(ctx context.Context, e domain.LedgerEntry) (domain.LedgerEntry, error)
}

// EntryFilter selects ledger entries. Entries are returned in commit order, newest first when Desc is set.
type EntryFilter struct {
	TeamID  string
	Reasons []domain.Reason
	// Limit caps the result, 0 means no cap.
	Limit int
	Desc  bool
}

func (f EntryFilter) match(e domain.LedgerEntry) bool {
	if f.TeamID != "" && e.TeamID != f.TeamID {
		return false
	}
	if len(f.Reasons) == 0 {
		return true
	}
	for _, r := range f.Reasons {
		if e.Reason == r {
			return true
		}
	}
	return false
}

// SubmitKey serializes submissions of one team against one challenge.
func SubmitKey(teamID, challengeID string) string {
	return fmt.Sprintf("submit:%s:%s", teamID, challengeID)
}

// HintKey serializes purchases of one hint by one team.
func HintKey(teamID, hintID string) string {
	return fmt.Sprintf("hint:%s:%s", teamID, hintID)
}

// AccountKey serializes account level writes of one team.
func AccountKey(teamID string) string {
	return fmt.Sprintf("account:%s", teamID)
}

// Verify checks that entries, given in commit order, form consistent running totals per team.
func Verify(entries []domain.LedgerEntry) error {
	totals := make(map[string]int64)
	for _, e := range entries {
		if want := totals[e.TeamID] + e.Points; e.TotalPoints != want {
			return errors.New(errors.CodeInternal,
				errors.WithMessagef("ledger: inconsistent running total: team=%s seq=%d total=%d want=%d", e.TeamID, e.Seq, e.TotalPoints, want),
			)
		}
		totals[e.TeamID] = e.TotalPoints
	}
	return nil
}

// SolvedChallenges returns the ids of challenges the team has at least one correct submission for.
func SolvedChallenges(ctx context.Context, store Store, team string) (map[string]bool, error) {
	subs, err := store.CorrectSubmissions(ctx, team)
	if err != nil {
		return nil, err
	}

	solved := make(map[string]bool, len(subs))
	for _, sub := range subs {
		solved[sub.ChallengeID] = true
	}
	return solved, nil
}
