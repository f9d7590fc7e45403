package ledger

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/victornm/orbitalctf/internal/domain"
	"github.com/victornm/orbitalctf/internal/errors"
	"github.com/victornm/orbitalctf/internal/telemetry"
)

type pair [2]string

// MemoryStore keeps the ledger in process memory. It gives the same guarantees as the
// Postgres store for a single instance.
type MemoryStore struct {
	locks locker

	mu          sync.RWMutex
	seq         int64
	entries     []domain.LedgerEntry
	totals      map[string]int64
	submissions []domain.Submission
	correct     map[pair]bool
	purchases   map[pair]domain.HintPurchase
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:     locker{locks: make(map[string]*keyLock)},
		totals:    make(map[string]int64),
		correct:   make(map[pair]bool),
		purchases: make(map[pair]domain.HintPurchase),
	}
}

func (s *MemoryStore) Tx(ctx context.Context, key string, fn func(ctx context.Context, tx Tx) error) (err error) {
	start := time.Now()
	defer func() { telemetry.ObserveLedgerTx("memory", start, err) }()

	unlock, err := s.locks.lock(ctx, key)
	if err != nil {
		return errors.Storage(fmt.Errorf("lock %s: %w", key, err))
	}
	defer unlock()

	tx := &memTx{
		s:         s,
		teamLocks: make(map[string]func()),
		pending:   make(map[string]int64),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return errors.Storage(fmt.Errorf("commit: %w", err))
	}

	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Uniqueness is checked before anything is applied so that a commit is all or nothing.
	seen := make(map[pair]bool)
	for _, sub := range tx.subs {
		if !sub.IsCorrect {
			continue
		}
		k := pair{sub.TeamID, sub.FlagID}
		if s.correct[k] || seen[k] {
			return errors.Conflict(fmt.Errorf("correct submission exists: team=%s flag=%s", sub.TeamID, sub.FlagID))
		}
		seen[k] = true
	}
	for _, p := range tx.purchases {
		if _, ok := s.purchases[pair{p.TeamID, p.HintID}]; ok {
			return errors.Conflict(fmt.Errorf("hint purchase exists: team=%s hint=%s", p.TeamID, p.HintID))
		}
	}

	totals := make(map[string]int64)
	for _, e := range tx.entries {
		prev, ok := totals[e.TeamID]
		if !ok {
			prev = s.totals[e.TeamID]
		}
		if e.TotalPoints != prev+e.Points {
			return errors.New(errors.CodeInternal,
				errors.WithMessagef("ledger: running total moved under lock: team=%s", e.TeamID),
			)
		}
		totals[e.TeamID] = e.TotalPoints
	}

	for _, sub := range tx.subs {
		s.submissions = append(s.submissions, sub)
		if sub.IsCorrect {
			s.correct[pair{sub.TeamID, sub.FlagID}] = true
		}
	}
	for _, p := range tx.purchases {
		s.purchases[pair{p.TeamID, p.HintID}] = p
	}
	for _, e := range tx.entries {
		s.seq++
		e.Seq = s.seq
		s.entries = append(s.entries, e)
		telemetry.CountLedgerAppend(string(e.Reason))
	}
	for team, total := range totals {
		s.totals[team] = total
	}

	return nil
}

func (s *MemoryStore) Entries(_ context.Context, f EntryFilter) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.LedgerEntry
	for _, e := range s.entries {
		if f.match(e) {
			out = append(out, e)
		}
	}

	if f.Desc {
		slices.Reverse(out)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}

	return out, nil
}

func (s *MemoryStore) CorrectSubmissions(_ context.Context, teamID string) ([]domain.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Submission
	for _, sub := range s.submissions {
		if sub.IsCorrect && (teamID == "" || sub.TeamID == teamID) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *MemoryStore) HintPurchases(_ context.Context, teamID string) ([]domain.HintPurchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.HintPurchase
	for _, p := range s.purchases {
		if p.TeamID == teamID {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b domain.HintPurchase) int { return a.CreateTime.Compare(b.CreateTime) })
	return out, nil
}

type memTx struct {
	s *MemoryStore

	teamLocks map[string]func()
	// pending holds the running totals staged by this transaction.
	pending map[string]int64

	subs      []domain.Submission
	purchases []domain.HintPurchase
	entries   []domain.LedgerEntry
}

func (tx *memTx) Submissions(_ context.Context, teamID, challengeID string) ([]domain.Submission, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	var out []domain.Submission
	for _, subs := range [][]domain.Submission{tx.s.submissions, tx.subs} {
		for _, sub := range subs {
			if sub.TeamID == teamID && sub.ChallengeID == challengeID {
				out = append(out, sub)
			}
		}
	}
	return out, nil
}

func (tx *memTx) HintPurchase(_ context.Context, teamID, hintID string) (*domain.HintPurchase, error) {
	for _, p := range tx.purchases {
		if p.TeamID == teamID && p.HintID == hintID {
			return &p, nil
		}
	}

	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	if p, ok := tx.s.purchases[pair{teamID, hintID}]; ok {
		return &p, nil
	}
	return nil, nil
}

func (tx *memTx) Balance(_ context.Context, teamID string) (int64, error) {
	if total, ok := tx.pending[teamID]; ok {
		return total, nil
	}

	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return tx.s.totals[teamID], nil
}

func (tx *memTx) InsertSubmission(_ context.Context, s domain.Submission) error {
	if s.IsCorrect && s.FlagID == "" {
		return errors.Invalid("correct submission without flag")
	}
	tx.subs = append(tx.subs, s)
	return nil
}

func (tx *memTx) InsertHintPurchase(_ context.Context, p domain.HintPurchase) error {
	tx.purchases = append(tx.purchases, p)
	return nil
}

func (tx *memTx) Append(ctx context.Context, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	if _, ok := tx.teamLocks[e.TeamID]; !ok {
		unlock, err := tx.s.locks.lock(ctx, "team:"+e.TeamID)
		if err != nil {
			return domain.LedgerEntry{}, errors.Storage(fmt.Errorf("lock team %s: %w", e.TeamID, err))
		}
		tx.teamLocks[e.TeamID] = unlock
	}

	prev, err := tx.Balance(ctx, e.TeamID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}

	e.TotalPoints = prev + e.Points
	tx.pending[e.TeamID] = e.TotalPoints
	tx.entries = append(tx.entries, e)
	return e, nil
}

func (tx *memTx) release() {
	for _, unlock := range tx.teamLocks {
		unlock()
	}
}

// locker hands out one mutex per key and forgets keys nobody holds or waits for.
type locker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func (l *locker) lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	k, ok := l.locks[key]
	if !ok {
		k = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = k
	}
	k.refs++
	l.mu.Unlock()

	select {
	case k.ch <- struct{}{}:
		return func() {
			<-k.ch
			l.release(key, k)
		}, nil
	case <-ctx.Done():
		l.release(key, k)
		return nil, ctx.Err()
	}
}

func (l *locker) release(key string, k *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k.refs--
	if k.refs == 0 {
		delete(l.locks, key)
	}
}
