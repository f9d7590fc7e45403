package ledger

import (
	"context"
	_ "embed"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/orbitalctf/internal/domain"
	"github.com/victornm/orbitalctf/internal/errors"
	"github.com/victornm/orbitalctf/internal/telemetry"
)

//go:embed schema.sql
var schema string

const codeUniqueViolation = "23505"

// PostgresStore keeps the ledger in Postgres. Serialization per key uses transaction scoped
// advisory locks and the unique indexes of schema.sql, so it holds across service instances.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Tx(ctx context.Context, key string, fn func(ctx context.Context, tx Tx) error) (err error) {
	start := time.Now()
	defer func() { telemetry.ObserveLedgerTx("postgres", start, err) }()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return errors.Storage(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !stderrors.Is(rbErr, pgx.ErrTxClosed) {
				err = stderrors.Join(err, rbErr)
			}
		}
	}()

	const lockStmt = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0));`
	if _, err = tx.Exec(ctx, lockStmt, key); err != nil {
		return storageErr("lock "+key, err)
	}

	ptx := &pgTx{tx: tx, locked: make(map[string]bool)}
	if err = fn(ctx, ptx); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return storageErr("commit", err)
	}

	for _, r := range ptx.appended {
		telemetry.CountLedgerAppend(string(r))
	}

	return nil
}

func (s *PostgresStore) Entries(ctx context.Context, f EntryFilter) ([]domain.LedgerEntry, error) {
	var (
		where []string
		args  []any
	)

	if f.TeamID != "" {
		args = append(args, f.TeamID)
		where = append(where, fmt.Sprintf("team_id = $%d", len(args)))
	}
	if len(f.Reasons) > 0 {
		reasons := make([]string, 0, len(f.Reasons))
		for _, r := range f.Reasons {
			reasons = append(reasons, string(r))
		}
		args = append(args, reasons)
		where = append(where, fmt.Sprintf("reason = ANY($%d)", len(args)))
	}

	var b strings.Builder
	b.WriteString(`SELECT seq, entry_id, team_id, points, total_points, reason, metadata, create_time FROM ledger_entries`)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	if f.Desc {
		b.WriteString(" ORDER BY seq DESC")
	} else {
		b.WriteString(" ORDER BY seq ASC")
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, storageErr("list entries", err)
	}

	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, storageErr("scan entries", err)
	}

	return entries, nil
}

func scanEntry(r pgx.CollectableRow) (domain.LedgerEntry, error) {
	var (
		e      domain.LedgerEntry
		reason string
		raw    []byte
	)
	if err := r.Scan(&e.Seq, &e.ID, &e.TeamID, &e.Points, &e.TotalPoints, &reason, &raw, &e.CreateTime); err != nil {
		return domain.LedgerEntry{}, err
	}

	e.Reason = domain.Reason(reason)
	m, err := domain.DecodeMetadata(e.Reason, raw)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	e.Metadata = m

	return e, nil
}

func (s *PostgresStore) CorrectSubmissions(ctx context.Context, teamID string) ([]domain.Submission, error) {
	const stmt = `
SELECT submission_id, team_id, user_id, challenge_id, COALESCE(flag_id, ''), submitted_text, is_correct, create_time
FROM submissions
WHERE is_correct AND ($1 = '' OR team_id = $1)
ORDER BY create_time;`

	rows, err := s.db.Query(ctx, stmt, teamID)
	if err != nil {
		return nil, storageErr("list correct submissions", err)
	}

	subs, err := pgx.CollectRows(rows, scanSubmission)
	if err != nil {
		return nil, storageErr("scan submissions", err)
	}

	return subs, nil
}

func scanSubmission(r pgx.CollectableRow) (domain.Submission, error) {
	var s domain.Submission
	err := r.Scan(&s.ID, &s.TeamID, &s.UserID, &s.ChallengeID, &s.FlagID, &s.Text, &s.IsCorrect, &s.CreateTime)
	return s, err
}

func (s *PostgresStore) HintPurchases(ctx context.Context, teamID string) ([]domain.HintPurchase, error) {
	const stmt = `SELECT purchase_id, team_id, hint_id, create_time FROM hint_purchases WHERE team_id = $1 ORDER BY create_time;`

	rows, err := s.db.Query(ctx, stmt, teamID)
	if err != nil {
		return nil, storageErr("list hint purchases", err)
	}

	ps, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.HintPurchase, error) {
		var p domain.HintPurchase
		err := r.Scan(&p.ID, &p.TeamID, &p.HintID, &p.CreateTime)
		return p, err
	})
	if err != nil {
		return nil, storageErr("scan hint purchases", err)
	}

	return ps, nil
}

type pgTx struct {
	tx pgx.Tx
	// locked holds teams whose account row is locked by this transaction.
	locked   map[string]bool
	appended []domain.Reason
}

func (t *pgTx) Submissions(ctx context.Context, teamID, challengeID string) ([]domain.Submission, error) {
	const stmt = `
SELECT submission_id, team_id, user_id, challenge_id, COALESCE(flag_id, ''), submitted_text, is_correct, create_time
FROM submissions
WHERE team_id = $1 AND challenge_id = $2
ORDER BY create_time;`

	rows, err := t.tx.Query(ctx, stmt, teamID, challengeID)
	if err != nil {
		return nil, storageErr("list submissions", err)
	}

	subs, err := pgx.CollectRows(rows, scanSubmission)
	if err != nil {
		return nil, storageErr("scan submissions", err)
	}

	return subs, nil
}

func (t *pgTx) HintPurchase(ctx context.Context, teamID, hintID string) (*domain.HintPurchase, error) {
	const stmt = `SELECT purchase_id, team_id, hint_id, create_time FROM hint_purchases WHERE team_id = $1 AND hint_id = $2;`

	var p domain.HintPurchase
	err := t.tx.QueryRow(ctx, stmt, teamID, hintID).Scan(&p.ID, &p.TeamID, &p.HintID, &p.CreateTime)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get hint purchase", err)
	}

	return &p, nil
}

func (t *pgTx) Balance(ctx context.Context, teamID string) (int64, error) {
	const stmt = `SELECT COALESCE((SELECT total_points FROM ledger_entries WHERE team_id = $1 ORDER BY seq DESC LIMIT 1), 0);`

	var total int64
	if err := t.tx.QueryRow(ctx, stmt, teamID).Scan(&total); err != nil {
		return 0, storageErr("balance", err)
	}
	return total, nil
}

func (t *pgTx) InsertSubmission(ctx context.Context, s domain.Submission) error {
	const stmt = `
INSERT INTO submissions (submission_id, team_id, user_id, challenge_id, flag_id, submitted_text, is_correct, create_time)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8);`

	_, err := t.tx.Exec(ctx, stmt, s.ID, s.TeamID, s.UserID, s.ChallengeID, s.FlagID, s.Text, s.IsCorrect, s.CreateTime)
	return storageErr("insert submission", err)
}

func (t *pgTx) InsertHintPurchase(ctx context.Context, p domain.HintPurchase) error {
	const stmt = `INSERT INTO hint_purchases (purchase_id, team_id, hint_id, create_time) VALUES ($1, $2, $3, $4);`

	_, err := t.tx.Exec(ctx, stmt, p.ID, p.TeamID, p.HintID, p.CreateTime)
	return storageErr("insert hint purchase", err)
}

func (t *pgTx) Append(ctx context.Context, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	if !t.locked[e.TeamID] {
		const (
			openStmt = `INSERT INTO ledger_accounts (team_id) VALUES ($1) ON CONFLICT DO NOTHING;`
			lockStmt = `SELECT team_id FROM ledger_accounts WHERE team_id = $1 FOR UPDATE;`
		)
		if _, err := t.tx.Exec(ctx, openStmt, e.TeamID); err != nil {
			return domain.LedgerEntry{}, storageErr("open account", err)
		}
		var id string
		if err := t.tx.QueryRow(ctx, lockStmt, e.TeamID).Scan(&id); err != nil {
			return domain.LedgerEntry{}, storageErr("lock account", err)
		}
		t.locked[e.TeamID] = true
	}

	prev, err := t.Balance(ctx, e.TeamID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	e.TotalPoints = prev + e.Points

	meta, err := domain.EncodeMetadata(e.Metadata)
	if err != nil {
		return domain.LedgerEntry{}, errors.Internal(err)
	}

	const stmt = `
INSERT INTO ledger_entries (entry_id, team_id, points, total_points, reason, metadata, create_time)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING seq;`

	err = t.tx.QueryRow(ctx, stmt, e.ID, e.TeamID, e.Points, e.TotalPoints, string(e.Reason), meta, e.CreateTime).Scan(&e.Seq)
	if err != nil {
		return domain.LedgerEntry{}, storageErr("append entry", err)
	}

	t.appended = append(t.appended, e.Reason)
	return e, nil
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return errors.Conflict(fmt.Errorf("%s: %w", op, err))
	}

	return errors.Storage(fmt.Errorf("%s: %w", op, err))
}
