package catalog

import (
	"context"
	_ "embed"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/orbitalctf/internal/domain"
	"github.com/victornm/orbitalctf/internal/errors"
)

//go:embed schema.sql
var schema string

// Postgres reads the catalog tables maintained by the admin side of the platform.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("catalog: migrate: %w", err)
	}
	return nil
}

func (p *Postgres) Challenge(ctx context.Context, id string) (*domain.Challenge, error) {
	cs, err := p.loadChallenges(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(cs) == 0 {
		return nil, errors.NotFound("challenge not found: %s", id)
	}
	return &cs[0], nil
}

func (p *Postgres) Challenges(ctx context.Context) ([]domain.Challenge, error) {
	return p.loadChallenges(ctx, "")
}

// loadChallenges loads one challenge, or all of them when id is empty, with their children.
func (p *Postgres) loadChallenges(ctx context.Context, id string) ([]domain.Challenge, error) {
	const stmt = `
SELECT challenge_id, title, description, category, points, difficulty, multiple_flags, is_active, is_locked
FROM challenges
WHERE $1 = '' OR challenge_id = $1
ORDER BY create_time, challenge_id;`

	rows, err := p.db.Query(ctx, stmt, id)
	if err != nil {
		return nil, errors.Storage(fmt.Errorf("list challenges: %w", err))
	}

	cs, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Challenge, error) {
		var c domain.Challenge
		err := r.Scan(&c.ID, &c.Title, &c.Description, &c.Category, &c.Points, &c.Difficulty, &c.MultipleFlags, &c.IsActive, &c.IsLocked)
		return c, err
	})
	if err != nil {
		return nil, errors.Storage(fmt.Errorf("scan challenges: %w", err))
	}

	idx := make(map[string]int, len(cs))
	for i, c := range cs {
		idx[c.ID] = i
	}

	const (
		flagsStmt = `SELECT challenge_id, flag_id, value, points FROM challenge_flags WHERE $1 = '' OR challenge_id = $1 ORDER BY flag_id;`
		filesStmt = `SELECT challenge_id, file_id, name, path, size FROM challenge_files WHERE $1 = '' OR challenge_id = $1 ORDER BY file_id;`
		hintsStmt = `SELECT challenge_id, hint_id, content, cost FROM hints WHERE $1 = '' OR challenge_id = $1 ORDER BY hint_id;`
		condsStmt = `
SELECT challenge_id, type, COALESCE(required_challenge_id, ''), COALESCE(time_threshold_seconds, 0)
FROM unlock_conditions
WHERE $1 = '' OR challenge_id = $1
ORDER BY condition_id;`
	)

	err = p.each(ctx, flagsStmt, id, func(r pgx.Rows) error {
		var (
			cid string
			f   domain.Flag
		)
		if err := r.Scan(&cid, &f.ID, &f.Value, &f.Points); err != nil {
			return err
		}
		if i, ok := idx[cid]; ok {
			f.ChallengeID = cid
			cs[i].Flags = append(cs[i].Flags, f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = p.each(ctx, filesStmt, id, func(r pgx.Rows) error {
		var (
			cid string
			f   domain.File
		)
		if err := r.Scan(&cid, &f.ID, &f.Name, &f.Path, &f.Size); err != nil {
			return err
		}
		if i, ok := idx[cid]; ok {
			cs[i].Files = append(cs[i].Files, f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = p.each(ctx, hintsStmt, id, func(r pgx.Rows) error {
		var h domain.Hint
		if err := r.Scan(&h.ChallengeID, &h.ID, &h.Content, &h.Cost); err != nil {
			return err
		}
		if i, ok := idx[h.ChallengeID]; ok {
			cs[i].Hints = append(cs[i].Hints, h)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = p.each(ctx, condsStmt, id, func(r pgx.Rows) error {
		var (
			cid, typ string
			u        domain.UnlockCondition
		)
		if err := r.Scan(&cid, &typ, &u.RequiredChallengeID, &u.TimeThresholdSeconds); err != nil {
			return err
		}
		u.Type = domain.UnlockConditionType(typ)
		if i, ok := idx[cid]; ok {
			cs[i].UnlockConditions = append(cs[i].UnlockConditions, u)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return cs, nil
}

func (p *Postgres) each(ctx context.Context, stmt, id string, fn func(pgx.Rows) error) error {
	rows, err := p.db.Query(ctx, stmt, id)
	if err != nil {
		return errors.Storage(err)
	}

	defer rows.Close()

	for rows.Next() {
		if err := fn(rows); err != nil {
			return errors.Storage(err)
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Storage(err)
	}
	return nil
}

func (p *Postgres) Hint(ctx context.Context, id string) (*domain.Hint, error) {
	const stmt = `SELECT hint_id, challenge_id, content, cost FROM hints WHERE hint_id = $1;`

	var h domain.Hint
	err := p.db.QueryRow(ctx, stmt, id).Scan(&h.ID, &h.ChallengeID, &h.Content, &h.Cost)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("hint not found: %s", id)
	}
	if err != nil {
		return nil, errors.Storage(fmt.Errorf("get hint: %w", err))
	}

	return &h, nil
}

func (p *Postgres) Team(ctx context.Context, id string) (*domain.Team, error) {
	ts, err := p.loadTeams(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(ts) == 0 {
		return nil, errors.NotFound("team not found: %s", id)
	}
	return &ts[0], nil
}

func (p *Postgres) Teams(ctx context.Context) ([]domain.Team, error) {
	return p.loadTeams(ctx, "")
}

func (p *Postgres) loadTeams(ctx context.Context, id string) ([]domain.Team, error) {
	const stmt = `SELECT team_id, name, join_code, icon, color FROM teams WHERE $1 = '' OR team_id = $1 ORDER BY team_id;`

	rows, err := p.db.Query(ctx, stmt, id)
	if err != nil {
		return nil, errors.Storage(fmt.Errorf("list teams: %w", err))
	}

	ts, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Team, error) {
		var t domain.Team
		err := r.Scan(&t.ID, &t.Name, &t.JoinCode, &t.Icon, &t.Color)
		return t, err
	})
	if err != nil {
		return nil, errors.Storage(fmt.Errorf("scan teams: %w", err))
	}

	idx := make(map[string]int, len(ts))
	for i, t := range ts {
		idx[t.ID] = i
	}

	const membersStmt = `
SELECT team_id, user_id, alias, is_team_leader, join_time
FROM team_members
WHERE $1 = '' OR team_id = $1
ORDER BY join_time, user_id;`

	err = p.each(ctx, membersStmt, id, func(r pgx.Rows) error {
		var (
			tid string
			m   domain.Member
		)
		if err := r.Scan(&tid, &m.UserID, &m.Alias, &m.IsTeamLeader, &m.JoinedAt); err != nil {
			return err
		}
		if i, ok := idx[tid]; ok {
			ts[i].Members = append(ts[i].Members, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return ts, nil
}

func (p *Postgres) ActiveGame(ctx context.Context) (*domain.GameConfig, error) {
	const stmt = `SELECT game_id, start_time, end_time, is_active FROM game_configs WHERE is_active LIMIT 1;`

	var g domain.GameConfig
	err := p.db.QueryRow(ctx, stmt).Scan(&g.ID, &g.StartTime, &g.EndTime, &g.IsActive)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Storage(fmt.Errorf("get game config: %w", err))
	}

	return &g, nil
}
