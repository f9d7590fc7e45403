package leaderboard

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/victornm/orbitalctf/internal/catalog"
	"github.com/victornm/orbitalctf/internal/domain"
	"github.com/victornm/orbitalctf/internal/event"
	"github.com/victornm/orbitalctf/internal/ledger"
)

const (
	publishInterval = 200 * time.Millisecond
	defaultCacheTTL = 5 * time.Second
)

type Config struct {
	EventBus *event.Bus
	Ledger   ledger.Store
	Catalog  catalog.Catalog
	// Redis caches the projection. The cache is never authoritative, a miss or a Redis failure
	// falls back to projecting the ledger.
	Redis    redis.UniversalClient
	Prefix   string
	CacheTTL time.Duration
	// PublishInterval is the minimum time between two leaderboard.updated events.
	PublishInterval time.Duration
	NewTickerFunc   func(d time.Duration) Ticker
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type Service struct {
	eb        *event.Bus
	ledger    ledger.Store
	catalog   catalog.Catalog
	redis     redis.UniversalClient
	prefix    string
	ttl       time.Duration
	interval  time.Duration
	newTicker func(d time.Duration) Ticker

	group singleflight.Group
}

func NewService(c Config) *Service {
	s := &Service{
		eb:        c.EventBus,
		ledger:    c.Ledger,
		catalog:   c.Catalog,
		redis:     c.Redis,
		prefix:    c.Prefix,
		ttl:       c.CacheTTL,
		interval:  c.PublishInterval,
		newTicker: c.NewTickerFunc,
	}

	if s.ttl <= 0 {
		s.ttl = defaultCacheTTL
	}
	if s.interval <= 0 {
		s.interval = publishInterval
	}
	if s.newTicker == nil {
		s.newTicker = newTimeTicker
	}

	if s.eb != nil {
		s.eb.Subscribe(domain.EventNameScoreUpdated, func(ctx context.Context, e event.Event) error {
			return s.UpdateLeaderboard(ctx, e.(domain.EventScoreUpdated))
		})
	}

	return s
}

type GetLeaderboardRequest struct {
	Principal domain.Principal
}

type GetLeaderboardResponse struct {
	Leaderboard domain.Leaderboard
	// CurrentUserTeam is the caller's team standing, nil for callers without a team.
	CurrentUserTeam *domain.Standing
}

// GetLeaderboard returns every team ranked by score.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*GetLeaderboardResponse, error) {
	l, err := s.leaderboard(ctx)
	if err != nil {
		return nil, err
	}

	resp := &GetLeaderboardResponse{Leaderboard: *l}
	if team := req.Principal.TeamID; team != "" {
		for _, st := range l.Entries {
			if st.TeamID == team {
				st := st
				resp.CurrentUserTeam = &st
				break
			}
		}
	}

	return resp, nil
}

// Project computes the leaderboard from the ledger, bypassing the cache.
func (s *Service) Project(ctx context.Context) (*domain.Leaderboard, error) {
	teams, err := s.catalog.Teams(ctx)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}

	entries, err := s.ledger.Entries(ctx, ledger.EntryFilter{})
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}

	st, err := Project(teams, entries)
	if err != nil {
		return nil, err
	}

	return &domain.Leaderboard{Entries: st}, nil
}

func (s *Service) leaderboard(ctx context.Context) (*domain.Leaderboard, error) {
	if l, ok := s.cached(ctx); ok {
		return l, nil
	}

	v, err, _ := s.group.Do("leaderboard", func() (any, error) {
		return s.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}

	return v.(*domain.Leaderboard), nil
}

func (s *Service) cached(ctx context.Context) (*domain.Leaderboard, bool) {
	if s.redis == nil {
		return nil, false
	}

	b, err := s.redis.Get(ctx, s.getLeaderboardKey()).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		slog.WarnContext(ctx, "leaderboard: read cache failed", "error", err)
		return nil, false
	}

	var l domain.Leaderboard
	if err := json.Unmarshal(b, &l); err != nil {
		slog.WarnContext(ctx, "leaderboard: decode cache failed", "error", err)
		return nil, false
	}

	return &l, true
}

// refresh projects the ledger and overwrites the cache.
func (s *Service) refresh(ctx context.Context) (*domain.Leaderboard, error) {
	l, err := s.Project(ctx)
	if err != nil {
		return nil, err
	}

	if s.redis == nil {
		return l, nil
	}

	b, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("encode leaderboard: %w", err)
	}

	if err := s.redis.Set(ctx, s.getLeaderboardKey(), b, s.ttl).Err(); err != nil {
		slog.WarnContext(ctx, "leaderboard: write cache failed", "error", err)
	}

	return l, nil
}

// UpdateLeaderboard drops the cached projection after a team's score changed.
func (s *Service) UpdateLeaderboard(ctx context.Context, e domain.EventScoreUpdated) error {
	if s.redis != nil {
		if err := s.redis.Del(ctx, s.getLeaderboardKey()).Err(); err != nil {
			return fmt.Errorf("invalidate leaderboard: %w", err)
		}
	}

	return s.schedulePublishLeaderboard(ctx, e)
}

// schedulePublishLeaderboard publishes the leaderboard changes after a certain interval.
// Many scores change in a short time during a competition, publishing at most once per
// interval keeps the number of published events down. A change that falls inside the
// interval is published when the interval is over.
func (s *Service) schedulePublishLeaderboard(ctx context.Context, e domain.EventScoreUpdated) error {
	if s.redis == nil {
		return s.publishLeaderboard(ctx, e)
	}

	// SETNX keeps multiple instances from publishing the same interval twice.
	ok, err := s.redis.SetNX(ctx, s.getLeaderboardTimeKey(), e.UpdateTime.UnixMilli(), s.interval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return s.schedulePendingPublish(ctx, e)
	}

	return s.publishLeaderboard(ctx, e)
}

// schedulePendingPublish publishes once more after the interval. Only the instance that sets
// the pending key schedules it, later changes are picked up by the same publish since the
// projection is read when it fires.
func (s *Service) schedulePendingPublish(ctx context.Context, e domain.EventScoreUpdated) error {
	ok, err := s.redis.SetNX(ctx, s.getLeaderboardPendingKey(), e.UpdateTime.UnixMilli(), 2*s.interval).Result()
	if err != nil {
		return fmt.Errorf("setnx pending: %w", err)
	}

	if !ok {
		return nil
	}

	ctx = context.WithoutCancel(ctx)
	time.AfterFunc(s.interval, func() {
		// Clear the key before reading, so a change racing this publish schedules the next one.
		if err := s.redis.Del(ctx, s.getLeaderboardPendingKey()).Err(); err != nil {
			slog.WarnContext(ctx, "leaderboard: clear pending publish failed", "error", err)
		}

		if err := s.publishLeaderboard(ctx, e); err != nil {
			slog.ErrorContext(ctx, "leaderboard: pending publish failed", "error", err)
		}
	})

	return nil
}

func (s *Service) publishLeaderboard(ctx context.Context, e domain.EventScoreUpdated) error {
	l, err := s.refresh(ctx)
	if err != nil {
		return fmt.Errorf("refresh leaderboard failed: team=%s: %w", e.TeamID, err)
	}

	if s.eb != nil {
		s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
			Leaderboard: *l,
		})
	}

	return nil
}

// Run refreshes the cache every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	t := s.newTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			if _, err := s.refresh(ctx); err != nil {
				slog.ErrorContext(ctx, "leaderboard: periodic refresh failed", "error", err)
			}
		}
	}
}

func (s *Service) getLeaderboardKey() string {
	return fmt.Sprintf("%s:leaderboard", s.prefix)
}

func (s *Service) getLeaderboardTimeKey() string {
	return fmt.Sprintf("%s:leaderboard:time", s.prefix)
}

func (s *Service) getLeaderboardPendingKey() string {
	return fmt.Sprintf("%s:leaderboard:pending", s.prefix)
}

type timeTicker struct {
	t *time.Ticker
}

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }
