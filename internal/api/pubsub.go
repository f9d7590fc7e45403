package api

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/victornm/orbitalctf/internal/domain"
)

const maxConcurrent = 100

type Notification struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// PublishLeaderboardUpdated broadcasts the full leaderboard and sends every team its own
// standing on the team channel.
func (a *API) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	entries := toStandingResponses(e.Leaderboard.Entries)

	if err := a.publishNotification(ctx, a.leaderboardChannel(), e.Name(), leaderboardResponse{Entries: entries}); err != nil {
		return err
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, st := range entries {
		eg.Go(func() error {
			return a.publishNotification(ctx, a.teamChannel(st.TeamID), e.Name(), leaderboardResponse{
				Entries:         entries,
				CurrentUserTeam: &st,
			})
		})
	}

	return eg.Wait()
}

func (a *API) publishNotification(ctx context.Context, channel, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, channel, b).Err()
}

func (a *API) leaderboardChannel() string {
	return fmt.Sprintf("%s:leaderboard", a.prefix)
}

func (a *API) teamChannel(team string) string {
	return fmt.Sprintf("%s:team:%s", a.prefix, team)
}
