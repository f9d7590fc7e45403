//go:build integration_test

package demo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/orbitalctf/internal/api"
	"github.com/victornm/orbitalctf/internal/domain"
)

// Runs against a server started with test/demo/config.yaml.
const (
	addr   = "http://localhost:8081"
	secret = "local-demo-secret"
)

type verdict struct {
	Accepted      bool   `json:"accepted"`
	Message       string `json:"message"`
	PointsAwarded int64  `json:"pointsAwarded"`
	TotalPoints   int64  `json:"totalPoints"`
}

type standing struct {
	Rank     int    `json:"rank"`
	TeamID   string `json:"teamId"`
	TeamName string `json:"teamName"`
	Score    int64  `json:"score"`
}

type leaderboard struct {
	Entries         []standing `json:"entries"`
	CurrentUserTeam *standing  `json:"currentUserTeam"`
}

func TestCompetition(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		wg    = new(sync.WaitGroup)
		teams = []string{"red", "blue", "green"}
	)

	subscribeAsTeam(t, makeRedis(t), wg, "red")

	// Every team races itself on the warmup flag, only one submission per team scores.
	var accepted atomic.Int32
	var eg errgroup.Group
	for _, team := range teams {
		for i := range 5 {
			eg.Go(func() error {
				var v verdict
				status, err := post(ctx, team, "/api/challenges/warmup/submit", map[string]string{"flag": "CTF{warmup}"}, &v)
				if err != nil {
					return fmt.Errorf("team %q submit %d: %w", team, i, err)
				}

				if v.Accepted {
					accepted.Add(1)
				}
				t.Logf("Team %q submission %d: status=%d accepted=%v total=%d (%s)", team, i, status, v.Accepted, v.TotalPoints, v.Message)
				return nil
			})
		}
	}
	require.NoError(t, eg.Wait())
	assert.Equal(t, int32(len(teams)), accepted.Load())

	// Red goes on to complete the relay.
	for _, f := range []string{"CTF{relay-a}", "CTF{relay-b}"} {
		var v verdict
		status, err := post(ctx, "red", "/api/challenges/relay/submit", map[string]string{"flag": f}, &v)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, status)
		require.True(t, v.Accepted, v.Message)
	}

	time.Sleep(2 * time.Second)

	var l leaderboard
	status, err := get(ctx, "blue", "/api/leaderboard", &l)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, l.Entries, len(teams))
	assert.Equal(t, "red", l.Entries[0].TeamID)
	assert.Equal(t, int64(500), l.Entries[0].Score)
	require.NotNil(t, l.CurrentUserTeam)
	assert.Equal(t, int64(100), l.CurrentUserTeam.Score)

	t.Logf("Final leaderboard:\n%s", formatLeaderboard(l))

	cancel()
	wg.Wait()
}

func token(t string) (string, error) {
	return api.SignToken([]byte(secret), domain.Principal{UserID: "demo-" + t, TeamID: t}, time.Hour)
}

func post(ctx context.Context, team, path string, body, out any) (int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	return do(ctx, team, http.MethodPost, path, bytes.NewReader(b), out)
}

func get(ctx context.Context, team, path string, out any) (int, error) {
	return do(ctx, team, http.MethodGet, path, nil, out)
}

func do(ctx context.Context, team, method, path string, body *bytes.Reader, out any) (int, error) {
	tok, err := token(team)
	if err != nil {
		return 0, err
	}

	var req *http.Request
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, addr+path, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, addr+path, nil)
	}
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
}

func subscribeAsTeam(t *testing.T, rc redis.UniversalClient, wg *sync.WaitGroup, team string) {
	wg.Add(1)
	sub := subscribeRedis(t, rc, fmt.Sprintf("local:team:%s", team))
	go func() {
		defer wg.Done()

		for msg := range sub {
			var n struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				t.Logf("unmarshal notification: %v", err)
				continue
			}

			switch n.Event {
			case domain.EventNameLeaderboardUpdated:
				var l leaderboard
				if err := json.Unmarshal(n.Data, &l); err != nil {
					t.Logf("unmarshal leaderboard: %v", err)
					continue
				}

				t.Logf("%s leaderboard:\n%s", team, formatLeaderboard(l))
			}
		}
	}()
}

func subscribeRedis(t *testing.T, rc redis.UniversalClient, channel string) <-chan *redis.Message {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	sub := rc.Subscribe(ctx, channel)
	t.Cleanup(func() { sub.Close() })

	c := make(chan *redis.Message)
	go func() {
		defer close(c)

		for {
			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				t.Log(err)
				return
			}

			c <- msg
		}
	}()

	return c
}

func makeRedis(t *testing.T) redis.UniversalClient {
	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{"localhost:6379"},
	})
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Ping(ctx).Err(); err != nil {
		t.Fatal(err)
	}

	return r
}

func formatLeaderboard(l leaderboard) string {
	var s string
	for _, e := range l.Entries {
		s += fmt.Sprintf("%d. %s: %d\n", e.Rank, e.TeamName, e.Score)
	}
	return s
}
