package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/orbitalctf/internal/api"
	"github.com/victornm/orbitalctf/internal/catalog"
	"github.com/victornm/orbitalctf/internal/challenge"
	"github.com/victornm/orbitalctf/internal/domain"
	"github.com/victornm/orbitalctf/internal/event"
	"github.com/victornm/orbitalctf/internal/hint"
	"github.com/victornm/orbitalctf/internal/leaderboard"
	"github.com/victornm/orbitalctf/internal/ledger"
	"github.com/victornm/orbitalctf/internal/submission"
)

var (
	secret = []byte("test-secret")

	red   = domain.Principal{UserID: "u1", TeamID: "t1"}
	blue  = domain.Principal{UserID: "u2", TeamID: "t2"}
	admin = domain.Principal{UserID: "root", IsAdmin: true}
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestAPI_Authentication(t *testing.T) {
	f := newFixture(t)

	tests := map[string]struct {
		header string
		status int
	}{
		"missing token":           {header: "", status: http.StatusUnauthorized},
		"malformed header":        {header: "Token abc", status: http.StatusUnauthorized},
		"garbage token":           {header: "Bearer abc", status: http.StatusUnauthorized},
		"foreign secret":          {header: "Bearer " + sign(t, []byte("other"), red), status: http.StatusUnauthorized},
		"expired token":           {header: "Bearer " + signTTL(t, secret, red, -time.Minute), status: http.StatusUnauthorized},
		"valid token":             {header: "Bearer " + sign(t, secret, red), status: http.StatusOK},
		"case insensitive scheme": {header: "bearer " + sign(t, secret, red), status: http.StatusOK},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/leaderboard", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			f.engine.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestAPI_SubmitFlag(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, red, http.MethodPost, "/api/challenges/web/submit", `{"flag":"CTF{nope}"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"accepted":false,"message":"Incorrect flag, try again.","pointsAwarded":0,"state":"ATTEMPTED_WRONG","totalPoints":0}`, w.Body.String())

	w = f.do(t, red, http.MethodPost, "/api/challenges/web/submit", `{"flag":"CTF{web}"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"accepted":true,"message":"Correct flag!","pointsAwarded":100,"state":"FULLY_SOLVED","totalPoints":100}`, w.Body.String())

	w = f.do(t, red, http.MethodPost, "/api/challenges/web/submit", `{"flag":"CTF{web}"}`)
	require.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	assert.JSONEq(t, `{"accepted":false,"message":"your team already solved this challenge","pointsAwarded":0,"totalPoints":0}`, w.Body.String())

	w = f.do(t, red, http.MethodPost, "/api/challenges/web/submit", `{"flag":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, red, http.MethodPost, "/api/challenges/web/submit", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, red, http.MethodPost, "/api/challenges/nope/submit", `{"flag":"x"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, domain.Principal{UserID: "lonely"}, http.MethodPost, "/api/challenges/web/submit", `{"flag":"CTF{web}"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_PurchaseHint(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, red, http.MethodPost, "/api/hints/web-h1/purchase", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"content":"view source","alreadyOwned":false,"cost":10,"totalPoints":-10}`, w.Body.String())

	w = f.do(t, red, http.MethodPost, "/api/hints/web-h1/purchase", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"content":"view source","alreadyOwned":true,"cost":10,"totalPoints":-10}`, w.Body.String())

	w = f.do(t, red, http.MethodPost, "/api/hints/pwn-h1/purchase", "")
	assert.Equal(t, http.StatusForbidden, w.Code, "hint of a locked challenge")

	w = f.do(t, red, http.MethodGet, "/api/challenges/web/hints", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"hints":[{"id":"web-h1","challengeId":"web","content":"view source","cost":10,"isPurchased":true}]}`, w.Body.String())
}

func TestAPI_ListChallenges(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, red, http.MethodGet, "/api/challenges", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Challenges []struct {
			ID          string `json:"id"`
			Description string `json:"description"`
			IsLocked    bool   `json:"isLocked"`
			Flags       []struct {
				ID   string `json:"id"`
				Flag string `json:"flag"`
			} `json:"flags"`
		} `json:"challenges"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Challenges, 2)

	assert.False(t, resp.Challenges[0].IsLocked)
	require.Len(t, resp.Challenges[0].Flags, 1)
	assert.Empty(t, resp.Challenges[0].Flags[0].Flag)

	assert.True(t, resp.Challenges[1].IsLocked)
	assert.Equal(t, challenge.LockedDescription, resp.Challenges[1].Description)
	assert.NotContains(t, w.Body.String(), "CTF{", "no flag value may leak to players")

	w = f.do(t, admin, http.MethodGet, "/api/challenges/pwn", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "CTF{pwn}")

	w = f.do(t, red, http.MethodGet, "/api/challenges/categories", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"categories":["web","pwn"]`)
}

func TestAPI_LeaderboardAndHistory(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusOK, f.do(t, blue, http.MethodPost, "/api/challenges/web/submit", `{"flag":"CTF{web}"}`).Code)
	require.Equal(t, http.StatusOK, f.do(t, red, http.MethodPost, "/api/hints/web-h1/purchase", "").Code)

	w := f.do(t, red, http.MethodGet, "/api/leaderboard", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var lb struct {
		Entries []struct {
			Rank   int    `json:"rank"`
			TeamID string `json:"teamId"`
			Score  int64  `json:"score"`
		} `json:"entries"`
		CurrentUserTeam struct {
			Rank  int   `json:"rank"`
			Score int64 `json:"score"`
		} `json:"currentUserTeam"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lb))
	require.Len(t, lb.Entries, 2)
	assert.Equal(t, "t2", lb.Entries[0].TeamID)
	assert.EqualValues(t, 100, lb.Entries[0].Score)
	assert.Equal(t, 2, lb.CurrentUserTeam.Rank)
	assert.EqualValues(t, -10, lb.CurrentUserTeam.Score)

	w = f.do(t, red, http.MethodGet, "/api/teams/t1/points", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"reason":"HINT_PURCHASE"`)
	assert.Contains(t, w.Body.String(), `"hintId":"web-h1"`)

	w = f.do(t, red, http.MethodGet, "/api/teams/t2/points", "")
	assert.Equal(t, http.StatusForbidden, w.Code, "another team's history is private")

	w = f.do(t, red, http.MethodGet, "/api/teams/t1/points?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, red, http.MethodGet, "/api/activity?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var act struct {
		Activities []struct {
			Type   string `json:"type"`
			TeamID string `json:"teamId"`
		} `json:"activities"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &act))
	require.Len(t, act.Activities, 1)
	assert.Equal(t, "HINT_PURCHASE", act.Activities[0].Type)
	assert.Equal(t, "t1", act.Activities[0].TeamID)
}

func TestAPI_AdjustPoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, red, http.MethodPost, "/api/admin/teams/t1/points", `{"points":500}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, admin, http.MethodPost, "/api/admin/teams/t1/points", `{"points":-50,"note":"penalty"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"totalPoints":-50`)
	assert.Contains(t, w.Body.String(), `"note":"penalty"`)

	w = f.do(t, admin, http.MethodPost, "/api/admin/teams/nope/points", `{"points":1}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_StreamLeaderboard(t *testing.T) {
	f := newFixture(t, true)

	srv := httptest.NewServer(f.engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/leaderboard?token=" + sign(t, secret, red)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	var n api.Notification
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, domain.EventNameLeaderboardUpdated, n.Event, "the first message is the current leaderboard")

	require.Equal(t, http.StatusOK, f.do(t, red, http.MethodPost, "/api/challenges/web/submit", `{"flag":"CTF{web}"}`).Code)

	var update struct {
		Event string `json:"event"`
		Data  struct {
			CurrentUserTeam struct {
				TeamID string `json:"teamId"`
				Score  int64  `json:"score"`
			} `json:"currentUserTeam"`
		} `json:"data"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "t1", update.Data.CurrentUserTeam.TeamID)
	assert.EqualValues(t, 100, update.Data.CurrentUserTeam.Score)
}

func TestAPI_PublishLeaderboardUpdated(t *testing.T) {
	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{rs.Addr()}})

	a := api.New(api.Config{Redis: rc, PubsubPrefix: "ctf"})

	standings := []domain.Standing{
		{Rank: 1, TeamID: "t2", Score: 40},
		{Rank: 2, TeamID: "t1", Score: 30},
		{Rank: 3, TeamID: "t4", Score: 20},
		{Rank: 4, TeamID: "t3", Score: 10},
	}

	ctx := context.Background()
	channels := []string{"ctf:leaderboard"}
	for _, st := range standings {
		channels = append(channels, "ctf:team:"+st.TeamID)
	}
	sub := rc.Subscribe(ctx, channels...)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	err = a.PublishLeaderboardUpdated(ctx, domain.EventLeaderboardUpdated{Leaderboard: domain.Leaderboard{Entries: standings}})
	require.NoError(t, err)

	got := make(map[string]string)
	for i := 0; i < len(channels); i++ {
		select {
		case m := <-sub.Channel():
			require.NotContains(t, got, m.Channel, "each channel receives one message")
			got[m.Channel] = m.Payload
		case <-time.After(2 * time.Second):
			t.Fatalf("received only %d of %d messages", i, len(channels))
		}
	}

	assert.Contains(t, got["ctf:leaderboard"], `"event":"leaderboard.updated"`)
	for _, st := range standings {
		want := fmt.Sprintf(`"currentUserTeam":{"rank":%d,"teamId":"%s"`, st.Rank, st.TeamID)
		assert.Contains(t, got["ctf:team:"+st.TeamID], want, "team %s gets its own standing", st.TeamID)
	}
}

type fixture struct {
	engine *gin.Engine
}

// newFixture serves the API over in-memory storage. With live set, Redis caches the leaderboard
// and carries live updates.
func newFixture(t *testing.T, live ...bool) fixture {
	t.Helper()

	cat := catalog.NewMemory()
	require.NoError(t, cat.PutTeam(domain.Team{ID: "t1", Name: "Red", Color: "#f00"}))
	require.NoError(t, cat.PutTeam(domain.Team{ID: "t2", Name: "Blue", Color: "#00f"}))
	require.NoError(t, cat.PutChallenge(domain.Challenge{
		ID:       "web",
		Title:    "Web 101",
		Category: "web",
		Points:   100,
		IsActive: true,
		Flags:    []domain.Flag{{Value: "CTF{web}"}},
		Hints:    []domain.Hint{{ID: "web-h1", Content: "view source", Cost: 10}},
	}))
	require.NoError(t, cat.PutChallenge(domain.Challenge{
		ID:       "pwn",
		Title:    "Pwn 200",
		Category: "pwn",
		Points:   200,
		IsActive: true,
		Flags:    []domain.Flag{{Value: "CTF{pwn}"}},
		Hints:    []domain.Hint{{ID: "pwn-h1", Content: "gdb", Cost: 50}},
		UnlockConditions: []domain.UnlockCondition{
			{Type: domain.UnlockChallengeSolved, RequiredChallengeID: "web"},
		},
	}))

	store := ledger.NewMemoryStore()
	eb := event.NewBus()
	t.Cleanup(eb.Stop)

	lc := leaderboard.Config{EventBus: eb, Ledger: store, Catalog: cat, Prefix: "ctf"}
	c := api.Config{
		EventBus:   eb,
		Submission: submission.NewService(submission.Config{EventBus: eb, Ledger: store, Catalog: cat}),
		Hint:       hint.NewService(hint.Config{EventBus: eb, Ledger: store, Catalog: cat}),
		Challenge:  challenge.NewService(challenge.Config{Ledger: store, Catalog: cat}),
		Ledger:     ledger.NewService(ledger.Config{EventBus: eb, Store: store, Teams: cat}),
		JWTSecret:  secret,
	}
	if len(live) > 0 && live[0] {
		rs := miniredis.RunT(t)
		rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{rs.Addr()}})
		lc.Redis, c.Redis, c.PubsubPrefix = rc, rc, "ctf"
	}
	c.Leaderboard = leaderboard.NewService(lc)

	e := gin.New()
	api.New(c).Register(e)

	return fixture{engine: e}
}

func (f fixture) do(t *testing.T, p domain.Principal, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Authorization", "Bearer "+sign(t, secret, p))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func sign(t *testing.T, key []byte, p domain.Principal) string {
	return signTTL(t, key, p, time.Hour)
}

func signTTL(t *testing.T, key []byte, p domain.Principal, ttl time.Duration) string {
	t.Helper()

	token, err := api.SignToken(key, p, ttl)
	require.NoError(t, err)
	return token
}
