package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/victornm/orbitalctf/internal/domain"
	"github.com/victornm/orbitalctf/internal/errors"
	"github.com/victornm/orbitalctf/internal/leaderboard"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Clients authenticate with a token, the origin carries no authority.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamLeaderboard upgrades to a websocket that receives the current leaderboard followed by
// every leaderboard.updated notification. Callers with a team receive their team channel, which
// carries their own standing.
func (a *API) StreamLeaderboard(c *gin.Context) {
	if a.redis == nil {
		abort(c, errors.New(errors.CodeUnavailable, errors.WithMessagef("live updates are disabled")))
		return
	}

	p := principal(c)
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	channel := a.leaderboardChannel()
	if p.TeamID != "" {
		channel = a.teamChannel(p.TeamID)
	}

	// Subscribe before reading the snapshot so no update falls in between.
	sub := a.redis.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		abort(c, errors.New(errors.CodeUnavailable, errors.WithMessagef("subscribe failed"), errors.WithCause(err)))
		return
	}

	snapshot, err := a.snapshot(ctx, p)
	if err != nil {
		abort(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.WarnContext(ctx, "api: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	go a.readPump(conn, cancel)

	if err := writeMessage(conn, snapshot); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			if err := writeMessage(conn, []byte(m.Payload)); err != nil {
				slog.DebugContext(ctx, "api: websocket write failed", "user", p.UserID, "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (a *API) snapshot(ctx context.Context, p domain.Principal) ([]byte, error) {
	resp, err := a.ls.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{Principal: p})
	if err != nil {
		return nil, err
	}

	data := leaderboardResponse{Entries: toStandingResponses(resp.Leaderboard.Entries)}
	if resp.CurrentUserTeam != nil {
		st := toStandingResponse(*resp.CurrentUserTeam)
		data.CurrentUserTeam = &st
	}

	return json.Marshal(Notification{Event: domain.EventNameLeaderboardUpdated, Data: data})
}

// readPump discards client messages and cancels the stream once the client goes away.
func (a *API) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeMessage(conn *websocket.Conn, b []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}
