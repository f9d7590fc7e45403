package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/orbitalctf/internal/challenge"
	"github.com/victornm/orbitalctf/internal/domain"
	"github.com/victornm/orbitalctf/internal/errors"
	"github.com/victornm/orbitalctf/internal/event"
	"github.com/victornm/orbitalctf/internal/hint"
	"github.com/victornm/orbitalctf/internal/leaderboard"
	"github.com/victornm/orbitalctf/internal/ledger"
	"github.com/victornm/orbitalctf/internal/submission"
)

type Config struct {
	EventBus    *event.Bus
	Submission  *submission.Service
	Hint        *hint.Service
	Challenge   *challenge.Service
	Leaderboard *leaderboard.Service
	Ledger      *ledger.Service
	// Redis fans leaderboard updates out to every instance's websocket clients. Live updates are
	// off when nil.
	Redis        Redis
	PubsubPrefix string
	JWTSecret    []byte
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

type API struct {
	submissions *submission.Service
	hints       *hint.Service
	challenges  *challenge.Service
	ls          *leaderboard.Service
	ledger      *ledger.Service

	redis  Redis
	prefix string
	secret []byte
}

func New(c Config) *API {
	a := &API{
		submissions: c.Submission,
		hints:       c.Hint,
		challenges:  c.Challenge,
		ls:          c.Leaderboard,
		ledger:      c.Ledger,
		redis:       c.Redis,
		prefix:      c.PubsubPrefix,
		secret:      c.JWTSecret,
	}

	// Register event handlers
	if c.EventBus != nil && a.redis != nil {
		c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
			return a.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
		})
	}

	return a
}

// Register mounts the HTTP routes on e.
func (a *API) Register(e *gin.Engine) {
	e.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	auth := authenticate(a.secret)

	api := e.Group("/api", accessLog(), auth)
	{
		api.GET("/challenges", a.ListChallenges)
		api.GET("/challenges/categories", a.ListCategories)
		api.GET("/challenges/:id", a.GetChallenge)
		api.GET("/challenges/:id/hints", a.ListHints)
		api.POST("/challenges/:id/submit", a.SubmitFlag)

		api.POST("/hints/:id/purchase", a.PurchaseHint)

		api.GET("/leaderboard", a.GetLeaderboard)
		api.GET("/teams/:id/points", a.GetPointHistory)
		api.GET("/activity", a.GetActivity)

		admin := api.Group("/admin", requireAdmin())
		admin.POST("/teams/:id/points", a.AdjustPoints)
	}

	e.GET("/ws/leaderboard", auth, a.StreamLeaderboard)
}

type submitFlagRequest struct {
	Flag string `json:"flag"`
}

func (a *API) SubmitFlag(c *gin.Context) {
	var req submitFlagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.Invalid("invalid request body"))
		return
	}

	v, err := a.submissions.SubmitFlag(c.Request.Context(), submission.SubmitFlagRequest{
		Principal:   principal(c),
		ChallengeID: c.Param("id"),
		Text:        req.Flag,
	})
	if errors.Is(err, errors.CodePermissionDenied) {
		// Rejections keep the verdict shape so clients render them like wrong flags.
		c.AbortWithStatusJSON(http.StatusForbidden, verdictResponse{Message: errors.Convert(err).Message})
		return
	}
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, toVerdictResponse(v))
}

func (a *API) PurchaseHint(c *gin.Context) {
	resp, err := a.hints.PurchaseHint(c.Request.Context(), hint.PurchaseHintRequest{
		Principal: principal(c),
		HintID:    c.Param("id"),
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, purchaseHintResponse{
		Content:      resp.Content,
		AlreadyOwned: resp.AlreadyOwned,
		Cost:         resp.Cost,
		TotalPoints:  resp.TotalPoints,
	})
}

func (a *API) ListChallenges(c *gin.Context) {
	resp, err := a.challenges.ListChallenges(c.Request.Context(), challenge.ListChallengesRequest{Principal: principal(c)})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, listChallengesResponse{
		Message:    resp.Message,
		Challenges: toChallengeResponses(resp.Challenges),
	})
}

func (a *API) ListCategories(c *gin.Context) {
	resp, err := a.challenges.ListCategories(c.Request.Context(), challenge.ListChallengesRequest{Principal: principal(c)})
	if err != nil {
		abort(c, err)
		return
	}

	out := listCategoriesResponse{
		Message:              resp.Message,
		Categories:           resp.Categories,
		ChallengesByCategory: make(map[string][]challengeResponse, len(resp.ChallengesByCategory)),
	}
	for cat, views := range resp.ChallengesByCategory {
		out.ChallengesByCategory[cat] = toChallengeResponses(views)
	}

	c.JSON(http.StatusOK, out)
}

func (a *API) GetChallenge(c *gin.Context) {
	v, err := a.challenges.GetChallenge(c.Request.Context(), challenge.GetChallengeRequest{
		Principal:   principal(c),
		ChallengeID: c.Param("id"),
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, toChallengeResponse(*v))
}

func (a *API) ListHints(c *gin.Context) {
	hs, err := a.hints.ListHints(c.Request.Context(), hint.ListHintsRequest{
		Principal:   principal(c),
		ChallengeID: c.Param("id"),
	})
	if err != nil {
		abort(c, err)
		return
	}

	out := listHintsResponse{Hints: make([]hintResponse, 0, len(hs))}
	for _, h := range hs {
		out.Hints = append(out.Hints, hintResponse{
			ID:          h.ID,
			ChallengeID: h.ChallengeID,
			Content:     h.Content,
			Cost:        h.Cost,
			IsPurchased: h.IsPurchased,
		})
	}

	c.JSON(http.StatusOK, out)
}

func (a *API) GetLeaderboard(c *gin.Context) {
	resp, err := a.ls.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{Principal: principal(c)})
	if err != nil {
		abort(c, err)
		return
	}

	out := leaderboardResponse{Entries: toStandingResponses(resp.Leaderboard.Entries)}
	if resp.CurrentUserTeam != nil {
		st := toStandingResponse(*resp.CurrentUserTeam)
		out.CurrentUserTeam = &st
	}

	c.JSON(http.StatusOK, out)
}

func (a *API) GetPointHistory(c *gin.Context) {
	team := c.Param("id")
	if p := principal(c); !p.IsAdmin && p.TeamID != team {
		abort(c, errors.Forbidden("only members of the team can read its point history"))
		return
	}

	limit, err := queryLimit(c)
	if err != nil {
		abort(c, err)
		return
	}

	entries, err := a.ledger.GetPointHistory(c.Request.Context(), ledger.GetPointHistoryRequest{TeamID: team, Limit: limit})
	if err != nil {
		abort(c, err)
		return
	}

	out := pointHistoryResponse{Entries: make([]ledgerEntryResponse, 0, len(entries))}
	for _, e := range entries {
		out.Entries = append(out.Entries, toLedgerEntryResponse(e))
	}

	c.JSON(http.StatusOK, out)
}

func (a *API) GetActivity(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		abort(c, err)
		return
	}

	acts, err := a.ledger.GetActivity(c.Request.Context(), ledger.GetActivityRequest{Limit: limit})
	if err != nil {
		abort(c, err)
		return
	}

	out := activityResponse{Activities: make([]activityItem, 0, len(acts))}
	for _, act := range acts {
		out.Activities = append(out.Activities, activityItem{
			Type:       act.Entry.Reason,
			TeamID:     act.Team.ID,
			TeamName:   act.Team.Name,
			TeamColor:  act.Team.Color,
			Points:     act.Entry.Points,
			Metadata:   act.Entry.Metadata,
			CreateTime: act.Entry.CreateTime,
		})
	}

	c.JSON(http.StatusOK, out)
}

type adjustPointsRequest struct {
	Points int64  `json:"points"`
	Note   string `json:"note"`
}

func (a *API) AdjustPoints(c *gin.Context) {
	var req adjustPointsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.Invalid("invalid request body"))
		return
	}

	e, err := a.ledger.AdjustPoints(c.Request.Context(), ledger.AdjustPointsRequest{
		Principal: principal(c),
		TeamID:    c.Param("id"),
		Points:    req.Points,
		Note:      req.Note,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, toLedgerEntryResponse(*e))
}

func queryLimit(c *gin.Context) (int, error) {
	s := c.Query("limit")
	if s == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errors.Invalid("limit must be a positive integer")
	}
	return n, nil
}

// abort renders err with the status code of its error code. Unexpected errors are logged and
// never shown to the caller.
func abort(c *gin.Context, err error) {
	e := errors.Convert(err)

	status := e.HTTPStatusCode()
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "api: request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
	}

	c.AbortWithStatusJSON(status, errorResponse{Code: int(e.Code), Message: e.Message})
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		slog.InfoContext(c.Request.Context(), "api: finished call",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"user", principal(c).UserID,
			"duration", time.Since(start),
		)
	}
}
