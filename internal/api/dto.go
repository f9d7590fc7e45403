package api

import (
	"time"

	"github.com/victornm/orbitalctf/internal/challenge"
	"github.com/victornm/orbitalctf/internal/domain"
	"github.com/victornm/orbitalctf/internal/submission"
)

type (
	errorResponse struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}

	verdictResponse struct {
		Accepted      bool              `json:"accepted"`
		Message       string            `json:"message"`
		PointsAwarded int64             `json:"pointsAwarded"`
		State         domain.SolveState `json:"state,omitempty"`
		TotalPoints   int64             `json:"totalPoints"`
	}

	purchaseHintResponse struct {
		Content      string `json:"content"`
		AlreadyOwned bool   `json:"alreadyOwned"`
		Cost         int64  `json:"cost"`
		TotalPoints  int64  `json:"totalPoints"`
	}

	hintResponse struct {
		ID          string `json:"id"`
		ChallengeID string `json:"challengeId,omitempty"`
		Content     string `json:"content,omitempty"`
		Cost        int64  `json:"cost"`
		IsPurchased bool   `json:"isPurchased"`
	}

	listHintsResponse struct {
		Hints []hintResponse `json:"hints"`
	}

	flagResponse struct {
		ID       string `json:"id"`
		Flag     string `json:"flag,omitempty"`
		Points   int64  `json:"points"`
		IsSolved bool   `json:"isSolved"`
	}

	fileResponse struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Path string `json:"path"`
		Size int64  `json:"size"`
	}

	solverResponse struct {
		TeamID    string `json:"teamId"`
		TeamColor string `json:"teamColor"`
	}

	challengeResponse struct {
		ID            string           `json:"id"`
		Title         string           `json:"title"`
		Description   string           `json:"description"`
		Category      string           `json:"category"`
		Points        int64            `json:"points"`
		Difficulty    string           `json:"difficulty"`
		MultipleFlags bool             `json:"multipleFlags"`
		IsActive      bool             `json:"isActive"`
		IsLocked      bool             `json:"isLocked"`
		IsSolved      bool             `json:"isSolved"`
		Flags         []flagResponse   `json:"flags"`
		Files         []fileResponse   `json:"files"`
		Hints         []hintResponse   `json:"hints"`
		SolvedBy      []solverResponse `json:"solvedBy"`
	}

	listChallengesResponse struct {
		Message    string              `json:"message,omitempty"`
		Challenges []challengeResponse `json:"challenges"`
	}

	listCategoriesResponse struct {
		Message              string                         `json:"message,omitempty"`
		Categories           []string                       `json:"categories"`
		ChallengesByCategory map[string][]challengeResponse `json:"challengesByCategory"`
	}

	standingResponse struct {
		Rank      int       `json:"rank"`
		TeamID    string    `json:"teamId"`
		TeamName  string    `json:"teamName"`
		Icon      string    `json:"icon,omitempty"`
		Color     string    `json:"color,omitempty"`
		Score     int64     `json:"score"`
		ReachedAt time.Time `json:"reachedAt"`
	}

	leaderboardResponse struct {
		Entries         []standingResponse `json:"entries"`
		CurrentUserTeam *standingResponse  `json:"currentUserTeam,omitempty"`
	}

	ledgerEntryResponse struct {
		ID          string          `json:"id"`
		TeamID      string          `json:"teamId"`
		Points      int64           `json:"points"`
		TotalPoints int64           `json:"totalPoints"`
		Reason      domain.Reason   `json:"reason"`
		Metadata    domain.Metadata `json:"metadata"`
		CreateTime  time.Time       `json:"createTime"`
	}

	pointHistoryResponse struct {
		Entries []ledgerEntryResponse `json:"entries"`
	}

	activityItem struct {
		Type       domain.Reason   `json:"type"`
		TeamID     string          `json:"teamId"`
		TeamName   string          `json:"teamName"`
		TeamColor  string          `json:"teamColor,omitempty"`
		Points     int64           `json:"points"`
		Metadata   domain.Metadata `json:"metadata"`
		CreateTime time.Time       `json:"createTime"`
	}

	activityResponse struct {
		Activities []activityItem `json:"activities"`
	}
)

func toVerdictResponse(v *submission.Verdict) verdictResponse {
	return verdictResponse{
		Accepted:      v.Accepted,
		Message:       v.Message,
		PointsAwarded: v.PointsAwarded,
		State:         v.State,
		TotalPoints:   v.TotalPoints,
	}
}

func toChallengeResponses(views []challenge.View) []challengeResponse {
	out := make([]challengeResponse, 0, len(views))
	for _, v := range views {
		out = append(out, toChallengeResponse(v))
	}
	return out
}

func toChallengeResponse(v challenge.View) challengeResponse {
	r := challengeResponse{
		ID:            v.ID,
		Title:         v.Title,
		Description:   v.Description,
		Category:      v.Category,
		Points:        v.Points,
		Difficulty:    v.Difficulty,
		MultipleFlags: v.MultipleFlags,
		IsActive:      v.IsActive,
		IsLocked:      v.IsLocked,
		IsSolved:      v.IsSolved,
		Flags:         make([]flagResponse, 0, len(v.Flags)),
		Files:         make([]fileResponse, 0, len(v.Files)),
		Hints:         make([]hintResponse, 0, len(v.Hints)),
		SolvedBy:      make([]solverResponse, 0, len(v.SolvedBy)),
	}

	for _, f := range v.Flags {
		r.Flags = append(r.Flags, flagResponse{ID: f.ID, Flag: f.Value, Points: f.Points, IsSolved: f.IsSolved})
	}
	for _, f := range v.Files {
		r.Files = append(r.Files, fileResponse(f))
	}
	for _, h := range v.Hints {
		r.Hints = append(r.Hints, hintResponse{ID: h.ID, Content: h.Content, Cost: h.Cost, IsPurchased: h.IsPurchased})
	}
	for _, s := range v.SolvedBy {
		r.SolvedBy = append(r.SolvedBy, solverResponse(s))
	}

	return r
}

func toStandingResponses(sts []domain.Standing) []standingResponse {
	out := make([]standingResponse, 0, len(sts))
	for _, st := range sts {
		out = append(out, toStandingResponse(st))
	}
	return out
}

func toStandingResponse(st domain.Standing) standingResponse {
	return standingResponse(st)
}

func toLedgerEntryResponse(e domain.LedgerEntry) ledgerEntryResponse {
	return ledgerEntryResponse{
		ID:          e.ID,
		TeamID:      e.TeamID,
		Points:      e.Points,
		TotalPoints: e.TotalPoints,
		Reason:      e.Reason,
		Metadata:    e.Metadata,
		CreateTime:  e.CreateTime,
	}
}
