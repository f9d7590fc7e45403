package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type Reason string

const (
	ReasonTeamCreated     Reason = "TEAM_CREATED"
	ReasonChallengeSolve  Reason = "CHALLENGE_SOLVE"
	ReasonHintPurchase    Reason = "HINT_PURCHASE"
	ReasonFlagSubmission  Reason = "FLAG_SUBMISSION"
	ReasonAdminAdjustment Reason = "ADMIN_ADJUSTMENT"
)

// LedgerEntry is one immutable row of a team's point history.
type LedgerEntry struct {
	ID string
	// Seq orders entries globally, it is assigned by the store on commit.
	Seq    int64
	TeamID string
	// Points is the signed delta, TotalPoints the running total after applying it.
	Points      int64
	TotalPoints int64
	Reason      Reason
	Metadata    Metadata
	CreateTime  time.Time
}

// Metadata is the reason-specific payload of a ledger entry.
type Metadata interface {
	Reason() Reason
}

type TeamCreated struct{}

func (TeamCreated) Reason() Reason { return ReasonTeamCreated }

type ChallengeSolve struct {
	ChallengeID  string `json:"challengeId"`
	FlagID       string `json:"flagId"`
	SubmissionID string `json:"submissionId"`
	Partial      bool   `json:"partial"`
}

func (ChallengeSolve) Reason() Reason { return ReasonChallengeSolve }

type HintPurchased struct {
	HintID      string `json:"hintId"`
	ChallengeID string `json:"challengeId"`
	PurchaseID  string `json:"purchaseId"`
}

func (HintPurchased) Reason() Reason { return ReasonHintPurchase }

// FlagSubmission records a wrong attempt, always with a zero delta.
type FlagSubmission struct {
	ChallengeID  string `json:"challengeId"`
	SubmissionID string `json:"submissionId"`
}

func (FlagSubmission) Reason() Reason { return ReasonFlagSubmission }

type AdminAdjustment struct {
	AdminUserID string `json:"adminUserId"`
	Note        string `json:"note"`
}

func (AdminAdjustment) Reason() Reason { return ReasonAdminAdjustment }

// EncodeMetadata serializes the payload. A nil payload encodes as null.
func EncodeMetadata(m Metadata) ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	return json.Marshal(m)
}

// DecodeMetadata parses raw into the payload type registered for reason.
func DecodeMetadata(reason Reason, raw []byte) (Metadata, error) {
	var (
		m   Metadata
		err error
	)

	switch reason {
	case ReasonTeamCreated:
		m, err = decode[TeamCreated](raw)
	case ReasonChallengeSolve:
		m, err = decode[ChallengeSolve](raw)
	case ReasonHintPurchase:
		m, err = decode[HintPurchased](raw)
	case ReasonFlagSubmission:
		m, err = decode[FlagSubmission](raw)
	case ReasonAdminAdjustment:
		m, err = decode[AdminAdjustment](raw)
	default:
		return nil, fmt.Errorf("ledger: unknown reason %q", reason)
	}

	if err != nil {
		return nil, fmt.Errorf("ledger: decode %s metadata: %w", reason, err)
	}

	return m, nil
}

func decode[T Metadata](raw []byte) (Metadata, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}

	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}

	return v, nil
}
