package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

type VerificationStatus string

const (
	VerificationSuccess   VerificationStatus = "SUCCESS"
	VerificationFailure   VerificationStatus = "FAILURE"
	VerificationUncertain VerificationStatus = "UNCERTAIN"
)

type AuditVerdict string

const (
	AuditAllow AuditVerdict = "ALLOW_ENFORCEMENT"
	AuditBlock AuditVerdict = "BLOCK_ENFORCEMENT"
)

type StakeAction string

const (
	StakeBurn StakeAction = "BURN"
	StakeEarn StakeAction = "EARN"
	StakeNone StakeAction = "NONE"
)

// UnmarshalJSON folds the BLOCKED wire value and unknown actions into NONE.
func (a *StakeAction) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch StakeAction(strings.ToUpper(s)) {
	case StakeBurn:
		*a = StakeBurn
	case StakeEarn:
		*a = StakeEarn
	default:
		*a = StakeNone
	}
	return nil
}

type Verification struct {
	Status        VerificationStatus `json:"status"`
	Confidence    float64            `json:"confidence"`
	FailureReason string             `json:"failure_reason,omitempty"`
	Reasoning     string             `json:"reasoning,omitempty"`
}

// ConfidencePercent renders the 0–1 confidence as a rounded percentage.
func (v Verification) ConfidencePercent() int {
	c := v.Confidence
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return int(math.Round(c * 100))
}

type Audit struct {
	Verdict      AuditVerdict `json:"verdict"`
	Reason       string       `json:"reason"`
	ChecksPassed []string     `json:"checks_passed"`
	ChecksFailed []string     `json:"checks_failed"`
}

type StakeUpdate struct {
	Action     StakeAction `json:"action"`
	Amount     int64       `json:"amount"`
	NewBalance *int64      `json:"new_balance,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Verdict is the structured result of a verification call.
type Verdict struct {
	Verification Verification `json:"verification"`
	Audit        Audit        `json:"audit"`
	Enforcement  string       `json:"enforcement,omitempty"`
	StakeUpdate  *StakeUpdate `json:"stake_update,omitempty"`
	TraceID      string       `json:"opik_trace_id,omitempty"`
}

// LedgerEffect describes the financial impact of the verdict for display.
func (v Verdict) LedgerEffect() string {
	su := v.StakeUpdate
	if su == nil {
		return "no ledger effect"
	}
	var line string
	switch su.Action {
	case StakeEarn:
		line = fmt.Sprintf("+%d stake earned", su.Amount)
	case StakeBurn:
		line = fmt.Sprintf("-%d stake burned", su.Amount)
	default:
		line = "no stake change"
	}
	if su.NewBalance != nil {
		line += fmt.Sprintf(" (balance %d)", *su.NewBalance)
	}
	switch {
	case su.Error != "":
		line += ": " + su.Error
	case su.Reason != "":
		line += ": " + su.Reason
	}
	return line
}

// VerifyRequest is the body of a verification call.
type VerifyRequest struct {
	Contract     Contract `json:"contract"`
	UserID       string   `json:"user_id"`
	TextEvidence string   `json:"text_evidence"`
	ImageURL     string   `json:"image_url,omitempty"`
}
