package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

type ContractStatus string

const (
	StatusActive    ContractStatus = "Active"
	StatusCompleted ContractStatus = "Completed"
	StatusFailed    ContractStatus = "Failed"
)

type PenaltyType string

const (
	PenaltyStakeBurn   PenaltyType = "stake_burn"
	PenaltyPublicShame PenaltyType = "public_shame"
	PenaltyDonation    PenaltyType = "donation"
)

// Valid reports whether p is one of the known penalty types.
func (p PenaltyType) Valid() bool {
	switch p {
	case PenaltyStakeBurn, PenaltyPublicShame, PenaltyDonation:
		return true
	}
	return false
}

// Ledger constants applied by the enforcement backend.
const (
	StakeReward  = 5
	StakePenalty = 10

	DefaultBalance = 100
)

type Penalty struct {
	Type        PenaltyType `json:"type"`
	AmountUSD   *float64    `json:"amount_usd,omitempty"`
	Destination string      `json:"destination,omitempty"`
	Description string      `json:"description,omitempty"`
}

// Contract is the canonical in-memory shape of a contract document.
type Contract struct {
	ID                 string         `json:"id,omitempty"`
	OwnerID            string         `json:"user_id,omitempty"`
	GoalType           string         `json:"goal_type,omitempty"`
	GoalDescription    string         `json:"goal_description"`
	TargetDistanceKM   *float64       `json:"target_distance_km,omitempty"`
	Deadline           Timestamp      `json:"deadline_utc"`
	ConfidenceRequired float64        `json:"confidence_required,omitempty"`
	Status             ContractStatus `json:"status,omitempty"`
	Penalty            Penalty        `json:"penalty"`
	CreatedAt          Timestamp      `json:"created_at"`
	Terms              []string       `json:"terms,omitempty"`
	IsPublic           bool           `json:"is_public,omitempty"`
}

// legacyContract carries fields older documents used before the current shape.
type legacyContract struct {
	Goal          string   `json:"goal"`
	PenaltyType   string   `json:"penalty_type"`
	PenaltyAmount *float64 `json:"penalty_amount"`
}

// DecodeContract resolves a stored document into the canonical Contract. The
// document id wins over any id embedded in the body.
func DecodeContract(id string, data []byte) (Contract, error) {
	var c Contract
	if err := json.Unmarshal(data, &c); err != nil {
		return Contract{}, fmt.Errorf("decode contract %s: %w", id, err)
	}
	var legacy legacyContract
	if err := json.Unmarshal(data, &legacy); err != nil {
		return Contract{}, fmt.Errorf("decode contract %s: %w", id, err)
	}
	if strings.TrimSpace(c.GoalDescription) == "" && legacy.Goal != "" {
		c.GoalDescription = legacy.Goal
	}
	if c.Penalty.Type == "" && legacy.PenaltyType != "" {
		c.Penalty.Type = PenaltyType(legacy.PenaltyType)
		c.Penalty.AmountUSD = legacy.PenaltyAmount
	}
	if id != "" {
		c.ID = id
	}
	return c, nil
}

// Goal returns the display text of the contract goal.
func (c Contract) Goal() string {
	if strings.TrimSpace(c.GoalDescription) == "" {
		return "Your Goal"
	}
	return c.GoalDescription
}

// LedgerSnapshot is the per-identity stake ledger document.
type LedgerSnapshot struct {
	CurrentBalance int64 `json:"current_balance"`
	LifetimeEarned int64 `json:"lifetime_earned"`
	LifetimeBurned int64 `json:"lifetime_burned"`
}

// DefaultLedger is displayed for identities without a ledger document.
func DefaultLedger() LedgerSnapshot {
	return LedgerSnapshot{CurrentBalance: DefaultBalance}
}

// UserProfile is the users collection document.
type UserProfile struct {
	UID         string    `json:"uid"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	PhotoURL    string    `json:"photo_url,omitempty"`
	Stats       UserStats `json:"stats"`
}

type UserStats struct {
	TotalContractsSigned int64 `json:"total_contracts_signed"`
	ContractsCompleted   int64 `json:"contracts_completed"`
	ContractsFailed      int64 `json:"contracts_failed"`
}

// StakeEvent is an append-only ledger movement record.
type StakeEvent struct {
	UserID                 string  `json:"user_id"`
	EventType              string  `json:"event_type"`
	Amount                 int64   `json:"amount"`
	Reason                 string  `json:"reason"`
	VerificationConfidence float64 `json:"verification_confidence"`
	GateVerdict            string  `json:"gate_verdict,omitempty"`
	CreatedAt              string  `json:"created_at" format:"date-time"`
}
