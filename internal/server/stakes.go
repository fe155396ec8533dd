package server

import (
	"context"
	"errors"
	"fmt"

	"pact/internal/docstore"
	"pact/internal/domain"
)

const burnConfidenceGate = 0.95

// stakeResult is the wire shape of a ledger movement. Action is EARN, BURN
// or BLOCKED.
type stakeResult struct {
	Action         string `json:"action"`
	Amount         int64  `json:"amount"`
	NewBalance     *int64 `json:"new_balance,omitempty"`
	CurrentBalance *int64 `json:"current_balance,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Error          string `json:"error,omitempty"`
}

type ledgerDoc struct {
	CurrentBalance int64  `json:"current_balance"`
	LifetimeEarned int64  `json:"lifetime_earned"`
	LifetimeBurned int64  `json:"lifetime_burned"`
	UpdatedAt      string `json:"updated_at,omitempty"`
}

// applyStake moves the user's ledger for one verification outcome inside tx.
// Success earns the reward; anything else goes through the burn gate.
func applyStake(ctx context.Context, tx *docstore.Tx, uid string, v domain.Verification, now string) (stakeResult, error) {
	ledger := ledgerDoc{CurrentBalance: domain.DefaultBalance}
	doc, err := tx.Get(ctx, docstore.StakeLedgers, uid)
	switch {
	case err == nil:
		if err := doc.Decode(&ledger); err != nil {
			return stakeResult{}, fmt.Errorf("decode ledger %s: %w", uid, err)
		}
	case !errors.Is(err, docstore.ErrNotFound):
		return stakeResult{}, err
	}

	if v.Status == domain.VerificationSuccess {
		ledger.CurrentBalance += domain.StakeReward
		ledger.LifetimeEarned += domain.StakeReward
		ledger.UpdatedAt = now
		if err := tx.Set(ctx, docstore.StakeLedgers, uid, uid, ledger, true); err != nil {
			return stakeResult{}, err
		}
		if err := appendStakeEvent(ctx, tx, uid, "EARN", domain.StakeReward, "Verified Success", v.Confidence, "", now); err != nil {
			return stakeResult{}, err
		}
		balance := ledger.CurrentBalance
		return stakeResult{Action: "EARN", Amount: domain.StakeReward, NewBalance: &balance}, nil
	}

	allow, reason := burnGate(ledger.CurrentBalance, v.Confidence)
	if !allow {
		if err := appendStakeEvent(ctx, tx, uid, "BLOCKED", 0, reason, v.Confidence, "BLOCK_BURN", now); err != nil {
			return stakeResult{}, err
		}
		balance := ledger.CurrentBalance
		return stakeResult{Action: "BLOCKED", Reason: reason, CurrentBalance: &balance}, nil
	}
	ledger.CurrentBalance -= domain.StakePenalty
	ledger.LifetimeBurned += domain.StakePenalty
	ledger.UpdatedAt = now
	if err := tx.Set(ctx, docstore.StakeLedgers, uid, uid, ledger, true); err != nil {
		return stakeResult{}, err
	}
	if err := appendStakeEvent(ctx, tx, uid, "BURN", domain.StakePenalty, reason, v.Confidence, "ALLOW_BURN", now); err != nil {
		return stakeResult{}, err
	}
	balance := ledger.CurrentBalance
	return stakeResult{Action: "BURN", Amount: domain.StakePenalty, NewBalance: &balance, Reason: reason}, nil
}

func burnGate(balance int64, confidence float64) (bool, string) {
	if confidence < burnConfidenceGate {
		return false, fmt.Sprintf("Confidence too low (%v < %v)", confidence, burnConfidenceGate)
	}
	if balance < domain.StakePenalty {
		return false, fmt.Sprintf("Insufficient Stake (%d < %d)", balance, domain.StakePenalty)
	}
	return true, "Governance Checks Passed"
}

func appendStakeEvent(ctx context.Context, tx *docstore.Tx, uid, kind string, amount int64, reason string, confidence float64, verdict, now string) error {
	_, err := tx.Create(ctx, docstore.StakeEvents, uid, domain.StakeEvent{
		UserID:                 uid,
		EventType:              kind,
		Amount:                 amount,
		Reason:                 reason,
		VerificationConfidence: confidence,
		GateVerdict:            verdict,
		CreatedAt:              now,
	})
	return err
}

// bumpUserStat increments one stats counter on the user's profile,
// creating the profile when needed.
func bumpUserStat(ctx context.Context, tx *docstore.Tx, uid, field string) error {
	var profile domain.UserProfile
	doc, err := tx.Get(ctx, docstore.Users, uid)
	switch {
	case err == nil:
		if err := doc.Decode(&profile); err != nil {
			return fmt.Errorf("decode user %s: %w", uid, err)
		}
	case !errors.Is(err, docstore.ErrNotFound):
		return err
	}
	profile.UID = uid
	switch field {
	case "total_contracts_signed":
		profile.Stats.TotalContractsSigned++
	case "contracts_completed":
		profile.Stats.ContractsCompleted++
	case "contracts_failed":
		profile.Stats.ContractsFailed++
	default:
		return fmt.Errorf("unknown stat %q", field)
	}
	return tx.Set(ctx, docstore.Users, uid, uid, map[string]any{"uid": uid, "stats": profile.Stats}, true)
}
