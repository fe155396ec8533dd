package server

import (
	"encoding/json"

	"pact/internal/domain"
)

// Request payloads

type NegotiateRequest struct {
	GoalText string `json:"goal_text" minLength:"1" example:"Goal: Run 5k. Deadline: 2025-05-10. Penalty preference: stake_burn $10"`
	UserID   string `json:"user_id,omitempty"`
}

// verifyPayload is decoded by hand so the contract goes through the legacy
// field folding.
type verifyPayload struct {
	ActivityID   string          `json:"activity_id,omitempty"`
	Contract     json.RawMessage `json:"contract"`
	UserID       string          `json:"user_id"`
	TextEvidence string          `json:"text_evidence,omitempty"`
	ImageURL     string          `json:"image_url,omitempty"`
}

// Response payloads

type CommitResponse struct {
	Status     string `json:"status" example:"success"`
	ContractID string `json:"contract_id"`
}

type UploadResponse struct {
	URL string `json:"url"`
}

type VerifyResponse struct {
	Verification domain.Verification `json:"verification"`
	Audit        domain.Audit        `json:"audit"`
	Enforcement  *string             `json:"enforcement"`
	StakeUpdate  *stakeResult        `json:"stake_update"`
	TraceID      string              `json:"opik_trace_id,omitempty"`
}

type ReaperResponse struct {
	Status    string   `json:"status"`
	Processed int      `json:"processed"`
	Details   []string `json:"details"`
}

// contractBody renders a contract for a JSON response. Timestamps are
// written as ISO strings and absent ones are dropped.
func contractBody(c domain.Contract) (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	for k, v := range out {
		if v == nil {
			delete(out, k)
		}
	}
	return out, nil
}
