package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pact/internal/domain"
)

func fixedNow() time.Time { return testNow }

func TestNegotiateFreeTextDefaults(t *testing.T) {
	c, err := negotiator{now: fixedNow}.Negotiate("Ship the landing page")
	require.NoError(t, err)
	assert.Equal(t, "Ship the landing page", c.GoalDescription)
	assert.Equal(t, domain.PenaltyStakeBurn, c.Penalty.Type)
	require.NotNil(t, c.Penalty.AmountUSD)
	assert.Equal(t, float64(domain.StakePenalty), *c.Penalty.AmountUSD)
	assert.Equal(t, 0.95, c.ConfidenceRequired)
	assert.Equal(t, time.Sunday, c.Deadline.Weekday())
	assert.True(t, c.Deadline.After(testNow))
	assert.NotEmpty(t, c.Terms)
}

func TestNegotiatePublicShameIsPublic(t *testing.T) {
	c, err := negotiator{now: fixedNow}.Negotiate("Goal: Read 3 chapters. Deadline: 2025-05-09. Penalty preference: public_shame")
	require.NoError(t, err)
	assert.Equal(t, domain.PenaltyPublicShame, c.Penalty.Type)
	assert.True(t, c.IsPublic)
	require.NotNil(t, c.Penalty.AmountUSD)
	assert.Zero(t, *c.Penalty.AmountUSD)
}

func TestNegotiateRejectsBadDate(t *testing.T) {
	_, err := negotiator{now: fixedNow}.Negotiate("Goal: Run. Deadline: 2025-13-40. Penalty preference: donation")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestVerifyAgentRules(t *testing.T) {
	km := 10.0
	future := domain.NewTimestamp(testNow.Add(48 * time.Hour))
	running := domain.Contract{GoalDescription: "Run 10km", TargetDistanceKM: &km, Deadline: future}
	agent := verifyAgent{now: fixedNow}

	tests := []struct {
		name     string
		contract domain.Contract
		text     string
		image    string
		want     domain.VerificationStatus
	}{
		{"empty evidence", running, "", "", domain.VerificationUncertain},
		{"self-reported miss", running, "I missed it this week", "", domain.VerificationFailure},
		{"short distance", running, "Finished 6km today", "", domain.VerificationFailure},
		{"distance within tolerance", running, "Finished 9.8km today", "", domain.VerificationSuccess},
		{"photo only", running, "", "http://x/evidence/a.png", domain.VerificationSuccess},
		{"vague", running, "working on it", "", domain.VerificationUncertain},
		{"past deadline", domain.Contract{Deadline: domain.NewTimestamp(testNow.Add(-time.Hour))}, "done it all", "", domain.VerificationFailure},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := agent.Verify(tc.contract, tc.text, tc.image)
			assert.Equal(t, tc.want, got.Status)
		})
	}
}

func TestDetectAgentGates(t *testing.T) {
	agent := detectAgent{maxPenaltyUSD: maxPenaltyUSD, falsePositiveRate: falsePositiveRate}
	small, large := 10.0, 80.0

	audit := agent.Evaluate(domain.Contract{}, domain.Verification{Status: domain.VerificationSuccess, Confidence: 1})
	assert.Equal(t, domain.AuditBlock, audit.Verdict)
	assert.Equal(t, []string{"Verification Not Failure"}, audit.ChecksPassed)

	audit = agent.Evaluate(domain.Contract{Penalty: domain.Penalty{AmountUSD: &small}}, domain.Verification{Status: domain.VerificationFailure, Confidence: 0.97})
	assert.Equal(t, domain.AuditAllow, audit.Verdict)
	assert.Empty(t, audit.ChecksFailed)

	audit = agent.Evaluate(domain.Contract{Penalty: domain.Penalty{AmountUSD: &large}}, domain.Verification{Status: domain.VerificationFailure, Confidence: 0.97})
	assert.Equal(t, domain.AuditBlock, audit.Verdict)
	assert.Len(t, audit.ChecksFailed, 1)

	audit = agent.Evaluate(domain.Contract{ConfidenceRequired: 0.99}, domain.Verification{Status: domain.VerificationFailure, Confidence: 0.97})
	assert.Equal(t, domain.AuditBlock, audit.Verdict)
}

func TestAdaptAgentLines(t *testing.T) {
	amt := 25.0
	allow := domain.Audit{Verdict: domain.AuditAllow}
	line := adaptAgent{}.Enforce(domain.Contract{Penalty: domain.Penalty{Type: domain.PenaltyDonation, AmountUSD: &amt}}, allow)
	assert.Contains(t, line, "Donated to Charity")
	assert.Contains(t, line, "25")

	line = adaptAgent{}.Enforce(domain.Contract{}, domain.Audit{Verdict: domain.AuditBlock, Reason: "nope"})
	assert.Equal(t, "Enforcement BLOCKED by Detect Agent. Reason: nope", line)
}

func TestBurnGate(t *testing.T) {
	ok, reason := burnGate(100, 0.96)
	assert.True(t, ok)
	assert.Equal(t, "Governance Checks Passed", reason)

	ok, reason = burnGate(100, 0.5)
	assert.False(t, ok)
	assert.Contains(t, reason, "Confidence too low")

	ok, reason = burnGate(5, 0.99)
	assert.False(t, ok)
	assert.Contains(t, reason, "Insufficient Stake")
}

func TestTrustScoreClamps(t *testing.T) {
	assert.Equal(t, 50.0, trustScore(domain.UserStats{}))
	assert.Equal(t, 100.0, trustScore(domain.UserStats{ContractsCompleted: 30}))
	assert.Equal(t, 0.0, trustScore(domain.UserStats{ContractsFailed: 9}))
}
