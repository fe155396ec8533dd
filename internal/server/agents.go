package server

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"pact/internal/domain"
)

const (
	defaultConfidenceRequired = 0.95
	maxPenaltyUSD             = 50.0
	falsePositiveRate         = 0.02
	distanceTolerance         = 0.97
)

var (
	promptPattern   = regexp.MustCompile(`(?is)^\s*goal:\s*(.*?)\.\s*deadline:\s*(\d{4}-\d{2}-\d{2})\.\s*penalty preference:\s*([a-z_]+)(?:\s*\$\s*([0-9]+(?:\.[0-9]+)?))?\s*$`)
	distancePattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:km|k)\b`)
)

var standardTerms = map[string][]string{
	"running": {
		"Activity must be recorded with GPS or a fitness tracker.",
		"Distance may fall short by at most 3%.",
		"Manual entries are not accepted.",
	},
	"coding": {
		"Work must be visible in a commit, pull request or deployment.",
		"Evidence must be dated before the deadline.",
	},
	"reading": {
		"Evidence must show the book and the page reached.",
		"Summaries of the reading count as supporting evidence.",
	},
	"fitness": {
		"Evidence must show the session: a photo, tracker log or gym check-in.",
	},
	"general": {
		"Evidence must be submitted before the deadline.",
		"Evidence must show the goal was met, not planned.",
	},
}

// negotiator turns a goal prompt into a contract draft. Prompts composed by
// the client are parsed field by field; free text becomes the goal with a
// default deadline and penalty.
type negotiator struct {
	now func() time.Time
}

func (n negotiator) Negotiate(goalText string) (domain.Contract, error) {
	goalText = strings.TrimSpace(goalText)
	if goalText == "" {
		return domain.Contract{}, fmt.Errorf("goal_text required: %w", domain.ErrInvalidInput)
	}
	goal := goalText
	deadline := nextSunday(n.now())
	penalty := domain.Penalty{Type: domain.PenaltyStakeBurn, AmountUSD: amount(domain.StakePenalty), Destination: "Ledger"}

	if m := promptPattern.FindStringSubmatch(goalText); m != nil {
		goal = strings.TrimSpace(m[1])
		day, err := time.Parse(domain.DateOnly, m[2])
		if err != nil {
			return domain.Contract{}, fmt.Errorf("invalid deadline %q: %w", m[2], domain.ErrInvalidInput)
		}
		deadline = day.Add(24*time.Hour - time.Second)
		switch domain.PenaltyType(strings.ToLower(m[3])) {
		case domain.PenaltyPublicShame:
			penalty = domain.Penalty{Type: domain.PenaltyPublicShame, AmountUSD: amount(0), Destination: "X/Twitter"}
		case domain.PenaltyDonation:
			usd := 10.0
			if m[4] != "" {
				if v, err := strconv.ParseFloat(m[4], 64); err == nil && v > 0 {
					usd = v
				}
			}
			penalty = domain.Penalty{Type: domain.PenaltyDonation, AmountUSD: amount(usd), Destination: "Charity"}
		}
	}

	category := goalCategory(goal)
	c := domain.Contract{
		GoalType:           "general",
		GoalDescription:    goal,
		Deadline:           domain.NewTimestamp(deadline),
		ConfidenceRequired: defaultConfidenceRequired,
		Penalty:            penalty,
		Terms:              append([]string(nil), standardTerms[category]...),
		IsPublic:           penalty.Type == domain.PenaltyPublicShame,
	}
	if category == "running" {
		c.GoalType = "running"
		if km, ok := parseDistance(goal); ok {
			c.TargetDistanceKM = &km
		}
	}
	c.Penalty.Description = describePenalty(c.Penalty)
	return c, nil
}

func amount(v float64) *float64 { return &v }

func nextSunday(now time.Time) time.Time {
	now = now.UTC()
	days := (7 - int(now.Weekday())) % 7
	if days == 0 {
		days = 7
	}
	d := now.AddDate(0, 0, days)
	return time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, time.UTC)
}

func goalCategory(goal string) string {
	g := strings.ToLower(goal)
	has := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(g, w) {
				return true
			}
		}
		return false
	}
	switch {
	case has("run", "marathon", "km", "jog"):
		return "running"
	case has("code", "program", "app", "ship", "commit"):
		return "coding"
	case has("read", "book", "pages"):
		return "reading"
	case has("gym", "lift", "yoga", "workout"):
		return "fitness"
	}
	return "general"
}

func parseDistance(text string) (float64, bool) {
	m := distancePattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func describePenalty(p domain.Penalty) string {
	switch p.Type {
	case domain.PenaltyPublicShame:
		return "A public post announces the failure."
	case domain.PenaltyDonation:
		return fmt.Sprintf("$%s is donated to %s.", formatUSD(p.AmountUSD), p.Destination)
	}
	return fmt.Sprintf("%d stake is burned from the ledger.", domain.StakePenalty)
}

func formatUSD(v *float64) string {
	if v == nil {
		return "0"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

var (
	failureCues = []string{"failed", "didn't", "did not", "missed", "skipped", "couldn't", "could not", "gave up", "forgot"}
	successCues = []string{"done", "completed", "finished", "ran", "read", "shipped", "did it", "achieved", "hit", "made it"}
)

// verifyAgent judges evidence with fixed rules.
type verifyAgent struct {
	now func() time.Time
}

func (a verifyAgent) Verify(c domain.Contract, text, imageURL string) domain.Verification {
	text = strings.TrimSpace(text)
	lower := strings.ToLower(text)
	if c.Deadline.Valid() && a.now().After(c.Deadline.Time) {
		return domain.Verification{
			Status:        domain.VerificationFailure,
			Confidence:    1.0,
			FailureReason: fmt.Sprintf("Evidence submitted after deadline (%s)", c.Deadline.ISO()),
			Reasoning:     "The deadline passed before any evidence arrived.",
		}
	}
	if text == "" && imageURL == "" {
		return domain.Verification{Status: domain.VerificationUncertain, Confidence: 0, FailureReason: "No evidence provided"}
	}
	for _, cue := range failureCues {
		if strings.Contains(lower, cue) {
			return domain.Verification{
				Status:        domain.VerificationFailure,
				Confidence:    0.96,
				FailureReason: "Evidence reports the goal was not met",
				Reasoning:     fmt.Sprintf("Self-report contains %q.", cue),
			}
		}
	}
	if c.TargetDistanceKM != nil {
		if km, ok := parseDistance(text); ok {
			required := *c.TargetDistanceKM * distanceTolerance
			if km < required {
				return domain.Verification{
					Status:        domain.VerificationFailure,
					Confidence:    1.0,
					FailureReason: fmt.Sprintf("Distance %.2fkm < required %.2fkm", km, required),
				}
			}
		}
	}
	matched := false
	for _, cue := range successCues {
		if strings.Contains(lower, cue) {
			matched = true
			break
		}
	}
	switch {
	case imageURL != "" && (matched || text == ""):
		return domain.Verification{Status: domain.VerificationSuccess, Confidence: 0.98, Reasoning: "Photo evidence supports the claim."}
	case matched && len(text) >= 12:
		return domain.Verification{Status: domain.VerificationSuccess, Confidence: 0.9, Reasoning: "Self-report describes the completed goal."}
	}
	return domain.Verification{
		Status:        domain.VerificationUncertain,
		Confidence:    0.5,
		FailureReason: "Evidence too vague to verify",
	}
}

// detectAgent decides whether a failure may be enforced.
type detectAgent struct {
	maxPenaltyUSD     float64
	falsePositiveRate float64
}

func (a detectAgent) Evaluate(c domain.Contract, v domain.Verification) domain.Audit {
	if v.Status != domain.VerificationFailure {
		return domain.Audit{
			Verdict:      domain.AuditBlock,
			Reason:       "User succeeded or result uncertain.",
			ChecksPassed: []string{"Verification Not Failure"},
			ChecksFailed: []string{},
		}
	}
	passed, failed := []string{}, []string{}
	required := c.ConfidenceRequired
	if required == 0 {
		required = defaultConfidenceRequired
	}
	if v.Confidence < required {
		failed = append(failed, fmt.Sprintf("Confidence %.2f < required %v", v.Confidence, required))
	} else {
		passed = append(passed, "High Confidence Verified")
	}
	if c.Penalty.AmountUSD != nil && *c.Penalty.AmountUSD > a.maxPenaltyUSD {
		failed = append(failed, fmt.Sprintf("Penalty $%s exceeds safety limit $%v", formatUSD(c.Penalty.AmountUSD), a.maxPenaltyUSD))
	} else {
		passed = append(passed, "Penalty within safety limits")
	}
	if a.falsePositiveRate > 0.05 {
		failed = append(failed, fmt.Sprintf("System FPR %.1f%% > 5%% safety threshold", a.falsePositiveRate*100))
	} else {
		passed = append(passed, "System reliability healthy")
	}
	if len(failed) > 0 {
		return domain.Audit{Verdict: domain.AuditBlock, Reason: "Safety checks failed: " + strings.Join(failed, "; "), ChecksPassed: passed, ChecksFailed: failed}
	}
	return domain.Audit{Verdict: domain.AuditAllow, Reason: "All checks passed. Enforcement authorized.", ChecksPassed: passed, ChecksFailed: failed}
}

// adaptAgent renders the enforcement action for an audited failure.
type adaptAgent struct{}

func (adaptAgent) Enforce(c domain.Contract, audit domain.Audit) string {
	if audit.Verdict == domain.AuditBlock {
		return "Enforcement BLOCKED by Detect Agent. Reason: " + audit.Reason
	}
	switch c.Penalty.Type {
	case domain.PenaltyDonation:
		dest := c.Penalty.Destination
		if dest == "" {
			dest = "Charity"
		}
		return fmt.Sprintf("EXECUTED: Charged $%s to card ending 4242. Donated to %s.", formatUSD(c.Penalty.AmountUSD), dest)
	case domain.PenaltyPublicShame:
		return "EXECUTED: Posted shame tweet to X/Twitter."
	}
	return fmt.Sprintf("EXECUTED: Generic penalty %s", c.Penalty.Type)
}
