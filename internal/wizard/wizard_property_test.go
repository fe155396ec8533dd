package wizard

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"pact/internal/domain"
	"pact/internal/identity"
)

const (
	opSubmitGoal = iota
	opSelectDeadline
	opSelectPenalty
	opBack
	opCommunity
	opCount
)

func TestBackNeverLosesDraftFields(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("back keeps every draft field", prop.ForAll(
		func(ops []int, goals []string) bool {
			ids := identity.NewContext(nil, nil)
			m := New(&fakeBackend{}, ids, WithClock(func() time.Time { return today }))
			defer m.Close()
			ctx := context.Background()
			for i, op := range ops {
				before := m.State()
				switch op {
				case opSubmitGoal:
					goal := "goal"
					if i < len(goals) && goals[i] != "" {
						goal = goals[i]
					}
					_ = m.SubmitGoal(goal)
				case opSelectDeadline:
					_ = m.SelectDeadline(fmt.Sprintf("2025-05-%02d", 1+i%28))
				case opSelectPenalty:
					_ = m.SelectPenalty(ctx, PenaltyChoice{Type: domain.PenaltyStakeBurn})
				case opBack:
					_ = m.Back()
					after := m.State()
					if after.Draft.Goal != before.Draft.Goal ||
						after.Draft.Deadline != before.Draft.Deadline ||
						after.Draft.Penalty != before.Draft.Penalty ||
						(after.Draft.Contract == nil) != (before.Draft.Contract == nil) {
						return false
					}
				case opCommunity:
					_ = m.Navigate(StepCommunity)
					if m.State().Draft.Goal != before.Draft.Goal {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, opCount-1)),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("changing the goal keeps the chosen deadline", prop.ForAll(
		func(first, second string) bool {
			if first == "" || second == "" {
				return true
			}
			ids := identity.NewContext(nil, nil)
			m := New(&fakeBackend{}, ids, WithClock(func() time.Time { return today }))
			defer m.Close()
			if m.SubmitGoal(first) != nil || m.SelectDeadline("2025-05-09") != nil {
				return false
			}
			if m.Back() != nil || m.Back() != nil {
				return false
			}
			st := m.State()
			if st.Draft.Goal != first || m.Back() == nil {
				return false
			}
			if st.Step != StepGoal || st.Draft.Deadline != "2025-05-09" {
				return false
			}
			if m.SubmitGoal(second) != nil {
				return false
			}
			return m.State().Draft.Deadline == "2025-05-09"
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
