package wizard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pact/internal/domain"
	"pact/internal/identity"
)

type fakeBackend struct {
	mu           sync.Mutex
	prompts      []string
	commits      []domain.Contract
	tokens       []string
	negotiateErr error
	commitErr    error
	gate         chan struct{}
}

func (b *fakeBackend) Negotiate(_ context.Context, goalText string) (domain.Contract, error) {
	if b.gate != nil {
		<-b.gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prompts = append(b.prompts, goalText)
	if b.negotiateErr != nil {
		return domain.Contract{}, b.negotiateErr
	}
	return domain.Contract{GoalDescription: "negotiated", Terms: []string{"term"}}, nil
}

func (b *fakeBackend) Commit(_ context.Context, token string, c domain.Contract) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = append(b.tokens, token)
	if b.commitErr != nil {
		return "", b.commitErr
	}
	b.commits = append(b.commits, c)
	return "contract-1", nil
}

var today = time.Date(2025, 5, 1, 15, 0, 0, 0, time.Local)

func newMachine(t *testing.T, b *fakeBackend) (*Machine, *identity.Context, *int) {
	t.Helper()
	ids := identity.NewContext(identity.HMACTokens{Secret: []byte("k")}, nil)
	prompts := 0
	m := New(b, ids, WithClock(func() time.Time { return today }), WithAuthPrompt(func() { prompts++ }))
	t.Cleanup(m.Close)
	return m, ids, &prompts
}

func toReview(t *testing.T, m *Machine) {
	t.Helper()
	require.NoError(t, m.SubmitGoal("  Run 5k  "))
	require.NoError(t, m.SelectDeadline("2025-05-10"))
	require.NoError(t, m.SelectPenalty(context.Background(), PenaltyChoice{Type: domain.PenaltyDonation, Amount: 25}))
}

func TestHappyPath(t *testing.T) {
	b := &fakeBackend{}
	m, ids, prompts := newMachine(t, b)
	require.NoError(t, ids.SignIn(identity.Identity{UID: "u1"}))

	toReview(t, m)
	st := m.State()
	assert.Equal(t, StepReview, st.Step)
	assert.Equal(t, "Run 5k", st.Draft.Goal)
	require.NotNil(t, st.Draft.Contract)
	assert.Equal(t, []string{"Goal: Run 5k. Deadline: 2025-05-10. Penalty preference: donation $25"}, b.prompts)

	id, err := m.Confirm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "contract-1", id)
	st = m.State()
	assert.Equal(t, StepDashboard, st.Step)
	assert.Equal(t, Draft{}, st.Draft)
	require.Len(t, b.tokens, 1)
	assert.NotEmpty(t, b.tokens[0])
	assert.Zero(t, *prompts)
}

func TestInputValidation(t *testing.T) {
	m, _, _ := newMachine(t, &fakeBackend{})
	assert.False(t, m.CanSubmitGoal("   "))
	assert.ErrorIs(t, m.SubmitGoal("   "), ErrInvalidInput)
	assert.Equal(t, StepGoal, m.State().Step)

	require.NoError(t, m.SubmitGoal("Read"))
	assert.True(t, m.CanSelectDeadline("2025-05-01"))
	assert.False(t, m.CanSelectDeadline("2025-04-30"))
	assert.False(t, m.CanSelectDeadline("May 3"))
	assert.ErrorIs(t, m.SelectDeadline("2025-04-30"), ErrInvalidInput)
	assert.Equal(t, StepDeadline, m.State().Step)

	require.NoError(t, m.SelectDeadline("2025-05-01"))
	assert.ErrorIs(t, m.SelectPenalty(context.Background(), PenaltyChoice{Type: domain.PenaltyDonation}), ErrInvalidInput)
	assert.ErrorIs(t, m.SelectPenalty(context.Background(), PenaltyChoice{Type: "jail"}), ErrInvalidInput)
	assert.ErrorIs(t, m.SubmitGoal("again"), ErrWrongStep)
}

func TestPenaltyAmounts(t *testing.T) {
	assert.Equal(t, "Goal: g. Deadline: d. Penalty preference: stake_burn $10", Prompt("g", "d", mustNormalize(t, PenaltyChoice{Type: domain.PenaltyStakeBurn, Amount: 99})))
	assert.Equal(t, "Goal: g. Deadline: d. Penalty preference: public_shame", Prompt("g", "d", mustNormalize(t, PenaltyChoice{Type: domain.PenaltyPublicShame, Amount: 5})))
	assert.Equal(t, "Goal: g. Deadline: d. Penalty preference: donation $12.5", Prompt("g", "d", mustNormalize(t, PenaltyChoice{Type: domain.PenaltyDonation, Amount: 12.5})))
}

func mustNormalize(t *testing.T, c PenaltyChoice) PenaltyChoice {
	t.Helper()
	out, err := normalizePenalty(c)
	require.NoError(t, err)
	return out
}

func TestNegotiateFailureKeepsInputs(t *testing.T) {
	b := &fakeBackend{negotiateErr: errors.New("503")}
	m, _, _ := newMachine(t, b)
	require.NoError(t, m.SubmitGoal("Run"))
	require.NoError(t, m.SelectDeadline("2025-05-02"))
	err := m.SelectPenalty(context.Background(), PenaltyChoice{Type: domain.PenaltyStakeBurn})
	require.Error(t, err)

	st := m.State()
	assert.Equal(t, StepPenalty, st.Step)
	assert.False(t, st.Loading)
	assert.Equal(t, "Run", st.Draft.Goal)
	assert.Equal(t, "2025-05-02", st.Draft.Deadline)
	assert.Equal(t, domain.PenaltyStakeBurn, st.Draft.Penalty.Type)
	assert.Nil(t, st.Draft.Contract)
	assert.Len(t, b.prompts, 1)
}

func TestConfirmWithoutIdentityPromptsSignIn(t *testing.T) {
	b := &fakeBackend{}
	m, ids, prompts := newMachine(t, b)
	toReview(t, m)

	_, err := m.Confirm(context.Background())
	assert.ErrorIs(t, err, ErrAuthRequired)
	st := m.State()
	assert.Equal(t, StepReview, st.Step)
	assert.True(t, st.AuthPending)
	assert.Equal(t, 1, *prompts)
	assert.Empty(t, b.commits)

	require.NoError(t, ids.SignIn(identity.Identity{UID: "u1"}))
	st = m.State()
	assert.False(t, st.AuthPending)
	assert.Equal(t, StepReview, st.Step)
	assert.Empty(t, b.commits)

	_, err = m.Confirm(context.Background())
	require.NoError(t, err)
	assert.Len(t, b.commits, 1)
}

func TestCommitFailureStaysAtReview(t *testing.T) {
	b := &fakeBackend{commitErr: errors.New("boom")}
	m, ids, _ := newMachine(t, b)
	require.NoError(t, ids.SignIn(identity.Identity{UID: "u1"}))
	toReview(t, m)
	_, err := m.Confirm(context.Background())
	require.Error(t, err)
	st := m.State()
	assert.Equal(t, StepReview, st.Step)
	assert.NotNil(t, st.Draft.Contract)
	assert.False(t, st.Loading)
}

func TestBusyWhileNegotiating(t *testing.T) {
	b := &fakeBackend{gate: make(chan struct{})}
	m, _, _ := newMachine(t, b)
	require.NoError(t, m.SubmitGoal("Run"))
	require.NoError(t, m.SelectDeadline("2025-05-02"))

	done := make(chan error, 1)
	go func() { done <- m.SelectPenalty(context.Background(), PenaltyChoice{Type: domain.PenaltyPublicShame}) }()
	require.Eventually(t, func() bool { return m.State().Loading }, time.Second, time.Millisecond)

	assert.ErrorIs(t, m.SelectPenalty(context.Background(), PenaltyChoice{Type: domain.PenaltyPublicShame}), ErrBusy)
	assert.ErrorIs(t, m.Back(), ErrBusy)
	close(b.gate)
	require.NoError(t, <-done)
	assert.Equal(t, StepReview, m.State().Step)
}

func TestNavigate(t *testing.T) {
	m, ids, prompts := newMachine(t, &fakeBackend{})
	require.NoError(t, m.SubmitGoal("Run"))

	assert.ErrorIs(t, m.Navigate(StepDashboard), ErrAuthRequired)
	assert.Equal(t, 1, *prompts)
	assert.Equal(t, StepDeadline, m.State().Step)

	require.NoError(t, m.Navigate(StepCommunity))
	assert.Equal(t, StepCommunity, m.State().Step)
	assert.Equal(t, "Run", m.State().Draft.Goal)

	require.NoError(t, ids.SignIn(identity.Identity{UID: "u1"}))
	require.NoError(t, m.Navigate(StepDashboard))
	require.NoError(t, m.Navigate(StepGoal))
	st := m.State()
	assert.Equal(t, StepGoal, st.Step)
	assert.Equal(t, Draft{}, st.Draft)
	assert.ErrorIs(t, m.Navigate(StepReview), ErrWrongStep)
}

func TestNavigateToGoalMidFlowKeepsDraft(t *testing.T) {
	m, _, _ := newMachine(t, &fakeBackend{})
	require.NoError(t, m.SubmitGoal("Run"))
	require.NoError(t, m.SelectDeadline("2025-05-02"))

	require.NoError(t, m.Navigate(StepGoal))
	st := m.State()
	assert.Equal(t, StepPenalty, st.Step)
	assert.Equal(t, "Run", st.Draft.Goal)

	m.Cancel()
	assert.Equal(t, Draft{}, m.State().Draft)
}

func TestNegotiationResultDiscardedAfterNavigatingAway(t *testing.T) {
	b := &fakeBackend{gate: make(chan struct{})}
	m, _, _ := newMachine(t, b)
	require.NoError(t, m.SubmitGoal("Run"))
	require.NoError(t, m.SelectDeadline("2025-05-02"))
	done := make(chan error, 1)
	go func() { done <- m.SelectPenalty(context.Background(), PenaltyChoice{Type: domain.PenaltyPublicShame}) }()
	require.Eventually(t, func() bool { return m.State().Loading }, time.Second, time.Millisecond)

	require.NoError(t, m.Navigate(StepCommunity))
	close(b.gate)
	require.NoError(t, <-done)
	st := m.State()
	assert.Equal(t, StepCommunity, st.Step)
	assert.Nil(t, st.Draft.Contract)
}
