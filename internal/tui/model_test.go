package tui

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pact/internal/app"
	"pact/internal/config"
	"pact/internal/docstore"
	"pact/internal/domain"
	"pact/internal/identity"
	"pact/internal/server"
	"pact/internal/wizard"
)

const testSecret = "tui-test-secret"

// newTestModel wires a model to a client app and a dev backend sharing one
// store.
func newTestModel(t *testing.T) (*Model, *app.App) {
	t.Helper()
	var handler http.Handler
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(api.Close)

	cfg := config.Default()
	cfg.API.BaseURL = api.URL
	cfg.Identity.JWTSecret = testSecret
	cfg.Store.PollInterval = 20 * time.Millisecond
	cfg.Community.PollInterval = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	a, err := app.Open(ctx, app.Options{Workspace: t.TempDir(), Config: cfg})
	require.NoError(t, err)
	srv, err := server.New(server.Config{
		Store: a.Store,
		Auth:  server.AuthConfig{JWTSecret: testSecret},
		Blobs: server.LocalBlobs{Dir: t.TempDir()},
	})
	require.NoError(t, err)
	handler = srv

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	<-a.Watcher.Ready()

	m := New(ctx, a)
	t.Cleanup(func() {
		m.close()
		cancel()
		<-done
		srv.Close(context.Background())
		a.Close()
	})
	return m, a
}

func typeText(m *Model, s string) {
	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)})
}

func press(m *Model, k tea.KeyType) tea.Cmd {
	_, cmd := m.Update(tea.KeyMsg{Type: k})
	return cmd
}

func pressRune(m *Model, r rune) tea.Cmd {
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	return cmd
}

// finish runs an async command and feeds its result back.
func finish(t *testing.T, m *Model, cmd tea.Cmd) {
	t.Helper()
	require.NotNil(t, cmd)
	m.Update(cmd())
}

func identityFor(uid string) identity.Identity {
	return identity.Identity{UID: uid, DisplayName: strings.ToUpper(uid[:1]) + uid[1:]}
}

func futureDate(days int) string {
	return time.Now().AddDate(0, 0, days).Format(domain.DateOnly)
}

func TestWizardSignsInBeforeCommitAndLandsOnDashboard(t *testing.T) {
	m, a := newTestModel(t)

	typeText(m, "Run 5km")
	press(m, tea.KeyEnter)
	require.Equal(t, wizard.StepDeadline, a.Wizard.State().Step)
	assert.Contains(t, m.View(), "Goal: Run 5km")

	typeText(m, futureDate(3))
	press(m, tea.KeyEnter)
	require.Equal(t, wizard.StepPenalty, a.Wizard.State().Step)
	assert.Contains(t, m.View(), "Burn stake")

	finish(t, m, press(m, tea.KeyEnter))
	st := a.Wizard.State()
	require.Equal(t, wizard.StepReview, st.Step)
	require.NotNil(t, st.Draft.Contract)
	assert.Contains(t, m.View(), "Press enter to sign")

	finish(t, m, press(m, tea.KeyEnter))
	require.Equal(t, modalSignIn, m.modal)
	assert.True(t, a.Wizard.State().AuthPending)
	assert.Contains(t, m.View(), "Sign in")

	typeText(m, "alice")
	press(m, tea.KeyEnter)
	require.Equal(t, modalNone, m.modal)
	assert.Contains(t, m.status, "Press enter to sign")

	finish(t, m, press(m, tea.KeyEnter))
	require.Equal(t, wizard.StepDashboard, a.Wizard.State().Step)
	require.Eventually(t, func() bool {
		return len(a.Contracts.View().Contracts) == 1
	}, 2*time.Second, 10*time.Millisecond)
	view := m.View()
	assert.Contains(t, view, "Run 5km")
	assert.Contains(t, view, "balance 100")
}

func TestWizardRejectsPastDeadline(t *testing.T) {
	m, a := newTestModel(t)

	typeText(m, "Read a book")
	press(m, tea.KeyEnter)
	typeText(m, "2001-01-01")
	press(m, tea.KeyEnter)

	assert.Equal(t, wizard.StepDeadline, a.Wizard.State().Step)
	assert.True(t, m.statusErr)
	assert.NotEmpty(t, m.status)
}

func TestDonationNeedsAmount(t *testing.T) {
	m, a := newTestModel(t)

	typeText(m, "Ship the release")
	press(m, tea.KeyEnter)
	typeText(m, futureDate(2))
	press(m, tea.KeyEnter)
	press(m, tea.KeyDown)
	assert.Contains(t, m.View(), "> Donate to charity")

	assert.Nil(t, press(m, tea.KeyEnter))
	assert.True(t, m.statusErr)

	typeText(m, "25")
	finish(t, m, press(m, tea.KeyEnter))
	c := a.Wizard.State().Draft.Contract
	require.NotNil(t, c)
	assert.Equal(t, domain.PenaltyDonation, c.Penalty.Type)
}

func TestDashboardRequiresSignIn(t *testing.T) {
	m, a := newTestModel(t)

	press(m, tea.KeyCtrlD)
	assert.Equal(t, modalSignIn, m.modal)
	assert.Equal(t, wizard.StepGoal, a.Wizard.State().Step)

	press(m, tea.KeyEsc)
	assert.Equal(t, modalNone, m.modal)
}

func TestVerifyFromDashboard(t *testing.T) {
	if testing.Short() {
		t.Skip("plays the full agent script")
	}
	m, a := newTestModel(t)
	require.NoError(t, a.SignIn(identityFor("bob")))
	_, err := a.Store.Create(context.Background(), docstore.Contracts, "bob", map[string]any{
		"user_id":            "bob",
		"goal_description":   "Run 5km",
		"target_distance_km": 5,
		"deadline_utc":       time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339),
		"status":             "Active",
		"penalty":            map[string]any{"type": "stake_burn"},
	})
	require.NoError(t, err)

	press(m, tea.KeyCtrlD)
	require.Eventually(t, func() bool {
		return len(a.Contracts.View().Contracts) == 1
	}, 2*time.Second, 10*time.Millisecond)

	pressRune(m, 'v')
	require.Equal(t, modalVerify, m.modal)
	typeText(m, "I ran 6km this morning and finished strong")
	finish(t, m, press(m, tea.KeyCtrlS))

	view := m.View()
	assert.Contains(t, view, "SUCCESS")
	assert.Contains(t, view, "[VERIFY]")
	assert.Contains(t, m.status, "Verdict: SUCCESS")

	press(m, tea.KeyEsc)
	assert.Equal(t, modalNone, m.modal)
	assert.Nil(t, m.session)
}

func TestDeleteAsksForConfirmation(t *testing.T) {
	m, a := newTestModel(t)
	require.NoError(t, a.SignIn(identityFor("carol")))
	_, err := a.Store.Create(context.Background(), docstore.Contracts, "carol", map[string]any{
		"user_id":          "carol",
		"goal_description": "Meditate",
		"deadline_utc":     time.Now().Add(72 * time.Hour).UTC().Format(time.RFC3339),
		"status":           "Active",
		"penalty":          map[string]any{"type": "public_shame"},
	})
	require.NoError(t, err)

	press(m, tea.KeyCtrlD)
	require.Eventually(t, func() bool {
		return len(a.Contracts.View().Contracts) == 1
	}, 2*time.Second, 10*time.Millisecond)

	pressRune(m, 'x')
	require.Equal(t, modalDelete, m.modal)
	assert.Contains(t, m.View(), "Meditate")

	pressRune(m, 'n')
	assert.Equal(t, modalNone, m.modal)

	pressRune(m, 'x')
	finish(t, m, pressRune(m, 'y'))
	assert.Equal(t, modalNone, m.modal)
	require.Eventually(t, func() bool {
		return len(a.Contracts.View().Contracts) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, m.View(), "No pacts yet")
}

func TestCommunityPollsOnlyWhileShown(t *testing.T) {
	m, _ := newTestModel(t)

	press(m, tea.KeyCtrlG)
	require.NotNil(t, m.board)
	require.Eventually(t, func() bool {
		return strings.Contains(m.View(), "Nothing here yet")
	}, 2*time.Second, 10*time.Millisecond)

	press(m, tea.KeyTab)
	assert.Contains(t, m.View(), "[Leaderboard]")

	press(m, tea.KeyCtrlT)
	assert.Nil(t, m.board)
	assert.NotNil(t, m.telemetry)
	assert.Contains(t, m.View(), "Agent telemetry")

	press(m, tea.KeyCtrlN)
	assert.Nil(t, m.telemetry)
}

func TestEditKeepsDeadlineWhenUnchanged(t *testing.T) {
	prev := time.Local
	time.Local = time.FixedZone("PDT", -7*60*60)
	t.Cleanup(func() { time.Local = prev })

	m, a := newTestModel(t)
	require.NoError(t, a.SignIn(identityFor("dana")))
	deadline := time.Now().UTC().AddDate(0, 0, 5).Truncate(24 * time.Hour)
	_, err := a.Store.Create(context.Background(), docstore.Contracts, "dana", map[string]any{
		"user_id":          "dana",
		"goal_description": "Run 5km",
		"deadline_utc":     deadline.Format(time.RFC3339),
		"status":           "Active",
		"penalty":          map[string]any{"type": "stake_burn"},
	})
	require.NoError(t, err)

	press(m, tea.KeyCtrlD)
	require.Eventually(t, func() bool {
		return len(a.Contracts.View().Contracts) == 1
	}, 2*time.Second, 10*time.Millisecond)

	pressRune(m, 'e')
	require.Equal(t, modalEdit, m.modal)
	assert.Equal(t, deadline.Format(domain.DateOnly), m.editDate.Value())

	typeText(m, " twice")
	finish(t, m, press(m, tea.KeyEnter))
	assert.Equal(t, modalNone, m.modal)
	assert.False(t, m.statusErr)
	require.Eventually(t, func() bool {
		return a.Contracts.View().Contracts[0].GoalDescription == "Run 5km twice"
	}, 2*time.Second, 10*time.Millisecond)
	c := a.Contracts.View().Contracts[0]
	assert.True(t, c.Deadline.Time.Equal(deadline), "deadline moved to %s", c.Deadline.Time)

	next := deadline.AddDate(0, 0, 2)
	pressRune(m, 'e')
	press(m, tea.KeyTab)
	m.editDate.SetValue(next.Format(domain.DateOnly))
	finish(t, m, press(m, tea.KeyEnter))
	require.Eventually(t, func() bool {
		return a.Contracts.View().Contracts[0].Deadline.Time.Equal(next)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Run 5km twice", a.Contracts.View().Contracts[0].GoalDescription)
}

func TestNewPactKeepsDraftMidFlow(t *testing.T) {
	m, a := newTestModel(t)

	typeText(m, "Write daily")
	press(m, tea.KeyEnter)
	require.Equal(t, wizard.StepDeadline, a.Wizard.State().Step)

	press(m, tea.KeyCtrlN)
	st := a.Wizard.State()
	assert.Equal(t, wizard.StepDeadline, st.Step)
	assert.Equal(t, "Write daily", st.Draft.Goal)

	press(m, tea.KeyCtrlG)
	press(m, tea.KeyCtrlN)
	st = a.Wizard.State()
	assert.Equal(t, wizard.StepGoal, st.Step)
	assert.Empty(t, st.Draft.Goal)
	assert.Empty(t, m.goalInput.Value())
}
