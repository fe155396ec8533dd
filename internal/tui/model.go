// Package tui is the interactive terminal front end: the creation wizard,
// the dashboard with its modals, the community board and agent telemetry.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"pact/internal/app"
	"pact/internal/backend"
	"pact/internal/community"
	"pact/internal/contracts"
	"pact/internal/domain"
	"pact/internal/identity"
	"pact/internal/verify"
	"pact/internal/wizard"
)

const refreshInterval = 200 * time.Millisecond

type modal int

const (
	modalNone modal = iota
	modalSignIn
	modalEdit
	modalDelete
	modalVerify
)

var penaltyChoices = []struct {
	Type  domain.PenaltyType
	Label string
}{
	{domain.PenaltyStakeBurn, "Burn stake (10 credits from your ledger)"},
	{domain.PenaltyDonation, "Donate to charity"},
	{domain.PenaltyPublicShame, "Public shame post"},
}

type (
	tickMsg       time.Time
	negotiatedMsg struct{ err error }
	committedMsg  struct {
		id  string
		err error
	}
	editedMsg   struct{ err error }
	deletedMsg  struct{ err error }
	verifiedMsg struct {
		verdict domain.Verdict
		err     error
	}
)

// Model is the root bubbletea model.
type Model struct {
	app    *app.App
	ctx    context.Context
	keys   keyMap
	styles Styles
	help   help.Model
	spin   spinner.Model

	width, height int
	status        string
	statusErr     bool

	goalInput     textinput.Model
	deadlineInput textinput.Model
	amountInput   textinput.Model
	penaltyIdx    int

	cursor int

	modal      modal
	uidInput   textinput.Model
	nameInput  textinput.Model
	editID     string
	editGoal   textinput.Model
	editDate   textinput.Model
	editPrev   string
	focus      int
	pendingDel *contracts.PendingDelete
	session    *verify.Session
	evidence   textarea.Model
	attachPath textinput.Model

	showTelemetry bool
	board         *community.Board
	telemetry     *community.Telemetry
	closed        bool
}

func New(ctx context.Context, a *app.App) *Model {
	newInput := func(placeholder string, limit int) textinput.Model {
		in := textinput.New()
		in.Placeholder = placeholder
		in.CharLimit = limit
		return in
	}
	m := &Model{
		app:           a,
		ctx:           ctx,
		keys:          defaultKeys(),
		styles:        DefaultStyles(),
		help:          help.New(),
		spin:          spinner.New(spinner.WithSpinner(spinner.Dot)),
		goalInput:     newInput("Run 5km three times this week", 200),
		deadlineInput: newInput(domain.DateOnly, 10),
		amountInput:   newInput("Amount in USD", 8),
		uidInput:      newInput("user id", 64),
		nameInput:     newInput("display name", 64),
		editGoal:      newInput("goal", 200),
		editDate:      newInput(domain.DateOnly+" (optional)", 10),
		attachPath:    newInput("path to a photo (optional)", 512),
		evidence:      textarea.New(),
	}
	m.evidence.Placeholder = "Describe what you did..."
	m.evidence.SetHeight(4)
	m.goalInput.Focus()
	return m
}

// Run shows the front end until the user quits or ctx ends.
func Run(ctx context.Context, a *app.App) error {
	m := New(ctx, a)
	defer m.close()
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(tick(), m.spin.Tick, textinput.Blink)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	defer m.syncPollers()
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width
		m.evidence.SetWidth(min(msg.Width-8, 72))
		return m, nil
	case tickMsg:
		return m, tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	case negotiatedMsg:
		if msg.err != nil {
			m.fail(msg.err)
		} else {
			m.setStatus("Contract drafted. Review it and press enter to sign.")
		}
		return m, nil
	case committedMsg:
		switch {
		case errors.Is(msg.err, wizard.ErrAuthRequired):
			m.openSignIn("Sign in to sign your pact.")
		case msg.err != nil:
			m.fail(msg.err)
		default:
			m.goalInput.SetValue("")
			m.deadlineInput.SetValue("")
			m.amountInput.SetValue("")
			m.setStatus("Pact signed. It will appear below shortly.")
		}
		return m, nil
	case editedMsg:
		if msg.err != nil {
			m.fail(msg.err)
			return m, nil
		}
		m.closeModal()
		m.setStatus("Pact updated.")
		return m, nil
	case deletedMsg:
		m.closeModal()
		if msg.err != nil {
			m.fail(msg.err)
			return m, nil
		}
		m.setStatus("Pact voided.")
		return m, nil
	case verifiedMsg:
		if msg.err != nil {
			m.fail(msg.err)
			return m, nil
		}
		m.setStatus("Verdict: " + string(msg.verdict.Verification.Status) + ", " + msg.verdict.LedgerEffect())
		return m, nil
	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Quit) {
			m.close()
			return m, tea.Quit
		}
		if m.modal != modalNone {
			return m, m.updateModal(msg)
		}
		if cmd, handled := m.navigate(msg); handled {
			return m, cmd
		}
		if m.showTelemetry {
			return m, nil
		}
		switch m.app.Wizard.State().Step {
		case wizard.StepDashboard:
			return m, m.updateDashboard(msg)
		case wizard.StepCommunity:
			if key.Matches(msg, m.keys.Tab) && m.board != nil {
				if m.board.View().Tab == community.TabFeed {
					m.board.SetTab(community.TabLeaderboard)
				} else {
					m.board.SetTab(community.TabFeed)
				}
			}
			return m, nil
		default:
			return m, m.updateWizard(msg)
		}
	}
	return m, m.updateFocused(msg)
}

// navigate handles the screen switching keys available outside modals.
func (m *Model) navigate(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch {
	case key.Matches(msg, m.keys.New):
		m.showTelemetry = false
		w := m.app.Wizard
		if step := w.State().Step; step == wizard.StepDashboard || step == wizard.StepCommunity {
			m.goalInput.SetValue("")
			m.deadlineInput.SetValue("")
			m.amountInput.SetValue("")
			m.penaltyIdx = 0
		}
		_ = w.Navigate(wizard.StepGoal)
		return m.focusStep(w.State().Step), true
	case key.Matches(msg, m.keys.Dashboard):
		m.showTelemetry = false
		if err := m.app.Wizard.Navigate(wizard.StepDashboard); errors.Is(err, wizard.ErrAuthRequired) {
			m.openSignIn("Sign in to see your pacts.")
		}
		return nil, true
	case key.Matches(msg, m.keys.Community):
		m.showTelemetry = false
		_ = m.app.Wizard.Navigate(wizard.StepCommunity)
		return nil, true
	case key.Matches(msg, m.keys.Telemetry):
		m.showTelemetry = true
		return nil, true
	case key.Matches(msg, m.keys.SignIn):
		m.openSignIn("")
		return nil, true
	case key.Matches(msg, m.keys.SignOut):
		if err := m.app.SignOut(); err != nil {
			m.fail(err)
		} else {
			m.setStatus("Signed out.")
		}
		return nil, true
	}
	return nil, false
}

func (m *Model) updateWizard(msg tea.KeyMsg) tea.Cmd {
	w := m.app.Wizard
	st := w.State()
	if key.Matches(msg, m.keys.Back) {
		if err := w.Back(); err == nil {
			return m.focusStep(w.State().Step)
		}
		return nil
	}
	switch st.Step {
	case wizard.StepGoal:
		if key.Matches(msg, m.keys.Submit) {
			if err := w.SubmitGoal(m.goalInput.Value()); err != nil {
				m.fail(err)
				return nil
			}
			m.clearStatus()
			return m.focusStep(wizard.StepDeadline)
		}
	case wizard.StepDeadline:
		if key.Matches(msg, m.keys.Submit) {
			if err := w.SelectDeadline(m.deadlineInput.Value()); err != nil {
				m.fail(err)
				return nil
			}
			m.clearStatus()
			return m.focusStep(wizard.StepPenalty)
		}
	case wizard.StepPenalty:
		switch {
		case key.Matches(msg, m.keys.Up):
			m.penaltyIdx = (m.penaltyIdx + len(penaltyChoices) - 1) % len(penaltyChoices)
			return m.focusStep(wizard.StepPenalty)
		case key.Matches(msg, m.keys.Down):
			m.penaltyIdx = (m.penaltyIdx + 1) % len(penaltyChoices)
			return m.focusStep(wizard.StepPenalty)
		case key.Matches(msg, m.keys.Submit):
			if st.Loading {
				return nil
			}
			choice := wizard.PenaltyChoice{Type: penaltyChoices[m.penaltyIdx].Type}
			if choice.Type == domain.PenaltyDonation {
				amount, err := strconv.ParseFloat(strings.TrimSpace(m.amountInput.Value()), 64)
				if err != nil || amount <= 0 {
					m.fail(fmt.Errorf("enter a positive donation amount: %w", domain.ErrInvalidInput))
					return nil
				}
				choice.Amount = amount
			}
			m.setStatus("Negotiating with the contract agent...")
			ctx := m.ctx
			return func() tea.Msg {
				return negotiatedMsg{err: w.SelectPenalty(ctx, choice)}
			}
		}
	case wizard.StepReview:
		if key.Matches(msg, m.keys.Submit) && !st.Loading {
			m.setStatus("Signing...")
			ctx := m.ctx
			return func() tea.Msg {
				id, err := w.Confirm(ctx)
				return committedMsg{id: id, err: err}
			}
		}
		return nil
	}
	return m.updateFocused(msg)
}

// focusStep focuses the input the wizard step edits.
func (m *Model) focusStep(step wizard.Step) tea.Cmd {
	m.goalInput.Blur()
	m.deadlineInput.Blur()
	m.amountInput.Blur()
	switch step {
	case wizard.StepGoal:
		return m.goalInput.Focus()
	case wizard.StepDeadline:
		return m.deadlineInput.Focus()
	case wizard.StepPenalty:
		if penaltyChoices[m.penaltyIdx].Type == domain.PenaltyDonation {
			return m.amountInput.Focus()
		}
	}
	return nil
}

func (m *Model) updateDashboard(msg tea.KeyMsg) tea.Cmd {
	list := m.app.Contracts.View().Contracts
	switch {
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(list)-1 {
			m.cursor++
		}
	case key.Matches(msg, m.keys.Dismiss):
		m.app.Contracts.DismissReminder()
	case key.Matches(msg, m.keys.Edit):
		if c, ok := m.selected(list); ok {
			m.modal = modalEdit
			m.editID = c.ID
			m.editGoal.SetValue(c.GoalDescription)
			m.editDate.SetValue("")
			m.editPrev = ""
			if c.Deadline.Valid() {
				m.editPrev = c.Deadline.UTC().Format(domain.DateOnly)
				m.editDate.SetValue(m.editPrev)
			}
			m.focus = 0
			m.editDate.Blur()
			return m.editGoal.Focus()
		}
	case key.Matches(msg, m.keys.Delete):
		if c, ok := m.selected(list); ok {
			p, err := m.app.Contracts.PrepareDelete(c.ID)
			if err != nil {
				m.fail(err)
				return nil
			}
			m.pendingDel = p
			m.modal = modalDelete
		}
	case key.Matches(msg, m.keys.Verify):
		if c, ok := m.selected(list); ok {
			m.session = m.app.NewVerification(c)
			m.evidence.SetValue("")
			m.attachPath.SetValue("")
			m.modal = modalVerify
			m.focus = 0
			m.attachPath.Blur()
			return m.evidence.Focus()
		}
	}
	return nil
}

func (m *Model) selected(list []domain.Contract) (domain.Contract, bool) {
	if len(list) == 0 {
		return domain.Contract{}, false
	}
	if m.cursor >= len(list) {
		m.cursor = len(list) - 1
	}
	return list[m.cursor], true
}

func (m *Model) updateModal(msg tea.KeyMsg) tea.Cmd {
	switch m.modal {
	case modalSignIn:
		switch {
		case key.Matches(msg, m.keys.Back):
			m.closeModal()
			return nil
		case key.Matches(msg, m.keys.Tab):
			return m.toggleFocus(&m.uidInput, &m.nameInput)
		case key.Matches(msg, m.keys.Submit):
			uid := strings.TrimSpace(m.uidInput.Value())
			if uid == "" {
				m.fail(fmt.Errorf("user id required: %w", domain.ErrInvalidInput))
				return nil
			}
			if err := m.app.SignIn(identity.Identity{UID: uid, DisplayName: strings.TrimSpace(m.nameInput.Value())}); err != nil {
				m.fail(err)
				return nil
			}
			m.closeModal()
			if m.app.Wizard.State().Step == wizard.StepReview {
				m.setStatus("Signed in as " + uid + ". Press enter to sign your pact.")
			} else {
				m.setStatus("Signed in as " + uid + ".")
			}
			return nil
		}
	case modalEdit:
		switch {
		case key.Matches(msg, m.keys.Back):
			m.closeModal()
			return nil
		case key.Matches(msg, m.keys.Tab):
			return m.toggleFocus(&m.editGoal, &m.editDate)
		case key.Matches(msg, m.keys.Submit):
			list, ctx := m.app.Contracts, m.ctx
			id, goal, date := m.editID, m.editGoal.Value(), m.editDate.Value()
			if strings.TrimSpace(date) == m.editPrev {
				date = ""
			}
			return func() tea.Msg { return editedMsg{err: list.Edit(ctx, id, goal, date)} }
		}
	case modalDelete:
		switch {
		case key.Matches(msg, m.keys.Confirm):
			p, ctx := m.pendingDel, m.ctx
			return func() tea.Msg { return deletedMsg{err: p.Confirm(ctx)} }
		case key.Matches(msg, m.keys.Deny):
			m.closeModal()
		}
		return nil
	case modalVerify:
		switch {
		case key.Matches(msg, m.keys.Back):
			m.closeModal()
			return nil
		case key.Matches(msg, m.keys.Tab):
			if m.focus == 0 {
				m.focus = 1
				m.evidence.Blur()
				return m.attachPath.Focus()
			}
			m.focus = 0
			m.attachPath.Blur()
			return m.evidence.Focus()
		case key.Matches(msg, m.keys.Send):
			return m.submitEvidence()
		}
	}
	return m.updateFocused(msg)
}

func (m *Model) submitEvidence() tea.Cmd {
	s := m.session
	if s == nil || s.State().Phase != verify.PhaseCollecting {
		return nil
	}
	if err := s.SetEvidence(m.evidence.Value()); err != nil {
		m.fail(err)
		return nil
	}
	if path := strings.TrimSpace(m.attachPath.Value()); path != "" {
		if err := s.Attach(verify.FileAttachment(path)); err != nil {
			m.fail(err)
			return nil
		}
	} else {
		_ = s.Detach()
	}
	if !s.CanSubmit() {
		m.fail(fmt.Errorf("add a description or a photo: %w", domain.ErrInvalidInput))
		return nil
	}
	m.evidence.Blur()
	m.attachPath.Blur()
	m.clearStatus()
	ctx := m.ctx
	return func() tea.Msg {
		v, err := s.Submit(ctx)
		return verifiedMsg{verdict: v, err: err}
	}
}

func (m *Model) toggleFocus(a, b *textinput.Model) tea.Cmd {
	if m.focus == 0 {
		m.focus = 1
		a.Blur()
		return b.Focus()
	}
	m.focus = 0
	b.Blur()
	return a.Focus()
}

// updateFocused forwards msg to whichever input has focus.
func (m *Model) updateFocused(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	for _, in := range m.inputs() {
		if in.Focused() {
			*in, cmd = in.Update(msg)
			return cmd
		}
	}
	if m.evidence.Focused() {
		m.evidence, cmd = m.evidence.Update(msg)
	}
	return cmd
}

// inputs lists the text inputs of the active screen or modal.
func (m *Model) inputs() []*textinput.Model {
	switch m.modal {
	case modalSignIn:
		return []*textinput.Model{&m.uidInput, &m.nameInput}
	case modalEdit:
		return []*textinput.Model{&m.editGoal, &m.editDate}
	case modalVerify:
		return []*textinput.Model{&m.attachPath}
	case modalDelete:
		return nil
	}
	return []*textinput.Model{&m.goalInput, &m.deadlineInput, &m.amountInput}
}

func (m *Model) openSignIn(reason string) {
	m.modal = modalSignIn
	m.focus = 0
	m.nameInput.Blur()
	m.uidInput.Focus()
	if reason != "" {
		m.setStatus(reason)
	}
}

func (m *Model) closeModal() {
	if m.session != nil {
		m.session.Close()
		m.session = nil
	}
	m.pendingDel = nil
	m.modal = modalNone
	for _, in := range []*textinput.Model{&m.uidInput, &m.nameInput, &m.editGoal, &m.editDate, &m.attachPath} {
		in.Blur()
	}
	m.evidence.Blur()
	m.focusStep(m.app.Wizard.State().Step)
}

// syncPollers runs the community and telemetry pollers only while their
// screen is shown.
func (m *Model) syncPollers() {
	if m.closed {
		return
	}
	onCommunity := !m.showTelemetry && m.app.Wizard.State().Step == wizard.StepCommunity
	switch {
	case onCommunity && m.board == nil:
		m.board = m.app.NewBoard()
		m.board.Start(m.ctx)
	case !onCommunity && m.board != nil:
		m.board.Close()
		m.board = nil
	}
	switch {
	case m.showTelemetry && m.telemetry == nil:
		m.telemetry = m.app.NewTelemetry()
		m.telemetry.Start(m.ctx)
	case !m.showTelemetry && m.telemetry != nil:
		m.telemetry.Close()
		m.telemetry = nil
	}
}

func (m *Model) close() {
	m.closed = true
	if m.session != nil {
		m.session.Close()
		m.session = nil
	}
	if m.board != nil {
		m.board.Close()
		m.board = nil
	}
	if m.telemetry != nil {
		m.telemetry.Close()
		m.telemetry = nil
	}
}

func (m *Model) setStatus(s string) {
	m.status, m.statusErr = s, false
}

func (m *Model) clearStatus() {
	m.status, m.statusErr = "", false
}

func (m *Model) fail(err error) {
	m.status, m.statusErr = backend.UserMessage(err), true
}
